package paths

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func useTempRoot(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(ProjectDirEnvVar, dir)
	ResetRootCache()
	t.Cleanup(ResetRootCache)
	return dir
}

func TestProjectRoot_EnvOverride(t *testing.T) {
	dir := useTempRoot(t)

	root, err := ProjectRoot()
	if err != nil {
		t.Fatalf("ProjectRoot() error = %v", err)
	}
	if root != dir {
		t.Errorf("ProjectRoot() = %q, want %q", root, dir)
	}
}

func TestAbs(t *testing.T) {
	dir := useTempRoot(t)

	got, err := Abs(IssuesFile)
	if err != nil {
		t.Fatalf("Abs() error = %v", err)
	}
	want := filepath.Join(dir, IssuesFile)
	if got != want {
		t.Errorf("Abs() = %q, want %q", got, want)
	}
}

func TestNewIssueID_FormatAndValidation(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 15, 30, 0, time.UTC)
	id := NewIssueID(now)

	if !strings.HasPrefix(id, "issue_20260824_101530_") {
		t.Errorf("id = %q, wrong time prefix", id)
	}
	if err := ValidateIssueID(id); err != nil {
		t.Errorf("minted ID fails validation: %v", err)
	}
}

func TestNewIssueID_SuffixVaries(t *testing.T) {
	now := time.Now()
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		seen[NewIssueID(now)] = true
	}
	if len(seen) < 2 {
		t.Error("suffix never varied across 20 mints")
	}
}

func TestValidateIssueID_Rejections(t *testing.T) {
	bad := []string{
		"",
		"issue_20260824",
		"issue_20260824_101530_ABCD", // uppercase suffix
		"../../etc/passwd",
		"issue_20260824_101530_ab3f/../../x",
	}
	for _, id := range bad {
		if err := ValidateIssueID(id); err == nil {
			t.Errorf("ValidateIssueID(%q) accepted a malformed ID", id)
		}
	}
}

func TestIssueResearchDir_RejectsHostileID(t *testing.T) {
	useTempRoot(t)
	if _, err := IssueResearchDir("../escape"); err == nil {
		t.Error("hostile ID accepted")
	}
}

func TestEnsureLayout(t *testing.T) {
	dir := useTempRoot(t)

	if err := EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout() error = %v", err)
	}
	for _, rel := range []string{DataDir, ResearchDir, OutputDir, ArchiveDir} {
		info, err := os.Stat(filepath.Join(dir, rel))
		if err != nil {
			t.Errorf("missing %s: %v", rel, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", rel)
		}
	}

	// Second call is a no-op.
	if err := EnsureLayout(); err != nil {
		t.Errorf("EnsureLayout() second call error = %v", err)
	}
}
