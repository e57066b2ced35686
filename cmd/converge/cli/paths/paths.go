// Package paths centralizes project-root resolution and the on-disk layout
// of the convergence engine's state. All other packages derive file
// locations from here so the layout can only be defined once.
package paths

import (
	"crypto/rand"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ProjectDirEnvVar overrides project-root detection when set.
// The host agent exports it for hook subprocesses.
const ProjectDirEnvVar = "CLAUDE_PROJECT_DIR"

// Relative layout under the project root.
const (
	ConvergenceDir    = ".claude/convergence"
	DataDir           = ".claude/convergence/data"
	ResearchDir       = ".claude/convergence/data/research"
	OutputDir         = ".claude/convergence/output"
	ArchiveDir        = ".claude/convergence/output/archive"
	IssuesFile        = ".claude/convergence/data/issues.jsonl"
	QuarantineFile    = ".claude/convergence/data/quarantine.jsonl"
	ActivityLogFile   = ".claude/convergence/data/agent_activity.log"
	ActivityJSONLFile = ".claude/convergence/data/agent_activity.jsonl"
	ConvergenceReport = ".claude/convergence/output/convergence.md"
	TasksFile         = ".claude/convergence/output/tasks.json"
	SettingsFile      = ".claude/convergence/settings.json"
	LocalSettingsFile = ".claude/convergence/settings.local.json"
	KnowledgeFile     = "CLAUDE.md"
	KnowledgeLockFile = ".claude/CLAUDE.md.lock"
	HostSettingsFile  = ".claude/settings.json"
)

var (
	rootMu     sync.RWMutex
	cachedRoot string

	issueIDPattern = regexp.MustCompile(`^issue_\d{8}_\d{6}_[a-z0-9]{4}$`)
)

// ProjectRoot resolves the project root directory, in priority order:
// the CLAUDE_PROJECT_DIR environment variable, the git worktree toplevel,
// and finally the current working directory. The result is cached for the
// life of the process.
func ProjectRoot() (string, error) {
	rootMu.RLock()
	if cachedRoot != "" {
		defer rootMu.RUnlock()
		return cachedRoot, nil
	}
	rootMu.RUnlock()

	rootMu.Lock()
	defer rootMu.Unlock()
	if cachedRoot != "" {
		return cachedRoot, nil
	}

	if dir := os.Getenv(ProjectDirEnvVar); dir != "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return "", fmt.Errorf("resolving %s: %w", ProjectDirEnvVar, err)
		}
		cachedRoot = abs
		return cachedRoot, nil
	}

	out, err := exec.Command("git", "rev-parse", "--show-toplevel").Output()
	if err == nil {
		if top := strings.TrimSpace(string(out)); top != "" {
			cachedRoot = top
			return cachedRoot, nil
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolving working directory: %w", err)
	}
	fmt.Fprintf(os.Stderr, "[convergence-engine] Warning: no %s and no git toplevel, using %s\n", ProjectDirEnvVar, cwd)
	cachedRoot = cwd
	return cachedRoot, nil
}

// ResetRootCache clears the cached project root. Tests use this between
// cases that change CLAUDE_PROJECT_DIR.
func ResetRootCache() {
	rootMu.Lock()
	defer rootMu.Unlock()
	cachedRoot = ""
}

// Abs joins a layout-relative path onto the project root.
func Abs(rel string) (string, error) {
	root, err := ProjectRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, rel), nil
}

// IssueResearchDir returns the artefact directory for one issue.
// The issue ID is validated to keep hostile IDs from escaping the
// research tree.
func IssueResearchDir(issueID string) (string, error) {
	if err := ValidateIssueID(issueID); err != nil {
		return "", err
	}
	base, err := Abs(ResearchDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, issueID), nil
}

// ValidateIssueID rejects IDs that do not match the minted format.
func ValidateIssueID(id string) error {
	if !issueIDPattern.MatchString(id) {
		return fmt.Errorf("invalid issue ID %q", id)
	}
	return nil
}

// NewIssueID mints a time-ordered, human-readable issue ID:
// issue_YYYYMMDD_HHMMSS_xxxx with a random 4-character suffix.
func NewIssueID(now time.Time) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform is broken; fall back to
		// a fixed suffix rather than aborting a capture.
		copy(buf, "0000")
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return fmt.Sprintf("issue_%s_%s", now.UTC().Format("20060102_150405"), buf)
}

// EnsureLayout creates the data and output directories if missing.
func EnsureLayout() error {
	for _, rel := range []string{DataDir, ResearchDir, OutputDir, ArchiveDir} {
		dir, err := Abs(rel)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating %s: %w", rel, err)
		}
	}
	return nil
}
