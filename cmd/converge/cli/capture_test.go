package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/convergeio/converge/cmd/converge/cli/paths"
	"github.com/convergeio/converge/cmd/converge/cli/schema"
	"github.com/convergeio/converge/cmd/converge/cli/store"
)

// setupCaptureEnv points the engine at a temp project root with
// background research disabled, so hook tests never spawn subprocesses.
func setupCaptureEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(paths.ProjectDirEnvVar, dir)
	paths.ResetRootCache()
	t.Cleanup(paths.ResetRootCache)
	writeEngineSettings(t, dir, `{"convergence": {"auto_research": false}}`)
	return dir
}

func writeEngineSettings(t *testing.T, root, content string) {
	t.Helper()
	path := filepath.Join(root, paths.SettingsFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func captureInput(t *testing.T, toolName, errText string) string {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"tool_name":  toolName,
		"tool_input": map[string]any{"command": "npm install"},
		"error":      errText,
	})
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func runCapture(t *testing.T, input string) (stdout, stderr string) {
	t.Helper()
	var out, errBuf bytes.Buffer
	runCaptureHook(strings.NewReader(input), &out, &errBuf)
	return out.String(), errBuf.String()
}

func readIssues(t *testing.T, root string) []map[string]any {
	t.Helper()
	records, err := store.ReadAll(filepath.Join(root, paths.IssuesFile))
	if err != nil {
		t.Fatal(err)
	}
	return records
}

func TestRunCaptureHook_AllowsOnGarbageInput(t *testing.T) {
	root := setupCaptureEnv(t)

	for _, input := range []string{"", "not json", `{"tool_name": ""}`} {
		stdout, _ := runCapture(t, input)
		if !strings.Contains(stdout, `"allow"`) {
			t.Errorf("input %q: stdout = %q, want allow response", input, stdout)
		}
	}

	if records := readIssues(t, root); len(records) != 0 {
		t.Errorf("garbage input produced %d records", len(records))
	}
}

func TestRunCaptureHook_CapturesFailure(t *testing.T) {
	root := setupCaptureEnv(t)

	stdout, _ := runCapture(t, captureInput(t, "Bash", "npm install exited 1"))
	if !strings.Contains(stdout, `"allow"`) {
		t.Fatalf("stdout = %q, want allow response", stdout)
	}

	records := readIssues(t, root)
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}

	issue, err := schema.FromMap(records[0])
	if err != nil {
		t.Fatal(err)
	}
	if issue.Status != schema.StatusCaptured {
		t.Errorf("status = %q, want captured", issue.Status)
	}
	if issue.ToolName != "Bash" {
		t.Errorf("tool_name = %q", issue.ToolName)
	}
	if issue.Fingerprint == "" {
		t.Error("fingerprint missing")
	}
	if issue.OccurrenceCount != 1 {
		t.Errorf("occurrence_count = %d, want 1", issue.OccurrenceCount)
	}
	if err := paths.ValidateIssueID(issue.ID); err != nil {
		t.Errorf("minted ID invalid: %v", err)
	}
	if ok, reasons := schema.ValidateIssue(records[0]); !ok {
		t.Errorf("captured record fails validation: %v", reasons)
	}
}

func TestRunCaptureHook_DuplicateBumpsInsteadOfAppending(t *testing.T) {
	root := setupCaptureEnv(t)

	input := captureInput(t, "Bash", "npm install exited 1")
	runCapture(t, input)
	runCapture(t, input)

	records := readIssues(t, root)
	if len(records) != 1 {
		t.Fatalf("duplicate capture appended: %d records", len(records))
	}
	if count, _ := records[0]["occurrence_count"].(float64); count != 2 {
		t.Errorf("occurrence_count = %v, want 2", records[0]["occurrence_count"])
	}
	if records[0]["last_seen"] == records[0]["first_seen"] {
		// Equal timestamps are possible within a second; accept but make
		// sure last_seen exists at all.
		if records[0]["last_seen"] == nil {
			t.Error("last_seen not set on duplicate bump")
		}
	}
}

func TestRunCaptureHook_DistinctErrorsGetDistinctRecords(t *testing.T) {
	root := setupCaptureEnv(t)

	runCapture(t, captureInput(t, "Bash", "npm install exited 1"))
	runCapture(t, captureInput(t, "Edit", "file not located anywhere"))

	if records := readIssues(t, root); len(records) != 2 {
		t.Errorf("got %d records, want 2", len(records))
	}
}

func TestRunCaptureHook_DisabledEngineCapturesNothing(t *testing.T) {
	root := setupCaptureEnv(t)
	writeEngineSettings(t, root, `{"convergence": {"enabled": false}}`)

	stdout, _ := runCapture(t, captureInput(t, "Bash", "whatever"))
	if !strings.Contains(stdout, `"allow"`) {
		t.Errorf("disabled engine must still allow, got %q", stdout)
	}
	if records := readIssues(t, root); len(records) != 0 {
		t.Errorf("disabled engine captured %d records", len(records))
	}
}

func TestRunCaptureHook_ConvergedDuplicateEmitsCachedFixHint(t *testing.T) {
	root := setupCaptureEnv(t)

	input := captureInput(t, "Bash", "npm install exited 1")
	runCapture(t, input)

	records := readIssues(t, root)
	if len(records) != 1 {
		t.Fatal("seed capture failed")
	}
	issueID, _ := records[0]["id"].(string)

	issuesPath := filepath.Join(root, paths.IssuesFile)
	if err := store.Update(issuesPath, issueID, map[string]any{"status": schema.StatusConverged}); err != nil {
		t.Fatal(err)
	}
	researchDir, err := paths.IssueResearchDir(issueID)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(researchDir, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(researchDir, "solutions.md"),
		[]byte("# Solutions\n\nRegenerate the lockfile.\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, stderr := runCapture(t, input)
	if !strings.Contains(stderr, "Known error pattern") {
		t.Errorf("expected cached-knowledge hint, stderr = %q", stderr)
	}
	if !strings.Contains(stderr, "Regenerate the lockfile.") {
		t.Errorf("expected cached fix summary, stderr = %q", stderr)
	}
}

func TestRunCaptureHook_SanitizesSecrets(t *testing.T) {
	root := setupCaptureEnv(t)

	runCapture(t, captureInput(t, "Bash", "auth failed with key sk-abcdefghij0123456789"))

	records := readIssues(t, root)
	if len(records) != 1 {
		t.Fatal("capture failed")
	}
	rawError, _ := records[0]["raw_error"].(string)
	if strings.Contains(rawError, "sk-abcdefghij") {
		t.Errorf("secret survived into the issue record: %q", rawError)
	}
}

// seedRepoWithSecretContext builds a repository in root whose branch
// name and dirty worktree carry credential-shaped strings, so the
// capture context fields have something to redact.
func seedRepoWithSecretContext(t *testing.T, root string) {
	t.Helper()

	repo, err := git.PlainInit(root, false)
	if err != nil {
		t.Fatal(err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("seed\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Add("notes.txt"); err != nil {
		t.Fatal(err)
	}
	hash, err := wt.Commit("seed", &git.CommitOptions{
		Author: &object.Signature{Name: "t", Email: "t@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatal(err)
	}

	branchRef := plumbing.NewHashReference("refs/heads/sk-abcdefghij0123456789", hash)
	if err := repo.Storer.SetReference(branchRef); err != nil {
		t.Fatal(err)
	}
	if err := repo.Storer.SetReference(
		plumbing.NewSymbolicReference(plumbing.HEAD, branchRef.Name())); err != nil {
		t.Fatal(err)
	}

	// Untracked file whose name looks like a leaked key.
	if err := os.WriteFile(filepath.Join(root, "sk-zyxwvutsrq9876543210.env"), []byte("x\n"), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestRunCaptureHook_SanitizesGitContext(t *testing.T) {
	root := setupCaptureEnv(t)
	seedRepoWithSecretContext(t, root)

	runCapture(t, captureInput(t, "Bash", "npm install exited 1"))

	records := readIssues(t, root)
	if len(records) != 1 {
		t.Fatal("capture failed")
	}

	branch, _ := records[0]["git_branch"].(string)
	if strings.Contains(branch, "sk-abcdefghij") {
		t.Errorf("branch name persisted unredacted: %q", branch)
	}

	raw, err := json.Marshal(records[0])
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "sk-zyxwvutsrq") {
		t.Errorf("recent files persisted unredacted: %s", raw)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		tool, errText, want string
	}{
		{"Edit", "request timed out after 30s", schema.TypePerformance},
		{"Read", "no such file or directory", schema.TypeError},
		{"Edit", "function is deprecated", schema.TypeWarning},
		{"Bash", "exit status 1", schema.TypeFailure},
		{"Edit", "something odd", schema.TypeError},
	}
	for _, tt := range tests {
		if got := classifyError(tt.tool, tt.errText); got != tt.want {
			t.Errorf("classifyError(%q, %q) = %q, want %q", tt.tool, tt.errText, got, tt.want)
		}
	}
}

func TestParseToolHookInput(t *testing.T) {
	input, err := parseToolHookInput(strings.NewReader(`{"tool_name":"Bash","error":"boom"}`))
	if err != nil {
		t.Fatalf("parseToolHookInput() error = %v", err)
	}
	if input.ToolName != "Bash" || input.Error != "boom" {
		t.Errorf("parsed = %+v", input)
	}

	if _, err := parseToolHookInput(strings.NewReader("")); err == nil {
		t.Error("empty input accepted")
	}
	if _, err := parseToolHookInput(strings.NewReader("{broken")); err == nil {
		t.Error("malformed input accepted")
	}
}
