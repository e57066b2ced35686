package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/convergeio/converge/cmd/converge/cli/config"
	"github.com/convergeio/converge/cmd/converge/cli/logging"
	"github.com/convergeio/converge/cmd/converge/cli/paths"
	"github.com/convergeio/converge/cmd/converge/cli/sanitize"
	"github.com/convergeio/converge/cmd/converge/cli/schema"
	"github.com/convergeio/converge/cmd/converge/cli/store"
)

// Capture limits: the raw error is bounded, and only a prefix of the
// tool input lands in the description.
const (
	maxRawErrorLen  = 2000
	maxToolInputLen = 500
	maxRecentFiles  = 20
)

// runCaptureHook handles a host tool failure: classify, fingerprint,
// sanitize, dedup, persist. It always writes the allow response and
// never returns an error — a broken engine must not break the host.
func runCaptureHook(stdin io.Reader, stdout, stderr io.Writer) {
	defer writeAllow(stdout)

	settings := config.LoadOrDefault()
	if !settings.Enabled {
		return
	}

	input, err := parseToolHookInput(stdin)
	if err != nil || input.ToolName == "" {
		return
	}

	if err := logging.Init(settings.LogLevel); err == nil {
		defer logging.Close()
	}

	now := time.Now().UTC().Format(time.RFC3339)
	branch, recentFiles := gitContext()
	cwd, _ := os.Getwd()

	san := sanitize.New(settings.Sanitizer)

	issue := &schema.Issue{
		ID:               paths.NewIssueID(time.Now()),
		Type:             classifyError(input.ToolName, input.Error),
		Timestamp:        now,
		FirstSeen:        now,
		LastSeen:         now,
		Description:      buildDescription(input),
		RawError:         truncateText(input.Error, maxRawErrorLen),
		ToolName:         input.ToolName,
		GitBranch:        branch,
		RecentFiles:      recentFiles,
		WorkingDirectory: cwd,
		Source:           "hook",
		Status:           schema.StatusCaptured,
		OccurrenceCount:  1,
	}
	issue.Fingerprint = issue.ComputeFingerprint()

	// The description is sanitized on the struct too: the cached-fix
	// hint echoes it to the host session.
	issue.Description = san.Text(issue.Description)

	record, err := issueToMap(issue)
	if err != nil {
		fmt.Fprintf(stderr, "%s Warning: failed to encode issue: %v\n", hintTag, err)
		return
	}

	// Deep pass over the whole record: branch names and file lists pick
	// up usernames and credential-shaped strings just as easily as the
	// error text does.
	if sanitized, ok := san.Record(record).(map[string]any); ok {
		record = sanitized
	}

	if ok, reasons := schema.ValidateIssue(record); !ok {
		fmt.Fprintf(stderr, "%s Warning: capture failed validation: %s\n", hintTag, strings.Join(reasons, "; "))
		return
	}

	issuesPath, err := paths.Abs(paths.IssuesFile)
	if err != nil {
		fmt.Fprintf(stderr, "%s Warning: %v\n", hintTag, err)
		return
	}

	isNew, err := persistCapture(issuesPath, record, issue, now, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s Warning: failed to persist capture: %v\n", hintTag, err)
		return
	}

	log := logging.For(issue.ID, "capture")
	log.Info("tool failure captured",
		"tool", issue.ToolName, "type", issue.Type, "new_record", isNew)

	if isNew && settings.AutoResearch && !settings.SandboxMode {
		spawnBackgroundResearch(issue.ID, stderr)
	}
}

// persistCapture runs the dedup protocol under the issues-log lock:
// migrate legacy records, search for a fingerprint duplicate, and either
// bump the canonical record or append the new one. Returns whether a new
// record was created.
func persistCapture(issuesPath string, record map[string]any, issue *schema.Issue, now string, stderr io.Writer) (bool, error) {
	isNew := false
	err := store.WithLock(issuesPath, func() error {
		data, err := os.ReadFile(issuesPath) //nolint:gosec // layout path
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("reading issues log: %w", err)
		}

		lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
		migrated := false
		var duplicate map[string]any
		for i, line := range lines {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			var existing map[string]any
			if err := json.Unmarshal([]byte(trimmed), &existing); err != nil {
				continue // tolerated; the sweep quarantines it later
			}
			if schema.Migrate(existing) {
				updated, err := json.Marshal(existing)
				if err == nil {
					lines[i] = string(updated)
					migrated = true
				}
			}
			if duplicate == nil && existing["fingerprint"] == issue.Fingerprint {
				duplicate = existing
			}
		}

		if migrated {
			if err := store.RewriteLocked(issuesPath, strings.Join(lines, "\n")+"\n"); err != nil {
				return fmt.Errorf("persisting migration: %w", err)
			}
		}

		if duplicate == nil {
			if err := os.MkdirAll(filepath.Dir(issuesPath), 0o750); err != nil {
				return fmt.Errorf("creating data dir: %w", err)
			}
			isNew = true
			return store.AppendLocked(issuesPath, record)
		}

		dupID, _ := duplicate["id"].(string)
		count := 1
		if c, ok := duplicate["occurrence_count"].(float64); ok {
			count = int(c)
		}
		count++

		if err := store.UpdateLocked(issuesPath, dupID, map[string]any{
			"occurrence_count": count,
			"last_seen":        now,
		}); err != nil {
			return fmt.Errorf("bumping duplicate: %w", err)
		}

		if status, _ := duplicate["status"].(string); status == schema.StatusConverged && count > 1 {
			emitCachedFixHint(stderr, dupID, count, issue.Description)
		}
		return nil
	})
	return isNew, err
}

// emitCachedFixHint tells the host session this failure was already
// investigated, with the cached fix summary from the solution artefact.
func emitCachedFixHint(stderr io.Writer, issueID string, count int, description string) {
	fix := cachedFixSummary(issueID)
	fmt.Fprintf(stderr, "%s Known error pattern (seen %d times): %s\n", hintTag, count, firstLine(description))
	if fix != "" {
		fmt.Fprintf(stderr, "  Cached fix: %s\n", fix)
	}
}

// cachedFixSummary returns the first substantive line of the duplicate's
// solution artefact.
func cachedFixSummary(issueID string) string {
	dir, err := paths.IssueResearchDir(issueID)
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(dir, "solutions.md")) //nolint:gosec // validated issue dir
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "---") {
			continue
		}
		return truncateText(trimmed, 120)
	}
	return ""
}

// classifyError maps the error text and tool name to an issue type by
// keyword heuristics. Coarse on purpose; the fingerprint does the real
// dedup work.
func classifyError(toolName, errText string) string {
	lower := strings.ToLower(errText)
	switch {
	case strings.Contains(lower, "permission") || strings.Contains(lower, "access denied"):
		return schema.TypeError
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		return schema.TypePerformance
	case strings.Contains(lower, "not found") || strings.Contains(lower, "no such file"):
		return schema.TypeError
	case strings.Contains(lower, "syntax") || strings.Contains(lower, "unexpected token"):
		return schema.TypeError
	case strings.Contains(lower, "deprecated"):
		return schema.TypeWarning
	case toolName == "Bash" || toolName == "Execute":
		return schema.TypeFailure
	default:
		return schema.TypeError
	}
}

func buildDescription(input *ToolHookInput) string {
	desc := fmt.Sprintf("Tool '%s' failed: %s", input.ToolName, input.Error)
	if len(input.ToolInput) > 0 {
		desc += "\n\nTool input: " + truncateText(string(input.ToolInput), maxToolInputLen)
	}
	return desc
}

// spawnBackgroundResearch starts a detached research run so the capture
// hook returns immediately.
func spawnBackgroundResearch(issueID string, stderr io.Writer) {
	exe, err := os.Executable()
	if err != nil {
		return
	}
	cmd := exec.Command(exe, "research", issueID) //nolint:gosec // own binary, minted ID
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(stderr, "%s Warning: failed to start background research: %v\n", hintTag, err)
		return
	}
	_ = cmd.Process.Release()
}

func issueToMap(issue *schema.Issue) (map[string]any, error) {
	data, err := json.Marshal(issue)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func truncateText(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}
