// Package bridge maintains the auto-generated knowledge section inside
// the user-owned CLAUDE.md. The section lives between fixed markers;
// every byte outside them is user content and is never altered. Writes
// go through a temporary sibling and rename, under the document's lock.
package bridge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/convergeio/converge/cmd/converge/cli/logging"
	"github.com/convergeio/converge/cmd/converge/cli/paths"
	"github.com/convergeio/converge/cmd/converge/cli/schema"
	"github.com/convergeio/converge/cmd/converge/cli/store"
)

// Section markers. Fixed strings: the matcher and future writes depend
// on finding them verbatim.
const (
	StartMarker = "<!-- convergence-engine:start -->"
	EndMarker   = "<!-- convergence-engine:end -->"
)

const tableHeader = "| Fingerprint | Error Pattern | Root Cause | Fix | Applies When | Seen |"

// maxActiveTasks bounds the pending-task summary.
const maxActiveTasks = 10

// Entry is one parsed knowledge-table row.
type Entry struct {
	FingerprintShort string
	ErrorPattern     string
	RootCause        string
	Fix              string
	AppliesWhen      string
	SeenCount        int
}

// Write renders the knowledge section from the converged issues and the
// current task list, and splices it into the knowledge document,
// replacing any existing section.
func Write(converged []*schema.Issue, tasks []map[string]any) error {
	docPath, err := paths.Abs(paths.KnowledgeFile)
	if err != nil {
		return err
	}

	// The lock sidecar lives under .claude/ so the document's directory
	// (usually the project root) stays clean.
	lockPath, err := paths.Abs(paths.KnowledgeLockFile)
	if err != nil {
		return err
	}

	section := renderSection(converged, tasks)

	return store.WithLockAt(lockPath, func() error {
		existing := ""
		if data, err := os.ReadFile(docPath); err == nil { //nolint:gosec // layout path
			existing = string(data)
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("reading knowledge document: %w", err)
		}

		stripped := StripSection(existing)
		var b strings.Builder
		b.WriteString(stripped)
		if stripped != "" && !strings.HasSuffix(stripped, "\n\n") {
			if strings.HasSuffix(stripped, "\n") {
				b.WriteString("\n")
			} else {
				b.WriteString("\n\n")
			}
		}
		b.WriteString(section)
		updated := b.String()

		if updated != existing {
			logSectionDiff(existing, updated)
		}

		tmp := docPath + ".tmp"
		f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) //nolint:gosec // sibling of layout path
		if err != nil {
			return fmt.Errorf("creating temp document: %w", err)
		}
		if _, err := f.WriteString(updated); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return fmt.Errorf("writing temp document: %w", err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return fmt.Errorf("syncing temp document: %w", err)
		}
		if err := f.Close(); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("closing temp document: %w", err)
		}
		if err := os.Rename(tmp, docPath); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("replacing knowledge document: %w", err)
		}
		return nil
	})
}

// StripSection removes the managed section. Half-present markers are
// repaired by stripping the orphan side.
func StripSection(content string) string {
	start := strings.Index(content, StartMarker)
	end := strings.Index(content, EndMarker)

	switch {
	case start >= 0 && end >= start:
		after := content[end+len(EndMarker):]
		return strings.TrimRight(content[:start], "\n") + trimLeadingNewlines(after)
	case start >= 0:
		// Orphan start marker: everything after it is suspect.
		return strings.TrimRight(content[:start], "\n")
	case end >= 0:
		// Orphan end marker: everything before it is suspect.
		return trimLeadingNewlines(content[end+len(EndMarker):])
	default:
		return content
	}
}

func trimLeadingNewlines(s string) string {
	trimmed := strings.TrimLeft(s, "\n")
	if trimmed == "" {
		return ""
	}
	return "\n" + trimmed
}

func renderSection(converged []*schema.Issue, tasks []map[string]any) string {
	var b strings.Builder
	b.WriteString(StartMarker)
	b.WriteString("\n\n## Convergence Knowledge (auto-generated)\n\n")
	fmt.Fprintf(&b, "_Last updated: %s_\n\n", time.Now().UTC().Format(time.RFC3339))

	if len(converged) == 0 {
		b.WriteString("_No convergence knowledge yet._\n")
	} else {
		b.WriteString(tableHeader + "\n")
		b.WriteString("|---|---|---|---|---|---|\n")
		for _, issue := range converged {
			fmt.Fprintf(&b, "| `%s` | %s | %s | %s | %s | %d |\n",
				shortFingerprint(issue.Fingerprint),
				escapePipes(errorPattern(issue.Description)),
				escapePipes(firstSubstantiveLine(issue.ID, []string{"debate.md", "root_cause.md"}, 60)),
				escapePipes(firstSubstantiveLine(issue.ID, []string{"solutions.md"}, 60)),
				escapePipes(appliesWhen(issue)),
				occurrenceCount(issue))
		}

		if pending := pendingUrgentTasks(tasks); len(pending) > 0 {
			b.WriteString("\n### Active Tasks\n\n")
			for _, task := range pending {
				priority, _ := task["priority"].(string)
				title, _ := task["title"].(string)
				fmt.Fprintf(&b, "- **[%s]** %s\n", priority, title)
			}
		}
	}

	b.WriteString("\n" + EndMarker + "\n")
	return b.String()
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// errorPattern extracts the compact error text for the table: the part
// of the description's first line after "failed:", truncated to 80.
func errorPattern(description string) string {
	line := description
	if i := strings.Index(line, "\n"); i >= 0 {
		line = line[:i]
	}
	if i := strings.Index(line, "failed:"); i >= 0 {
		line = strings.TrimSpace(line[i+len("failed:"):])
	}
	return truncate(line, 80)
}

// firstSubstantiveLine returns the first non-heading, non-rule line of
// the first artefact that exists, truncated.
func firstSubstantiveLine(issueID string, names []string, limit int) string {
	dir, err := paths.IssueResearchDir(issueID)
	if err != nil {
		return ""
	}
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name)) //nolint:gosec // validated issue dir
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "---") {
				continue
			}
			return truncate(trimmed, limit)
		}
	}
	return ""
}

// appliesWhen renders the applicability predicate from capture context.
func appliesWhen(issue *schema.Issue) string {
	var parts []string
	if issue.ToolName != "" {
		parts = append(parts, "`"+issue.ToolName+"`")
	}
	if issue.GitBranch != "" {
		parts = append(parts, "branch:"+issue.GitBranch)
	}
	if file := issue.SourceFile(); file != "" {
		parts = append(parts, filepath.Base(file))
	}
	if len(parts) == 0 {
		return "any context"
	}
	return strings.Join(parts, ", ")
}

func occurrenceCount(issue *schema.Issue) int {
	if issue.OccurrenceCount < 1 {
		return 1
	}
	return issue.OccurrenceCount
}

func pendingUrgentTasks(tasks []map[string]any) []map[string]any {
	var pending []map[string]any
	for _, task := range tasks {
		status, _ := task["status"].(string)
		priority, _ := task["priority"].(string)
		if status == "pending" && (priority == "P0" || priority == "P1") {
			pending = append(pending, task)
			if len(pending) == maxActiveTasks {
				break
			}
		}
	}
	return pending
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func escapePipes(s string) string {
	return strings.ReplaceAll(s, "|", "\\|")
}

// ReadEntries parses the knowledge table back into entries. A missing
// document or section yields nil: callers fall back to the issues log.
func ReadEntries() ([]Entry, error) {
	docPath, err := paths.Abs(paths.KnowledgeFile)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(docPath) //nolint:gosec // layout path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading knowledge document: %w", err)
	}

	content := string(data)
	start := strings.Index(content, StartMarker)
	end := strings.Index(content, EndMarker)
	if start < 0 || end < start {
		return nil, nil
	}

	var entries []Entry
	for _, line := range strings.Split(content[start:end], "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "| `") {
			continue
		}
		cells := splitRow(line)
		if len(cells) != 6 {
			continue
		}
		seen := 1
		_, _ = fmt.Sscanf(cells[5], "%d", &seen)
		entries = append(entries, Entry{
			FingerprintShort: strings.Trim(cells[0], "` "),
			ErrorPattern:     cells[1],
			RootCause:        cells[2],
			Fix:              cells[3],
			AppliesWhen:      cells[4],
			SeenCount:        seen,
		})
	}
	return entries, nil
}

// splitRow splits a markdown table row on unescaped pipes.
func splitRow(line string) []string {
	line = strings.Trim(line, "|")
	parts := strings.Split(line, "|")
	var cells []string
	for i := 0; i < len(parts); i++ {
		cell := parts[i]
		for strings.HasSuffix(cell, "\\") && i+1 < len(parts) {
			i++
			cell = cell[:len(cell)-1] + "|" + parts[i]
		}
		cells = append(cells, strings.TrimSpace(cell))
	}
	return cells
}

// logSectionDiff records what changed in the document at debug level.
func logSectionDiff(before, after string) {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	dmp.DiffCleanupSemantic(diffs)
	var changed int
	for _, d := range diffs {
		if d.Type != diffmatchpatch.DiffEqual {
			changed += len(d.Text)
		}
	}
	logging.ForPipeline().Debug("knowledge document updated",
		"changed_bytes", changed, "diff_ops", len(diffs))
}
