// Package arbiter synthesizes all investigated issues into one
// convergence report and one machine-readable task list, archiving the
// previous outputs first. A JSON parse failure on the task section is
// non-fatal: the report is still written, with the raw tail appended as
// a diagnostic note.
package arbiter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/convergeio/converge/cmd/converge/cli/agent"
	"github.com/convergeio/converge/cmd/converge/cli/bridge"
	"github.com/convergeio/converge/cmd/converge/cli/config"
	"github.com/convergeio/converge/cmd/converge/cli/logging"
	"github.com/convergeio/converge/cmd/converge/cli/paths"
	"github.com/convergeio/converge/cmd/converge/cli/schema"
	"github.com/convergeio/converge/cmd/converge/cli/store"
)

// Arbiter aggregates per-issue artefacts into the convergence outputs.
type Arbiter struct {
	settings   *config.Settings
	inv        *agent.Invoker
	issuesPath string
}

// New builds an arbiter sharing the pipeline's invoker.
func New(settings *config.Settings, inv *agent.Invoker) (*Arbiter, error) {
	issuesPath, err := paths.Abs(paths.IssuesFile)
	if err != nil {
		return nil, fmt.Errorf("resolving issues log: %w", err)
	}
	return &Arbiter{settings: settings, inv: inv, issuesPath: issuesPath}, nil
}

// Synthesize runs one convergence pass. With issueFilter set, only that
// issue is processed; otherwise eligibility prefers debated issues and
// falls back to researched ones. Below the configured minimum the run
// is a no-op.
func (a *Arbiter) Synthesize(ctx context.Context, issueFilter string) error {
	log := logging.ForPipeline()

	eligible, err := a.eligibleIssues(issueFilter)
	if err != nil {
		return err
	}
	if len(eligible) == 0 {
		log.Info("no eligible issues, skipping convergence")
		return nil
	}
	if issueFilter == "" && len(eligible) < a.settings.MinIssuesForConvergence {
		log.Info("below convergence threshold, skipping",
			"eligible", len(eligible), "min", a.settings.MinIssuesForConvergence)
		return nil
	}

	if err := a.archiveOutputs(); err != nil {
		return fmt.Errorf("archiving previous outputs: %w", err)
	}

	for _, issue := range eligible {
		a.setStatus(issue, schema.StatusConverging)
	}

	blocks := make([]string, 0, len(eligible))
	for _, issue := range eligible {
		blocks = append(blocks, a.issueBlock(issue))
	}

	res := a.inv.Invoke(ctx, agent.RoleArbiter, config.StageConverge, logging.PipelineIssueID,
		agent.ArbiterPrompt(blocks))
	if !res.OK {
		for _, issue := range eligible {
			a.setStatus(issue, schema.StatusDebated)
		}
		return fmt.Errorf("arbiter invocation failed: %s", res.Error)
	}

	report, tasks, parseErr := parseArbiterOutput(res.Output)
	if parseErr != nil {
		log.Warn("task extraction failed, writing report with raw tail", "error", parseErr)
	}

	if err := a.writeOutputs(report, tasks); err != nil {
		return err
	}

	for _, issue := range eligible {
		a.setStatus(issue, schema.StatusConverged)
		issue.Status = schema.StatusConverged
	}

	converged, err := a.convergedIssues()
	if err != nil {
		log.Warn("loading converged issues for knowledge bridge", "error", err)
	} else if err := bridge.Write(converged, tasks); err != nil {
		log.Warn("updating knowledge bridge", "error", err)
	}

	log.Info("convergence completed", "issues", len(eligible), "tasks", len(tasks))
	return nil
}

// eligibleIssues applies the preference order: an explicit filter, else
// debated, else researched.
func (a *Arbiter) eligibleIssues(issueFilter string) ([]*schema.Issue, error) {
	records, err := store.ReadAll(a.issuesPath)
	if err != nil {
		return nil, fmt.Errorf("reading issues log: %w", err)
	}

	var debated, researched []*schema.Issue
	for _, record := range records {
		issue, err := schema.FromMap(record)
		if err != nil {
			continue
		}
		if issueFilter != "" {
			if issue.ID == issueFilter {
				return []*schema.Issue{issue}, nil
			}
			continue
		}
		switch issue.Status {
		case schema.StatusDebated:
			debated = append(debated, issue)
		case schema.StatusResearched:
			researched = append(researched, issue)
		}
	}
	if issueFilter != "" {
		return nil, fmt.Errorf("issue %s not found", issueFilter)
	}
	if len(debated) > 0 {
		return debated, nil
	}
	return researched, nil
}

func (a *Arbiter) convergedIssues() ([]*schema.Issue, error) {
	records, err := store.ReadAll(a.issuesPath)
	if err != nil {
		return nil, err
	}
	var converged []*schema.Issue
	for _, record := range records {
		issue, err := schema.FromMap(record)
		if err != nil {
			continue
		}
		if issue.Status == schema.StatusConverged {
			converged = append(converged, issue)
		}
	}
	return converged, nil
}

// issueBlock renders one issue's artefacts for the arbiter prompt,
// preferring the debate artefact over the raw research trio.
func (a *Arbiter) issueBlock(issue *schema.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== ISSUE %s ===\n", issue.ID)
	fmt.Fprintf(&b, "Type: %s | Tool: %s | Occurrences: %d\n", issue.Type, issue.ToolName, issue.OccurrenceCount)
	fmt.Fprintf(&b, "Description: %s\n\n", issue.Description)

	if debate := a.readArtifact(issue.ID, "debate.md"); debate != "" {
		b.WriteString("--- DEBATED FINDINGS ---\n")
		b.WriteString(debate)
		return b.String()
	}
	for _, name := range []string{"root_cause.md", "solutions.md", "impact.md"} {
		if content := a.readArtifact(issue.ID, name); content != "" {
			fmt.Fprintf(&b, "--- %s ---\n%s\n\n", strings.ToUpper(strings.TrimSuffix(name, ".md")), content)
		}
	}
	return b.String()
}

func (a *Arbiter) readArtifact(issueID, name string) string {
	dir, err := paths.IssueResearchDir(issueID)
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(dir, name)) //nolint:gosec // validated issue dir
	if err != nil {
		return ""
	}
	return string(data)
}

// parseArbiterOutput splits the combined response into the report and
// the task list. Tasks get synthetic sequential ids and pending status.
// On parse failure the raw tail is appended to the report as a note and
// the task list is empty.
func parseArbiterOutput(raw string) (string, []map[string]any, error) {
	report := raw
	tail := ""
	if i := strings.Index(raw, agent.TasksDelimiter); i >= 0 {
		report = raw[:i]
		tail = raw[i+len(agent.TasksDelimiter):]
	}
	report = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(report), agent.ReportDelimiter))

	if strings.TrimSpace(tail) == "" {
		return report + "\n", nil, fmt.Errorf("no %s section", agent.TasksDelimiter)
	}

	start := strings.Index(tail, "[")
	end := strings.LastIndex(tail, "]")
	if start < 0 || end <= start {
		return reportWithRawTail(report, tail), nil, fmt.Errorf("no JSON array in task section")
	}

	var parsed []map[string]any
	if err := json.Unmarshal([]byte(tail[start:end+1]), &parsed); err != nil {
		return reportWithRawTail(report, tail), nil, fmt.Errorf("parsing task array: %w", err)
	}

	for i, task := range parsed {
		task["id"] = fmt.Sprintf("task_%03d", i+1)
		if _, ok := task["status"]; !ok {
			task["status"] = "pending"
		}
		if ok, reasons := agent.ValidateTask(task); !ok {
			logging.ForPipeline().Warn("task failed validation", "task", task["id"], "reasons", reasons)
		}
	}
	return report + "\n", parsed, nil
}

func reportWithRawTail(report, tail string) string {
	tail = strings.TrimSpace(tail)
	if len(tail) > 2000 {
		tail = tail[len(tail)-2000:]
	}
	return report + "\n\n---\n\n**Note:** Task extraction failed. Raw output:\n" + tail + "\n"
}

// archiveOutputs moves existing convergence outputs into the archive
// directory with a UTC timestamp suffix.
func (a *Arbiter) archiveOutputs() error {
	archiveDir, err := paths.Abs(paths.ArchiveDir)
	if err != nil {
		return err
	}
	stamp := time.Now().UTC().Format("20060102_150405")

	for _, rel := range []string{paths.ConvergenceReport, paths.TasksFile} {
		src, err := paths.Abs(rel)
		if err != nil {
			return err
		}
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.MkdirAll(archiveDir, 0o750); err != nil {
			return fmt.Errorf("creating archive dir: %w", err)
		}
		base := filepath.Base(src)
		ext := filepath.Ext(base)
		dst := filepath.Join(archiveDir, strings.TrimSuffix(base, ext)+"_"+stamp+ext)
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("archiving %s: %w", base, err)
		}
	}
	return nil
}

func (a *Arbiter) writeOutputs(report string, tasks []map[string]any) error {
	if err := paths.EnsureLayout(); err != nil {
		return err
	}

	reportPath, err := paths.Abs(paths.ConvergenceReport)
	if err != nil {
		return err
	}
	if err := os.WriteFile(reportPath, []byte(report), 0o600); err != nil {
		return fmt.Errorf("writing convergence report: %w", err)
	}

	tasksPath, err := paths.Abs(paths.TasksFile)
	if err != nil {
		return err
	}
	if tasks == nil {
		tasks = []map[string]any{}
	}
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing tasks: %w", err)
	}
	if err := os.WriteFile(tasksPath, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("writing task list: %w", err)
	}
	return nil
}

func (a *Arbiter) setStatus(issue *schema.Issue, status string) {
	if err := store.Update(a.issuesPath, issue.ID, map[string]any{"status": status}); err != nil {
		logging.For(issue.ID, "converge").Warn("updating issue status", "status", status, "error", err)
	}
}
