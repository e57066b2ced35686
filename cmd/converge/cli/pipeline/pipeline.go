// Package pipeline orchestrates the per-issue investigation: the
// research fan-out, the adversarial debate, and the hand-off to the
// convergence arbiter, with checkpoint-aware skip and resume. Phase
// failures are reported, never fatal; the pipeline advances as far as
// the data permits.
package pipeline

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/convergeio/converge/cmd/converge/cli/agent"
	"github.com/convergeio/converge/cmd/converge/cli/arbiter"
	"github.com/convergeio/converge/cmd/converge/cli/checkpoint"
	"github.com/convergeio/converge/cmd/converge/cli/config"
	"github.com/convergeio/converge/cmd/converge/cli/logging"
	"github.com/convergeio/converge/cmd/converge/cli/paths"
	"github.com/convergeio/converge/cmd/converge/cli/sanitize"
	"github.com/convergeio/converge/cmd/converge/cli/schema"
	"github.com/convergeio/converge/cmd/converge/cli/store"
)

// invoker is the agent-dispatch seam; tests substitute failing
// implementations to drive the degradation paths.
type invoker interface {
	Invoke(ctx context.Context, role, stage, issueID, prompt string) *agent.Result
}

// Engine drives the pipeline for one project.
type Engine struct {
	settings   *config.Settings
	inv        invoker
	issuesPath string
	quarantine string
	arb        *arbiter.Arbiter
}

// New builds an engine from loaded settings.
func New(settings *config.Settings) (*Engine, error) {
	issuesPath, err := paths.Abs(paths.IssuesFile)
	if err != nil {
		return nil, fmt.Errorf("resolving issues log: %w", err)
	}
	quarantinePath, err := paths.Abs(paths.QuarantineFile)
	if err != nil {
		return nil, fmt.Errorf("resolving quarantine log: %w", err)
	}

	san := sanitize.New(settings.Sanitizer)
	inv := agent.NewInvoker(settings, san)
	arb, err := arbiter.New(settings, inv)
	if err != nil {
		return nil, err
	}

	return &Engine{
		settings:   settings,
		inv:        inv,
		issuesPath: issuesPath,
		quarantine: quarantinePath,
		arb:        arb,
	}, nil
}

// Arbiter exposes the engine's convergence synthesizer.
func (e *Engine) Arbiter() *arbiter.Arbiter { return e.arb }

// ResearchOne runs the research phase for a single issue. force clears
// the checkpoint first; otherwise a completed research phase with
// artefacts on disk is skipped.
func (e *Engine) ResearchOne(ctx context.Context, issueID string, force bool) error {
	issue, err := e.loadIssue(issueID)
	if err != nil {
		return err
	}

	if force {
		if err := checkpoint.Clear(issueID, ""); err != nil {
			return fmt.Errorf("clearing checkpoint: %w", err)
		}
	} else if checkpoint.CanSkip(issueID, checkpoint.PhaseResearch) {
		logging.For(issueID, "research").Info("research already completed, skipping")
		return nil
	}

	if !e.runResearchPhase(ctx, issue) {
		return fmt.Errorf("all research workers failed for %s", issueID)
	}
	return nil
}

// ResearchAllCaptured validates the corpus, then researches every issue
// still in captured status. Returns the number of issues researched.
func (e *Engine) ResearchAllCaptured(ctx context.Context) (int, error) {
	log := logging.ForPipeline()

	sweep, err := schema.Sweep(e.issuesPath, e.quarantine)
	if err != nil {
		return 0, fmt.Errorf("validating corpus: %w", err)
	}
	if sweep.Quarantined > 0 {
		log.Warn("quarantined invalid records before research", "count", sweep.Quarantined)
	}

	issues, err := e.listIssues(schema.StatusCaptured)
	if err != nil {
		return 0, err
	}

	researched := 0
	for _, issue := range issues {
		if err := ctx.Err(); err != nil {
			return researched, fmt.Errorf("research interrupted: %w", err)
		}
		if e.runResearchPhase(ctx, issue) {
			researched++
		}
	}
	return researched, nil
}

// RunFull runs the whole pipeline for one issue. force clears the
// checkpoint; fromPhase clears from that phase onward. Completed phases
// with artefacts present are skipped; convergence always runs when
// reached.
func (e *Engine) RunFull(ctx context.Context, issueID, fromPhase string, force bool) error {
	issue, err := e.loadIssue(issueID)
	if err != nil {
		return err
	}
	log := logging.ForPipeline()

	switch {
	case force:
		if err := checkpoint.Clear(issueID, ""); err != nil {
			return fmt.Errorf("clearing checkpoint: %w", err)
		}
	case fromPhase != "":
		if !slices.Contains(checkpoint.Phases, fromPhase) {
			return fmt.Errorf("unknown phase %q (valid: %v)", fromPhase, checkpoint.Phases)
		}
		if err := checkpoint.Clear(issueID, fromPhase); err != nil {
			return fmt.Errorf("clearing checkpoint from %s: %w", fromPhase, err)
		}
	default:
		if phase, ok := checkpoint.ResumePhase(issueID); ok {
			log.Info("resuming pipeline", "issue_id", issueID, "phase", phase)
		}
	}

	for _, phase := range checkpoint.Phases {
		switch phase {
		case checkpoint.PhaseResearch:
			if checkpoint.CanSkip(issueID, phase) {
				log.Info("skipping completed phase", "issue_id", issueID, "phase", phase)
				continue
			}
			if !e.runResearchPhase(ctx, issue) {
				return fmt.Errorf("all research workers failed for %s", issueID)
			}

		case checkpoint.PhaseDebate:
			if checkpoint.CanSkip(issueID, phase) {
				log.Info("skipping completed phase", "issue_id", issueID, "phase", phase)
				continue
			}
			if !e.runDebatePhase(ctx, issue) {
				// Convergence still runs on research-only inputs.
				log.Warn("debate failed, continuing to convergence", "issue_id", issueID)
			}

		case checkpoint.PhaseConvergence:
			e.saveCheckpoint(issueID, phase, checkpoint.StatusInProgress, nil)
			if err := e.arb.Synthesize(ctx, issueID); err != nil {
				e.saveCheckpoint(issueID, phase, checkpoint.StatusFailed,
					map[string]any{"error": err.Error()})
				return fmt.Errorf("convergence failed: %w", err)
			}
			e.saveCheckpoint(issueID, phase, checkpoint.StatusCompleted, nil)
		}
	}
	return nil
}

// Status returns the number of issues per status.
func (e *Engine) Status() (map[string]int, error) {
	issues, err := e.listIssues("")
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, issue := range issues {
		counts[issue.Status]++
	}
	return counts, nil
}

// List returns issues, optionally filtered by status, oldest first.
func (e *Engine) List(statusFilter string) ([]*schema.Issue, error) {
	return e.listIssues(statusFilter)
}

func (e *Engine) loadIssue(issueID string) (*schema.Issue, error) {
	record, err := store.FindByID(e.issuesPath, issueID)
	if err != nil {
		return nil, fmt.Errorf("loading issue: %w", err)
	}
	return schema.FromMap(record)
}

func (e *Engine) listIssues(statusFilter string) ([]*schema.Issue, error) {
	records, err := store.ReadAll(e.issuesPath)
	if err != nil {
		return nil, fmt.Errorf("reading issues log: %w", err)
	}
	var issues []*schema.Issue
	for _, record := range records {
		issue, err := schema.FromMap(record)
		if err != nil {
			continue
		}
		if statusFilter != "" && issue.Status != statusFilter {
			continue
		}
		issues = append(issues, issue)
	}
	return issues, nil
}

// recentIssues returns up to limit issues other than excludeID, most
// recent first, for the impact assessor's cross-pattern context.
func (e *Engine) recentIssues(excludeID string, limit int) ([]*schema.Issue, error) {
	issues, err := e.listIssues("")
	if err != nil {
		return nil, err
	}
	var others []*schema.Issue
	for _, issue := range issues {
		if issue.ID != excludeID {
			others = append(others, issue)
		}
	}
	sort.Slice(others, func(i, j int) bool { return others[i].Timestamp > others[j].Timestamp })
	if len(others) > limit {
		others = others[:limit]
	}
	return others, nil
}

func (e *Engine) setStatus(issue *schema.Issue, status string) {
	if err := store.Update(e.issuesPath, issue.ID, map[string]any{"status": status}); err != nil {
		logging.For(issue.ID, "pipeline").Warn("updating issue status", "status", status, "error", err)
		return
	}
	issue.Status = status
}

func (e *Engine) saveCheckpoint(issueID, phase, status string, details map[string]any) {
	if err := checkpoint.Save(issueID, phase, status, details); err != nil {
		logging.For(issueID, "pipeline").Warn("saving checkpoint", "phase", phase, "error", err)
	}
}
