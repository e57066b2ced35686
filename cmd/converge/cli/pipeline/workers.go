package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/convergeio/converge/cmd/converge/cli/agent"
	"github.com/convergeio/converge/cmd/converge/cli/checkpoint"
	"github.com/convergeio/converge/cmd/converge/cli/config"
	"github.com/convergeio/converge/cmd/converge/cli/logging"
	"github.com/convergeio/converge/cmd/converge/cli/schema"
)

// runResearchPhase fans out the root-cause and solution workers in
// parallel (bounded by the budget), then runs the impact assessor
// sequentially so it can reference their output. The phase succeeds when
// any sub-worker succeeds; downstream stages degrade gracefully on
// partial data.
func (e *Engine) runResearchPhase(ctx context.Context, issue *schema.Issue) bool {
	log := logging.For(issue.ID, "research")
	log.Section("research " + issue.ID)

	e.setStatus(issue, schema.StatusResearching)
	e.saveCheckpoint(issue.ID, checkpoint.PhaseResearch, checkpoint.StatusInProgress, nil)

	limit := e.settings.Budget.MaxParallelAgents
	if limit < 1 {
		limit = 1
	}

	var rootCauseOK, solutionsOK bool
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	g.Go(func() error {
		rootCauseOK = e.runWorker(gctx, issue, agent.RoleResearcher, ArtifactRootCause,
			agent.ResearcherPrompt(issue))
		return nil
	})
	g.Go(func() error {
		solutionsOK = e.runWorker(gctx, issue, agent.RoleSolutionFinder, ArtifactSolutions,
			agent.SolutionFinderPrompt(issue, readArtifact(issue.ID, ArtifactRootCause)))
		return nil
	})
	_ = g.Wait()

	recent, err := e.recentIssues(issue.ID, 10)
	if err != nil {
		log.Warn("loading recent issues for impact context", "error", err)
	}
	impactOK := e.runWorker(ctx, issue, agent.RoleImpactAssessor, ArtifactImpact,
		agent.ImpactAssessorPrompt(issue, recent))

	details := map[string]any{"agents": map[string]any{
		"researcher":      rootCauseOK,
		"solution_finder": solutionsOK,
		"impact_assessor": impactOK,
	}}

	if !rootCauseOK && !solutionsOK && !impactOK {
		log.Error("all research workers failed")
		e.setStatus(issue, schema.StatusCaptured)
		e.saveCheckpoint(issue.ID, checkpoint.PhaseResearch, checkpoint.StatusFailed, details)
		return false
	}

	e.setStatus(issue, schema.StatusResearched)
	e.saveCheckpoint(issue.ID, checkpoint.PhaseResearch, checkpoint.StatusCompleted, details)
	log.Info("research completed",
		"root_cause", rootCauseOK, "solutions", solutionsOK, "impact", impactOK)
	return true
}

// runWorker executes one research sub-worker: invoke, write the markdown
// artefact, and write the structured sibling when a block was recovered.
// Validation warnings never prevent the write; partial data is better
// than none downstream.
func (e *Engine) runWorker(ctx context.Context, issue *schema.Issue, role, mdName, prompt string) bool {
	log := logging.For(issue.ID, role)

	res := e.inv.Invoke(ctx, role, config.StageResearch, issue.ID, prompt)
	if !res.OK {
		log.Warn("worker failed", "error", res.Error, "timed_out", res.TimedOut)
		return false
	}

	content := res.Markdown
	if content == "" {
		content = res.Output
	}
	if err := writeArtifact(issue.ID, mdName, content); err != nil {
		log.Error("writing artefact", "artefact", mdName, "error", err)
		return false
	}

	if res.Structured != nil {
		if validate := agent.ValidatorFor(role); validate != nil {
			if ok, issues := validate(res.Structured); !ok {
				log.Warn("structured output failed validation", "artefact", mdName, "reasons", issues)
			}
		}
		if err := writeJSONArtifact(issue.ID, jsonSibling(mdName), res.Structured); err != nil {
			log.Warn("writing structured artefact", "artefact", jsonSibling(mdName), "error", err)
		}
	}
	return true
}

// runDebatePhase stress-tests the research artefacts. Round 1 always
// runs; round 2 is gated by the budget and degrades to the round-1
// artefacts when it fails. Metrics are computed from whichever round
// produced the final structured output.
func (e *Engine) runDebatePhase(ctx context.Context, issue *schema.Issue) bool {
	log := logging.For(issue.ID, "debate")
	log.Section("debate " + issue.ID)

	rootCause := readArtifact(issue.ID, ArtifactRootCause)
	solutions := readArtifact(issue.ID, ArtifactSolutions)
	impact := readArtifact(issue.ID, ArtifactImpact)
	if !artifactUsable(rootCause) && !artifactUsable(solutions) && !artifactUsable(impact) {
		log.Warn("no usable research artefacts, skipping debate")
		e.saveCheckpoint(issue.ID, checkpoint.PhaseDebate, checkpoint.StatusFailed,
			map[string]any{"reason": "no usable research artefacts"})
		return false
	}

	e.setStatus(issue, schema.StatusDebating)
	e.saveCheckpoint(issue.ID, checkpoint.PhaseDebate, checkpoint.StatusInProgress, nil)

	round1 := e.inv.Invoke(ctx, agent.RoleDebater, config.StageDebate, issue.ID,
		agent.DebateRound1Prompt(issue, rootCause, solutions, impact))
	if !round1.OK {
		log.Warn("debate round 1 failed", "error", round1.Error, "timed_out", round1.TimedOut)
		e.setStatus(issue, schema.StatusResearched)
		e.saveCheckpoint(issue.ID, checkpoint.PhaseDebate, checkpoint.StatusFailed,
			map[string]any{"round": 1, "error": round1.Error})
		return false
	}

	round1MD := round1.Markdown
	if round1MD == "" {
		round1MD = round1.Output
	}
	finalStructured := round1.Structured

	multiRound := e.settings.Budget.DebateRounds == 2
	if multiRound {
		e.writeDebateFiles(issue.ID, ArtifactDebateRound1, round1MD, "debate_round1.log", round1.Output, round1.Structured, log)

		round2 := e.inv.Invoke(ctx, agent.RoleDebater, config.StageDebate, issue.ID,
			agent.DebateRound2Prompt(issue, round1.Output))
		if round2.OK {
			round2MD := round2.Markdown
			if round2MD == "" {
				round2MD = round2.Output
			}
			if round2.Structured != nil {
				finalStructured = round2.Structured
			}
			e.writeDebateFiles(issue.ID, ArtifactDebate, round2MD, ArtifactDebateLog, round2.Output, finalStructured, log)
		} else {
			// Round 2 failed: promote round-1 artefacts unchanged.
			log.Warn("debate round 2 failed, promoting round 1", "error", round2.Error)
			e.writeDebateFiles(issue.ID, ArtifactDebate, round1MD, ArtifactDebateLog, round1.Output, round1.Structured, log)
		}
	} else {
		e.writeDebateFiles(issue.ID, ArtifactDebate, round1MD, ArtifactDebateLog, round1.Output, round1.Structured, log)
	}

	preConfidence := "medium"
	if rc := readJSONArtifact(issue.ID, jsonSibling(ArtifactRootCause)); rc != nil {
		if c, ok := rc["confidence"].(string); ok {
			preConfidence = c
		}
	}
	metrics := ComputeDebateMetrics(finalStructured, preConfidence)
	if err := writeJSONArtifact(issue.ID, ArtifactDebateMetrics, metrics); err != nil {
		log.Warn("writing debate metrics", "error", err)
	}

	e.setStatus(issue, schema.StatusDebated)
	e.saveCheckpoint(issue.ID, checkpoint.PhaseDebate, checkpoint.StatusCompleted,
		map[string]any{"multi_round": multiRound})
	log.Info("debate completed", "multi_round", multiRound)
	return true
}

func (e *Engine) writeDebateFiles(issueID, mdName, md, logName, raw string, structured map[string]any, log *logging.Logger) {
	if err := writeArtifact(issueID, mdName, md); err != nil {
		log.Error("writing debate artefact", "artefact", mdName, "error", err)
	}
	if err := writeArtifact(issueID, logName, raw); err != nil {
		log.Warn("writing debate log", "artefact", logName, "error", err)
	}
	if structured != nil {
		if ok, reasons := agent.ValidateDebate(structured); !ok {
			log.Warn("debate structured output failed validation", "reasons", reasons)
		}
		if err := writeJSONArtifact(issueID, jsonSibling(mdName), structured); err != nil {
			log.Warn("writing debate structured artefact", "error", err)
		}
	}
}
