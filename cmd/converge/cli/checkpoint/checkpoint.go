// Package checkpoint records per-issue pipeline progress: the state of
// each phase plus an append-only trajectory of every transition. The
// orchestrator uses it to skip completed work, resume after
// interruption, and force re-runs. Clearing never erases history; it
// appends clearing events.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/convergeio/converge/cmd/converge/cli/paths"
	"github.com/convergeio/converge/cmd/converge/cli/store"
)

// Pipeline phases, in execution order.
const (
	PhaseResearch    = "research"
	PhaseDebate      = "debate"
	PhaseConvergence = "convergence"
)

// Phases is the pipeline order.
var Phases = []string{PhaseResearch, PhaseDebate, PhaseConvergence}

// Phase statuses.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped"
)

// phaseOutputs lists the artefact files whose presence, together with a
// completed status, allows skipping a phase. Convergence has none: it
// aggregates all issues and always re-runs.
var phaseOutputs = map[string][]string{
	PhaseResearch: {"root_cause.md", "solutions.md", "impact.md"},
	PhaseDebate:   {"debate.md"},
}

// PhaseState is the latest recorded state of one phase.
type PhaseState struct {
	Status    string         `json:"status"`
	Timestamp string         `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// TrajectoryEntry is one phase transition.
type TrajectoryEntry struct {
	Phase     string         `json:"phase"`
	Status    string         `json:"status"`
	Timestamp string         `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Checkpoint is the persisted per-issue pipeline state.
type Checkpoint struct {
	IssueID     string                `json:"issue_id"`
	Phases      map[string]PhaseState `json:"phases"`
	Trajectory  []TrajectoryEntry     `json:"trajectory"`
	CreatedAt   string                `json:"created_at"`
	LastUpdated string                `json:"last_updated"`
}

func filePath(issueID string) (string, error) {
	dir, err := paths.IssueResearchDir(issueID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "checkpoint.json"), nil
}

// Load reads the checkpoint for an issue. A missing or corrupt file
// yields an empty checkpoint: corruption never blocks the pipeline.
func Load(issueID string) (*Checkpoint, error) {
	path, err := filePath(issueID)
	if err != nil {
		return nil, err
	}

	empty := &Checkpoint{
		IssueID:   issueID,
		Phases:    map[string]PhaseState{},
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	data, err := os.ReadFile(path) //nolint:gosec // issue ID validated by paths
	if err != nil {
		if os.IsNotExist(err) {
			return empty, nil
		}
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		fmt.Fprintf(os.Stderr, "[convergence-engine] Warning: corrupt checkpoint for %s, starting fresh\n", issueID)
		return empty, nil
	}
	if cp.Phases == nil {
		cp.Phases = map[string]PhaseState{}
	}
	cp.IssueID = issueID
	return &cp, nil
}

// Save records a phase transition: it updates the phase entry and
// appends to the trajectory, atomically under the checkpoint's lock.
func Save(issueID, phase, status string, details map[string]any) error {
	return mutate(issueID, func(cp *Checkpoint, now string) {
		cp.Phases[phase] = PhaseState{Status: status, Timestamp: now, Details: details}
		cp.Trajectory = append(cp.Trajectory, TrajectoryEntry{
			Phase: phase, Status: status, Timestamp: now, Details: details,
		})
	})
}

// Clear removes phase state from fromPhase onward (inclusive), or all
// phases when fromPhase is empty. The clearing itself is appended to the
// trajectory so history is never lost.
func Clear(issueID, fromPhase string) error {
	return mutate(issueID, func(cp *Checkpoint, now string) {
		if fromPhase == "" {
			cp.Phases = map[string]PhaseState{}
			cp.Trajectory = append(cp.Trajectory, TrajectoryEntry{
				Phase: "all", Status: "cleared", Timestamp: now,
			})
			return
		}

		var cleared []string
		clearing := false
		for _, phase := range Phases {
			if phase == fromPhase {
				clearing = true
			}
			if clearing {
				if _, ok := cp.Phases[phase]; ok {
					delete(cp.Phases, phase)
					cleared = append(cleared, phase)
				}
			}
		}
		cp.Trajectory = append(cp.Trajectory, TrajectoryEntry{
			Phase: fromPhase, Status: "cleared_from", Timestamp: now,
			Details: map[string]any{"cleared_phases": cleared},
		})
	})
}

func mutate(issueID string, fn func(cp *Checkpoint, now string)) error {
	path, err := filePath(issueID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating research dir: %w", err)
	}

	return store.WithLock(path, func() error {
		cp, err := Load(issueID)
		if err != nil {
			return err
		}
		now := time.Now().UTC().Format(time.RFC3339Nano)
		fn(cp, now)
		cp.LastUpdated = now

		data, err := json.MarshalIndent(cp, "", "  ")
		if err != nil {
			return fmt.Errorf("serializing checkpoint: %w", err)
		}
		return store.RewriteLocked(path, string(data)+"\n")
	})
}

// CanSkip reports whether a phase can be skipped: its checkpoint status
// is completed and at least one expected output file exists on disk.
// Deleting an artefact therefore disables skipping.
func CanSkip(issueID, phase string) bool {
	outputs, ok := phaseOutputs[phase]
	if !ok {
		return false
	}

	cp, err := Load(issueID)
	if err != nil {
		return false
	}
	if state, ok := cp.Phases[phase]; !ok || state.Status != StatusCompleted {
		return false
	}

	dir, err := paths.IssueResearchDir(issueID)
	if err != nil {
		return false
	}
	for _, name := range outputs {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// ResumePhase returns the earliest phase that is not completed, or
// ("", false) when every phase is.
func ResumePhase(issueID string) (string, bool) {
	cp, err := Load(issueID)
	if err != nil {
		return PhaseResearch, true
	}
	for _, phase := range Phases {
		if state, ok := cp.Phases[phase]; !ok || state.Status != StatusCompleted {
			return phase, true
		}
	}
	return "", false
}
