package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergeio/converge/cmd/converge/cli/paths"
)

const testIssueID = "issue_20260824_101530_ab3f"

func useTempRoot(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(paths.ProjectDirEnvVar, dir)
	paths.ResetRootCache()
	t.Cleanup(paths.ResetRootCache)
	return dir
}

func writeArtifact(t *testing.T, issueID, name string) {
	t.Helper()
	dir, err := paths.IssueResearchDir(issueID)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("# artefact\n"), 0o600))
}

func TestLoad_MissingFileYieldsEmpty(t *testing.T) {
	useTempRoot(t)

	cp, err := Load(testIssueID)
	require.NoError(t, err)
	assert.Equal(t, testIssueID, cp.IssueID)
	assert.Empty(t, cp.Phases)
	assert.Empty(t, cp.Trajectory)
}

func TestSaveAndLoad(t *testing.T) {
	useTempRoot(t)

	require.NoError(t, Save(testIssueID, PhaseResearch, StatusInProgress, nil))
	require.NoError(t, Save(testIssueID, PhaseResearch, StatusCompleted, map[string]any{"workers": 3}))

	cp, err := Load(testIssueID)
	require.NoError(t, err)

	state, ok := cp.Phases[PhaseResearch]
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, state.Status)
	assert.NotEmpty(t, state.Timestamp)

	// Both transitions are in the trajectory.
	require.Len(t, cp.Trajectory, 2)
	assert.Equal(t, StatusInProgress, cp.Trajectory[0].Status)
	assert.Equal(t, StatusCompleted, cp.Trajectory[1].Status)
	assert.NotEmpty(t, cp.LastUpdated)
}

func TestLoad_CorruptFileStartsFresh(t *testing.T) {
	useTempRoot(t)

	dir, err := paths.IssueResearchDir(testIssueID)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checkpoint.json"), []byte("{corrupt"), 0o600))

	cp, err := Load(testIssueID)
	require.NoError(t, err, "corruption must not block the pipeline")
	assert.Empty(t, cp.Phases)
}

func TestCanSkip(t *testing.T) {
	useTempRoot(t)

	// Not completed yet.
	assert.False(t, CanSkip(testIssueID, PhaseResearch))

	// Completed but no artefact on disk.
	require.NoError(t, Save(testIssueID, PhaseResearch, StatusCompleted, nil))
	// Saving creates the research dir but not the output files; remove any.
	assert.False(t, CanSkip(testIssueID, PhaseResearch))

	// Completed with an artefact.
	writeArtifact(t, testIssueID, "root_cause.md")
	assert.True(t, CanSkip(testIssueID, PhaseResearch))

	// Convergence always re-runs.
	require.NoError(t, Save(testIssueID, PhaseConvergence, StatusCompleted, nil))
	assert.False(t, CanSkip(testIssueID, PhaseConvergence))
}

func TestClear_FromPhaseKeepsEarlierPhases(t *testing.T) {
	useTempRoot(t)

	require.NoError(t, Save(testIssueID, PhaseResearch, StatusCompleted, nil))
	require.NoError(t, Save(testIssueID, PhaseDebate, StatusCompleted, nil))
	require.NoError(t, Save(testIssueID, PhaseConvergence, StatusCompleted, nil))

	require.NoError(t, Clear(testIssueID, PhaseDebate))

	cp, err := Load(testIssueID)
	require.NoError(t, err)
	assert.Contains(t, cp.Phases, PhaseResearch)
	assert.NotContains(t, cp.Phases, PhaseDebate)
	assert.NotContains(t, cp.Phases, PhaseConvergence)

	// Clearing is recorded, not erased.
	last := cp.Trajectory[len(cp.Trajectory)-1]
	assert.Equal(t, "cleared_from", last.Status)
	assert.Equal(t, PhaseDebate, last.Phase)
}

func TestClear_AllPhases(t *testing.T) {
	useTempRoot(t)

	require.NoError(t, Save(testIssueID, PhaseResearch, StatusCompleted, nil))
	require.NoError(t, Clear(testIssueID, ""))

	cp, err := Load(testIssueID)
	require.NoError(t, err)
	assert.Empty(t, cp.Phases)
	assert.NotEmpty(t, cp.Trajectory, "history survives a full clear")
}

func TestResumePhase(t *testing.T) {
	useTempRoot(t)

	phase, ok := ResumePhase(testIssueID)
	assert.True(t, ok)
	assert.Equal(t, PhaseResearch, phase)

	require.NoError(t, Save(testIssueID, PhaseResearch, StatusCompleted, nil))
	phase, ok = ResumePhase(testIssueID)
	assert.True(t, ok)
	assert.Equal(t, PhaseDebate, phase)

	require.NoError(t, Save(testIssueID, PhaseDebate, StatusCompleted, nil))
	require.NoError(t, Save(testIssueID, PhaseConvergence, StatusCompleted, nil))
	_, ok = ResumePhase(testIssueID)
	assert.False(t, ok)
}

func TestSave_RejectsInvalidIssueID(t *testing.T) {
	useTempRoot(t)
	err := Save("../../escape", PhaseResearch, StatusCompleted, nil)
	assert.Error(t, err)
}
