package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergeio/converge/cmd/converge/cli/checkpoint"
)

const clearTestIssueID = "issue_20260824_101530_ab3f"

func TestRunClear_UnknownPhase(t *testing.T) {
	setupCaptureEnv(t)

	var buf bytes.Buffer
	err := runClear(&buf, clearTestIssueID, "bogus", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown phase "bogus"`)
}

func TestRunClear_NothingToClear(t *testing.T) {
	setupCaptureEnv(t)

	var buf bytes.Buffer
	require.NoError(t, runClear(&buf, clearTestIssueID, "", false))
	assert.Contains(t, buf.String(), "Nothing to clear.")
}

func TestRunClear_DryRunLeavesCheckpointIntact(t *testing.T) {
	setupCaptureEnv(t)
	require.NoError(t, checkpoint.Save(clearTestIssueID, checkpoint.PhaseResearch, checkpoint.StatusCompleted, nil))
	require.NoError(t, checkpoint.Save(clearTestIssueID, checkpoint.PhaseDebate, checkpoint.StatusCompleted, nil))

	var buf bytes.Buffer
	require.NoError(t, runClear(&buf, clearTestIssueID, "", false))

	out := buf.String()
	assert.Contains(t, out, "Would clear 2 phase(s)")
	assert.Contains(t, out, "Run with --force to clear.")

	cp, err := checkpoint.Load(clearTestIssueID)
	require.NoError(t, err)
	assert.Len(t, cp.Phases, 2, "dry run must not modify the checkpoint")
}

func TestRunClear_ForceFromPhase(t *testing.T) {
	setupCaptureEnv(t)
	require.NoError(t, checkpoint.Save(clearTestIssueID, checkpoint.PhaseResearch, checkpoint.StatusCompleted, nil))
	require.NoError(t, checkpoint.Save(clearTestIssueID, checkpoint.PhaseDebate, checkpoint.StatusCompleted, nil))
	require.NoError(t, checkpoint.Save(clearTestIssueID, checkpoint.PhaseConvergence, checkpoint.StatusCompleted, nil))

	var buf bytes.Buffer
	require.NoError(t, runClear(&buf, clearTestIssueID, checkpoint.PhaseDebate, true))
	assert.Contains(t, buf.String(), "Cleared 2 phase(s)")

	cp, err := checkpoint.Load(clearTestIssueID)
	require.NoError(t, err)
	assert.Contains(t, cp.Phases, checkpoint.PhaseResearch)
	assert.NotContains(t, cp.Phases, checkpoint.PhaseDebate)
	assert.NotContains(t, cp.Phases, checkpoint.PhaseConvergence)
}
