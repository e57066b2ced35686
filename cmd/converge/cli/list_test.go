package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergeio/converge/cmd/converge/cli/schema"
)

func TestPrintIssues_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printIssues(&buf, nil))
	assert.Contains(t, buf.String(), "No issues found.")
}

func TestPrintIssues_Table(t *testing.T) {
	issues := []*schema.Issue{
		{
			ID:              "issue_20260824_101530_ab3f",
			Type:            schema.TypeFailure,
			Description:     "Tool 'Bash' failed: npm install exited 1\nsecond line dropped",
			ToolName:        "Bash",
			Status:          schema.StatusCaptured,
			OccurrenceCount: 3,
		},
		{
			ID:          "issue_20260824_101531_cd4e",
			Type:        schema.TypeError,
			Description: strings.Repeat("x", 80),
			ToolName:    "Edit",
			Status:      schema.StatusConverged,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, printIssues(&buf, issues))
	out := buf.String()

	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "issue_20260824_101530_ab3f")
	assert.Contains(t, out, "npm install exited 1")
	assert.NotContains(t, out, "second line dropped", "only the first description line shows")
	assert.Contains(t, out, strings.Repeat("x", 57)+"...", "long descriptions are truncated")
	assert.NotContains(t, out, strings.Repeat("x", 60))
	assert.Regexp(t, `Bash\s+3`, out)
	assert.Regexp(t, `Edit\s+1`, out, "zero occurrence count displays as 1")
}
