package bridge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergeio/converge/cmd/converge/cli/paths"
	"github.com/convergeio/converge/cmd/converge/cli/schema"
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

func docPath(t *testing.T, root string) string {
	t.Helper()
	return filepath.Join(root, paths.KnowledgeFile)
}

func convergedIssue(t *testing.T) *schema.Issue {
	t.Helper()
	dir, err := paths.IssueResearchDir(testIssueID)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "debate.md"),
		[]byte("# Debate\n\nStale lockfile pin confirmed as root cause.\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "solutions.md"),
		[]byte("# Solutions\n\nRegenerate the lockfile.\n"), 0o600))

	return &schema.Issue{
		ID:              testIssueID,
		Type:            schema.TypeError,
		Description:     "Tool 'Bash' failed: npm install exited 1",
		ToolName:        "Bash",
		GitBranch:       "main",
		RecentFiles:     []string{"package-lock.json"},
		Status:          schema.StatusConverged,
		Fingerprint:     "abcdef0123456789abcdef0123456789",
		OccurrenceCount: 3,
	}
}

func TestWrite_CreatesSectionInFreshDocument(t *testing.T) {
	root := useTempRoot(t)

	require.NoError(t, Write(nil, nil))

	data, err := os.ReadFile(docPath(t, root))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, StartMarker)
	assert.Contains(t, content, EndMarker)
	assert.Contains(t, content, "No convergence knowledge yet")
}

func TestWrite_PreservesUserContent(t *testing.T) {
	root := useTempRoot(t)
	user := "# My Project\n\nHand-written build notes that must survive.\n"
	require.NoError(t, os.WriteFile(docPath(t, root), []byte(user), 0o600))

	require.NoError(t, Write([]*schema.Issue{convergedIssue(t)}, nil))

	data, err := os.ReadFile(docPath(t, root))
	require.NoError(t, err)
	content := string(data)
	assert.True(t, strings.HasPrefix(content, "# My Project"), "user content must stay on top")
	assert.Contains(t, content, "Hand-written build notes that must survive.")
	assert.Contains(t, content, "abcdef012345", "short fingerprint in table")
	assert.Contains(t, content, "Stale lockfile pin confirmed as root cause.")
	assert.Contains(t, content, "Regenerate the lockfile.")
}

func TestWrite_SecondWriteReplacesSection(t *testing.T) {
	root := useTempRoot(t)
	user := "# Notes\n"
	require.NoError(t, os.WriteFile(docPath(t, root), []byte(user), 0o600))

	issue := convergedIssue(t)
	require.NoError(t, Write([]*schema.Issue{issue}, nil))
	require.NoError(t, Write([]*schema.Issue{issue}, nil))

	data, err := os.ReadFile(docPath(t, root))
	require.NoError(t, err)
	content := string(data)
	assert.Equal(t, 1, strings.Count(content, StartMarker), "repeated writes must not stack sections")
	assert.Equal(t, 1, strings.Count(content, EndMarker))
	assert.True(t, strings.HasPrefix(content, "# Notes"))
}

func TestWrite_ActiveTasks(t *testing.T) {
	root := useTempRoot(t)

	tasks := []map[string]any{
		{"title": "Regenerate lockfile", "priority": "P1", "status": "pending"},
		{"title": "Low priority cleanup", "priority": "P3", "status": "pending"},
		{"title": "Already done", "priority": "P0", "status": "completed"},
	}
	require.NoError(t, Write([]*schema.Issue{convergedIssue(t)}, tasks))

	data, err := os.ReadFile(docPath(t, root))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "Regenerate lockfile")
	assert.NotContains(t, content, "Low priority cleanup", "only urgent pending tasks appear")
	assert.NotContains(t, content, "Already done")
}

func TestWrite_LockSidecarStaysOutOfProjectRoot(t *testing.T) {
	root := useTempRoot(t)

	require.NoError(t, Write(nil, nil))

	_, err := os.Stat(filepath.Join(root, paths.KnowledgeFile+".lock"))
	assert.True(t, os.IsNotExist(err), "no lock sidecar next to the knowledge document")

	_, err = os.Stat(filepath.Join(root, paths.KnowledgeLockFile))
	assert.NoError(t, err, "lock lives under .claude/")
}

func TestStripSection_RepairsOrphanMarkers(t *testing.T) {
	withOrphanStart := "user text\n" + StartMarker + "\nleftover generated text"
	assert.Equal(t, "user text", StripSection(withOrphanStart))

	withOrphanEnd := "leftover generated text\n" + EndMarker + "\nuser text\n"
	assert.Equal(t, "\nuser text\n", StripSection(withOrphanEnd))

	clean := "no markers here\n"
	assert.Equal(t, clean, StripSection(clean))
}

func TestReadEntries_RoundTrip(t *testing.T) {
	useTempRoot(t)

	require.NoError(t, Write([]*schema.Issue{convergedIssue(t)}, nil))

	entries, err := ReadEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.Equal(t, "abcdef012345", entry.FingerprintShort)
	assert.Contains(t, entry.ErrorPattern, "npm install exited 1")
	assert.Contains(t, entry.AppliesWhen, "Bash")
	assert.Contains(t, entry.AppliesWhen, "branch:main")
	assert.Equal(t, 3, entry.SeenCount)
}

func TestReadEntries_MissingDocument(t *testing.T) {
	useTempRoot(t)
	entries, err := ReadEntries()
	require.NoError(t, err)
	assert.Nil(t, entries)
}
