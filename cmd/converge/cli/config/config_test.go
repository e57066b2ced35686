package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergeio/converge/cmd/converge/cli/paths"
)

func useTempRoot(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(paths.ProjectDirEnvVar, dir)
	paths.ResetRootCache()
	t.Cleanup(paths.ResetRootCache)
	return dir
}

func writeSettings(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoad_MissingFilesYieldDefaults(t *testing.T) {
	useTempRoot(t)

	settings, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), settings)
	assert.True(t, settings.Enabled)
	assert.Equal(t, 2, settings.Budget.MaxParallelAgents)
}

func TestLoad_WrappedEnvelope(t *testing.T) {
	root := useTempRoot(t)
	writeSettings(t, root, paths.SettingsFile,
		`{"convergence": {"auto_research": false, "budget": {"timeout_seconds": 120}}}`)

	settings, err := Load()
	require.NoError(t, err)
	assert.False(t, settings.AutoResearch)
	assert.Equal(t, 120, settings.Budget.TimeoutSeconds)
	// Fields absent from the file keep their defaults.
	assert.Equal(t, 2, settings.Budget.MaxParallelAgents)
	assert.True(t, settings.Sanitizer.Enabled)
}

func TestLoad_BareObject(t *testing.T) {
	root := useTempRoot(t)
	writeSettings(t, root, paths.SettingsFile, `{"sandbox_mode": true}`)

	settings, err := Load()
	require.NoError(t, err)
	assert.True(t, settings.SandboxMode)
}

func TestLoad_LocalOverridesBase(t *testing.T) {
	root := useTempRoot(t)
	writeSettings(t, root, paths.SettingsFile,
		`{"convergence": {"enabled": true, "min_issues_for_convergence": 3}}`)
	writeSettings(t, root, paths.LocalSettingsFile,
		`{"convergence": {"enabled": false}}`)

	settings, err := Load()
	require.NoError(t, err)
	assert.False(t, settings.Enabled, "local file wins")
	assert.Equal(t, 3, settings.MinIssuesForConvergence, "base values survive when local is silent")
}

func TestLoad_MalformedFileErrors(t *testing.T) {
	root := useTempRoot(t)
	writeSettings(t, root, paths.SettingsFile, "{broken")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadOrDefault_DegradesOnError(t *testing.T) {
	root := useTempRoot(t)
	writeSettings(t, root, paths.SettingsFile, "{broken")

	settings := LoadOrDefault()
	assert.Equal(t, Default(), settings)
}

func TestApplyDefaults_ClampsBadValues(t *testing.T) {
	root := useTempRoot(t)
	writeSettings(t, root, paths.SettingsFile,
		`{"convergence": {"budget": {"max_parallel_agents": -1, "debate_rounds": 9, "timeout_seconds": 0}}}`)

	settings, err := Load()
	require.NoError(t, err)
	d := Default()
	assert.Equal(t, d.Budget.MaxParallelAgents, settings.Budget.MaxParallelAgents)
	assert.Equal(t, d.Budget.DebateRounds, settings.Budget.DebateRounds)
	assert.Equal(t, d.Budget.TimeoutSeconds, settings.Budget.TimeoutSeconds)
}

func TestModelFor(t *testing.T) {
	settings := Default()
	settings.Budget.ModelMap = map[string]string{StageResearch: "sonnet"}

	assert.Equal(t, "sonnet", settings.ModelFor(StageResearch))
	assert.Equal(t, DefaultModel, settings.ModelFor(StageDebate))
	assert.Equal(t, DefaultModel, settings.ModelFor("unknown-stage"))

	settings.Budget.ModelMap = nil
	assert.Equal(t, DefaultModel, settings.ModelFor(StageResearch))
}
