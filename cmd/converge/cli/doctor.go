package cli

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/mod/semver"

	"github.com/convergeio/converge/cmd/converge/cli/agent"
	"github.com/convergeio/converge/cmd/converge/cli/config"
	"github.com/convergeio/converge/cmd/converge/cli/paths"
)

// minAgentVersion is the oldest model CLI release known to support
// non-interactive print mode with the flags the invoker passes.
const minAgentVersion = "v1.0.0"

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the engine's environment",
		Long: `Verify that the engine can run in this project: the model CLI is
installed and recent enough, the directory layout is writable, the
settings parse, and the hooks are registered.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd.OutOrStdout())
		},
	}
}

// doctorCheck is one environment probe.
type doctorCheck struct {
	name string
	run  func() (string, error)
}

func runDoctor(w io.Writer) error {
	checks := []doctorCheck{
		{"model CLI", checkAgentCLI},
		{"git repository", checkGitRepo},
		{"directory layout", checkLayout},
		{"engine settings", checkSettings},
		{"hook registration", checkHooks},
	}

	problems := 0
	for _, check := range checks {
		detail, err := check.run()
		if err != nil {
			problems++
			fmt.Fprintf(w, "✗ %s: %v\n", check.name, err)
			continue
		}
		if detail != "" {
			fmt.Fprintf(w, "✓ %s (%s)\n", check.name, detail)
		} else {
			fmt.Fprintf(w, "✓ %s\n", check.name)
		}
	}

	if problems > 0 {
		return fmt.Errorf("%d problem(s) found", problems)
	}
	fmt.Fprintln(w, "\nAll checks passed.")
	return nil
}

// checkAgentCLI verifies the model CLI is on PATH and recent enough.
func checkAgentCLI() (string, error) {
	path, err := exec.LookPath(agent.BinaryName)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH", agent.BinaryName)
	}

	out, err := exec.Command(path, "--version").Output() //nolint:gosec // resolved from PATH
	if err != nil {
		// Present but not answering --version: usable, just unknown.
		return "version unknown", nil
	}

	version := parseAgentVersion(string(out))
	if version == "" {
		return "version unknown", nil
	}
	if semver.Compare(version, minAgentVersion) < 0 {
		return "", fmt.Errorf("%s %s is older than required %s", agent.BinaryName, version, minAgentVersion)
	}
	return version, nil
}

// parseAgentVersion extracts a semver from version output like
// "1.2.3 (Claude Code)". Returns "" when nothing parses.
func parseAgentVersion(out string) string {
	for _, field := range strings.Fields(out) {
		candidate := field
		if !strings.HasPrefix(candidate, "v") {
			candidate = "v" + candidate
		}
		if semver.IsValid(candidate) {
			return candidate
		}
	}
	return ""
}

func checkGitRepo() (string, error) {
	repo := openRepo()
	if repo == nil {
		return "", fmt.Errorf("not a git repository (branch context will be empty)")
	}
	if head, err := repo.Head(); err == nil && head.Name().IsBranch() {
		return "branch " + head.Name().Short(), nil
	}
	return "detached HEAD", nil
}

// checkLayout creates the layout and verifies the data directory accepts
// writes.
func checkLayout() (string, error) {
	if err := paths.EnsureLayout(); err != nil {
		return "", err
	}
	dataDir, err := paths.Abs(paths.DataDir)
	if err != nil {
		return "", err
	}
	probe := filepath.Join(dataDir, ".doctor_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return "", fmt.Errorf("data directory not writable: %w", err)
	}
	_ = os.Remove(probe)
	return dataDir, nil
}

func checkSettings() (string, error) {
	settings, err := config.Load()
	if err != nil {
		return "", err
	}
	if !settings.Enabled {
		return "parsed, engine disabled", nil
	}
	if settings.SandboxMode {
		return "parsed, sandbox mode", nil
	}
	return "parsed", nil
}

// checkHooks verifies our registrations are present in the host
// settings.
func checkHooks() (string, error) {
	settingsPath, err := paths.Abs(paths.HostSettingsFile)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(settingsPath) //nolint:gosec // layout-constant path
	if err != nil {
		return "", fmt.Errorf("no %s (run 'converge setup')", paths.HostSettingsFile)
	}
	if !strings.Contains(string(data), "hooks post-tool-use") {
		return "", fmt.Errorf("capture hook not registered (run 'converge setup')")
	}
	return "", nil
}
