package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/convergeio/converge/cmd/converge/cli/config"
	"github.com/convergeio/converge/cmd/converge/cli/paths"
)

// Host agent hook events the engine registers for.
const (
	hostEventPreToolUse  = "PreToolUse"
	hostEventPostToolUse = "PostToolUse"
	hostEventSessionEnd  = "SessionEnd"
)

// convergeHookPrefixes identify our hook commands in the host settings,
// in both installed and local-dev formats.
var convergeHookPrefixes = []string{
	"converge ",
	"go run ${CLAUDE_PROJECT_DIR}/cmd/converge/main.go ",
}

func newSetupCmd() *cobra.Command {
	var yesFlag bool
	var forceFlag bool
	var localDev bool

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Install the convergence engine into this project",
		Long: `Register the engine's hooks in .claude/settings.json, create the
.claude/convergence directory layout, and seed the engine settings file.
Existing hook registrations and settings keys are preserved.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSetup(cmd.OutOrStdout(), yesFlag, forceFlag, localDev)
		},
	}

	cmd.Flags().BoolVarP(&yesFlag, "yes", "y", false, "Skip the confirmation prompt")
	cmd.Flags().BoolVarP(&forceFlag, "force", "f", false, "Reinstall hooks (removes existing engine hooks first)")
	cmd.Flags().BoolVar(&localDev, "local-dev", false, "Use go run instead of the converge binary for hooks")
	cmd.Flags().MarkHidden("local-dev") //nolint:errcheck,gosec // flag is defined above

	return cmd
}

// NewAccessibleForm creates a huh form that honors the ACCESSIBLE
// environment variable for screen-reader-friendly prompts.
func NewAccessibleForm(groups ...*huh.Group) *huh.Form {
	return huh.NewForm(groups...).WithAccessible(os.Getenv("ACCESSIBLE") != "")
}

func runSetup(w io.Writer, yes, force, localDev bool) error {
	if !yes {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return errors.New("stdin is not a terminal; re-run with --yes")
		}
		var confirmed bool
		form := NewAccessibleForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title("Install convergence engine hooks into .claude/settings.json?").
					Value(&confirmed),
			),
		)
		if err := form.Run(); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				return nil
			}
			return fmt.Errorf("confirmation prompt failed: %w", err)
		}
		if !confirmed {
			fmt.Fprintln(w, "Setup cancelled.")
			return nil
		}
	}

	count, err := installHostHooks(localDev, force)
	if err != nil {
		return fmt.Errorf("installing hooks: %w", err)
	}
	if count > 0 {
		fmt.Fprintln(w, "✓ Hooks installed")
	} else {
		fmt.Fprintln(w, "✓ Hooks verified")
	}

	if err := paths.EnsureLayout(); err != nil {
		return fmt.Errorf("creating layout: %w", err)
	}
	fmt.Fprintln(w, "✓ Directory layout created ("+paths.ConvergenceDir+")")

	created, err := seedEngineSettings()
	if err != nil {
		return fmt.Errorf("seeding settings: %w", err)
	}
	if created {
		fmt.Fprintln(w, "✓ Settings seeded ("+paths.SettingsFile+")")
	} else {
		fmt.Fprintln(w, "✓ Settings present ("+paths.SettingsFile+")")
	}

	fmt.Fprintln(w, "\n✓ Convergence engine enabled")
	return nil
}

// hostHookEntry is one command registration in the host settings.
type hostHookEntry struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// hostHookMatcher groups hook entries under a tool-name matcher.
type hostHookMatcher struct {
	Matcher string          `json:"matcher,omitempty"`
	Hooks   []hostHookEntry `json:"hooks"`
}

// hookCommand builds the registered command for a hook verb.
func hookCommand(verb string, localDev bool) string {
	if localDev {
		return "go run ${CLAUDE_PROJECT_DIR}/cmd/converge/main.go hooks " + verb
	}
	return "converge hooks " + verb
}

// installHostHooks merges the engine's hook registrations into the host
// agent's .claude/settings.json. Unknown top-level keys and foreign hook
// entries are preserved untouched. Returns the number of hooks added.
func installHostHooks(localDev, force bool) (int, error) {
	settingsPath, err := paths.Abs(paths.HostSettingsFile)
	if err != nil {
		return 0, err
	}

	// Preserve every top-level key we do not own.
	rawSettings := map[string]json.RawMessage{}
	hooks := map[string][]hostHookMatcher{}

	data, readErr := os.ReadFile(settingsPath) //nolint:gosec // layout-constant path
	if readErr == nil {
		if err := json.Unmarshal(data, &rawSettings); err != nil {
			return 0, fmt.Errorf("parsing existing %s: %w", paths.HostSettingsFile, err)
		}
		if hooksRaw, ok := rawSettings["hooks"]; ok {
			if err := json.Unmarshal(hooksRaw, &hooks); err != nil {
				return 0, fmt.Errorf("parsing hooks in %s: %w", paths.HostSettingsFile, err)
			}
		}
	} else if !os.IsNotExist(readErr) {
		return 0, fmt.Errorf("reading %s: %w", paths.HostSettingsFile, readErr)
	}

	if force {
		for event, matchers := range hooks {
			hooks[event] = removeConvergeHooks(matchers)
		}
	}

	registrations := []struct {
		event string
		verb  string
	}{
		{hostEventPostToolUse, "post-tool-use"},
		{hostEventPreToolUse, "pre-tool-use"},
		{hostEventSessionEnd, "session-end"},
	}

	count := 0
	for _, reg := range registrations {
		command := hookCommand(reg.verb, localDev)
		if hostHookExists(hooks[reg.event], command) {
			continue
		}
		hooks[reg.event] = addHostHook(hooks[reg.event], command)
		count++
	}

	if count == 0 && !force {
		return 0, nil
	}

	hooksJSON, err := json.Marshal(hooks)
	if err != nil {
		return 0, fmt.Errorf("serializing hooks: %w", err)
	}
	rawSettings["hooks"] = hooksJSON

	if err := os.MkdirAll(filepath.Dir(settingsPath), 0o750); err != nil {
		return 0, fmt.Errorf("creating .claude directory: %w", err)
	}
	output, err := json.MarshalIndent(rawSettings, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("serializing settings: %w", err)
	}
	if err := os.WriteFile(settingsPath, append(output, '\n'), 0o600); err != nil {
		return 0, fmt.Errorf("writing %s: %w", paths.HostSettingsFile, err)
	}
	return count, nil
}

func hostHookExists(matchers []hostHookMatcher, command string) bool {
	for _, matcher := range matchers {
		for _, hook := range matcher.Hooks {
			if hook.Command == command {
				return true
			}
		}
	}
	return false
}

// addHostHook appends a command under the catch-all matcher, creating it
// if absent.
func addHostHook(matchers []hostHookMatcher, command string) []hostHookMatcher {
	entry := hostHookEntry{Type: "command", Command: command}
	for i, matcher := range matchers {
		if matcher.Matcher == "" {
			matchers[i].Hooks = append(matchers[i].Hooks, entry)
			return matchers
		}
	}
	return append(matchers, hostHookMatcher{Hooks: []hostHookEntry{entry}})
}

func isConvergeHook(command string) bool {
	for _, prefix := range convergeHookPrefixes {
		if strings.HasPrefix(command, prefix) {
			return true
		}
	}
	return false
}

// removeConvergeHooks strips our entries, dropping matchers left empty.
func removeConvergeHooks(matchers []hostHookMatcher) []hostHookMatcher {
	result := make([]hostHookMatcher, 0, len(matchers))
	for _, matcher := range matchers {
		kept := make([]hostHookEntry, 0, len(matcher.Hooks))
		for _, hook := range matcher.Hooks {
			if !isConvergeHook(hook.Command) {
				kept = append(kept, hook)
			}
		}
		if len(kept) > 0 {
			matcher.Hooks = kept
			result = append(result, matcher)
		}
	}
	return result
}

// seedEngineSettings writes the default engine settings file if none
// exists. An existing file is never overwritten.
func seedEngineSettings() (bool, error) {
	path, err := paths.Abs(paths.SettingsFile)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}

	wrapped := map[string]any{"convergence": config.Default()}
	data, err := json.MarshalIndent(wrapped, "", "  ")
	if err != nil {
		return false, fmt.Errorf("serializing default settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return false, fmt.Errorf("creating settings directory: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return false, fmt.Errorf("writing settings: %w", err)
	}
	return true, nil
}
