// Package config loads the convergence engine settings.
//
// Settings live in .claude/convergence/settings.json under a "convergence"
// key, with optional overrides in settings.local.json (not committed).
// Missing files yield defaults; present fields override them.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/convergeio/converge/cmd/converge/cli/paths"
)

// Pipeline stages used for model selection and timeouts.
const (
	StageResearch = "research"
	StageDebate   = "debate"
	StageConverge = "converge"
)

// DefaultModel is the model-map value meaning "let the CLI decide".
const DefaultModel = "default"

// Budget bounds agent invocations.
type Budget struct {
	MaxParallelAgents int               `json:"max_parallel_agents"`
	MaxTokensPerAgent int               `json:"max_tokens_per_agent"`
	MaxResearchRounds int               `json:"max_research_rounds"`
	TimeoutSeconds    int               `json:"timeout_seconds"`
	DebateRounds      int               `json:"debate_rounds"`
	ModelMap          map[string]string `json:"model_map"`
	FallbackModel     string            `json:"fallback_model"`
}

// Sanitizer toggles individual redaction rule groups.
type Sanitizer struct {
	Enabled        bool `json:"enabled"`
	StripTokens    bool `json:"strip_tokens"`
	StripPaths     bool `json:"strip_paths"`
	StripUsernames bool `json:"strip_usernames"`
}

// Settings is the full engine configuration.
type Settings struct {
	// Enabled is the global kill switch. When false, hooks allow and
	// exit without touching any state.
	Enabled bool `json:"enabled"`

	AutoResearch             bool `json:"auto_research"`
	AutoConvergeOnSessionEnd bool `json:"auto_converge_on_session_end"`
	MinIssuesForConvergence  int  `json:"min_issues_for_convergence"`

	// SandboxMode makes every agent invocation return a deterministic
	// mock instead of launching the model CLI.
	SandboxMode bool `json:"sandbox_mode"`

	// LogLevel sets activity-log verbosity (debug, info, warn, error).
	// CONVERGE_LOG_LEVEL overrides it.
	LogLevel string `json:"log_level,omitempty"`

	Budget    Budget    `json:"budget"`
	Sanitizer Sanitizer `json:"sanitizer"`
}

// Default returns the built-in settings.
func Default() *Settings {
	return &Settings{
		Enabled:                  true,
		AutoResearch:             true,
		AutoConvergeOnSessionEnd: true,
		MinIssuesForConvergence:  1,
		SandboxMode:              false,
		Budget: Budget{
			MaxParallelAgents: 2,
			MaxTokensPerAgent: 4000,
			MaxResearchRounds: 3,
			TimeoutSeconds:    60,
			DebateRounds:      2,
			ModelMap: map[string]string{
				StageResearch: DefaultModel,
				StageDebate:   DefaultModel,
				StageConverge: DefaultModel,
			},
			FallbackModel: "haiku",
		},
		Sanitizer: Sanitizer{
			Enabled:        true,
			StripTokens:    true,
			StripPaths:     true,
			StripUsernames: true,
		},
	}
}

// Load reads settings.json and applies settings.local.json overrides.
// Either file may be absent. The files may contain the settings object
// directly or wrapped under a "convergence" key.
func Load() (*Settings, error) {
	settings := Default()

	base, err := paths.Abs(paths.SettingsFile)
	if err != nil {
		base = paths.SettingsFile
	}
	local, err := paths.Abs(paths.LocalSettingsFile)
	if err != nil {
		local = paths.LocalSettingsFile
	}

	if err := mergeFile(settings, base); err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}
	if err := mergeFile(settings, local); err != nil {
		return nil, fmt.Errorf("reading local settings: %w", err)
	}

	applyDefaults(settings)
	return settings, nil
}

// LoadOrDefault is Load with errors degraded to defaults. Hooks use it:
// a broken settings file must never block the host tool.
func LoadOrDefault() *Settings {
	settings, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[convergence-engine] Warning: %v, using defaults\n", err)
		return Default()
	}
	return settings
}

// mergeFile unmarshals a settings file over the current values. Fields
// absent from the file keep their existing values.
func mergeFile(settings *Settings, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is from paths.Abs or a layout constant
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w", err)
	}

	// Unwrap a {"convergence": {...}} envelope when present.
	var envelope struct {
		Convergence json.RawMessage `json:"convergence"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && len(envelope.Convergence) > 0 {
		data = envelope.Convergence
	}

	if err := json.Unmarshal(data, settings); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func applyDefaults(s *Settings) {
	d := Default()
	if s.MinIssuesForConvergence <= 0 {
		s.MinIssuesForConvergence = d.MinIssuesForConvergence
	}
	if s.Budget.MaxParallelAgents <= 0 {
		s.Budget.MaxParallelAgents = d.Budget.MaxParallelAgents
	}
	if s.Budget.MaxTokensPerAgent <= 0 {
		s.Budget.MaxTokensPerAgent = d.Budget.MaxTokensPerAgent
	}
	if s.Budget.MaxResearchRounds <= 0 {
		s.Budget.MaxResearchRounds = d.Budget.MaxResearchRounds
	}
	if s.Budget.TimeoutSeconds <= 0 {
		s.Budget.TimeoutSeconds = d.Budget.TimeoutSeconds
	}
	if s.Budget.DebateRounds != 1 && s.Budget.DebateRounds != 2 {
		s.Budget.DebateRounds = d.Budget.DebateRounds
	}
	if s.Budget.FallbackModel == "" {
		s.Budget.FallbackModel = d.Budget.FallbackModel
	}
	if s.Budget.ModelMap == nil {
		s.Budget.ModelMap = d.Budget.ModelMap
	} else {
		for stage, model := range d.Budget.ModelMap {
			if _, ok := s.Budget.ModelMap[stage]; !ok {
				s.Budget.ModelMap[stage] = model
			}
		}
	}
}

// ModelFor returns the configured model for a stage, or DefaultModel.
func (s *Settings) ModelFor(stage string) string {
	if s.Budget.ModelMap == nil {
		return DefaultModel
	}
	if model, ok := s.Budget.ModelMap[stage]; ok && model != "" {
		return model
	}
	return DefaultModel
}
