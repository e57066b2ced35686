// Package agent dispatches prompts to the model CLI and recovers
// structured output from the response. The engine treats an agent as an
// opaque function prompt → (markdown, optional JSON): this package owns
// the subprocess contract, the timeout, the sandbox mock mode, and the
// delimiter-based extraction.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/convergeio/converge/cmd/converge/cli/config"
	"github.com/convergeio/converge/cmd/converge/cli/logging"
	"github.com/convergeio/converge/cmd/converge/cli/paths"
	"github.com/convergeio/converge/cmd/converge/cli/sanitize"
)

// BinaryName is the model CLI the invoker launches.
const BinaryName = "claude"

var (
	// ErrNotFound means the model CLI binary is not on PATH.
	ErrNotFound = errors.New(BinaryName + " CLI not found in PATH")

	// ErrTimeout means the invocation exceeded its wall-clock budget.
	ErrTimeout = errors.New("agent invocation timed out")
)

// Roles identify the calling worker in logs and sandbox mocks.
const (
	RoleResearcher     = "researcher"
	RoleSolutionFinder = "solution_finder"
	RoleImpactAssessor = "impact_assessor"
	RoleDebater        = "debater"
	RoleArbiter        = "arbiter"
)

// Result is one agent invocation's outcome. OK with empty Structured is
// legal: markdown-only responses still count as success.
type Result struct {
	OK         bool
	Output     string
	Markdown   string
	Structured map[string]any
	Error      string
	TimedOut   bool
}

// Invoker runs agents under the configured budget.
type Invoker struct {
	settings *config.Settings
	san      *sanitize.Sanitizer
}

// NewInvoker builds an invoker. The sanitizer is applied to every prompt
// before it leaves the process.
func NewInvoker(settings *config.Settings, san *sanitize.Sanitizer) *Invoker {
	return &Invoker{settings: settings, san: san}
}

// Invoke dispatches a prompt. role tags logs and selects the sandbox
// mock; stage selects the model from the budget's model map. The result
// is never nil and Invoke never returns a Go error: failures are
// classified into the result so callers degrade instead of aborting.
func (inv *Invoker) Invoke(ctx context.Context, role, stage, issueID, prompt string) *Result {
	log := logging.For(issueID, role).WithInvocation()

	if inv.settings.SandboxMode {
		log.Info("sandbox invocation", "stage", stage)
		result := mockResult(role)
		return result
	}

	prompt = inv.san.Text(prompt)

	timeout := time.Duration(inv.settings.Budget.TimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"-p"}
	if model := inv.settings.ModelFor(stage); model != config.DefaultModel {
		args = append(args, "--model", model)
	}

	cmd := exec.CommandContext(ctx, BinaryName, args...) //nolint:gosec // fixed binary, flag-only args
	cmd.Stdin = bytes.NewBufferString(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if root, err := paths.ProjectRoot(); err == nil {
		cmd.Env = append(os.Environ(), paths.ProjectDirEnvVar+"="+root)
	}

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	switch {
	case err == nil:
		raw := stdout.String()
		markdown, structured := ExtractStructured(raw)
		log.Info("agent completed", "stage", stage, "duration_ms", elapsed.Milliseconds(), "output_bytes", len(raw))
		return &Result{OK: true, Output: raw, Markdown: markdown, Structured: structured}

	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		log.Warn("agent timed out", "stage", stage, "timeout_s", inv.settings.Budget.TimeoutSeconds)
		return &Result{Error: fmt.Sprintf("timed out after %ds", inv.settings.Budget.TimeoutSeconds), TimedOut: true}

	case errors.Is(err, exec.ErrNotFound):
		log.Error("agent binary missing", "binary", BinaryName)
		return &Result{Error: ErrNotFound.Error()}

	default:
		var exitErr *exec.ExitError
		msg := err.Error()
		if errors.As(err, &exitErr) {
			msg = fmt.Sprintf("exit code %d", exitErr.ExitCode())
			if s := bytes.TrimSpace(stderr.Bytes()); len(s) > 0 {
				msg = string(s)
			}
		}
		log.Warn("agent failed", "stage", stage, "error", msg)
		return &Result{Error: msg}
	}
}
