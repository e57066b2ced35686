// Package logging writes the engine's agent activity log.
//
// Every record goes to two sinks under the project data directory: a
// human-readable line file (agent_activity.log) and a structured JSONL
// mirror (agent_activity.jsonl, written through slog). Warnings and
// errors are additionally echoed to stderr with the [convergence-engine]
// tag so the host session surfaces them.
//
//	logging.Init(settings.LogLevel)
//	defer logging.Close()
//	log := logging.For(issueID, "research").WithInvocation()
//	log.Info("agent completed", "duration_ms", elapsed.Milliseconds())
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convergeio/converge/cmd/converge/cli/paths"
)

// LogLevelEnvVar overrides the configured log level.
const LogLevelEnvVar = "CONVERGE_LOG_LEVEL"

// PipelineIssueID scopes records that belong to a whole pipeline run
// rather than a single issue.
const PipelineIssueID = "PIPELINE"

var (
	mu         sync.Mutex
	humanFile  *os.File
	jsonFile   *os.File
	jsonLogger *slog.Logger
	minLevel   slog.Level
)

// Init opens the activity log files, creating the data directory if
// needed. The effective level is CONVERGE_LOG_LEVEL when set, else
// levelStr, else info. Failures fall back to stderr-only logging and are
// not fatal: logging must never block a capture.
func Init(levelStr string) error {
	mu.Lock()
	defer mu.Unlock()

	if env := os.Getenv(LogLevelEnvVar); env != "" {
		levelStr = env
	}
	minLevel = parseLevel(levelStr)

	closeLocked()

	logPath, err := paths.Abs(paths.ActivityLogFile)
	if err != nil {
		return fmt.Errorf("resolving activity log path: %w", err)
	}
	jsonPath, err := paths.Abs(paths.ActivityJSONLFile)
	if err != nil {
		return fmt.Errorf("resolving activity jsonl path: %w", err)
	}
	if err := paths.EnsureLayout(); err != nil {
		return fmt.Errorf("creating data layout: %w", err)
	}

	hf, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // layout-constant path
	if err != nil {
		return fmt.Errorf("opening activity log: %w", err)
	}
	jf, err := os.OpenFile(jsonPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // layout-constant path
	if err != nil {
		_ = hf.Close()
		return fmt.Errorf("opening activity jsonl: %w", err)
	}

	humanFile = hf
	jsonFile = jf
	jsonLogger = slog.New(slog.NewJSONHandler(jf, &slog.HandlerOptions{Level: minLevel}))
	return nil
}

// Close flushes and closes the log files. Safe to call multiple times.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	closeLocked()
}

func closeLocked() {
	if humanFile != nil {
		_ = humanFile.Close()
		humanFile = nil
	}
	if jsonFile != nil {
		_ = jsonFile.Close()
		jsonFile = nil
	}
	jsonLogger = nil
}

// Logger scopes records to one issue and pipeline stage.
type Logger struct {
	issueID      string
	stage        string
	invocationID string
}

// For returns a logger scoped to an issue and stage.
func For(issueID, stage string) *Logger {
	return &Logger{issueID: issueID, stage: stage}
}

// ForPipeline returns a logger for pipeline-wide records.
func ForPipeline() *Logger {
	return &Logger{issueID: PipelineIssueID, stage: "pipeline"}
}

// WithInvocation attaches a fresh invocation ID, correlating all records
// of one agent subprocess run.
func (l *Logger) WithInvocation() *Logger {
	scoped := *l
	scoped.invocationID = uuid.NewString()
	return &scoped
}

// InvocationID returns the attached invocation ID, if any.
func (l *Logger) InvocationID() string { return l.invocationID }

func (l *Logger) Debug(msg string, kv ...any) { l.log(slog.LevelDebug, msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.log(slog.LevelInfo, msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.log(slog.LevelWarn, msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.log(slog.LevelError, msg, kv...) }

// Section writes a visual separator to the human log.
func (l *Logger) Section(title string) {
	mu.Lock()
	defer mu.Unlock()
	if humanFile == nil {
		return
	}
	fmt.Fprintf(humanFile, "%s\n=== %s ===\n", strings.Repeat("-", 60), title)
}

func (l *Logger) log(level slog.Level, msg string, kv ...any) {
	mu.Lock()
	defer mu.Unlock()

	if level < minLevel {
		return
	}

	now := time.Now().UTC().Format(time.RFC3339)
	line := fmt.Sprintf("[%s] [%s] [%s] [%s] %s", now, l.issueID, strings.ToUpper(l.stage), levelName(level), msg)
	if extra := formatPairs(kv); extra != "" {
		line += " | " + extra
	}

	if humanFile != nil {
		fmt.Fprintln(humanFile, line)
	}

	if jsonLogger != nil {
		attrs := []any{
			slog.String("issue_id", l.issueID),
			slog.String("stage", l.stage),
		}
		if l.invocationID != "" {
			attrs = append(attrs, slog.String("invocation_id", l.invocationID))
		}
		attrs = append(attrs, kv...)
		jsonLogger.Log(context.Background(), level, msg, attrs...)
	}

	if level >= slog.LevelWarn {
		fmt.Fprintf(os.Stderr, "[convergence-engine] %s\n", line)
	}
}

func formatPairs(kv []any) string {
	var parts []string
	for i := 0; i+1 < len(kv); i += 2 {
		parts = append(parts, fmt.Sprintf("%v=%v", kv[i], kv[i+1]))
	}
	return strings.Join(parts, " ")
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARN"
	case l >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
