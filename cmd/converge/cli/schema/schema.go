// Package schema defines the issue record contract: valid statuses and
// types, field validation, the migration pass for records written before
// fingerprinting existed, and the corpus-wide quarantine sweep.
// Validators classify, they never panic: a bad record ends up quarantined
// with its reason, not rejected.
package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/convergeio/converge/cmd/converge/cli/fingerprint"
	"github.com/convergeio/converge/cmd/converge/cli/store"
)

// Issue statuses, in pipeline order.
const (
	StatusCaptured    = "captured"
	StatusResearching = "researching"
	StatusResearched  = "researched"
	StatusDebating    = "debating"
	StatusDebated     = "debated"
	StatusConverging  = "converging"
	StatusConverged   = "converged"
	StatusResolved    = "resolved"
	StatusQuarantined = "quarantined"
)

// Issue types.
const (
	TypeError       = "error"
	TypeWarning     = "warning"
	TypeFailure     = "failure"
	TypeRegression  = "regression"
	TypePerformance = "performance"
	TypeDesign      = "design"
	TypeManual      = "manual"
	TypeUnknown     = "unknown"
)

var validStatuses = map[string]bool{
	StatusCaptured: true, StatusResearching: true, StatusResearched: true,
	StatusDebating: true, StatusDebated: true, StatusConverging: true,
	StatusConverged: true, StatusResolved: true, StatusQuarantined: true,
}

var validTypes = map[string]bool{
	TypeError: true, TypeWarning: true, TypeFailure: true, TypeRegression: true,
	TypePerformance: true, TypeDesign: true, TypeManual: true, TypeUnknown: true,
}

// Issue is the durable record of one observed tool failure.
type Issue struct {
	ID               string   `json:"id"`
	Type             string   `json:"type"`
	Timestamp        string   `json:"timestamp"`
	FirstSeen        string   `json:"first_seen,omitempty"`
	LastSeen         string   `json:"last_seen,omitempty"`
	Description      string   `json:"description"`
	RawError         string   `json:"raw_error,omitempty"`
	ToolName         string   `json:"tool_name,omitempty"`
	GitBranch        string   `json:"git_branch,omitempty"`
	RecentFiles      []string `json:"recent_files,omitempty"`
	WorkingDirectory string   `json:"working_directory,omitempty"`
	Source           string   `json:"source,omitempty"`
	Status           string   `json:"status"`
	Fingerprint      string   `json:"fingerprint,omitempty"`
	OccurrenceCount  int      `json:"occurrence_count,omitempty"`
}

// SourceFile returns the field the fingerprint uses as file context:
// the first recent file, or empty.
func (i *Issue) SourceFile() string {
	if len(i.RecentFiles) > 0 {
		return i.RecentFiles[0]
	}
	return ""
}

// ComputeFingerprint recomputes the issue's content fingerprint.
func (i *Issue) ComputeFingerprint() string {
	raw := i.RawError
	if raw == "" {
		raw = i.Description
	}
	return fingerprint.Compute(i.Type, i.ToolName, raw, i.SourceFile(), i.GitBranch)
}

// FromMap decodes a generic store record into an Issue.
func FromMap(m map[string]any) (*Issue, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	var issue Issue
	if err := json.Unmarshal(data, &issue); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return &issue, nil
}

// ValidateIssue checks the required fields of a raw record. Returns
// (true, nil) or (false, reasons).
func ValidateIssue(m map[string]any) (bool, []string) {
	var errs []string

	for _, field := range []string{"id", "type", "timestamp", "description", "status"} {
		v, ok := m[field]
		if !ok {
			errs = append(errs, fmt.Sprintf("missing required field %q", field))
			continue
		}
		s, ok := v.(string)
		if !ok {
			errs = append(errs, fmt.Sprintf("field %q must be a string", field))
			continue
		}
		switch field {
		case "status":
			if !validStatuses[s] {
				errs = append(errs, fmt.Sprintf("invalid status %q", s))
			}
		case "type":
			if !validTypes[s] {
				errs = append(errs, fmt.Sprintf("invalid type %q", s))
			}
		case "timestamp":
			if !validTimestamp(s) {
				errs = append(errs, fmt.Sprintf("invalid timestamp %q", s))
			}
		}
	}

	return len(errs) == 0, errs
}

func validTimestamp(s string) bool {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

// Migrate adds the dedup fields to a record written before they existed:
// fingerprint (recomputed), occurrence_count (1), first_seen and
// last_seen (the record's timestamp). It only adds, never overwrites.
// Returns true when anything changed.
func Migrate(m map[string]any) bool {
	changed := false

	if fp, _ := m["fingerprint"].(string); fp == "" {
		if issue, err := FromMap(m); err == nil {
			m["fingerprint"] = issue.ComputeFingerprint()
			changed = true
		}
	}
	if _, ok := m["occurrence_count"]; !ok {
		m["occurrence_count"] = 1
		changed = true
	}
	ts, _ := m["timestamp"].(string)
	if _, ok := m["first_seen"]; !ok {
		m["first_seen"] = ts
		changed = true
	}
	if _, ok := m["last_seen"]; !ok {
		m["last_seen"] = ts
		changed = true
	}
	return changed
}

// SweepResult summarizes a corpus validation sweep.
type SweepResult struct {
	Valid       int
	Quarantined int
}

// Sweep validates every line of the issues log. Valid records stay;
// corrupt lines and invalid records move to the quarantine log annotated
// with the reason and original line number. The issues log is rewritten
// atomically, and only when something was actually quarantined.
func Sweep(issuesPath, quarantinePath string) (*SweepResult, error) {
	result := &SweepResult{}

	err := store.WithLock(issuesPath, func() error {
		data, err := os.ReadFile(issuesPath) //nolint:gosec // layout path
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("reading issues log: %w", err)
		}

		now := time.Now().UTC().Format(time.RFC3339)
		var kept []string
		for i, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}

			var record map[string]any
			if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
				result.Quarantined++
				if qErr := store.Append(quarantinePath, map[string]any{
					"raw_line":       line,
					"error":          err.Error(),
					"line_number":    i + 1,
					"quarantined_at": now,
				}); qErr != nil {
					return fmt.Errorf("quarantining corrupt line: %w", qErr)
				}
				continue
			}

			if ok, reasons := ValidateIssue(record); !ok {
				result.Quarantined++
				record["_quarantine_reason"] = strings.Join(reasons, "; ")
				record["_quarantined_at"] = now
				record["_line_number"] = i + 1
				if qErr := store.Append(quarantinePath, record); qErr != nil {
					return fmt.Errorf("quarantining invalid record: %w", qErr)
				}
				continue
			}

			result.Valid++
			kept = append(kept, trimmed)
		}

		if result.Quarantined == 0 {
			return nil
		}

		content := ""
		if len(kept) > 0 {
			content = strings.Join(kept, "\n") + "\n"
		}
		return store.RewriteLocked(issuesPath, content)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
