package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Structured-output delimiters. Agents are prompted to emit their JSON
// block between these literal lines.
const (
	JSONOutputStart = "===JSON_OUTPUT==="
	JSONOutputEnd   = "===JSON_OUTPUT_END==="
)

// Arbiter section delimiters.
const (
	ReportDelimiter = "===CONVERGENCE_REPORT==="
	TasksDelimiter  = "===TASKS_JSON==="
)

// ExtractStructured splits a raw agent response into the markdown view
// (text before the start delimiter) and the parsed structured block.
// Extraction is lenient: markdown code fences around the JSON are
// stripped, and a missing end delimiter falls back to everything after
// the start. A missing or unparseable block yields nil — markdown-only
// output is not an error.
func ExtractStructured(raw string) (markdown string, structured map[string]any) {
	start := strings.Index(raw, JSONOutputStart)
	if start < 0 {
		return strings.TrimSpace(raw), nil
	}

	markdown = strings.TrimSpace(raw[:start])

	block := raw[start+len(JSONOutputStart):]
	if end := strings.Index(block, JSONOutputEnd); end >= 0 {
		block = block[:end]
	}
	block = stripCodeFences(block)

	var parsed map[string]any
	if err := json.Unmarshal([]byte(block), &parsed); err != nil {
		return markdown, nil
	}
	return markdown, parsed
}

// stripCodeFences removes a surrounding ``` or ```json fence.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if i := strings.Index(s, "\n"); i >= 0 {
			s = s[i+1:]
		} else {
			s = ""
		}
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// Enumerations shared by the structured-output validators.
var (
	confidenceLevels = map[string]bool{"high": true, "medium": true, "low": true}
	severityLevels   = map[string]bool{"P0": true, "P1": true, "P2": true, "P3": true}
	scopeLevels      = map[string]bool{"isolated": true, "module": true, "system": true}
	frequencyLevels  = map[string]bool{"first": true, "recurring": true, "escalating": true}
	actionPriorities = map[string]bool{"now": true, "soon": true, "later": true}
	complexityLevels = map[string]bool{"low": true, "medium": true, "high": true}
)

// ValidateResearcher checks the root-cause worker's structured output.
func ValidateResearcher(m map[string]any) (bool, []string) {
	var errs []string
	errs = appendRequiredString(errs, m, "hypothesis")
	errs = appendRequiredList(errs, m, "evidence")
	errs = appendEnum(errs, m, "confidence", confidenceLevels)
	errs = appendRequiredString(errs, m, "confidence_reasoning")
	return len(errs) == 0, errs
}

// ValidateSolution checks the solution-finder's structured output.
func ValidateSolution(m map[string]any) (bool, []string) {
	var errs []string

	solutions, ok := m["solutions"].([]any)
	if !ok || len(solutions) == 0 {
		errs = append(errs, "missing or empty field \"solutions\"")
	} else {
		for i, raw := range solutions {
			item, ok := raw.(map[string]any)
			if !ok {
				errs = append(errs, fmt.Sprintf("solutions[%d] is not an object", i))
				continue
			}
			for _, field := range []string{"title", "description"} {
				if s, _ := item[field].(string); s == "" {
					errs = append(errs, fmt.Sprintf("solutions[%d] missing %q", i, field))
				}
			}
		}
	}

	idx, ok := numberField(m, "recommended_index")
	switch {
	case !ok:
		errs = append(errs, "missing field \"recommended_index\"")
	case solutions != nil && (idx < 0 || idx >= len(solutions)):
		errs = append(errs, fmt.Sprintf("recommended_index %d out of range", idx))
	}

	errs = appendRequiredString(errs, m, "recommendation_reasoning")
	errs = appendRequiredList(errs, m, "implementation_steps")
	return len(errs) == 0, errs
}

// ValidateImpact checks the impact assessor's structured output.
func ValidateImpact(m map[string]any) (bool, []string) {
	var errs []string
	errs = appendEnum(errs, m, "severity", severityLevels)
	errs = appendRequiredString(errs, m, "severity_reasoning")
	errs = appendEnum(errs, m, "scope", scopeLevels)
	errs = appendRequiredString(errs, m, "scope_detail")
	errs = appendEnum(errs, m, "frequency", frequencyLevels)
	errs = appendEnum(errs, m, "priority", actionPriorities)
	errs = appendRequiredString(errs, m, "priority_reasoning")
	return len(errs) == 0, errs
}

// ValidateDebate checks the debater's structured output.
func ValidateDebate(m map[string]any) (bool, []string) {
	var errs []string
	errs = appendRequiredList(errs, m, "agreements")
	errs = appendRequiredList(errs, m, "contradictions")
	errs = appendRequiredList(errs, m, "gaps")
	errs = appendRequiredString(errs, m, "revised_root_cause")
	errs = appendRequiredString(errs, m, "revised_fix")
	errs = appendEnum(errs, m, "revised_priority", severityLevels)
	return len(errs) == 0, errs
}

// ValidateTask checks one synthesized task from the arbiter.
func ValidateTask(m map[string]any) (bool, []string) {
	var errs []string
	errs = appendRequiredString(errs, m, "title")
	errs = appendRequiredString(errs, m, "description")
	errs = appendRequiredString(errs, m, "issue_id")
	errs = appendEnum(errs, m, "priority", severityLevels)
	errs = appendEnum(errs, m, "complexity", complexityLevels)
	return len(errs) == 0, errs
}

// ValidatorFor returns the validator for a role's structured output, or
// nil when the role has none.
func ValidatorFor(role string) func(map[string]any) (bool, []string) {
	switch role {
	case RoleResearcher:
		return ValidateResearcher
	case RoleSolutionFinder:
		return ValidateSolution
	case RoleImpactAssessor:
		return ValidateImpact
	case RoleDebater:
		return ValidateDebate
	default:
		return nil
	}
}

func appendRequiredString(errs []string, m map[string]any, field string) []string {
	if s, _ := m[field].(string); s == "" {
		errs = append(errs, fmt.Sprintf("missing required field %q", field))
	}
	return errs
}

func appendRequiredList(errs []string, m map[string]any, field string) []string {
	if _, ok := m[field].([]any); !ok {
		errs = append(errs, fmt.Sprintf("missing required list %q", field))
	}
	return errs
}

func appendEnum(errs []string, m map[string]any, field string, allowed map[string]bool) []string {
	s, _ := m[field].(string)
	if s == "" {
		return append(errs, fmt.Sprintf("missing required field %q", field))
	}
	if !allowed[s] {
		return append(errs, fmt.Sprintf("invalid value %q for %q", s, field))
	}
	return errs
}

func numberField(m map[string]any, field string) (int, bool) {
	switch v := m[field].(type) {
	case float64:
		return int(v), true
	case json.Number:
		i, err := v.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}
