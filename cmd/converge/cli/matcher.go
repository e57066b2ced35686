package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/convergeio/converge/cmd/converge/cli/bridge"
	"github.com/convergeio/converge/cmd/converge/cli/config"
	"github.com/convergeio/converge/cmd/converge/cli/paths"
	"github.com/convergeio/converge/cmd/converge/cli/schema"
	"github.com/convergeio/converge/cmd/converge/cli/store"
)

// maxMatchWarnings caps the hints one pre-tool invocation can emit.
const maxMatchWarnings = 3

// stopWords are too common to signal a match.
var stopWords = map[string]bool{
	"tool": true, "failed": true, "error": true,
	"the": true, "with": true, "from": true, "that": true,
}

// knownPattern is one cached failure the matcher can warn about.
type knownPattern struct {
	errorPattern string
	fix          string
}

// runMatcherHook handles tool pre-execution: it matches the upcoming
// invocation against cached knowledge and warns about known failure
// patterns. Always allows.
func runMatcherHook(stdin io.Reader, stdout, stderr io.Writer) {
	defer writeAllow(stdout)

	settings := config.LoadOrDefault()
	if !settings.Enabled {
		return
	}

	input, err := parseToolHookInput(stdin)
	if err != nil {
		return
	}

	searchable := strings.ToLower(string(input.ToolInput))
	if searchable == "" {
		return
	}

	warned := 0
	for _, pattern := range loadKnownPatterns() {
		if warned == maxMatchWarnings {
			break
		}
		if matchesPattern(pattern.errorPattern, searchable) {
			fmt.Fprintf(stderr, "%s Known error pattern detected: %s\n", hintTag, pattern.errorPattern)
			if pattern.fix != "" {
				fmt.Fprintf(stderr, "  Cached fix: %s\n", pattern.fix)
			}
			warned++
		}
	}
}

// loadKnownPatterns reads the knowledge table, falling back to the
// converged records in the issues log when the table is absent.
func loadKnownPatterns() []knownPattern {
	if entries, err := bridge.ReadEntries(); err == nil && len(entries) > 0 {
		patterns := make([]knownPattern, 0, len(entries))
		for _, e := range entries {
			patterns = append(patterns, knownPattern{errorPattern: e.ErrorPattern, fix: e.Fix})
		}
		return patterns
	}

	issuesPath, err := paths.Abs(paths.IssuesFile)
	if err != nil {
		return nil
	}
	records, err := store.ReadAll(issuesPath)
	if err != nil {
		return nil
	}
	var patterns []knownPattern
	for _, record := range records {
		issue, err := schema.FromMap(record)
		if err != nil || issue.Status != schema.StatusConverged {
			continue
		}
		patterns = append(patterns, knownPattern{
			errorPattern: firstLine(issue.Description),
			fix:          cachedFixSummary(issue.ID),
		})
	}
	return patterns
}

// matchesPattern applies the keyword-overlap heuristic: significant
// words from the known pattern vs. the tool input text, matching when
// the overlap exceeds a third of them (minimum one).
func matchesPattern(pattern, searchable string) bool {
	words := significantWords(pattern)
	if len(words) == 0 {
		return false
	}
	threshold := len(words) / 3
	if threshold < 1 {
		threshold = 1
	}
	overlap := 0
	for _, word := range words {
		if strings.Contains(searchable, word) {
			overlap++
		}
	}
	return overlap >= threshold
}

func significantWords(s string) []string {
	var words []string
	for _, word := range strings.Fields(strings.ToLower(s)) {
		word = strings.Trim(word, `.,:;'"()[]{}`)
		if len(word) > 3 && !stopWords[word] {
			words = append(words, word)
		}
	}
	return words
}
