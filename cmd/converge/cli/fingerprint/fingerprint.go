// Package fingerprint content-addresses issues so recurring failures
// collapse onto one record. The digest covers a fixed field subset with
// the error message normalized first; ids, timestamps, status, and
// counts are deliberately excluded so recomputation during dedup is safe.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
)

// substitution rewrites one class of volatile content to a stable token.
type substitution struct {
	pattern *regexp.Regexp
	token   string
}

// substitutions run in order, more specific first: a UUID must become
// <UUID> before the hex rule could eat its segments, paths before line
// numbers, and so on.
var substitutions = []substitution{
	{regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`), "<UUID>"},
	{regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`), "<TIMESTAMP>"},
	{regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}`), "<TIMESTAMP>"},
	{regexp.MustCompile(`(?i)\b[0-9a-f]{32,}\b`), "<HASH>"},
	{regexp.MustCompile(`(?:/[^\s:"']+(?:\.[a-zA-Z0-9]+)?|[A-Z]:\\[^\s:"']+)`), "<PATH>"},
	{regexp.MustCompile(`(?::|[Ll]ine\s*|[Ll])\d+`), "<LINE>"},
	{regexp.MustCompile(`(?:pid|PID|process)\s*[=:]?\s*\d+`), "<PID>"},
	{regexp.MustCompile(`0x[0-9a-fA-F]{4,}`), "<ADDR>"},
	{regexp.MustCompile(`(?i)port\s+\d{2,5}`), "port <PORT>"},
	{regexp.MustCompile(`\b\d{4,}\b`), "<NUM>"},
}

var whitespace = regexp.MustCompile(`\s+`)

// NormalizeError rewrites volatile fragments of an error message (paths,
// ids, timestamps, addresses, big numbers) to stable tokens, collapses
// whitespace, and lowercases, so cosmetically different occurrences of
// the same failure normalize identically.
func NormalizeError(text string) string {
	for _, sub := range substitutions {
		text = sub.pattern.ReplaceAllString(text, sub.token)
	}
	text = whitespace.ReplaceAllString(text, " ")
	return strings.ToLower(strings.TrimSpace(text))
}

// identity is the canonical field subset the digest covers.
type identity struct {
	Type            string `json:"type"`
	ToolName        string `json:"tool_name"`
	ErrorNormalized string `json:"error_normalized"`
	SourceFile      string `json:"source_file"`
	GitBranch       string `json:"git_branch"`
}

// Compute returns the 256-bit hex digest identifying an issue.
// sourceFile is the first recent file at capture time, or empty.
func Compute(issueType, toolName, rawError, sourceFile, gitBranch string) string {
	id := identity{
		Type:            issueType,
		ToolName:        toolName,
		ErrorNormalized: NormalizeError(rawError),
		SourceFile:      sourceFile,
		GitBranch:       gitBranch,
	}
	canonical, err := json.Marshal(id)
	if err != nil {
		// A struct of strings cannot fail to marshal.
		canonical = []byte(id.ErrorNormalized)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
