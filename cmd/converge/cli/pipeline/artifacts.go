package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/convergeio/converge/cmd/converge/cli/paths"
)

// Research artefact filenames.
const (
	ArtifactRootCause     = "root_cause.md"
	ArtifactSolutions     = "solutions.md"
	ArtifactImpact        = "impact.md"
	ArtifactDebate        = "debate.md"
	ArtifactDebateRound1  = "debate_round1.md"
	ArtifactDebateLog     = "debate.log"
	ArtifactDebateMetrics = "debate_metrics.json"
)

// writeArtifact writes one artefact file in the issue's research dir.
func writeArtifact(issueID, name, content string) error {
	dir, err := paths.IssueResearchDir(issueID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating research dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// writeJSONArtifact writes the structured sibling of an artefact.
func writeJSONArtifact(issueID, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing %s: %w", name, err)
	}
	return writeArtifact(issueID, name, string(data)+"\n")
}

// readArtifact returns an artefact's content, or "" when absent.
func readArtifact(issueID, name string) string {
	dir, err := paths.IssueResearchDir(issueID)
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(dir, name)) //nolint:gosec // validated issue dir
	if err != nil {
		return ""
	}
	return string(data)
}

// readJSONArtifact parses an artefact's structured sibling.
func readJSONArtifact(issueID, name string) map[string]any {
	raw := readArtifact(issueID, name)
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

// jsonSibling maps foo.md to foo.json.
func jsonSibling(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name)) + ".json"
}

// artifactUsable reports whether artefact content carries real analysis,
// as opposed to being absent or a placeholder.
func artifactUsable(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return false
	}
	return !strings.HasPrefix(trimmed, "[MISSING:") && !strings.HasPrefix(trimmed, "[EMPTY:")
}
