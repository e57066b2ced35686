package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ToolHookInput is the JSON envelope the host agent delivers on stdin
// for tool hooks: tool failure (post-tool-use) and tool pre-execution
// (pre-tool-use).
type ToolHookInput struct {
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
	Error     string          `json:"error"`
}

// parseToolHookInput parses a tool hook envelope from the reader.
func parseToolHookInput(r io.Reader) (*ToolHookInput, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("empty input")
	}

	var input ToolHookInput
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &input, nil
}

// allowResponse is the only JSON a hook ever writes to stdout. The
// engine is an observer: it never blocks the host tool.
const allowResponse = `{"result":"allow"}`

func writeAllow(w io.Writer) {
	_, _ = fmt.Fprintln(w, allowResponse)
}

// hintTag prefixes every diagnostic line surfaced to the host session.
const hintTag = "[convergence-engine]"
