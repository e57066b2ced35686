package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/convergeio/converge/cmd/converge/cli/config"
	"github.com/convergeio/converge/cmd/converge/cli/logging"
	"github.com/convergeio/converge/cmd/converge/cli/pipeline"
)

// runSessionEndHook synthesizes convergence when the host session ends,
// if configured to. Always allows; synthesis failures only warn.
func runSessionEndHook(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) {
	defer writeAllow(stdout)

	// The envelope carries nothing the hook needs, but draining stdin
	// keeps the host from seeing a broken pipe.
	_, _ = io.ReadAll(stdin)

	settings := config.LoadOrDefault()
	if !settings.Enabled || !settings.AutoConvergeOnSessionEnd {
		return
	}

	if err := logging.Init(settings.LogLevel); err == nil {
		defer logging.Close()
	}

	engine, err := pipeline.New(settings)
	if err != nil {
		fmt.Fprintf(stderr, "%s Warning: %v\n", hintTag, err)
		return
	}
	if err := engine.Arbiter().Synthesize(ctx, ""); err != nil {
		fmt.Fprintf(stderr, "%s Warning: session-end convergence failed: %v\n", hintTag, err)
	}
}
