package cli

import (
	"os"

	"github.com/spf13/cobra"
)

func newHooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "hooks",
		Short:  "Hook handlers",
		Long:   "Commands called by the host agent's hooks. These are internal and not for direct user use.",
		Hidden: true,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "post-tool-use",
		Short: "Capture a tool failure",
		Run: func(_ *cobra.Command, _ []string) {
			runCaptureHook(os.Stdin, os.Stdout, os.Stderr)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "pre-tool-use",
		Short: "Warn about known failure patterns",
		Run: func(_ *cobra.Command, _ []string) {
			runMatcherHook(os.Stdin, os.Stdout, os.Stderr)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "session-end",
		Short: "Synthesize convergence on session end",
		Run: func(cmd *cobra.Command, _ []string) {
			runSessionEndHook(cmd.Context(), os.Stdin, os.Stdout, os.Stderr)
		},
	})

	return cmd
}
