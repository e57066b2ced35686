package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/convergeio/converge/cmd/converge/cli/logging"
)

func newRunCmd() *cobra.Command {
	var fromPhase string
	var forceFlag bool

	cmd := &cobra.Command{
		Use:   "run <issue-id>",
		Short: "Run the full pipeline for an issue",
		Long: `Run research, debate, and convergence for one issue. The pipeline
resumes from its checkpoint: completed phases with artefacts on disk are
skipped. Use --from-phase to clear and re-run from a phase, or --force
to start over.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := newEngine()
			if err != nil {
				return err
			}
			defer logging.Close()

			if err := engine.RunFull(cmd.Context(), args[0], fromPhase, forceFlag); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pipeline completed for %s.\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&fromPhase, "from-phase", "", "Clear and re-run from this phase (research, debate, convergence)")
	cmd.Flags().BoolVarP(&forceFlag, "force", "f", false, "Clear the checkpoint and start over")

	return cmd
}
