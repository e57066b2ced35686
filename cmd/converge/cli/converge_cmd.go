package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/convergeio/converge/cmd/converge/cli/logging"
)

func newConvergeCmd() *cobra.Command {
	var issueID string

	cmd := &cobra.Command{
		Use:   "converge",
		Short: "Synthesize the convergence report and task list",
		Long: `Aggregate every investigated issue into a single convergence report and
a machine-readable task list, then refresh the knowledge section in
CLAUDE.md. Previous outputs are archived with a timestamp.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, _, err := newEngine()
			if err != nil {
				return err
			}
			defer logging.Close()

			if err := engine.Arbiter().Synthesize(cmd.Context(), issueID); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Convergence completed.")
			return nil
		},
	}

	cmd.Flags().StringVar(&issueID, "issue", "", "Converge only this issue")

	return cmd
}
