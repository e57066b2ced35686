package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/convergeio/converge/cmd/converge/cli/checkpoint"
)

func newClearCmd() *cobra.Command {
	var fromPhase string
	var forceFlag bool

	cmd := &cobra.Command{
		Use:   "clear <issue-id>",
		Short: "Clear an issue's pipeline checkpoint",
		Long: `Clear the recorded phase state for an issue so the pipeline re-runs it.
With --from-phase, only that phase and later ones are cleared. The
trajectory keeps a record of the clearing; history is never lost.

Default: shows a preview of the phases that would be cleared.
With --force, actually clears them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClear(cmd.OutOrStdout(), args[0], fromPhase, forceFlag)
		},
	}

	cmd.Flags().StringVar(&fromPhase, "from-phase", "", "Clear from this phase onward (research, debate, convergence)")
	cmd.Flags().BoolVarP(&forceFlag, "force", "f", false, "Actually clear (default: dry run)")

	return cmd
}

// runClear is the core logic, separated for testability.
func runClear(w io.Writer, issueID, fromPhase string, force bool) error {
	if fromPhase != "" {
		valid := false
		for _, phase := range checkpoint.Phases {
			if phase == fromPhase {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("unknown phase %q (valid: %v)", fromPhase, checkpoint.Phases)
		}
	}

	cp, err := checkpoint.Load(issueID)
	if err != nil {
		return err
	}

	var affected []string
	clearing := fromPhase == ""
	for _, phase := range checkpoint.Phases {
		if phase == fromPhase {
			clearing = true
		}
		if _, ok := cp.Phases[phase]; clearing && ok {
			affected = append(affected, phase)
		}
	}

	if len(affected) == 0 {
		fmt.Fprintln(w, "Nothing to clear.")
		return nil
	}

	if !force {
		fmt.Fprintf(w, "Would clear %d phase(s) for %s:\n", len(affected), issueID)
		for _, phase := range affected {
			fmt.Fprintf(w, "  %s (%s)\n", phase, cp.Phases[phase].Status)
		}
		fmt.Fprintln(w, "\nRun with --force to clear.")
		return nil
	}

	if err := checkpoint.Clear(issueID, fromPhase); err != nil {
		return fmt.Errorf("clearing checkpoint: %w", err)
	}
	fmt.Fprintf(w, "Cleared %d phase(s) for %s.\n", len(affected), issueID)
	return nil
}
