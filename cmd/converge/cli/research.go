package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/convergeio/converge/cmd/converge/cli/config"
	"github.com/convergeio/converge/cmd/converge/cli/logging"
	"github.com/convergeio/converge/cmd/converge/cli/pipeline"
)

// newEngine loads settings, initializes logging, and builds the
// pipeline engine. Callers must defer logging.Close().
func newEngine() (*pipeline.Engine, *config.Settings, error) {
	settings, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading settings: %w", err)
	}
	if !settings.Enabled {
		return nil, nil, errors.New("convergence engine is disabled (enabled=false in settings)")
	}
	if err := logging.Init(settings.LogLevel); err != nil {
		// Logging is best-effort; warnings still reach stderr.
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	engine, err := pipeline.New(settings)
	if err != nil {
		return nil, nil, err
	}
	return engine, settings, nil
}

func newResearchCmd() *cobra.Command {
	var allFlag, forceFlag bool

	cmd := &cobra.Command{
		Use:   "research [issue-id]",
		Short: "Run the research phase for an issue",
		Long: `Dispatch the research workers (root cause, solutions, impact) for one
issue, or for every captured issue with --all. Completed research with
artefacts on disk is skipped unless --force clears the checkpoint.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := newEngine()
			if err != nil {
				return err
			}
			defer logging.Close()

			w := cmd.OutOrStdout()
			if allFlag {
				count, err := engine.ResearchAllCaptured(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "Researched %d issue(s).\n", count)
				return nil
			}

			if len(args) == 0 {
				return errors.New("an issue ID is required unless --all is given")
			}
			if err := engine.ResearchOne(cmd.Context(), args[0], forceFlag); err != nil {
				return err
			}
			fmt.Fprintf(w, "Research completed for %s.\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&allFlag, "all", false, "Research every captured issue")
	cmd.Flags().BoolVarP(&forceFlag, "force", "f", false, "Re-run even if already completed")

	return cmd
}
