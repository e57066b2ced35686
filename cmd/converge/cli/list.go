package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/convergeio/converge/cmd/converge/cli/logging"
	"github.com/convergeio/converge/cmd/converge/cli/schema"
)

func newListCmd() *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List captured issues",
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, _, err := newEngine()
			if err != nil {
				return err
			}
			defer logging.Close()

			issues, err := engine.List(statusFilter)
			if err != nil {
				return err
			}
			return printIssues(cmd.OutOrStdout(), issues)
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "Only show issues with this status")

	return cmd
}

// printIssues renders the issue table. Separated for testability.
func printIssues(w io.Writer, issues []*schema.Issue) error {
	if len(issues) == 0 {
		fmt.Fprintln(w, "No issues found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTYPE\tTOOL\tSEEN\tDESCRIPTION")
	for _, issue := range issues {
		desc := firstLine(issue.Description)
		if len(desc) > 60 {
			desc = desc[:57] + "..."
		}
		seen := issue.OccurrenceCount
		if seen < 1 {
			seen = 1
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			issue.ID, issue.Status, issue.Type, issue.ToolName, seen, desc)
	}
	return tw.Flush()
}
