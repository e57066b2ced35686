package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/convergeio/converge/cmd/converge/cli/logging"
	"github.com/convergeio/converge/cmd/converge/cli/schema"
)

// statusOrder lists statuses in pipeline order for display.
var statusOrder = []string{
	schema.StatusCaptured, schema.StatusResearching, schema.StatusResearched,
	schema.StatusDebating, schema.StatusDebated, schema.StatusConverging,
	schema.StatusConverged, schema.StatusResolved, schema.StatusQuarantined,
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show issue counts by pipeline status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, _, err := newEngine()
			if err != nil {
				return err
			}
			defer logging.Close()

			counts, err := engine.Status()
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), counts)
		},
	}
}

// printStatus renders the count table. Separated for testability.
func printStatus(w io.Writer, counts map[string]int) error {
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		fmt.Fprintln(w, "No issues captured yet.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tCOUNT")
	for _, status := range statusOrder {
		if n := counts[status]; n > 0 {
			fmt.Fprintf(tw, "%s\t%d\n", status, n)
		}
	}
	fmt.Fprintf(tw, "total\t%d\n", total)
	return tw.Flush()
}
