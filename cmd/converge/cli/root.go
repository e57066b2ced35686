// Package cli implements the converge command tree: operator commands
// for driving the investigation pipeline, plus the hidden hook handlers
// the host agent invokes.
package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

const gettingStarted = `

Getting Started:
  Run 'converge setup' inside a project to install the hooks, then
  failures captured during host sessions appear under 'converge list'.
`

// Version information (can be set at build time)
var (
	Version = "dev"
	Commit  = "unknown"
)

// NewRootCmd builds the converge command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "converge",
		Short: "Convergence engine for host-session tool failures",
		Long: "Observes tool failures in host developer-assistant sessions, investigates them\n" +
			"with parallel model agents, and synthesizes a prioritized task list." + gettingStarted,
		// Let main.go handle error printing to avoid duplication
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newResearchCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newConvergeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newClearCmd())
	cmd.AddCommand(newSetupCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newHooksCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("converge %s (%s)\n", Version, Commit)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
