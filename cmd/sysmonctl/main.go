// Command sysmonctl is the host-resident monitoring agent's entry point:
// a cobra root command with `run`, `stats`, and `version` subcommands,
// grounded on the pack's cobra command layout but driven by sysmonctl's
// own config and agentproc packages rather than a flag-only surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var buildVersion = "dev"

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sysmonctl",
		Short:         "Host-resident OS monitoring agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newStatsCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), buildVersion)
			return nil
		},
	}
}
