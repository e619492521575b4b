// Command phasegate runs the regulatory test cycle workflow service and its
// operational subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Populated via -ldflags at release build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error:")+" "+err.Error())
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "phasegate",
		Short: "Test cycle workflow engine for regulatory compliance testing",
		Long: `phasegate manages report testing workflows across the eight phases of a
regulatory test cycle, from Planning through Testing Report. It enforces
phase dependencies and completion requirements, tracks SLA compliance, and
keeps a tamper-evident audit chain of every transition.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default: phasegate.yaml in ., ./configs, /etc/phasegate)")

	cmd.AddCommand(
		newServeCommand(&configPath),
		newMigrateCommand(&configPath),
		newStatusCommand(&configPath),
		newSLACommand(&configPath),
		newAuditCommand(&configPath),
		newVersionCommand(),
	)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "phasegate %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
