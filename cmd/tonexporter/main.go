// Package main provides the entry point for the tonexporter CLI.
package main

import (
	"fmt"
	"os"

	// Sets GOMEMLIMIT from the cgroup memory limit at startup.
	_ "github.com/KimMachineGun/automemlimit"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/tonexporter/cmd/tonexporter/commands"
	"github.com/Sumatoshi-tech/tonexporter/pkg/version"
)

func main() {
	version.InitBinaryVersion()

	err := newRootCommand().Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	app := &commands.App{}

	rootCmd := &cobra.Command{
		Use:   "tonexporter",
		Short: "Export blocks from a TON node's archive",
		Long: `tonexporter reads the archive packages of a TON node database and exports
every block as a line of hex or parsed fields. Exports are resumable.

Commands:
  export    Export blocks to a file, stdout, or count them in-process
  status    Show the checkpoint of an unfinished export
  packages  List archive packages`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	app.RegisterFlags(rootCmd)

	rootCmd.AddCommand(commands.NewExportCommand(app))
	rootCmd.AddCommand(commands.NewStatusCommand(app))
	rootCmd.AddCommand(commands.NewPackagesCommand(app))
	rootCmd.AddCommand(commands.NewLastCommand(app))
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
