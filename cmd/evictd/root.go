package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tillpoint/evictor/pkg/cli"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configFile string
	logLevel   string
	output     string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "evictd",
		Short: "evictd - retention and eviction manager for the local document store",
		Long: `evictd enforces per-collection retention on a device's synchronized
document store.

It resolves the active retention config (published for the location, or
local to the device), keeps sync subscriptions limited to documents within
their TTL, runs eviction queries on a schedule outside the no-evict window
and records every attempt in an audit log.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "config file path (defaults and EVICTOR_* variables when empty)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	root.PersistentFlags().StringVarP(&flags.output, "output", "o", "text", "output format: text, json")

	root.AddCommand(
		newRunCmd(flags),
		newEvictCmd(flags),
		newAuditCmd(flags),
		newConfigCmd(flags),
		newStatusCmd(flags),
		newVersionCmd(),
		newCompletionCmd(),
	)
	return root
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return cli.ExitCode(err)
	}
	return cli.ExitOK
}
