// Package cmd implements the ad-dirsync command line.
package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

func Execute(ctx context.Context) error {
	return newRootCmd(wireApp()).ExecuteContext(ctx)
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ad-dirsync",
		Short: "Incremental Active Directory change feed over DirSync",
		Long: "ad-dirsync polls Active Directory with the DirSync control, keeps the resumption " +
			"cookie of every session durably, and writes each change once as a JSON line.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "configuration file (default ./ad-dirsync.yaml or /etc/ad-dirsync/ad-dirsync.yaml)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override the configured log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newConfigCmd(),
		newRunCmd(a),
		newStatusCmd(a),
		newResyncCmd(a),
		newCheckCmd(a),
	)

	return rootCmd
}
