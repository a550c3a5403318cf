package cmd

import (
	"github.com/spf13/cobra"

	"github.com/isometry/ad-dirsync/internal/dirsync"
	"github.com/isometry/ad-dirsync/internal/logging"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		once     bool
		dryRun   bool
		sessions []string
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Poll the configured sessions and emit changes",
		Long: "run polls every configured session until interrupted. With --once each session is " +
			"polled until the server reports no more data, then the command exits.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := a.load(cmd)
			if err != nil {
				return err
			}

			rt, err := a.openRuntime(ctx, cfg, runOptions{dryRun: dryRun, stdout: cmd.OutOrStdout()})
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(); err != nil {
					logging.SubsystemWarn(ctx, logging.SubsystemDirSync, "Failed to close resources", map[string]any{
						"error": err.Error(),
					})
				}
			}()

			cursors, err := rt.cursors(cfg, sessions)
			if err != nil {
				return err
			}

			if once {
				return dirsync.PollAll(ctx, cursors...)
			}
			return dirsync.RunAll(ctx, cursors...)
		},
	}

	runCmd.Flags().BoolVar(&once, "once", false, "poll each session until drained, then exit")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "log changes instead of writing them and keep checkpoints in memory")
	runCmd.Flags().StringSliceVarP(&sessions, "session", "s", nil, "limit to the given session ids (repeatable)")

	return runCmd
}
