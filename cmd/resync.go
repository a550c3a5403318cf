package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/isometry/ad-dirsync/internal/logging"
)

func newResyncCmd(a *app) *cobra.Command {
	var confirm bool

	resyncCmd := &cobra.Command{
		Use:   "resync <session>",
		Short: "Discard a session's checkpoint so the next poll is a full synchronisation",
		Long: "resync deletes the stored cookie of a session. A running ad-dirsync waiting on the " +
			"session notices the deletion and restarts it with a full synchronisation. Every object " +
			"in scope is emitted again, so --confirm is required.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			ctx, cfg, err := a.load(cmd)
			if err != nil {
				return err
			}
			if _, ok := cfg.Session(id); !ok {
				return fmt.Errorf("session %q is not configured", id)
			}
			if !confirm {
				return fmt.Errorf("refusing to discard the checkpoint of session %s without --confirm", id)
			}

			store, err := a.store(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Delete(ctx, id); err != nil {
				return fmt.Errorf("delete checkpoint: %w", err)
			}

			logging.SubsystemInfo(ctx, logging.SubsystemStore, "Checkpoint deleted by operator", map[string]any{
				"session_id": id,
			})
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "checkpoint for session %s removed; the next poll is a full synchronisation\n", id)
			return err
		},
	}

	resyncCmd.Flags().BoolVar(&confirm, "confirm", false, "confirm that a full resynchronisation may start")
	return resyncCmd
}
