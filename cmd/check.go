package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/isometry/ad-dirsync/internal/ldap"
	"github.com/isometry/ad-dirsync/internal/logging"
)

var errDirSyncUnsupported = errors.New("server does not advertise the DirSync control")

func newCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Bind to the directory and verify it can serve the configured sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := a.load(cmd)
			if err != nil {
				return err
			}

			dir, err := a.dial(ctx, cfg.LDAP.ToConnectionConfig())
			if err != nil {
				return fmt.Errorf("connect to directory: %w", err)
			}
			defer dir.Close()

			if err := dir.Ping(ctx); err != nil {
				return fmt.Errorf("ping directory: %w", err)
			}

			info, err := dir.GetServerInfo(ctx)
			if err != nil {
				return err
			}
			whoami, err := dir.WhoAmI(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "server:           %s\n", info.DNSHostName)
			fmt.Fprintf(out, "naming context:   %s\n", info.DefaultNamingContext)
			fmt.Fprintf(out, "highest USN:      %s\n", info.HighestCommittedUSN)
			fmt.Fprintf(out, "LDAP versions:    %s\n", strings.Join(info.SupportedLDAPVersions, ", "))
			fmt.Fprintf(out, "bound as:         %s (%s)\n", whoami.AuthzID, whoami.Format)
			fmt.Fprintf(out, "DirSync control:  %t\n", info.SupportsDirSync())

			if !info.SupportsDirSync() {
				return errDirSyncUnsupported
			}

			for _, s := range cfg.Sessions {
				status := "ok"
				within, err := ldap.IsDNWithin(s.BaseDN, info.DefaultNamingContext)
				switch {
				case err != nil:
					status = err.Error()
				case !within:
					status = "outside the default naming context"
					logging.SubsystemWarn(ctx, logging.SubsystemDirSync, "Session base DN is outside the default naming context", map[string]any{
						"session_id":     s.ID,
						"base_dn":        s.BaseDN,
						"naming_context": info.DefaultNamingContext,
					})
				}
				fmt.Fprintf(out, "session %-9s %s: %s\n", s.ID, s.BaseDN, status)
			}
			return nil
		},
	}
}
