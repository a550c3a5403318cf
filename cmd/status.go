package cmd

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/isometry/ad-dirsync/internal/config"
	"github.com/isometry/ad-dirsync/internal/dirsync"
)

// cookiePreviewLength bounds the base64 cookie shown in the table.
const cookiePreviewLength = 24

type sessionStatus struct {
	SessionID      string     `json:"session_id"`
	State          string     `json:"state"`
	Configured     bool       `json:"configured"`
	PolledAt       *time.Time `json:"polled_at,omitempty"`
	Cookie         string     `json:"cookie,omitempty"`
	CookieBytes    int        `json:"cookie_bytes"`
	ResyncRequired bool       `json:"resync_required"`
}

func newStatusCmd(a *app) *cobra.Command {
	var asJSON bool

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stored checkpoint of every session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := a.load(cmd)
			if err != nil {
				return err
			}

			store, err := a.store(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			checkpoints, err := store.List(ctx)
			if err != nil {
				return fmt.Errorf("list checkpoints: %w", err)
			}

			statuses := buildStatuses(cfg, checkpoints)
			if asJSON {
				data, err := json.MarshalIndent(statuses, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			}
			return writeStatusTable(cmd, statuses)
		},
	}

	statusCmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return statusCmd
}

// buildStatuses lists configured sessions in configuration order, followed
// by stored checkpoints that no session claims.
func buildStatuses(cfg *config.Config, checkpoints []dirsync.Checkpoint) []sessionStatus {
	stored := make(map[string]dirsync.Checkpoint, len(checkpoints))
	for _, cp := range checkpoints {
		stored[cp.SessionID] = cp
	}

	statuses := make([]sessionStatus, 0, len(cfg.Sessions)+len(checkpoints))
	for _, s := range cfg.Sessions {
		cp, found := stored[s.ID]
		statuses = append(statuses, newSessionStatus(s.ID, true, cp, found))
		delete(stored, s.ID)
	}

	orphans := make([]string, 0, len(stored))
	for id := range stored {
		orphans = append(orphans, id)
	}
	slices.Sort(orphans)
	for _, id := range orphans {
		statuses = append(statuses, newSessionStatus(id, false, stored[id], true))
	}
	return statuses
}

func newSessionStatus(id string, configured bool, cp dirsync.Checkpoint, found bool) sessionStatus {
	st := sessionStatus{SessionID: id, Configured: configured}
	switch {
	case !found:
		st.State = "never_polled"
		return st
	case cp.ResyncRequired:
		st.State = "resync_required"
	case !configured:
		st.State = "orphaned"
	default:
		st.State = "synced"
	}

	st.ResyncRequired = cp.ResyncRequired
	st.CookieBytes = len(cp.Cookie)
	if !cp.Cookie.IsEmpty() {
		st.Cookie = cp.Cookie.String()
	}
	if !cp.PolledAt.IsZero() {
		polledAt := cp.PolledAt.UTC()
		st.PolledAt = &polledAt
	}
	return st
}

func writeStatusTable(cmd *cobra.Command, statuses []sessionStatus) error {
	out := cmd.OutOrStdout()
	renderer := lipgloss.NewRenderer(out)
	header := renderer.NewStyle().Bold(true).Padding(0, 1)
	cell := renderer.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(renderer.NewStyle().Faint(true)).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		}).
		Headers("SESSION", "STATE", "POLLED", "COOKIE")

	for _, st := range statuses {
		polled := "-"
		if st.PolledAt != nil {
			polled = st.PolledAt.Format(time.RFC3339)
		}
		cookie := "-"
		if st.Cookie != "" {
			cookie = fmt.Sprintf("%s (%d bytes)", preview(st.Cookie), st.CookieBytes)
		}
		t.Row(st.SessionID, strings.ToUpper(st.State), polled, cookie)
	}

	_, err := fmt.Fprintln(out, t.Render())
	return err
}

func preview(s string) string {
	if len(s) <= cookiePreviewLength {
		return s
	}
	return s[:cookiePreviewLength] + "..."
}
