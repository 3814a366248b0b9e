package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/statusdesk"
)

func newStatusCmd() *cobra.Command {
	var cfgPath string
	var offline bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the cached identity and session of the origin",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd.Context(), cfgPath)
			if err != nil {
				return err
			}
			defer e.Close()
			deps := e.tabDeps(nil, nil, nil)
			if offline {
				deps.Auth = nil
			}
			tab, err := e.openTab(cmd.Context(), deps)
			if err != nil {
				return err
			}
			defer tab.Close()
			waitSettled(cmd.Context(), tab, e.cfg.Timing.LoadingCeiling())
			return writeStatus(cmd.OutOrStdout(), tab)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&offline, "offline", false, "skip revalidation with the auth service")
	return cmd
}

// waitSettled blocks until the tab finished its initial identity resolution.
func waitSettled(ctx context.Context, tab *statusdesk.Tab, ceiling time.Duration) {
	deadline := time.Now().Add(ceiling + time.Second)
	for tab.Loading() && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func writeStatus(w io.Writer, tab *statusdesk.Tab) error {
	lines := []string{
		fmt.Sprintf("tab:       %s", tab.TabID()),
		fmt.Sprintf("phase:     %s", tab.Phase()),
		fmt.Sprintf("route:     %s", tab.Page().Route()),
	}
	if user, ok := tab.User(); ok {
		lines = append(lines, fmt.Sprintf("user:      %s (%s)", user.Email, user.Role))
		if user.TeamName != "" {
			lines = append(lines, fmt.Sprintf("team:      %s", user.TeamName))
		}
	} else {
		lines = append(lines, "user:      signed out")
	}
	if _, ok := tab.GetAuthToken(); ok {
		token := "present"
		if claims, ok := tab.TokenClaims(); ok {
			if !claims.ExpiresAt.IsZero() {
				token = fmt.Sprintf("present, expires %s", claims.ExpiresAt.Format(time.RFC3339))
			}
			if claims.Expired(time.Now()) {
				token += " (expired)"
			}
		}
		lines = append(lines, "token:     "+token)
	} else {
		lines = append(lines, "token:     none")
	}
	lines = append(lines, fmt.Sprintf("returning: %t", tab.IsReturningFromTabSwitch()))
	if record, ok := tab.RestoreTabState(); ok {
		lines = append(lines, fmt.Sprintf("last tab:  %s %s at %s", record.TabID, record.Route, record.LastActive.Format(time.RFC3339)))
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
