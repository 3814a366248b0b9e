package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/statusdesk"
	"pkt.systems/statusdesk/internal/purge"
)

func newLogoutCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Sign out everywhere and purge cached credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd.Context(), cfgPath)
			if err != nil {
				return err
			}
			defer e.Close()
			tab, err := e.openTab(cmd.Context(), e.tabDeps(nil, nil, nil))
			if err != nil {
				return err
			}
			defer tab.Close()
			waitSettled(cmd.Context(), tab, e.cfg.Timing.LoadingCeiling())
			report := tab.SignOut(cmd.Context())
			waitReload(tab, e.cfg.Timing.ReloadDelay())
			return writeReport(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}

func waitReload(tab *statusdesk.Tab, delay time.Duration) {
	select {
	case <-tab.Reloaded():
	case <-time.After(delay + 2*time.Second):
	}
}

func writeReport(w io.Writer, report purge.Report) error {
	if report.InProgress {
		_, err := fmt.Fprintln(w, "sign-out already in progress")
		return err
	}
	if _, err := fmt.Fprintln(w, "signed out"); err != nil {
		return err
	}
	for _, step := range report.Failures() {
		if _, err := fmt.Fprintf(w, "  step %s: %v\n", step.Step, step.Err); err != nil {
			return err
		}
	}
	if report.Emergency {
		if _, err := fmt.Fprintln(w, "  emergency cleanup ran"); err != nil {
			return err
		}
	}
	if len(report.Survivors) > 0 {
		if _, err := fmt.Fprintf(w, "  removed on re-check: %v\n", report.Survivors); err != nil {
			return err
		}
	}
	return nil
}
