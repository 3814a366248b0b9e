package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/kryptograf/keymgmt"
)

func newLoginCmd() *cobra.Command {
	var cfgPath string
	var email string
	var passwordFromStdin bool
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and cache the session for every tab of the origin",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(email) == "" {
				return errors.New("--email is required")
			}
			password, err := readPassword(cmd, passwordFromStdin)
			if err != nil {
				return err
			}
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
			user, err := tab.SignIn(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s (%s)\n", user.Email, user.Role)
			return err
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	cmd.Flags().BoolVar(&passwordFromStdin, "password-from-stdin", false, "read password from stdin")
	return cmd
}

func readPassword(cmd *cobra.Command, fromStdin bool) (string, error) {
	if fromStdin {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", err
		}
		pass := strings.TrimSpace(string(data))
		if pass == "" {
			return "", errors.New("password from stdin is empty")
		}
		return pass, nil
	}
	passphrase, err := keymgmt.PromptPassphrase(cmd.InOrStdin(), "Password: ", cmd.ErrOrStderr())
	if err != nil {
		return "", err
	}
	if len(passphrase) == 0 {
		return "", errors.New("password is empty")
	}
	return string(passphrase), nil
}
