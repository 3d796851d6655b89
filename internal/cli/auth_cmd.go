// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-adapter/internal/config"
	"github.com/jeranaias/rigrun-adapter/internal/session"
)

// authResult is the --json payload of the auth command.
type authResult struct {
	SessionID string    `json:"session_id"`
	Email     string    `json:"email"`
	Kind      string    `json:"kind"`
	ExpiresAt time.Time `json:"expires_at"`
	Saved     bool      `json:"saved"`
}

func newAuthCommand(a *app) *cobra.Command {
	var save bool
	cmd := &cobra.Command{
		Use:   "auth [email]",
		Short: "Authenticate against the account backend",
		Long: `Establish an authenticated session. The password is prompted for without
echo. With --save the login is stored in the config file and the adapter
switches to authenticated mode. Saving requires ` + SecretKeyEnv + `
so the password can be sealed.

Examples:
  rigrun-adapter auth you@example.com
  rigrun-adapter auth you@example.com --save`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			store, err := a.openStore()
			if err != nil {
				return err
			}

			if save && a.getenv(SecretKeyEnv) == "" {
				return errNoSecretKey
			}

			email := ""
			if len(args) == 1 {
				email = args[0]
			} else if creds := store.Config().Credentials; creds != nil {
				email = creds.Email
			}
			if email == "" {
				return errors.New("email is required")
			}

			password, err := readSecret(a.stdin, a.stderr, "Password: ")
			if err != nil {
				return err
			}
			if password == "" {
				return errors.New("password is required")
			}

			if save {
				if err := a.saveLogin(email, password); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			svc, err := a.openService(ctx)
			if err != nil {
				return err
			}
			defer svc.Destroy()

			sess, err := svc.Authenticate(ctx, email, password)
			if err != nil {
				return describeError(err)
			}

			res := authResult{
				SessionID: sess.ID,
				Email:     sess.Email,
				Kind:      string(sess.Kind),
				ExpiresAt: sess.ExpiresAt,
				Saved:     save,
			}
			if a.jsonOutput {
				return NewJSONResponse("auth", res).Print(a.stdout)
			}
			printSession(a, sess)
			return nil
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "store the login and switch to authenticated mode")
	return cmd
}

// errNoSecretKey is returned by auth --save when secrets cannot be sealed.
var errNoSecretKey = fmt.Errorf("--save requires %s to be set", SecretKeyEnv)

func (a *app) saveLogin(email, password string) error {
	svc, err := a.newService()
	if err != nil {
		return err
	}
	defer svc.Destroy()

	_, err = svc.UpdateConfiguration(&config.Patch{
		Mode:        config.Ptr(config.ModeAuthenticated),
		Credentials: &config.Credentials{Email: email, Password: password},
	})
	if err != nil {
		return describeError(err)
	}
	fmt.Fprintf(a.stderr, "Login saved to %s\n", a.store.Path())
	return nil
}

func printSession(a *app, sess session.Session) {
	fmt.Fprintf(a.stdout, "Authenticated as %s\n", sess.Email)
	fmt.Fprintf(a.stdout, "Session: %s (%s)\n", sess.ID, sess.Kind)
	fmt.Fprintf(a.stdout, "Expires in: %s\n", formatDuration(sess.TimeToExpiry(time.Now())))
}
