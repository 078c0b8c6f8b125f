package main

import (
	"bufio"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/4xmen/goftegu/internal/api"
	"github.com/4xmen/goftegu/internal/auth"
	"github.com/4xmen/goftegu/internal/db"
)

func newLoginCmd(a *app) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Log in and remember the session on this machine",
		Long: `Log in with a username and password. Without --password the
password is read from the first line of standard input.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return errors.New("password required")
				}
				password = strings.TrimRight(line, "\r\n")
			}

			client := api.New(a.cfg.APIBaseURL,
				api.WithHTTPClient(&http.Client{Timeout: a.cfg.RequestTimeout}),
				api.WithLogger(a.log.Named("api")))
			res, err := client.Login(cmd.Context(), args[0], password)
			if err != nil {
				if api.IsStatus(err, http.StatusUnauthorized) {
					return errors.New(a.tr("invalid username or password"))
				}
				return a.userError(err, "")
			}

			user := res.User
			if user.ID == "" {
				if user, err = auth.ParseIdentity(res.Token); err != nil {
					return errors.Wrap(err, "read session token")
				}
			}

			store, err := a.sessionStore()
			if err != nil {
				return err
			}
			if err := store.SaveSession(cmd.Context(), db.Session{Token: res.Token, User: user}); err != nil {
				return err
			}
			a.log.Info("logged in", zap.String("user_id", user.ID))
			fmt.Fprintf(a.out, "Logged in as %s (%s)\n", user.Name, user.Role)
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (read from stdin when empty)")
	return cmd
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.sessionStore()
			if err != nil {
				return err
			}
			if err := store.ClearSession(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "Logged out")
			return nil
		},
	}
}

func newWhoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the stored session's user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.sessionStore()
			if err != nil {
				return err
			}
			session, err := store.LoadSession(cmd.Context())
			if err != nil {
				return a.userError(err, "")
			}
			u := session.User
			verified := ""
			if u.Verified {
				verified = " ✓"
			}
			fmt.Fprintf(a.out, "%s%s\n", u.Name, verified)
			fmt.Fprintf(a.out, "  id   : %s\n", u.ID)
			fmt.Fprintf(a.out, "  role : %s\n", u.Role)
			fmt.Fprintf(a.out, "  since: %s\n", session.SavedAt.Format("2006-01-02 15:04"))
			return nil
		},
	}
}
