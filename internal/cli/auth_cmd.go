package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/soyeahso/backoffice/internal/auth"
	"github.com/spf13/cobra"
)

func newLoginCmd() *cobra.Command {
	var (
		team     bool
		email    string
		password string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in as an administrator or team member",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" {
				return errors.New("--email is required")
			}
			if password == "" {
				password = os.Getenv("BACKOFFICE_PASSWORD")
			}
			if password == "" {
				fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("reading password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}

			ctx := cmd.Context()
			return withApp(ctx, cmd.OutOrStdout(), func(a *app) error {
				var sess *auth.Session
				var err error
				if team {
					sess, err = a.sessions.LoginTeam(ctx, email, password)
				} else {
					sess, err = a.sessions.LoginAdmin(ctx, email, password)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Signed in as %s (%s)\n", sess.User.Email, sess.Role)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&team, "team", false, "sign in as a team member")
	cmd.Flags().StringVar(&email, "email", "", "account e-mail")
	cmd.Flags().StringVar(&password, "password", "", "password (default $BACKOFFICE_PASSWORD, else prompt)")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, cmd.OutOrStdout(), func(a *app) error {
				if err := a.sessions.Logout(ctx); err != nil {
					return err
				}
				fmt.Fprintln(a.out, "Signed out")
				return nil
			})
		},
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in account and what it can reach",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cmd.OutOrStdout(), func(a *app) error {
				sess := a.sessions.Current()
				if sess == nil {
					return errNotLoggedIn
				}
				printSession(a, sess)
				return nil
			})
		},
	}
}

func printSession(a *app, sess *auth.Session) {
	name := sess.User.FullName
	if name == "" {
		name = sess.User.Email
	}
	fmt.Fprintf(a.out, "User:     %s <%s>\n", name, sess.User.Email)
	fmt.Fprintf(a.out, "Role:     %s\n", sess.Role)
	if !sess.ExpiresAt.IsZero() {
		fmt.Fprintf(a.out, "Expires:  %s\n", humanize.Time(sess.ExpiresAt))
	}

	var views []string
	for _, f := range auth.Features() {
		if auth.Navigate(sess, f).Redirected {
			continue
		}
		mark := string(f)
		if !sess.Can(f, auth.Write) && f != auth.DefaultView {
			mark += " (read-only)"
		}
		views = append(views, mark)
	}
	fmt.Fprintf(a.out, "Views:    %s\n", strings.Join(views, ", "))
}
