package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/soyeahso/backoffice/internal/config"
	"github.com/soyeahso/backoffice/internal/version"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration, paths and the signed-in account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, version.Info())
			fmt.Fprintln(out)

			fmt.Fprintf(out, "Config:  %s\n", paths.Config)
			fmt.Fprintf(out, "Data:    %s\n", paths.Data)
			fmt.Fprintf(out, "Logs:    %s\n", paths.Logs)
			fmt.Fprintln(out)

			if cfgErr != nil {
				fmt.Fprintf(out, "Config:  error loading: %v\n", cfgErr)
			} else if _, err := os.Stat(paths.Config); errors.Is(err, fs.ErrNotExist) {
				fmt.Fprintln(out, "Config:  not found (using defaults)")
			}

			fmt.Fprintf(out, "API:     %s (timeout %s)\n", cfg.API.BaseURL, cfg.API.Timeout())
			if u, err := cfg.API.ResolvedSocketURL(); err == nil {
				fmt.Fprintf(out, "Socket:  %s reconnect=%v\n", u, cfg.Chat.ReconnectEnabled())
			} else {
				fmt.Fprintf(out, "Socket:  %v\n", err)
			}
			fmt.Fprintf(out, "Session: store=%s\n", cfg.Session.Store)
			if img, media, err := cfg.Attachments.Limits(); err == nil {
				fmt.Fprintf(out, "Uploads: images ≤ %s, video/pdf ≤ %s\n",
					humanize.IBytes(uint64(img)), humanize.IBytes(uint64(media)))
			}
			secret := "unset"
			if cfg.Relay.Auth.Secret != "" {
				secret = "set"
			}
			fmt.Fprintf(out, "Relay:   %s tls=%v secret=%s\n", cfg.Relay.ListenAddr(), cfg.Relay.TLS.Enabled, secret)

			err := withApp(cmd.Context(), out, func(a *app) error {
				if sess := a.sessions.Current(); sess != nil {
					fmt.Fprintf(out, "User:    %s (%s), expires %s\n", sess.User.Email, sess.Role, humanize.Time(sess.ExpiresAt))
				} else {
					fmt.Fprintln(out, "User:    not signed in")
				}
				return nil
			})
			if err != nil {
				fmt.Fprintf(out, "User:    %v\n", err)
			}

			if issues := config.Validate(&cfg); len(issues) > 0 {
				fmt.Fprintf(out, "\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Fprintf(out, "  - %s\n", issue)
				}
			}
			return nil
		},
	}
}
