package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/backoffice/internal/auth"
	"github.com/soyeahso/backoffice/internal/config"
	"github.com/soyeahso/backoffice/internal/hooks"
	"github.com/soyeahso/backoffice/internal/relay"
	"github.com/soyeahso/backoffice/internal/store"
	"github.com/spf13/cobra"
	"github.com/tillberg/autorestart"
)

func newRelayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the reference chat relay",
	}

	cmd.AddCommand(newRelayRunCmd())
	cmd.AddCommand(newRelayTokenCmd())
	return cmd
}

func newRelayRunCmd() *cobra.Command {
	var (
		port  int
		bind  string
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the relay: chat REST endpoints, media and the live socket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgErr != nil {
				return cfgErr
			}
			rc := cfg.Relay
			if port != 0 {
				rc.Port = port
			}
			if bind != "" {
				rc.Bind = bind
			}

			check := cfg
			check.Relay = rc
			if issues := config.Validate(&check); len(issues) > 0 {
				for _, issue := range issues {
					log.Error().Str("path", issue.Path).Msg(issue.Message)
				}
				return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
			}

			if err := paths.EnsureDirs(); err != nil {
				return err
			}
			if rc.Database == "" {
				rc.Database = filepath.Join(paths.Data, "relay.db")
			}
			if rc.MediaDir == "" {
				rc.MediaDir = paths.Media
			}
			if err := os.MkdirAll(rc.MediaDir, 0o700); err != nil {
				return fmt.Errorf("creating media directory: %w", err)
			}
			limits, err := attachmentLimits()
			if err != nil {
				return err
			}

			db, err := store.Open(rc.Database, log)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer db.Close()
			log.Info().Str("path", rc.Database).Msg("using SQLite conversation store")

			hookMgr := hooks.NewManager(log)
			if n := hooks.Register(hookMgr, cfg.Hooks); n > 0 {
				log.Info().Int("hooks", n).Msg("command hooks registered")
			}

			srv, err := relay.New(rc, store.NewConversationStore(db), log,
				relay.WithHooks(hookMgr),
				relay.WithLimits(limits),
			)
			if errors.Is(err, relay.ErrNoSecret) {
				return fmt.Errorf("%w: set relay.auth.secret or BACKOFFICE_RELAY_SECRET", err)
			}
			if err != nil {
				return err
			}

			if watch {
				go autorestart.RestartOnChange()
			}

			return srv.Start(cmd.Context())
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override relay port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (loopback, lan, custom)")
	cmd.Flags().BoolVar(&watch, "watch", false, "restart when the binary changes on disk")
	return cmd
}

// newRelayTokenCmd mints a bearer token signed with the relay secret. It is
// meant for local development against the relay, not for production logins.
func newRelayTokenCmd() *cobra.Command {
	var (
		id    string
		email string
		role  string
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development token the relay accepts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := cfg.Relay.Auth.Secret
			if secret == "" {
				return relay.ErrNoSecret
			}
			r := auth.Role(role)
			if !r.Valid() {
				return fmt.Errorf("unknown role %q", role)
			}
			if id == "" {
				id = uuid.NewString()
			}
			token, err := auth.SignToken(auth.NewClaims(id, email, r, ttl), []byte(secret))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "user id (default random)")
	cmd.Flags().StringVar(&email, "email", "dev@localhost", "e-mail claim")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleAdmin), "role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
