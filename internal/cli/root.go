package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/soyeahso/backoffice/internal/config"
	"github.com/soyeahso/backoffice/internal/logging"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string

	// loaded at init time
	paths    config.Paths
	cfg      config.Config
	cfgErr   error
	log      *logging.Logger
	closeLog = func() error { return nil }
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backoffice",
		Short: "Back-office console for the wellness service",
		Long: "backoffice signs staff in, shows the dashboard and resource lists, and handles\n" +
			"customer chats in real time. It also runs the reference chat relay.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			paths, err = config.ResolvePaths()
			if err != nil {
				return err
			}
			if cfgFile != "" {
				paths.Config = cfgFile
			}
			config.LoadDotEnv(".env", paths.Env)

			cfg, cfgErr = config.Load(paths.Config)
			if cfgErr != nil {
				cfg = config.Defaults()
			}
			level := cfg.Logging.Level
			if logLevel != "" {
				level = logLevel
			}
			log, closeLog, err = logging.Open(logging.Options{
				Level:  level,
				Format: cfg.Logging.ConsoleStyle,
				File:   cfg.Logging.File,
			})
			if err != nil {
				return err
			}
			if cfgErr != nil {
				log.Warn().Err(cfgErr).Str("path", paths.Config).Msg("config not loaded, using defaults")
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return closeLog()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.backoffice/config.yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error, fatal, silent)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newDashboardCmd())
	cmd.AddCommand(newChatCmd())
	cmd.AddCommand(newUsersCmd())
	cmd.AddCommand(newOrdersCmd())
	cmd.AddCommand(newConsultationsCmd())
	cmd.AddCommand(newUpdatesCmd())
	cmd.AddCommand(newRelayCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command's
// context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}
