// Package cli implements the patchtest command line.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haatos/patchtest/internal"
	"github.com/haatos/patchtest/internal/logging"
	"github.com/haatos/patchtest/internal/security"
	"github.com/haatos/patchtest/internal/settings"
)

type globalOptions struct {
	configPath string
	dbPath     string
	logLevel   string
}

// NewRootCmd returns the patchtest command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	opts := new(globalOptions)

	cmd := &cobra.Command{
		Use:   "patchtest",
		Short: "Test mailing list patches against a known good baseline",
		Long: `patchtest establishes baselines of git repositories, imports new
patches from Patchwork projects, tests every patch on top of the current
baseline with an executor and records the verdicts in SQLite.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := settings.ReadDotenv(internal.DotEnvPath); err != nil {
				return fmt.Errorf("reading %s: %w", internal.DotEnvPath, err)
			}
			settings.Settings = settings.NewSettings()
			if opts.configPath != "" {
				settings.Settings.ConfigPath = opts.configPath
			}
			if opts.dbPath != "" {
				settings.Settings.SQLiteDatabase = "file:" + opts.dbPath
			}
			if opts.logLevel != "" {
				settings.Settings.LogLevel = opts.logLevel
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "configuration file (default $PATCHTEST_CONFIG or patchtest.yml)")
	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "SQLite database path (default $PATCHTEST_DB_PATH)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")

	cmd.AddCommand(MigrateCmd())
	cmd.AddCommand(BaselineCmd())
	cmd.AddCommand(SyncCmd())
	cmd.AddCommand(TestInfoCmd())
	cmd.AddCommand(ServeCmd())
	cmd.AddCommand(EncryptCmd())

	return cmd
}

func newLogger() *slog.Logger {
	return logging.New(os.Stderr, settings.Settings.LogLevel, settings.Settings.LogFormat)
}

// loadConfiguration reads the configuration file and decrypts its secrets
// with the secret key, when one is set.
func loadConfiguration() (*internal.Configuration, error) {
	cfg, err := internal.LoadConfiguration(settings.Settings.ConfigPath)
	if err != nil {
		return nil, err
	}
	var encrypter security.Encrypter
	if settings.Settings.SecretKey != "" {
		encrypter = security.NewAESEncrypter([]byte(settings.Settings.SecretKey))
	}
	if err := cfg.DecryptSecrets(encrypter); err != nil {
		return nil, fmt.Errorf("decrypting configuration secrets: %w", err)
	}
	internal.Config = cfg
	return cfg, nil
}

// openApp loads the configuration and wires the application.
func openApp(ctx context.Context) (*App, error) {
	cfg, err := loadConfiguration()
	if err != nil {
		return nil, err
	}
	return NewApp(ctx, settings.Settings, cfg, newLogger())
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
