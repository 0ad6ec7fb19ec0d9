package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"hookgram/internal/config"
	"hookgram/internal/crypto"
	"hookgram/internal/storage"
	"hookgram/internal/tenant"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "hookgram",
		Short:         "Relay GitHub webhooks to Telegram chats through user-owned bots",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(serveCmd(), migrateCmd(), registerBotCmd(), webhookInfoCmd(), rekeyCmd(), versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println("hookgram", version)
		},
	}
}

// loadConfig reads the environment and configures the global logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg.Log.Level)
	return cfg, nil
}

// openRegistry opens storage and the keyring behind a tenant registry. The
// caller closes the returned store.
func openRegistry(ctx context.Context, cfg *config.Config) (*storage.Store, *tenant.Registry, error) {
	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize storage: %w", err)
	}
	keyring, err := crypto.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("initialize keyring: %w", err)
	}
	reg := tenant.NewRegistry(tenant.Config{
		Store:    store,
		Keyring:  keyring,
		AdminIDs: cfg.AdminUserIDs,
		Logger:   log.Logger,
	})
	return store, reg, nil
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
