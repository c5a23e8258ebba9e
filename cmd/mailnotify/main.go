package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tracyhatemice/mailnotify/internal/config"
	"github.com/tracyhatemice/mailnotify/internal/credential"
)

const keyringPasswordEnv = "MAILNOTIFY_KEYRING_PASSWORD"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "mailnotify",
		Short:         "Watch mailboxes and relay new mail as chat notifications",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")
	cmd.AddCommand(
		runCmd(&configPath),
		statusCmd(&configPath),
		purgeCmd(&configPath),
		handledCmd(&configPath),
	)
	return cmd
}

// loadConfig reads the configuration and resolves keyring passwords.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if credential.NeedsKeyring(cfg.Accounts) {
		ring, err := credential.Open(cfg.DataDir, os.Getenv(keyringPasswordEnv))
		if err != nil {
			return nil, err
		}
		if err := credential.Resolve(ring, cfg.Accounts); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
