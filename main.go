package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zsprackett/notify-overlay/internal/applog"
	"github.com/zsprackett/notify-overlay/internal/config"
	"github.com/zsprackett/notify-overlay/internal/db"
)

var (
	flagConfig  string
	flagEnvFile string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "notify-overlay",
		Short: "Stream overlay for live donation notifications",
		Long: `notify-overlay subscribes to a stream of donation events and presents
each one as a timed graphic, message and optional countdown on a browser
overlay page.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", config.DefaultPath(), "Config file (.json, .yaml or .yml)")
	root.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env", "Env file loaded before reading the environment")

	root.AddCommand(
		newServeCmd(),
		newRelayCmd(),
		newSendCmd(),
		newPreviewCmd(),
		newTwitchCmd(),
		newAddUserCmd(),
		newPasswdCmd(),
	)
	return root
}

// loadConfig reads the config file and applies env overrides. A broken
// config file falls back to defaults with a warning.
func loadConfig() config.Config {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not load config: %v\n", err)
		cfg = config.Defaults()
	}
	if err := config.ApplyEnv(&cfg, flagEnvFile); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	return cfg
}

func initLogger(cfg config.Config, console bool) (*slog.Logger, io.Closer) {
	logger, closer, err := applog.Init(applog.InitConfig{
		LogDir:    cfg.LogDir,
		LogLevel:  cfg.LogLevel,
		LogFormat: cfg.LogFormat,
		KeepDays:  cfg.LogKeepDays,
		Console:   console,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not init log file: %v\n", err)
		return slog.Default(), io.NopCloser(nil)
	}
	return logger, closer
}

func openDB() (*db.DB, error) {
	dbPath := config.DBPath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("could not create data directory: %w", err)
	}
	store, err := db.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return store, nil
}
