package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zsprackett/notify-overlay/internal/config"
	"github.com/zsprackett/notify-overlay/internal/event"
	"github.com/zsprackett/notify-overlay/internal/events"
	"github.com/zsprackett/notify-overlay/internal/monitor"
	"github.com/zsprackett/notify-overlay/internal/notify"
	"github.com/zsprackett/notify-overlay/internal/overlay"
	"github.com/zsprackett/notify-overlay/internal/presenter"
	"github.com/zsprackett/notify-overlay/internal/rules"
	"github.com/zsprackett/notify-overlay/internal/transport"
	"github.com/zsprackett/notify-overlay/internal/webserver"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the overlay (default command)",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if err := config.EnsureJWTSecret(flagConfig, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not persist JWT secret: %v\n", err)
	}
	logger, logCloser := initLogger(cfg, cfg.Console)
	defer logCloser.Close()

	store, err := openDB()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	live, err := loadRules(ctx, cfg, logger)
	if err != nil {
		return err
	}
	policy, err := presenter.ParsePolicy(cfg.Presenter.Policy)
	if err != nil {
		return err
	}
	source, err := buildSource(cfg, logger)
	if err != nil {
		return err
	}
	webCfg, err := webserverConfig(cfg)
	if err != nil {
		return err
	}

	var web *webserver.Server
	svc, err := overlay.New(overlay.Options{
		Source:    source,
		Decoder:   event.NewDecoder(cfg.Decoder.KindField, cfg.Decoder.MessagePaths...),
		Rules:     live,
		Policy:    policy,
		QueueSize: cfg.Presenter.QueueSize,
		Store:     store,
		Notifier: notify.New(notify.Config{
			Enabled: cfg.Hooks.Enabled,
			Webhook: cfg.Hooks.Webhook,
			NtfyURL: cfg.Hooks.NtfyURL,
		}, logger),
		Broadcaster: events.Func(func(e events.Event) { web.Broadcast(e) }),
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	web = webserver.New(store, svc, live, webCfg, logger)
	if err := web.Start(); err != nil {
		return err
	}

	mon := monitor.New(store, time.Hour, logger)
	mon.Start()
	defer mon.Stop()

	svc.Start(ctx)
	logger.Info("overlay started",
		"source", cfg.Source.Kind,
		"policy", string(policy),
		"rules", len(live.Table().Recipes()),
	)
	<-ctx.Done()

	logger.Info("shutting down")
	svc.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return web.Shutdown(shutdownCtx)
}

// loadRules returns the built-in table, or the configured rules file kept
// up to date by a watcher for the lifetime of ctx.
func loadRules(ctx context.Context, cfg config.Config, logger *slog.Logger) (*rules.Live, error) {
	if cfg.RulesFile == "" {
		return rules.NewLive(rules.Default()), nil
	}
	tbl, err := rules.LoadFile(cfg.RulesFile)
	if err != nil {
		return nil, err
	}
	live := rules.NewLive(tbl)
	go func() {
		if err := live.Watch(ctx, cfg.RulesFile, logger); err != nil {
			logger.Error("rules: watcher stopped", "err", err)
		}
	}()
	return live, nil
}

func buildSource(cfg config.Config, logger *slog.Logger) (transport.Source, error) {
	minWait, err := config.ParseDuration("source.reconnectMin", cfg.Source.ReconnectMin, time.Second)
	if err != nil {
		return nil, err
	}
	maxWait, err := config.ParseDuration("source.reconnectMax", cfg.Source.ReconnectMax, 30*time.Second)
	if err != nil {
		return nil, err
	}
	switch cfg.Source.Kind {
	case "", "websocket":
		return transport.NewClient(cfg.Source.URL, minWait, maxWait, logger), nil
	case "mqtt":
		return transport.NewMQTTSource(cfg.Source.Broker, cfg.Source.Topic, cfg.Source.ClientID, maxWait, logger), nil
	case "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
}

func webserverConfig(cfg config.Config) (webserver.Config, error) {
	w := cfg.Webserver
	access, err := config.ParseDuration("webserver.auth.accessTokenTTL", w.Auth.AccessTokenTTL, 15*time.Minute)
	if err != nil {
		return webserver.Config{}, err
	}
	refresh, err := config.ParseDuration("webserver.auth.refreshTokenTTL", w.Auth.RefreshTokenTTL, 7*24*time.Hour)
	if err != nil {
		return webserver.Config{}, err
	}
	cacheDir := w.TLS.CacheDir
	if cacheDir == "" {
		cacheDir = config.CertsDir()
	}
	return webserver.Config{
		Enabled: w.Enabled,
		Port:    w.Port,
		Host:    w.Host,
		TLS: webserver.TLSConfig{
			Mode:     w.TLS.Mode,
			CertFile: w.TLS.CertFile,
			KeyFile:  w.TLS.KeyFile,
			CacheDir: cacheDir,
		},
		Auth: webserver.AuthConfig{
			Enabled:         w.Auth.Enabled,
			JWTSecret:       w.Auth.JWTSecret,
			AccessTokenTTL:  access,
			RefreshTokenTTL: refresh,
		},
		IngestPerSec: w.IngestPerSec,
		IngestBurst:  w.IngestBurst,
		AssetsDir:    w.AssetsDir,
	}, nil
}
