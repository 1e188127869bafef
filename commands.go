package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/zsprackett/notify-overlay/internal/config"
	"github.com/zsprackett/notify-overlay/internal/event"
	"github.com/zsprackett/notify-overlay/internal/transport"
	"github.com/zsprackett/notify-overlay/internal/twitch"
	"github.com/zsprackett/notify-overlay/internal/ui"
)

func newRelayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Run the websocket relay producers publish to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			logger, logCloser := initLogger(cfg, cfg.Console)
			defer logCloser.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			addr := fmt.Sprintf("%s:%d", cfg.Relay.Host, cfg.Relay.Port)
			srv := &http.Server{
				Addr:              addr,
				Handler:           transport.NewRelay(cfg.Relay.RatePerSec, cfg.Relay.Burst, logger),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe() }()
			logger.Info("relay: listening", "addr", addr)

			select {
			case err := <-errc:
				return fmt.Errorf("relay: %w", err)
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}

func newSendCmd() *cobra.Command {
	var url string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send <kind> <message...>",
		Short: "Publish one event to the relay",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if url == "" {
				url = cfg.Source.URL
			}
			payload := event.Encode(event.Record{
				Kind:    args[0],
				Message: strings.Join(args[1:], " "),
			}, cfg.Decoder.KindField)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := transport.Send(ctx, url, payload); err != nil {
				return err
			}
			fmt.Printf("sent: %s\n", payload)
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Relay URL (default: source.url from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait for the relay echo")
	return cmd
}

func newPreviewCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Show the live overlay state in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			// The TUI owns the terminal; log to file only.
			logger, logCloser := initLogger(cfg, false)
			defer logCloser.Close()

			if url == "" {
				scheme := "ws"
				if cfg.Webserver.TLS.Mode != "" {
					scheme = "wss"
				}
				url = fmt.Sprintf("%s://%s:%d/ws", scheme, cfg.Webserver.Host, cfg.Webserver.Port)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return ui.NewApp(url, logger).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "State feed URL (default: the configured webserver's /ws)")
	return cmd
}

func newTwitchCmd() *cobra.Command {
	var flags config.TwitchConfig
	cmd := &cobra.Command{
		Use:   "twitch",
		Short: "Forward every relay message to a Twitch channel's chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			logger, logCloser := initLogger(cfg, cfg.Console)
			defer logCloser.Close()

			tc, url, err := twitchSettings(cfg, flags, cmd.Flags().Changed("tls"))
			if err != nil {
				return err
			}
			minWait, err := config.ParseDuration("source.reconnectMin", cfg.Source.ReconnectMin, time.Second)
			if err != nil {
				return err
			}
			maxWait, err := config.ParseDuration("source.reconnectMax", cfg.Source.ReconnectMax, 30*time.Second)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger.Info("twitch: forwarding", "relay", url, "channel", tc.Channel)
			src := transport.NewClient(url, minWait, maxWait, logger)
			return twitch.NewForwarder(tc, src, logger).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&flags.RelayURL, "ws-uri", "", "Relay URL (or WS_URI; default: source.url from config)")
	cmd.Flags().StringVar(&flags.Nick, "nick", "", "Twitch nick (or TWITCH_NICK)")
	cmd.Flags().StringVar(&flags.Token, "token", "", "Twitch OAuth token (or TWITCH_OAUTH)")
	cmd.Flags().StringVar(&flags.Channel, "channel", "", "Twitch channel without '#' (or TWITCH_CHANNEL)")
	cmd.Flags().BoolVar(&flags.TLS, "tls", false, "Use TLS for Twitch IRC (or TWITCH_TLS=1)")
	cmd.Flags().IntVar(&flags.Port, "port", 0, "Twitch IRC port (default 6697 with TLS, 6667 without)")
	return cmd
}

// twitchSettings merges command-line flags over the configured twitch
// section and returns the forwarder config plus the relay URL.
func twitchSettings(cfg config.Config, flags config.TwitchConfig, tlsSet bool) (twitch.Config, string, error) {
	tw := cfg.Twitch
	if flags.RelayURL != "" {
		tw.RelayURL = flags.RelayURL
	}
	if flags.Nick != "" {
		tw.Nick = flags.Nick
	}
	if flags.Token != "" {
		tw.Token = flags.Token
	}
	if flags.Channel != "" {
		tw.Channel = flags.Channel
	}
	if tlsSet {
		tw.TLS = flags.TLS
	}
	if flags.Port != 0 {
		tw.Port = flags.Port
	}
	url := tw.RelayURL
	if url == "" {
		url = cfg.Source.URL
	}
	gap, err := config.ParseDuration("twitch.sendGap", tw.SendGap, 500*time.Millisecond)
	if err != nil {
		return twitch.Config{}, "", err
	}
	tc := twitch.Config{
		TLS:     tw.TLS,
		Nick:    tw.Nick,
		Token:   tw.Token,
		Channel: tw.Channel,
		SendGap: gap,
	}
	if tw.Port != 0 {
		tc.Addr = net.JoinHostPort(twitch.DefaultHost, strconv.Itoa(tw.Port))
	}
	if err := tc.Validate(); err != nil {
		return twitch.Config{}, "", fmt.Errorf("%w (set TWITCH_NICK, TWITCH_OAUTH and TWITCH_CHANNEL or pass the flags)", err)
	}
	return tc, url, nil
}

func readPassword(prompt string) ([]byte, error) {
	fmt.Print(prompt)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return nil, err
	}
	if len(pw) == 0 {
		return nil, errors.New("empty password")
	}
	return pw, nil
}

func newAddUserCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "adduser <username>",
		Short: "Create an account for the control API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := args[0]
			pw, err := readPassword(fmt.Sprintf("Password for %s: ", username))
			if err != nil {
				return err
			}
			hash, err := bcrypt.GenerateFromPassword(pw, bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			store, err := openDB()
			if err != nil {
				return err
			}
			defer store.Close()
			if _, err := store.CreateAccount(username, string(hash)); err != nil {
				return fmt.Errorf("creating account: %w", err)
			}
			fmt.Printf("Account created: %s\n", username)
			return nil
		},
	}
}

func newPasswdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "passwd <username>",
		Short: "Change an account password and revoke its sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := args[0]
			pw, err := readPassword(fmt.Sprintf("New password for %s: ", username))
			if err != nil {
				return err
			}
			hash, err := bcrypt.GenerateFromPassword(pw, bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			store, err := openDB()
			if err != nil {
				return err
			}
			defer store.Close()
			acc, err := store.GetAccountByUsername(username)
			if err != nil {
				return fmt.Errorf("user not found: %w", err)
			}
			if err := store.UpdateAccountPassword(acc.ID, string(hash)); err != nil {
				return err
			}
			if err := store.DeleteRefreshTokensByAccount(acc.ID); err != nil {
				return err
			}
			fmt.Printf("Password updated: %s (all sessions invalidated)\n", username)
			return nil
		},
	}
}
