// Package twitch relays payloads from the websocket relay into a Twitch
// channel's chat over IRC.
package twitch

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zsprackett/notify-overlay/internal/transport"
)

const (
	DefaultHost    = "irc.chat.twitch.tv"
	PlainPort      = 6667
	TLSPort        = 6697
	defaultSendGap = 500 * time.Millisecond
)

// ErrClosed is returned by Say once the IRC connection has gone away.
var ErrClosed = errors.New("twitch: connection closed")

type Config struct {
	Addr    string // host:port; defaults to DefaultHost on the port matching TLS
	TLS     bool
	Nick    string
	Token   string // with or without the "oauth:" prefix
	Channel string // without '#'
	SendGap time.Duration
}

func (c Config) Validate() error {
	var missing []string
	if c.Nick == "" {
		missing = append(missing, "nick")
	}
	if c.Token == "" {
		missing = append(missing, "token")
	}
	if c.Channel == "" {
		missing = append(missing, "channel")
	}
	if len(missing) > 0 {
		return fmt.Errorf("twitch: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c Config) addr() string {
	if c.Addr != "" {
		return c.Addr
	}
	port := PlainPort
	if c.TLS {
		port = TLSPort
	}
	return net.JoinHostPort(DefaultHost, fmt.Sprint(port))
}

func (c Config) pass() string {
	if strings.HasPrefix(c.Token, "oauth:") {
		return c.Token
	}
	return "oauth:" + c.Token
}

// Chat is one authenticated IRC session joined to a channel.
type Chat struct {
	channel string
	conn    net.Conn
	limiter *rate.Limiter
	logger  *slog.Logger

	mu   sync.Mutex
	w    *bufio.Writer
	done chan struct{}
	once sync.Once
}

// Dial connects, logs in and joins cfg.Channel. Server PINGs are answered
// until the connection closes.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Chat, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	addr := cfg.addr()
	var conn net.Conn
	var err error
	if cfg.TLS {
		host, _, _ := net.SplitHostPort(addr)
		d := &tls.Dialer{Config: &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("twitch: dial %s: %w", addr, err)
	}

	gap := cfg.SendGap
	if gap <= 0 {
		gap = defaultSendGap
	}
	c := &Chat{
		channel: strings.TrimPrefix(cfg.Channel, "#"),
		conn:    conn,
		limiter: rate.NewLimiter(rate.Every(gap), 1),
		logger:  logger,
		w:       bufio.NewWriter(conn),
		done:    make(chan struct{}),
	}
	err = c.send(
		"PASS "+cfg.pass(),
		"NICK "+cfg.Nick,
		"JOIN #"+c.channel,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("twitch: login: %w", err)
	}
	go c.readLoop()
	logger.Info("twitch: joined", "channel", "#"+c.channel, "nick", cfg.Nick, "addr", addr, "tls", cfg.TLS)
	return c, nil
}

func (c *Chat) send(lines ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range lines {
		if _, err := c.w.WriteString(l + "\r\n"); err != nil {
			return err
		}
	}
	return c.w.Flush()
}

func (c *Chat) readLoop() {
	defer c.Close()
	sc := bufio.NewScanner(c.conn)
	for sc.Scan() {
		line := sc.Text()
		c.logger.Debug("twitch: irc <-", "line", line)
		if param, ok := strings.CutPrefix(line, "PING"); ok {
			if err := c.send("PONG" + param); err != nil {
				c.logger.Warn("twitch: pong failed", "err", err)
				return
			}
		}
	}
	c.logger.Warn("twitch: connection closed by server", "err", sc.Err())
}

// Say posts message to the channel. Sends are spaced by the configured
// gap; line breaks inside message become spaces.
func (c *Chat) Say(ctx context.Context, message string) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	message = strings.Join(strings.Fields(strings.NewReplacer("\r", " ", "\n", " ").Replace(message)), " ")
	if message == "" {
		return nil
	}
	if err := c.send(fmt.Sprintf("PRIVMSG #%s :%s", c.channel, message)); err != nil {
		c.Close()
		return fmt.Errorf("twitch: send: %w", err)
	}
	c.logger.Info("twitch: sent", "channel", "#"+c.channel, "message", message)
	return nil
}

// Done is closed once the connection has gone away.
func (c *Chat) Done() <-chan struct{} { return c.done }

func (c *Chat) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Forwarder pushes every payload from a source into chat, reconnecting to
// IRC with backoff when the session drops.
type Forwarder struct {
	cfg     Config
	source  transport.Source
	backoff transport.Backoff
	logger  *slog.Logger
	chat    *Chat
}

func NewForwarder(cfg Config, source transport.Source, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		cfg:     cfg,
		source:  source,
		backoff: transport.Backoff{Min: time.Second, Max: time.Minute},
		logger:  logger,
	}
}

// Run forwards until ctx is done. A message whose send fails is retried
// once on a fresh connection.
func (f *Forwarder) Run(ctx context.Context) error {
	if err := f.cfg.Validate(); err != nil {
		return err
	}
	defer func() {
		if f.chat != nil {
			f.chat.Close()
		}
	}()
	if !f.connect(ctx) {
		return nil
	}
	return f.source.Run(ctx, func(raw string) { f.forward(ctx, raw) })
}

func (f *Forwarder) forward(ctx context.Context, raw string) {
	for attempt := 0; attempt < 2; attempt++ {
		if !f.connect(ctx) {
			return
		}
		err := f.chat.Say(ctx, raw)
		if err == nil || ctx.Err() != nil {
			return
		}
		f.logger.Warn("twitch: forward failed, reconnecting", "err", err)
		f.chat.Close()
		f.chat = nil
	}
	f.logger.Error("twitch: message dropped", "message", raw)
}

// connect ensures a live session, retrying with backoff. It reports false
// only when ctx ended first.
func (f *Forwarder) connect(ctx context.Context) bool {
	if f.chat != nil {
		select {
		case <-f.chat.Done():
			f.chat = nil
		default:
			return true
		}
	}
	for {
		chat, err := Dial(ctx, f.cfg, f.logger)
		if err == nil {
			f.chat = chat
			f.backoff.Reset()
			return true
		}
		wait := f.backoff.Next()
		f.logger.Warn("twitch: connect failed", "err", err, "retry_in", wait)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}
