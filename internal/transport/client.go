package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// Client subscribes to a websocket relay and reconnects when the
// connection drops.
type Client struct {
	url     string
	backoff Backoff
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

func NewClient(url string, reconnectMin, reconnectMax time.Duration, logger *slog.Logger) *Client {
	if reconnectMin <= 0 {
		reconnectMin = time.Second
	}
	reconnectMax = max(reconnectMax, reconnectMin)
	return &Client{
		url:     url,
		backoff: Backoff{Min: reconnectMin, Max: reconnectMax},
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:  logger,
	}
}

// Run implements Source. It only returns once ctx is done.
func (c *Client) Run(ctx context.Context, deliver func(raw string)) error {
	for {
		connected, err := c.session(ctx, deliver)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			c.backoff.Reset()
		}
		wait := c.backoff.Next()
		c.logger.Warn("transport: connection lost", "url", c.url, "err", err, "retry_in", wait)
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

func (c *Client) session(ctx context.Context, deliver func(string)) (bool, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.logger.Info("transport: connected", "url", c.url)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		deliver(string(data))
	}
}

// Send publishes payload to the relay at url and waits for the relay to
// echo a message back, which confirms the broadcast went out.
func Send(ctx context.Context, url, payload string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	if _, _, err := conn.ReadMessage(); err != nil {
		return fmt.Errorf("waiting for echo: %w", err)
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}
