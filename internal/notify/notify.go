// Package notify fires outbound hooks when a presentation starts, so other
// systems (lights, chat bots) can react to the same donation.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/zsprackett/notify-overlay/internal/presenter"
)

// Config holds hook settings.
type Config struct {
	Enabled bool   `json:"enabled"`
	Webhook string `json:"webhook"`
	NtfyURL string `json:"ntfy"`
}

// Notifier posts presentation events to a webhook and/or ntfy topic.
type Notifier struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New returns a Notifier with the given config.
func New(cfg Config, logger *slog.Logger) *Notifier {
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

// Notify sends p to every configured hook. It blocks for the duration of
// the requests; callers keep it off the presenter goroutine.
func (n *Notifier) Notify(p presenter.Presentation) {
	if !n.cfg.Enabled {
		return
	}
	if n.cfg.Webhook != "" {
		n.sendWebhook(p)
	}
	if n.cfg.NtfyURL != "" {
		n.sendNtfy(p)
	}
}

type webhookPayload struct {
	PresentationID string `json:"presentationId"`
	Kind           string `json:"kind"`
	Message        string `json:"message"`
	Asset          string `json:"asset"`
	Countdown      int    `json:"countdown,omitempty"`
	Timestamp      string `json:"timestamp"`
}

func (n *Notifier) sendWebhook(p presenter.Presentation) {
	payload := webhookPayload{
		PresentationID: p.ID,
		Kind:           p.Kind,
		Message:        p.Message,
		Asset:          p.Asset,
		Countdown:      p.Countdown,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}
	n.post("webhook", n.cfg.Webhook, payload)
}

type ntfyPayload struct {
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Priority int      `json:"priority"`
	Tags     []string `json:"tags"`
}

func (n *Notifier) sendNtfy(p presenter.Presentation) {
	payload := ntfyPayload{
		Title:    p.Kind,
		Message:  p.Message,
		Priority: 3,
		Tags:     []string{"tada"},
	}
	if p.Countdown > 0 {
		payload.Title = fmt.Sprintf("%s (%ds)", p.Kind, p.Countdown)
		payload.Priority = 4
		payload.Tags = []string{"rotating_light"}
	}
	n.post("ntfy", n.cfg.NtfyURL, payload)
}

func (n *Notifier) post(hook, url string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	resp, err := n.client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		n.logger.Warn("notify: "+hook+" failed", "err", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn("notify: "+hook+" rejected", "status", resp.StatusCode)
	}
}
