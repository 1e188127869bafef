package ui

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/zsprackett/notify-overlay/internal/events"
	"github.com/zsprackett/notify-overlay/internal/transport"
)

// App is the terminal preview: a second renderer fed by the server's
// /ws state stream.
type App struct {
	tapp   *tview.Application
	home   *Home
	source transport.Source
	logger *slog.Logger
}

func NewApp(feedURL string, logger *slog.Logger) *App {
	a := &App{
		tapp:   tview.NewApplication(),
		home:   NewHome(feedURL),
		source: transport.NewClient(feedURL, time.Second, 10*time.Second, logger),
		logger: logger,
	}
	a.tapp.SetRoot(a.home, true).EnableMouse(false)
	a.tapp.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Rune() == 'q' || event.Key() == tcell.KeyCtrlC {
			a.tapp.Stop()
			return nil
		}
		return event
	})
	return a
}

// Run blocks until the user quits or ctx is done.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.source.Run(ctx, a.onMessage)
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				a.tapp.Stop()
				return
			case <-ticker.C:
				a.tapp.QueueUpdateDraw(a.home.Refresh)
			}
		}
	}()

	return a.tapp.Run()
}

func (a *App) onMessage(raw string) {
	var e events.Event
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		a.logger.Warn("preview: bad feed message", "err", err)
		return
	}
	a.tapp.QueueUpdateDraw(func() {
		a.home.Update(e.State)
	})
}
