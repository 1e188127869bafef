// Package overlay wires an inbound source, the event decoder and the
// presenter together into the running service.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/zsprackett/notify-overlay/internal/clock"
	"github.com/zsprackett/notify-overlay/internal/db"
	"github.com/zsprackett/notify-overlay/internal/event"
	"github.com/zsprackett/notify-overlay/internal/events"
	"github.com/zsprackett/notify-overlay/internal/presenter"
	"github.com/zsprackett/notify-overlay/internal/transport"
)

// CursorStore persists the rotation position of each event kind.
type CursorStore interface {
	SaveRotationCursor(kind, asset string) error
	LoadRotationCursors() ([]db.RotationCursor, error)
}

// Notifier is told about every presentation that starts.
type Notifier interface {
	Notify(p presenter.Presentation)
}

type Options struct {
	Source      transport.Source // nil: events arrive only through Ingest
	Decoder     event.Decoder
	Rules       presenter.RecipeLookup
	Policy      presenter.Policy
	QueueSize   int
	Clock       clock.Clock
	Store       CursorStore
	Notifier    Notifier
	Broadcaster events.Broadcaster
	Logger      *slog.Logger
}

// Service runs the presenter loop, the source and the hook worker.
type Service struct {
	opts      Options
	runner    *presenter.Runner
	presented chan presenter.Presentation
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) (*Service, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Service{
		opts:      opts,
		presented: make(chan presenter.Presentation, 32),
		logger:    opts.Logger,
	}

	cursors := map[string]string{}
	if opts.Store != nil {
		saved, err := opts.Store.LoadRotationCursors()
		if err != nil {
			return nil, fmt.Errorf("load rotation cursors: %w", err)
		}
		for _, c := range saved {
			cursors[c.Kind] = c.Asset
		}
	}

	s.runner = presenter.NewRunner(presenter.Options{
		Clock:     opts.Clock,
		Rules:     opts.Rules,
		Policy:    opts.Policy,
		QueueSize: opts.QueueSize,
		Cursors:   cursors,
		OnChange:  s.onChange,
		OnPresent: s.onPresent,
		Logger:    opts.Logger,
	})
	return s, nil
}

// Start launches the service goroutines. They run until Stop or until
// ctx is done.
func (s *Service) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.runner.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.hookWorker()
	}()

	if s.opts.Source != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			err := s.opts.Source.Run(s.ctx, func(raw string) {
				s.Ingest(s.ctx, raw)
			})
			if err != nil {
				s.logger.Error("overlay: source stopped", "err", err)
			}
		}()
	}
}

// Stop cancels every goroutine and waits for them to exit.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}

// Ingest decodes raw and hands it to the presenter. Malformed payloads are
// logged and reported as event.ErrMalformed.
func (s *Service) Ingest(ctx context.Context, raw string) error {
	rec, err := s.opts.Decoder.Decode(raw)
	if err != nil {
		s.logger.Warn("overlay: dropped event", "reason", "malformed", "err", err)
		return err
	}
	if err := s.runner.Submit(ctx, rec); err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("overlay: dropped event", "kind", rec.Kind, "reason", err)
		}
		return err
	}
	return nil
}

// Snapshot returns the current display state.
func (s *Service) Snapshot() presenter.DisplayState {
	return s.runner.Snapshot()
}

func (s *Service) onChange(st presenter.DisplayState) {
	if s.opts.Broadcaster != nil {
		s.opts.Broadcaster.Broadcast(events.Event{Type: events.TypeState, State: st})
	}
}

// onPresent runs on the presenter goroutine, so the blocking work is
// handed to hookWorker.
func (s *Service) onPresent(p presenter.Presentation) {
	select {
	case s.presented <- p:
	default:
		s.logger.Warn("overlay: hook queue full", "kind", p.Kind, "id", p.ID)
	}
}

func (s *Service) hookWorker() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case p := <-s.presented:
			if p.Rotating && s.opts.Store != nil {
				if err := s.opts.Store.SaveRotationCursor(p.Kind, p.Asset); err != nil {
					s.logger.Error("overlay: save rotation cursor", "kind", p.Kind, "err", err)
				}
			}
			if s.opts.Notifier != nil {
				s.opts.Notifier.Notify(p)
			}
		}
	}
}
