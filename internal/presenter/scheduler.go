// Package presenter owns what the overlay shows. A Scheduler receives
// decoded events, applies the matching recipe, and retires the graphic,
// message and countdown slots on their own timers.
//
// A Scheduler is not safe for concurrent use: every method, including the
// timer callbacks it schedules on its Clock, must run on one goroutine.
// Runner provides that goroutine.
package presenter

import (
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/zsprackett/notify-overlay/internal/clock"
	"github.com/zsprackett/notify-overlay/internal/event"
	"github.com/zsprackett/notify-overlay/internal/rules"
)

// DefaultQueueSize bounds the FIFO used by PolicyQueue.
const DefaultQueueSize = 16

// RecipeLookup resolves an event kind to its recipe.
type RecipeLookup interface {
	Lookup(kind string) (rules.Recipe, bool)
}

// Options configures a Scheduler.
type Options struct {
	Clock     clock.Clock
	Rules     RecipeLookup
	Policy    Policy
	QueueSize int
	// Cursors seeds the rotation position per kind: the asset shown last.
	Cursors map[string]string
	// OnChange receives every new state. It runs on the scheduler goroutine
	// and must not block.
	OnChange func(DisplayState)
	// OnPresent is told about every presentation that starts. Same rules
	// as OnChange.
	OnPresent func(Presentation)
	Logger    *slog.Logger
}

type queued struct {
	rec    event.Record
	recipe rules.Recipe
}

// Scheduler is the presentation state machine.
type Scheduler struct {
	clock     clock.Clock
	rules     RecipeLookup
	policy    Policy
	queueSize int
	onChange  func(DisplayState)
	onPresent func(Presentation)
	logger    *slog.Logger

	graphicVisible bool
	asset          string
	message        string
	kind           string
	presentationID string

	graphic   slotTimer
	messageT  slotTimer
	countdown countdown

	queue   []queued
	cursors map[string]string
	closed  bool
}

// New returns an idle Scheduler.
func New(opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Rules == nil {
		opts.Rules = rules.Default()
	}
	if opts.Policy == "" {
		opts.Policy = PolicyPreempt
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Scheduler{
		clock:     opts.Clock,
		rules:     opts.Rules,
		policy:    opts.Policy,
		queueSize: opts.QueueSize,
		onChange:  opts.OnChange,
		onPresent: opts.OnPresent,
		logger:    opts.Logger,
		cursors:   make(map[string]string, len(opts.Cursors)),
	}
	for k, v := range opts.Cursors {
		s.cursors[k] = v
	}
	s.graphic.clock = opts.Clock
	s.messageT.clock = opts.Clock
	s.countdown.timer.clock = opts.Clock
	s.countdown.onTick = s.publish
	s.countdown.onZero = s.countdownFinished
	return s
}

// OnEvent handles one decoded event according to the policy.
func (s *Scheduler) OnEvent(rec event.Record) Outcome {
	if s.closed {
		return OutcomeClosed
	}
	recipe, ok := s.rules.Lookup(rec.Kind)
	if !ok {
		s.logger.Info("presenter: no recipe for event kind", "kind", rec.Kind)
		return OutcomeUnknownKind
	}

	if s.busy() {
		switch s.policy {
		case PolicyDrop:
			s.logger.Info("presenter: dropped event while busy", "kind", rec.Kind, "showing", s.kind)
			return OutcomeDroppedBusy
		case PolicyQueue:
			if len(s.queue) >= s.queueSize {
				s.logger.Warn("presenter: queue full, dropped event", "kind", rec.Kind, "queued", len(s.queue))
				return OutcomeQueueFull
			}
			s.queue = append(s.queue, queued{rec: rec, recipe: recipe})
			s.logger.Debug("presenter: queued event", "kind", rec.Kind, "queued", len(s.queue))
			s.publish()
			return OutcomeQueued
		}
	}

	s.present(rec, recipe)
	return OutcomePresented
}

// present applies recipe. Slots the recipe writes have their timers
// cancelled and re-armed before anything else can run.
func (s *Scheduler) present(rec event.Record, recipe rules.Recipe) {
	asset := recipe.Asset.Select(s.cursors[recipe.Kind])
	if recipe.Asset.Rotating() {
		s.cursors[recipe.Kind] = asset
	}

	s.asset = asset
	s.graphicVisible = true
	s.graphic.arm(recipe.GraphicDuration, s.hideGraphic)

	s.message = rec.Message
	s.messageT.arm(recipe.MessageDuration, s.clearMessage)

	cd := 0
	if recipe.Countdown != nil {
		cd = recipe.Countdown.Seconds
		s.countdown.start(cd)
	}

	s.kind = recipe.Kind
	s.presentationID = uuid.NewString()
	s.logger.Debug("presenter: presenting", "kind", recipe.Kind, "asset", asset, "id", s.presentationID)
	s.publish()

	if s.onPresent != nil {
		s.onPresent(Presentation{
			ID:        s.presentationID,
			Kind:      recipe.Kind,
			Message:   rec.Message,
			Asset:     asset,
			Rotating:  recipe.Asset.Rotating(),
			Countdown: cd,
		})
	}
}

func (s *Scheduler) hideGraphic() {
	s.graphicVisible = false
	s.asset = ""
	s.settle()
}

func (s *Scheduler) clearMessage() {
	s.message = ""
	s.settle()
}

// countdownFinished force-retires the graphic and message even when their
// own timers have time left.
func (s *Scheduler) countdownFinished() {
	s.graphic.cancel()
	s.messageT.cancel()
	s.graphicVisible = false
	s.asset = ""
	s.message = ""
	s.settle()
}

// settle publishes after a slot retired and, once the screen is clear,
// starts the next queued presentation.
func (s *Scheduler) settle() {
	if s.busy() {
		s.publish()
		return
	}
	s.kind = ""
	s.presentationID = ""
	if len(s.queue) > 0 {
		next := s.queue[0]
		s.queue[0] = queued{}
		s.queue = s.queue[1:]
		s.present(next.rec, next.recipe)
		return
	}
	s.publish()
}

func (s *Scheduler) busy() bool {
	return s.graphicVisible || s.message != "" || s.countdown.active
}

func (s *Scheduler) publish() {
	if s.onChange != nil {
		s.onChange(s.Snapshot())
	}
}

// Snapshot returns the current state.
func (s *Scheduler) Snapshot() DisplayState {
	return DisplayState{
		GraphicVisible: s.graphicVisible,
		Asset:          s.asset,
		Message:        s.message,
		Countdown:      s.countdown.value(),
		Kind:           s.kind,
		PresentationID: s.presentationID,
		Queued:         len(s.queue),
		UpdatedAt:      s.clock.Now(),
	}
}

// Cursor returns the asset last shown for a rotating kind.
func (s *Scheduler) Cursor(kind string) string { return s.cursors[kind] }

// Close cancels every timer and discards queued events. The Scheduler
// ignores events and callbacks afterwards.
func (s *Scheduler) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.graphic.cancel()
	s.messageT.cancel()
	s.countdown.stop()
	s.queue = nil
}
