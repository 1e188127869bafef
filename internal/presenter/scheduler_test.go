package presenter_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/zsprackett/notify-overlay/internal/clock"
	"github.com/zsprackett/notify-overlay/internal/event"
	"github.com/zsprackett/notify-overlay/internal/presenter"
	"github.com/zsprackett/notify-overlay/internal/rules"
)

func testTable(t *testing.T) *rules.Table {
	t.Helper()
	tbl, err := rules.NewTable(
		rules.Recipe{
			Kind:            "donation",
			Asset:           rules.Asset{Fixed: "cycling.gif"},
			MessageDuration: 10 * time.Second,
			GraphicDuration: 10 * time.Second,
		},
		rules.Recipe{
			Kind:            "sprint_donation",
			Asset:           rules.Asset{Fixed: "sprint.gif"},
			MessageDuration: 30 * time.Second,
			GraphicDuration: 20 * time.Second,
			Countdown:       &rules.Countdown{Seconds: 10},
		},
		rules.Recipe{
			Kind:            "grinch_donation",
			Asset:           rules.Asset{Rotate: []string{"g1.gif", "g2.gif", "g3.gif"}},
			MessageDuration: 5 * time.Second,
			GraphicDuration: 5 * time.Second,
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	return tbl
}

type harness struct {
	clock    *clock.Fake
	sched    *presenter.Scheduler
	states   []presenter.DisplayState
	presents []presenter.Presentation
}

func newHarness(t *testing.T, policy presenter.Policy, queueSize int) *harness {
	t.Helper()
	h := &harness{clock: clock.NewFake(time.Unix(1_700_000_000, 0))}
	h.sched = presenter.New(presenter.Options{
		Clock:     h.clock,
		Rules:     testTable(t),
		Policy:    policy,
		QueueSize: queueSize,
		OnChange:  func(s presenter.DisplayState) { h.states = append(h.states, s) },
		OnPresent: func(p presenter.Presentation) { h.presents = append(h.presents, p) },
	})
	return h
}

func (h *harness) state() presenter.DisplayState { return h.sched.Snapshot() }

func TestOnEventShowsGraphicAndMessage(t *testing.T) {
	h := newHarness(t, presenter.PolicyPreempt, 0)
	out := h.sched.OnEvent(event.Record{Kind: "donation", Message: "En hjälte skänkte 50 kr"})
	if out != presenter.OutcomePresented {
		t.Fatalf("outcome: got %s", out)
	}
	s := h.state()
	if !s.GraphicVisible || s.Asset != "cycling.gif" {
		t.Errorf("graphic: visible=%v asset=%q", s.GraphicVisible, s.Asset)
	}
	if s.Message != "En hjälte skänkte 50 kr" {
		t.Errorf("message: got %q", s.Message)
	}
	if s.Countdown != nil {
		t.Errorf("countdown: got %d, want none", *s.Countdown)
	}
	if s.Kind != "donation" || s.PresentationID == "" {
		t.Errorf("kind=%q id=%q", s.Kind, s.PresentationID)
	}
	if len(h.presents) != 1 || h.presents[0].Asset != "cycling.gif" {
		t.Errorf("presents: got %+v", h.presents)
	}
}

func TestOnEventUnknownKindLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t, presenter.PolicyPreempt, 0)
	h.sched.OnEvent(event.Record{Kind: "donation", Message: "first"})
	before := h.state()
	published := len(h.states)

	out := h.sched.OnEvent(event.Record{Kind: "raffle", Message: "nope"})
	if out != presenter.OutcomeUnknownKind {
		t.Fatalf("outcome: got %s", out)
	}
	after := h.state()
	if after.Message != before.Message || after.Asset != before.Asset ||
		after.GraphicVisible != before.GraphicVisible || after.PresentationID != before.PresentationID {
		t.Errorf("state changed: before %+v after %+v", before, after)
	}
	if len(h.states) != published {
		t.Error("unknown kind published a state")
	}
}

func TestGraphicHidesAfterDuration(t *testing.T) {
	h := newHarness(t, presenter.PolicyPreempt, 0)
	h.sched.OnEvent(event.Record{Kind: "donation", Message: "hi"})

	h.clock.Advance(9999 * time.Millisecond)
	if !h.state().GraphicVisible {
		t.Fatal("graphic hidden before its duration")
	}
	h.clock.Advance(time.Millisecond)
	s := h.state()
	if s.GraphicVisible || s.Asset != "" {
		t.Errorf("graphic still visible at 10000ms: %+v", s)
	}
	if s.Message != "" {
		t.Errorf("message still set at 10000ms: %q", s.Message)
	}
	if s.Busy() || s.Kind != "" || s.PresentationID != "" {
		t.Errorf("expected idle state, got %+v", s)
	}
	if h.clock.Pending() != 0 {
		t.Errorf("pending timers: got %d", h.clock.Pending())
	}
}

func TestCountdownTicksAndForcesRetire(t *testing.T) {
	h := newHarness(t, presenter.PolicyPreempt, 0)
	h.sched.OnEvent(event.Record{Kind: "sprint_donation", Message: "SPRINT"})

	s := h.state()
	if s.Countdown == nil || *s.Countdown != 10 {
		t.Fatalf("initial countdown: got %v", s.Countdown)
	}
	for want := 9; want >= 1; want-- {
		h.clock.Advance(time.Second)
		s = h.state()
		if s.Countdown == nil || *s.Countdown != want {
			t.Fatalf("countdown at %ds: got %v want %d", 10-want, s.Countdown, want)
		}
		if !s.GraphicVisible || s.Message != "SPRINT" {
			t.Fatalf("slots retired early at %ds: %+v", 10-want, s)
		}
	}

	h.clock.Advance(time.Second)
	s = h.state()
	if s.Countdown != nil {
		t.Errorf("countdown still present at zero: %d", *s.Countdown)
	}
	if s.GraphicVisible {
		t.Error("graphic visible after countdown reached zero")
	}
	if s.Message != "" {
		t.Errorf("message after countdown reached zero: %q", s.Message)
	}
	if h.clock.Pending() != 0 {
		t.Errorf("graphic/message timers not cancelled: %d pending", h.clock.Pending())
	}

	// Published values run 10 down to 1, then the countdown disappears.
	// Zero is never shown.
	var seen []int
	for _, st := range h.states {
		if st.Countdown == nil {
			continue
		}
		if *st.Countdown == 0 {
			t.Fatal("countdown published 0")
		}
		if n := len(seen); n == 0 || seen[n-1] != *st.Countdown {
			seen = append(seen, *st.Countdown)
		}
	}
	want := []int{10, 9, 8, 7, 6, 5, 4, 3, 2, 1}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Errorf("countdown sequence: got %v want %v", seen, want)
	}
	if len(h.states) == 0 || h.states[len(h.states)-1].Countdown != nil {
		t.Error("last published state still carries a countdown")
	}
}

func TestRetriggerCancelsPriorTimer(t *testing.T) {
	h := newHarness(t, presenter.PolicyPreempt, 0)
	h.sched.OnEvent(event.Record{Kind: "donation", Message: "A"})
	h.clock.Advance(5000 * time.Millisecond)
	h.sched.OnEvent(event.Record{Kind: "donation", Message: "B"})

	if got := h.clock.Pending(); got != 2 {
		t.Fatalf("pending timers after retrigger: got %d want 2", got)
	}

	h.clock.Advance(5500 * time.Millisecond) // t=10500
	s := h.state()
	if !s.GraphicVisible {
		t.Fatal("graphic hidden at 10500ms by the replaced timer")
	}
	if s.Message != "B" {
		t.Errorf("message: got %q want B", s.Message)
	}

	h.clock.Advance(4500 * time.Millisecond) // t=15000
	if h.state().GraphicVisible {
		t.Error("graphic still visible at 15000ms")
	}
}

// leakyClock never stops its timers, as when time.Timer.Stop loses the race
// against a callback that is already queued.
type leakyClock struct{ *clock.Fake }

type leakyTimer struct{}

func (leakyTimer) Stop() bool { return false }

func (c leakyClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.Fake.AfterFunc(d, f)
	return leakyTimer{}
}

func TestStaleCallbackIsIgnored(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	sched := presenter.New(presenter.Options{Clock: leakyClock{fake}, Rules: testTable(t)})

	sched.OnEvent(event.Record{Kind: "donation", Message: "A"})
	fake.Advance(5 * time.Second)
	sched.OnEvent(event.Record{Kind: "donation", Message: "B"})

	fake.Advance(5500 * time.Millisecond) // A's timers fire at 10s
	s := sched.Snapshot()
	if !s.GraphicVisible || s.Message != "B" {
		t.Fatalf("stale callback retired the new presentation: %+v", s)
	}
	fake.Advance(5 * time.Second)
	if sched.Snapshot().Busy() {
		t.Error("expected idle after B's timers")
	}
}

func TestRotatingAssetCycles(t *testing.T) {
	h := newHarness(t, presenter.PolicyPreempt, 0)
	var got []string
	for i := 0; i < 4; i++ {
		h.sched.OnEvent(event.Record{Kind: "grinch_donation", Message: "grinch"})
		got = append(got, h.state().Asset)
	}
	want := []string{"g1.gif", "g2.gif", "g3.gif", "g1.gif"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation: got %v want %v", got, want)
		}
	}
	if c := h.sched.Cursor("grinch_donation"); c != "g1.gif" {
		t.Errorf("cursor: got %q", c)
	}
	if !h.presents[0].Rotating {
		t.Error("presentation should report a rotating asset")
	}
}

func TestRotationSeededFromCursor(t *testing.T) {
	sched := presenter.New(presenter.Options{
		Clock:   clock.NewFake(time.Unix(0, 0)),
		Rules:   testTable(t),
		Cursors: map[string]string{"grinch_donation": "g2.gif"},
	})
	sched.OnEvent(event.Record{Kind: "grinch_donation"})
	if got := sched.Snapshot().Asset; got != "g3.gif" {
		t.Errorf("asset: got %q want g3.gif", got)
	}
}

func TestNewCountdownReplacesRunningOne(t *testing.T) {
	h := newHarness(t, presenter.PolicyPreempt, 0)
	h.sched.OnEvent(event.Record{Kind: "sprint_donation", Message: "one"})
	h.clock.Advance(4 * time.Second)
	h.sched.OnEvent(event.Record{Kind: "sprint_donation", Message: "two"})

	s := h.state()
	if s.Countdown == nil || *s.Countdown != 10 {
		t.Fatalf("countdown after replace: got %v", s.Countdown)
	}
	h.clock.Advance(9 * time.Second) // t=13
	s = h.state()
	if s.Countdown == nil || *s.Countdown != 1 {
		t.Fatalf("countdown at t=13: got %v want 1", s.Countdown)
	}
	h.clock.Advance(time.Second) // t=14
	if h.state().Busy() {
		t.Errorf("expected idle at t=14, got %+v", h.state())
	}
}

func TestCountdownSurvivesPlainEventAndRetiresIt(t *testing.T) {
	h := newHarness(t, presenter.PolicyPreempt, 0)
	h.sched.OnEvent(event.Record{Kind: "sprint_donation", Message: "sprint"})
	h.clock.Advance(5 * time.Second)
	h.sched.OnEvent(event.Record{Kind: "donation", Message: "plain"})

	s := h.state()
	if s.Countdown == nil || *s.Countdown != 5 {
		t.Fatalf("countdown: got %v want 5", s.Countdown)
	}
	if s.Asset != "cycling.gif" || s.Message != "plain" {
		t.Fatalf("plain event not shown: %+v", s)
	}
	h.clock.Advance(5 * time.Second) // countdown hits zero before the plain event's 10s
	s = h.state()
	if s.GraphicVisible || s.Message != "" || s.Countdown != nil {
		t.Errorf("countdown completion did not retire slots: %+v", s)
	}
}

func TestDropPolicy(t *testing.T) {
	h := newHarness(t, presenter.PolicyDrop, 0)
	h.sched.OnEvent(event.Record{Kind: "donation", Message: "first"})
	h.clock.Advance(time.Second)

	if out := h.sched.OnEvent(event.Record{Kind: "donation", Message: "second"}); out != presenter.OutcomeDroppedBusy {
		t.Fatalf("outcome: got %s", out)
	}
	if got := h.state().Message; got != "first" {
		t.Errorf("message: got %q want first", got)
	}

	h.clock.Advance(9 * time.Second)
	if h.state().Busy() {
		t.Fatal("dropped event extended the presentation")
	}
	if out := h.sched.OnEvent(event.Record{Kind: "donation", Message: "third"}); out != presenter.OutcomePresented {
		t.Errorf("idle outcome: got %s", out)
	}
}

func TestQueuePolicyPlaysFIFO(t *testing.T) {
	h := newHarness(t, presenter.PolicyQueue, 2)
	h.sched.OnEvent(event.Record{Kind: "donation", Message: "A"})
	if out := h.sched.OnEvent(event.Record{Kind: "donation", Message: "B"}); out != presenter.OutcomeQueued {
		t.Fatalf("B: got %s", out)
	}
	if out := h.sched.OnEvent(event.Record{Kind: "grinch_donation", Message: "C"}); out != presenter.OutcomeQueued {
		t.Fatalf("C: got %s", out)
	}
	if out := h.sched.OnEvent(event.Record{Kind: "donation", Message: "D"}); out != presenter.OutcomeQueueFull {
		t.Fatalf("D: got %s", out)
	}
	if q := h.state().Queued; q != 2 {
		t.Errorf("queued: got %d want 2", q)
	}

	h.clock.Advance(10 * time.Second)
	s := h.state()
	if s.Message != "B" || !s.GraphicVisible || s.Queued != 1 {
		t.Fatalf("after A retired: %+v", s)
	}
	h.clock.Advance(10 * time.Second)
	s = h.state()
	if s.Message != "C" || s.Asset != "g1.gif" || s.Queued != 0 {
		t.Fatalf("after B retired: %+v", s)
	}
	h.clock.Advance(5 * time.Second)
	if h.state().Busy() {
		t.Errorf("expected idle, got %+v", h.state())
	}

	var order []string
	for _, p := range h.presents {
		order = append(order, p.Message)
	}
	if len(order) != 3 || order[0] != "A" || order[1] != "B" || order[2] != "C" {
		t.Errorf("play order: got %v", order)
	}
}

func TestQueuePolicyWaitsForCountdown(t *testing.T) {
	h := newHarness(t, presenter.PolicyQueue, 4)
	h.sched.OnEvent(event.Record{Kind: "sprint_donation", Message: "sprint"})
	h.sched.OnEvent(event.Record{Kind: "donation", Message: "next"})

	h.clock.Advance(9 * time.Second)
	if got := h.state().Message; got != "sprint" {
		t.Fatalf("queued event started early: %q", got)
	}
	h.clock.Advance(time.Second)
	s := h.state()
	if s.Message != "next" || s.Countdown != nil {
		t.Errorf("after countdown: %+v", s)
	}
}

func TestCloseCancelsTimers(t *testing.T) {
	h := newHarness(t, presenter.PolicyQueue, 0)
	h.sched.OnEvent(event.Record{Kind: "sprint_donation", Message: "sprint"})
	h.sched.OnEvent(event.Record{Kind: "donation", Message: "queued"})
	h.sched.Close()

	if n := h.clock.Pending(); n != 0 {
		t.Errorf("pending timers after close: %d", n)
	}
	published := len(h.states)
	h.clock.Advance(time.Minute)
	if len(h.states) != published {
		t.Error("state published after close")
	}
	if out := h.sched.OnEvent(event.Record{Kind: "donation"}); out != presenter.OutcomeClosed {
		t.Errorf("outcome after close: got %s", out)
	}
	h.sched.Close()
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]presenter.Policy{
		"":        presenter.PolicyPreempt,
		"preempt": presenter.PolicyPreempt,
		"drop":    presenter.PolicyDrop,
		"queue":   presenter.PolicyQueue,
	} {
		got, err := presenter.ParsePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParsePolicy(%q): got %q, %v", in, got, err)
		}
	}
	if _, err := presenter.ParsePolicy("stack"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
