package presenter

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/zsprackett/notify-overlay/internal/clock"
	"github.com/zsprackett/notify-overlay/internal/event"
)

// ErrStopped is returned by Submit after the runner loop has exited.
var ErrStopped = errors.New("presenter stopped")

// Runner drives a Scheduler from a single goroutine. Inbound events and
// timer callbacks are both delivered to that goroutine, so the Scheduler
// never sees concurrent calls.
type Runner struct {
	sched   *Scheduler
	in      chan event.Record
	calls   chan func()
	done    chan struct{}
	current atomic.Pointer[DisplayState]
}

// NewRunner builds a Runner around a Scheduler configured by opts. The
// Clock in opts is wrapped so its callbacks run on the loop goroutine.
// With a clock.Fake, a countdown tick re-arms only once the loop has run
// the previous one, so one Advance moves a countdown by at most one second.
func NewRunner(opts Options) *Runner {
	r := &Runner{
		in:    make(chan event.Record, 64),
		calls: make(chan func(), 64),
		done:  make(chan struct{}),
	}
	base := opts.Clock
	if base == nil {
		base = clock.Real{}
	}
	opts.Clock = clock.Dispatch(base, r.post)

	onChange := opts.OnChange
	opts.OnChange = func(s DisplayState) {
		r.current.Store(&s)
		if onChange != nil {
			onChange(s)
		}
	}
	r.sched = New(opts)
	initial := r.sched.Snapshot()
	r.current.Store(&initial)
	return r
}

func (r *Runner) post(f func()) {
	select {
	case r.calls <- f:
	case <-r.done:
	}
}

// Submit queues rec for the loop, preserving arrival order.
func (r *Runner) Submit(ctx context.Context, rec event.Record) error {
	select {
	case r.in <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrStopped
	}
}

// Snapshot returns the most recently published state. Safe for concurrent
// use.
func (r *Runner) Snapshot() DisplayState {
	return *r.current.Load()
}

// Run processes events and timer callbacks until ctx is done, then closes
// the Scheduler so no timer can touch it afterwards.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			r.sched.Close()
			return nil
		case rec := <-r.in:
			r.sched.OnEvent(rec)
		case f := <-r.calls:
			f()
		}
	}
}
