// Package clock abstracts delayed callbacks so presentation timers can run
// against wall-clock time in production and simulated time in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a pending delayed callback. Stop reports whether the call
// prevented the callback from firing.
type Timer interface {
	Stop() bool
}

// Clock creates delayed callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Dispatch returns a Clock whose callbacks are handed to post instead of
// running on the timer goroutine. The owner of post decides which goroutine
// eventually runs them.
//
// Behind a Fake, Advance only posts the callbacks that are due. A callback
// that schedules a follow-up timer does so when the owner runs it, after
// Advance has returned, so the follow-up is not fired by that Advance call.
// Tests step the Fake one interval at a time and wait for the owner between
// steps.
func Dispatch(c Clock, post func(func())) Clock {
	return dispatching{base: c, post: post}
}

type dispatching struct {
	base Clock
	post func(func())
}

func (d dispatching) Now() time.Time { return d.base.Now() }

func (d dispatching) AfterFunc(dur time.Duration, f func()) Timer {
	return d.base.AfterFunc(dur, func() { d.post(f) })
}

// Fake is a manually advanced clock. Callbacks run synchronously inside
// Advance, in deadline order, on the caller's goroutine.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*fakeTimer
}

type fakeTimer struct {
	clock *Fake
	at    time.Time
	seq   uint64
	f     func()
}

// NewFake returns a Fake positioned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{clock: c, at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Pending returns the number of timers that have not fired or been stopped.
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Advance moves the clock forward by d, firing every timer whose deadline
// falls within the window. Timers that a callback schedules while it runs
// inside Advance are fired too if they fall within the window; see Dispatch
// for callbacks that run elsewhere.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		sort.SliceStable(c.timers, func(i, j int) bool {
			if c.timers[i].at.Equal(c.timers[j].at) {
				return c.timers[i].seq < c.timers[j].seq
			}
			return c.timers[i].at.Before(c.timers[j].at)
		})
		if len(c.timers) == 0 || c.timers[0].at.After(target) {
			c.now = target
			c.mu.Unlock()
			return
		}
		next := c.timers[0]
		c.timers = c.timers[1:]
		c.now = next.at
		c.mu.Unlock()

		next.f()
	}
}

func (t *fakeTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, other := range c.timers {
		if other == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return true
		}
	}
	return false
}
