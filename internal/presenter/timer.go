package presenter

import (
	"time"

	"github.com/zsprackett/notify-overlay/internal/clock"
)

// slotTimer owns the single pending timer of one display slot. Every arm or
// cancel bumps seq, so a callback that was already in flight when its timer
// was replaced finds a newer seq and does nothing.
type slotTimer struct {
	clock clock.Clock
	t     clock.Timer
	seq   uint64
}

func (s *slotTimer) arm(d time.Duration, f func()) {
	s.cancel()
	seq := s.seq
	s.t = s.clock.AfterFunc(d, func() {
		if s.seq != seq {
			return
		}
		s.t = nil
		f()
	})
}

func (s *slotTimer) cancel() {
	s.seq++
	if s.t != nil {
		s.t.Stop()
		s.t = nil
	}
}
