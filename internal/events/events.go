package events

import "github.com/zsprackett/notify-overlay/internal/presenter"

const (
	TypeSnapshot = "snapshot"
	TypeState    = "state"
)

// Event is a real-time update pushed to overlay clients.
type Event struct {
	Type  string                 `json:"type"`
	State presenter.DisplayState `json:"state"`
}

// Broadcaster sends events to connected overlay clients.
type Broadcaster interface {
	Broadcast(e Event)
}

// Multi fans an event out to every non-nil Broadcaster in order.
type Multi []Broadcaster

func (m Multi) Broadcast(e Event) {
	for _, b := range m {
		if b != nil {
			b.Broadcast(e)
		}
	}
}

// Func adapts an ordinary function to Broadcaster.
type Func func(e Event)

func (f Func) Broadcast(e Event) { f(e) }
