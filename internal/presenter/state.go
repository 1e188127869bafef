package presenter

import (
	"fmt"
	"time"
)

// DisplayState is the read-only projection handed to renderers.
type DisplayState struct {
	GraphicVisible bool   `json:"graphicVisible"`
	Asset          string `json:"asset,omitempty"`
	Message        string `json:"message"`
	// Countdown is nil while no countdown is shown.
	Countdown *int `json:"countdown"`

	Kind           string    `json:"kind,omitempty"`
	PresentationID string    `json:"presentationId,omitempty"`
	Queued         int       `json:"queued"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Busy reports whether any slot is still showing something.
func (s DisplayState) Busy() bool {
	return s.GraphicVisible || s.Message != "" || s.Countdown != nil
}

// Presentation describes a presentation at the moment it starts.
type Presentation struct {
	ID        string
	Kind      string
	Message   string
	Asset     string
	Rotating  bool
	Countdown int
}

// Policy decides what happens to an event that arrives while a
// presentation is still on screen.
type Policy string

const (
	// PolicyPreempt applies the new event immediately, replacing the
	// graphic and message and, when the new recipe has one, the countdown.
	PolicyPreempt Policy = "preempt"
	// PolicyDrop discards the new event.
	PolicyDrop Policy = "drop"
	// PolicyQueue appends the event to a bounded FIFO played once the
	// screen is clear. A full queue discards the new event.
	PolicyQueue Policy = "queue"
)

// ParsePolicy parses a policy name. The empty string selects PolicyPreempt.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyPreempt:
		return PolicyPreempt, nil
	case PolicyDrop, PolicyQueue:
		return Policy(s), nil
	}
	return "", fmt.Errorf("unknown presentation policy %q", s)
}

// Outcome reports what OnEvent did with an event.
type Outcome string

const (
	OutcomePresented   Outcome = "presented"
	OutcomeQueued      Outcome = "queued"
	OutcomeDroppedBusy Outcome = "dropped_busy"
	OutcomeQueueFull   Outcome = "dropped_queue_full"
	OutcomeUnknownKind Outcome = "unknown_kind"
	OutcomeClosed      Outcome = "closed"
)
