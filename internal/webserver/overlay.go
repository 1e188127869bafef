package webserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zsprackett/notify-overlay/internal/event"
	"github.com/zsprackett/notify-overlay/internal/events"
)

const maxEventBody = 64 << 10

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.overlay.Snapshot())
}

// handleIngest accepts a raw event payload, in the same quasi-JSON the
// relay carries, and feeds it to the presenter.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !s.ingest.Allow() {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.overlay.Ingest(r.Context(), string(body)); err != nil {
		if errors.Is(err, event.ErrMalformed) {
			http.Error(w, err.Error(), 400)
			return
		}
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type ruleView struct {
	Kind      string   `json:"kind"`
	Asset     string   `json:"asset,omitempty"`
	Rotate    []string `json:"rotate,omitempty"`
	MessageMs int64    `json:"messageMs"`
	GraphicMs int64    `json:"graphicMs"`
	Countdown int      `json:"countdown,omitempty"`
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	views := []ruleView{}
	if s.rules != nil {
		for _, rec := range s.rules.Table().Recipes() {
			v := ruleView{
				Kind:      rec.Kind,
				Asset:     rec.Asset.Fixed,
				Rotate:    rec.Asset.Rotate,
				MessageMs: rec.MessageDuration.Milliseconds(),
				GraphicMs: rec.GraphicDuration.Milliseconds(),
			}
			if rec.Countdown != nil {
				v.Countdown = rec.Countdown.Seconds
			}
			views = append(views, v)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"rules": views})
}

func (s *Server) snapshotEvent() events.Event {
	return events.Event{Type: events.TypeSnapshot, State: s.overlay.Snapshot()}
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", 500)
		return
	}

	ch := make(chan events.Event, 16)
	s.addClient(ch)
	defer s.removeClient(ch)

	writeSSE(w, flusher, s.snapshotEvent())

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-ch:
			writeSSE(w, flusher, e)
		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, f http.Flusher, e events.Event) {
	data, _ := json.Marshal(e)
	fmt.Fprintf(w, "data: %s\n\n", data)
	f.Flush()
}
