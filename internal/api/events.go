package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dunamismax/genflow/internal/queue"
)

const eventBuffer = 64

type streamEvent struct {
	Type queue.EventType `json:"type"`
	Job  *jobView        `json:"job,omitempty"`
}

// handleEvents streams queue mutations as server-sent events. A client that
// falls more than eventBuffer events behind gets a single "resync" event and
// should re-read /v1/jobs.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug().Err(err).Msg("clear write deadline for event stream")
	}

	events := make(chan queue.Event, eventBuffer)
	var lagged atomic.Bool
	unsubscribe := s.queue.Subscribe(func(ev queue.Event) {
		select {
		case events <- ev:
		default:
			lagged.Store(true)
		}
	})
	defer unsubscribe()

	s.metrics.eventStreams.Inc()
	defer s.metrics.eventStreams.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := writeSSE(w, "ready", s.queue.Stats()); err != nil || rc.Flush() != nil {
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, err = fmt.Fprint(w, ": ping\n\n")
		case ev := <-events:
			if lagged.Swap(false) {
				err = writeSSE(w, "resync", s.queue.Stats())
				break
			}
			err = writeSSE(w, string(ev.Type), newStreamEvent(ev))
		}
		if err == nil {
			err = rc.Flush()
		}
		if err != nil {
			s.logger.Debug().Err(err).Msg("event stream closed")
			return
		}
	}
}

func newStreamEvent(ev queue.Event) streamEvent {
	out := streamEvent{Type: ev.Type}
	if ev.Type != queue.EventLoaded {
		view := newJobView(ev.Job)
		out.Job = &view
	}
	return out
}

func writeSSE(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
