package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/veilworks/veil/pkg/events"
	"github.com/veilworks/veil/pkg/metrics"
)

// sseSink adapts an http.ResponseWriter into an events.Sink. Frames are
// serialized as "data: <json>\n\n" per the event-stream contract.
type sseSink struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	f      http.Flusher
	closed bool
	done   chan struct{}
}

func newSSESink(w http.ResponseWriter, f http.Flusher) *sseSink {
	return &sseSink{w: w, f: f, done: make(chan struct{})}
}

func (s *sseSink) Send(event *events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sink closed")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *sseSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// handleEvents is the long-lived event stream for the authenticated user.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := newSSESink(w, flusher)
	id := s.broker.Subscribe(principalFrom(r).UserID, sink)
	metrics.SSEClients.Inc()
	defer metrics.SSEClients.Dec()
	defer s.broker.Unsubscribe(id)

	select {
	case <-r.Context().Done():
	case <-sink.done:
	}
}
