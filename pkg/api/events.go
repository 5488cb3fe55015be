package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/kapowarr/kapowarr/pkg/events"
)

// handleEvents is the event channel: a long-poll stream that writes each
// event as one JSON line. Subscribers get per-connection FIFO delivery; the
// connection closes when the client goes away or the broker stops.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, nil, http.StatusInternalServerError)
		return
	}

	sub := s.app.Events.Subscribe()
	defer s.app.Events.Unsubscribe(sub)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	encoder := json.NewEncoder(w)
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case event, open := <-sub:
			if !open {
				return
			}
			if err := encoder.Encode(event); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if err := encoder.Encode(events.Event{
				Type:      "heartbeat",
				Timestamp: time.Now(),
			}); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
