package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleEventStream serves GET /api/events?topic=<prefix> as Server-Sent
// Events, one frame per bus event. It is the read-only alternative to /ws for
// clients that cannot speak WebSocket.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternal, "event bus not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "streaming not supported")
		return
	}

	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("topic"))
	defer s.cfg.Bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse: client disconnected", "topic", sub.Topic())
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			data, err := json.Marshal(wsFrame{Topic: ev.Topic, Payload: ev.Payload})
			if err != nil {
				s.logger.Error("sse: marshal event", "topic", ev.Topic, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, data); err != nil {
				s.logger.Debug("sse: write failed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
