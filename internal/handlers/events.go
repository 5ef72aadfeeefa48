package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Events streams the workspace event feed over server-sent events. The
// greeting event arrives first; the stream then carries every emission
// until the client disconnects or the server shuts down.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.Error(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.Bus.Subscribe()
	defer h.Bus.Unsubscribe(sub)

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, more := <-sub.C:
			if !more {
				// Dropped for lagging, or the bus closed.
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				h.Logger.Error().Err(err).Str("type", evt.Type).Msg("event marshal failed")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
