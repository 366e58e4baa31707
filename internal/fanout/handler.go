package fanout

import (
	"fmt"
	"net/http"
	"time"
)

// heartbeatEvery is the interval between SSE comment lines that keep
// intermediaries from timing out an idle stream.
const heartbeatEvery = 30 * time.Second

// Handler returns the HTTP handler for GET /events/stream?callId=X. Omitting
// callId joins the global bucket and receives every event.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		callID := r.URL.Query().Get("callId")

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache, no-transform")
		w.Header().Set("Connection", "keep-alive")
		// Disable buffering for nginx.
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		c, unregister := h.register(callID)
		defer unregister()

		// The client's "open" indicator fires on this first event.
		conn, err := Event{
			Type:   EventConnection,
			CallID: callID,
			Data: map[string]any{
				"call_id":   callID,
				"message":   "connected",
				"timestamp": time.Now().UnixMilli(),
			},
		}.Encode()
		if err == nil {
			if _, err := w.Write(conn); err != nil {
				return
			}
			flusher.Flush()
		}

		heartbeat := time.NewTicker(heartbeatEvery)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case frame, ok := <-c.ch:
				if !ok {
					// Evicted or hub shutdown.
					return
				}
				if _, err := w.Write(frame); err != nil {
					return
				}
				flusher.Flush()
			case <-heartbeat.C:
				if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})
}
