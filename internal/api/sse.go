package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// sseKeepAlive is how often an idle stream gets a comment line so proxies
// keep the connection open.
const sseKeepAlive = 15 * time.Second

// sseEvents streams the daemon state: the current state first, then every change.
func (h *Handlers) sseEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id := uuid.NewString()
	ch := h.events.Subscribe(id)
	defer h.events.Unsubscribe(id)

	sendSSE(w, flusher, "state", h.ctrl.State())

	ping := time.NewTicker(sseKeepAlive)
	defer ping.Stop()
	for {
		select {
		case state, ok := <-ch:
			if !ok {
				return
			}
			sendSSE(w, flusher, "state", state)
		case <-ping.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func sendSSE(w http.ResponseWriter, flusher http.Flusher, event string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
