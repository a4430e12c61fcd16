package routes

import (
	"net/http"
	"strings"
)

// registerSignalingRoutes exposes the raw event stream. ?event=sfu-
// filters by prefix.
func registerSignalingRoutes(mux *http.ServeMux, d Deps) {
	if d.Tap == nil {
		return
	}
	handleGet(mux, "/api/signaling/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)
		prefix := r.URL.Query().Get("event")

		frames, cancel := d.Tap.Tap()
		defer cancel()

		_ = writeSSE(w, "connected", map[string]string{"status": "ok"})
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case f, ok := <-frames:
				if !ok {
					return
				}
				if prefix != "" && !strings.HasPrefix(f.Event, prefix) {
					continue
				}
				if writeSSE(w, "frame", f) != nil {
					return
				}
				flusher.Flush()
			}
		}
	})
}
