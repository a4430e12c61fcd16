package routes

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/goopcall/internal/call"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	// The control surface only listens on loopback.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type stateView struct {
	Active  bool          `json:"active"`
	Session *call.Session `json:"session,omitempty"`
}

func currentState(c Calls) stateView {
	s, ok := c.Current()
	if !ok {
		return stateView{}
	}
	return stateView{Active: !s.State.Terminal(), Session: &s}
}

func registerCallRoutes(mux *http.ServeMux, d Deps) {
	c := d.Calls

	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, currentState(c))
	})

	handlePost(mux, "/api/call/initiate", func(w http.ResponseWriter, r *http.Request, req struct {
		ChatID  string `json:"chatId"`
		Type    string `json:"type"`
		IsGroup bool   `json:"isGroup"`
	}) {
		if req.ChatID == "" {
			http.Error(w, "missing chatId", http.StatusBadRequest)
			return
		}
		if req.Type == "" {
			req.Type = string(call.Audio)
		}
		kind, err := call.ParseKind(req.Type)
		if err != nil {
			writeError(w, err)
			return
		}
		id, err := c.Initiate(r.Context(), req.ChatID, kind, req.IsGroup)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ringing", "callId": id})
	})

	action := func(path, status string, fn func(*http.Request) error) {
		handlePost(mux, path, func(w http.ResponseWriter, r *http.Request, _ struct{}) {
			if err := fn(r); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, map[string]string{"status": status})
		})
	}
	action("/api/call/accept", "accepted", func(r *http.Request) error { return c.Accept(r.Context()) })
	action("/api/call/decline", "declined", func(r *http.Request) error { return c.Decline(r.Context()) })
	action("/api/call/cancel", "cancelled", func(r *http.Request) error { return c.Cancel(r.Context()) })
	action("/api/call/end", "ended", func(r *http.Request) error { return c.End(r.Context()) })

	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		muted, err := c.ToggleAudio(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		muted, err := c.ToggleVideo(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	// GET /api/call/events: current state, then every bus event.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		ch, cancel := c.Bus().Subscribe()
		defer cancel()

		_ = writeSSE(w, "state", currentState(c))
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				if writeSSE(w, string(e.Type), e) != nil {
					return
				}
				flusher.Flush()
			}
		}
	})

	handleGet(mux, "/api/call/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("VIEWER: websocket upgrade: %v", err)
			return
		}
		defer conn.Close()

		ch, cancel := c.Bus().Subscribe()
		defer cancel()

		// Reads only detect the client going away.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(map[string]any{"type": "snapshot", "state": currentState(c)}); err != nil {
			return
		}
		for {
			select {
			case <-gone:
				return
			case <-r.Context().Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteJSON(e); err != nil {
					return
				}
			}
		}
	})

	handleGet(mux, "/api/call/debug", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{
			"state":  currentState(c),
			"events": c.Bus().Recent(intParam(r, "n", 50)),
		}
		if d.Debug != nil {
			out["media"] = d.Debug()
		}
		writeJSON(w, out)
	})
}
