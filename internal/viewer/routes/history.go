package routes

import (
	"net/http"

	"github.com/petervdpas/goopcall/internal/storage"
)

func registerHistoryRoutes(mux *http.ServeMux, d Deps) {
	if d.History == nil {
		return
	}
	handleGet(mux, "/api/call/history", func(w http.ResponseWriter, r *http.Request) {
		calls, err := d.History.ListCalls(intParam(r, "limit", 50))
		if err != nil {
			log.Errorf("VIEWER: list history: %v", err)
			http.Error(w, "history unavailable", http.StatusInternalServerError)
			return
		}
		if calls == nil {
			calls = []storage.CallRecord{}
		}
		writeJSON(w, calls)
	})
}
