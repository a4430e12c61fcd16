package routes

import (
	"context"
	"net/http"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/storage"
)

var log = logging.Logger("viewer")

// Calls is the command surface of the call state machine.
type Calls interface {
	Current() (call.Session, bool)
	Initiate(ctx context.Context, chatID string, kind call.Kind, isGroup bool) (string, error)
	Accept(ctx context.Context) error
	Decline(ctx context.Context) error
	Cancel(ctx context.Context) error
	End(ctx context.Context) error
	ToggleAudio(ctx context.Context) (bool, error)
	ToggleVideo(ctx context.Context) (bool, error)
	Bus() *call.Bus
}

type Tapper interface {
	Tap() (<-chan signaling.Frame, func())
}

type History interface {
	ListCalls(limit int) ([]storage.CallRecord, error)
}

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	Calls   Calls
	Tap     Tapper  // optional
	History History // optional
	Logs    Logs    // optional

	// Debug returns media session state for /api/call/debug. Optional.
	Debug func() any
}

func Register(mux *http.ServeMux, d Deps) {
	registerCallRoutes(mux, d)
	registerSignalingRoutes(mux, d)
	registerHistoryRoutes(mux, d)
	registerAPILogRoutes(mux, d)
}

func registerAPILogRoutes(mux *http.ServeMux, d Deps) {
	if d.Logs == nil {
		return
	}
	mux.HandleFunc("/api/logs", d.Logs.ServeLogsJSON)
	mux.HandleFunc("/api/logs/stream", d.Logs.ServeLogsSSE)
}
