// Package viewer serves the local HTTP control surface for the call
// client.
package viewer

import (
	"context"
	"errors"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/viewer/routes"
)

var log = logging.Logger("viewer")

type Viewer struct {
	Calls   routes.Calls
	Tap     routes.Tapper
	History routes.History
	Logs    *LogBuffer
	Debug   func() any
}

func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()
	d := routes.Deps{
		Calls:   v.Calls,
		Tap:     v.Tap,
		History: v.History,
		Debug:   v.Debug,
	}
	// A nil *LogBuffer must not become a non-nil interface.
	if v.Logs != nil {
		d.Logs = v.Logs
	}
	routes.Register(mux, d)
	return noCache(mux)
}

// Start serves until ctx is cancelled.
func Start(ctx context.Context, addr string, v Viewer) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(v),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("VIEWER: listening on http://%s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
