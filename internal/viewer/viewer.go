// Package viewer serves the local HTTP control surface of a peer: session
// lifecycle calls, playback and queue updates, and a websocket stream of
// state snapshots for a player UI.
package viewer

import (
	"context"
	"errors"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopsync/internal/listen"
)

var log = logging.Logger("viewer")

type Viewer struct {
	Session *listen.Manager
	Logs    *LogBuffer // optional

	// DisplayName is used when a create or join request names nobody.
	DisplayName func() string
}

// Handler returns the mux with every route registered.
func (v Viewer) Handler() http.Handler {
	mux := http.NewServeMux()
	registerSession(mux, v)
	if v.Logs != nil {
		mux.HandleFunc("/api/logs", v.Logs.ServeLogsJSON)
		mux.HandleFunc("/api/logs/stream", v.Logs.ServeLogsSSE)
	}
	return noCache(mux)
}

// Start serves v on addr until ctx is done.
func Start(ctx context.Context, addr string, v Viewer) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           v.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Infof("listening on http://%s", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (v Viewer) displayName(requested string) string {
	if requested != "" || v.DisplayName == nil {
		return requested
	}
	return v.DisplayName()
}
