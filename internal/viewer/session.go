package viewer

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/goopsync/internal/listen"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	// The control surface binds to loopback; allow any local page or webview.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 5 * time.Second

func registerSession(mux *http.ServeMux, v Viewer) {
	sm := v.Session

	// GET /api/session: current snapshot
	mux.HandleFunc("/api/session", func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, sm.Snapshot())
	})

	// POST /api/session/create: host a new session
	mux.HandleFunc("/api/session/create", func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		var req struct {
			Name string `json:"name"`
		}
		if decodeJSON(w, r, &req) != nil {
			return
		}
		name := v.displayName(strings.TrimSpace(req.Name))
		if name == "" {
			http.Error(w, "missing name", http.StatusBadRequest)
			return
		}
		code := sm.CreateSession(name)
		if code == "" {
			http.Error(w, "could not create session", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"code": code})
	})

	// POST /api/session/join: join by code
	mux.HandleFunc("/api/session/join", func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		var req struct {
			Code string `json:"code"`
			Name string `json:"name"`
		}
		if decodeJSON(w, r, &req) != nil {
			return
		}
		code := listen.NormalizeCode(req.Code)
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}
		name := v.displayName(strings.TrimSpace(req.Name))
		if name == "" {
			http.Error(w, "missing name", http.StatusBadRequest)
			return
		}
		if !sm.JoinSession(code, name) {
			http.Error(w, "could not reach the session transport", http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]string{"status": "joined", "code": code})
	})

	// POST /api/session/leave
	mux.HandleFunc("/api/session/leave", func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		sm.LeaveSession()
		writeJSON(w, map[string]string{"status": "left"})
	})

	// POST /api/session/playback: local play/pause/seek/track change
	mux.HandleFunc("/api/session/playback", func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		var req struct {
			ItemID     string `json:"item_id"`
			PositionMs int64  `json:"position_ms"`
			Playing    bool   `json:"playing"`
		}
		if decodeJSON(w, r, &req) != nil {
			return
		}
		if req.PositionMs < 0 {
			http.Error(w, "position_ms must be >= 0", http.StatusBadRequest)
			return
		}
		if !requireSession(w, sm) {
			return
		}
		sm.UpdatePlaybackState(req.ItemID, req.PositionMs, req.Playing)
		writeJSON(w, map[string]string{"status": "ok"})
	})

	// POST /api/session/queue: replace the shared queue
	mux.HandleFunc("/api/session/queue", func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		var req struct {
			IDs []string `json:"ids"`
		}
		if decodeJSON(w, r, &req) != nil {
			return
		}
		if !requireSession(w, sm) {
			return
		}
		sm.UpdateQueue(req.IDs)
		writeJSON(w, map[string]string{"status": "ok"})
	})

	// GET /api/session/playlist: queue materialized against local store and resolver
	mux.HandleFunc("/api/session/playlist", func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		pl, err := sm.Materialize(r.Context())
		if errors.Is(err, listen.ErrNoSession) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, pl)
	})

	// GET /api/session/history?limit=N: recently applied changes
	mux.HandleFunc("/api/session/history", func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		limit, ok := queryLimit(w, r)
		if !ok {
			return
		}
		entries, total := sm.RecentHistory(limit)
		w.Header().Set("X-Total-Count", strconv.Itoa(total))
		writeJSON(w, entries)
	})

	// GET /api/session/ws: websocket, the current snapshot, then every change
	mux.HandleFunc("/api/session/ws", func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debugf("websocket upgrade: %v", err)
			return
		}
		defer conn.Close()

		snaps, cancel := sm.Subscribe()
		defer cancel()

		// Drain client frames so close and ping are processed.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		send := func(s listen.Snapshot) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			return conn.WriteJSON(s) == nil
		}
		if !send(sm.Snapshot()) {
			return
		}
		for {
			select {
			case <-gone:
				return
			case <-r.Context().Done():
				return
			case s, ok := <-snaps:
				if !ok {
					_ = conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
					return
				}
				if !send(s) {
					return
				}
			}
		}
	})
}

func requireSession(w http.ResponseWriter, sm *listen.Manager) bool {
	if sm.Snapshot().State == nil {
		http.Error(w, listen.ErrNoSession.Error(), http.StatusConflict)
		return false
	}
	return true
}
