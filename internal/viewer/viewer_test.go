package viewer

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopsync/internal/listen"
	"github.com/petervdpas/goopsync/internal/transport"
)

func newServer(t *testing.T) (*httptest.Server, *listen.Manager, *LogBuffer) {
	t.Helper()
	m, err := listen.New(listen.Options{Dialer: transport.NewHub(), Endpoint: "mem"})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	logs := NewLogBuffer(10)
	srv := httptest.NewServer(Viewer{
		Session:     m,
		Logs:        logs,
		DisplayName: func() string { return "Default" },
	}.Handler())
	t.Cleanup(srv.Close)
	return srv, m, logs
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	srv, m, _ := newServer(t)

	resp := post(t, srv.URL+"/api/session/create", map[string]string{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := decode[map[string]string](t, resp)
	assert.Regexp(t, `^[0-9]{6}$`, created["code"])
	assert.Equal(t, "no-store, no-cache, must-revalidate, max-age=0", resp.Header.Get("Cache-Control"))

	resp = post(t, srv.URL+"/api/session/playback", map[string]any{"item_id": "song123", "position_ms": 15000, "playing": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = post(t, srv.URL+"/api/session/queue", map[string]any{"ids": []string{"song123", "song456"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	get, err := http.Get(srv.URL + "/api/session")
	require.NoError(t, err)
	defer get.Body.Close()
	var snap struct {
		Phase  string `json:"phase"`
		IsHost bool   `json:"is_host"`
		State  struct {
			Code         string   `json:"code"`
			HostName     string   `json:"host_name"`
			Participants []string `json:"participants"`
			Queue        []string `json:"queue"`
			PlayState    struct {
				ItemID     string `json:"item_id"`
				PositionMs int64  `json:"position_ms"`
				Playing    bool   `json:"playing"`
			} `json:"play_state"`
		} `json:"state"`
	}
	require.NoError(t, json.NewDecoder(get.Body).Decode(&snap))
	assert.Equal(t, "hosting", snap.Phase)
	assert.True(t, snap.IsHost)
	assert.Equal(t, created["code"], snap.State.Code)
	assert.Equal(t, "Default", snap.State.HostName)
	assert.Equal(t, []string{"song123", "song456"}, snap.State.Queue)
	assert.Equal(t, "song123", snap.State.PlayState.ItemID)
	assert.Equal(t, int64(15000), snap.State.PlayState.PositionMs)

	hist, err := http.Get(srv.URL + "/api/session/history")
	require.NoError(t, err)
	defer hist.Body.Close()
	entries := decode[[]listen.HistoryEntry](t, hist)
	require.Len(t, entries, 2)
	assert.Equal(t, "UPDATE", entries[0].Kind)

	last, err := http.Get(srv.URL + "/api/session/history?limit=1")
	require.NoError(t, err)
	defer last.Body.Close()
	assert.Equal(t, "2", last.Header.Get("X-Total-Count"))
	tail := decode[[]listen.HistoryEntry](t, last)
	require.Len(t, tail, 1)
	assert.Equal(t, "QUEUE", tail[0].Kind)

	bad, err := http.Get(srv.URL + "/api/session/history?limit=-3")
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	pl, err := http.Get(srv.URL + "/api/session/playlist")
	require.NoError(t, err)
	defer pl.Body.Close()
	require.Equal(t, http.StatusOK, pl.StatusCode)

	resp = post(t, srv.URL+"/api/session/leave", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, listen.Disconnected, m.Snapshot().Phase)

	pl2, err := http.Get(srv.URL + "/api/session/playlist")
	require.NoError(t, err)
	defer pl2.Body.Close()
	assert.Equal(t, http.StatusNotFound, pl2.StatusCode)
}

func TestRequestValidation(t *testing.T) {
	srv, _, _ := newServer(t)

	resp := post(t, srv.URL+"/api/session/join", map[string]string{"code": "  ", "name": "Bob"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, srv.URL+"/api/session/playback", map[string]any{"item_id": "x"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = post(t, srv.URL+"/api/session/playback", map[string]any{"item_id": "x", "position_ms": -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	bad, err := http.Post(srv.URL+"/api/session/create", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	wrong, err := http.Get(srv.URL + "/api/session/leave")
	require.NoError(t, err)
	defer wrong.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, wrong.StatusCode)
}

func TestJoinFailureReportsBadGateway(t *testing.T) {
	hub := transport.NewHub()
	hub.SetConnectError(assert.AnError)
	m, err := listen.New(listen.Options{Dialer: hub, Endpoint: "mem"})
	require.NoError(t, err)
	defer m.Close()

	srv := httptest.NewServer(Viewer{Session: m}.Handler())
	defer srv.Close()

	resp := post(t, srv.URL+"/api/session/join", map[string]string{"code": "123456", "name": "Bob"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestSnapshotWebsocket(t *testing.T) {
	srv, m, _ := newServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/session/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first listen.Snapshot
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, conn.ReadJSON(&first))
	assert.Nil(t, first.State)

	code := m.CreateSession("Alice")
	for {
		var s struct {
			State *struct {
				Code string `json:"code"`
			} `json:"state"`
		}
		require.NoError(t, conn.ReadJSON(&s))
		if s.State != nil && s.State.Code == code {
			return
		}
	}
}

func TestLogBuffer(t *testing.T) {
	srv, _, logs := newServer(t)

	_, err := logs.Write([]byte("first line\nsecond "))
	require.NoError(t, err)
	_, err = logs.Write([]byte("line\n\n"))
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/logs")
	require.NoError(t, err)
	defer resp.Body.Close()
	entries := decode[[]LogEntry](t, resp)
	require.Len(t, entries, 2)
	assert.Equal(t, "first line", entries[0].Msg)
	assert.Equal(t, "second line", entries[1].Msg)

	tail, err := http.Get(srv.URL + "/api/logs?limit=1")
	require.NoError(t, err)
	defer tail.Body.Close()
	last := decode[[]LogEntry](t, tail)
	require.Len(t, last, 1)
	assert.Equal(t, "second line", last[0].Msg)
}

func TestParseLogLine(t *testing.T) {
	e := parseLine("2026-10-19T12:00:00.123+0200\tINFO\tlisten\tlisten/manager.go:224\tcreated session 482913")
	assert.Equal(t, "info", e.Level)
	assert.Equal(t, "listen", e.Logger)
	assert.Equal(t, "created session 482913", e.Msg)
	assert.Equal(t, 2026, e.TS.Year())

	plain := parseLine("just text")
	assert.Equal(t, "just text", plain.Msg)
	assert.Empty(t, plain.Level)
}
