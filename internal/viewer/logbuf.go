package viewer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopsync/internal/util"
)

// LogEntry is one captured log line. Level and Logger are filled when the
// line has the tab separated plaintext layout of the process logger.
type LogEntry struct {
	TS     time.Time `json:"ts"`
	Level  string    `json:"level,omitempty"`
	Logger string    `json:"logger,omitempty"`
	Msg    string    `json:"msg"`
}

// LogBuffer keeps the most recent log lines for /api/logs and streams new
// ones to subscribers.
type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[LogEntry]
	subs    map[chan LogEntry]struct{}
	partial bytes.Buffer
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
	}
}

// Capture tees the process log output into b until ctx is done.
func (b *LogBuffer) Capture(ctx context.Context) {
	pr := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	go func() {
		<-ctx.Done()
		_ = pr.Close()
	}()
	go func() { _, _ = io.Copy(b, pr) }()
}

// Write implements io.Writer; complete lines become entries.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		i := bytes.IndexByte(b.partial.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(b.partial.Next(i + 1)[:i]), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		e := parseLine(line)
		b.entries.Push(e)
		for ch := range b.subs {
			select {
			case ch <- e:
			default: // slow subscriber misses lines
			}
		}
	}
	return len(p), nil
}

// parseLine splits "<ts>\t<LEVEL>\t<logger>\t<caller>\t<msg>".
func parseLine(line string) LogEntry {
	e := LogEntry{TS: time.Now(), Msg: line}
	parts := strings.SplitN(line, "\t", 5)
	if len(parts) < 4 {
		return e
	}
	e.Level = strings.ToLower(parts[1])
	e.Logger = parts[2]
	e.Msg = parts[len(parts)-1]
	if ts, err := time.Parse("2006-01-02T15:04:05.000Z0700", parts[0]); err == nil {
		e.TS = ts
	}
	return e
}

func (b *LogBuffer) Subscribe() (ch <-chan LogEntry, cancel func()) {
	c := make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[c] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[c]; ok {
			delete(b.subs, c)
			close(c)
		}
		b.mu.Unlock()
	}
	return c, cancel
}

// GET /api/logs?limit=N
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	writeJSON(w, b.entries.Tail(limit))
}

// GET /api/logs/stream (Server-Sent Events), new lines only
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := b.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, _ := json.Marshal(e)
			_, _ = w.Write([]byte("event: log\ndata: "))
			_, _ = w.Write(data)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}
