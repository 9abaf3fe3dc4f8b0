package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// catalogue serves the ids it knows and records batch sizes.
type catalogue struct {
	mu      sync.Mutex
	known   map[string]string
	batches [][]string
	fail    atomic.Int32 // respond 503 this many times first
	status  int          // fixed failure status when non-zero
}

func (c *catalogue) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if c.status != 0 {
		http.Error(w, "nope", c.status)
		return
	}
	if c.fail.Load() > 0 {
		c.fail.Add(-1)
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c.mu.Lock()
	c.batches = append(c.batches, req.IDs)
	c.mu.Unlock()

	var items []map[string]any
	for _, id := range req.IDs {
		if title, ok := c.known[id]; ok {
			items = append(items, map[string]any{"id": id, "title": title, "duration_ms": 180000})
		}
	}
	w.Header().Set("content-type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"items": items})
}

func newClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, Options{Timeout: 2 * time.Second})
	require.NoError(t, err)
	return c
}

func TestFetchBatchesAndOrders(t *testing.T) {
	cat := &catalogue{known: map[string]string{}}
	var ids []string
	for i := 0; i < 7; i++ {
		id := fmt.Sprintf("s%d", i)
		cat.known[id] = "Song " + id
		ids = append(ids, id)
	}
	c := newClient(t, cat)

	items, err := c.Fetch(context.Background(), append(ids, "s0", ""), 3)
	require.NoError(t, err)
	require.Len(t, items, 7)
	for i, it := range items {
		assert.Equal(t, ids[i], it.ID)
		assert.Equal(t, int64(180000), it.DurationMs)
	}

	cat.mu.Lock()
	assert.Len(t, cat.batches, 3)
	for _, b := range cat.batches {
		assert.LessOrEqual(t, len(b), 3)
	}
	cat.mu.Unlock()
}

func TestFetchPartial(t *testing.T) {
	cat := &catalogue{known: map[string]string{"s2": "Two"}}
	c := newClient(t, cat)

	items, err := c.Fetch(context.Background(), []string{"s2", "s4"}, 10)
	require.Len(t, items, 1)
	assert.Equal(t, "Two", items[0].Title)

	var pe *PartialError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, []string{"s4"}, pe.Missing)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	cat := &catalogue{known: map[string]string{"a": "A"}}
	cat.fail.Store(2)
	c := newClient(t, cat)

	items, err := c.Fetch(context.Background(), []string{"a"}, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestFetchTotalFailure(t *testing.T) {
	cat := &catalogue{status: http.StatusForbidden}
	c := newClient(t, cat)

	items, err := c.Fetch(context.Background(), []string{"a", "b"}, 1)
	assert.Empty(t, items)
	var pe *PartialError
	require.ErrorAs(t, err, &pe)
	assert.ElementsMatch(t, []string{"a", "b"}, pe.Missing)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestFetchUsesCache(t *testing.T) {
	cat := &catalogue{known: map[string]string{"a": "A"}}
	c := newClient(t, cat)

	_, err := c.Fetch(context.Background(), []string{"a"}, 0)
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), []string{"a"}, 0)
	require.NoError(t, err)

	cat.mu.Lock()
	assert.Len(t, cat.batches, 1)
	cat.mu.Unlock()
}

func TestParseItemsRejectsGarbage(t *testing.T) {
	_, err := parseItems([]byte("not json"))
	assert.Error(t, err)
	_, err = parseItems([]byte(`{"results": []}`))
	assert.Error(t, err)

	items, err := parseItems([]byte(`{"items": [{"title": "no id"}, {"id": "x"}]}`))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "x", items[0].ID)
}
