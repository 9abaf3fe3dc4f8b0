// Package resolver fetches metadata for content ids the local store has
// never seen, from an HTTP catalogue service.
//
// The service is called with POST <endpoint> {"ids": [...]} and answers
// {"items": [{"id", "title", "artist", "album", "duration_ms", "url"}]}.
// Ids absent from the answer are unknown to the service.
package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/goopsync/internal/proto"
)

var log = logging.Logger("resolver")

const (
	DefaultMaxRetries  = 3
	DefaultConcurrency = 4
	DefaultCacheSize   = 4096

	maxResponseBytes = 8 << 20
)

// ErrNotFound marks ids the service answered without.
var ErrNotFound = errors.New("resolver: ids not found")

// PartialError reports ids that could not be resolved. Resolved items are
// still returned alongside it.
type PartialError struct {
	Missing []string
	Err     error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("resolver: %d ids unresolved: %v", len(e.Missing), e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// Options tune a Client. Zero values pick defaults.
type Options struct {
	Token       string
	Timeout     time.Duration
	MaxRetries  uint64
	Concurrency int
	CacheSize   int
}

type Client struct {
	Endpoint string
	HTTP     *http.Client

	token       string
	maxRetries  uint64
	concurrency int
	cache       *lru.Cache[string, proto.Item]
}

func NewClient(endpoint string, o Options) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("resolver: empty endpoint")
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.CacheSize <= 0 {
		o.CacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, proto.Item](o.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("resolver cache: %w", err)
	}
	return &Client{
		Endpoint:    endpoint,
		HTTP:        &http.Client{Timeout: o.Timeout},
		token:       o.Token,
		maxRetries:  o.MaxRetries,
		concurrency: o.Concurrency,
		cache:       cache,
	}, nil
}

// Fetch resolves ids in batches of at most maxBatch (<= 0 means one batch).
// Batches run concurrently and are retried with backoff; a batch that keeps
// failing leaves its ids in the PartialError instead of failing the others.
func (c *Client) Fetch(ctx context.Context, ids []string, maxBatch int) ([]proto.Item, error) {
	var want []string
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		want = append(want, id)
	}

	found := make(map[string]proto.Item, len(want))
	var pending []string
	for _, id := range want {
		if it, ok := c.cache.Get(id); ok {
			found[id] = it
			continue
		}
		pending = append(pending, id)
	}

	if maxBatch <= 0 {
		maxBatch = len(pending)
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for start := 0; start < len(pending); start += maxBatch {
		batch := pending[start:min(start+maxBatch, len(pending))]
		g.Go(func() error {
			items, err := c.fetchWithRetry(ctx, batch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			for _, it := range items {
				if !seen[it.ID] {
					continue
				}
				found[it.ID] = it
				c.cache.Add(it.ID, it)
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]proto.Item, 0, len(found))
	var missing []string
	for _, id := range want {
		if it, ok := found[id]; ok {
			out = append(out, it)
		} else {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	cause := errors.Join(errs...)
	if cause == nil {
		cause = ErrNotFound
	}
	return out, &PartialError{Missing: missing, Err: cause}
}

func (c *Client) fetchWithRetry(ctx context.Context, batch []string) ([]proto.Item, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxInterval = 2 * time.Second
	b := backoff.WithContext(backoff.WithMaxRetries(eb, c.maxRetries), ctx)

	var items []proto.Item
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		var err error
		items, err = c.fetchBatch(ctx, batch)
		if err != nil {
			log.Debugf("batch of %d ids, attempt %d: %v", len(batch), attempt, err)
		}
		return err
	}, b)
	return items, err
}

type statusError struct {
	code   int
	status string
}

func (e *statusError) Error() string { return "status " + e.status }

func (c *Client) fetchBatch(ctx context.Context, batch []string) ([]proto.Item, error) {
	body, _ := json.Marshal(map[string]any{"ids": batch})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("content-type", "application/json")
	if c.token != "" {
		req.Header.Set("authorization", "Bearer "+c.token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		se := &statusError{code: resp.StatusCode, status: resp.Status}
		// Client errors will not change on retry; throttling and 5xx may.
		if resp.StatusCode/100 == 4 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(se)
		}
		return nil, se
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	return parseItems(raw)
}

func parseItems(raw []byte) ([]proto.Item, error) {
	if !gjson.ValidBytes(raw) {
		return nil, backoff.Permanent(errors.New("invalid JSON response"))
	}
	res := gjson.GetBytes(raw, "items")
	if !res.IsArray() {
		return nil, backoff.Permanent(errors.New(`response has no "items" array`))
	}
	var out []proto.Item
	res.ForEach(func(_, v gjson.Result) bool {
		id := v.Get("id").String()
		if id == "" {
			return true
		}
		out = append(out, proto.Item{
			ID:         id,
			Title:      v.Get("title").String(),
			Artist:     v.Get("artist").String(),
			Album:      v.Get("album").String(),
			DurationMs: v.Get("duration_ms").Int(),
			URL:        v.Get("url").String(),
		})
		return true
	})
	return out, nil
}
