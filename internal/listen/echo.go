package listen

import (
	"sync"
	"time"
)

const (
	echoWindow     = 30 * time.Second
	maxEchoPending = 256
)

// echoFilter counts published text frames whose broker echo has not come
// back yet. Text frames carry no sender, so the echo is recognized by its
// bytes: each expected payload drops one matching inbound frame.
type echoFilter struct {
	mu      sync.Mutex
	pending map[string][]time.Time
	size    int
	now     func() time.Time
}

func newEchoFilter() *echoFilter {
	return &echoFilter{pending: make(map[string][]time.Time), now: time.Now}
}

// expect registers payload before it is published.
func (f *echoFilter) expect(payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prune()
	if f.size >= maxEchoPending {
		return
	}
	k := string(payload)
	f.pending[k] = append(f.pending[k], f.now())
	f.size++
}

// forget undoes one expect after a failed publish.
func (f *echoFilter) forget(payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.take(string(payload))
}

// consume reports whether payload is an expected echo, and if so uses it up.
func (f *echoFilter) consume(payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prune()
	return f.take(string(payload))
}

// reset drops everything; echoes of a closed connection never arrive.
func (f *echoFilter) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.pending)
	f.size = 0
}

func (f *echoFilter) take(k string) bool {
	ts := f.pending[k]
	if len(ts) == 0 {
		return false
	}
	if len(ts) == 1 {
		delete(f.pending, k)
	} else {
		f.pending[k] = ts[1:]
	}
	f.size--
	return true
}

// prune drops entries older than echoWindow. Caller holds mu.
func (f *echoFilter) prune() {
	cutoff := f.now().Add(-echoWindow)
	for k, ts := range f.pending {
		i := 0
		for i < len(ts) && ts[i].Before(cutoff) {
			i++
		}
		if i == 0 {
			continue
		}
		f.size -= i
		if i == len(ts) {
			delete(f.pending, k)
		} else {
			f.pending[k] = ts[i:]
		}
	}
}
