package p2p

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopsync/internal/transport"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n, err := New(context.Background(), Options{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestLoadOrCreateKeyIsStable(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "keys", "identity.key")

	k1, created, err := loadOrCreateKey(keyFile)
	require.NoError(t, err)
	assert.True(t, created)

	k2, created, err := loadOrCreateKey(keyFile)
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, k1.Equals(k2))
}

func TestGossipDelivery(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	var mu sync.Mutex
	var got []string
	ctx := context.Background()

	ca, err := a.Connect(ctx, "", nil, transport.Handlers{})
	require.NoError(t, err)
	defer ca.Close()
	cb, err := b.Connect(ctx, strings.Join(a.Addrs(), ","), nil, transport.Handlers{
		OnMessage: func(_ string, payload []byte) {
			mu.Lock()
			got = append(got, string(payload))
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer cb.Close()

	const topic = "goopsync/session/123456"
	require.NoError(t, ca.Subscribe(ctx, topic, transport.AtLeastOnce))
	require.NoError(t, cb.Subscribe(ctx, topic, transport.AtLeastOnce))

	// The mesh forms asynchronously; keep publishing until b hears a.
	require.Eventually(t, func() bool {
		if _, err := ca.Publish(ctx, topic, []byte("hello"), transport.AtLeastOnce, false); err != nil {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 10*time.Second, 200*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "hello", got[0])
	mu.Unlock()
}

func TestConnectUnreachableBootstrap(t *testing.T) {
	a := newTestNode(t)
	addrs := a.Addrs()
	require.NotEmpty(t, addrs)
	require.NoError(t, a.Close())

	b := newTestNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := b.Connect(ctx, addrs[0], nil, transport.Handlers{})
	var ce *transport.ConnectionError
	assert.ErrorAs(t, err, &ce)
}

func TestConnectRejectsBadEndpoint(t *testing.T) {
	n := newTestNode(t)
	_, err := n.Connect(context.Background(), "not-a-multiaddr", nil, transport.Handlers{})
	assert.Error(t, err)
}
