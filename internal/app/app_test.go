package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopsync/internal/config"
	"github.com/petervdpas/goopsync/internal/resolver"
	"github.com/petervdpas/goopsync/internal/transport"
	"github.com/petervdpas/goopsync/internal/transport/mqtt"
	"github.com/petervdpas/goopsync/internal/wire"
)

func TestNormalizeLocalViewer(t *testing.T) {
	addr, url, ok := NormalizeLocalViewer(":8790")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:8790", addr)
	assert.Equal(t, "http://127.0.0.1:8790", url)

	addr, _, _ = NormalizeLocalViewer("0.0.0.0:9000")
	assert.Equal(t, "127.0.0.1:9000", addr)

	_, _, ok = NormalizeLocalViewer("  ")
	assert.False(t, ok)
}

func TestManagerOptionsLeavesResolverNilWhenUnset(t *testing.T) {
	cfg := config.Default()
	o, err := managerOptions(cfg, transport.NewHub())
	require.NoError(t, err)
	assert.Nil(t, o.Resolver)
	assert.Equal(t, wire.FormatBinary, o.Codec.Format())
	assert.Equal(t, 2*time.Second, o.DriftThreshold)
	assert.Equal(t, 3*time.Second, o.ConnectTimeout)

	cfg.Resolver.URL = "http://catalogue.local/items"
	cfg.Session.WireFormat = string(wire.FormatText)
	o, err = managerOptions(cfg, transport.NewHub())
	require.NoError(t, err)
	assert.IsType(t, &resolver.Client{}, o.Resolver)
	assert.Equal(t, wire.FormatText, o.Codec.Format())
}

func TestBuildDialer(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()

	d, closeFn, err := buildDialer(ctx, t.TempDir(), cfg)
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, mqtt.Dialer{}, d)

	cfg.Transport.Kind = config.TransportMemory
	d, closeFn, err = buildDialer(ctx, t.TempDir(), cfg)
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &transport.Hub{}, d)

	cfg.Transport.Kind = "smoke-signals"
	_, _, err = buildDialer(ctx, t.TempDir(), cfg)
	assert.Error(t, err)
}

func TestReloadUpdatesDisplayName(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.FileName)
	cfg := config.Default()
	cfg.Profile.DisplayName = "Alice"
	require.NoError(t, config.Save(path, cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	live := newLiveSettings(cfg, nil)
	assert.Equal(t, "Alice", live.DisplayName())
	require.NoError(t, config.Watch(ctx, path, live.apply))

	cfg.Profile.DisplayName = "Alice B."
	require.NoError(t, config.Save(path, cfg))
	require.Eventually(t, func() bool { return live.DisplayName() == "Alice B." }, 3*time.Second, 10*time.Millisecond)
}
