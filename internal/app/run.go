package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopsync/internal/config"
	"github.com/petervdpas/goopsync/internal/listen"
	"github.com/petervdpas/goopsync/internal/p2p"
	"github.com/petervdpas/goopsync/internal/resolver"
	"github.com/petervdpas/goopsync/internal/storage"
	"github.com/petervdpas/goopsync/internal/transport"
	"github.com/petervdpas/goopsync/internal/transport/mqtt"
	"github.com/petervdpas/goopsync/internal/util"
	"github.com/petervdpas/goopsync/internal/viewer"
	"github.com/petervdpas/goopsync/internal/wire"
)

var log = logging.Logger("app")

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

// Run starts one peer from its directory and blocks until ctx is done.
func Run(ctx context.Context, opt Options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := opt.Cfg
	SetLogLevel(cfg.Log.Level)

	logBuf := viewer.NewLogBuffer(800)
	logBuf.Capture(ctx)

	logBanner(opt.PeerDir, opt.CfgPath)

	// ── Storage
	db, err := storage.Open(util.ResolvePath(opt.PeerDir, cfg.Paths.DataDir))
	if err != nil {
		return err
	}
	defer db.Close()

	peerID, err := db.PeerID(ctx)
	if err != nil {
		return err
	}

	// ── Transport
	dialer, closeDialer, err := buildDialer(ctx, opt.PeerDir, cfg)
	if err != nil {
		return err
	}
	defer closeDialer()

	// ── Session manager
	mopts, err := managerOptions(cfg, dialer)
	if err != nil {
		return err
	}
	mopts.PeerID = peerID
	mopts.Identities = db.Identities()
	mopts.Items = db

	sm, err := listen.New(mopts)
	if err != nil {
		return err
	}
	defer sm.Close()

	sm.Restore()
	if snap := sm.Snapshot(); snap.State != nil {
		log.Infof("restored session %s (%s)", snap.State.Code, snap.Phase)
	}

	// ── Live config
	live := newLiveSettings(cfg, sm)
	if err := config.Watch(ctx, opt.CfgPath, live.apply); err != nil {
		log.Warnf("config watch disabled: %v", err)
	}

	// ── Viewer
	addr, url, ok := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
	if !ok {
		log.Info("viewer disabled; running headless")
		<-ctx.Done()
		return nil
	}
	log.Infof("control surface: %s/api/session", url)
	return viewer.Start(ctx, addr, viewer.Viewer{
		Session:     sm,
		Logs:        logBuf,
		DisplayName: live.DisplayName,
	})
}

// liveSettings holds what a config reload changes in a running peer.
type liveSettings struct {
	sm   *listen.Manager
	name atomic.Pointer[string]
}

func newLiveSettings(cfg config.Config, sm *listen.Manager) *liveSettings {
	l := &liveSettings{sm: sm}
	l.name.Store(&cfg.Profile.DisplayName)
	return l
}

func (l *liveSettings) apply(c config.Config) {
	SetLogLevel(c.Log.Level)
	if l.sm != nil {
		l.sm.SetDriftThreshold(c.DriftThreshold())
	}
	name := c.Profile.DisplayName
	l.name.Store(&name)
}

// DisplayName is the profile name of the latest loaded config.
func (l *liveSettings) DisplayName() string { return *l.name.Load() }

// managerOptions maps config onto listen.Options, leaving stores unset.
func managerOptions(cfg config.Config, dialer transport.Dialer) (listen.Options, error) {
	codec, err := wire.ForFormat(wire.Format(cfg.Session.WireFormat))
	if err != nil {
		return listen.Options{}, err
	}
	o := listen.Options{
		Dialer:              dialer,
		Endpoint:            cfg.Transport.Endpoint,
		Credentials:         cfg.Credentials(),
		Guarantee:           cfg.Guarantee(),
		TopicPrefix:         cfg.Session.TopicPrefix,
		Codec:               codec,
		MaxBatchSize:        cfg.Session.MaxBatchSize,
		CodeAlphabet:        cfg.Session.CodeAlphabet,
		CodeLength:          cfg.Session.CodeLength,
		DriftThreshold:      cfg.DriftThreshold(),
		ConnectTimeout:      time.Duration(cfg.Transport.ConnectTimeoutSec) * time.Second,
		Reconnect:           cfg.Transport.Reconnect,
		ReconnectMaxElapsed: time.Duration(cfg.Transport.ReconnectMaxSec) * time.Second,
		HistorySize:         cfg.Session.HistorySize,
	}

	// Only set when configured: a nil *Client in the interface is not nil.
	if u := strings.TrimSpace(cfg.Resolver.URL); u != "" {
		rc, err := resolver.NewClient(u, resolver.Options{
			Token:       cfg.Resolver.Token,
			Timeout:     time.Duration(cfg.Resolver.TimeoutSec) * time.Second,
			MaxRetries:  uint64(cfg.Resolver.MaxRetries),
			Concurrency: cfg.Resolver.Concurrency,
			CacheSize:   cfg.Resolver.CacheSize,
		})
		if err != nil {
			return listen.Options{}, err
		}
		o.Resolver = rc
	}
	return o, nil
}

// buildDialer picks the transport named by transport.kind. The returned
// func releases whatever the dialer holds.
func buildDialer(ctx context.Context, peerDir string, cfg config.Config) (transport.Dialer, func(), error) {
	noop := func() {}
	switch cfg.Transport.Kind {
	case config.TransportMQTT:
		return mqtt.Dialer{ClientIDPrefix: "goopsync-"}, noop, nil

	case config.TransportP2P:
		node, err := p2p.New(ctx, p2p.Options{
			ListenPort: cfg.Transport.ListenPort,
			KeyFile:    util.ResolvePath(peerDir, cfg.Paths.KeyFile),
			MdnsTag:    cfg.Transport.MdnsTag,
			Relays:     cfg.Transport.Relays,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("start p2p node: %w", err)
		}
		log.Infof("p2p node %s", node.ID())
		for _, a := range node.Addrs() {
			log.Infof("  %s", a)
		}
		return node, func() { _ = node.Close() }, nil

	case config.TransportMemory:
		log.Warn("memory transport: sessions are only visible inside this process")
		return transport.NewHub(), noop, nil
	}
	return nil, nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
}

// ConfigPath returns the config file location for a peer directory.
func ConfigPath(peerDir string) string {
	return filepath.Join(peerDir, config.FileName)
}
