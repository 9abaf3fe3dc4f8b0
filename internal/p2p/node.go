package p2p

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/host/autorelay"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/goopsync/internal/util"
)

var log = logging.Logger("p2p")

func init() {
	// Silence noisy libp2p subsystems; dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("relay", "info")
	logging.SetLogLevel("autorelay", "info")
	logging.SetLogLevel("autonat", "warn")
	logging.SetLogLevel("pubsub", "warn")
}

// Options configure a Node.
type Options struct {
	// ListenAddrs are multiaddrs to bind; default all interfaces on ListenPort.
	ListenAddrs []string
	ListenPort  int
	// KeyFile persists the Ed25519 identity. Empty means ephemeral.
	KeyFile string
	// MdnsTag enables LAN discovery when non-empty.
	MdnsTag string
	// Relays are static circuit relays (full /p2p/ multiaddrs).
	Relays []string
}

// Node is a libp2p host running GossipSub. It implements transport.Dialer:
// each session topic becomes a pubsub topic, and the endpoint passed to
// Connect is a comma separated list of bootstrap peer multiaddrs.
type Node struct {
	Host host.Host
	ps   *pubsub.PubSub
	mdns mdns.Service

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Debugf("mdns: connect %s: %v", pi.ID, err)
	}
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// New starts a host, optional mDNS discovery and the GossipSub router.
func New(ctx context.Context, o Options) (*Node, error) {
	var opts []libp2p.Option

	if o.KeyFile != "" {
		priv, isNew, err := loadOrCreateKey(o.KeyFile)
		if err != nil {
			return nil, err
		}
		if isNew {
			log.Infof("generated new identity key: %s", o.KeyFile)
		} else {
			log.Infof("loaded identity key: %s", o.KeyFile)
		}
		opts = append(opts, libp2p.Identity(priv))
	}

	listen := o.ListenAddrs
	if len(listen) == 0 {
		listen = []string{fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", o.ListenPort)}
	}
	opts = append(opts, libp2p.ListenAddrStrings(listen...))

	if len(o.Relays) > 0 {
		relays, err := parsePeers(o.Relays)
		if err != nil {
			return nil, fmt.Errorf("relays: %w", err)
		}
		opts = append(opts,
			libp2p.EnableRelay(),
			libp2p.EnableHolePunching(),
			libp2p.EnableAutoRelayWithStaticRelays(relays,
				autorelay.WithBootDelay(0),
				autorelay.WithBackoff(30*time.Second),
			),
		)
		log.Infof("relay: enabled (%d static relays)", len(relays))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}

	n := &Node{Host: h, topics: make(map[string]*pubsub.Topic)}

	if o.MdnsTag != "" {
		n.mdns = mdns.NewMdnsService(h, o.MdnsTag, &mdnsNotifee{h: h})
		if err := n.mdns.Start(); err != nil {
			_ = h.Close()
			return nil, err
		}
	}

	n.ps, err = pubsub.NewGossipSub(ctx, h)
	if err != nil {
		n.shutdown()
		return nil, err
	}
	return n, nil
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// Addrs returns dialable /p2p/ multiaddrs of this node, usable as a
// bootstrap endpoint by other peers.
func (n *Node) Addrs() []string {
	full, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: n.Host.ID(), Addrs: n.Host.Addrs()})
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(full))
	for _, a := range full {
		out = append(out, a.String())
	}
	return out
}

// Close stops discovery and the host.
func (n *Node) Close() error {
	return n.shutdown()
}

func (n *Node) shutdown() error {
	if n.mdns != nil {
		_ = n.mdns.Close()
	}
	return n.Host.Close()
}

// bootstrap dials every peer in endpoint. It fails only when peers were
// listed and none could be reached.
func (n *Node) bootstrap(ctx context.Context, endpoint string) error {
	var addrs []string
	for _, s := range strings.Split(endpoint, ",") {
		if s = strings.TrimSpace(s); s != "" {
			addrs = append(addrs, s)
		}
	}
	if len(addrs) == 0 {
		return nil
	}
	peers, err := parsePeers(addrs)
	if err != nil {
		return err
	}

	var errs []error
	for _, pi := range peers {
		if pi.ID == n.Host.ID() {
			continue
		}
		if err := n.Host.Connect(ctx, pi); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pi.ID, err))
		}
	}
	if len(errs) == len(peers) {
		return errors.Join(errs...)
	}
	for _, err := range errs {
		log.Debugf("bootstrap: %v", err)
	}
	return nil
}

func parsePeers(addrs []string) ([]peer.AddrInfo, error) {
	byID := make(map[peer.ID]*peer.AddrInfo)
	var order []peer.ID
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", s, err)
		}
		pi, err := peer.AddrInfoFromP2pAddr(a)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", s, err)
		}
		if cur, ok := byID[pi.ID]; ok {
			cur.Addrs = append(cur.Addrs, pi.Addrs...)
			continue
		}
		byID[pi.ID] = pi
		order = append(order, pi.ID)
	}
	out := make([]peer.AddrInfo, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

// topic returns the pubsub handle for name, joining on first use. Handles
// stay joined for the node's lifetime so a session can be left and
// rejoined without racing GossipSub's asynchronous unsubscribe.
func (n *Node) topic(name string) (*pubsub.Topic, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.topics[name]; ok {
		return t, nil
	}
	t, err := n.ps.Join(name)
	if err != nil {
		return nil, err
	}
	n.topics[name] = t
	return t, nil
}
