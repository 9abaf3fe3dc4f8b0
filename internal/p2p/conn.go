package p2p

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/petervdpas/goopsync/internal/transport"
)

// Connect implements transport.Dialer. GossipSub has no broker; the
// delivery guarantee and the retained flag are advisory.
func (n *Node) Connect(ctx context.Context, endpoint string, _ *transport.Credentials, h transport.Handlers) (transport.Conn, error) {
	if err := n.bootstrap(ctx, endpoint); err != nil {
		return nil, &transport.ConnectionError{Endpoint: endpoint, Err: err}
	}
	cctx, cancel := context.WithCancel(context.Background())
	return &conn{
		node:     n,
		handlers: h,
		ctx:      cctx,
		cancel:   cancel,
		subs:     make(map[string]*pubsub.Subscription),
	}, nil
}

type conn struct {
	node     *Node
	handlers transport.Handlers
	ctx      context.Context
	cancel   context.CancelFunc

	mu     sync.Mutex
	closed bool
	subs   map[string]*pubsub.Subscription
	token  atomic.Uint64
}

func (c *conn) Subscribe(_ context.Context, topic string, _ transport.Guarantee) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if _, ok := c.subs[topic]; ok {
		return nil
	}

	t, err := c.node.topic(topic)
	if err != nil {
		return err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return err
	}
	c.subs[topic] = sub
	go c.readLoop(topic, sub)
	return nil
}

func (c *conn) readLoop(topic string, sub *pubsub.Subscription) {
	self := c.node.Host.ID()
	for {
		m, err := sub.Next(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil && !errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				log.Warnf("subscription %s ended: %v", topic, err)
				if c.handlers.OnConnectionLost != nil {
					c.handlers.OnConnectionLost(err)
				}
			}
			return
		}
		// GossipSub loops our own publishes back to local subscribers.
		if m.GetFrom() == self {
			continue
		}
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(topic, m.Data)
		}
	}
}

// FiltersSelf is true: readLoop drops our own GossipSub messages.
func (c *conn) FiltersSelf() bool { return true }

func (c *conn) Publish(ctx context.Context, topic string, payload []byte, _ transport.Guarantee, _ bool) (uint64, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, transport.ErrClosed
	}

	t, err := c.node.topic(topic)
	if err != nil {
		return 0, err
	}

	if err := t.Publish(ctx, payload); err != nil {
		return 0, err
	}
	tok := c.token.Add(1)
	if c.handlers.OnDeliveryAcknowledged != nil {
		c.handlers.OnDeliveryAcknowledged(tok)
	}
	return tok, nil
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	c.cancel()
	for _, sub := range subs {
		sub.Cancel()
	}
	return nil
}

var _ transport.Dialer = (*Node)(nil)
