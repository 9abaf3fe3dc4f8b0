// Package mqtt adapts an MQTT broker connection to transport.Dialer.
package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopsync/internal/transport"
)

var log = logging.Logger("mqtt")

const disconnectQuiesceMs = 250

// Dialer connects to MQTT brokers. Endpoints are broker URLs such as
// "tcp://broker.local:1883" or "ws://broker.local:8080/mqtt".
type Dialer struct {
	// ClientIDPrefix is prepended to a random id per connection.
	ClientIDPrefix string
	KeepAlive      time.Duration
}

// Connect implements transport.Dialer. Reconnects are left to the caller;
// the broker client's own auto-reconnect is disabled.
func (d Dialer) Connect(ctx context.Context, endpoint string, creds *transport.Credentials, h transport.Handlers) (transport.Conn, error) {
	c := &conn{handlers: h, endpoint: endpoint}

	prefix := d.ClientIDPrefix
	if prefix == "" {
		prefix = "goopsync-"
	}
	opts := paho.NewClientOptions().
		AddBroker(endpoint).
		SetClientID(prefix + uuid.NewString()[:8]).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			if c.closed.Load() {
				return
			}
			log.Warnf("connection to %s lost: %v", endpoint, err)
			if h.OnConnectionLost != nil {
				h.OnConnectionLost(&transport.ConnectionError{Endpoint: endpoint, Err: err})
			}
		})
	if d.KeepAlive > 0 {
		opts.SetKeepAlive(d.KeepAlive)
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts.SetConnectTimeout(time.Until(deadline))
	}
	if creds != nil {
		opts.SetUsername(creds.Username)
		opts.SetPassword(creds.Password)
	}

	c.client = paho.NewClient(opts)
	if err := wait(ctx, c.client.Connect()); err != nil {
		// Abort a connect still in flight so it cannot complete unowned.
		c.closed.Store(true)
		c.client.Disconnect(0)
		return nil, &transport.ConnectionError{Endpoint: endpoint, Err: err}
	}
	log.Debugf("connected to %s", endpoint)
	return c, nil
}

type conn struct {
	client   paho.Client
	handlers transport.Handlers
	endpoint string

	closed atomic.Bool
	token  atomic.Uint64
	once   sync.Once
}

func (c *conn) Subscribe(ctx context.Context, topic string, g transport.Guarantee) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	tok := c.client.Subscribe(topic, byte(g), func(_ paho.Client, m paho.Message) {
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(m.Topic(), m.Payload())
		}
	})
	if err := wait(ctx, tok); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (c *conn) Publish(ctx context.Context, topic string, payload []byte, g transport.Guarantee, retained bool) (uint64, error) {
	if c.closed.Load() {
		return 0, transport.ErrClosed
	}
	id := c.token.Add(1)
	if err := wait(ctx, c.client.Publish(topic, byte(g), retained, payload)); err != nil {
		return 0, fmt.Errorf("publish %s: %w", topic, err)
	}
	if c.handlers.OnDeliveryAcknowledged != nil {
		c.handlers.OnDeliveryAcknowledged(id)
	}
	return id, nil
}

func (c *conn) Close() error {
	if c.closed.Swap(true) {
		return transport.ErrClosed
	}
	c.once.Do(func() { c.client.Disconnect(disconnectQuiesceMs) })
	return nil
}

// wait blocks until the broker completes tok or ctx ends.
func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ transport.Dialer = Dialer{}
