// Package transport defines the publish/subscribe adapter the session
// engine talks to. Adapters deliver at-least-once with possible duplicates
// and no ordering across publishers.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Guarantee is the requested delivery level (MQTT QoS 0/1/2).
type Guarantee byte

const (
	AtMostOnce Guarantee = iota
	AtLeastOnce
	ExactlyOnce
)

func (g Guarantee) String() string {
	switch g {
	case AtMostOnce:
		return "at-most-once"
	case AtLeastOnce:
		return "at-least-once"
	case ExactlyOnce:
		return "exactly-once"
	}
	return fmt.Sprintf("guarantee(%d)", byte(g))
}

// ParseGuarantee maps a QoS number to a Guarantee.
func ParseGuarantee(qos int) (Guarantee, error) {
	if qos < 0 || qos > 2 {
		return 0, fmt.Errorf("qos must be 0..2, got %d", qos)
	}
	return Guarantee(qos), nil
}

// Credentials authenticate against a broker. Nil means anonymous.
type Credentials struct {
	Username string
	Password string
}

// Handlers receive asynchronous transport events. Any may be nil.
// Callbacks run on adapter goroutines and must not block for long.
type Handlers struct {
	OnMessage              func(topic string, payload []byte)
	OnConnectionLost       func(cause error)
	OnDeliveryAcknowledged func(token uint64)
}

func (h Handlers) message(topic string, payload []byte) {
	if h.OnMessage != nil {
		h.OnMessage(topic, payload)
	}
}

func (h Handlers) lost(cause error) {
	if h.OnConnectionLost != nil {
		h.OnConnectionLost(cause)
	}
}

func (h Handlers) acked(token uint64) {
	if h.OnDeliveryAcknowledged != nil {
		h.OnDeliveryAcknowledged(token)
	}
}

// Dialer opens connections to a pub/sub endpoint.
type Dialer interface {
	Connect(ctx context.Context, endpoint string, creds *Credentials, h Handlers) (Conn, error)
}

// Conn is one live connection.
type Conn interface {
	Subscribe(ctx context.Context, topic string, g Guarantee) error
	// Publish sends payload and returns a token later passed to
	// OnDeliveryAcknowledged.
	Publish(ctx context.Context, topic string, payload []byte, g Guarantee, retained bool) (uint64, error)
	Close() error
}

// SelfFiltering is implemented by connections that never deliver a
// client's own publishes back to it.
type SelfFiltering interface {
	FiltersSelf() bool
}

// Echoes reports whether c delivers its own publishes to its subscriptions,
// as MQTT brokers and the Hub do.
func Echoes(c Conn) bool {
	f, ok := c.(SelfFiltering)
	return !ok || !f.FiltersSelf()
}

var (
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("transport: connection closed")
)

// ConnectionError wraps a failure to reach or stay connected to the endpoint.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport: connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
