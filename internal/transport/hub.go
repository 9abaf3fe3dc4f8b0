package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

const hubInboxCap = 1024

// Hub is an in-process broker. Every connection subscribed to a topic
// (the publisher included, as with MQTT) receives each publish in the order
// the hub accepted it. It backs tests and single-process demos.
type Hub struct {
	mu         sync.Mutex
	subs       map[string]map[*hubConn]struct{}
	conns      map[*hubConn]struct{}
	connectErr error
	duplicate  bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:  make(map[string]map[*hubConn]struct{}),
		conns: make(map[*hubConn]struct{}),
	}
}

// SetConnectError makes subsequent Connect calls fail with err (nil clears).
func (h *Hub) SetConnectError(err error) {
	h.mu.Lock()
	h.connectErr = err
	h.mu.Unlock()
}

// SetDuplicate makes the hub deliver every message twice, exercising
// at-least-once handling in receivers.
func (h *Hub) SetDuplicate(on bool) {
	h.mu.Lock()
	h.duplicate = on
	h.mu.Unlock()
}

// Sever drops every live connection and reports the loss to its owner.
func (h *Hub) Sever(cause error) {
	h.mu.Lock()
	conns := make([]*hubConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if c.shutdown() {
			c.h.lost(cause)
		}
	}
}

// Connect implements Dialer.
func (h *Hub) Connect(ctx context.Context, endpoint string, _ *Credentials, handlers Handlers) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connectErr != nil {
		return nil, &ConnectionError{Endpoint: endpoint, Err: h.connectErr}
	}

	c := &hubConn{
		hub:    h,
		h:      handlers,
		topics: make(map[string]struct{}),
		inbox:  make(chan delivery, hubInboxCap),
		done:   make(chan struct{}),
	}
	h.conns[c] = struct{}{}
	go c.pump()
	return c, nil
}

type delivery struct {
	topic   string
	payload []byte
}

type hubConn struct {
	hub *Hub
	h   Handlers

	mu     sync.Mutex
	closed bool
	topics map[string]struct{}

	inbox chan delivery
	done  chan struct{}
	token atomic.Uint64
}

func (c *hubConn) pump() {
	for {
		select {
		case d := <-c.inbox:
			c.h.message(d.topic, d.payload)
		case <-c.done:
			return
		}
	}
}

func (c *hubConn) Subscribe(ctx context.Context, topic string, _ Guarantee) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.topics[topic] = struct{}{}
	c.mu.Unlock()

	c.hub.mu.Lock()
	set, ok := c.hub.subs[topic]
	if !ok {
		set = make(map[*hubConn]struct{})
		c.hub.subs[topic] = set
	}
	set[c] = struct{}{}
	c.hub.mu.Unlock()
	return nil
}

func (c *hubConn) Publish(ctx context.Context, topic string, payload []byte, _ Guarantee, _ bool) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	c.hub.mu.Lock()
	targets := make([]*hubConn, 0, len(c.hub.subs[topic]))
	for sub := range c.hub.subs[topic] {
		targets = append(targets, sub)
	}
	copies := 1
	if c.hub.duplicate {
		copies = 2
	}
	c.hub.mu.Unlock()

	data := append([]byte(nil), payload...)
	for _, sub := range targets {
		for i := 0; i < copies; i++ {
			select {
			case sub.inbox <- delivery{topic: topic, payload: data}:
			case <-sub.done:
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
	}

	tok := c.token.Add(1)
	c.h.acked(tok)
	return tok, nil
}

func (c *hubConn) Close() error {
	if !c.shutdown() {
		return ErrClosed
	}
	return nil
}

// shutdown detaches the connection; it reports false if already closed.
func (c *hubConn) shutdown() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	topics := c.topics
	c.topics = nil
	c.mu.Unlock()

	c.hub.mu.Lock()
	for t := range topics {
		delete(c.hub.subs[t], c)
		if len(c.hub.subs[t]) == 0 {
			delete(c.hub.subs, t)
		}
	}
	delete(c.hub.conns, c)
	c.hub.mu.Unlock()

	close(c.done)
	return true
}

var _ Dialer = (*Hub)(nil)

// IsClosed reports whether err signals a closed connection.
func IsClosed(err error) bool { return errors.Is(err, ErrClosed) }
