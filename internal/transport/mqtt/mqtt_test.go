package mqtt

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopsync/internal/transport"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// startBroker runs an in-process broker that accepts any client. stop may
// be called more than once.
func startBroker(t *testing.T) (stop func(), url string) {
	t.Helper()
	addr := freeAddr(t)

	srv := mochi.New(&mochi.Options{})
	require.NoError(t, srv.AddHook(new(auth.AllowHook), nil))
	require.NoError(t, srv.AddListener(listeners.NewTCP(listeners.Config{ID: "test", Address: addr})))
	go func() { _ = srv.Serve() }()
	var once sync.Once
	stop = func() { once.Do(func() { _ = srv.Close() }) }
	t.Cleanup(stop)

	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		_ = c.Close()
		return true
	}, 3*time.Second, 10*time.Millisecond)
	return stop, "tcp://" + addr
}

type events struct {
	msgs chan []byte
	acks chan uint64
	lost chan error
}

func newEvents() (*events, transport.Handlers) {
	ev := &events{
		msgs: make(chan []byte, 16),
		acks: make(chan uint64, 16),
		lost: make(chan error, 1),
	}
	return ev, transport.Handlers{
		OnMessage:              func(_ string, payload []byte) { ev.msgs <- payload },
		OnDeliveryAcknowledged: func(tok uint64) { ev.acks <- tok },
		OnConnectionLost:       func(cause error) { ev.lost <- cause },
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

func TestRoundTrip(t *testing.T) {
	stopBroker, url := startBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ev, h := newEvents()
	c, err := Dialer{}.Connect(ctx, url, &transport.Credentials{Username: "alice", Password: "pw"}, h)
	require.NoError(t, err)
	assert.True(t, transport.Echoes(c))

	require.NoError(t, c.Subscribe(ctx, "goopsync/482913", transport.AtLeastOnce))

	for i, g := range []transport.Guarantee{transport.AtMostOnce, transport.AtLeastOnce, transport.ExactlyOnce} {
		tok, err := c.Publish(ctx, "goopsync/482913", []byte("QUEUE|s1,s2"), g, false)
		require.NoError(t, err, g.String())
		assert.Equal(t, uint64(i+1), tok)
		assert.Equal(t, tok, recv(t, ev.acks))
		assert.Equal(t, []byte("QUEUE|s1,s2"), recv(t, ev.msgs))
	}

	stopBroker()
	cause := recv(t, ev.lost)
	var ce *transport.ConnectionError
	require.ErrorAs(t, cause, &ce)
	assert.Equal(t, url, ce.Endpoint)

	require.NoError(t, c.Close())
	_, err = c.Publish(ctx, "goopsync/482913", []byte("x"), transport.AtLeastOnce, false)
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.ErrorIs(t, c.Subscribe(ctx, "goopsync/482913", transport.AtLeastOnce), transport.ErrClosed)
	assert.ErrorIs(t, c.Close(), transport.ErrClosed)
}

func TestTwoClientsShareTopic(t *testing.T) {
	_, url := startBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	evA, hA := newEvents()
	a, err := Dialer{ClientIDPrefix: "a-"}.Connect(ctx, url, nil, hA)
	require.NoError(t, err)
	defer a.Close()
	evB, hB := newEvents()
	b, err := Dialer{ClientIDPrefix: "b-"}.Connect(ctx, url, nil, hB)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Subscribe(ctx, "goopsync/1", transport.AtLeastOnce))
	require.NoError(t, b.Subscribe(ctx, "goopsync/1", transport.AtLeastOnce))

	_, err = a.Publish(ctx, "goopsync/1", []byte("UPDATE|song|0|true"), transport.AtLeastOnce, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("UPDATE|song|0|true"), recv(t, evB.msgs))
	assert.Equal(t, []byte("UPDATE|song|0|true"), recv(t, evA.msgs))

	// A clean close is not reported as a lost connection.
	require.NoError(t, b.Close())
	select {
	case err := <-evB.lost:
		t.Fatalf("unexpected connection lost: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectUnreachableBroker(t *testing.T) {
	addr := freeAddr(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Dialer{}.Connect(ctx, "tcp://"+addr, nil, transport.Handlers{})
	require.Error(t, err)
	var ce *transport.ConnectionError
	assert.ErrorAs(t, err, &ce)
	assert.Equal(t, "tcp://"+addr, ce.Endpoint)
}

func TestCancelledConnectDoesNotLinger(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	returned := make(chan struct{})
	closed := make(chan error, 1)
	go func() {
		sc, err := l.Accept()
		if err != nil {
			closed <- err
			return
		}
		defer sc.Close()
		buf := make([]byte, 256)
		_, _ = sc.Read(buf) // CONNECT

		// Accept only after the caller has given up.
		<-returned
		_, _ = sc.Write([]byte{0x20, 0x02, 0x00, 0x00})

		_ = sc.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			if _, err := sc.Read(buf); err != nil {
				closed <- err
				return
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err = Dialer{}.Connect(ctx, "tcp://"+l.Addr().String(), nil, transport.Handlers{})
	require.ErrorIs(t, err, context.Canceled)
	close(returned)

	err = recv(t, closed)
	var ne net.Error
	assert.False(t, errors.As(err, &ne) && ne.Timeout(), "client kept the late connection open")
	assert.True(t, errors.Is(err, io.EOF) || errors.As(err, &ne), "unexpected error %v", err)
}
