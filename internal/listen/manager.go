package listen

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopsync/internal/proto"
	"github.com/petervdpas/goopsync/internal/transport"
	"github.com/petervdpas/goopsync/internal/util"
	"github.com/petervdpas/goopsync/internal/wire"
)

var log = logging.Logger("listen")

const (
	outboxCap          = 256
	commandCap         = 1024
	defaultHistorySize = 128
	publishTimeout     = 10 * time.Second
)

// ErrNoSession is returned by operations that need an active session.
var ErrNoSession = errors.New("no active session")

// IdentityStore persists the local session identity across restarts.
type IdentityStore interface {
	Load() (proto.Identity, bool, error)
	Save(proto.Identity) error
	Clear() error
}

// Options configure a Manager. Dialer is required.
type Options struct {
	Dialer      transport.Dialer
	Endpoint    string
	Credentials *transport.Credentials
	Guarantee   transport.Guarantee
	TopicPrefix string
	Codec       wire.Codec // nil = binary

	Identities   IdentityStore
	Items        ItemStore
	Resolver     Resolver
	MaxBatchSize int

	CodeAlphabet   string
	CodeLength     int
	DriftThreshold time.Duration

	// PeerID identifies this peer in binary frames; empty picks a random one.
	PeerID string

	ConnectTimeout time.Duration
	// Reconnect retries lost or failed connections with exponential backoff.
	Reconnect bool
	// ReconnectMaxElapsed bounds one reconnect episode; 0 = until leave.
	ReconnectMaxElapsed time.Duration

	// PlayerPosition reports the player's real position, if known.
	PlayerPosition func() (int64, bool)

	HistorySize int
}

// Manager runs the session lifecycle for the local peer. All session state
// is owned by one loop goroutine; public methods hand it closures and
// observers get copies.
type Manager struct {
	opts  Options
	codec wire.Codec

	cmds      chan func()
	quit      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	// loop-owned
	phase      Phase
	self       string
	isHost     bool
	connected  bool
	engine     *Engine
	sess       *session
	gen        uint64
	unresolved []string
	threshold  time.Duration
	restored   bool
	version    uint64

	snapMu sync.RWMutex
	snap   Snapshot

	subMu sync.Mutex
	subs  map[chan Snapshot]struct{}

	history *util.RingBuffer[HistoryEntry]
}

// session is one membership of one topic. Its goroutine owns the
// connection and drains the outbox in FIFO order.
type session struct {
	gen    uint64
	code   string
	topic  string
	strict bool // the first connect failure ends the session

	ctx    context.Context
	cancel context.CancelFunc

	outbox   chan wire.Message
	echoes   *echoFilter
	firstErr chan error
	stopped  chan struct{}
}

// New validates opts and starts the manager loop.
func New(opts Options) (*Manager, error) {
	if opts.Dialer == nil {
		return nil, errors.New("listen: no transport dialer")
	}
	if opts.CodeAlphabet == "" {
		opts.CodeAlphabet = proto.DefaultCodeAlphabet
	}
	if opts.CodeLength <= 0 {
		opts.CodeLength = proto.DefaultCodeLength
	}
	if err := ValidateCodeSpec(opts.CodeAlphabet, opts.CodeLength); err != nil {
		return nil, err
	}
	if opts.DriftThreshold <= 0 {
		opts.DriftThreshold = proto.DefaultDriftThreshold
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = util.DefaultConnectTimeout
	}
	if opts.PeerID == "" {
		opts.PeerID = uuid.NewString()
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}
	codec := opts.Codec
	if codec == nil {
		codec = wire.BinaryCodec{}
	}

	m := &Manager{
		opts:      opts,
		codec:     codec,
		cmds:      make(chan func(), commandCap),
		quit:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		threshold: opts.DriftThreshold,
		subs:      make(map[chan Snapshot]struct{}),
		history:   util.NewRingBuffer[HistoryEntry](opts.HistorySize),
	}
	m.snap = Snapshot{Phase: Disconnected}
	go m.loop()
	return m, nil
}

// PeerID returns the id stamped on outbound binary frames.
func (m *Manager) PeerID() string { return m.opts.PeerID }

func (m *Manager) loop() {
	defer close(m.loopDone)
	for {
		select {
		case fn := <-m.cmds:
			fn()
		case <-m.quit:
			return
		}
	}
}

// post queues fn for the loop. It reports false once the manager is closed.
func (m *Manager) post(fn func()) bool {
	select {
	case m.cmds <- fn:
		return true
	case <-m.quit:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (m *Manager) call(fn func()) bool {
	done := make(chan struct{})
	if !m.post(func() { defer close(done); fn() }) {
		return false
	}
	select {
	case <-done:
		return true
	case <-m.quit:
		return false
	}
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

// CreateSession starts hosting a new session and returns its code. Transport
// failures are reported asynchronously through snapshots.
func (m *Manager) CreateSession(displayName string) string {
	var code string
	m.call(func() {
		c, err := GenerateCode(m.opts.CodeAlphabet, m.opts.CodeLength)
		if err != nil {
			log.Errorf("create session: %v", err)
			return
		}
		code = c
		m.teardown()
		m.begin(code, displayName, true, Hosting, false)
		m.saveIdentity()
		log.Infof("created session %s as %q", code, displayName)
		m.enqueue(m.engine.Presence())
		m.publish(nil)
	})
	return code
}

// JoinSession joins an existing session. It reports false when the code is
// empty or the transport cannot be reached; the session is then rolled back.
// A session with no host yet still counts as joined.
func (m *Manager) JoinSession(code, displayName string) bool {
	code = NormalizeCode(code)
	if code == "" {
		return false
	}

	var s *session
	m.call(func() {
		m.teardown()
		s = m.begin(code, displayName, false, AwaitingHost, true)
		m.saveIdentity()
		m.enqueue(m.engine.Join(displayName))
		m.enqueue(m.engine.RequestState())
		m.publish(nil)
	})
	if s == nil {
		return false
	}

	var err error
	select {
	case err = <-s.firstErr:
	case <-m.quit:
		return false
	}
	if err == nil {
		log.Infof("joined session %s as %q", code, displayName)
		return true
	}

	log.Warnf("join session %s: %v", code, err)
	m.call(func() {
		if m.gen != s.gen {
			return
		}
		m.teardown()
		m.clearIdentity()
		m.publish(nil)
	})
	return false
}

// LeaveSession disconnects and forgets the session. Calling it while
// disconnected is a no-op apart from clearing any stored identity.
func (m *Manager) LeaveSession() {
	m.call(func() {
		was := m.phase
		m.teardown()
		m.clearIdentity()
		if was != Disconnected {
			log.Info("left session")
			m.publish(nil)
		}
	})
}

// Restore rejoins the session recorded by a previous run. Only the first
// call has an effect; a missing or unreadable identity leaves the manager
// disconnected.
func (m *Manager) Restore() {
	m.call(func() {
		if m.restored || m.phase != Disconnected {
			return
		}
		m.restored = true
		if m.opts.Identities == nil {
			return
		}
		id, ok, err := m.opts.Identities.Load()
		if err != nil {
			log.Warnf("load identity: %v", err)
			return
		}
		if !ok || !id.Complete() {
			return
		}

		m.phase = Restoring
		m.self = id.DisplayName
		m.publish(nil)

		phase := AwaitingHost
		if id.IsHost {
			phase = Hosting
		}
		m.begin(id.SessionCode, id.DisplayName, id.IsHost, phase, false)
		if id.IsHost {
			m.enqueue(m.engine.Presence())
		} else {
			m.enqueue(m.engine.RequestState())
		}
		log.Infof("restoring session %s as %q (%s)", id.SessionCode, id.DisplayName, phase)
		m.publish(nil)
	})
}

// begin installs fresh state and starts the session goroutine. Loop only.
func (m *Manager) begin(code, displayName string, host bool, phase Phase, strict bool) *session {
	m.gen++
	m.phase = phase
	m.self = displayName
	m.isHost = host
	m.connected = false
	m.unresolved = nil
	m.history.Reset()

	m.engine = NewEngine(m.opts.PeerID, host, newSessionState(code, displayName, host))
	m.engine.SetDriftThreshold(m.threshold)
	if m.opts.PlayerPosition != nil {
		m.engine.SetPositionProbe(m.opts.PlayerPosition)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		gen:      m.gen,
		code:     code,
		topic:    proto.Topic(m.opts.TopicPrefix, code),
		strict:   strict,
		ctx:      ctx,
		cancel:   cancel,
		outbox:   make(chan wire.Message, outboxCap),
		echoes:   newEchoFilter(),
		firstErr: make(chan error, 1),
		stopped:  make(chan struct{}),
	}
	m.sess = s
	go m.runSession(s)
	return s
}

// teardown cancels the current session. Completions from it are ignored
// afterwards because the generation moves on. Loop only.
func (m *Manager) teardown() {
	if m.sess != nil {
		m.sess.cancel()
		m.sess = nil
	}
	m.gen++
	m.phase = Disconnected
	m.self = ""
	m.isHost = false
	m.connected = false
	m.engine = nil
	m.unresolved = nil
}

func (m *Manager) saveIdentity() {
	if m.opts.Identities == nil || m.engine == nil {
		return
	}
	id := proto.Identity{SessionCode: m.engine.state.Code, IsHost: m.isHost, DisplayName: m.self}
	if err := m.opts.Identities.Save(id); err != nil {
		log.Warnf("save identity: %v", err)
	}
}

func (m *Manager) clearIdentity() {
	if m.opts.Identities == nil {
		return
	}
	if err := m.opts.Identities.Clear(); err != nil {
		log.Warnf("clear identity: %v", err)
	}
}

// ── Mutators ─────────────────────────────────────────────────────────────────

// UpdatePlaybackState records a local playback change and announces it.
func (m *Manager) UpdatePlaybackState(itemID string, positionMs int64, playing bool) {
	m.call(func() {
		if m.engine == nil {
			log.Debug("playback update without a session ignored")
			return
		}
		msg := m.engine.RecordPlayback(itemID, positionMs, playing)
		m.enqueue(msg)
		m.record(msg, Local)
		m.publish(&Cause{Kind: msg.Kind.String(), Provenance: Local})
	})
}

// UpdateQueue records a local queue change and announces it.
func (m *Manager) UpdateQueue(ids []string) {
	m.call(func() {
		if m.engine == nil {
			log.Debug("queue update without a session ignored")
			return
		}
		msg := m.engine.RecordQueue(ids)
		m.enqueue(msg)
		m.record(msg, Local)
		m.publish(&Cause{Kind: msg.Kind.String(), Provenance: Local})
		m.prefetch(msg.Queue)
	})
}

// SetDriftThreshold changes the tolerated drift for this and later sessions.
func (m *Manager) SetDriftThreshold(d time.Duration) {
	if d <= 0 {
		return
	}
	m.post(func() {
		m.threshold = d
		if m.engine != nil {
			m.engine.SetDriftThreshold(d)
		}
	})
}

// ── Observation ──────────────────────────────────────────────────────────────

// Snapshot returns a copy of the latest state.
func (m *Manager) Snapshot() Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap.Clone()
}

// IsHost reports whether the local peer hosts the current session.
func (m *Manager) IsHost() bool {
	return m.Snapshot().IsHost
}

// History returns recently applied changes of the current session, oldest
// first.
func (m *Manager) History() []HistoryEntry {
	return m.history.Snapshot()
}

// RecentHistory returns the newest n history entries, oldest first, and the
// number held in total.
func (m *Manager) RecentHistory(n int) ([]HistoryEntry, int) {
	return m.history.Tail(n), m.history.Len()
}

// Subscribe returns a channel that receives snapshots. A slow reader skips
// intermediate snapshots but always gets the latest.
func (m *Manager) Subscribe() (ch <-chan Snapshot, cancel func()) {
	c := make(chan Snapshot, 1)

	m.subMu.Lock()
	if m.subs == nil {
		m.subMu.Unlock()
		close(c)
		return c, func() {}
	}
	m.subs[c] = struct{}{}
	m.subMu.Unlock()

	cancel = func() {
		m.subMu.Lock()
		if _, ok := m.subs[c]; ok {
			delete(m.subs, c)
			close(c)
		}
		m.subMu.Unlock()
	}
	return c, cancel
}

// publish stores a new snapshot and fans it out. Loop only.
func (m *Manager) publish(cause *Cause) {
	m.version++
	s := Snapshot{
		Version:    m.version,
		Phase:      m.phase,
		IsHost:     m.isHost,
		Connected:  m.connected,
		Self:       m.self,
		Unresolved: slices.Clone(m.unresolved),
		Cause:      cause,
	}
	if m.engine != nil {
		s.State = m.engine.State()
	}

	m.snapMu.Lock()
	m.snap = s
	m.snapMu.Unlock()

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- s.Clone():
		default:
			// Replace the unread snapshot with the newer one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s.Clone():
			default:
			}
		}
	}
}

func (m *Manager) record(msg wire.Message, p Provenance) {
	e := HistoryEntry{At: proto.NowMillis(), Kind: msg.Kind.String(), Provenance: p, From: msg.From}
	switch msg.Kind {
	case wire.KindUpdate:
		item := msg.ItemID
		if item == "" {
			item = "-"
		}
		e.Detail = fmt.Sprintf("%s @%dms playing=%t", item, msg.PositionMs, msg.Playing)
	case wire.KindQueue:
		e.Detail = fmt.Sprintf("%d items", len(msg.Queue))
	case wire.KindJoin, wire.KindPresence:
		e.Detail = msg.Name
	}
	m.history.Push(e)
}

// ── Inbound ──────────────────────────────────────────────────────────────────

func (m *Manager) receive(s *session, msg wire.Message) {
	if m.gen != s.gen || m.engine == nil {
		return
	}
	if msg.From != "" && msg.From == m.opts.PeerID {
		return
	}

	out := m.engine.ApplyRemote(msg)
	for _, p := range out.Publish {
		m.enqueue(p)
	}
	if out.HostResolved && m.phase == AwaitingHost {
		m.phase = Joined
		log.Infof("host of session %s is %q", s.code, msg.Name)
	}
	if !out.Changed {
		return
	}
	m.record(msg, Remote)
	m.publish(&Cause{Kind: msg.Kind.String(), Provenance: Remote, SeekRequired: out.SeekRequired})
	if out.QueueChanged {
		m.prefetch(m.engine.state.Queue)
	}
}

// enqueue hands msg to the session outbox without blocking the loop.
func (m *Manager) enqueue(msg wire.Message) {
	if m.sess == nil {
		return
	}
	select {
	case m.sess.outbox <- msg:
	default:
		log.Warnf("outbox full, dropping %s", msg.Kind)
	}
}

// prefetch resolves queue ids in the background and reports the ones that
// stay unresolved. Loop only.
func (m *Manager) prefetch(queue []string) {
	s := m.sess
	if s == nil || m.opts.Items == nil {
		return
	}
	queue = slices.Clone(queue)
	go func() {
		pl := Materialize(s.ctx, m.opts.Items, m.opts.Resolver, m.opts.MaxBatchSize, queue, PlayState{})
		if s.ctx.Err() != nil {
			return
		}
		m.post(func() {
			if m.gen != s.gen || m.engine == nil || !slices.Equal(m.engine.state.Queue, queue) {
				return
			}
			if slices.Equal(m.unresolved, pl.Unresolved) {
				return
			}
			m.unresolved = pl.Unresolved
			m.publish(nil)
		})
	}()
}

// Materialize builds a playlist from the current queue and playback.
func (m *Manager) Materialize(ctx context.Context) (Playlist, error) {
	snap := m.Snapshot()
	if snap.State == nil {
		return Playlist{}, ErrNoSession
	}
	play := snap.State.PlayState
	play.PositionMs = play.At(proto.NowMillis())
	return Materialize(ctx, m.opts.Items, m.opts.Resolver, m.opts.MaxBatchSize, snap.State.Queue, play), nil
}

// ── Connection supervision ───────────────────────────────────────────────────

func (m *Manager) runSession(s *session) {
	defer close(s.stopped)

	var bo backoff.BackOff
	if m.opts.Reconnect {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 500 * time.Millisecond
		eb.MaxInterval = 30 * time.Second
		eb.MaxElapsedTime = m.opts.ReconnectMaxElapsed
		bo = backoff.WithContext(eb, s.ctx)
	}

	first := true
	for {
		conn, lost, err := m.dial(s)
		if err != nil {
			if first {
				s.firstErr <- err
			}
			if s.ctx.Err() != nil {
				return
			}
			m.post(func() { m.connectFailed(s, err) })
			if (first && s.strict) || bo == nil {
				return
			}
			first = false
			if !m.wait(s, bo) {
				return
			}
			continue
		}
		if bo != nil {
			bo.Reset()
		}

		reconnected := !first
		m.post(func() { m.attached(s, reconnected) })
		if first {
			s.firstErr <- nil
			first = false
		}

		cause := m.drain(s, conn, lost)
		_ = conn.Close()
		if cause == nil {
			return
		}
		m.post(func() { m.connectionLost(s, cause) })
		if bo == nil || !m.wait(s, bo) {
			return
		}
	}
}

func (m *Manager) wait(s *session, bo backoff.BackOff) bool {
	d := bo.NextBackOff()
	if d == backoff.Stop {
		log.Warnf("session %s: giving up reconnecting", s.code)
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// dial connects and subscribes to the session topic.
func (m *Manager) dial(s *session) (transport.Conn, <-chan error, error) {
	ctx, cancel := context.WithTimeout(s.ctx, m.opts.ConnectTimeout)
	defer cancel()

	s.echoes.reset()
	lost := make(chan error, 1)
	h := transport.Handlers{
		OnMessage: func(_ string, payload []byte) {
			if s.echoes.consume(payload) {
				return
			}
			msg, err := wire.Decode(payload)
			if err != nil {
				log.Debugf("dropping frame on %s: %v", s.topic, err)
				return
			}
			m.post(func() { m.receive(s, msg) })
		},
		OnConnectionLost: func(cause error) {
			select {
			case lost <- cause:
			default:
			}
		},
		OnDeliveryAcknowledged: func(tok uint64) {
			log.Debugf("delivery %d acknowledged on %s", tok, s.topic)
		},
	}

	conn, err := m.opts.Dialer.Connect(ctx, m.opts.Endpoint, m.opts.Credentials, h)
	if err != nil {
		return nil, nil, err
	}
	if err := conn.Subscribe(ctx, s.topic, m.opts.Guarantee); err != nil {
		_ = conn.Close()
		return nil, nil, &transport.ConnectionError{Endpoint: m.opts.Endpoint, Err: err}
	}
	return conn, lost, nil
}

// drain publishes outbox messages in order until the session ends (nil)
// or the connection is lost (the cause).
func (m *Manager) drain(s *session, conn transport.Conn, lost <-chan error) error {
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case cause := <-lost:
			return cause
		case msg := <-s.outbox:
			payload, err := m.codec.Encode(msg)
			if err != nil {
				log.Errorf("encode %s: %v", msg.Kind, err)
				continue
			}
			track := !wire.Attributed(payload) && transport.Echoes(conn)
			if track {
				s.echoes.expect(payload)
			}
			ctx, cancel := context.WithTimeout(s.ctx, publishTimeout)
			_, err = conn.Publish(ctx, s.topic, payload, m.opts.Guarantee, false)
			cancel()
			if err == nil {
				continue
			}
			if track {
				s.echoes.forget(payload)
			}
			if s.ctx.Err() != nil {
				return nil
			}
			log.Warnf("publish %s on %s: %v", msg.Kind, s.topic, err)
			if transport.IsClosed(err) {
				return err
			}
		}
	}
}

func (m *Manager) attached(s *session, reconnected bool) {
	if m.gen != s.gen || m.engine == nil {
		return
	}
	m.connected = true
	if reconnected {
		log.Infof("reconnected to session %s", s.code)
		if m.isHost {
			m.enqueue(m.engine.Presence())
		} else {
			m.enqueue(m.engine.RequestState())
		}
	}
	m.publish(nil)
}

func (m *Manager) connectFailed(s *session, err error) {
	if m.gen != s.gen {
		return
	}
	log.Warnf("connect session %s: %v", s.code, err)
	if m.connected {
		m.connected = false
		m.publish(nil)
	}
}

func (m *Manager) connectionLost(s *session, cause error) {
	if m.gen != s.gen {
		return
	}
	log.Warnf("session %s connection lost: %v", s.code, cause)
	m.connected = false
	m.publish(nil)
}

// Close ends the session without forgetting it, so the next run can
// Restore, and stops the manager.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		var s *session
		m.call(func() {
			s = m.sess
			m.teardown()
		})
		close(m.quit)
		<-m.loopDone
		if s != nil {
			<-s.stopped
		}

		m.subMu.Lock()
		for ch := range m.subs {
			close(ch)
		}
		m.subs = nil
		m.subMu.Unlock()
	})
}
