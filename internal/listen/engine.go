package listen

import (
	"slices"
	"time"

	"github.com/petervdpas/goopsync/internal/proto"
	"github.com/petervdpas/goopsync/internal/wire"
)

// Outcome is the result of applying one inbound message.
type Outcome struct {
	Changed      bool
	SeekRequired bool
	HostResolved bool
	QueueChanged bool
	// Publish holds derived messages to send, already stamped.
	Publish []wire.Message
}

// Engine reconciles a SessionState with inbound and local changes. It is
// not safe for concurrent use; the Manager confines it to its loop.
//
// UPDATE and QUEUE carry a stamp (clock, peer). A stamped message replaces
// the held playback or queue only when its stamp orders after the stamp
// held, so stale or duplicate deliveries are no-ops. Unstamped text frames
// fall back to last-applied-wins.
//
// The clock is hybrid: a tick never goes below the wall clock in
// milliseconds, so a peer that restarts with the same id still stamps
// after everything it sent before.
type Engine struct {
	peerID string
	isHost bool
	state  *SessionState
	clock  uint64

	threshold time.Duration
	now       func() int64
	probe     func() (int64, bool)
}

// NewEngine takes ownership of st.
func NewEngine(peerID string, isHost bool, st *SessionState) *Engine {
	return &Engine{
		peerID:    peerID,
		isHost:    isHost,
		state:     st,
		threshold: proto.DefaultDriftThreshold,
		now:       proto.NowMillis,
	}
}

// SetDriftThreshold changes the tolerated position difference.
func (e *Engine) SetDriftThreshold(d time.Duration) {
	if d > 0 {
		e.threshold = d
	}
}

// SetPositionProbe installs a reader of the player's real position. When it
// reports false the logical position is used.
func (e *Engine) SetPositionProbe(fn func() (int64, bool)) { e.probe = fn }

// State returns a copy of the held state.
func (e *Engine) State() *SessionState { return e.state.clone() }

// Clock returns the current logical clock.
func (e *Engine) Clock() uint64 { return e.clock }

// LocalPosition is the player's position if known, else the logical
// position extrapolated while playing.
func (e *Engine) LocalPosition() int64 {
	if e.probe != nil {
		if pos, ok := e.probe(); ok {
			return pos
		}
	}
	return e.state.PlayState.At(e.now())
}

func (e *Engine) observe(c uint64) {
	if c > e.clock {
		e.clock = c
	}
}

func (e *Engine) tick() wire.Stamp {
	e.clock = max(e.clock+1, uint64(max(e.now(), 0)))
	return wire.Stamp{Clock: e.clock, Peer: e.peerID}
}

// sign marks a control message with the sender and the current clock so
// receivers advance past it.
func (e *Engine) sign(m wire.Message) wire.Message {
	m.From = e.peerID
	m.Clock = e.clock
	return m
}

// Presence builds this peer's host announcement.
func (e *Engine) Presence() wire.Message { return e.sign(wire.Presence(e.state.HostName)) }

// Join builds a join notice for displayName.
func (e *Engine) Join(displayName string) wire.Message { return e.sign(wire.Join(displayName)) }

// RequestState builds a bootstrap request.
func (e *Engine) RequestState() wire.Message { return e.sign(wire.RequestState()) }

// ApplyRemote applies a message received from a peer. It never republishes
// the UPDATE or QUEUE it applied; JOIN and REQUEST_STATE answer with a
// bootstrap broadcast.
func (e *Engine) ApplyRemote(m wire.Message) Outcome {
	if m.From != "" && m.From == e.peerID {
		return Outcome{}
	}
	e.observe(m.Clock)

	switch m.Kind {
	case wire.KindPresence:
		if m.Name == "" || e.state.HostResolved() {
			return Outcome{}
		}
		e.state.HostName = m.Name
		e.state.addParticipant(m.Name)
		return Outcome{Changed: true, HostResolved: true}

	case wire.KindJoin:
		return Outcome{
			Changed: e.state.addParticipant(m.Name),
			Publish: e.Bootstrap(),
		}

	case wire.KindUpdate:
		return e.applyUpdate(m)

	case wire.KindQueue:
		return e.applyQueue(m)

	case wire.KindRequestState:
		return Outcome{Publish: e.Bootstrap()}
	}
	return Outcome{}
}

func (e *Engine) applyUpdate(m wire.Message) Outcome {
	stamp := m.Stamp()
	if !stamp.IsZero() && !stamp.After(e.state.PlaybackStamp) {
		return Outcome{}
	}

	cur := e.state.PlayState
	pos := max(m.PositionMs, 0)
	if stamp.IsZero() && cur.ItemID == m.ItemID && cur.PositionMs == pos && cur.Playing == m.Playing {
		return Outcome{}
	}

	local := e.LocalPosition()
	drift := time.Duration(abs(pos-local)) * time.Millisecond
	itemChanged := m.ItemID != cur.ItemID

	e.state.PlayState = PlayState{ItemID: m.ItemID, PositionMs: pos, Playing: m.Playing, UpdatedAt: e.now()}
	e.state.PlaybackStamp = stamp
	return Outcome{Changed: true, SeekRequired: itemChanged || drift > e.threshold}
}

func (e *Engine) applyQueue(m wire.Message) Outcome {
	stamp := m.Stamp()
	if !stamp.IsZero() && !stamp.After(e.state.QueueStamp) {
		return Outcome{}
	}
	q := cleanQueue(m.Queue)
	if stamp.IsZero() && slices.Equal(q, e.state.Queue) {
		return Outcome{}
	}
	e.state.Queue = q
	e.state.QueueStamp = stamp
	return Outcome{Changed: true, QueueChanged: true}
}

// RecordPlayback applies a local playback change and returns the one
// message announcing it.
func (e *Engine) RecordPlayback(itemID string, positionMs int64, playing bool) wire.Message {
	stamp := e.tick()
	pos := max(positionMs, 0)
	e.state.PlayState = PlayState{ItemID: itemID, PositionMs: pos, Playing: playing, UpdatedAt: e.now()}
	e.state.PlaybackStamp = stamp
	return wire.Update(itemID, pos, playing).Stamped(stamp)
}

// RecordQueue applies a local queue change and returns the one message
// announcing it.
func (e *Engine) RecordQueue(ids []string) wire.Message {
	stamp := e.tick()
	e.state.Queue = cleanQueue(ids)
	e.state.QueueStamp = stamp
	return wire.QueueSnapshot(e.state.Queue).Stamped(stamp)
}

// Bootstrap returns what this peer shares with a late joiner: PRESENCE if
// hosting, the playback if an item is current, the queue if non-empty.
// Snapshots keep their original stamps so answers from several peers
// collapse into one application on the receiver.
func (e *Engine) Bootstrap() []wire.Message {
	var out []wire.Message
	if e.isHost && e.state.HostResolved() && e.state.HostName != "" {
		out = append(out, e.Presence())
	}
	if ps := e.state.PlayState; ps.ItemID != "" {
		out = append(out, wire.Update(ps.ItemID, e.LocalPosition(), ps.Playing).Stamped(e.state.PlaybackStamp))
	}
	if len(e.state.Queue) > 0 {
		out = append(out, wire.QueueSnapshot(e.state.Queue).Stamped(e.state.QueueStamp))
	}
	return out
}

func cleanQueue(ids []string) []string {
	var q []string
	for _, id := range ids {
		if id != "" {
			q = append(q, id)
		}
	}
	return q
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
