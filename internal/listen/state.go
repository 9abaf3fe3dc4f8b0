// Package listen keeps a shared playback session (active item, position,
// play/pause and queue) consistent across peers that talk only through a
// publish/subscribe topic.
package listen

import (
	"fmt"
	"slices"

	"github.com/petervdpas/goopsync/internal/proto"
	"github.com/petervdpas/goopsync/internal/wire"
)

// Phase is the session lifecycle position of the local peer.
type Phase int

const (
	Disconnected Phase = iota
	Restoring
	Hosting
	AwaitingHost
	Joined
)

var phaseNames = [...]string{"disconnected", "restoring", "hosting", "awaiting_host", "joined"}

func (p Phase) String() string {
	if int(p) >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	i := slices.Index(phaseNames[:], string(b))
	if i < 0 {
		return fmt.Errorf("unknown phase %q", b)
	}
	*p = Phase(i)
	return nil
}

// Provenance tells whether a change originated locally or was applied from
// a peer.
type Provenance int

const (
	Local Provenance = iota
	Remote
)

func (p Provenance) String() string {
	if p == Remote {
		return "remote"
	}
	return "local"
}

func (p Provenance) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Provenance) UnmarshalText(b []byte) error {
	switch string(b) {
	case "local":
		*p = Local
	case "remote":
		*p = Remote
	default:
		return fmt.Errorf("unknown provenance %q", b)
	}
	return nil
}

// PlayState describes the current playback position.
type PlayState struct {
	ItemID     string `json:"item_id,omitempty"` // "" = nothing playing
	PositionMs int64  `json:"position_ms"`
	Playing    bool   `json:"playing"`
	UpdatedAt  int64  `json:"updated_at"` // unix millis
}

// At returns the position extrapolated to nowMs while playing.
func (p PlayState) At(nowMs int64) int64 {
	if p.ItemID == "" {
		return 0
	}
	pos := p.PositionMs
	if p.Playing && nowMs > p.UpdatedAt {
		pos += nowMs - p.UpdatedAt
	}
	return pos
}

// SessionState is the replicated session. The Engine owns it; everyone
// else sees copies.
type SessionState struct {
	Code         string    `json:"code"`
	HostName     string    `json:"host_name"`
	Participants []string  `json:"participants"`
	PlayState    PlayState `json:"play_state"`
	Queue        []string  `json:"queue"`

	PlaybackStamp wire.Stamp `json:"playback_stamp"`
	QueueStamp    wire.Stamp `json:"queue_stamp"`
}

func newSessionState(code, displayName string, isHost bool) *SessionState {
	st := &SessionState{Code: code, HostName: proto.UnresolvedHost}
	if isHost {
		st.HostName = displayName
	}
	st.addParticipant(displayName)
	return st
}

// addParticipant appends name unless empty or present.
func (s *SessionState) addParticipant(name string) bool {
	if name == "" || slices.Contains(s.Participants, name) {
		return false
	}
	s.Participants = append(s.Participants, name)
	return true
}

// HostResolved reports whether the host's display name is known.
func (s *SessionState) HostResolved() bool {
	return s.HostName != proto.UnresolvedHost
}

func (s *SessionState) clone() *SessionState {
	if s == nil {
		return nil
	}
	c := *s
	c.Participants = slices.Clone(s.Participants)
	c.Queue = slices.Clone(s.Queue)
	return &c
}

// Cause describes what produced a snapshot.
type Cause struct {
	Kind         string     `json:"kind"`
	Provenance   Provenance `json:"provenance"`
	SeekRequired bool       `json:"seek_required,omitempty"`
}

// Snapshot is an immutable view of the local peer's session.
type Snapshot struct {
	Version   uint64        `json:"version"`
	Phase     Phase         `json:"phase"`
	IsHost    bool          `json:"is_host"`
	Connected bool          `json:"connected"`
	Self      string        `json:"self,omitempty"`
	State     *SessionState `json:"state,omitempty"`
	// Unresolved lists queued ids neither the local store nor the
	// resolver could provide.
	Unresolved []string `json:"unresolved,omitempty"`
	Cause      *Cause   `json:"cause,omitempty"`
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	s.State = s.State.clone()
	s.Unresolved = slices.Clone(s.Unresolved)
	if s.Cause != nil {
		c := *s.Cause
		s.Cause = &c
	}
	return s
}

// HistoryEntry records one applied change.
type HistoryEntry struct {
	At         int64      `json:"at"`
	Kind       string     `json:"kind"`
	Provenance Provenance `json:"provenance"`
	From       string     `json:"from,omitempty"`
	Detail     string     `json:"detail,omitempty"`
}
