// Package wire encodes and decodes session protocol messages.
//
// Two frame formats exist. Text frames are the pipe-delimited records
// ("UPDATE|song123|15000|true") older peers speak. Binary frames carry a
// schema version, an explicit length and tagged fields, plus the sender's
// peer id and logical clock used to order state-carrying messages.
// Decode accepts either; the encoder is chosen by configuration.
package wire

import (
	"errors"
	"slices"
)

// Kind identifies a message variant.
type Kind uint8

const (
	KindPresence Kind = iota + 1
	KindJoin
	KindUpdate
	KindQueue
	KindRequestState
)

var kindNames = map[Kind]string{
	KindPresence:     "PRESENCE",
	KindJoin:         "JOIN",
	KindUpdate:       "UPDATE",
	KindQueue:        "QUEUE",
	KindRequestState: "REQUEST_STATE",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "UNKNOWN"
}

// Valid reports whether k is a kind this version understands.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

var (
	// ErrMalformed marks a payload that cannot be decoded. Receivers drop it.
	ErrMalformed = errors.New("wire: malformed message")

	// ErrUnknownKind marks a well-formed frame of a kind this peer does not
	// know. Receivers ignore it so newer peers can add kinds.
	ErrUnknownKind = errors.New("wire: unknown message kind")
)

// Message is the decoded form of every frame. Which fields are meaningful
// depends on Kind:
//
//	PRESENCE       Name (host name)
//	JOIN           Name (display name)
//	UPDATE         ItemID ("" = nothing playing), PositionMs, Playing
//	QUEUE          Queue (nil = empty)
//	REQUEST_STATE  -
//
// From and Clock are only carried by binary frames; text frames leave them
// zero, which receivers treat as unversioned.
type Message struct {
	Kind  Kind
	From  string
	Clock uint64

	Name       string
	ItemID     string
	PositionMs int64
	Playing    bool
	Queue      []string
}

// Stamp orders state-carrying messages: counter first, peer id second.
type Stamp struct {
	Clock uint64 `json:"clock"`
	Peer  string `json:"peer,omitempty"`
}

// Stamp returns the ordering key of m.
func (m Message) Stamp() Stamp {
	return Stamp{Clock: m.Clock, Peer: m.From}
}

// IsZero reports an unversioned stamp.
func (s Stamp) IsZero() bool { return s.Clock == 0 && s.Peer == "" }

// After reports whether s orders strictly after o.
func (s Stamp) After(o Stamp) bool {
	if s.Clock != o.Clock {
		return s.Clock > o.Clock
	}
	return s.Peer > o.Peer
}

// Presence builds a host announcement.
func Presence(hostName string) Message {
	return Message{Kind: KindPresence, Name: hostName}
}

// Join builds a join notice.
func Join(displayName string) Message {
	return Message{Kind: KindJoin, Name: displayName}
}

// Update builds a full playback snapshot.
func Update(itemID string, positionMs int64, playing bool) Message {
	return Message{Kind: KindUpdate, ItemID: itemID, PositionMs: positionMs, Playing: playing}
}

// QueueSnapshot builds a full queue snapshot.
func QueueSnapshot(ids []string) Message {
	var q []string
	if len(ids) > 0 {
		q = slices.Clone(ids)
	}
	return Message{Kind: KindQueue, Queue: q}
}

// RequestState builds a bootstrap request.
func RequestState() Message {
	return Message{Kind: KindRequestState}
}

// Stamped returns a copy of m carrying the given sender and clock.
func (m Message) Stamped(s Stamp) Message {
	m.From = s.Peer
	m.Clock = s.Clock
	return m
}
