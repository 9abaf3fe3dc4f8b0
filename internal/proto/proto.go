package proto

import "time"

const (
	// Default prefix for session topics; the full topic is prefix + session code.
	SessionTopicPrefix = "goopsync/session/"

	MdnsTag = "goopsync-mdns"

	// Placeholder host name a joiner shows until a PRESENCE arrives.
	UnresolvedHost = "<unresolved>"

	// Default drift tolerance before a remote UPDATE forces a physical seek.
	DefaultDriftThreshold = 2000 * time.Millisecond

	DefaultCodeAlphabet = "0123456789"
	DefaultCodeLength   = 6
)

// Topic derives the pub/sub topic for a session code.
func Topic(prefix, code string) string {
	if prefix == "" {
		prefix = SessionTopicPrefix
	}
	return prefix + code
}

func NowMillis() int64 { return time.Now().UnixMilli() }

// Item is a playable content record as stored locally or returned by a
// content resolver.
type Item struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Artist     string `json:"artist,omitempty"`
	Album      string `json:"album,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	URL        string `json:"url,omitempty"`
}

// Identity is the persisted session membership of the local peer. It is
// either complete or treated as absent.
type Identity struct {
	SessionCode string `json:"session_code"`
	IsHost      bool   `json:"is_host"`
	DisplayName string `json:"display_name"`
}

// Complete reports whether every field needed for recovery is present.
func (id Identity) Complete() bool {
	return id.SessionCode != "" && id.DisplayName != ""
}
