package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func sampleMessages() map[string]Message {
	return map[string]Message{
		"presence":       Presence("Alice"),
		"join":           Join("Bob"),
		"update":         Update("song123", 15000, true),
		"update paused":  Update("song123", 0, false),
		"update nothing": Update("", 0, false),
		"update null id": Update("null", 42, true),
		"queue":          QueueSnapshot([]string{"s1", "s2", "s3"}),
		"queue empty":    QueueSnapshot(nil),
		"request state":  RequestState(),
		"escaped names":  Join("A|B,C%D"),
		"escaped queue":  QueueSnapshot([]string{"a,b", "c|d", "%6E"}),
	}
}

func TestTextRoundTrip(t *testing.T) {
	c := TextCodec{}
	for name, msg := range sampleMessages() {
		t.Run(name, func(t *testing.T) {
			b, err := c.Encode(msg)
			require.NoError(t, err)
			got, err := c.Decode(b)
			require.NoError(t, err)
			assert.Equal(t, msg, got)
		})
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	c := BinaryCodec{}
	for name, msg := range sampleMessages() {
		t.Run(name, func(t *testing.T) {
			stamped := msg.Stamped(Stamp{Clock: 7, Peer: "peer-a"})
			b, err := c.Encode(stamped)
			require.NoError(t, err)
			got, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, stamped, got)
		})
	}
}

func TestTextWireForm(t *testing.T) {
	c := TextCodec{}
	cases := []struct {
		msg  Message
		want string
	}{
		{Presence("Alice"), "PRESENCE|Alice"},
		{Join("Bob"), "JOIN|Bob"},
		{Update("song123", 15000, true), "UPDATE|song123|15000|true"},
		{Update("", 0, false), "UPDATE|null|0|false"},
		{QueueSnapshot([]string{"s1", "s2", "s3"}), "QUEUE|s1,s2,s3"},
		{QueueSnapshot(nil), "QUEUE|"},
		{RequestState(), "REQUEST_STATE|"},
	}
	for _, tc := range cases {
		b, err := c.Encode(tc.msg)
		require.NoError(t, err)
		assert.Equal(t, tc.want, string(b))
	}
}

func TestTextDecodeRejects(t *testing.T) {
	cases := map[string]error{
		"":                         ErrMalformed,
		"UPDATE":                   ErrMalformed,
		"UPDATE|song|abc|true":     ErrMalformed,
		"UPDATE|song|-5|true":      ErrMalformed,
		"UPDATE|song|100|maybe":    ErrMalformed,
		"UPDATE|song|100":          ErrMalformed,
		"SKIP|whatever":            ErrUnknownKind,
		"REACTION|thumbs|up|extra": ErrUnknownKind,
	}
	for in, want := range cases {
		_, err := Decode([]byte(in))
		assert.ErrorIs(t, err, want, "input %q", in)
	}
}

func TestTextDecodeTolerance(t *testing.T) {
	m, err := Decode([]byte("UPDATE|song|100|false|future-field\n"))
	require.NoError(t, err)
	assert.Equal(t, Update("song", 100, false), m)

	m, err = Decode([]byte("REQUEST_STATE|"))
	require.NoError(t, err)
	assert.Equal(t, KindRequestState, m.Kind)
}

func TestBinarySkipsUnknownFields(t *testing.T) {
	var body []byte
	body = protowire.AppendTag(body, fieldKind, protowire.VarintType)
	body = protowire.AppendVarint(body, uint64(KindJoin))
	body = protowire.AppendTag(body, 42, protowire.BytesType)
	body = protowire.AppendString(body, "added by a newer peer")
	body = protowire.AppendTag(body, fieldName, protowire.BytesType)
	body = protowire.AppendString(body, "Carol")

	frame := []byte{frameMarker, SchemaVersion + 1}
	frame = protowire.AppendVarint(frame, uint64(len(body)))
	frame = append(frame, body...)

	m, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, Join("Carol"), m)
}

func TestBinaryDecodeRejects(t *testing.T) {
	good, err := BinaryCodec{}.Encode(Update("x", 10, true))
	require.NoError(t, err)

	_, err = Decode(good[:len(good)-1])
	assert.ErrorIs(t, err, ErrMalformed, "truncated body")

	old := append([]byte{}, good...)
	old[1] = 1
	_, err = Decode(old)
	assert.ErrorIs(t, err, ErrMalformed, "old schema")

	var body []byte
	body = protowire.AppendTag(body, fieldKind, protowire.VarintType)
	body = protowire.AppendVarint(body, 99)
	frame := []byte{frameMarker, SchemaVersion}
	frame = protowire.AppendVarint(frame, uint64(len(body)))
	_, err = Decode(append(frame, body...))
	assert.ErrorIs(t, err, ErrUnknownKind)

	body = protowire.AppendTag(nil, fieldName, protowire.BytesType)
	body = protowire.AppendString(body, "no kind")
	frame = []byte{frameMarker, SchemaVersion}
	frame = protowire.AppendVarint(frame, uint64(len(body)))
	_, err = Decode(append(frame, body...))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestStampOrdering(t *testing.T) {
	a := Stamp{Clock: 3, Peer: "a"}
	b := Stamp{Clock: 3, Peer: "b"}
	c := Stamp{Clock: 4, Peer: "a"}

	assert.True(t, b.After(a))
	assert.False(t, a.After(b))
	assert.True(t, c.After(b))
	assert.False(t, a.After(a))
	assert.True(t, Stamp{}.IsZero())
}

func TestForFormat(t *testing.T) {
	c, err := ForFormat(FormatText)
	require.NoError(t, err)
	assert.Equal(t, FormatText, c.Format())

	c, err = ForFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatBinary, c.Format())

	_, err = ForFormat("xml")
	assert.Error(t, err)
}

func TestAttributed(t *testing.T) {
	bin, err := BinaryCodec{}.Encode(Update("x", 1, true).Stamped(Stamp{Clock: 1, Peer: "a"}))
	require.NoError(t, err)
	assert.True(t, Attributed(bin))

	txt, err := TextCodec{}.Encode(Update("x", 1, true))
	require.NoError(t, err)
	assert.False(t, Attributed(txt))
	assert.False(t, Attributed(nil))
}
