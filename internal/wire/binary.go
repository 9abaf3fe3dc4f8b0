package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// frameMarker opens every binary frame. No text kind starts with it.
	frameMarker byte = 0x00

	// SchemaVersion is written into every binary frame. Decoders accept
	// this version and newer; unknown fields of newer versions are skipped.
	SchemaVersion byte = 2
)

// Field numbers of the binary body.
const (
	fieldKind     protowire.Number = 1
	fieldFrom     protowire.Number = 2
	fieldClock    protowire.Number = 3
	fieldName     protowire.Number = 4
	fieldItemID   protowire.Number = 5
	fieldPosition protowire.Number = 6
	fieldPlaying  protowire.Number = 7
	fieldQueueID  protowire.Number = 8
)

// BinaryCodec speaks the versioned, length-prefixed frame format:
//
//	0x00 | version | uvarint(len(body)) | body
//
// where body is a sequence of protobuf-wire tagged fields.
type BinaryCodec struct{}

func (BinaryCodec) Format() Format { return FormatBinary }

func (BinaryCodec) Encode(m Message) ([]byte, error) {
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, m.Kind)
	}

	var body []byte
	body = protowire.AppendTag(body, fieldKind, protowire.VarintType)
	body = protowire.AppendVarint(body, uint64(m.Kind))
	if m.From != "" {
		body = protowire.AppendTag(body, fieldFrom, protowire.BytesType)
		body = protowire.AppendString(body, m.From)
	}
	if m.Clock != 0 {
		body = protowire.AppendTag(body, fieldClock, protowire.VarintType)
		body = protowire.AppendVarint(body, m.Clock)
	}
	if m.Name != "" {
		body = protowire.AppendTag(body, fieldName, protowire.BytesType)
		body = protowire.AppendString(body, m.Name)
	}
	if m.ItemID != "" {
		body = protowire.AppendTag(body, fieldItemID, protowire.BytesType)
		body = protowire.AppendString(body, m.ItemID)
	}
	if m.PositionMs != 0 {
		body = protowire.AppendTag(body, fieldPosition, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(m.PositionMs))
	}
	if m.Playing {
		body = protowire.AppendTag(body, fieldPlaying, protowire.VarintType)
		body = protowire.AppendVarint(body, protowire.EncodeBool(true))
	}
	for _, id := range m.Queue {
		if id == "" {
			continue
		}
		body = protowire.AppendTag(body, fieldQueueID, protowire.BytesType)
		body = protowire.AppendString(body, id)
	}

	out := make([]byte, 0, len(body)+12)
	out = append(out, frameMarker, SchemaVersion)
	out = protowire.AppendVarint(out, uint64(len(body)))
	return append(out, body...), nil
}

func (BinaryCodec) Decode(data []byte) (Message, error) {
	if len(data) < 3 || data[0] != frameMarker {
		return Message{}, fmt.Errorf("%w: not a binary frame", ErrMalformed)
	}
	if data[1] < SchemaVersion {
		return Message{}, fmt.Errorf("%w: schema version %d", ErrMalformed, data[1])
	}

	size, n := protowire.ConsumeVarint(data[2:])
	if n < 0 {
		return Message{}, fmt.Errorf("%w: frame length: %v", ErrMalformed, protowire.ParseError(n))
	}
	body := data[2+n:]
	if uint64(len(body)) != size {
		return Message{}, fmt.Errorf("%w: frame length %d, body %d", ErrMalformed, size, len(body))
	}

	var m Message
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		body = body[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldKind || num == fieldClock || num == fieldPosition || num == fieldPlaying):
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			body = body[n:]
			switch num {
			case fieldKind:
				if v > 0xff {
					return Message{}, fmt.Errorf("%w: kind %d", ErrUnknownKind, v)
				}
				m.Kind = Kind(v)
			case fieldClock:
				m.Clock = v
			case fieldPosition:
				if int64(v) < 0 {
					return Message{}, fmt.Errorf("%w: negative position", ErrMalformed)
				}
				m.PositionMs = int64(v)
			case fieldPlaying:
				m.Playing = protowire.DecodeBool(v)
			}

		case typ == protowire.BytesType && (num == fieldFrom || num == fieldName || num == fieldItemID || num == fieldQueueID):
			s, n := protowire.ConsumeString(body)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			body = body[n:]
			switch num {
			case fieldFrom:
				m.From = s
			case fieldName:
				m.Name = s
			case fieldItemID:
				m.ItemID = s
			case fieldQueueID:
				if s != "" {
					m.Queue = append(m.Queue, s)
				}
			}

		case num <= fieldQueueID:
			return Message{}, fmt.Errorf("%w: field %d has wire type %d", ErrMalformed, num, typ)

		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			body = body[n:]
		}
	}

	if m.Kind == 0 {
		return Message{}, fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	if !m.Kind.Valid() {
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownKind, m.Kind)
	}
	if m.Kind != KindQueue {
		m.Queue = nil
	}
	return m, nil
}
