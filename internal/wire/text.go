package wire

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	fieldSep = "|"
	queueSep = ","
	nullItem = "null"
)

var (
	textEscaper   = strings.NewReplacer("%", "%25", "|", "%7C", ",", "%2C")
	textUnescaper = strings.NewReplacer("%25", "%", "%7C", "|", "%2C", ",", "%6E", "n")
)

// TextCodec speaks the pipe-delimited record format. It carries no sender
// or clock, so decoded messages are unversioned.
type TextCodec struct{}

func (TextCodec) Format() Format { return FormatText }

// Encode renders m as a text record. Reserved characters inside names and
// ids are percent-escaped, and an item literally named "null" is written
// so it cannot be mistaken for the absent marker.
func (TextCodec) Encode(m Message) ([]byte, error) {
	var b strings.Builder
	b.WriteString(m.Kind.String())
	b.WriteString(fieldSep)

	switch m.Kind {
	case KindPresence, KindJoin:
		b.WriteString(textEscaper.Replace(m.Name))
	case KindUpdate:
		switch m.ItemID {
		case "":
			b.WriteString(nullItem)
		case nullItem:
			b.WriteString("%6Eull")
		default:
			b.WriteString(textEscaper.Replace(m.ItemID))
		}
		b.WriteString(fieldSep)
		b.WriteString(strconv.FormatInt(m.PositionMs, 10))
		b.WriteString(fieldSep)
		b.WriteString(strconv.FormatBool(m.Playing))
	case KindQueue:
		for i, id := range m.Queue {
			if i > 0 {
				b.WriteString(queueSep)
			}
			b.WriteString(textEscaper.Replace(id))
		}
	case KindRequestState:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, m.Kind)
	}
	return []byte(b.String()), nil
}

// Decode parses a text record. Records with fewer than two fields, bad
// numbers or bad flags are ErrMalformed; unrecognized kinds ErrUnknownKind.
func (TextCodec) Decode(data []byte) (Message, error) {
	fields := strings.Split(strings.TrimRight(string(data), "\r\n"), fieldSep)
	if len(fields) < 2 {
		return Message{}, ErrMalformed
	}

	switch fields[0] {
	case "PRESENCE":
		return Message{Kind: KindPresence, Name: textUnescaper.Replace(fields[1])}, nil

	case "JOIN":
		return Message{Kind: KindJoin, Name: textUnescaper.Replace(fields[1])}, nil

	case "UPDATE":
		if len(fields) < 4 {
			return Message{}, fmt.Errorf("%w: update needs 3 fields, got %d", ErrMalformed, len(fields)-1)
		}
		m := Message{Kind: KindUpdate}
		if fields[1] != nullItem {
			m.ItemID = textUnescaper.Replace(fields[1])
		}
		pos, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil || pos < 0 {
			return Message{}, fmt.Errorf("%w: position %q", ErrMalformed, fields[2])
		}
		m.PositionMs = pos
		switch fields[3] {
		case "true":
			m.Playing = true
		case "false":
		default:
			return Message{}, fmt.Errorf("%w: flag %q", ErrMalformed, fields[3])
		}
		return m, nil

	case "QUEUE":
		m := Message{Kind: KindQueue}
		if fields[1] == "" {
			return m, nil
		}
		for _, id := range strings.Split(fields[1], queueSep) {
			if id == "" {
				continue
			}
			m.Queue = append(m.Queue, textUnescaper.Replace(id))
		}
		return m, nil

	case "REQUEST_STATE":
		return Message{Kind: KindRequestState}, nil
	}

	return Message{}, fmt.Errorf("%w: %q", ErrUnknownKind, fields[0])
}
