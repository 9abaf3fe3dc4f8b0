package wire

import "fmt"

// Format names a frame format.
type Format string

const (
	FormatText   Format = "text"
	FormatBinary Format = "binary"
)

// Codec converts between messages and transport payloads.
type Codec interface {
	Format() Format
	Encode(Message) ([]byte, error)
	Decode([]byte) (Message, error)
}

// ForFormat returns the codec for a configured format name.
func ForFormat(f Format) (Codec, error) {
	switch f {
	case FormatBinary, "":
		return BinaryCodec{}, nil
	case FormatText:
		return TextCodec{}, nil
	}
	return nil, fmt.Errorf("wire: unknown format %q", f)
}

// Decode parses a payload in either format.
func Decode(data []byte) (Message, error) {
	if len(data) > 0 && data[0] == frameMarker {
		return BinaryCodec{}.Decode(data)
	}
	return TextCodec{}.Decode(data)
}

// Attributed reports whether a payload names its sender. Only binary
// frames do; receivers cannot tell their own text frames from a peer's.
func Attributed(data []byte) bool {
	return len(data) > 0 && data[0] == frameMarker
}
