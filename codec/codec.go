// Package codec serializes values for storage. The server uses it to persist
// artifact metadata next to payload bytes.
package codec

import "fmt"

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// Kind names a codec in configuration and tags the values it wrote, so a
// server that switches codecs can still read older entries.
type Kind uint8

const (
	KindCBOR     Kind = 1
	KindMsgpack  Kind = 2
	KindJSON     Kind = 3
	KindProtobuf Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindCBOR:
		return "cbor"
	case KindMsgpack:
		return "msgpack"
	case KindJSON:
		return "json"
	case KindProtobuf:
		return "protobuf"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind parses a codec name as used in configuration.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{KindCBOR, KindMsgpack, KindJSON, KindProtobuf} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("codec: unknown codec %q", s)
}
