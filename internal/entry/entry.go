// Package entry frames stored artifacts: encoded metadata plus a payload
// that may be compressed.
package entry

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const version byte = 1

var (
	ErrCorrupt = errors.New("buildcache: corrupt entry")
	magic4     = [...]byte{'B', 'C', 'A', 'E'}
)

// magic(4) | ver(1) | codec(1) | compression(1) | rawLen(u32 be)
// | metaLen(u32 be) | meta | payloadLen(u32 be) | payload
const hdr = 4 + 1 + 1 + 1 + 4 + 4

// Entry is a decoded stored artifact. Meta is still in its codec's form;
// Codec names which one.
type Entry struct {
	Codec   byte
	Meta    []byte
	Payload []byte
}

// Encode frames e. The payload is compressed with c when it is at least
// minSize bytes and the algorithm actually shrinks it; otherwise it is
// stored as is.
func Encode(e Entry, c Compression, minSize int) ([]byte, error) {
	stored, used := e.Payload, CompressionNone
	if c != CompressionNone && len(e.Payload) >= minSize {
		out, err := compress(c, e.Payload)
		switch {
		case err == nil:
			stored, used = out, c
		case !errors.Is(err, errIncompressible):
			return nil, err
		}
	}

	var buf bytes.Buffer
	buf.Grow(hdr + len(e.Meta) + 4 + len(stored))
	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(e.Codec)
	buf.WriteByte(byte(used))

	var u4 [4]byte
	binary.BigEndian.PutUint32(u4[:], uint32(len(e.Payload)))
	buf.Write(u4[:])
	binary.BigEndian.PutUint32(u4[:], uint32(len(e.Meta)))
	buf.Write(u4[:])
	buf.Write(e.Meta)
	binary.BigEndian.PutUint32(u4[:], uint32(len(stored)))
	buf.Write(u4[:])
	buf.Write(stored)
	return buf.Bytes(), nil
}

// DefaultMaxPayload bounds the decoded payload size Decode accepts. It
// matches the largest frame the transport carries.
const DefaultMaxPayload = 256 << 20

// Decode parses b with DefaultMaxPayload as the payload bound.
func Decode(b []byte) (Entry, error) { return DecodeMax(b, DefaultMaxPayload) }

// DecodeMax parses b. Any framing problem, trailing bytes, failed
// decompression or a declared payload size above maxRaw yields ErrCorrupt.
// The size check runs before anything is allocated for the payload.
func DecodeMax(b []byte, maxRaw int) (Entry, error) {
	e, comp, rawLen, stored, err := parse(b)
	if err != nil {
		return Entry{}, err
	}
	if rawLen > maxRaw {
		return Entry{}, ErrCorrupt
	}
	if e.Payload, err = decompress(comp, stored, rawLen); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// DecodeMeta validates the framing of b and returns its codec and metadata
// without touching the payload. Payload is nil in the result.
func DecodeMeta(b []byte) (Entry, error) {
	e, _, _, _, err := parse(b)
	return e, err
}

func parse(b []byte) (e Entry, comp Compression, rawLen int, stored []byte, err error) {
	if len(b) < hdr || !bytes.Equal(b[:4], magic4[:]) || b[4] != version {
		return Entry{}, 0, 0, nil, ErrCorrupt
	}
	e.Codec = b[5]
	comp = Compression(b[6])
	rawLen = int(binary.BigEndian.Uint32(b[7:11]))
	off := 11

	mlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if mlen < 0 || mlen > len(b)-off {
		return Entry{}, 0, 0, nil, ErrCorrupt
	}
	e.Meta = b[off : off+mlen]
	off += mlen

	if off+4 > len(b) {
		return Entry{}, 0, 0, nil, ErrCorrupt
	}
	plen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if plen < 0 || plen != len(b)-off {
		return Entry{}, 0, 0, nil, ErrCorrupt
	}
	return e, comp, rawLen, b[off:], nil
}
