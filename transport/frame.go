package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/unkn0wn-root/buildcache/wire"
)

// Handshake: magic(4) | version(1) | encoding(1), sent by the client and
// echoed by the server with the accepted encoding (0 when rejected).
// Frame:     bodyLen(u32 be) | id(u64 be) | body
const (
	handshakeLen   = 6
	frameHeaderLen = 4 + 8
	protoVersion   = 1

	DefaultMaxFrameSize = 256 << 20
)

var handshakeMagic = [...]byte{'B', 'C', 'S', 'H'}

func handshakeBytes(enc wire.Encoding) []byte {
	b := make([]byte, 0, handshakeLen)
	b = append(b, handshakeMagic[:]...)
	return append(b, protoVersion, byte(enc))
}

// readHandshake returns the encoding carried by a handshake.
func readHandshake(r io.Reader) (wire.Encoding, error) {
	var b [handshakeLen]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	if [4]byte(b[:4]) != handshakeMagic {
		return 0, fmt.Errorf("bad handshake magic %q", b[:4])
	}
	if b[4] != protoVersion {
		return 0, fmt.Errorf("unsupported protocol version %d", b[4])
	}
	return wire.Encoding(b[5]), nil
}

func writeFrame(w io.Writer, id uint64, body []byte) error {
	var hdr [frameHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(body)))
	binary.BigEndian.PutUint64(hdr[4:], id)
	bufs := net.Buffers{hdr[:], body}
	_, err := bufs.WriteTo(w)
	return err
}

func readFrame(r io.Reader, maxSize int) (uint64, []byte, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:4])
	id := binary.BigEndian.Uint64(hdr[4:])
	if uint64(n) > uint64(maxSize) {
		return id, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return id, nil, err
	}
	return id, body, nil
}
