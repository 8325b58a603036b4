package wire

import (
	"bytes"
	"encoding/binary"
)

const (
	version      byte = 1
	kindRequest  byte = 1
	kindResponse byte = 2
	kindSnapshot byte = 3
)

var magic4 = [...]byte{'B', 'C', 'W', 'E'}

// Frame: magic(4) | ver(1) | encoding(1) | kind(1) | structLen(u32 be) | struct | blobs...
const headerLen = 4 + 1 + 1 + 1 + 4

// Codec turns envelopes into frames and back. Both implementations read
// and write the same logical structures; they differ only in how a struct
// is laid out.
type Codec interface {
	Encoding() Encoding

	EncodeRequest(*Request) ([]byte, error)
	DecodeRequest([]byte) (*Request, error)
	EncodeResponse(*Response) ([]byte, error)
	DecodeResponse([]byte) (*Response, error)

	EncodeSnapshot(*ParserStateSnapshot) ([]byte, error)
	DecodeSnapshot([]byte) (*ParserStateSnapshot, error)
}

// NewCodec returns the codec for enc.
func NewCodec(enc Encoding) (Codec, error) {
	switch enc {
	case EncodingTagged:
		return &frameCodec{
			enc:       enc,
			newWriter: func() protoWriter { return &taggedWriter{} },
			newReader: func(b []byte) protoReader { return &taggedReader{source{b: b}} },
		}, nil
	case EncodingCompact:
		return &frameCodec{
			enc:       enc,
			newWriter: func() protoWriter { return &compactWriter{} },
			newReader: func(b []byte) protoReader { return &compactReader{source{b: b}} },
		}, nil
	default:
		return nil, &DecodeError{Reason: "unsupported encoding " + enc.String()}
	}
}

// MustCodec is like NewCodec but panics on error.
func MustCodec(enc Encoding) Codec {
	c, err := NewCodec(enc)
	if err != nil {
		panic(err)
	}
	return c
}

type frameCodec struct {
	enc       Encoding
	newWriter func() protoWriter
	newReader func([]byte) protoReader
}

func (c *frameCodec) Encoding() Encoding { return c.enc }

func (c *frameCodec) EncodeRequest(m *Request) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := checkBlobs("Request", m.Payloads, m.Blobs); err != nil {
		return nil, err
	}
	return c.encode(kindRequest, m.write, m.Blobs)
}

func (c *frameCodec) DecodeRequest(b []byte) (*Request, error) {
	m := &Request{}
	rest, err := c.decode(b, kindRequest, m.read)
	if err != nil {
		return nil, err
	}
	if m.Blobs, err = splitBlobs(m.Payloads, rest, b); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *frameCodec) EncodeResponse(m *Response) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := checkBlobs("Response", m.Payloads, m.Blobs); err != nil {
		return nil, err
	}
	return c.encode(kindResponse, m.write, m.Blobs)
}

func (c *frameCodec) DecodeResponse(b []byte) (*Response, error) {
	m := &Response{}
	rest, err := c.decode(b, kindResponse, m.read)
	if err != nil {
		return nil, err
	}
	if m.Blobs, err = splitBlobs(m.Payloads, rest, b); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *frameCodec) EncodeSnapshot(m *ParserStateSnapshot) ([]byte, error) {
	return c.encode(kindSnapshot, m.write, nil)
}

func (c *frameCodec) DecodeSnapshot(b []byte) (*ParserStateSnapshot, error) {
	m := &ParserStateSnapshot{}
	rest, err := c.decode(b, kindSnapshot, m.read)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, &DecodeError{Offset: len(b) - len(rest), Reason: "trailing bytes"}
	}
	return m, nil
}

func (c *frameCodec) encode(kind byte, write func(protoWriter) error, blobs [][]byte) ([]byte, error) {
	w := c.newWriter()
	if err := write(w); err != nil {
		return nil, err
	}
	body := w.bytes()

	total := headerLen + len(body)
	for _, p := range blobs {
		total += len(p)
	}
	var buf bytes.Buffer
	buf.Grow(total)

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(byte(c.enc))
	buf.WriteByte(kind)

	var u4 [4]byte
	binary.BigEndian.PutUint32(u4[:], uint32(len(body)))
	buf.Write(u4[:])
	buf.Write(body)

	for _, p := range blobs {
		buf.Write(p)
	}
	return buf.Bytes(), nil
}

// decode checks the header, reads the structured part and returns the
// remaining out-of-band bytes.
func (c *frameCodec) decode(b []byte, kind byte, read func(protoReader) error) ([]byte, error) {
	if len(b) < headerLen || !bytes.Equal(b[:4], magic4[:]) {
		return nil, &DecodeError{Reason: "bad magic or short frame"}
	}
	if b[4] != version {
		return nil, &DecodeError{Offset: 4, Reason: "unsupported version"}
	}
	if Encoding(b[5]) != c.enc {
		return nil, &DecodeError{Offset: 5, Reason: "frame encoding " + Encoding(b[5]).String() + ", session uses " + c.enc.String()}
	}
	if b[6] != kind {
		return nil, &DecodeError{Offset: 6, Reason: "unexpected frame kind"}
	}
	n := int(binary.BigEndian.Uint32(b[7:headerLen]))
	if n < 0 || n > len(b)-headerLen {
		return nil, &DecodeError{Offset: 7, Reason: "struct length exceeds frame"}
	}
	body := b[headerLen : headerLen+n]
	r := c.newReader(body)
	if err := read(r); err != nil {
		return nil, shift(err, headerLen)
	}
	if left := r.remaining(); left != 0 {
		return nil, &DecodeError{Offset: headerLen + n - left, Reason: "trailing bytes in struct"}
	}
	return b[headerLen+n:], nil
}

func shift(err error, by int) error {
	if de, ok := err.(*DecodeError); ok {
		de.Offset += by
	}
	return err
}

func checkBlobs(st string, ps []PayloadDescriptor, blobs [][]byte) error {
	if len(blobs) != len(ps) {
		return invalid(st, "payloads", "out-of-band descriptor and blob counts differ")
	}
	for i := range ps {
		if int64(len(blobs[i])) != *ps[i].Size {
			return invalid(st, "payloads", "out-of-band blob size differs from descriptor")
		}
	}
	return nil
}

// splitBlobs slices the out-of-band section into per-descriptor blobs
// without copying. The section must be consumed exactly.
func splitBlobs(ps []PayloadDescriptor, rest, frame []byte) ([][]byte, error) {
	if len(ps) == 0 {
		if len(rest) != 0 {
			return nil, &DecodeError{Offset: len(frame) - len(rest), Reason: "trailing bytes"}
		}
		return nil, nil
	}
	out := make([][]byte, len(ps))
	off := 0
	for i := range ps {
		if ps[i].Size == nil || *ps[i].Size < 0 || *ps[i].Size > int64(len(rest)-off) {
			return nil, &DecodeError{Offset: len(frame) - len(rest) + off, Reason: "out-of-band payload exceeds frame"}
		}
		n := int(*ps[i].Size)
		out[i] = rest[off : off+n : off+n]
		off += n
	}
	if off != len(rest) {
		return nil, &DecodeError{Offset: len(frame) - len(rest) + off, Reason: "trailing bytes"}
	}
	return out, nil
}
