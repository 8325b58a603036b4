package wire

import (
	"encoding/binary"
	"math"
)

// ttype is the value type tag used by the tagged form. The compact form
// never writes tags; both ends already agree on the field layout.
type ttype uint8

const (
	tStop   ttype = 0
	tBool   ttype = 1
	tI32    ttype = 2
	tI64    ttype = 3
	tBinary ttype = 4
	tList   ttype = 5
	tMap    ttype = 6
	tStruct ttype = 7
)

func (t ttype) valid() bool { return t >= tBool && t <= tStruct }

// field is one entry of a struct layout. The position of a field in its
// layout slice is its compact-form bit index; id is its tagged-form id.
type field struct {
	id  uint16
	typ ttype
}

const maxDepth = 64

type protoWriter interface {
	// structOf writes a struct. body is called for each present field index.
	structOf(layout []field, present []bool, body func(i int) error) error
	listOf(elem ttype, n int)
	mapOf(key, val ttype, n int)

	boolean(v bool)
	i32(v int32)
	i64(v int64)
	binary(p []byte)
	str(s string)

	bytes() []byte
}

type protoReader interface {
	// structOf reads a struct. body is called for each present, known field
	// index and must consume exactly that field's value.
	structOf(layout []field, body func(i int) error) error
	listOf(elem ttype) (int, error)
	mapOf(key, val ttype) (int, error)

	boolean() (bool, error)
	i32() (int32, error)
	i64() (int64, error)
	binary() ([]byte, error)
	str() (string, error)

	remaining() int
}

// sink holds the primitive value writers shared by both forms.
type sink struct{ b []byte }

func (s *sink) boolean(v bool) {
	if v {
		s.b = append(s.b, 1)
	} else {
		s.b = append(s.b, 0)
	}
}
func (s *sink) i32(v int32)     { s.b = binary.AppendVarint(s.b, int64(v)) }
func (s *sink) i64(v int64)     { s.b = binary.AppendVarint(s.b, v) }
func (s *sink) count(n int)     { s.b = binary.AppendUvarint(s.b, uint64(n)) }
func (s *sink) binary(p []byte) { s.count(len(p)); s.b = append(s.b, p...) }
func (s *sink) str(v string)    { s.count(len(v)); s.b = append(s.b, v...) }
func (s *sink) bytes() []byte   { return s.b }

// taggedWriter writes the self-describing form.
type taggedWriter struct{ sink }

func (w *taggedWriter) structOf(layout []field, present []bool, body func(i int) error) error {
	for i, f := range layout {
		if !present[i] {
			continue
		}
		w.b = append(w.b, byte(f.typ))
		w.b = binary.BigEndian.AppendUint16(w.b, f.id)
		if err := body(i); err != nil {
			return err
		}
	}
	w.b = append(w.b, byte(tStop))
	return nil
}

func (w *taggedWriter) listOf(elem ttype, n int) {
	w.b = append(w.b, byte(elem))
	w.count(n)
}

func (w *taggedWriter) mapOf(key, val ttype, n int) {
	w.b = append(w.b, byte(key), byte(val))
	w.count(n)
}

// compactWriter writes the bitset-prefixed tuple form.
type compactWriter struct{ sink }

func (w *compactWriter) structOf(layout []field, present []bool, body func(i int) error) error {
	start := len(w.b)
	w.b = append(w.b, make([]byte, (len(layout)+7)/8)...)
	for i := range layout {
		if present[i] {
			w.b[start+i/8] |= 1 << (i % 8)
		}
	}
	for i := range layout {
		if !present[i] {
			continue
		}
		if err := body(i); err != nil {
			return err
		}
	}
	return nil
}

func (w *compactWriter) listOf(_ ttype, n int)   { w.count(n) }
func (w *compactWriter) mapOf(_, _ ttype, n int) { w.count(n) }

// source holds the primitive value readers shared by both forms.
type source struct {
	b     []byte
	off   int
	depth int
}

func (s *source) fail(reason string) error {
	return &DecodeError{Offset: s.off, Reason: reason}
}

func (s *source) remaining() int { return len(s.b) - s.off }

func (s *source) take(n int) ([]byte, error) {
	if n < 0 || n > s.remaining() {
		return nil, s.fail("truncated")
	}
	p := s.b[s.off : s.off+n : s.off+n]
	s.off += n
	return p, nil
}

func (s *source) byte1() (byte, error) {
	p, err := s.take(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (s *source) boolean() (bool, error) {
	v, err := s.byte1()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, s.fail("invalid bool")
	}
}

func (s *source) i64() (int64, error) {
	v, n := binary.Varint(s.b[s.off:])
	if n <= 0 {
		return 0, s.fail("invalid varint")
	}
	s.off += n
	return v, nil
}

func (s *source) i32() (int32, error) {
	v, err := s.i64()
	if err != nil {
		return 0, err
	}
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, s.fail("i32 out of range")
	}
	return int32(v), nil
}

// count reads a length or element count. Every element occupies at least
// one byte, so a count above the remaining input is rejected before any
// allocation is sized from it.
func (s *source) count() (int, error) {
	v, n := binary.Uvarint(s.b[s.off:])
	if n <= 0 {
		return 0, s.fail("invalid length")
	}
	if v > uint64(s.remaining()-n) {
		return 0, s.fail("length exceeds input")
	}
	s.off += n
	return int(v), nil
}

func (s *source) binary() ([]byte, error) {
	n, err := s.count()
	if err != nil {
		return nil, err
	}
	return s.take(n)
}

func (s *source) str() (string, error) {
	p, err := s.binary()
	if err != nil {
		return "", err
	}
	return string(p), nil
}

func (s *source) enter() error {
	s.depth++
	if s.depth > maxDepth {
		return s.fail("nesting too deep")
	}
	return nil
}

func (s *source) leave() { s.depth-- }

// taggedReader reads the self-describing form. Fields it does not know, or
// known ids carrying an unexpected type, are skipped.
type taggedReader struct{ source }

func (r *taggedReader) structOf(layout []field, body func(i int) error) error {
	if err := r.enter(); err != nil {
		return err
	}
	defer r.leave()
	for {
		tb, err := r.byte1()
		if err != nil {
			return err
		}
		t := ttype(tb)
		if t == tStop {
			return nil
		}
		if !t.valid() {
			return r.fail("unknown type tag")
		}
		idb, err := r.take(2)
		if err != nil {
			return err
		}
		id := binary.BigEndian.Uint16(idb)
		i := indexOf(layout, id)
		if i < 0 || layout[i].typ != t {
			if err := r.skip(t); err != nil {
				return err
			}
			continue
		}
		if err := body(i); err != nil {
			return err
		}
	}
}

func indexOf(layout []field, id uint16) int {
	for i, f := range layout {
		if f.id == id {
			return i
		}
	}
	return -1
}

func (r *taggedReader) listOf(elem ttype) (int, error) {
	tb, err := r.byte1()
	if err != nil {
		return 0, err
	}
	if ttype(tb) != elem {
		return 0, r.fail("list element type mismatch")
	}
	return r.count()
}

func (r *taggedReader) mapOf(key, val ttype) (int, error) {
	p, err := r.take(2)
	if err != nil {
		return 0, err
	}
	if ttype(p[0]) != key || ttype(p[1]) != val {
		return 0, r.fail("map entry type mismatch")
	}
	return r.count()
}

func (r *taggedReader) skip(t ttype) error {
	if err := r.enter(); err != nil {
		return err
	}
	defer r.leave()
	switch t {
	case tBool:
		_, err := r.take(1)
		return err
	case tI32, tI64:
		_, err := r.i64()
		return err
	case tBinary:
		_, err := r.binary()
		return err
	case tList:
		tb, err := r.byte1()
		if err != nil {
			return err
		}
		n, err := r.count()
		if err != nil {
			return err
		}
		for range n {
			if err := r.skip(ttype(tb)); err != nil {
				return err
			}
		}
		return nil
	case tMap:
		p, err := r.take(2)
		if err != nil {
			return err
		}
		n, err := r.count()
		if err != nil {
			return err
		}
		for range n {
			if err := r.skip(ttype(p[0])); err != nil {
				return err
			}
			if err := r.skip(ttype(p[1])); err != nil {
				return err
			}
		}
		return nil
	case tStruct:
		return r.structOf(nil, func(int) error { return nil })
	default:
		return r.fail("unknown type tag")
	}
}

// compactReader reads the bitset-prefixed tuple form.
type compactReader struct{ source }

func (r *compactReader) structOf(layout []field, body func(i int) error) error {
	if err := r.enter(); err != nil {
		return err
	}
	defer r.leave()
	bits, err := r.take((len(layout) + 7) / 8)
	if err != nil {
		return err
	}
	for i := len(layout); i < len(bits)*8; i++ {
		if bits[i/8]&(1<<(i%8)) != 0 {
			return r.fail("presence bit beyond declared fields")
		}
	}
	for i := range layout {
		if bits[i/8]&(1<<(i%8)) == 0 {
			continue
		}
		if err := body(i); err != nil {
			return err
		}
	}
	return nil
}

func (r *compactReader) listOf(ttype) (int, error)     { return r.count() }
func (r *compactReader) mapOf(_, _ ttype) (int, error) { return r.count() }
