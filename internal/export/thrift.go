package export

import (
	"bytes"
	"encoding/binary"

	"github.com/lczanna/power-query-explorer/internal/errs"
)

// Compact tag/value wire protocol used by the columnar footer: field headers
// combine a field-id delta with a type tag, signed integers are zig-zag
// varints, binaries and lists are length-prefixed.
const (
	typeBoolTrue  = 1
	typeBoolFalse = 2
	typeI32       = 5
	typeI64       = 6
	typeBinary    = 8
	typeList      = 9
	typeStruct    = 12
)

// tagWriter encodes compact-protocol structs. Field-id deltas are tracked
// per nesting level.
type tagWriter struct {
	buf  bytes.Buffer
	last []int
}

func (w *tagWriter) structBegin() { w.last = append(w.last, 0) }

func (w *tagWriter) structEnd() {
	w.buf.WriteByte(0)
	w.last = w.last[:len(w.last)-1]
}

// field writes a field header. Small forward deltas pack into one byte.
func (w *tagWriter) field(id, typ int) {
	top := len(w.last) - 1
	delta := id - w.last[top]
	if delta >= 1 && delta <= 15 {
		w.buf.WriteByte(byte(delta<<4 | typ))
	} else {
		w.buf.WriteByte(byte(typ))
		w.varint(zigzag(int64(id)))
	}
	w.last[top] = id
}

func (w *tagWriter) i32(id int, v int64) {
	w.field(id, typeI32)
	w.varint(zigzag(v))
}

func (w *tagWriter) i64(id int, v int64) {
	w.field(id, typeI64)
	w.varint(zigzag(v))
}

func (w *tagWriter) binary(id int, b []byte) {
	w.field(id, typeBinary)
	w.varint(uint64(len(b)))
	w.buf.Write(b)
}

func (w *tagWriter) listBegin(id, elemType, size int) {
	w.field(id, typeList)
	if size < 15 {
		w.buf.WriteByte(byte(size<<4 | elemType))
	} else {
		w.buf.WriteByte(byte(0xf0 | elemType))
		w.varint(uint64(size))
	}
}

// listI32 writes one enum/i32 element inside an open list.
func (w *tagWriter) listI32(v int64) { w.varint(zigzag(v)) }

func (w *tagWriter) varint(v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	w.buf.Write(tmp[:n])
}

func zigzag(v int64) uint64 { return uint64(v<<1) ^ uint64(v>>63) }

func unzigzag(v uint64) int64 { return int64(v>>1) ^ -int64(v&1) }

// tagReader decodes compact-protocol structs, skipping unknown fields so
// footers written by richer implementations still parse.
type tagReader struct {
	buf  []byte
	pos  int
	last []int
}

func newTagReader(buf []byte) *tagReader { return &tagReader{buf: buf} }

func (r *tagReader) structBegin() { r.last = append(r.last, 0) }

func (r *tagReader) structEnd() { r.last = r.last[:len(r.last)-1] }

// next reads the next field header; done is true at the struct terminator.
func (r *tagReader) next() (id, typ int, done bool, err error) {
	b, err := r.byte()
	if err != nil {
		return 0, 0, false, err
	}
	if b == 0 {
		return 0, 0, true, nil
	}
	typ = int(b & 0x0f)
	top := len(r.last) - 1
	if delta := int(b >> 4); delta != 0 {
		id = r.last[top] + delta
	} else {
		raw, err := r.uvarint()
		if err != nil {
			return 0, 0, false, err
		}
		id = int(unzigzag(raw))
	}
	r.last[top] = id
	return id, typ, false, nil
}

func (r *tagReader) byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, errs.Corrupt("columnar footer", "truncated", nil)
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *tagReader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, errs.Corrupt("columnar footer", "bad varint", nil)
	}
	r.pos += n
	return v, nil
}

func (r *tagReader) i(typ int) (int64, error) {
	if typ != typeI32 && typ != typeI64 {
		return 0, errs.Corrupt("columnar footer", "unexpected wire type", nil)
	}
	v, err := r.uvarint()
	if err != nil {
		return 0, err
	}
	return unzigzag(v), nil
}

func (r *tagReader) binary() ([]byte, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if r.pos+int(n) > len(r.buf) {
		return nil, errs.Corrupt("columnar footer", "binary past end", nil)
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

// listHeader returns the element type and count of a list field.
func (r *tagReader) listHeader() (elemType, size int, err error) {
	b, err := r.byte()
	if err != nil {
		return 0, 0, err
	}
	elemType = int(b & 0x0f)
	size = int(b >> 4)
	if size == 15 {
		n, err := r.uvarint()
		if err != nil {
			return 0, 0, err
		}
		size = int(n)
	}
	return elemType, size, nil
}

// skip consumes one value of the given wire type.
func (r *tagReader) skip(typ int) error {
	switch typ {
	case typeBoolTrue, typeBoolFalse:
		return nil
	case typeI32, typeI64:
		_, err := r.uvarint()
		return err
	case typeBinary:
		_, err := r.binary()
		return err
	case typeList:
		elem, size, err := r.listHeader()
		if err != nil {
			return err
		}
		for i := 0; i < size; i++ {
			if err := r.skip(elem); err != nil {
				return err
			}
		}
		return nil
	case typeStruct:
		r.structBegin()
		defer r.structEnd()
		for {
			_, ftyp, done, err := r.next()
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			if err := r.skip(ftyp); err != nil {
				return err
			}
		}
	default:
		return errs.Unsupported("columnar footer", "unknown wire type")
	}
}
