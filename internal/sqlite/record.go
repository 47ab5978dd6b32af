package sqlite

import (
	"encoding/binary"
	"math"

	"github.com/lczanna/power-query-explorer/internal/errs"
)

// Kind discriminates the decoded value variants.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindText
	KindBlob
)

// Value is one decoded record field. Catalog rows are heterogeneous and
// positionally typed, so values carry an explicit tag instead of relying on
// interface dynamic types at every use site.
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Text  string
	Blob  []byte
}

// IsNull reports whether the value is SQL NULL.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Num returns the value as a float64, coercing integers.
func (v Value) Num() float64 {
	if v.Kind == KindInt {
		return float64(v.Int)
	}
	return v.Float
}

// decodeRecord parses a cell payload: a varint header length, a run of
// serial-type varints, then the concatenated field bodies.
func decodeRecord(payload []byte) ([]Value, error) {
	headerSize, n := readVarint(payload)
	if n == 0 || headerSize < int64(n) || headerSize > int64(len(payload)) {
		return nil, errs.Corrupt("record", "invalid header length", nil)
	}
	header := payload[n:headerSize]
	body := payload[headerSize:]

	var values []Value
	for len(header) > 0 {
		st, m := readVarint(header)
		if m == 0 {
			return nil, errs.Corrupt("record", "truncated serial type", nil)
		}
		header = header[m:]

		v, size, err := decodeSerial(st, body)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		body = body[size:]
	}
	return values, nil
}

// decodeSerial maps one serial-type code onto a Value and the number of body
// bytes it consumes. Text and blob lengths derive from the code itself.
func decodeSerial(st int64, body []byte) (Value, int, error) {
	switch {
	case st == 0:
		return Value{Kind: KindNull}, 0, nil
	case st >= 1 && st <= 6:
		size := map[int64]int{1: 1, 2: 2, 3: 3, 4: 4, 5: 6, 6: 8}[st]
		if len(body) < size {
			return Value{}, 0, errs.Corrupt("record", "truncated integer", nil)
		}
		return Value{Kind: KindInt, Int: signExtend(body[:size])}, size, nil
	case st == 7:
		if len(body) < 8 {
			return Value{}, 0, errs.Corrupt("record", "truncated float", nil)
		}
		bits := binary.BigEndian.Uint64(body[:8])
		return Value{Kind: KindFloat, Float: math.Float64frombits(bits)}, 8, nil
	case st == 8:
		return Value{Kind: KindInt, Int: 0}, 0, nil
	case st == 9:
		return Value{Kind: KindInt, Int: 1}, 0, nil
	case st >= 12 && st%2 == 0:
		size := int((st - 12) / 2)
		if len(body) < size {
			return Value{}, 0, errs.Corrupt("record", "truncated blob", nil)
		}
		blob := make([]byte, size)
		copy(blob, body[:size])
		return Value{Kind: KindBlob, Blob: blob}, size, nil
	case st >= 13:
		size := int((st - 13) / 2)
		if len(body) < size {
			return Value{}, 0, errs.Corrupt("record", "truncated text", nil)
		}
		return Value{Kind: KindText, Text: string(body[:size])}, size, nil
	default:
		return Value{}, 0, errs.Corrupt("record", "reserved serial type", nil)
	}
}

// signExtend interprets data as a big-endian signed integer of its length.
func signExtend(data []byte) int64 {
	var v int64
	if data[0]&0x80 != 0 {
		v = -1
	}
	for _, b := range data {
		v = v<<8 | int64(b)
	}
	return v
}
