package testutil

import (
	"bytes"
	"encoding/binary"
	"math"
	"math/bits"
	"sort"
)

// IndexRun is one primary-segment entry of a value-index file. A Packed run
// splices Repeat ids from the bit-packed sub segment; otherwise Value is
// repeated Repeat times.
type IndexRun struct {
	Value  uint32
	Repeat uint32
	Packed bool
}

const indexSentinel = 0xFFFFFFFF

// IndexFile encodes a value-index file: runs describe the primary segment,
// packed holds the ids for the bit-packed sub segment (absolute ids, at
// least minID).
func IndexFile(minID uint32, runs []IndexRun, packed []uint32) []byte {
	maxID := minID
	for _, id := range packed {
		if id > maxID {
			maxID = id
		}
	}
	for _, r := range runs {
		if !r.Packed && r.Value > maxID {
			maxID = r.Value
		}
	}
	bitWidth := uint(bits.Len32(maxID - minID))
	if bitWidth == 0 {
		bitWidth = 1
	}

	records := uint64(0)
	for _, r := range runs {
		records += uint64(r.Repeat)
	}
	if len(runs) == 0 {
		records = uint64(len(packed))
	}

	var out bytes.Buffer
	u32 := func(v uint32) { out.Write(binary.LittleEndian.AppendUint32(nil, v)) }
	u32(1) // primary segment tag
	u32(2) // sub segment tag
	out.Write(binary.LittleEndian.AppendUint64(nil, records))
	u32(minID)
	u32(maxID)
	u32(uint32(len(packed)))
	u32(uint32(len(runs)))

	for _, r := range runs {
		if r.Packed {
			u32(indexSentinel)
		} else {
			u32(r.Value)
		}
		u32(r.Repeat)
	}

	perWord := 64 / bitWidth
	var word uint64
	used := uint(0)
	for i, id := range packed {
		shift := 64 - bitWidth*(used+1)
		word |= uint64(id-minID) << shift
		used++
		if used == perWord || i == len(packed)-1 {
			out.Write(binary.LittleEndian.AppendUint64(nil, word))
			word, used = 0, 0
		}
	}
	return out.Bytes()
}

// NumericDictionary encodes a numeric dictionary of int64 or float64
// values, all of one kind.
func NumericDictionary(values []any) []byte {
	var out bytes.Buffer
	u32 := func(v uint32) { out.Write(binary.LittleEndian.AppendUint32(nil, v)) }

	float := false
	if len(values) > 0 {
		_, float = values[0].(float64)
	}
	if float {
		u32(3)
	} else {
		u32(2)
	}
	u32(8) // element size
	u32(uint32(len(values)))
	for _, v := range values {
		if float {
			out.Write(binary.LittleEndian.AppendUint64(nil, math.Float64bits(v.(float64))))
		} else {
			out.Write(binary.LittleEndian.AppendUint64(nil, uint64(v.(int64))))
		}
	}
	return out.Bytes()
}

const pageSentinel = 0xCCCCCCCC

// DictionaryPage is one page of a string dictionary fixture.
type DictionaryPage struct {
	Strings    []string
	Compressed bool
	// SentinelDrift shifts the page sentinel by up to ±2 bytes to exercise
	// the reader's resynchronization.
	SentinelDrift int
}

// StringDictionary encodes a string dictionary with the given pages,
// Huffman-coding compressed pages with canonical codes over the page's
// byte frequencies.
func StringDictionary(pages []DictionaryPage) []byte {
	var body bytes.Buffer
	var handleTable bytes.Buffer
	u32 := func(b *bytes.Buffer, v uint32) { b.Write(binary.LittleEndian.AppendUint32(nil, v)) }

	// A positive drift pads between the data and the sentinel; a negative
	// drift overstates the declared data length so the sentinel starts early.
	// Both are within the reader's resynchronization window.
	declared := func(dataLen int, p DictionaryPage) uint32 {
		if p.SentinelDrift < 0 {
			return uint32(dataLen - p.SentinelDrift)
		}
		return uint32(dataLen)
	}
	pad := func(p DictionaryPage) {
		if p.SentinelDrift > 0 {
			body.Write(make([]byte, p.SentinelDrift))
		}
	}

	for _, p := range pages {
		u32(&body, uint32(len(p.Strings)))
		if !p.Compressed {
			body.WriteByte(0)
			text := ""
			for _, s := range p.Strings {
				text += s + "\x00"
			}
			enc := encodeUTF16(text)
			u32(&body, declared(len(enc), p))
			body.Write(enc)
			pad(p)
			u32(&body, pageSentinel)
			u32(&handleTable, 0)
			continue
		}

		body.WriteByte(1)
		lengths, codes := canonicalCodes(p.Strings)
		var nibbles [128]byte
		for sym := 0; sym < 256; sym++ {
			l := lengths[sym] & 0x0f
			if sym%2 == 0 {
				nibbles[sym/2] |= l
			} else {
				nibbles[sym/2] |= l << 4
			}
		}
		body.Write(nibbles[:])

		blob, handles, totalBits := packStrings(p.Strings, lengths, codes)
		u32(&body, uint32(totalBits))
		u32(&body, declared(len(blob), p))
		body.Write(blob)
		pad(p)
		u32(&body, pageSentinel)

		u32(&handleTable, uint32(len(handles)))
		for _, h := range handles {
			u32(&handleTable, h)
		}
	}

	var out bytes.Buffer
	u32(&out, 1) // string dictionary type
	u32(&out, uint32(len(pages)))
	out.Write(body.Bytes())
	out.Write(handleTable.Bytes())
	return out.Bytes()
}

// canonicalCodes assigns canonical Huffman codes (shortest codes to
// lexicographically-first symbols at each length) from symbol frequencies.
func canonicalCodes(strs []string) (lengths [256]byte, codes [256]uint32) {
	freq := map[byte]int{}
	for _, s := range strs {
		for i := 0; i < len(s); i++ {
			freq[s[i]]++
		}
	}
	if len(freq) == 0 {
		return
	}

	// Code lengths from a simple Huffman build over the frequencies.
	type node struct {
		weight int
		syms   []byte
	}
	var heap []node
	for sym, f := range freq {
		heap = append(heap, node{weight: f, syms: []byte{sym}})
	}
	sort.Slice(heap, func(i, j int) bool { return less(heap[i], heap[j]) })
	if len(heap) == 1 {
		lengths[heap[0].syms[0]] = 1
	}
	for len(heap) > 1 {
		a, b := heap[0], heap[1]
		heap = heap[2:]
		for _, s := range a.syms {
			lengths[s]++
		}
		for _, s := range b.syms {
			lengths[s]++
		}
		merged := node{weight: a.weight + b.weight, syms: append(a.syms, b.syms...)}
		heap = append(heap, merged)
		sort.Slice(heap, func(i, j int) bool { return less(heap[i], heap[j]) })
	}

	// Canonical assignment over (length, symbol) order.
	type sym struct {
		value  byte
		length byte
	}
	var syms []sym
	for v := 0; v < 256; v++ {
		if lengths[v] > 0 {
			syms = append(syms, sym{value: byte(v), length: lengths[v]})
		}
	}
	sort.Slice(syms, func(i, j int) bool {
		if syms[i].length != syms[j].length {
			return syms[i].length < syms[j].length
		}
		return syms[i].value < syms[j].value
	})
	code := uint32(0)
	prev := byte(0)
	for _, s := range syms {
		code <<= uint(s.length - prev)
		codes[s.value] = code
		code++
		prev = s.length
	}
	return
}

func less(a, b struct {
	weight int
	syms   []byte
}) bool {
	if a.weight != b.weight {
		return a.weight < b.weight
	}
	return a.syms[0] < b.syms[0]
}

// packStrings writes each string's codes into a bit blob with the decoder's
// byte-pair-transposed addressing, returning per-string start bit offsets.
func packStrings(strs []string, lengths [256]byte, codes [256]uint32) (blob []byte, handles []uint32, totalBits int) {
	var logical []byte // bits in logical order, before transposition
	bitPos := 0
	setBit := func(on bool) {
		if bitPos/8 >= len(logical) {
			logical = append(logical, 0)
		}
		if on {
			logical[bitPos/8] |= 0x80 >> (bitPos % 8)
		}
		bitPos++
	}

	for _, s := range strs {
		handles = append(handles, uint32(bitPos))
		for i := 0; i < len(s); i++ {
			l := int(lengths[s[i]])
			c := codes[s[i]]
			for b := l - 1; b >= 0; b-- {
				setBit(c>>uint(b)&1 == 1)
			}
		}
	}
	totalBits = bitPos

	// Pad to an even byte count, then transpose byte pairs: the reader
	// swaps even and odd positions back before extracting bits.
	if len(logical)%2 == 1 {
		logical = append(logical, 0)
	}
	blob = make([]byte, len(logical))
	for i := range logical {
		blob[i] = logical[i^1]
	}
	return blob, handles, totalBits
}
