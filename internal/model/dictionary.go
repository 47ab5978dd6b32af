package model

import (
	"bytes"
	"encoding/binary"
	"math"
	"sort"
	"strings"

	"github.com/icza/bitio"
	"golang.org/x/text/encoding/unicode"

	"github.com/lczanna/power-query-explorer/internal/errs"
)

// Dictionary file layout (little-endian):
//
//	u32 type: 1 string, 2 numeric-signed, 3 numeric-float
//
// Numeric dictionaries: u32 element size (4 or 8), u32 count, then the flat
// value array, indexed by id - minDataID.
//
// String dictionaries: u32 page count, then the pages, then a trailing handle
// table (per page: u32 count, count u32 string-start bit offsets). Each page:
//
//	u32 string count
//	u8  compressed flag
//	uncompressed: u32 byte length, UTF-16 text split on null terminators
//	compressed:   128-byte nibble-packed symbol-length table, u32 total bits,
//	              u32 blob length, blob
//	u32 page sentinel
const (
	DictTypeString  = 1
	DictTypeNumeric = 2
	DictTypeFloat   = 3

	// PageSentinel must follow each page's string data; the reader resyncs
	// within ±2 bytes to tolerate minor layout drift across variants.
	PageSentinel = 0xCCCCCCCC
)

// Dictionary maps a contiguous id range starting at minID to decoded values.
type Dictionary struct {
	minID  int64
	values []any
}

// Lookup resolves one dictionary id. Out-of-range ids yield nil.
func (d *Dictionary) Lookup(id int64) any {
	i := id - d.minID
	if i < 0 || i >= int64(len(d.values)) {
		return nil
	}
	return d.values[i]
}

// Len returns the number of entries.
func (d *Dictionary) Len() int { return len(d.values) }

var dictUTF16 = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// decodeDictionary parses a dictionary file. minID anchors the id range.
func decodeDictionary(buf []byte, minID int64) (*Dictionary, error) {
	if len(buf) < 4 {
		return nil, errs.Corrupt("dictionary", "missing type discriminator", nil)
	}
	switch binary.LittleEndian.Uint32(buf[0:4]) {
	case DictTypeString:
		return decodeStringDictionary(buf[4:], minID)
	case DictTypeNumeric:
		return decodeNumericDictionary(buf[4:], minID, false)
	case DictTypeFloat:
		return decodeNumericDictionary(buf[4:], minID, true)
	default:
		return nil, errs.Unsupported("dictionary", "unknown dictionary type")
	}
}

func decodeNumericDictionary(buf []byte, minID int64, float bool) (*Dictionary, error) {
	if len(buf) < 8 {
		return nil, errs.Corrupt("dictionary", "numeric header truncated", nil)
	}
	elemSize := int(binary.LittleEndian.Uint32(buf[0:4]))
	count := int(binary.LittleEndian.Uint32(buf[4:8]))
	if elemSize != 4 && elemSize != 8 {
		return nil, errs.Unsupported("dictionary", "unsupported element width")
	}
	body := buf[8:]
	if len(body) < elemSize*count {
		return nil, errs.Corrupt("dictionary", "numeric array truncated", nil)
	}

	values := make([]any, count)
	for i := 0; i < count; i++ {
		chunk := body[i*elemSize:]
		switch {
		case float && elemSize == 8:
			values[i] = math.Float64frombits(binary.LittleEndian.Uint64(chunk))
		case float:
			values[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(chunk)))
		case elemSize == 8:
			values[i] = int64(binary.LittleEndian.Uint64(chunk))
		default:
			values[i] = int64(int32(binary.LittleEndian.Uint32(chunk)))
		}
	}
	return &Dictionary{minID: minID, values: values}, nil
}

type stringPage struct {
	count      int
	compressed bool
	lengths    []byte // 256 symbol code lengths, compressed pages only
	totalBits  int
	blob       []byte
	text       string // uncompressed pages only
}

func decodeStringDictionary(buf []byte, minID int64) (*Dictionary, error) {
	if len(buf) < 4 {
		return nil, errs.Corrupt("dictionary", "missing page count", nil)
	}
	pageCount := int(binary.LittleEndian.Uint32(buf[0:4]))
	cursor := 4

	pages := make([]stringPage, 0, pageCount)
	for i := 0; i < pageCount; i++ {
		page, next, err := readStringPage(buf, cursor)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
		cursor = next
	}

	dict := &Dictionary{minID: minID}
	for i := range pages {
		p := &pages[i]
		if !p.compressed {
			for _, s := range splitTerminated(p.text, p.count) {
				dict.values = append(dict.values, s)
			}
			// uncompressed pages still carry an (empty) handle group
			if cursor, _ = readHandles(buf, cursor, 0); cursor < 0 {
				return nil, errs.Corrupt("dictionary", "handle table truncated", nil)
			}
			continue
		}
		next, handles := readHandles(buf, cursor, p.count)
		if next < 0 {
			return nil, errs.Corrupt("dictionary", "handle table truncated", nil)
		}
		cursor = next
		strs, err := decodeHuffmanPage(p, handles)
		if err != nil {
			return nil, err
		}
		dict.values = append(dict.values, strs...)
	}
	return dict, nil
}

func readStringPage(buf []byte, cursor int) (stringPage, int, error) {
	if cursor+5 > len(buf) {
		return stringPage{}, 0, errs.Corrupt("dictionary", "page header truncated", nil)
	}
	page := stringPage{
		count:      int(binary.LittleEndian.Uint32(buf[cursor:])),
		compressed: buf[cursor+4] != 0,
	}
	cursor += 5

	if !page.compressed {
		if cursor+4 > len(buf) {
			return stringPage{}, 0, errs.Corrupt("dictionary", "page length truncated", nil)
		}
		n := int(binary.LittleEndian.Uint32(buf[cursor:]))
		cursor += 4
		if cursor+n > len(buf) {
			return stringPage{}, 0, errs.Corrupt("dictionary", "page text truncated", nil)
		}
		text, err := dictUTF16.NewDecoder().Bytes(buf[cursor : cursor+n])
		if err != nil {
			return stringPage{}, 0, errs.Corrupt("dictionary", "page text undecodable", err)
		}
		page.text = string(text)
		cursor += n
	} else {
		if cursor+128+8 > len(buf) {
			return stringPage{}, 0, errs.Corrupt("dictionary", "symbol table truncated", nil)
		}
		page.lengths = unpackNibbleLengths(buf[cursor : cursor+128])
		cursor += 128
		page.totalBits = int(binary.LittleEndian.Uint32(buf[cursor:]))
		blobLen := int(binary.LittleEndian.Uint32(buf[cursor+4:]))
		cursor += 8
		if cursor+blobLen > len(buf) {
			return stringPage{}, 0, errs.Corrupt("dictionary", "page blob truncated", nil)
		}
		page.blob = buf[cursor : cursor+blobLen]
		cursor += blobLen
	}

	next, err := expectSentinel(buf, cursor)
	if err != nil {
		return stringPage{}, 0, err
	}
	return page, next, nil
}

// expectSentinel checks for the page sentinel at cursor, scanning ±2 bytes
// and resynchronizing when producers drift by a couple of bytes.
func expectSentinel(buf []byte, cursor int) (int, error) {
	for _, delta := range []int{0, -1, 1, -2, 2} {
		at := cursor + delta
		if at < 0 || at+4 > len(buf) {
			continue
		}
		if binary.LittleEndian.Uint32(buf[at:]) == PageSentinel {
			return at + 4, nil
		}
	}
	return 0, errs.Corrupt("dictionary", "page sentinel missing", nil)
}

// readHandles reads one page's handle group: u32 count then count bit
// offsets. Returns -1 on truncation.
func readHandles(buf []byte, cursor, want int) (int, []uint32) {
	if cursor+4 > len(buf) {
		return -1, nil
	}
	n := int(binary.LittleEndian.Uint32(buf[cursor:]))
	cursor += 4
	if n != want || cursor+n*4 > len(buf) {
		return -1, nil
	}
	handles := make([]uint32, n)
	for i := range handles {
		handles[i] = binary.LittleEndian.Uint32(buf[cursor+i*4:])
	}
	return cursor + n*4, handles
}

// unpackNibbleLengths expands the 128-byte table of two 4-bit code lengths
// per byte into 256 per-symbol lengths.
func unpackNibbleLengths(packed []byte) []byte {
	lengths := make([]byte, 256)
	for i, b := range packed {
		lengths[2*i] = b & 0x0f
		lengths[2*i+1] = b >> 4
	}
	return lengths
}

// huffmanTable maps canonical (length, code) pairs to symbols. Codes are
// assigned to symbols sorted by (code length, symbol value), shorter codes
// first.
type huffmanTable map[uint32]byte

func buildHuffman(lengths []byte) huffmanTable {
	type sym struct {
		value  byte
		length byte
	}
	var syms []sym
	for v, l := range lengths {
		if l > 0 {
			syms = append(syms, sym{value: byte(v), length: l})
		}
	}
	sort.Slice(syms, func(i, j int) bool {
		if syms[i].length != syms[j].length {
			return syms[i].length < syms[j].length
		}
		return syms[i].value < syms[j].value
	})

	table := huffmanTable{}
	code := uint32(0)
	prevLen := byte(0)
	for _, s := range syms {
		code <<= uint(s.length - prevLen)
		table[uint32(s.length)<<16|code&0xffff] = s.value
		code++
		prevLen = s.length
	}
	return table
}

// decodeHuffmanPage decodes each handle-delimited bit range of the page blob
// into one string. Bit addressing transposes even/odd byte positions before
// extraction; this is a quirk of the source format and is preserved exactly.
func decodeHuffmanPage(p *stringPage, handles []uint32) ([]any, error) {
	table := buildHuffman(p.lengths)

	// Transpose byte pairs, then read MSB-first.
	transposed := make([]byte, len(p.blob))
	for i := range p.blob {
		j := i ^ 1
		if j < len(p.blob) {
			transposed[i] = p.blob[j]
		}
	}
	r := bitio.NewReader(bytes.NewReader(transposed))

	out := make([]any, 0, len(handles))
	pos := uint32(0)
	for i, start := range handles {
		end := uint32(p.totalBits)
		if i+1 < len(handles) {
			end = handles[i+1]
		}
		if start < pos || end > uint32(len(transposed)*8) || end < start {
			return nil, errs.Corrupt("dictionary", "handle offsets out of order", nil)
		}
		for pos < start {
			if _, err := r.ReadBool(); err != nil {
				return nil, errs.Corrupt("dictionary", "blob exhausted", err)
			}
			pos++
		}

		var sb strings.Builder
		code := uint32(0)
		length := uint32(0)
		for pos < end {
			bit, err := r.ReadBool()
			if err != nil {
				return nil, errs.Corrupt("dictionary", "blob exhausted", err)
			}
			pos++
			code = code<<1 | b2u(bit)
			length++
			if sym, ok := table[length<<16|code&0xffff]; ok {
				sb.WriteByte(sym)
				code, length = 0, 0
			}
		}
		if length != 0 {
			return nil, errs.Corrupt("dictionary", "dangling code bits", nil)
		}
		out = append(out, sb.String())
	}
	return out, nil
}

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// splitTerminated splits null-terminated UTF-16 page text into count strings.
func splitTerminated(text string, count int) []string {
	parts := strings.Split(text, "\x00")
	if len(parts) > count {
		parts = parts[:count]
	}
	return parts
}
