// Package testutil synthesizes the binary fixtures the decoder tests read:
// SQLite database images, backup (virtual-directory) images, framed
// compression streams and column storage files. Everything is built from
// scratch so no binary test data needs to be checked in.
package testutil

import (
	"encoding/binary"
	"fmt"
	"math"
)

// TableData describes one table of a synthesized SQLite image. Row values
// may be nil, int64, float64, string or []byte.
type TableData struct {
	Name string
	Rows [][]any
}

// SQLiteImage builds a minimal but valid database image: a 100-byte header,
// sqlite_master on page 1, and one b-tree per table. Tables whose rows do
// not fit a single leaf get an interior root page.
func SQLiteImage(pageSize int, tables []TableData) ([]byte, error) {
	b := &imageBuilder{pageSize: pageSize}
	// Page 1 is reserved for sqlite_master.
	b.pages = append(b.pages, nil)

	type master struct {
		name string
		root int
	}
	var masters []master
	for _, t := range tables {
		root, err := b.addTable(t)
		if err != nil {
			return nil, err
		}
		masters = append(masters, master{name: t.Name, root: root})
	}

	var masterRows [][]any
	for _, m := range masters {
		sql := fmt.Sprintf("CREATE TABLE %q (c)", m.name)
		masterRows = append(masterRows, []any{"table", m.name, m.name, int64(m.root), sql})
	}
	var cells [][]byte
	for i, row := range masterRows {
		cells = append(cells, leafCell(int64(i+1), row))
	}
	page1, rest, err := b.packLeaf(cells, true)
	if err != nil || len(rest) > 0 {
		return nil, fmt.Errorf("master table does not fit page 1")
	}
	b.pages[0] = page1

	out := make([]byte, 0, len(b.pages)*pageSize)
	for _, p := range b.pages {
		out = append(out, p...)
	}
	writeHeader(out, pageSize, len(b.pages))
	return out, nil
}

type imageBuilder struct {
	pageSize int
	pages    [][]byte
}

// addTable packs the table's rows into leaf pages and returns the root page
// number, inserting an interior page when more than one leaf is needed.
func (b *imageBuilder) addTable(t TableData) (int, error) {
	var cells [][]byte
	for i, row := range t.Rows {
		cells = append(cells, leafCell(int64(i+1), row))
	}

	type leaf struct {
		page   []byte
		maxRow int64
	}
	var leaves []leaf
	rowid := int64(0)
	for len(cells) > 0 || len(leaves) == 0 {
		page, rest, err := b.packLeaf(cells, false)
		if err != nil {
			return 0, err
		}
		rowid += int64(len(cells) - len(rest))
		leaves = append(leaves, leaf{page: page, maxRow: rowid})
		cells = rest
		if len(cells) == 0 {
			break
		}
	}

	if len(leaves) == 1 {
		b.pages = append(b.pages, leaves[0].page)
		return len(b.pages), nil
	}

	childNums := make([]int, len(leaves))
	for i, l := range leaves {
		b.pages = append(b.pages, l.page)
		childNums[i] = len(b.pages)
	}
	interior := b.packInterior(childNums, func(i int) int64 {
		return leaves[i].maxRow
	})
	b.pages = append(b.pages, interior)
	return len(b.pages), nil
}

// packLeaf fills one 0x0d page with as many cells as fit and returns the
// remainder.
func (b *imageBuilder) packLeaf(cells [][]byte, page1 bool) ([]byte, [][]byte, error) {
	page := make([]byte, b.pageSize)
	hdrStart := 0
	if page1 {
		hdrStart = 100
	}
	page[hdrStart] = 0x0d

	ptrStart := hdrStart + 8
	content := b.pageSize
	var used int
	for used = 0; used < len(cells); used++ {
		cell := cells[used]
		need := ptrStart + (used+1)*2
		if content-len(cell) < need {
			break
		}
		content -= len(cell)
		copy(page[content:], cell)
		binary.BigEndian.PutUint16(page[ptrStart+used*2:], uint16(content))
	}
	if used == 0 && len(cells) > 0 {
		return nil, nil, fmt.Errorf("cell of %d bytes does not fit a %d-byte page", len(cells[0]), b.pageSize)
	}
	binary.BigEndian.PutUint16(page[hdrStart+3:], uint16(used))
	binary.BigEndian.PutUint16(page[hdrStart+5:], uint16(content))
	return page, cells[used:], nil
}

// packInterior builds a 0x05 page over the children; the final child becomes
// the right-most pointer.
func (b *imageBuilder) packInterior(children []int, maxRow func(int) int64) []byte {
	page := make([]byte, b.pageSize)
	page[0] = 0x05
	cellCount := len(children) - 1
	binary.BigEndian.PutUint16(page[3:], uint16(cellCount))
	binary.BigEndian.PutUint32(page[8:], uint32(children[len(children)-1]))

	content := b.pageSize
	for i := 0; i < cellCount; i++ {
		cell := append(
			binary.BigEndian.AppendUint32(nil, uint32(children[i])),
			putVarint(maxRow(i))...)
		content -= len(cell)
		copy(page[content:], cell)
		binary.BigEndian.PutUint16(page[12+i*2:], uint16(content))
	}
	binary.BigEndian.PutUint16(page[5:], uint16(content))
	return page
}

func writeHeader(image []byte, pageSize, pageCount int) {
	copy(image, "SQLite format 3\x00")
	binary.BigEndian.PutUint16(image[16:], uint16(pageSize))
	image[18] = 1 // file format write version
	image[19] = 1 // file format read version
	image[20] = 0 // reserved bytes per page
	image[21] = 64
	image[22] = 32
	binary.BigEndian.PutUint32(image[28:], uint32(pageCount))
	binary.BigEndian.PutUint32(image[56:], 1) // UTF-8 text encoding
}

// leafCell encodes one 0x0d cell: payload length, rowid, record payload.
func leafCell(rowid int64, values []any) []byte {
	payload := encodeRecord(values)
	cell := putVarint(int64(len(payload)))
	cell = append(cell, putVarint(rowid)...)
	return append(cell, payload...)
}

// encodeRecord builds a record payload from Go values.
func encodeRecord(values []any) []byte {
	var header, body []byte
	for _, v := range values {
		st, data := encodeSerial(v)
		header = append(header, putVarint(st)...)
		body = append(body, data...)
	}
	hs := len(header) + 1
	if hs > 127 {
		hs = len(header) + len(putVarint(int64(hs)))
	}
	full := putVarint(int64(hs))
	return append(append(full, header...), body...)
}

func encodeSerial(v any) (int64, []byte) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int64:
		switch {
		case x == 0:
			return 8, nil
		case x == 1:
			return 9, nil
		case x >= -128 && x < 128:
			return 1, []byte{byte(x)}
		case x >= -32768 && x < 32768:
			return 2, binary.BigEndian.AppendUint16(nil, uint16(x))
		case x >= -(1<<31) && x < 1<<31:
			return 4, binary.BigEndian.AppendUint32(nil, uint32(x))
		default:
			return 6, binary.BigEndian.AppendUint64(nil, uint64(x))
		}
	case float64:
		return 7, binary.BigEndian.AppendUint64(nil, math.Float64bits(x))
	case string:
		return 13 + 2*int64(len(x)), []byte(x)
	case []byte:
		return 12 + 2*int64(len(x)), x
	default:
		panic(fmt.Sprintf("unsupported fixture value %T", v))
	}
}

// putVarint encodes the format's big-endian 7-bit varint.
func putVarint(v int64) []byte {
	if v == 0 {
		return []byte{0}
	}
	var tmp [9]byte
	n := 0
	u := uint64(v)
	for u > 0 && n < 8 {
		tmp[n] = byte(u & 0x7f)
		u >>= 7
		n++
	}
	out := make([]byte, 0, n)
	for i := n - 1; i >= 0; i-- {
		b := tmp[i]
		if i != 0 {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}
