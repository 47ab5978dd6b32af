// Package sqlite is a minimal read-only decoder for SQLite database images
// held in memory. It implements just enough of the file format to scan named
// tables: the fixed header, table b-tree pages (interior and leaf), overflow
// chains and record serial types. It is not a SQL engine.
package sqlite

import (
	"context"
	"encoding/binary"

	"github.com/lczanna/power-query-explorer/internal/errs"
)

const (
	// headerMagic is the 16-byte string at the start of every database file.
	headerMagic = "SQLite format 3\x00"
	// headerSize is the size of the file header on page 1.
	headerSize = 100

	pageInteriorTable byte = 0x05
	pageLeafTable     byte = 0x0d

	// masterRootPage holds the sqlite_master table.
	masterRootPage = 1
)

// DB is an open database image.
type DB struct {
	buf      []byte
	pageSize int
	usable   int
}

// Open validates the header of an in-memory database image.
func Open(buf []byte) (*DB, error) {
	if len(buf) < headerSize || string(buf[:16]) != headerMagic {
		return nil, errs.Structural("database", "missing file magic", nil)
	}
	pageSize := int(binary.BigEndian.Uint16(buf[16:18]))
	if pageSize == 1 {
		pageSize = 65536
	}
	if pageSize < 512 || pageSize&(pageSize-1) != 0 {
		return nil, errs.Structural("database", "invalid page size", nil)
	}
	reserved := int(buf[20])
	usable := pageSize - reserved
	if usable < 480 || len(buf) < pageSize {
		return nil, errs.Structural("database", "unusable page layout", nil)
	}
	return &DB{buf: buf, pageSize: pageSize, usable: usable}, nil
}

// Row is one decoded table row.
type Row struct {
	ID     int64
	Values []Value
}

// Table scans the named table and returns its rows in b-tree order.
// Individual corrupt cells are dropped; a missing table is NotFound.
func (db *DB) Table(ctx context.Context, name string) ([]Row, error) {
	root, err := db.rootPage(ctx, name)
	if err != nil {
		return nil, err
	}
	var rows []Row
	err = db.walk(ctx, root, 0, func(r Row) {
		rows = append(rows, r)
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// rootPage resolves a table name through sqlite_master.
// Master rows are (type, name, tbl_name, rootpage, sql).
func (db *DB) rootPage(ctx context.Context, name string) (int, error) {
	found := 0
	err := db.walk(ctx, masterRootPage, 0, func(r Row) {
		if found != 0 || len(r.Values) < 4 {
			return
		}
		if r.Values[0].Text == "table" && r.Values[1].Text == name {
			found = int(r.Values[3].Int)
		}
	})
	if err != nil {
		return 0, err
	}
	if found == 0 {
		return 0, errs.NotFound("database", "table "+name)
	}
	return found, nil
}

const maxTreeDepth = 32

// walk descends the table b-tree rooted at page, emitting decoded leaf rows.
func (db *DB) walk(ctx context.Context, page, depth int, emit func(Row)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if depth > maxTreeDepth {
		return errs.Corrupt("b-tree", "page cycle or excessive depth", nil)
	}
	data, err := db.page(page)
	if err != nil {
		return err
	}
	offset := 0
	if page == 1 {
		offset = headerSize
	}
	header := data[offset:]
	if len(header) < 8 {
		return errs.Corrupt("b-tree", "short page header", nil)
	}

	switch header[0] {
	case pageLeafTable:
		db.walkLeaf(data, offset, emit)
		return nil
	case pageInteriorTable:
		return db.walkInterior(ctx, data, offset, depth, emit)
	default:
		return errs.Corrupt("b-tree", "unexpected page type", nil)
	}
}

func (db *DB) walkLeaf(data []byte, offset int, emit func(Row)) {
	cellCount := int(binary.BigEndian.Uint16(data[offset+3 : offset+5]))
	ptrStart := offset + 8
	for i := 0; i < cellCount; i++ {
		p := ptrStart + i*2
		if p+2 > len(data) {
			return
		}
		cellOffset := int(binary.BigEndian.Uint16(data[p : p+2]))
		row, ok := db.decodeLeafCell(data, cellOffset)
		if ok {
			emit(row)
		}
		// a corrupt cell drops only its own row
	}
}

func (db *DB) walkInterior(ctx context.Context, data []byte, offset, depth int, emit func(Row)) error {
	cellCount := int(binary.BigEndian.Uint16(data[offset+3 : offset+5]))
	right := binary.BigEndian.Uint32(data[offset+8 : offset+12])
	ptrStart := offset + 12
	for i := 0; i < cellCount; i++ {
		p := ptrStart + i*2
		if p+2 > len(data) {
			break
		}
		cellOffset := int(binary.BigEndian.Uint16(data[p : p+2]))
		if cellOffset+4 > len(data) {
			continue
		}
		child := binary.BigEndian.Uint32(data[cellOffset : cellOffset+4])
		if err := db.walk(ctx, int(child), depth+1, emit); err != nil {
			return err
		}
	}
	return db.walk(ctx, int(right), depth+1, emit)
}

// decodeLeafCell decodes one leaf table cell, following the overflow chain
// when the payload exceeds its local share of the page.
func (db *DB) decodeLeafCell(data []byte, cellOffset int) (Row, bool) {
	if cellOffset >= len(data) {
		return Row{}, false
	}
	cell := data[cellOffset:]
	payloadSize, n := readVarint(cell)
	if n == 0 || payloadSize < 0 {
		return Row{}, false
	}
	rowID, m := readVarint(cell[n:])
	if m == 0 {
		return Row{}, false
	}
	body := cell[n+m:]

	payload, ok := db.payload(body, int(payloadSize))
	if !ok {
		return Row{}, false
	}
	values, err := decodeRecord(payload)
	if err != nil {
		return Row{}, false
	}
	return Row{ID: rowID, Values: values}, true
}

// payload assembles a cell payload, reading overflow pages past the local
// threshold. Thresholds follow the file format's computation from usable
// page size.
func (db *DB) payload(local []byte, total int) ([]byte, bool) {
	u := db.usable
	x := u - 35
	if total <= x {
		if total > len(local) {
			return nil, false
		}
		return local[:total], true
	}

	m := (u-12)*32/255 - 23
	k := m + (total-m)%(u-4)
	localSize := k
	if k > x {
		localSize = m
	}
	if localSize+4 > len(local) {
		return nil, false
	}

	out := make([]byte, 0, total)
	out = append(out, local[:localSize]...)
	next := binary.BigEndian.Uint32(local[localSize : localSize+4])
	for next != 0 && len(out) < total {
		page, err := db.page(int(next))
		if err != nil {
			return nil, false
		}
		next = binary.BigEndian.Uint32(page[0:4])
		chunk := page[4:u]
		if remaining := total - len(out); len(chunk) > remaining {
			chunk = chunk[:remaining]
		}
		out = append(out, chunk...)
	}
	if len(out) != total {
		return nil, false
	}
	return out, true
}

func (db *DB) page(n int) ([]byte, error) {
	if n < 1 {
		return nil, errs.Corrupt("b-tree", "page number out of range", nil)
	}
	start := (n - 1) * db.pageSize
	end := start + db.pageSize
	if end > len(db.buf) {
		return nil, errs.Corrupt("b-tree", "page past end of image", nil)
	}
	return db.buf[start:end], nil
}

// readVarint reads the format's big-endian 7-bit variable-length integer:
// at most 9 bytes, the ninth using all 8 bits.
func readVarint(data []byte) (int64, int) {
	var value int64
	var n int
	for i := 0; i < 9 && i < len(data); i++ {
		n++
		b := data[i]
		if i == 8 {
			value = value<<8 | int64(b)
			break
		}
		value = value<<7 | int64(b&0x7f)
		if b&0x80 == 0 {
			break
		}
	}
	return value, n
}
