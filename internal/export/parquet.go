// Package export serializes decoded tables: a minimal columnar container
// (one PLAIN byte-array page per column, hand-encoded compact-protocol
// footer) and a delimited text form. The encoders are independent of the
// decode path and treat every cell as text.
package export

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/lczanna/power-query-explorer/internal/errs"
	"github.com/lczanna/power-query-explorer/internal/model"
)

// magic brackets the file at both ends.
const magic = "PAR1"

// Columnar format constants: physical type, encoding, repetition, codec.
const (
	physicalByteArray = 6
	encodingPlain     = 0
	repetitionReq     = 0
	codecUncompressed = 0
	pageTypeData      = 0
	formatVersion     = 1
)

// WriteParquet encodes the table as one row group with one uncompressed
// column chunk per column. Cells are rendered to text; missing trailing rows
// of short columns render empty.
func WriteParquet(w io.Writer, t *model.Table) error {
	rows := t.RowCount()
	offset := int64(len(magic))
	if _, err := io.WriteString(w, magic); err != nil {
		return err
	}

	type chunk struct {
		name   string
		offset int64
		size   int64
	}
	chunks := make([]chunk, 0, len(t.Columns))
	for _, col := range t.Columns {
		page := encodePlainPage(col, rows)
		header := encodePageHeader(rows, len(page))
		if _, err := w.Write(header); err != nil {
			return err
		}
		if _, err := w.Write(page); err != nil {
			return err
		}
		size := int64(len(header) + len(page))
		chunks = append(chunks, chunk{name: col.Name, offset: offset, size: size})
		offset += size
	}

	tw := &tagWriter{}
	tw.structBegin()
	tw.i32(1, formatVersion)

	// Schema: a nameless root with one required byte-array child per column.
	tw.listBegin(2, typeStruct, len(chunks)+1)
	tw.structBegin()
	tw.binary(4, []byte("schema"))
	tw.i32(5, int64(len(chunks)))
	tw.structEnd()
	for _, c := range chunks {
		tw.structBegin()
		tw.i32(1, physicalByteArray)
		tw.i32(3, repetitionReq)
		tw.binary(4, []byte(c.name))
		tw.structEnd()
	}

	tw.i64(3, int64(rows))

	var total int64
	for _, c := range chunks {
		total += c.size
	}
	tw.listBegin(4, typeStruct, 1)
	tw.structBegin() // row group
	tw.listBegin(1, typeStruct, len(chunks))
	for _, c := range chunks {
		tw.structBegin() // column chunk
		tw.i64(2, c.offset)
		tw.field(3, typeStruct) // column metadata
		tw.structBegin()
		tw.i32(1, physicalByteArray)
		tw.listBegin(2, typeI32, 1)
		tw.listI32(encodingPlain)
		tw.listBegin(3, typeBinary, 1)
		tw.varint(uint64(len(c.name)))
		tw.buf.WriteString(c.name)
		tw.i32(4, codecUncompressed)
		tw.i64(5, int64(rows))
		tw.i64(6, c.size)
		tw.i64(7, c.size)
		tw.i64(9, c.offset)
		tw.structEnd()
		tw.structEnd()
	}
	tw.i64(2, total)
	tw.i64(3, int64(rows))
	tw.structEnd()

	tw.structEnd()

	footer := tw.buf.Bytes()
	if _, err := w.Write(footer); err != nil {
		return err
	}
	var tail [4]byte
	binary.LittleEndian.PutUint32(tail[:], uint32(len(footer)))
	if _, err := w.Write(tail[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, magic)
	return err
}

// encodePageHeader emits the compact-protocol page header preceding each
// data page.
func encodePageHeader(rows, pageSize int) []byte {
	tw := &tagWriter{}
	tw.structBegin()
	tw.i32(1, pageTypeData)
	tw.i32(2, int64(pageSize))
	tw.i32(3, int64(pageSize))
	tw.field(5, typeStruct)
	tw.structBegin()
	tw.i32(1, int64(rows))
	tw.i32(2, encodingPlain)
	tw.i32(3, encodingPlain)
	tw.i32(4, encodingPlain)
	tw.structEnd()
	tw.structEnd()
	return tw.buf.Bytes()
}

// encodePlainPage renders rows cells as length-prefixed byte strings.
func encodePlainPage(col model.Column, rows int) []byte {
	var out []byte
	for i := 0; i < rows; i++ {
		var v any
		if i < len(col.Values) {
			v = col.Values[i]
		}
		s := FormatValue(v)
		out = binary.LittleEndian.AppendUint32(out, uint32(len(s)))
		out = append(out, s...)
	}
	return out
}

// FormatValue renders one decoded cell as text. Day-count dates carry no
// clock, so they render as plain dates.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return x.Format("2006-01-02")
	default:
		return fmt.Sprint(x)
	}
}

// ReadParquet decodes a file written by WriteParquet back into a table of
// text cells. It reads the footer schema and each chunk's data page; it is
// the round-trip counterpart of the writer, not a general reader.
func ReadParquet(buf []byte) (*model.Table, error) {
	if len(buf) < 12 || string(buf[:4]) != magic || string(buf[len(buf)-4:]) != magic {
		return nil, errs.Structural("columnar file", "missing magic", nil)
	}
	footerLen := int(binary.LittleEndian.Uint32(buf[len(buf)-8 : len(buf)-4]))
	footerEnd := len(buf) - 8
	if footerLen <= 0 || footerEnd-footerLen < 4 {
		return nil, errs.Structural("columnar file", "footer length out of range", nil)
	}

	meta, err := readFooter(buf[footerEnd-footerLen : footerEnd])
	if err != nil {
		return nil, err
	}

	t := &model.Table{}
	for _, c := range meta.chunks {
		values, err := readColumnPage(buf, c, meta.rows)
		if err != nil {
			return nil, err
		}
		t.Columns = append(t.Columns, model.Column{Name: c.name, Values: values})
	}
	return t, nil
}

type footerChunk struct {
	name       string
	pageOffset int64
}

type footerMeta struct {
	rows   int
	chunks []footerChunk
}

func readFooter(buf []byte) (*footerMeta, error) {
	r := newTagReader(buf)
	meta := &footerMeta{}
	var names []string

	r.structBegin()
	for {
		id, typ, done, err := r.next()
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
		switch id {
		case 2: // schema
			_, size, err := r.listHeader()
			if err != nil {
				return nil, err
			}
			for i := 0; i < size; i++ {
				name, err := readSchemaName(r)
				if err != nil {
					return nil, err
				}
				if i > 0 { // element 0 is the root
					names = append(names, name)
				}
			}
		case 3:
			n, err := r.i(typ)
			if err != nil {
				return nil, err
			}
			meta.rows = int(n)
		case 4: // row groups
			_, size, err := r.listHeader()
			if err != nil {
				return nil, err
			}
			for i := 0; i < size; i++ {
				chunks, err := readRowGroup(r)
				if err != nil {
					return nil, err
				}
				meta.chunks = append(meta.chunks, chunks...)
			}
		default:
			if err := r.skip(typ); err != nil {
				return nil, err
			}
		}
	}

	if len(names) != len(meta.chunks) {
		return nil, errs.Corrupt("columnar footer", "schema and chunks disagree", nil)
	}
	for i := range meta.chunks {
		meta.chunks[i].name = names[i]
	}
	return meta, nil
}

func readSchemaName(r *tagReader) (string, error) {
	var name string
	r.structBegin()
	defer r.structEnd()
	for {
		id, typ, done, err := r.next()
		if err != nil {
			return "", err
		}
		if done {
			return name, nil
		}
		if id == 4 && typ == typeBinary {
			b, err := r.binary()
			if err != nil {
				return "", err
			}
			name = string(b)
			continue
		}
		if err := r.skip(typ); err != nil {
			return "", err
		}
	}
}

func readRowGroup(r *tagReader) ([]footerChunk, error) {
	var chunks []footerChunk
	r.structBegin()
	defer r.structEnd()
	for {
		id, typ, done, err := r.next()
		if err != nil {
			return nil, err
		}
		if done {
			return chunks, nil
		}
		if id != 1 {
			if err := r.skip(typ); err != nil {
				return nil, err
			}
			continue
		}
		_, size, err := r.listHeader()
		if err != nil {
			return nil, err
		}
		for i := 0; i < size; i++ {
			c, err := readColumnChunk(r)
			if err != nil {
				return nil, err
			}
			chunks = append(chunks, c)
		}
	}
}

func readColumnChunk(r *tagReader) (footerChunk, error) {
	var c footerChunk
	r.structBegin()
	defer r.structEnd()
	for {
		id, typ, done, err := r.next()
		if err != nil {
			return c, err
		}
		if done {
			return c, nil
		}
		if id != 3 || typ != typeStruct {
			if err := r.skip(typ); err != nil {
				return c, err
			}
			continue
		}
		r.structBegin()
		for {
			mid, mtyp, mdone, err := r.next()
			if err != nil {
				return c, err
			}
			if mdone {
				break
			}
			if mid == 9 {
				v, err := r.i(mtyp)
				if err != nil {
					return c, err
				}
				c.pageOffset = v
				continue
			}
			if err := r.skip(mtyp); err != nil {
				return c, err
			}
		}
		r.structEnd()
	}
}

// readColumnPage skips the chunk's page header and decodes rows
// length-prefixed values.
func readColumnPage(buf []byte, c footerChunk, rows int) ([]any, error) {
	if c.pageOffset < 0 || c.pageOffset >= int64(len(buf)) {
		return nil, errs.Corrupt("columnar file", "chunk offset out of range", nil)
	}
	r := newTagReader(buf[c.pageOffset:])
	var pageSize int64
	r.structBegin()
	for {
		id, typ, done, err := r.next()
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
		if id == 2 {
			if pageSize, err = r.i(typ); err != nil {
				return nil, err
			}
			continue
		}
		if err := r.skip(typ); err != nil {
			return nil, err
		}
	}

	page := buf[c.pageOffset+int64(r.pos):]
	if int64(len(page)) < pageSize {
		return nil, errs.Corrupt("columnar file", "page truncated", nil)
	}
	page = page[:pageSize]

	values := make([]any, 0, rows)
	pos := 0
	for i := 0; i < rows; i++ {
		if pos+4 > len(page) {
			return nil, errs.Corrupt("columnar file", "value prefix truncated", nil)
		}
		n := int(binary.LittleEndian.Uint32(page[pos:]))
		pos += 4
		if pos+n > len(page) {
			return nil, errs.Corrupt("columnar file", "value truncated", nil)
		}
		values = append(values, string(page[pos:pos+n]))
		pos += n
	}
	return values, nil
}
