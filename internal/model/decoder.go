package model

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lczanna/power-query-explorer/internal/errs"
)

// FileSource resolves storage-file names to their contents, typically backed
// by the backup image's virtual directory.
type FileSource interface {
	File(name string) ([]byte, error)
}

// Column is one decoded column: a name and its row-aligned values.
type Column struct {
	Name   string
	Values []any
}

// Table is the decode result for one table. Row count is the maximum length
// across columns; columns that failed to decode are absent.
type Table struct {
	Name    string
	Columns []Column
}

// RowCount returns the maximum value count across columns.
func (t *Table) RowCount() int {
	n := 0
	for _, c := range t.Columns {
		if len(c.Values) > n {
			n = len(c.Values)
		}
	}
	return n
}

// serialDateEpoch anchors type-code-9 day counts.
var serialDateEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

// Decoder decodes table columns against a file source. Dictionaries are
// cached so columns sharing a dictionary file resolve it once.
type Decoder struct {
	files  FileSource
	log    *zap.Logger
	dcache map[string]*Dictionary
}

// NewDecoder returns a Decoder reading storage files from files.
func NewDecoder(files FileSource, log *zap.Logger) *Decoder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Decoder{files: files, log: log, dcache: map[string]*Dictionary{}}
}

// DecodeTable decodes every decodable column of desc. Columns whose storage
// files are missing are dropped; columns whose dictionary content fails to
// decode keep their raw ids. Only context cancellation is returned as an
// error.
func (d *Decoder) DecodeTable(ctx context.Context, desc TableDescriptor) (*Table, error) {
	t := &Table{Name: desc.Name}
	for _, cd := range desc.Columns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		col, err := d.decodeColumn(cd)
		if err != nil {
			d.log.Warn("column skipped",
				zap.String("table", desc.Name),
				zap.String("column", cd.Name),
				zap.Error(err))
			continue
		}
		t.Columns = append(t.Columns, col)
	}
	return t, nil
}

func (d *Decoder) decodeColumn(cd ColumnDescriptor) (Column, error) {
	idxBuf, err := d.files.File(cd.IndexFile)
	if err != nil {
		return Column{}, err
	}
	ids, err := decodeIndex(idxBuf)
	if err != nil {
		return Column{}, err
	}

	values, err := d.resolve(cd, ids)
	if errs.IsNotFound(err) {
		// A named but absent storage file excludes the column entirely.
		return Column{}, err
	}
	if err != nil {
		// Keep the raw ids rather than dropping rows the index decoded fine.
		d.log.Warn("dictionary undecodable, keeping raw ids",
			zap.String("column", cd.Name), zap.Error(err))
		values = make([]any, len(ids))
		for i, id := range ids {
			values[i] = int64(id)
		}
	}
	return Column{Name: cd.Name, Values: values}, nil
}

// resolve maps index ids to final values through the column's dictionary or
// hierarchy, then applies the declared-type coercions.
func (d *Decoder) resolve(cd ColumnDescriptor, ids []uint32) ([]any, error) {
	var values []any
	switch {
	case cd.DictionaryFile != "":
		dict, err := d.dictionary(cd)
		if err != nil {
			return nil, err
		}
		values = make([]any, len(ids))
		for i, id := range ids {
			values[i] = dict.Lookup(int64(id))
		}
	case cd.HierarchyFile != "":
		// The hierarchy index only marks the column as value-encoded; the
		// value is recovered from the id itself.
		if _, err := d.files.File(cd.HierarchyFile); err != nil {
			return nil, err
		}
		values = make([]any, len(ids))
		for i, id := range ids {
			values[i] = (float64(id) + float64(cd.BaseID)) / cd.Magnitude
		}
	default:
		return nil, errs.NotFound("column "+cd.Name, "no dictionary or hierarchy index")
	}
	return coerce(cd.TypeCode, values), nil
}

func (d *Decoder) dictionary(cd ColumnDescriptor) (*Dictionary, error) {
	if dict, ok := d.dcache[cd.DictionaryFile]; ok {
		return dict, nil
	}
	buf, err := d.files.File(cd.DictionaryFile)
	if err != nil {
		return nil, err
	}
	dict, err := decodeDictionary(buf, cd.BaseID)
	if err != nil {
		return nil, err
	}
	d.dcache[cd.DictionaryFile] = dict
	return dict, nil
}

// coerce applies declared-type transforms: day-count dates and fixed-point
// currency.
func coerce(typeCode int64, values []any) []any {
	switch typeCode {
	case typeDate:
		for i, v := range values {
			if n, ok := asFloat(v); ok {
				values[i] = serialDateEpoch.AddDate(0, 0, int(n))
			}
		}
	case typeCurrency:
		for i, v := range values {
			if n, ok := asFloat(v); ok {
				values[i] = n / 10000
			}
		}
	}
	return values
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
