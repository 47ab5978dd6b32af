package model

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lczanna/power-query-explorer/internal/errs"
	"github.com/lczanna/power-query-explorer/internal/testutil"
)

// mapSource backs a Decoder with in-memory storage files.
type mapSource map[string][]byte

func (m mapSource) File(name string) ([]byte, error) {
	if data, ok := m[name]; ok {
		return data, nil
	}
	return nil, errs.NotFound("storage", name)
}

func TestDecodeTableStrings(t *testing.T) {
	files := mapSource{
		"city.idf": testutil.IndexFile(0,
			[]testutil.IndexRun{
				{Packed: true, Repeat: 2},
				{Value: 0, Repeat: 2},
			},
			[]uint32{1, 2}),
		"city.dict": testutil.StringDictionary([]testutil.DictionaryPage{
			{Strings: []string{"Oslo", "Lima", "Pune"}},
		}),
	}

	d := NewDecoder(files, nil)
	table, err := d.DecodeTable(context.Background(), TableDescriptor{
		Name: "Cities",
		Columns: []ColumnDescriptor{{
			Name:           "City",
			IndexFile:      "city.idf",
			DictionaryFile: "city.dict",
			Magnitude:      1,
		}},
	})
	require.NoError(t, err)
	require.Len(t, table.Columns, 1)
	assert.Equal(t, []any{"Lima", "Pune", "Oslo", "Oslo"}, table.Columns[0].Values)
	assert.Equal(t, 4, table.RowCount())
}

func TestDecodeTableNumericWithBase(t *testing.T) {
	files := mapSource{
		"amount.idf":  testutil.IndexFile(50, nil, []uint32{50, 51, 52}),
		"amount.dict": testutil.NumericDictionary([]any{int64(10), int64(20), int64(30)}),
	}

	d := NewDecoder(files, nil)
	table, err := d.DecodeTable(context.Background(), TableDescriptor{
		Name: "Amounts",
		Columns: []ColumnDescriptor{{
			Name:           "Amount",
			IndexFile:      "amount.idf",
			DictionaryFile: "amount.dict",
			BaseID:         50,
			Magnitude:      1,
		}},
	})
	require.NoError(t, err)
	require.Len(t, table.Columns, 1)
	assert.Equal(t, []any{int64(10), int64(20), int64(30)}, table.Columns[0].Values)
}

func TestDecodeTableHierarchyValues(t *testing.T) {
	// Value-encoded column: the id itself carries the value, shifted by the
	// base id and scaled by the magnitude. The hierarchy file only has to
	// exist.
	files := mapSource{
		"qty.idf": testutil.IndexFile(0, nil, []uint32{0, 5, 10}),
		"qty.h":   {0x01},
	}

	d := NewDecoder(files, nil)
	table, err := d.DecodeTable(context.Background(), TableDescriptor{
		Name: "Q",
		Columns: []ColumnDescriptor{{
			Name:          "Qty",
			IndexFile:     "qty.idf",
			HierarchyFile: "qty.h",
			BaseID:        100,
			Magnitude:     10,
		}},
	})
	require.NoError(t, err)
	require.Len(t, table.Columns, 1)
	assert.Equal(t, []any{10.0, 10.5, 11.0}, table.Columns[0].Values)
}

func TestDecodeTableDateCoercion(t *testing.T) {
	files := mapSource{
		"when.idf":  testutil.IndexFile(0, nil, []uint32{0, 1}),
		"when.dict": testutil.NumericDictionary([]any{int64(1), int64(45000)}),
	}

	d := NewDecoder(files, nil)
	table, err := d.DecodeTable(context.Background(), TableDescriptor{
		Name: "Dates",
		Columns: []ColumnDescriptor{{
			Name:           "When",
			TypeCode:       9,
			IndexFile:      "when.idf",
			DictionaryFile: "when.dict",
			Magnitude:      1,
		}},
	})
	require.NoError(t, err)
	require.Len(t, table.Columns, 1)
	assert.Equal(t,
		time.Date(1899, time.December, 31, 0, 0, 0, 0, time.UTC),
		table.Columns[0].Values[0])
	assert.Equal(t,
		time.Date(2023, time.March, 15, 0, 0, 0, 0, time.UTC),
		table.Columns[0].Values[1])
}

func TestDecodeTableCurrencyCoercion(t *testing.T) {
	files := mapSource{
		"price.idf":  testutil.IndexFile(0, nil, []uint32{0}),
		"price.dict": testutil.NumericDictionary([]any{int64(123450)}),
	}

	d := NewDecoder(files, nil)
	table, err := d.DecodeTable(context.Background(), TableDescriptor{
		Name: "P",
		Columns: []ColumnDescriptor{{
			Name:           "Price",
			TypeCode:       10,
			IndexFile:      "price.idf",
			DictionaryFile: "price.dict",
			Magnitude:      1,
		}},
	})
	require.NoError(t, err)
	require.Len(t, table.Columns, 1)
	assert.Equal(t, []any{12.345}, table.Columns[0].Values)
}

func TestDecodeTableMissingDictionaryDropsColumn(t *testing.T) {
	files := mapSource{
		"a.idf":  testutil.IndexFile(0, nil, []uint32{0, 1}),
		"a.dict": testutil.StringDictionary([]testutil.DictionaryPage{{Strings: []string{"x", "y"}}}),
		"b.idf":  testutil.IndexFile(0, nil, []uint32{0}),
	}

	d := NewDecoder(files, nil)
	table, err := d.DecodeTable(context.Background(), TableDescriptor{
		Name: "T",
		Columns: []ColumnDescriptor{
			{Name: "A", IndexFile: "a.idf", DictionaryFile: "a.dict", Magnitude: 1},
			{Name: "B", IndexFile: "b.idf", DictionaryFile: "gone.dict", Magnitude: 1},
		},
	})
	require.NoError(t, err)
	require.Len(t, table.Columns, 1)
	assert.Equal(t, "A", table.Columns[0].Name)
}

func TestDecodeTableCorruptDictionaryKeepsIds(t *testing.T) {
	files := mapSource{
		"c.idf":  testutil.IndexFile(0, nil, []uint32{3, 4}),
		"c.dict": {0xff, 0xff, 0xff, 0xff},
	}

	d := NewDecoder(files, nil)
	table, err := d.DecodeTable(context.Background(), TableDescriptor{
		Name: "T",
		Columns: []ColumnDescriptor{
			{Name: "C", IndexFile: "c.idf", DictionaryFile: "c.dict", Magnitude: 1},
		},
	})
	require.NoError(t, err)
	require.Len(t, table.Columns, 1)
	assert.Equal(t, []any{int64(3), int64(4)}, table.Columns[0].Values)
}

func TestDecodeTableDictionaryCached(t *testing.T) {
	calls := 0
	files := countingSource{
		mapSource{
			"x.idf": testutil.IndexFile(0, nil, []uint32{0}),
			"y.idf": testutil.IndexFile(0, nil, []uint32{1}),
			"shared.dict": testutil.StringDictionary([]testutil.DictionaryPage{
				{Strings: []string{"a", "b"}},
			}),
		},
		&calls,
	}

	d := NewDecoder(files, nil)
	_, err := d.DecodeTable(context.Background(), TableDescriptor{
		Name: "T",
		Columns: []ColumnDescriptor{
			{Name: "X", IndexFile: "x.idf", DictionaryFile: "shared.dict", Magnitude: 1},
			{Name: "Y", IndexFile: "y.idf", DictionaryFile: "shared.dict", Magnitude: 1},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

type countingSource struct {
	mapSource
	dictReads *int
}

func (c countingSource) File(name string) ([]byte, error) {
	if name == "shared.dict" {
		*c.dictReads++
	}
	return c.mapSource.File(name)
}

func TestDecodeTableCancelled(t *testing.T) {
	d := NewDecoder(mapSource{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.DecodeTable(ctx, TableDescriptor{
		Name:    "T",
		Columns: []ColumnDescriptor{{Name: "A", IndexFile: "a.idf"}},
	})
	assert.ErrorIs(t, err, context.Canceled)
}
