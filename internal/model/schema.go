// Package model recovers tabular data from a BI-package data model: it joins
// the relational catalog into per-table column descriptors, then decodes each
// column's hybrid run-length/bit-packed index through its dictionary.
package model

import (
	"context"
	"strings"

	"github.com/lczanna/power-query-explorer/internal/sqlite"
)

// Catalog table names inside the relational database image.
const (
	tblTable              = "Table"
	tblColumn             = "Column"
	tblColumnStorage      = "ColumnStorage"
	tblColumnPartition    = "ColumnPartitionStorage"
	tblDictionaryStorage  = "DictionaryStorage"
	tblStorageFile        = "StorageFile"
	tblAttributeHierarchy = "AttributeHierarchy"
	tblHierarchyStorage   = "AttributeHierarchyStorage"
)

// Positional column layouts of the catalog tables, resolved here once rather
// than re-interpreted at each use site.
const (
	colTableID   = 0
	colTableName = 1

	colColumnID          = 0
	colColumnTableID     = 1
	colColumnName        = 2
	colColumnKind        = 3
	colColumnType        = 4
	colColumnStorageRef  = 5
	colColumnHierarchyID = 6

	colStorageID      = 0
	colStorageDictID  = 1
	colStorageCardin  = 2
	colPartitionID    = 0
	colPartitionCSRef = 1
	colPartitionFile  = 2

	colDictID       = 0
	colDictBaseID   = 1
	colDictMagnitud = 2
	colDictNullable = 3
	colDictFile     = 4

	colFileID   = 0
	colFileName = 1

	colHierID         = 0
	colHierStorageRef = 1
	colHierStoreID    = 0
	colHierStoreFile  = 1
)

// Column kinds that carry user data. Other kinds (row numbers, internal
// bookkeeping) are not decodable columns.
const (
	columnKindData       = 1
	columnKindCalculated = 2
)

// Declared type codes that need coercion after dictionary resolution.
const (
	typeDate     = 9  // day count since the serial-date epoch
	typeCurrency = 10 // fixed point, four decimal places
)

// internalTablePrefixes name auto-generated date tables and hidden index
// tables that are never part of the user model.
var internalTablePrefixes = []string{"LocalDateTable_", "DateTableTemplate_", "H$"}

// ColumnDescriptor is one decodable column of one table, with the storage
// file names needed to read its values. Immutable once built.
type ColumnDescriptor struct {
	Name           string
	TypeCode       int64
	IndexFile      string
	DictionaryFile string
	HierarchyFile  string
	BaseID         int64
	Magnitude      float64
	Nullable       bool
	Cardinality    int64
}

// TableDescriptor is a table name plus its decodable columns.
type TableDescriptor struct {
	Name    string
	Columns []ColumnDescriptor
}

// Correlate joins the catalog tables into per-table column descriptors.
// Tables with zero decodable columns are dropped.
func Correlate(ctx context.Context, db *sqlite.DB) ([]TableDescriptor, error) {
	cat, err := loadCatalog(ctx, db)
	if err != nil {
		return nil, err
	}

	var out []TableDescriptor
	for _, t := range cat.tables {
		name := t.Values[colTableName].Text
		if InternalName(name) {
			continue
		}
		desc := TableDescriptor{Name: name}
		for _, c := range cat.columnsByTable[t.Values[colTableID].Int] {
			cd, ok := cat.describeColumn(c)
			if ok {
				desc.Columns = append(desc.Columns, cd)
			}
		}
		if len(desc.Columns) > 0 {
			out = append(out, desc)
		}
	}
	return out, nil
}

// InternalName reports whether a table name belongs to the auto-generated
// internal tables excluded from extraction.
func InternalName(name string) bool {
	for _, p := range internalTablePrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// catalog holds the raw catalog rows indexed for the joins below.
type catalog struct {
	tables         []sqlite.Row
	columnsByTable map[int64][]sqlite.Row
	storage        map[int64]sqlite.Row
	partitionByCS  map[int64]sqlite.Row
	dictionaries   map[int64]sqlite.Row
	files          map[int64]string
	hierarchies    map[int64]sqlite.Row
	hierStorage    map[int64]sqlite.Row
}

func loadCatalog(ctx context.Context, db *sqlite.DB) (*catalog, error) {
	cat := &catalog{
		columnsByTable: map[int64][]sqlite.Row{},
		storage:        map[int64]sqlite.Row{},
		partitionByCS:  map[int64]sqlite.Row{},
		dictionaries:   map[int64]sqlite.Row{},
		files:          map[int64]string{},
		hierarchies:    map[int64]sqlite.Row{},
		hierStorage:    map[int64]sqlite.Row{},
	}

	var err error
	if cat.tables, err = db.Table(ctx, tblTable); err != nil {
		return nil, err
	}

	columns, err := db.Table(ctx, tblColumn)
	if err != nil {
		return nil, err
	}
	for _, r := range columns {
		if len(r.Values) > colColumnHierarchyID {
			tid := r.Values[colColumnTableID].Int
			cat.columnsByTable[tid] = append(cat.columnsByTable[tid], r)
		}
	}

	index := func(name string, into map[int64]sqlite.Row, keyCol, minLen int) error {
		rows, err := db.Table(ctx, name)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if len(r.Values) >= minLen {
				into[r.Values[keyCol].Int] = r
			}
		}
		return nil
	}

	if err := index(tblColumnStorage, cat.storage, colStorageID, colStorageCardin+1); err != nil {
		return nil, err
	}
	if err := index(tblDictionaryStorage, cat.dictionaries, colDictID, colDictFile+1); err != nil {
		return nil, err
	}
	if err := index(tblAttributeHierarchy, cat.hierarchies, colHierID, colHierStorageRef+1); err != nil {
		return nil, err
	}
	if err := index(tblHierarchyStorage, cat.hierStorage, colHierStoreID, colHierStoreFile+1); err != nil {
		return nil, err
	}

	partitions, err := db.Table(ctx, tblColumnPartition)
	if err != nil {
		return nil, err
	}
	for _, r := range partitions {
		if len(r.Values) > colPartitionFile {
			cat.partitionByCS[r.Values[colPartitionCSRef].Int] = r
		}
	}

	files, err := db.Table(ctx, tblStorageFile)
	if err != nil {
		return nil, err
	}
	for _, r := range files {
		if len(r.Values) > colFileName {
			cat.files[r.Values[colFileID].Int] = r.Values[colFileName].Text
		}
	}
	return cat, nil
}

// describeColumn follows column -> storage -> partition/dictionary/hierarchy
// to the storage-file names. A column without a resolvable value-index file
// cannot be decoded and yields ok == false.
func (cat *catalog) describeColumn(c sqlite.Row) (ColumnDescriptor, bool) {
	kind := c.Values[colColumnKind].Int
	if kind != columnKindData && kind != columnKindCalculated {
		return ColumnDescriptor{}, false
	}

	cs, ok := cat.storage[c.Values[colColumnStorageRef].Int]
	if !ok {
		return ColumnDescriptor{}, false
	}

	part, ok := cat.partitionByCS[cs.Values[colStorageID].Int]
	if !ok {
		return ColumnDescriptor{}, false
	}
	indexFile, ok := cat.files[part.Values[colPartitionFile].Int]
	if !ok {
		return ColumnDescriptor{}, false
	}

	cd := ColumnDescriptor{
		Name:        c.Values[colColumnName].Text,
		TypeCode:    c.Values[colColumnType].Int,
		IndexFile:   indexFile,
		Magnitude:   1,
		Cardinality: cs.Values[colStorageCardin].Int,
	}

	if dictRef := cs.Values[colStorageDictID]; !dictRef.IsNull() {
		if dict, ok := cat.dictionaries[dictRef.Int]; ok {
			cd.BaseID = dict.Values[colDictBaseID].Int
			if m := dict.Values[colDictMagnitud].Num(); m != 0 {
				cd.Magnitude = m
			}
			cd.Nullable = dict.Values[colDictNullable].Int != 0
			if fileRef := dict.Values[colDictFile]; !fileRef.IsNull() {
				cd.DictionaryFile = cat.files[fileRef.Int]
			}
		}
	}

	if cd.DictionaryFile == "" {
		if hierRef := c.Values[colColumnHierarchyID]; !hierRef.IsNull() {
			if hier, ok := cat.hierarchies[hierRef.Int]; ok {
				if hs, ok := cat.hierStorage[hier.Values[colHierStorageRef].Int]; ok {
					cd.HierarchyFile = cat.files[hs.Values[colHierStoreFile].Int]
				}
			}
		}
	}
	return cd, true
}
