package extract

import (
	"github.com/lczanna/power-query-explorer/internal/export"
	"github.com/lczanna/power-query-explorer/internal/model"
)

// ColumnStats is a small data profile of one decoded column.
type ColumnStats struct {
	Name     string
	Rows     int
	Nulls    int
	Distinct int
}

// TableStats profiles a decoded table from its values: per column, the row
// count, null count and distinct value count. Columns shorter than the table
// count their missing trailing cells as nulls.
func TableStats(t *model.Table) []ColumnStats {
	rows := t.RowCount()
	out := make([]ColumnStats, 0, len(t.Columns))
	for _, c := range t.Columns {
		s := ColumnStats{Name: c.Name, Rows: rows, Nulls: rows - len(c.Values)}
		seen := make(map[string]bool)
		for _, v := range c.Values {
			if v == nil {
				s.Nulls++
				continue
			}
			seen[export.FormatValue(v)] = true
		}
		s.Distinct = len(seen)
		out = append(out, s)
	}
	return out
}
