package export

import (
	"encoding/csv"
	"io"

	"github.com/lczanna/power-query-explorer/internal/model"
)

// WriteCSV writes the table as UTF-8 delimited text, header row first.
// Columns shorter than the table's row count pad with empty cells.
func WriteCSV(w io.Writer, t *model.Table) error {
	cw := csv.NewWriter(w)

	header := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		header[i] = c.Name
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	rows := t.RowCount()
	record := make([]string, len(t.Columns))
	for r := 0; r < rows; r++ {
		for i, c := range t.Columns {
			if r < len(c.Values) {
				record[i] = FormatValue(c.Values[r])
			} else {
				record[i] = ""
			}
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
