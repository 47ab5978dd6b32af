package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lczanna/power-query-explorer/internal/export"
	"github.com/lczanna/power-query-explorer/internal/extract"
	"github.com/lczanna/power-query-explorer/internal/model"
)

var previewRows int

var tablesCmd = &cobra.Command{
	Use:     "tables <file>...",
	Short:   "List the tables decoded from container data models",
	Long:    `Decodes the data model of each container and prints a per-column profile: row count, null count and distinct value count.`,
	Example: `./pqx tables report.pbix --preview 5`,
	Args:    cobra.MinimumNArgs(1),
	RunE:    runTables,
}

func runTables(cmd *cobra.Command, args []string) error {
	for _, path := range args {
		res, err := extractFile(cmd, path)
		if err != nil {
			return err
		}

		fmt.Printf("%s: %d tables\n", res.Container, len(res.Tables))
		for _, t := range res.Tables {
			fmt.Printf("  %s (%d rows)\n", t.Name, t.RowCount())
			for _, s := range extract.TableStats(t) {
				fmt.Printf("    %-24s rows=%d nulls=%d distinct=%d\n", s.Name, s.Rows, s.Nulls, s.Distinct)
			}
			if previewRows > 0 {
				printPreview(t, previewRows)
			}
		}
	}
	return nil
}

// printPreview prints the first n rows of a table, one line per row.
func printPreview(t *model.Table, n int) {
	if n > t.RowCount() {
		n = t.RowCount()
	}
	for row := 0; row < n; row++ {
		cells := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			if row < len(c.Values) {
				cells[i] = formatCell(c.Values[row])
			} else {
				cells[i] = formatCell(nil)
			}
		}
		fmt.Printf("    [%d] %s\n", row, strings.Join(cells, " | "))
	}
}

// formatCell renders one decoded value for terminal output.
func formatCell(v any) string {
	if v == nil {
		return "<null>"
	}
	return export.FormatValue(v)
}

func init() {
	tablesCmd.Flags().IntVar(&previewRows, "preview", 0, "Print the first N rows of each table")
}
