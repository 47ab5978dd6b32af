package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lczanna/power-query-explorer/internal/config"
	"github.com/lczanna/power-query-explorer/internal/export"
	"github.com/lczanna/power-query-explorer/internal/model"
)

var exportFormat string

var exportCmd = &cobra.Command{
	Use:     "export <file>...",
	Short:   "Export decoded tables to parquet or CSV files",
	Long:    `Decodes the data model of each container and writes one file per table to the output directory, named <container>.<table>.<ext>.`,
	Example: `./pqx export report.pbix --format parquet --output ./out`,
	Args:    cobra.MinimumNArgs(1),
	RunE:    runExport,
}

func runExport(cmd *cobra.Command, args []string) error {
	write, ext, err := exportWriter(exportFormat)
	if err != nil {
		return err
	}

	dir := config.Current().OutputPath
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	for _, path := range args {
		res, err := extractFile(cmd, path)
		if err != nil {
			return err
		}
		for _, t := range res.Tables {
			name := fmt.Sprintf("%s.%s.%s", strings.TrimSuffix(res.Container, filepath.Ext(res.Container)), t.Name, ext)
			out := filepath.Join(dir, name)
			if err := writeTable(out, t, write); err != nil {
				return fmt.Errorf("failed to export table %s: %w", t.Name, err)
			}
			fmt.Printf("Wrote %s (%d rows)\n", out, t.RowCount())
		}
		if len(res.Tables) == 0 {
			fmt.Printf("%s: no tables to export\n", res.Container)
		}
	}
	return nil
}

func exportWriter(format string) (func(*os.File, *model.Table) error, string, error) {
	switch strings.ToLower(format) {
	case "parquet":
		return func(f *os.File, t *model.Table) error { return export.WriteParquet(f, t) }, "parquet", nil
	case "csv":
		return func(f *os.File, t *model.Table) error { return export.WriteCSV(f, t) }, "csv", nil
	default:
		return nil, "", fmt.Errorf("unsupported format: %s (only parquet and csv are supported)", format)
	}
}

func writeTable(path string, t *model.Table, write func(*os.File, *model.Table) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f, t); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "parquet", "Export format ('parquet' or 'csv')")
}
