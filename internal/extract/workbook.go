package extract

import (
	"archive/zip"
	"bytes"
	"context"

	"go.uber.org/zap"

	"github.com/lczanna/power-query-explorer/internal/errs"
	"github.com/lczanna/power-query-explorer/internal/mashup"
	"github.com/lczanna/power-query-explorer/internal/mquery"
)

func init() {
	RegisterKindHandler(KindWorkbook, workbookHandler{})
}

// workbookHandler recovers queries from spreadsheet containers. Candidates
// are tried in reliability order; the connections descriptor contributes
// name-only queries at the lowest merge precedence.
type workbookHandler struct{}

func (workbookHandler) Extract(ctx context.Context, c *Container, res *Result) error {
	zr, err := zip.NewReader(bytes.NewReader(c.Data), int64(len(c.Data)))
	if err != nil {
		return errs.Structural("workbook", "not a readable archive", err)
	}

	cands, err := mashup.WorkbookCandidates(ctx, zr)
	if err != nil {
		return err
	}
	for i, cand := range cands {
		mods, err := mashup.ResolveBundle(cand)
		if err != nil {
			c.Log.Debug("candidate yielded no bundle", zap.Int("candidate", i))
			continue
		}
		queries := mquery.Analyze(c.Name, moduleSources(mods))
		if len(queries) == 0 {
			continue
		}
		mergeQueries(res, queries)
		break
	}

	for _, name := range mashup.ConnectionNames(zr) {
		mergeQueries(res, []mquery.Query{{Name: name, Container: c.Name}})
	}
	return nil
}

func moduleSources(mods []mashup.Module) []string {
	out := make([]string, len(mods))
	for i, m := range mods {
		out[i] = m.Source
	}
	return out
}
