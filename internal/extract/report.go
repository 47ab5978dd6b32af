package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"

	"github.com/lczanna/power-query-explorer/internal/abf"
	"github.com/lczanna/power-query-explorer/internal/errs"
	"github.com/lczanna/power-query-explorer/internal/mashup"
	"github.com/lczanna/power-query-explorer/internal/model"
	"github.com/lczanna/power-query-explorer/internal/mquery"
	"github.com/lczanna/power-query-explorer/internal/sqlite"
	"github.com/lczanna/power-query-explorer/internal/xpress"
)

func init() {
	RegisterKindHandler(KindReport, reportHandler{})
}

// Parts of the report archive.
const (
	partMashup      = "DataMashup"
	partModel       = "DataModel"
	partModelSchema = "DataModelSchema"
)

// reportHandler extracts BI-package containers: the mashup part is the
// first-choice query source, the template schema the fallback, and the
// compressed data model yields decoded tables.
type reportHandler struct{}

func (reportHandler) Extract(ctx context.Context, c *Container, res *Result) error {
	zr, err := zip.NewReader(bytes.NewReader(c.Data), int64(len(c.Data)))
	if err != nil {
		return errs.Structural("report", "not a readable archive", err)
	}

	if blob := partBytes(zr, partMashup); blob != nil {
		if mods, err := mashup.ResolveBundle(blob); err == nil {
			mergeQueries(res, mquery.Analyze(c.Name, moduleSources(mods)))
		} else {
			diag(res, "mashup part: %v", err)
		}
	}

	if len(res.Queries) == 0 {
		if blob := partBytes(zr, partModelSchema); blob != nil {
			mergeQueries(res, schemaQueries(c.Name, blob))
		}
	}

	if blob := partBytes(zr, partModel); blob != nil {
		if err := decodeModel(ctx, c, res, blob); err != nil {
			if ctx.Err() != nil {
				return err
			}
			c.Log.Warn("data model skipped", zap.Error(err))
			diag(res, "data model: %v", err)
		}
	}
	return nil
}

func partBytes(zr *zip.Reader, name string) []byte {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil
		}
		return data
	}
	return nil
}

// decodeModel runs the full data-model pipeline: decompress, locate the
// catalog database, correlate the schema, decode each table.
func decodeModel(ctx context.Context, c *Container, res *Result, blob []byte) error {
	image, err := xpress.DecodeStream(ctx, blob, xpress.NewDecoder)
	if err != nil {
		return err
	}

	offset, size, err := abf.FindDatabase(image)
	if err != nil {
		return err
	}
	db, err := sqlite.Open(image[offset : offset+size])
	if err != nil {
		return err
	}
	descs, err := model.Correlate(ctx, db)
	if err != nil {
		return err
	}

	source, err := newImageSource(image)
	if err != nil {
		return err
	}
	dec := model.NewDecoder(source, c.Log)
	for _, desc := range descs {
		table, err := dec.DecodeTable(ctx, desc)
		if err != nil {
			return err
		}
		if len(table.Columns) == 0 {
			diag(res, "table %s: no decodable columns", desc.Name)
			continue
		}
		res.Tables = append(res.Tables, table)
	}
	return nil
}

// imageSource resolves storage-file names against the decompressed image:
// logical names go through the index log, storage paths hit the virtual
// directory directly. Catalog references use logical names; the direct path
// covers variants that skip the index log.
type imageSource struct {
	image   []byte
	entries map[string]abf.Entry
	index   map[string]string
}

func newImageSource(image []byte) (*imageSource, error) {
	entries, err := abf.ReadDirectory(image)
	if err != nil {
		return nil, err
	}
	index, err := abf.ReadIndex(image, entries)
	if err != nil {
		return nil, err
	}
	s := &imageSource{
		image:   image,
		entries: make(map[string]abf.Entry, len(entries)),
		index:   index,
	}
	for _, e := range entries {
		s.entries[e.Path] = e
	}
	return s, nil
}

func (s *imageSource) File(name string) ([]byte, error) {
	path := name
	if storage, ok := s.index[name]; ok {
		path = storage
	}
	e, ok := s.entries[path]
	if !ok {
		return nil, errs.NotFound("storage file", name)
	}
	if e.Offset < 0 || e.Size < 0 || e.Offset+e.Size > int64(len(s.image)) {
		return nil, errs.Corrupt("storage file", name+" out of range", nil)
	}
	return s.image[e.Offset : e.Offset+e.Size], nil
}

// templateSchema is the subset of the report template's JSON model the
// extractor reads.
type templateSchema struct {
	Model struct {
		Tables []struct {
			Name       string `json:"name"`
			Partitions []struct {
				Source struct {
					Expression expressionText `json:"expression"`
				} `json:"source"`
			} `json:"partitions"`
		} `json:"tables"`
		Expressions []struct {
			Name       string         `json:"name"`
			Expression expressionText `json:"expression"`
		} `json:"expressions"`
	} `json:"model"`
}

// expressionText accepts both a string and a list of source lines.
type expressionText string

func (e *expressionText) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*e = expressionText(s)
		return nil
	}
	var lines []string
	if err := json.Unmarshal(data, &lines); err != nil {
		return err
	}
	*e = expressionText(strings.Join(lines, "\n"))
	return nil
}

var schemaUTF16 = unicode.UTF16(unicode.LittleEndian, unicode.UseBOM)

// schemaQueries recovers queries from the template schema part. The part is
// JSON, UTF-16 in real templates and sometimes UTF-8.
func schemaQueries(container string, blob []byte) []mquery.Query {
	if looksUTF16(blob) {
		decoded, err := schemaUTF16.NewDecoder().Bytes(blob)
		if err != nil {
			return nil
		}
		blob = decoded
	}
	var schema templateSchema
	if err := json.Unmarshal(blob, &schema); err != nil {
		return nil
	}

	var queries []mquery.Query
	for _, t := range schema.Model.Tables {
		if model.InternalName(t.Name) || len(t.Partitions) == 0 {
			continue
		}
		src := string(t.Partitions[0].Source.Expression)
		if src == "" {
			continue
		}
		queries = append(queries, mquery.Query{
			Name:      t.Name,
			Source:    src,
			Container: container,
		})
	}
	for _, x := range schema.Model.Expressions {
		if x.Name == "" || string(x.Expression) == "" {
			continue
		}
		queries = append(queries, mquery.Query{
			Name:      x.Name,
			Source:    string(x.Expression),
			Container: container,
		})
	}

	known := make(map[string]bool, len(queries))
	for _, q := range queries {
		known[q.Name] = true
	}
	for i := range queries {
		queries[i].Dependencies = mquery.Dependencies(queries[i], known)
		queries[i].ExternalRefs = mquery.ExternalRefs(queries[i])
	}
	return queries
}

func looksUTF16(blob []byte) bool {
	if len(blob) >= 2 && blob[0] == 0xff && blob[1] == 0xfe {
		return true
	}
	// heuristic for BOM-less UTF-16: ASCII JSON interleaves zero bytes
	zeros := 0
	for i := 0; i < len(blob) && i < 64; i++ {
		if blob[i] == 0 {
			zeros++
		}
	}
	return zeros > 8
}
