// Package extract orchestrates a full container extraction: it classifies
// the container, runs the registered kind handler, and merges recovered
// queries and decoded tables into one result. Handlers degrade per unit; a
// container-level failure is an error, while "parsed fine, nothing found" is
// an empty result.
package extract

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lczanna/power-query-explorer/internal/config"
	"github.com/lczanna/power-query-explorer/internal/errs"
	"github.com/lczanna/power-query-explorer/internal/model"
	"github.com/lczanna/power-query-explorer/internal/mquery"
)

// Kind classifies a container by what it may hold.
type Kind string

const (
	KindWorkbook Kind = "workbook"
	KindReport   Kind = "report"
)

// Result is the outcome of one container's extraction. An empty Result with
// a nil error means the container parsed but held nothing recoverable.
type Result struct {
	Container string
	Queries   []mquery.Query
	Tables    []*model.Table
	// Diagnostics records per-unit failures that were skipped, for callers
	// that surface them without failing the run.
	Diagnostics []string
}

// Handler extracts one container kind into the result.
type Handler interface {
	Extract(ctx context.Context, c *Container, res *Result) error
}

// Container is one input file under extraction.
type Container struct {
	Name string
	Data []byte
	Kind Kind
	Log  *zap.Logger
}

var (
	kindHandlers = make(map[Kind]Handler)
	mu           sync.RWMutex
)

// RegisterKindHandler installs the handler for a container kind. Later
// registrations replace earlier ones.
func RegisterKindHandler(kind Kind, h Handler) {
	mu.Lock()
	defer mu.Unlock()
	kindHandlers[kind] = h
}

func kindHandler(kind Kind) (Handler, error) {
	mu.RLock()
	defer mu.RUnlock()
	h, ok := kindHandlers[kind]
	if !ok {
		return nil, errs.Unsupported("container", string(kind))
	}
	return h, nil
}

// kindByExtension maps file extensions to container kinds.
var kindByExtension = map[string]Kind{
	".xlsx": KindWorkbook,
	".xlsm": KindWorkbook,
	".pbix": KindReport,
	".pbit": KindReport,
}

// Classify determines the container kind from the file name.
func Classify(name string) (Kind, error) {
	ext := strings.ToLower(filepath.Ext(name))
	kind, ok := kindByExtension[ext]
	if !ok {
		return "", errs.Unsupported("container", "unrecognized extension "+ext)
	}
	return kind, nil
}

// Extractor runs container extractions against one configuration.
type Extractor struct {
	cfg config.Config
	log *zap.Logger
}

// New returns an Extractor. A nil logger disables logging.
func New(cfg config.Config, log *zap.Logger) *Extractor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Extractor{cfg: cfg, log: log}
}

// Extract processes one container's bytes. Oversized inputs are rejected
// before any decode attempt.
func (e *Extractor) Extract(ctx context.Context, name string, data []byte) (*Result, error) {
	if max := e.cfg.MaxContainerBytes; max > 0 && int64(len(data)) > max {
		return nil, errs.Structural("container",
			fmt.Sprintf("%d bytes exceeds the %d byte limit", len(data), max), nil)
	}
	kind, err := Classify(name)
	if err != nil {
		return nil, err
	}
	h, err := kindHandler(kind)
	if err != nil {
		return nil, err
	}

	c := &Container{
		Name: filepath.Base(name),
		Data: data,
		Kind: kind,
		Log:  e.log.With(zap.String("container", filepath.Base(name))),
	}
	res := &Result{Container: c.Name}
	if err := h.Extract(ctx, c, res); err != nil {
		return nil, err
	}
	return res, nil
}

// mergeQueries folds new queries into the result, keyed by name within the
// container. A query without source never overwrites one that has source;
// one with source replaces a name-only placeholder.
func mergeQueries(res *Result, incoming []mquery.Query) {
	index := make(map[string]int, len(res.Queries))
	for i, q := range res.Queries {
		index[q.Name] = i
	}
	for _, q := range incoming {
		i, ok := index[q.Name]
		if !ok {
			index[q.Name] = len(res.Queries)
			res.Queries = append(res.Queries, q)
			continue
		}
		if res.Queries[i].Source == "" && q.Source != "" {
			res.Queries[i] = q
		}
	}
}

// diag records one skipped unit.
func diag(res *Result, format string, args ...any) {
	res.Diagnostics = append(res.Diagnostics, fmt.Sprintf(format, args...))
}
