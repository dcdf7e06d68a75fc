// Package source turns configured extracts (CSV, XLSX, shapefiles, local or
// remote, optionally zipped) into entity lists.
package source

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/tollmap/internal/config"
	"github.com/sells-group/tollmap/internal/fetcher"
	"github.com/sells-group/tollmap/internal/model"
)

// Supported formats.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
	FormatSHP  = "shp"
)

// Source supplies the entity records of one scope.
type Source interface {
	Scope() model.Scope
	Load(ctx context.Context) ([]model.Entity, error)
}

// Stats counts what happened to the rows of one load.
type Stats struct {
	Rows       int
	Loaded     int
	MissingID  int
	Duplicates int
	Unlocated  int
}

// Loader reads one configured extract.
type Loader struct {
	cfg     config.SourceConfig
	format  string
	router  *fetcher.Router
	tempDir string
	stats   Stats
}

// New validates cfg and returns a Loader. router is only needed for URL
// sources and may be nil otherwise.
func New(cfg config.SourceConfig, router *fetcher.Router) (*Loader, error) {
	if cfg.Path == "" && cfg.URL == "" {
		return nil, eris.Errorf("source: %s has neither path nor url", cfg.Scope)
	}
	if cfg.URL != "" && router == nil {
		return nil, eris.Errorf("source: %s needs a fetcher for %s", cfg.Scope, cfg.URL)
	}
	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = inferFormat(cfg)
	}
	switch format {
	case FormatCSV, FormatXLSX, FormatSHP:
	default:
		return nil, eris.Errorf("source: unsupported format %q for %s", cfg.Format, cfg.Scope)
	}

	tempDir := os.TempDir()
	if router != nil {
		tempDir = router.TempDir()
	}
	return &Loader{cfg: cfg, format: format, router: router, tempDir: tempDir}, nil
}

func inferFormat(cfg config.SourceConfig) string {
	name := cfg.Member
	if name == "" {
		name = cfg.Path
	}
	if name == "" {
		name = cfg.URL
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx":
		return FormatXLSX
	case ".shp":
		return FormatSHP
	default:
		return FormatCSV
	}
}

// Scope implements Source.
func (l *Loader) Scope() model.Scope {
	return model.Scope(l.cfg.Scope)
}

// Stats reports the counters of the last Load.
func (l *Loader) Stats() Stats {
	return l.stats
}

// Load implements Source. Rows without an id are skipped; repeated ids keep
// the first row. Coordinates that do not parse leave the entity unlocated.
func (l *Loader) Load(ctx context.Context) ([]model.Entity, error) {
	path, err := l.resolve(ctx)
	if err != nil {
		return nil, err
	}

	var rows []rawRow
	var header []string
	if l.format == FormatSHP {
		header, rows, err = readShapefile(path)
	} else {
		var tbl *fetcher.Table
		tbl, err = l.readTable(ctx, path)
		if tbl != nil {
			header = tbl.Header
			rows = make([]rawRow, len(tbl.Rows))
			for i, r := range tbl.Rows {
				rows[i] = rawRow{cells: r}
			}
		}
	}
	if err != nil {
		return nil, err
	}

	m, err := newMapper(header, l.cfg.Columns)
	if err != nil {
		return nil, eris.Wrapf(err, "source: %s", l.cfg.Scope)
	}

	entities, stats := m.entities(model.Scope(l.cfg.Scope), rows)
	l.stats = stats

	zap.L().With(zap.String("component", "source")).Info("source loaded",
		zap.String("scope", l.cfg.Scope),
		zap.String("path", path),
		zap.Int("rows", stats.Rows),
		zap.Int("entities", stats.Loaded),
		zap.Int("missing_id", stats.MissingID),
		zap.Int("duplicates", stats.Duplicates),
		zap.Int("unlocated", stats.Unlocated),
	)
	return entities, nil
}

// LoadTable returns the raw rows of a CSV or XLSX extract, for callers that
// need columns beyond the entity fields.
func (l *Loader) LoadTable(ctx context.Context) (*fetcher.Table, error) {
	if l.format == FormatSHP {
		return nil, eris.New("source: LoadTable does not support shapefiles")
	}
	path, err := l.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return l.readTable(ctx, path)
}

func (l *Loader) readTable(ctx context.Context, path string) (*fetcher.Table, error) {
	if l.format == FormatXLSX {
		tbl, err := fetcher.ReadXLSX(path, fetcher.XLSXOptions{SheetName: l.cfg.Sheet})
		return tbl, eris.Wrapf(err, "source: read %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	opts := fetcher.CSVOptions{Encoding: l.cfg.Encoding}
	if d := []rune(l.cfg.Delimiter); len(d) > 0 {
		opts.Delimiter = d[0]
	}
	tbl, err := fetcher.ReadCSV(ctx, f, opts)
	return tbl, eris.Wrapf(err, "source: read %s", path)
}

// resolve downloads remote extracts and unpacks archives, returning the
// path of the file to parse.
func (l *Loader) resolve(ctx context.Context) (string, error) {
	path := l.cfg.Path
	if l.cfg.URL != "" {
		staged, err := l.router.Stage(ctx, l.cfg.URL)
		if err != nil {
			return "", eris.Wrapf(err, "source: fetch %s", l.cfg.Scope)
		}
		path = staged
	}

	if !strings.EqualFold(filepath.Ext(path), ".zip") {
		return path, nil
	}
	if err := os.MkdirAll(l.tempDir, 0o755); err != nil {
		return "", eris.Wrap(err, "source: create temp dir")
	}
	dir, err := os.MkdirTemp(l.tempDir, "extract-")
	if err != nil {
		return "", eris.Wrap(err, "source: create extract dir")
	}
	member, err := fetcher.ExtractMember(path, l.cfg.Member, "."+l.format, dir)
	if err != nil {
		return "", eris.Wrapf(err, "source: unpack %s", path)
	}
	return member, nil
}

// LoadAll loads every configured source concurrently. Entities of sources
// sharing a scope are concatenated in configuration order.
func LoadAll(ctx context.Context, cfgs []config.SourceConfig, router *fetcher.Router) (map[model.Scope][]model.Entity, error) {
	loaders := make([]*Loader, len(cfgs))
	for i, c := range cfgs {
		l, err := New(c, router)
		if err != nil {
			return nil, err
		}
		loaders[i] = l
	}

	results := make([][]model.Entity, len(loaders))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, l := range loaders {
		g.Go(func() error {
			ents, err := l.Load(gctx)
			if err != nil {
				return err
			}
			results[i] = ents
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[model.Scope][]model.Entity)
	for i, l := range loaders {
		out[l.Scope()] = append(out[l.Scope()], results[i]...)
	}
	return out, nil
}
