package stretch

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tollmap/internal/config"
	"github.com/sells-group/tollmap/internal/fetcher"
	"github.com/sells-group/tollmap/internal/source"
)

// LoadStretches reads the stretch extract. Only the id, name and fare
// columns are used.
func LoadStretches(ctx context.Context, cfg config.SourceConfig, router *fetcher.Router) ([]Stretch, error) {
	l, err := source.New(cfg, router)
	if err != nil {
		return nil, eris.Wrap(err, "stretch: stretches source")
	}
	ents, err := l.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Stretch, len(ents))
	for i, e := range ents {
		out[i] = Stretch{ID: e.ID, Name: e.Name, Fares: e.Fares}
	}
	return out, nil
}

// LoadFares reads the origin/destination fare extract of cfg.
func LoadFares(ctx context.Context, cfg config.StretchConfig, router *fetcher.Router) ([]FareRecord, error) {
	l, err := source.New(cfg.Fares, router)
	if err != nil {
		return nil, eris.Wrap(err, "stretch: fares source")
	}
	tbl, err := l.LoadTable(ctx)
	if err != nil {
		return nil, err
	}
	return FaresFromTable(tbl, cfg.Fares.Columns, cfg.OriginCol, cfg.DestCol)
}

// FaresFromTable maps table rows to fare records. Rows without an id are
// skipped.
func FaresFromTable(tbl *fetcher.Table, cols config.ColumnsConfig, originCol, destCol string) ([]FareRecord, error) {
	var missing []string
	must := func(name string) int {
		i := tbl.Index(name)
		if i < 0 {
			missing = append(missing, name)
		}
		return i
	}
	opt := func(name string) int {
		if name == "" {
			return -1
		}
		return must(name)
	}

	id := must(cols.ID)
	origin := must(originCol)
	dest := must(destCol)
	area, subarea, name := opt(cols.Area), opt(cols.Subarea), opt(cols.Name)
	fareIdx := make([]int, len(cols.Fares))
	for i, f := range cols.Fares {
		fareIdx[i] = must(f)
	}
	if len(missing) > 0 {
		return nil, eris.Errorf("stretch: fare columns not found: %s", strings.Join(missing, ", "))
	}

	out := make([]FareRecord, 0, len(tbl.Rows))
	for _, row := range tbl.Rows {
		r := FareRecord{
			ID:      fetcher.Cell(row, id),
			Origin:  fetcher.Cell(row, origin),
			Dest:    fetcher.Cell(row, dest),
			Area:    fetcher.Cell(row, area),
			Subarea: fetcher.Cell(row, subarea),
			Name:    fetcher.Cell(row, name),
		}
		if r.ID == "" {
			continue
		}
		if len(fareIdx) > 0 {
			r.Fares = make([]float64, len(fareIdx))
			for i, idx := range fareIdx {
				r.Fares[i] = source.ParseFare(fetcher.Cell(row, idx))
			}
		}
		out = append(out, r)
	}
	return out, nil
}
