package source

import (
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tollmap/internal/config"
	"github.com/sells-group/tollmap/internal/fetcher"
	"github.com/sells-group/tollmap/internal/model"
	"github.com/sells-group/tollmap/internal/spatial"
)

// rawRow is one record before column mapping. Shapefile rows carry their
// point geometry separately from the attribute cells.
type rawRow struct {
	cells    []string
	lat, lon float64
	hasPoint bool
}

type mapper struct {
	id, lat, lon, coords int
	name, road, area     int
	subarea, typ         int
	direction            int
	fares                []int
}

// newMapper resolves configured column names against header. Only the id
// column is mandatory; any other configured column must exist.
func newMapper(header []string, cols config.ColumnsConfig) (*mapper, error) {
	tbl := &fetcher.Table{Header: header}
	var missing []string
	lookup := func(name string) int {
		if name == "" {
			return -1
		}
		i := tbl.Index(name)
		if i < 0 {
			missing = append(missing, name)
		}
		return i
	}

	if cols.ID == "" {
		return nil, eris.New("no id column configured")
	}
	m := &mapper{
		id:        lookup(cols.ID),
		lat:       lookup(cols.Lat),
		lon:       lookup(cols.Lon),
		coords:    lookup(cols.Coords),
		name:      lookup(cols.Name),
		road:      lookup(cols.Road),
		area:      lookup(cols.Area),
		subarea:   lookup(cols.Subarea),
		typ:       lookup(cols.Type),
		direction: lookup(cols.Direction),
	}
	for _, f := range cols.Fares {
		m.fares = append(m.fares, lookup(f))
	}
	if len(missing) > 0 {
		return nil, eris.Errorf("columns not found in header: %s", strings.Join(missing, ", "))
	}
	return m, nil
}

func (m *mapper) entities(scope model.Scope, rows []rawRow) ([]model.Entity, Stats) {
	stats := Stats{Rows: len(rows)}
	seen := make(map[string]bool, len(rows))
	out := make([]model.Entity, 0, len(rows))

	for _, r := range rows {
		id := fetcher.Cell(r.cells, m.id)
		if id == "" {
			stats.MissingID++
			continue
		}
		if seen[id] {
			stats.Duplicates++
			continue
		}
		seen[id] = true

		e := model.Entity{
			ID:        id,
			Scope:     scope,
			Name:      fetcher.Cell(r.cells, m.name),
			Road:      fetcher.Cell(r.cells, m.road),
			Area:      fetcher.Cell(r.cells, m.area),
			Subarea:   fetcher.Cell(r.cells, m.subarea),
			Type:      fetcher.Cell(r.cells, m.typ),
			Direction: fetcher.Cell(r.cells, m.direction),
		}
		e.Lat, e.Lon, e.Located = m.location(r)
		if !e.Located {
			stats.Unlocated++
		}
		if len(m.fares) > 0 {
			e.Fares = make([]float64, len(m.fares))
			for i, idx := range m.fares {
				e.Fares[i] = ParseFare(fetcher.Cell(r.cells, idx))
			}
		}
		out = append(out, e)
	}
	stats.Loaded = len(out)
	return out, stats
}

// location prefers explicit columns over shapefile geometry: the combined
// coords column first, then lat/lon.
func (m *mapper) location(r rawRow) (float64, float64, bool) {
	if m.coords >= 0 {
		lat, lon, err := spatial.ParseCoords(fetcher.Cell(r.cells, m.coords))
		return lat, lon, err == nil
	}
	if m.lat >= 0 && m.lon >= 0 {
		lat, err1 := strconv.ParseFloat(fetcher.Cell(r.cells, m.lat), 64)
		lon, err2 := strconv.ParseFloat(fetcher.Cell(r.cells, m.lon), 64)
		if err1 != nil || err2 != nil || spatial.ValidateCoordinate(lat, lon) != nil {
			return 0, 0, false
		}
		return lat, lon, true
	}
	if r.hasPoint && spatial.ValidateCoordinate(r.lat, r.lon) == nil {
		return r.lat, r.lon, true
	}
	return 0, 0, false
}

// ParseFare reads a fare cell such as "$1,234.50". Blank or unparsable
// cells are missing (NaN).
func ParseFare(s string) float64 {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}
