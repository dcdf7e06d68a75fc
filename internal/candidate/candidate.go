// Package candidate buckets entities by H3 cell and emits spatially
// plausible pairs with their exact distance.
package candidate

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/tollmap/internal/model"
	"github.com/sells-group/tollmap/internal/spatial"
)

// Excluded is an entity left out of spatial matching.
type Excluded struct {
	Ref    model.SourceRef `json:"ref"`
	Reason string          `json:"reason"`
}

// Result holds the generated pairs, unfiltered by distance.
type Result struct {
	Pairs    []model.CandidatePair
	Excluded []Excluded
}

// Generator produces candidate pairs. The zero value is not usable; use New.
type Generator struct {
	resolution int
	radius     int
	workers    int
}

// New creates a Generator bucketing at res and joining cells within radius hops.
func New(res, radius, workers int) (*Generator, error) {
	if err := spatial.ValidateResolution(res); err != nil {
		return nil, err
	}
	if radius < 1 {
		return nil, eris.Errorf("candidate: ring radius must be >= 1, got %d", radius)
	}
	if workers < 1 {
		workers = 1
	}
	return &Generator{resolution: res, radius: radius, workers: workers}, nil
}

// arena indexes one entity collection by integer position.
type arena struct {
	entities []model.Entity
	cells    []spatial.Cell
	located  []bool
	buckets  map[spatial.Cell][]int
	excluded []Excluded
}

func (g *Generator) index(entities []model.Entity) *arena {
	a := &arena{
		entities: entities,
		cells:    make([]spatial.Cell, len(entities)),
		located:  make([]bool, len(entities)),
		buckets:  make(map[spatial.Cell][]int),
	}
	for i, e := range entities {
		if !e.Located {
			a.excluded = append(a.excluded, Excluded{Ref: e.Ref(), Reason: "missing coordinates"})
			continue
		}
		c, err := spatial.CellOf(e.Lat, e.Lon, g.resolution)
		if err != nil {
			a.excluded = append(a.excluded, Excluded{Ref: e.Ref(), Reason: err.Error()})
			continue
		}
		a.cells[i] = c
		a.located[i] = true
		a.buckets[c] = append(a.buckets[c], i)
	}
	return a
}

// Cross pairs every left entity with right entities in its ring.
func (g *Generator) Cross(ctx context.Context, left, right []model.Entity) (*Result, error) {
	l := g.index(left)
	r := g.index(right)
	pairs, err := g.join(ctx, l, r, false)
	if err != nil {
		return nil, err
	}
	res := &Result{Pairs: pairs, Excluded: append(l.excluded, r.excluded...)}
	g.logResult(res, len(left), len(right))
	return res, nil
}

// Self joins one collection against itself. Each unordered pair is emitted
// once, oriented so that A sorts before B.
func (g *Generator) Self(ctx context.Context, entities []model.Entity) (*Result, error) {
	a := g.index(entities)
	pairs, err := g.join(ctx, a, a, true)
	if err != nil {
		return nil, err
	}
	res := &Result{Pairs: pairs, Excluded: a.excluded}
	g.logResult(res, len(entities), len(entities))
	return res, nil
}

func (g *Generator) join(ctx context.Context, l, r *arena, self bool) ([]model.CandidatePair, error) {
	var idx []int
	for i := range l.entities {
		if l.located[i] {
			idx = append(idx, i)
		}
	}

	chunks := partition(idx, g.workers)
	out := make([][]model.CandidatePair, len(chunks))

	eg, egCtx := errgroup.WithContext(ctx)
	for ci, chunk := range chunks {
		eg.Go(func() error {
			var pairs []model.CandidatePair
			for _, i := range chunk {
				if err := egCtx.Err(); err != nil {
					return eris.Wrap(err, "candidate: join cancelled")
				}
				ring, err := spatial.Ring(l.cells[i], g.radius)
				if err != nil {
					return err
				}
				for _, c := range ring {
					for _, j := range r.buckets[c] {
						if self && j <= i {
							continue
						}
						a, b := l.entities[i], r.entities[j]
						if a.Ref() == b.Ref() {
							continue
						}
						if self && refLess(b.Ref(), a.Ref()) {
							a, b = b, a
						}
						pairs = append(pairs, model.CandidatePair{
							A:        a.ID,
							B:        b.ID,
							Distance: spatial.Distance(a.Lat, a.Lon, b.Lat, b.Lon),
							Scope:    model.Label(a.Scope, b.Scope),
						})
					}
				}
			}
			out[ci] = pairs
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var pairs []model.CandidatePair
	for _, p := range out {
		pairs = append(pairs, p...)
	}
	SortPairs(pairs)
	return pairs, nil
}

func (g *Generator) logResult(res *Result, nl, nr int) {
	log := zap.L().With(zap.String("component", "candidate"))
	if len(res.Excluded) > 0 {
		log.Warn("entities excluded from spatial matching", zap.Int("count", len(res.Excluded)))
	}
	log.Debug("candidate pairs generated",
		zap.Int("left", nl),
		zap.Int("right", nr),
		zap.Int("pairs", len(res.Pairs)),
		zap.Int("resolution", g.resolution),
	)
}

// partition splits idx into at most n contiguous chunks.
func partition(idx []int, n int) [][]int {
	if len(idx) == 0 {
		return nil
	}
	if n > len(idx) {
		n = len(idx)
	}
	size := (len(idx) + n - 1) / n
	var chunks [][]int
	for start := 0; start < len(idx); start += size {
		end := min(start+size, len(idx))
		chunks = append(chunks, idx[start:end])
	}
	return chunks
}

func refLess(a, b model.SourceRef) bool {
	if a.Scope != b.Scope {
		return a.Scope < b.Scope
	}
	return model.CompareIDs(a.ID, b.ID) < 0
}

// SortPairs orders pairs by scope label, A, B and distance.
func SortPairs(pairs []model.CandidatePair) {
	sort.Slice(pairs, func(i, j int) bool {
		pi, pj := pairs[i], pairs[j]
		if pi.Scope != pj.Scope {
			return pi.Scope < pj.Scope
		}
		if c := model.CompareIDs(pi.A, pj.A); c != 0 {
			return c < 0
		}
		if c := model.CompareIDs(pi.B, pj.B); c != 0 {
			return c < 0
		}
		return pi.Distance < pj.Distance
	})
}

// DropScopes removes pairs whose scope label is listed.
func DropScopes(pairs []model.CandidatePair, labels ...string) []model.CandidatePair {
	if len(labels) == 0 {
		return pairs
	}
	drop := make(map[string]bool, len(labels))
	for _, l := range labels {
		drop[l] = true
	}
	out := pairs[:0:0]
	for _, p := range pairs {
		if !drop[p.Scope] {
			out = append(out, p)
		}
	}
	return out
}

// Within returns the pairs at or under maxMeters.
func Within(pairs []model.CandidatePair, maxMeters float64) []model.CandidatePair {
	var out []model.CandidatePair
	for _, p := range pairs {
		if p.Distance <= maxMeters {
			out = append(out, p)
		}
	}
	return out
}
