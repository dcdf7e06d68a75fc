// Package stretch assigns road stretches their pair of tollbooth endpoints by
// comparing stretch fare schedules with origin/destination fare records.
package stretch

import (
	"sort"

	"go.uber.org/zap"

	"github.com/sells-group/tollmap/internal/model"
	"github.com/sells-group/tollmap/internal/similarity"
)

// Stretch is a road segment with its published fare vector.
type Stretch struct {
	ID    string    `json:"id"`
	Name  string    `json:"name"`
	Fares []float64 `json:"fares,omitempty"`
}

// FareRecord is one origin/destination fare between two tollbooths of the
// fare scope.
type FareRecord struct {
	ID      string    `json:"id"`
	Origin  string    `json:"origin"`
	Dest    string    `json:"destination"`
	Area    string    `json:"area,omitempty"`
	Subarea string    `json:"subarea,omitempty"`
	Name    string    `json:"name,omitempty"`
	Fares   []float64 `json:"fares,omitempty"`
}

// Basis values of an Assignment.
const (
	BasisComputed = "computed"
	BasisPatch    = "patch"
)

// Endpoint is one end of a stretch. CanonicalID is zero when the fare-scope
// tollbooth has no active identity in the mapping.
type Endpoint struct {
	SourceID    string `json:"source_id" yaml:"source_id"`
	CanonicalID int64  `json:"canonical_id" yaml:"canonical_id"`
}

// Assignment is the resolved endpoint pair of a stretch. Unassigned stretches
// have an empty Basis and zero endpoints.
type Assignment struct {
	StretchID string   `json:"stretch_id"`
	Origin    Endpoint `json:"origin"`
	Dest      Endpoint `json:"destination"`
	FareID    string   `json:"fare_id,omitempty"`
	Score     float64  `json:"score,omitempty"`
	TextAttr  string   `json:"text_attr,omitempty"`
	Basis     string   `json:"basis,omitempty"`
}

// Assigned reports whether the stretch has endpoints.
func (a Assignment) Assigned() bool { return a.Basis != "" }

// Result is the outcome of Assign. Assignments has one row per stretch in
// stretch id order.
type Result struct {
	Assignments []Assignment       `json:"assignments"`
	Ambiguous   []similarity.Group `json:"ambiguous,omitempty"`
	// Unresolved lists fare-scope tollbooth ids missing from the mapping.
	Unresolved []string `json:"unresolved,omitempty"`
}

// Assigner scores fare records against stretches.
type Assigner struct {
	scorer *similarity.Scorer
	scope  model.Scope
	ids    map[string]int64
}

// NewAssigner builds an Assigner. mapping is a ledger mapping table; only
// rows of scope (the scope fare records name their endpoints in) are used.
func NewAssigner(scorer *similarity.Scorer, scope model.Scope, mapping []model.MappingRow) *Assigner {
	ids := make(map[string]int64)
	for _, r := range mapping {
		if r.Scope == scope {
			ids[r.SourceID] = r.CanonicalID
		}
	}
	return &Assigner{scorer: scorer, scope: scope, ids: ids}
}

// Assign picks, for every fare record, the best-scoring stretch among those
// with an identical zero-filled fare vector (all stretches when none is
// identical). A stretch chosen by several records keeps the highest score;
// equal scores leave it unassigned and reported as ambiguous.
func (a *Assigner) Assign(stretches []Stretch, fares []FareRecord) *Result {
	log := zap.L().With(zap.String("component", "stretch"))

	n := 0
	for _, s := range stretches {
		n = max(n, len(s.Fares))
	}
	for _, f := range fares {
		n = max(n, len(f.Fares))
	}
	byVector := make(map[string][]int)
	for i, s := range stretches {
		k := similarity.VectorKey(s.Fares, n)
		byVector[k] = append(byVector[k], i)
	}

	var cands []similarity.Candidate
	fareByID := make(map[string]FareRecord, len(fares))
	for _, f := range fares {
		fareByID[f.ID] = f
		pool := byVector[similarity.VectorKey(f.Fares, n)]
		if len(pool) == 0 {
			pool = allIndexes(len(stretches))
		}
		for _, i := range pool {
			s := stretches[i]
			cands = append(cands, similarity.Candidate{
				Anchor: f.ID,
				ID:     s.ID,
				Texts: []similarity.TextPair{
					{Attr: "area", A: f.Area, B: s.Name},
					{Attr: "subarea", A: f.Subarea, B: s.Name},
					{Attr: "name", A: f.Name, B: s.Name},
				},
				VecA: f.Fares,
				VecB: s.Fares,
			})
		}
	}

	sel := a.scorer.Select(cands)
	res := &Result{Ambiguous: sel.Ambiguous}

	byStretch := make(map[string][]similarity.Score)
	for _, sc := range sel.Matched {
		byStretch[sc.ID] = append(byStretch[sc.ID], sc)
	}

	unresolved := make(map[string]bool)
	for _, s := range stretches {
		row := Assignment{StretchID: s.ID}
		best, group := pickBest(byStretch[s.ID])
		switch {
		case group != nil:
			res.Ambiguous = append(res.Ambiguous, *group)
		case best != nil:
			f := fareByID[best.Anchor]
			row.Origin = a.endpoint(f.Origin, unresolved)
			row.Dest = a.endpoint(f.Dest, unresolved)
			row.FareID = f.ID
			row.Score = best.Aggregate
			row.TextAttr = best.TextAttr
			row.Basis = BasisComputed
		}
		res.Assignments = append(res.Assignments, row)
	}
	sort.Slice(res.Assignments, func(i, j int) bool {
		return model.CompareIDs(res.Assignments[i].StretchID, res.Assignments[j].StretchID) < 0
	})
	for id := range unresolved {
		res.Unresolved = append(res.Unresolved, id)
	}
	sort.Slice(res.Unresolved, func(i, j int) bool {
		return model.CompareIDs(res.Unresolved[i], res.Unresolved[j]) < 0
	})

	assigned := 0
	for _, r := range res.Assignments {
		if r.Assigned() {
			assigned++
		}
	}
	log.Info("stretches assigned",
		zap.Int("stretches", len(stretches)),
		zap.Int("fare_records", len(fares)),
		zap.Int("assigned", assigned),
		zap.Int("ambiguous", len(res.Ambiguous)),
		zap.Int("unresolved_endpoints", len(res.Unresolved)),
	)
	return res
}

func (a *Assigner) endpoint(sourceID string, unresolved map[string]bool) Endpoint {
	ep := Endpoint{SourceID: sourceID}
	if sourceID == "" {
		return ep
	}
	id, ok := a.ids[sourceID]
	if !ok {
		unresolved[sourceID] = true
		return ep
	}
	ep.CanonicalID = id
	return ep
}

// pickBest returns the unique top score, or a group when several fare
// records share it.
func pickBest(scores []similarity.Score) (*similarity.Score, *similarity.Group) {
	if len(scores) == 0 {
		return nil, nil
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Aggregate != scores[j].Aggregate {
			return scores[i].Aggregate > scores[j].Aggregate
		}
		return model.CompareIDs(scores[i].Anchor, scores[j].Anchor) < 0
	})
	top := scores[0]
	tied := []similarity.Score{top}
	for _, s := range scores[1:] {
		if top.Aggregate-s.Aggregate <= 1e-9 {
			tied = append(tied, s)
		}
	}
	if len(tied) > 1 {
		return nil, &similarity.Group{Anchor: top.ID, Best: tied}
	}
	return &top, nil
}

func allIndexes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
