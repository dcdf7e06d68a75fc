package pipeline

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tollmap/internal/candidate"
	"github.com/sells-group/tollmap/internal/match"
	"github.com/sells-group/tollmap/internal/model"
	"github.com/sells-group/tollmap/internal/similarity"
)

// Unmatched reasons added on top of the matcher's.
const (
	ReasonExcluded   = "excluded"
	ReasonBelowFloor = "below_floor"
	ReasonAmbiguous  = "ambiguous"
)

// ScopeReport is the outcome of linking one scope to the primary scope.
// Matches are oriented Left=primary id, Right=scope id.
type ScopeReport struct {
	Scope     model.Scope          `json:"scope"`
	Label     string               `json:"label"`
	Threshold float64              `json:"threshold_m"`
	Matches   []model.Match        `json:"matches"`
	Ties      []match.Tie          `json:"ties,omitempty"`
	Ambiguous []similarity.Group   `json:"ambiguous,omitempty"`
	Unmatched []match.Unmatched    `json:"unmatched,omitempty"`
	Excluded  []candidate.Excluded `json:"excluded,omitempty"`
}

// Link matches the entities of scope to primary entities. Stable matching
// by distance runs first; leftovers that still share ring candidates (and,
// with text-only fallback, leftovers without coordinates) are scored by
// similarity. Unique best scores above the floor become similarity matches;
// ties and contested primaries are reported as ambiguous groups.
func (e *Engine) Link(ctx context.Context, primary, other []model.Entity, scope model.Scope) (*ScopeReport, error) {
	label := model.Label(e.opts.PrimaryScope, scope)
	m := e.matcher(label)
	rep := &ScopeReport{Scope: scope, Label: label, Threshold: m.Threshold()}

	cand, err := e.gen.Cross(ctx, primary, other)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: candidates for %s", label)
	}
	rep.Excluded = cand.Excluded

	primIDs := ids(primary)
	otherIDs := ids(other)
	res := m.Match(primIDs, otherIDs, cand.Pairs)
	rep.Matches = res.Matches
	rep.Ties = res.Ties

	fallback := e.fallback(primary, other, res, cand.Pairs)
	rep.Matches = append(rep.Matches, fallback.matches...)
	rep.Ambiguous = fallback.ambiguous
	sort.Slice(rep.Matches, func(i, j int) bool {
		return model.CompareIDs(rep.Matches[i].Left, rep.Matches[j].Left) < 0
	})

	excludedIDs := make(map[string]bool)
	for _, x := range cand.Excluded {
		if x.Ref.Scope == scope {
			excludedIDs[x.Ref.ID] = true
		}
	}
	for _, u := range res.UnmatchedRight {
		if fallback.matched[u.ID] {
			continue
		}
		switch {
		case fallback.ambiguousIDs[u.ID]:
			u.Reason = ReasonAmbiguous
		case fallback.belowFloor[u.ID]:
			u.Reason = ReasonBelowFloor
		case excludedIDs[u.ID]:
			u.Reason = ReasonExcluded
		}
		rep.Unmatched = append(rep.Unmatched, u)
	}

	zap.L().With(zap.String("component", "pipeline")).Info("scope linked",
		zap.String("label", label),
		zap.Int("distance_matches", len(res.Matches)),
		zap.Int("similarity_matches", len(fallback.matches)),
		zap.Int("ambiguous", len(rep.Ambiguous)),
		zap.Int("unmatched", len(rep.Unmatched)),
		zap.Int("excluded", len(rep.Excluded)),
	)
	return rep, nil
}

type fallbackResult struct {
	matches      []model.Match
	ambiguous    []similarity.Group
	matched      map[string]bool
	ambiguousIDs map[string]bool
	belowFloor   map[string]bool
}

// fallback scores the scope entities left unmatched by distance. Anchors are
// scope entities; candidates are unmatched primary entities.
func (e *Engine) fallback(primary, other []model.Entity, res *match.Result, pairs []model.CandidatePair) fallbackResult {
	out := fallbackResult{
		matched:      make(map[string]bool),
		ambiguousIDs: make(map[string]bool),
		belowFloor:   make(map[string]bool),
	}

	matchedPrim := make(map[string]bool, len(res.Matches))
	for _, m := range res.Matches {
		matchedPrim[m.Left] = true
	}
	openAnchor := make(map[string]bool, len(res.UnmatchedRight))
	for _, u := range res.UnmatchedRight {
		openAnchor[u.ID] = true
	}
	if len(openAnchor) == 0 {
		return out
	}

	primByID := make(map[string]model.Entity, len(primary))
	var openPrim []model.Entity
	for _, p := range primary {
		primByID[p.ID] = p
		if !matchedPrim[p.ID] {
			openPrim = append(openPrim, p)
		}
	}

	targets := make(map[string]map[string]bool)
	addTarget := func(anchor, prim string) {
		if targets[anchor] == nil {
			targets[anchor] = make(map[string]bool)
		}
		targets[anchor][prim] = true
	}
	for _, p := range pairs {
		if openAnchor[p.B] && !matchedPrim[p.A] {
			addTarget(p.B, p.A)
		}
	}
	if e.opts.TextOnlyFallback {
		for _, o := range other {
			if !openAnchor[o.ID] {
				continue
			}
			for _, p := range openPrim {
				if !o.Located || !p.Located {
					addTarget(o.ID, p.ID)
				}
			}
		}
	}

	var cands []similarity.Candidate
	for _, o := range other {
		for pid := range targets[o.ID] {
			cands = append(cands, candidateFor(o, primByID[pid]))
		}
	}
	if len(cands) == 0 {
		return out
	}

	sel := e.scorer.Select(cands)
	out.ambiguous = sel.Ambiguous
	for _, g := range sel.Ambiguous {
		out.ambiguousIDs[g.Anchor] = true
	}
	for _, id := range sel.BelowFloor {
		out.belowFloor[id] = true
	}

	// A primary chosen by several anchors is contested: surface it.
	byPrim := make(map[string][]similarity.Score)
	for _, s := range sel.Matched {
		byPrim[s.ID] = append(byPrim[s.ID], s)
	}
	var contested []similarity.Group
	for pid, scores := range byPrim {
		if len(scores) > 1 {
			contested = append(contested, similarity.Group{Anchor: pid, Best: scores})
			for _, s := range scores {
				out.ambiguousIDs[s.Anchor] = true
			}
			continue
		}
		s := scores[0]
		out.matched[s.Anchor] = true
		out.matches = append(out.matches, model.Match{
			Left:  s.ID,
			Right: s.Anchor,
			Basis: model.BasisSimilarity,
			Score: s.Aggregate,
		})
	}
	sort.Slice(contested, func(i, j int) bool {
		return model.CompareIDs(contested[i].Anchor, contested[j].Anchor) < 0
	})
	out.ambiguous = append(out.ambiguous, contested...)
	return out
}

// candidateFor compares names and, when both sides carry one, fare vectors.
func candidateFor(anchor, prim model.Entity) similarity.Candidate {
	c := similarity.Candidate{
		Anchor: anchor.ID,
		ID:     prim.ID,
		Texts:  []similarity.TextPair{{Attr: "name", A: anchor.Name, B: prim.Name}},
	}
	if len(anchor.Fares) > 0 && len(prim.Fares) > 0 {
		c.VecA = anchor.Fares
		c.VecB = prim.Fares
	}
	return c
}

func ids(ents []model.Entity) []string {
	out := make([]string, len(ents))
	for i, e := range ents {
		out[i] = e.ID
	}
	return out
}
