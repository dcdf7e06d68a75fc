package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tollmap/internal/match"
	"github.com/sells-group/tollmap/internal/model"
	"github.com/sells-group/tollmap/internal/similarity"
)

// ContinuityReport explains how current primary records were tied to the
// previous snapshot.
type ContinuityReport struct {
	BySourceID     int             `json:"by_source_id"`
	BySpatial      int             `json:"by_spatial"`
	RejectedByName []NameRejection `json:"rejected_by_name,omitempty"`
	Ties           []match.Tie     `json:"ties,omitempty"`
}

// NameRejection is a spatial continuity match dropped because the names
// disagree. The old identity retires and the record gets a new id.
type NameRejection struct {
	CanonicalID  int64   `json:"canonical_id"`
	PrevSourceID string  `json:"prev_source_id"`
	SourceID     string  `json:"source_id"`
	Distance     float64 `json:"distance_m"`
	Similarity   float64 `json:"similarity"`
}

type continuityResult struct {
	report ContinuityReport
	// claims maps current primary ids to the canonical id they continue.
	claims map[string]int64
}

func (e *Engine) continuityLabel() string {
	if e.opts.ContinuityScope != "" {
		return e.opts.ContinuityScope
	}
	return model.Label(e.opts.PrimaryScope, e.opts.PrimaryScope)
}

// continuity links current primary records to active identities of prev:
// first by identical source id, then by stable matching of the leftovers.
func (e *Engine) continuity(ctx context.Context, prev *model.Snapshot, primary []model.Entity, excluded *excludedSet) (*continuityResult, error) {
	out := &continuityResult{claims: make(map[string]int64)}
	active := prev.Active()
	if len(active) == 0 || len(primary) == 0 {
		return out, nil
	}

	bySource := make(map[string]model.CanonicalIdentity, len(active))
	for _, c := range active {
		if c.Scope == e.opts.PrimaryScope {
			bySource[c.SourceID] = c
		}
	}

	current := make(map[string]model.Entity)
	var curIDs []string
	var curEnts []model.Entity
	used := make(map[string]bool)
	for _, ent := range primary {
		if c, ok := bySource[ent.ID]; ok {
			out.claims[ent.ID] = c.ID
			used[ent.ID] = true
			out.report.BySourceID++
			continue
		}
		current[ent.ID] = ent
		curIDs = append(curIDs, ent.ID)
		curEnts = append(curEnts, ent)
	}

	var prevIDs []string
	var prevEnts []model.Entity
	for _, c := range active {
		if c.Scope != e.opts.PrimaryScope || used[c.SourceID] {
			continue
		}
		prevIDs = append(prevIDs, c.SourceID)
		prevEnts = append(prevEnts, c.Entity())
	}
	if len(prevEnts) == 0 || len(curEnts) == 0 {
		return out, nil
	}

	cand, err := e.gen.Cross(ctx, prevEnts, curEnts)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: continuity candidates")
	}
	for _, x := range cand.Excluded {
		if _, ok := current[x.Ref.ID]; ok {
			excluded.add(x)
		}
	}

	res := e.matcher(e.continuityLabel()).Match(prevIDs, curIDs, cand.Pairs)
	out.report.Ties = res.Ties
	for _, m := range res.Matches {
		c := bySource[m.Left]
		cur := current[m.Right]
		if e.opts.ContinuityNameCheck && c.Name != "" && cur.Name != "" {
			if sim := similarity.NameSimilarity(c.Name, cur.Name); sim < e.opts.Floor {
				out.report.RejectedByName = append(out.report.RejectedByName, NameRejection{
					CanonicalID:  c.ID,
					PrevSourceID: c.SourceID,
					SourceID:     cur.ID,
					Distance:     m.Distance,
					Similarity:   sim,
				})
				continue
			}
		}
		out.claims[m.Right] = c.ID
		out.report.BySpatial++
	}

	zap.L().With(zap.String("component", "pipeline")).Info("continuity resolved",
		zap.Int("by_source_id", out.report.BySourceID),
		zap.Int("by_spatial", out.report.BySpatial),
		zap.Int("rejected_by_name", len(out.report.RejectedByName)),
		zap.Int("ties", len(out.report.Ties)),
	)
	return out, nil
}
