// Package match resolves candidate pairs into a one-to-one assignment using
// rounds of mutual nearest neighbours under a distance threshold.
package match

import (
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tollmap/internal/model"
)

// Side names one half of the assignment.
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

// Unmatched reasons.
const (
	ReasonNoCandidates = "no_candidates"
	ReasonOutcompeted  = "outcompeted"
)

// Tie records a minimum distance shared by more than one candidate. Chosen
// won on the id tie-break; Others lost it.
type Tie struct {
	Round    int      `json:"round"`
	Side     Side     `json:"side"`
	Anchor   string   `json:"anchor"`
	Chosen   string   `json:"chosen"`
	Others   []string `json:"others"`
	Distance float64  `json:"distance_m"`
}

// Unmatched is an id left without a match after the final round.
type Unmatched struct {
	ID     string `json:"id"`
	Side   Side   `json:"side"`
	Reason string `json:"reason"`
}

// Result is the outcome of one matching run.
type Result struct {
	Matches        []model.Match
	Ties           []Tie
	UnmatchedLeft  []Unmatched
	UnmatchedRight []Unmatched
	RoundsRun      int
}

// Matcher runs stable matching with a fixed threshold and round count.
type Matcher struct {
	threshold float64
	rounds    int
}

// New creates a Matcher. threshold is in meters.
func New(threshold float64, rounds int) (*Matcher, error) {
	if !(threshold > 0) {
		return nil, eris.Errorf("match: threshold must be > 0, got %v", threshold)
	}
	if rounds < 1 {
		return nil, eris.Errorf("match: rounds must be >= 1, got %d", rounds)
	}
	return &Matcher{threshold: threshold, rounds: rounds}, nil
}

// Threshold returns the configured maximum distance in meters.
func (m *Matcher) Threshold() float64 { return m.threshold }

// Match assigns left ids to right ids. Pairs are oriented A=left, B=right;
// pairs naming ids outside the two sets are ignored. Left and right ids
// must each be unique.
func (m *Matcher) Match(left, right []string, pairs []model.CandidatePair) *Result {
	inLeft := toSet(left)
	inRight := toSet(right)

	var eligible []model.CandidatePair
	for _, p := range pairs {
		if !inLeft[p.A] || !inRight[p.B] {
			continue
		}
		if p.Distance <= m.threshold {
			eligible = append(eligible, p)
		}
	}

	hasCandidate := map[Side]map[string]bool{SideLeft: {}, SideRight: {}}
	for _, p := range eligible {
		hasCandidate[SideLeft][p.A] = true
		hasCandidate[SideRight][p.B] = true
	}

	res := &Result{}
	matchedL := make(map[string]bool)
	matchedR := make(map[string]bool)

	for round := 1; round <= m.rounds; round++ {
		var pool []model.CandidatePair
		for _, p := range eligible {
			if !matchedL[p.A] && !matchedR[p.B] {
				pool = append(pool, p)
			}
		}
		if len(pool) == 0 {
			break
		}
		res.RoundsRun = round

		// Closest right per left.
		byLeft, ties := nearest(pool, SideLeft, round)
		res.Ties = append(res.Ties, ties...)

		// Closest surviving left per right.
		survivors := make([]model.CandidatePair, 0, len(byLeft))
		for _, p := range byLeft {
			survivors = append(survivors, p)
		}
		sort.Slice(survivors, func(i, j int) bool {
			return model.CompareIDs(survivors[i].A, survivors[j].A) < 0
		})
		byRight, ties := nearest(survivors, SideRight, round)
		res.Ties = append(res.Ties, ties...)

		for _, p := range byRight {
			matchedL[p.A] = true
			matchedR[p.B] = true
			res.Matches = append(res.Matches, model.Match{
				Left:     p.A,
				Right:    p.B,
				Basis:    model.BasisDistance,
				Distance: p.Distance,
			})
		}
	}

	sort.Slice(res.Matches, func(i, j int) bool {
		return model.CompareIDs(res.Matches[i].Left, res.Matches[j].Left) < 0
	})
	res.UnmatchedLeft = unmatched(left, matchedL, hasCandidate[SideLeft], SideLeft)
	res.UnmatchedRight = unmatched(right, matchedR, hasCandidate[SideRight], SideRight)

	log := zap.L().With(zap.String("component", "match"))
	if len(res.Ties) > 0 {
		log.Info("distance ties broken by lowest id", zap.Int("ties", len(res.Ties)))
	}
	log.Debug("stable match complete",
		zap.Float64("threshold_m", m.threshold),
		zap.Int("rounds_run", res.RoundsRun),
		zap.Int("matches", len(res.Matches)),
		zap.Int("unmatched_left", len(res.UnmatchedLeft)),
		zap.Int("unmatched_right", len(res.UnmatchedRight)),
	)
	return res
}

// nearest keeps the minimum-distance pair per anchor on the given side. Equal
// distances resolve to the lowest opposite id and are reported as ties.
func nearest(pairs []model.CandidatePair, side Side, round int) (map[string]model.CandidatePair, []Tie) {
	anchor := func(p model.CandidatePair) string {
		if side == SideLeft {
			return p.A
		}
		return p.B
	}
	other := func(p model.CandidatePair) string {
		if side == SideLeft {
			return p.B
		}
		return p.A
	}

	best := make(map[string]model.CandidatePair)
	tied := make(map[string][]string)
	for _, p := range pairs {
		k := anchor(p)
		cur, ok := best[k]
		switch {
		case !ok || p.Distance < cur.Distance:
			best[k] = p
			delete(tied, k)
		case p.Distance == cur.Distance && other(p) != other(cur):
			if model.CompareIDs(other(p), other(cur)) < 0 {
				tied[k] = append(tied[k], other(cur))
				best[k] = p
			} else {
				tied[k] = append(tied[k], other(p))
			}
		}
	}

	keys := make([]string, 0, len(tied))
	for k := range tied {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return model.CompareIDs(keys[i], keys[j]) < 0 })

	ties := make([]Tie, 0, len(keys))
	for _, k := range keys {
		others := tied[k]
		sort.Slice(others, func(i, j int) bool { return model.CompareIDs(others[i], others[j]) < 0 })
		ties = append(ties, Tie{
			Round:    round,
			Side:     side,
			Anchor:   k,
			Chosen:   other(best[k]),
			Others:   others,
			Distance: best[k].Distance,
		})
	}
	return best, ties
}

func unmatched(ids []string, matched, hasCandidate map[string]bool, side Side) []Unmatched {
	var out []Unmatched
	for _, id := range ids {
		if matched[id] {
			continue
		}
		reason := ReasonOutcompeted
		if !hasCandidate[id] {
			reason = ReasonNoCandidates
		}
		out = append(out, Unmatched{ID: id, Side: side, Reason: reason})
	}
	sort.Slice(out, func(i, j int) bool { return model.CompareIDs(out[i].ID, out[j].ID) < 0 })
	return out
}

func toSet(ids []string) map[string]bool {
	s := make(map[string]bool, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

// Thresholds resolves the maximum match distance for a scope label.
type Thresholds struct {
	Default float64
	ByScope map[string]float64
}

// For returns the threshold configured for label, or the default.
func (t Thresholds) For(label string) float64 {
	if v, ok := t.ByScope[label]; ok {
		return v
	}
	return t.Default
}
