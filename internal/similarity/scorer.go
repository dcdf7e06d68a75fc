package similarity

import (
	"math"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tollmap/internal/model"
)

// tieEpsilon is the score difference under which two candidates are equal.
const tieEpsilon = 1e-9

// TextPair is one attribute of the anchor compared with one attribute of the
// candidate, e.g. a fare record's area against a stretch name.
type TextPair struct {
	Attr string
	A    string
	B    string
}

// Candidate is one (anchor, candidate) pairing to score.
type Candidate struct {
	Anchor string
	ID     string
	Texts  []TextPair
	VecA   []float64
	VecB   []float64
}

// Score is the scored form of a Candidate.
type Score struct {
	Anchor    string       `json:"anchor"`
	ID        string       `json:"id"`
	Text      float64      `json:"text"`
	TextAttr  string       `json:"text_attr,omitempty"`
	Vector    VectorScores `json:"vector"`
	Aggregate float64      `json:"aggregate"`
}

// ScoreCandidate scores one candidate. The text score is the best attribute
// (mean of its metrics); the aggregate averages the text score with the
// vector score when the fare vectors are comparable.
func ScoreCandidate(c Candidate) Score {
	s := Score{Anchor: c.Anchor, ID: c.ID}
	for _, tp := range c.Texts {
		v := CompareText(tp.A, tp.B).Mean()
		if v > s.Text {
			s.Text = v
			s.TextAttr = tp.Attr
		}
	}

	s.Vector = CompareVectors(c.VecA, c.VecB)
	parts := []float64{}
	if len(c.Texts) > 0 {
		parts = append(parts, s.Text)
	}
	if s.Vector.OK {
		parts = append(parts, s.Vector.Mean())
	}
	if len(parts) > 0 {
		var sum float64
		for _, p := range parts {
			sum += p
		}
		s.Aggregate = sum / float64(len(parts))
	}
	return s
}

// Group is the set of best-scoring candidates for one anchor. A group with
// more than one member is ambiguous and is never resolved automatically.
type Group struct {
	Anchor string  `json:"anchor"`
	Best   []Score `json:"best"`
}

// Ambiguous reports whether several candidates share the best score.
func (g Group) Ambiguous() bool { return len(g.Best) > 1 }

// Selection is the outcome of Select.
type Selection struct {
	Matched   []Score
	Ambiguous []Group
	// BelowFloor lists anchors whose best candidate scored under the floor.
	BelowFloor []string
}

// Scorer selects the best candidate per anchor above a floor.
type Scorer struct {
	floor float64
}

// NewScorer creates a Scorer. floor must be in (0, 1].
func NewScorer(floor float64) (*Scorer, error) {
	if !(floor > 0) || floor > 1 {
		return nil, eris.Errorf("similarity: floor must be in (0, 1], got %v", floor)
	}
	return &Scorer{floor: floor}, nil
}

// Floor returns the configured minimum aggregate score.
func (s *Scorer) Floor() float64 { return s.floor }

// Select scores every candidate and keeps, per anchor, the candidates that
// reach the maximum aggregate. Maxima below the floor are discarded. Output
// is ordered by anchor id.
func (s *Scorer) Select(cands []Candidate) Selection {
	byAnchor := make(map[string][]Score)
	for _, c := range cands {
		byAnchor[c.Anchor] = append(byAnchor[c.Anchor], ScoreCandidate(c))
	}
	return s.pick(byAnchor)
}

// SelectScores is Select over precomputed scores.
func (s *Scorer) SelectScores(scores []Score) Selection {
	byAnchor := make(map[string][]Score)
	for _, sc := range scores {
		byAnchor[sc.Anchor] = append(byAnchor[sc.Anchor], sc)
	}
	return s.pick(byAnchor)
}

func (s *Scorer) pick(byAnchor map[string][]Score) Selection {
	anchors := make([]string, 0, len(byAnchor))
	for a := range byAnchor {
		anchors = append(anchors, a)
	}
	sort.Slice(anchors, func(i, j int) bool { return model.CompareIDs(anchors[i], anchors[j]) < 0 })

	var sel Selection
	for _, a := range anchors {
		scores := byAnchor[a]
		best := math.Inf(-1)
		for _, sc := range scores {
			best = math.Max(best, sc.Aggregate)
		}
		if best < s.floor {
			sel.BelowFloor = append(sel.BelowFloor, a)
			continue
		}

		var top []Score
		seen := make(map[string]bool)
		for _, sc := range scores {
			if best-sc.Aggregate <= tieEpsilon && !seen[sc.ID] {
				seen[sc.ID] = true
				top = append(top, sc)
			}
		}
		sort.Slice(top, func(i, j int) bool { return model.CompareIDs(top[i].ID, top[j].ID) < 0 })

		if len(top) == 1 {
			sel.Matched = append(sel.Matched, top[0])
			continue
		}
		sel.Ambiguous = append(sel.Ambiguous, Group{Anchor: a, Best: top})
	}

	if len(sel.Ambiguous) > 0 {
		zap.L().With(zap.String("component", "similarity")).Warn("ambiguous best-score groups left unresolved",
			zap.Int("groups", len(sel.Ambiguous)),
		)
	}
	return sel
}
