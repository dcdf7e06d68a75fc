package export

import (
	"io"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/tollmap/internal/model"
	"github.com/sells-group/tollmap/internal/pipeline"
)

// Summary is the YAML digest of one run.
type Summary struct {
	RunID       string         `yaml:"run_id"`
	Period      int            `yaml:"period"`
	PrevPeriod  int            `yaml:"prev_period,omitempty"`
	CreatedAt   time.Time      `yaml:"created_at"`
	Active      int            `yaml:"active"`
	New         int            `yaml:"new"`
	Closed      int            `yaml:"closed"`
	Conflicts   int            `yaml:"conflicts"`
	Quarantined int            `yaml:"quarantined"`
	Excluded    int            `yaml:"excluded"`
	Continuity  ContinuityStat `yaml:"continuity"`
	Scopes      []ScopeStat    `yaml:"scopes,omitempty"`
}

// ContinuityStat counts how identities were carried over.
type ContinuityStat struct {
	BySourceID     int `yaml:"by_source_id"`
	BySpatial      int `yaml:"by_spatial"`
	RejectedByName int `yaml:"rejected_by_name"`
	Ties           int `yaml:"ties"`
}

// ScopeStat counts the link outcome of one scope.
type ScopeStat struct {
	Scope      string  `yaml:"scope"`
	Label      string  `yaml:"label"`
	Threshold  float64 `yaml:"threshold_m"`
	Distance   int     `yaml:"distance_matches"`
	Similarity int     `yaml:"similarity_matches"`
	Ties       int     `yaml:"ties"`
	Ambiguous  int     `yaml:"ambiguous"`
	Unmatched  int     `yaml:"unmatched"`
}

// NewSummary digests res.
func NewSummary(res *pipeline.Result) Summary {
	s := Summary{
		RunID:       res.Run.ID,
		Period:      res.Run.Period,
		PrevPeriod:  res.Run.PrevPeriod,
		CreatedAt:   res.Run.CreatedAt,
		Active:      res.Run.Active,
		New:         res.Run.New,
		Closed:      res.Run.Closed,
		Conflicts:   res.Run.Conflicts,
		Quarantined: len(res.Quarantined),
		Excluded:    len(res.Excluded),
		Continuity: ContinuityStat{
			BySourceID:     res.Continuity.BySourceID,
			BySpatial:      res.Continuity.BySpatial,
			RejectedByName: len(res.Continuity.RejectedByName),
			Ties:           len(res.Continuity.Ties),
		},
	}
	for _, l := range res.Links {
		st := ScopeStat{
			Scope:     string(l.Scope),
			Label:     l.Label,
			Threshold: l.Threshold,
			Ties:      len(l.Ties),
			Ambiguous: len(l.Ambiguous),
			Unmatched: len(l.Unmatched),
		}
		for _, m := range l.Matches {
			if m.Basis == model.BasisSimilarity {
				st.Similarity++
			} else {
				st.Distance++
			}
		}
		s.Scopes = append(s.Scopes, st)
	}
	return s
}

// WriteSummary encodes s as YAML.
func WriteSummary(w io.Writer, s Summary) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return eris.Wrap(err, "export: encode summary")
	}
	return eris.Wrap(enc.Close(), "export: close summary encoder")
}
