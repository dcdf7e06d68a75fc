package stretch

import (
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Patch is a set of manual stretch assignments keyed by stretch id.
type Patch struct {
	Assignments []PatchRow `yaml:"assignments"`
}

// PatchRow overrides the endpoints of one stretch.
type PatchRow struct {
	StretchID string   `yaml:"stretch_id"`
	Origin    Endpoint `yaml:"origin"`
	Dest      Endpoint `yaml:"destination"`
	Note      string   `yaml:"note,omitempty"`
}

// LoadPatch reads a patch file.
func LoadPatch(path string) (*Patch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "stretch: read patch %s", path)
	}
	var p Patch
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, eris.Wrapf(err, "stretch: parse patch %s", path)
	}
	seen := make(map[string]bool, len(p.Assignments))
	for i, r := range p.Assignments {
		if r.StretchID == "" {
			return nil, eris.Errorf("stretch: patch row %d has no stretch_id", i)
		}
		if seen[r.StretchID] {
			return nil, eris.Errorf("stretch: patch lists stretch %s twice", r.StretchID)
		}
		seen[r.StretchID] = true
	}
	return &p, nil
}

// Apply overrides computed rows by stretch id. Rows for stretches absent
// from the result are ignored. It returns the number of rows overridden.
func (p *Patch) Apply(res *Result) int {
	if p == nil {
		return 0
	}
	idx := make(map[string]int, len(res.Assignments))
	for i, a := range res.Assignments {
		idx[a.StretchID] = i
	}

	applied := 0
	var unknown []string
	for _, r := range p.Assignments {
		i, ok := idx[r.StretchID]
		if !ok {
			unknown = append(unknown, r.StretchID)
			continue
		}
		res.Assignments[i] = Assignment{
			StretchID: r.StretchID,
			Origin:    r.Origin,
			Dest:      r.Dest,
			Basis:     BasisPatch,
		}
		applied++
	}
	if len(unknown) > 0 {
		zap.L().With(zap.String("component", "stretch")).Warn("patch rows for unknown stretches ignored",
			zap.Strings("stretch_ids", unknown),
		)
	}
	return applied
}
