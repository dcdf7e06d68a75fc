package export

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/tollmap/internal/pipeline"
)

// UnmatchedRows flattens the unmatched entities of every linked scope.
func UnmatchedRows(res *pipeline.Result) []UnmatchedRow {
	var out []UnmatchedRow
	for _, l := range res.Links {
		for _, u := range l.Unmatched {
			out = append(out, UnmatchedRow{Scope: l.Scope, ID: u.ID, Reason: u.Reason})
		}
	}
	return out
}

// ReviewWorkbook writes the items of a run that need a human decision: one
// sheet each for duplicate conflicts, ambiguous similarity groups, unmatched
// entities and continuity matches rejected by the name check.
func ReviewWorkbook(path string, res *pipeline.Result) error {
	f := xlsx.NewFile()

	conflicts := [][]string{{"spatial_key", "scope", "kept_source_id", "conflicting_source_ids", "first_period_observed"}}
	for _, c := range res.Conflicts {
		conflicts = append(conflicts, []string{
			c.SpatialKey, string(c.Scope), c.Kept, strings.Join(c.Conflicting, "|"), strconv.Itoa(c.FirstPeriod),
		})
	}

	ambiguous := [][]string{{"scope", "anchor", "candidate", "text", "text_attr", "vector", "aggregate"}}
	for _, g := range res.Ambiguous() {
		for _, s := range g.Best {
			vec := ""
			if s.Vector.OK {
				vec = ftoa(s.Vector.Mean())
			}
			ambiguous = append(ambiguous, []string{
				string(g.Scope), g.Anchor, candidateOf(g.Anchor, s.Anchor, s.ID),
				ftoa(s.Text), s.TextAttr, vec, ftoa(s.Aggregate),
			})
		}
	}

	unmatched := [][]string{{"scope", "source_id", "reason"}}
	for _, u := range UnmatchedRows(res) {
		unmatched = append(unmatched, []string{string(u.Scope), u.ID, u.Reason})
	}

	rejected := [][]string{{"canonical_id", "prev_source_id", "source_id", "distance_m", "name_similarity"}}
	for _, r := range res.Continuity.RejectedByName {
		rejected = append(rejected, []string{
			itoa(r.CanonicalID), r.PrevSourceID, r.SourceID, ftoa(r.Distance), ftoa(r.Similarity),
		})
	}

	for _, sh := range []struct {
		name string
		rows [][]string
	}{
		{"Conflicts", conflicts},
		{"Ambiguous", ambiguous},
		{"Unmatched", unmatched},
		{"Rejected continuity", rejected},
	} {
		if err := addSheet(f, sh.name, sh.rows); err != nil {
			return err
		}
	}
	return eris.Wrapf(f.Save(path), "export: save workbook %s", path)
}

// candidateOf returns the member of a score that is not the group anchor.
// Contested groups are anchored on the primary id, so their scores carry
// the competing id as Anchor.
func candidateOf(groupAnchor, scoreAnchor, scoreID string) string {
	if scoreAnchor == groupAnchor {
		return scoreID
	}
	return scoreAnchor
}

func addSheet(f *xlsx.File, name string, rows [][]string) error {
	sheet, err := f.AddSheet(name)
	if err != nil {
		return eris.Wrapf(err, "export: add sheet %s", name)
	}
	for _, r := range rows {
		row := sheet.AddRow()
		for _, c := range r {
			row.AddCell().SetString(c)
		}
	}
	return nil
}
