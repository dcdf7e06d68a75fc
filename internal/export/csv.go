// Package export writes ledger tables and run reports as CSV, XLSX and YAML.
package export

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tollmap/internal/model"
	"github.com/sells-group/tollmap/internal/stretch"
)

var (
	mappingHeader    = []string{"canonical_id", "source_scope", "source_id", "period"}
	deltaHeader      = []string{"canonical_id", "status", "period", "source_scope", "source_id"}
	conflictHeader   = []string{"spatial_key", "scope", "kept_source_id", "conflicting_source_ids", "first_period_observed", "period"}
	neighbourHeader  = []string{"id", "neighbour_id", "distance_m", "scope"}
	unmatchedHeader  = []string{"scope", "source_id", "reason"}
	assignmentHeader = []string{"stretch_id", "origin_source_id", "origin_canonical_id", "destination_source_id", "destination_canonical_id", "fare_id", "score", "basis"}
)

// WriteFile creates path and hands it to write.
func WriteFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "export: create %s", path)
	}
	if err := write(f); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return eris.Wrapf(f.Close(), "export: close %s", path)
}

func writeCSV(w io.Writer, header []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return eris.Wrap(err, "export: write header")
	}
	if err := cw.WriteAll(rows); err != nil {
		return eris.Wrap(err, "export: write rows")
	}
	return nil
}

// Mapping writes mapping rows.
func Mapping(w io.Writer, rows []model.MappingRow) error {
	out := make([][]string, len(rows))
	for i, r := range rows {
		out[i] = []string{itoa(r.CanonicalID), string(r.Scope), r.SourceID, strconv.Itoa(r.Period)}
	}
	return writeCSV(w, mappingHeader, out)
}

// Delta writes delta rows.
func Delta(w io.Writer, rows []model.DeltaRow) error {
	out := make([][]string, len(rows))
	for i, r := range rows {
		out[i] = []string{itoa(r.CanonicalID), string(r.Status), strconv.Itoa(r.Period), string(r.Scope), r.SourceID}
	}
	return writeCSV(w, deltaHeader, out)
}

// Conflicts writes conflict rows. Conflicting ids are joined with "|".
func Conflicts(w io.Writer, rows []model.ConflictRow) error {
	out := make([][]string, len(rows))
	for i, r := range rows {
		out[i] = []string{
			r.SpatialKey, string(r.Scope), r.Kept, strings.Join(r.Conflicting, "|"),
			strconv.Itoa(r.FirstPeriod), strconv.Itoa(r.Period),
		}
	}
	return writeCSV(w, conflictHeader, out)
}

// Neighbours writes candidate pairs as a neighbour table.
func Neighbours(w io.Writer, pairs []model.CandidatePair) error {
	out := make([][]string, len(pairs))
	for i, p := range pairs {
		out[i] = []string{p.A, p.B, ftoa(p.Distance), p.Scope}
	}
	return writeCSV(w, neighbourHeader, out)
}

// UnmatchedRow is one entity left without a link.
type UnmatchedRow struct {
	Scope  model.Scope `json:"scope" yaml:"scope"`
	ID     string      `json:"source_id" yaml:"source_id"`
	Reason string      `json:"reason" yaml:"reason"`
}

// Unmatched writes unmatched rows.
func Unmatched(w io.Writer, rows []UnmatchedRow) error {
	out := make([][]string, len(rows))
	for i, r := range rows {
		out[i] = []string{string(r.Scope), r.ID, r.Reason}
	}
	return writeCSV(w, unmatchedHeader, out)
}

// Assignments writes stretch endpoint assignments. Unresolved endpoints
// leave the canonical id blank.
func Assignments(w io.Writer, rows []stretch.Assignment) error {
	out := make([][]string, len(rows))
	for i, r := range rows {
		score := ""
		if r.Basis == stretch.BasisComputed {
			score = ftoa(r.Score)
		}
		out[i] = []string{
			r.StretchID,
			r.Origin.SourceID, optID(r.Origin.CanonicalID),
			r.Dest.SourceID, optID(r.Dest.CanonicalID),
			r.FareID, score, r.Basis,
		}
	}
	return writeCSV(w, assignmentHeader, out)
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func optID(v int64) string {
	if v == 0 {
		return ""
	}
	return itoa(v)
}

func ftoa(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
