package export

import (
	"bytes"
	"encoding/csv"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/tollmap/internal/match"
	"github.com/sells-group/tollmap/internal/model"
	"github.com/sells-group/tollmap/internal/pipeline"
	"github.com/sells-group/tollmap/internal/similarity"
	"github.com/sells-group/tollmap/internal/stretch"
)

func readCSV(t *testing.T, buf *bytes.Buffer) [][]string {
	t.Helper()
	rows, err := csv.NewReader(buf).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestMappingAndDelta(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Mapping(&buf, []model.MappingRow{
		{CanonicalID: 1, Scope: model.ScopeRegistry, SourceID: "101", Period: 2022},
		{CanonicalID: 1, Scope: model.ScopeStats, SourceID: "S-3", Period: 2022},
	}))
	assert.Equal(t, [][]string{
		{"canonical_id", "source_scope", "source_id", "period"},
		{"1", "registry", "101", "2022"},
		{"1", "stats", "S-3", "2022"},
	}, readCSV(t, &buf))

	buf.Reset()
	require.NoError(t, Delta(&buf, []model.DeltaRow{
		{CanonicalID: 7, Status: model.DeltaClosed, Period: 2022, Scope: model.ScopeRegistry, SourceID: "140"},
	}))
	assert.Equal(t, []string{"7", "closed", "2022", "registry", "140"}, readCSV(t, &buf)[1])
}

func TestConflictsAndNeighbours(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Conflicts(&buf, []model.ConflictRow{{
		SpatialKey: "8a4995b|JOROBAS|", Scope: model.ScopeRegistry, Kept: "101",
		Conflicting: []string{"140", "141"}, FirstPeriod: 2021, Period: 2022,
	}}))
	rows := readCSV(t, &buf)
	assert.Equal(t, "140|141", rows[1][3])
	assert.Equal(t, "2021", rows[1][4])

	buf.Reset()
	require.NoError(t, Neighbours(&buf, []model.CandidatePair{{A: "1", B: "2", Distance: 42.5, Scope: "registry-stats"}}))
	assert.Equal(t, [][]string{
		{"id", "neighbour_id", "distance_m", "scope"},
		{"1", "2", "42.5", "registry-stats"},
	}, readCSV(t, &buf))
}

func TestAssignments(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Assignments(&buf, []stretch.Assignment{
		{
			StretchID: "10", FareID: "F1", Score: 0.75, Basis: stretch.BasisComputed,
			Origin: stretch.Endpoint{SourceID: "T-1", CanonicalID: 1},
			Dest:   stretch.Endpoint{SourceID: "T-9"},
		},
		{StretchID: "11"},
	}))
	rows := readCSV(t, &buf)
	assert.Equal(t, []string{"10", "T-1", "1", "T-9", "", "F1", "0.75", "computed"}, rows[1])
	assert.Equal(t, []string{"11", "", "", "", "", "", "", ""}, rows[2])
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unmatched.csv")
	require.NoError(t, WriteFile(path, func(w io.Writer) error {
		return Unmatched(w, []UnmatchedRow{{Scope: model.ScopeStats, ID: "S-9", Reason: "no_candidates"}})
	}))

	err := WriteFile(filepath.Join(t.TempDir(), "missing", "x.csv"), func(io.Writer) error { return nil })
	assert.Error(t, err)
}

func sampleResult() *pipeline.Result {
	return &pipeline.Result{
		Run: model.Run{
			ID: "run-1", Period: 2022, PrevPeriod: 2021, Active: 3, New: 1, Closed: 1, Conflicts: 1,
			CreatedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		},
		Conflicts:   []model.ConflictRow{{SpatialKey: "k", Scope: model.ScopeRegistry, Kept: "101", Conflicting: []string{"140"}, FirstPeriod: 2021, Period: 2022}},
		Quarantined: []model.Entity{{ID: "140", Scope: model.ScopeRegistry}},
		Continuity: pipeline.ContinuityReport{
			BySourceID: 2,
			RejectedByName: []pipeline.NameRejection{
				{CanonicalID: 2, PrevSourceID: "102", SourceID: "900", Distance: 11, Similarity: 0.2},
			},
		},
		Links: []pipeline.ScopeReport{{
			Scope: model.ScopeStats, Label: "registry-stats", Threshold: 100,
			Matches: []model.Match{
				{Left: "101", Right: "S-1", Basis: model.BasisDistance, Distance: 20},
				{Left: "103", Right: "S-4", Basis: model.BasisSimilarity, Score: 0.9},
			},
			Ambiguous: []similarity.Group{{Anchor: "S-7", Best: []similarity.Score{
				{Anchor: "S-7", ID: "1", Text: 1, TextAttr: "name", Aggregate: 1},
				{Anchor: "S-7", ID: "2", Text: 1, TextAttr: "name", Aggregate: 1},
			}}},
			Unmatched: []match.Unmatched{{ID: "S-7", Side: match.SideRight, Reason: pipeline.ReasonAmbiguous}},
		}},
	}
}

func TestSummary(t *testing.T) {
	s := NewSummary(sampleResult())
	assert.Equal(t, 1, s.Quarantined)
	assert.Equal(t, 1, s.Continuity.RejectedByName)
	require.Len(t, s.Scopes, 1)
	assert.Equal(t, 1, s.Scopes[0].Distance)
	assert.Equal(t, 1, s.Scopes[0].Similarity)
	assert.Equal(t, 1, s.Scopes[0].Ambiguous)

	var buf bytes.Buffer
	require.NoError(t, WriteSummary(&buf, s))
	var back Summary
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &back))
	assert.Equal(t, s.Scopes, back.Scopes)
	assert.Equal(t, s.Continuity, back.Continuity)
	assert.True(t, s.CreatedAt.Equal(back.CreatedAt))
	assert.Contains(t, buf.String(), "run_id: run-1")
}

func TestReviewWorkbook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "review.xlsx")
	require.NoError(t, ReviewWorkbook(path, sampleResult()))

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	require.Len(t, f.Sheets, 4)

	amb := f.Sheet["Ambiguous"]
	require.NotNil(t, amb)
	require.Len(t, amb.Rows, 3)
	assert.Equal(t, "S-7", amb.Rows[1].Cells[1].String())
	assert.Equal(t, "2", amb.Rows[2].Cells[2].String())

	un := f.Sheet["Unmatched"]
	require.NotNil(t, un)
	assert.Equal(t, "ambiguous", un.Rows[1].Cells[2].String())

	rej := f.Sheet["Rejected continuity"]
	require.NotNil(t, rej)
	assert.Equal(t, "900", rej.Rows[1].Cells[2].String())
}

func TestCandidateOf(t *testing.T) {
	assert.Equal(t, "1", candidateOf("S-7", "S-7", "1"))
	assert.Equal(t, "S-2", candidateOf("1", "S-2", "1"))
}
