package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tollmap/internal/config"
	"github.com/sells-group/tollmap/internal/match"
	"github.com/sells-group/tollmap/internal/model"
	"github.com/sells-group/tollmap/internal/pipeline"
	"github.com/sells-group/tollmap/internal/store"
	"github.com/sells-group/tollmap/internal/stretch"
)

func useTestConfig(t *testing.T) {
	t.Helper()
	prev := cfg
	cfg = &config.Config{
		Store:      config.StoreConfig{Driver: "sqlite"},
		Spatial:    config.SpatialConfig{BucketResolution: 8, DedupeResolution: 10, RingRadius: 1},
		Match:      config.MatchConfig{Rounds: 2, DefaultThresholdM: 100, ContinuityNameCheck: true, Workers: 2},
		Similarity: config.SimilarityConfig{Floor: 0.5, TextOnlyFallback: true},
		Ledger:     config.LedgerConfig{PrimaryScope: string(model.ScopeRegistry)},
	}
	t.Cleanup(func() { cfg = prev })
}

func testStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "tollmap.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func located(scope model.Scope, id, name string, lat, lon float64) model.Entity {
	return model.Entity{ID: id, Scope: scope, Name: name, Lat: lat, Lon: lon, Located: true}
}

func periodEntities() map[model.Scope][]model.Entity {
	return map[model.Scope][]model.Entity{
		model.ScopeRegistry: {
			located(model.ScopeRegistry, "101", "Caseta Jorobas", 19.7500, -99.1200),
			located(model.ScopeRegistry, "102", "Tepotzotlan", 19.7100, -99.2100),
		},
		model.ScopeStats: {
			located(model.ScopeStats, "S-1", "Jorobas", 19.7502, -99.1201),
			located(model.ScopeStats, "S-2", "Palmillas", 20.3000, -99.9000),
			{ID: "S-3", Scope: model.ScopeStats, Name: "Sin coordenadas"},
		},
	}
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"reconcile", "export", "neighbours", "unmatched", "stretch", "runs", "serve", "migrate"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "tollmap", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestReconcileCommand_Flags(t *testing.T) {
	for _, name := range []string{"period", "dry-run", "out"} {
		assert.NotNil(t, reconcileCmd.Flags().Lookup(name), "reconcile should have --%s flag", name)
	}
	assert.Equal(t, "false", reconcileCmd.Flags().Lookup("dry-run").DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestRunsCommand_Flags(t *testing.T) {
	flag := runsCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "50", flag.DefValue)
}

func TestExportCommand_Flags(t *testing.T) {
	flag := exportCmd.Flags().Lookup("table")
	require.NotNil(t, flag)
	assert.Equal(t, "mapping", flag.DefValue)
}

func TestStretchCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range stretchCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["assign"])
	assert.True(t, names["similar"])
	assert.NotNil(t, stretchSimilarCmd.Flags().Lookup("top-k"))
}

func TestReconcile_PersistsAndCarriesIDs(t *testing.T) {
	useTestConfig(t)
	st := testStore(t)
	ctx := context.Background()

	first, err := reconcile(ctx, st, 2021, periodEntities(), false)
	require.NoError(t, err)
	assert.Len(t, first.Snapshot.Active(), 2)

	second, err := reconcile(ctx, st, 2022, periodEntities(), false)
	require.NoError(t, err)
	assert.Equal(t, first.Snapshot.MaxID, second.Snapshot.MaxID)
	assert.Empty(t, second.Delta)

	rows, err := st.Mapping(ctx, 2022)
	require.NoError(t, err)
	assert.ElementsMatch(t, second.Snapshot.Mapping(), rows)

	runs, err := st.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestReconcile_DryRunPersistsNothing(t *testing.T) {
	useTestConfig(t)
	st := testStore(t)
	ctx := context.Background()

	res, err := reconcile(ctx, st, 2021, periodEntities(), true)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Delta)

	runs, err := st.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestReconcile_WithoutStore(t *testing.T) {
	useTestConfig(t)

	res, err := reconcile(context.Background(), nil, 2021, periodEntities(), true)
	require.NoError(t, err)
	assert.Len(t, res.Snapshot.Active(), 2)
}

func TestReconcile_InvalidConfig(t *testing.T) {
	useTestConfig(t)
	cfg.Ledger.PrimaryScope = ""

	_, err := reconcile(context.Background(), nil, 2021, periodEntities(), true)
	assert.Error(t, err)
}

func TestWriteReports(t *testing.T) {
	useTestConfig(t)
	res, err := reconcile(context.Background(), nil, 2021, periodEntities(), true)
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "out")
	require.NoError(t, writeReports(dir, res))

	for _, name := range []string{
		"mapping_2021.csv", "delta_2021.csv", "conflicts_2021.csv",
		"unmatched_2021.csv", "summary_2021.yaml", "review_2021.xlsx",
	} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.Positive(t, info.Size(), name)
	}
}

func TestExportTable(t *testing.T) {
	useTestConfig(t)
	st := testStore(t)
	ctx := context.Background()
	_, err := reconcile(ctx, st, 2021, periodEntities(), false)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, exportTable(ctx, st, 2021, "mapping", &buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, "canonical_id,source_scope,source_id,period", lines[0])
	assert.Len(t, lines, 4) // header, 2 registry rows, 1 stats link

	buf.Reset()
	require.NoError(t, exportTable(ctx, st, 2021, "delta", &buf))
	assert.Contains(t, buf.String(), "new")

	err = exportTable(ctx, st, 2021, "identities", &buf)
	assert.ErrorContains(t, err, "unknown table")
}

func TestNeighbours(t *testing.T) {
	useTestConfig(t)
	ctx := context.Background()

	pairs, err := neighbours(ctx, periodEntities(), nil, 0)
	require.NoError(t, err)
	require.NotEmpty(t, pairs)
	for _, p := range pairs {
		assert.NotEqual(t, p.A, p.B)
	}

	dropped, err := neighbours(ctx, periodEntities(), []string{"registry-stats"}, 0)
	require.NoError(t, err)
	for _, p := range dropped {
		assert.NotEqual(t, "registry-stats", p.Scope)
	}

	near, err := neighbours(ctx, periodEntities(), nil, 1)
	require.NoError(t, err)
	assert.Empty(t, near)
}

func TestUnmatched(t *testing.T) {
	useTestConfig(t)

	rows, err := unmatched(context.Background(), periodEntities(), model.ScopeStats)
	require.NoError(t, err)

	reasons := make(map[string]string)
	for _, r := range rows {
		assert.Equal(t, model.ScopeStats, r.Scope)
		reasons[r.ID] = r.Reason
	}
	assert.NotContains(t, reasons, "S-1")
	assert.Equal(t, match.ReasonNoCandidates, reasons["S-2"])
	assert.Equal(t, pipeline.ReasonExcluded, reasons["S-3"])
}

func TestUnmatched_Errors(t *testing.T) {
	useTestConfig(t)
	ctx := context.Background()

	_, err := unmatched(ctx, periodEntities(), model.ScopeRegistry)
	assert.ErrorContains(t, err, "primary scope")

	_, err = unmatched(ctx, periodEntities(), model.ScopeFares)
	assert.ErrorContains(t, err, "no source loaded")
}

func TestAssignStretches_NoMapping(t *testing.T) {
	useTestConfig(t)
	_, err := assignStretches(context.Background(), testStore(t), 2021)
	assert.ErrorContains(t, err, "no mapping stored")
}

func TestFormatRunsList(t *testing.T) {
	var buf bytes.Buffer
	formatRunsList(&buf, []model.Run{
		{ID: "0f8fad5b-d9cb-469f-a165-70867728950e", Period: 2022, PrevPeriod: 2021, Active: 10, New: 2, Closed: 1, CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		{ID: "7c9e6679", Period: 2021, Active: 9, New: 9},
	})

	out := buf.String()
	assert.Contains(t, out, "PERIOD")
	assert.Contains(t, out, "0f8fad5b ")
	assert.NotContains(t, out, "0f8fad5b-d9cb")
	assert.Contains(t, out, "2024-03-01 12:00")
	assert.Contains(t, out, "  -  ")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "0f8fad5b", truncateID("0f8fad5b-d9cb-469f-a165-70867728950e"))
	assert.Equal(t, "abc", truncateID("abc"))
}

func TestFormatSimilar(t *testing.T) {
	s := stretch.Similar{
		StretchID: "T-1",
		ByCosine:  []stretch.Ranked{{Fare: stretch.FareRecord{ID: "F-1", Origin: "10", Dest: "11", Name: "Jorobas"}, Score: 1}},
	}
	var buf bytes.Buffer
	formatSimilar(&buf, s)

	out := buf.String()
	assert.Contains(t, out, "STRETCH T-1")
	assert.Contains(t, out, "cosine")
	assert.Contains(t, out, "1.0000")
	assert.NotContains(t, out, "euclidean")
}
