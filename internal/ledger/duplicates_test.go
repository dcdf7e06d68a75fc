package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tollmap/internal/model"
)

func TestDetectDuplicates_SplitsOkAndBad(t *testing.T) {
	entities := []model.Entity{
		{ID: "12", Scope: model.ScopeRegistry, Name: "Caseta Jorobas", Direction: "N", Lat: 19.7, Lon: -99.2, Located: true},
		{ID: "4", Scope: model.ScopeRegistry, Name: "JOROBAS", Direction: "n", Lat: 19.7, Lon: -99.2, Located: true},
		{ID: "9", Scope: model.ScopeRegistry, Name: "Jorobas", Direction: "S", Lat: 19.7, Lon: -99.2, Located: true},
		{ID: "30", Scope: model.ScopeRegistry, Name: "Jorobas", Direction: "N", Located: false},
	}

	for run := 0; run < 3; run++ {
		out, err := DetectDuplicates(2022, entities, 10, nil)
		require.NoError(t, err)

		require.Len(t, out.Conflicts, 1)
		c := out.Conflicts[0]
		assert.Equal(t, "4", c.Kept)
		assert.Equal(t, []string{"12"}, c.Conflicting)
		assert.Equal(t, 2022, c.FirstPeriod)
		assert.Equal(t, model.ScopeRegistry, c.Scope)
		assert.Contains(t, c.SpatialKey, "|JOROBAS|N")

		require.Len(t, out.Quarantined, 1)
		assert.Equal(t, "12", out.Quarantined[0].ID)

		var ok []string
		for _, e := range out.OK {
			ok = append(ok, e.ID)
		}
		assert.Equal(t, []string{"4", "9", "30"}, ok)
	}
}

func TestDetectDuplicates_ScopesDoNotCollide(t *testing.T) {
	entities := []model.Entity{
		{ID: "1", Scope: model.ScopeRegistry, Name: "Jorobas", Lat: 19.7, Lon: -99.2, Located: true},
		{ID: "1", Scope: model.ScopeStats, Name: "Jorobas", Lat: 19.7, Lon: -99.2, Located: true},
	}
	out, err := DetectDuplicates(2022, entities, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, out.Conflicts)
	assert.Len(t, out.OK, 2)
}

func TestDetectDuplicates_KeepsFirstObservedPeriod(t *testing.T) {
	entities := []model.Entity{
		{ID: "1", Scope: model.ScopeRegistry, Name: "Jorobas", Lat: 19.7, Lon: -99.2, Located: true},
		{ID: "2", Scope: model.ScopeRegistry, Name: "Jorobas", Lat: 19.7, Lon: -99.2, Located: true},
	}
	first, err := DetectDuplicates(2020, entities, 10, nil)
	require.NoError(t, err)
	require.Len(t, first.Conflicts, 1)

	again, err := DetectDuplicates(2023, entities, 10, first.Conflicts)
	require.NoError(t, err)
	require.Len(t, again.Conflicts, 1)
	assert.Equal(t, 2020, again.Conflicts[0].FirstPeriod)
	assert.Equal(t, 2023, again.Conflicts[0].Period)
}

func TestDetectDuplicates_RepeatedSourceID(t *testing.T) {
	entities := []model.Entity{
		{ID: "101", Scope: model.ScopeRegistry, Name: "Jorobas", Lat: 19.75, Lon: -99.12, Located: true},
		{ID: "102", Scope: model.ScopeRegistry, Name: "Tepotzotlan", Lat: 19.71, Lon: -99.21, Located: true},
		{ID: "101", Scope: model.ScopeRegistry, Name: "Palmillas", Lat: 20.30, Lon: -99.90, Located: true},
		{ID: "101", Scope: model.ScopeRegistry, Name: "Sin coordenadas"},
	}
	prior := []model.ConflictRow{{SpatialKey: RepeatedIDKey("101"), Scope: model.ScopeRegistry, FirstPeriod: 2020}}

	out, err := DetectDuplicates(2022, entities, 10, prior)
	require.NoError(t, err)

	require.Len(t, out.Conflicts, 1)
	c := out.Conflicts[0]
	assert.Equal(t, RepeatedIDKey("101"), c.SpatialKey)
	assert.Equal(t, "101", c.Kept)
	assert.Equal(t, []string{"101", "101"}, c.Conflicting)
	assert.Equal(t, 2020, c.FirstPeriod)

	require.Len(t, out.OK, 2)
	assert.Equal(t, "Jorobas", out.OK[0].Name)
	assert.Equal(t, "102", out.OK[1].ID)
	require.Len(t, out.Quarantined, 2)
	assert.Equal(t, "Palmillas", out.Quarantined[0].Name)
}

func TestDetectDuplicates_InvalidResolution(t *testing.T) {
	_, err := DetectDuplicates(2022, nil, 20, nil)
	require.Error(t, err)
}

func TestDuplicateKey(t *testing.T) {
	_, ok := DuplicateKey(model.Entity{ID: "1"}, 10)
	assert.False(t, ok)

	a, ok := DuplicateKey(model.Entity{Name: "Plaza Jorobas", Direction: " s ", Lat: 19.7, Lon: -99.2, Located: true}, 10)
	require.True(t, ok)
	b, ok := DuplicateKey(model.Entity{Name: "jorobas", Direction: "S", Lat: 19.7, Lon: -99.2, Located: true}, 10)
	require.True(t, ok)
	assert.Equal(t, a, b)
}
