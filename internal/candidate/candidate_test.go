package candidate

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tollmap/internal/model"
)

func ent(scope model.Scope, id string, lat, lon float64) model.Entity {
	return model.Entity{ID: id, Scope: scope, Lat: lat, Lon: lon, Located: true, Name: "TB " + id}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(16, 1, 1)
	require.Error(t, err)

	_, err = New(8, 0, 1)
	require.Error(t, err)

	g, err := New(8, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, g.workers)
}

func TestCross_NearbyPair(t *testing.T) {
	g, err := New(8, 1, 2)
	require.NoError(t, err)

	left := []model.Entity{ent(model.ScopeRegistry, "1", 19.0, -99.0)}
	right := []model.Entity{
		ent(model.ScopeStats, "10", 19.00005, -99.00005),
		ent(model.ScopeStats, "11", 20.5, -100.5),
	}

	res, err := g.Cross(context.Background(), left, right)
	require.NoError(t, err)
	require.Len(t, res.Pairs, 1)

	p := res.Pairs[0]
	assert.Equal(t, "1", p.A)
	assert.Equal(t, "10", p.B)
	assert.Equal(t, "registry-stats", p.Scope)
	assert.InDelta(t, 7.6, p.Distance, 0.5)
	assert.Empty(t, res.Excluded)
}

func TestCross_UnfilteredByDistance(t *testing.T) {
	g, err := New(8, 1, 1)
	require.NoError(t, err)

	// Same res-8 cell neighbourhood, a few hundred meters apart.
	left := []model.Entity{ent(model.ScopeRegistry, "1", 19.0, -99.0)}
	right := []model.Entity{ent(model.ScopeStats, "2", 19.002, -99.0)}

	res, err := g.Cross(context.Background(), left, right)
	require.NoError(t, err)
	require.Len(t, res.Pairs, 1)
	assert.Greater(t, res.Pairs[0].Distance, 100.0)
	assert.Empty(t, Within(res.Pairs, 100))
	assert.Len(t, Within(res.Pairs, 1000), 1)
}

func TestCross_ExcludesInvalidCoordinates(t *testing.T) {
	g, err := New(8, 1, 1)
	require.NoError(t, err)

	left := []model.Entity{
		ent(model.ScopeRegistry, "1", 19.0, -99.0),
		{ID: "2", Scope: model.ScopeRegistry, Located: false},
		ent(model.ScopeRegistry, "3", 95, -99.0),
	}
	right := []model.Entity{ent(model.ScopeStats, "10", 19.0, -99.0)}

	res, err := g.Cross(context.Background(), left, right)
	require.NoError(t, err)
	require.Len(t, res.Pairs, 1)
	require.Len(t, res.Excluded, 2)
	assert.Equal(t, "2", res.Excluded[0].Ref.ID)
	assert.Equal(t, "missing coordinates", res.Excluded[0].Reason)
	assert.Equal(t, "3", res.Excluded[1].Ref.ID)
	assert.Contains(t, res.Excluded[1].Reason, "invalid coordinate")
}

func TestSelf_DropsSelfAndSymmetricPairs(t *testing.T) {
	g, err := New(8, 1, 3)
	require.NoError(t, err)

	entities := []model.Entity{
		ent(model.ScopeRegistry, "3", 19.00005, -99.00005),
		ent(model.ScopeRegistry, "1", 19.0, -99.0),
		ent(model.ScopeRegistry, "2", 19.0001, -99.0001),
	}

	res, err := g.Self(context.Background(), entities)
	require.NoError(t, err)
	require.Len(t, res.Pairs, 3)

	seen := map[string]bool{}
	for _, p := range res.Pairs {
		assert.NotEqual(t, p.A, p.B)
		assert.Equal(t, -1, model.CompareIDs(p.A, p.B), "pair %s-%s not oriented", p.A, p.B)
		key := p.A + "|" + p.B
		assert.False(t, seen[key])
		seen[key] = true
	}
	assert.Equal(t, "1", res.Pairs[0].A)
	assert.Equal(t, "2", res.Pairs[0].B)
	assert.Equal(t, "1", res.Pairs[1].A)
	assert.Equal(t, "3", res.Pairs[1].B)
	assert.Equal(t, "2", res.Pairs[2].A)
	assert.Equal(t, "3", res.Pairs[2].B)
}

func TestSelf_MixedScopes(t *testing.T) {
	g, err := New(8, 1, 1)
	require.NoError(t, err)

	entities := []model.Entity{
		ent(model.ScopeStats, "1", 19.0, -99.0),
		ent(model.ScopeRegistry, "1", 19.0, -99.0),
	}
	res, err := g.Self(context.Background(), entities)
	require.NoError(t, err)
	require.Len(t, res.Pairs, 1)
	assert.Equal(t, "registry-stats", res.Pairs[0].Scope)
	assert.InDelta(t, 0, res.Pairs[0].Distance, 1e-9)
}

func TestGenerate_DeterministicAcrossWorkers(t *testing.T) {
	var entities []model.Entity
	for i := 0; i < 60; i++ {
		entities = append(entities, ent(model.ScopeRegistry, fmt.Sprint(i), 19.0+float64(i%6)*0.0008, -99.0+float64(i/6)*0.0008))
	}

	g1, err := New(8, 1, 1)
	require.NoError(t, err)
	g8, err := New(8, 1, 8)
	require.NoError(t, err)

	a, err := g1.Self(context.Background(), entities)
	require.NoError(t, err)
	b, err := g8.Self(context.Background(), entities)
	require.NoError(t, err)
	assert.NotEmpty(t, a.Pairs)
	assert.Equal(t, a.Pairs, b.Pairs)
}

func TestGenerate_Cancelled(t *testing.T) {
	g, err := New(8, 1, 1)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = g.Self(ctx, []model.Entity{ent(model.ScopeRegistry, "1", 19.0, -99.0)})
	require.Error(t, err)
}

func TestDropScopes(t *testing.T) {
	pairs := []model.CandidatePair{
		{A: "1", B: "2", Scope: "registry-stats"},
		{A: "1", B: "3", Scope: "stats-registry"},
		{A: "2", B: "3", Scope: "registry-registry"},
	}
	out := DropScopes(pairs, "stats-registry")
	require.Len(t, out, 2)
	assert.Equal(t, "registry-stats", out[0].Scope)
	assert.Equal(t, "registry-registry", out[1].Scope)
	assert.Len(t, DropScopes(pairs), 3)
}

func TestPartition(t *testing.T) {
	assert.Nil(t, partition(nil, 4))
	assert.Equal(t, [][]int{{0, 1}, {2, 3}, {4}}, partition([]int{0, 1, 2, 3, 4}, 3))
	assert.Equal(t, [][]int{{7}}, partition([]int{7}, 4))
}
