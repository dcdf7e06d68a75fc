package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tollmap/internal/model"
)

// sampleBundle builds a small period: two active identities, one retired and
// one duplicate conflict.
func sampleBundle(period int) *Bundle {
	snap := &model.Snapshot{
		Period: period,
		MaxID:  3,
		Identities: []model.CanonicalIdentity{
			{
				ID: 1, FirstPeriod: 2021, LastPeriod: period, Status: model.StatusActive,
				Scope: model.ScopeRegistry, SourceID: "101", Name: "Jorobas",
				Lat: 19.75, Lon: -99.12, Located: true,
				Links: []model.SourceRef{{Scope: model.ScopeFares, ID: "F-7"}, {Scope: model.ScopeStats, ID: "S-3"}},
			},
			{
				ID: 2, FirstPeriod: 2021, LastPeriod: 2022, Status: model.StatusRetired,
				Scope: model.ScopeRegistry, SourceID: "102", Name: "Palo Alto",
			},
			{
				ID: 3, FirstPeriod: period, LastPeriod: period, Status: model.StatusActive,
				Scope: model.ScopeRegistry, SourceID: "103", Name: "Tepotzotlan",
				Lat: 19.71, Lon: -99.21, Located: true,
			},
		},
	}
	return &Bundle{
		Run: model.Run{
			ID: fmt.Sprintf("run-%d", period), Period: period, PrevPeriod: period - 1,
			Active: 2, New: 1, Closed: 1, Conflicts: 1,
			CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		Snapshot: snap,
		Delta: []model.DeltaRow{
			{CanonicalID: 2, Status: model.DeltaClosed, Period: period, Scope: model.ScopeRegistry, SourceID: "102"},
			{CanonicalID: 3, Status: model.DeltaNew, Period: period, Scope: model.ScopeRegistry, SourceID: "103"},
		},
		Conflicts: []model.ConflictRow{
			{SpatialKey: "8a4995b8a41ffff|JOROBAS|N", Scope: model.ScopeRegistry, Kept: "101", Conflicting: []string{"140"}, FirstPeriod: 2022, Period: period},
		},
	}
}

func TestValidateBundle(t *testing.T) {
	assert.Error(t, validateBundle(nil))
	assert.Error(t, validateBundle(&Bundle{}))

	b := sampleBundle(2023)
	require.NoError(t, validateBundle(b))

	b.Run.Period = 2022
	err := validateBundle(b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match snapshot period")
}

func TestLinksJSON_NilIsEmptyArray(t *testing.T) {
	data, err := linksJSON(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))

	data, err = idsJSON([]string{"4", "12"})
	require.NoError(t, err)
	assert.Equal(t, `["4","12"]`, string(data))
}
