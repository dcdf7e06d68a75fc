package ledger

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tollmap/internal/model"
)

func reg(id, name string, lat, lon float64) model.Entity {
	return model.Entity{ID: id, Scope: model.ScopeRegistry, Name: name, Lat: lat, Lon: lon, Located: true}
}

func TestReconcile_FirstPeriod(t *testing.T) {
	snap, delta, err := Reconcile(nil, PeriodInput{
		Period: 2021,
		Records: []Record{
			{Entity: reg("20", "Palo Alto", 19.3, -99.2)},
			{Entity: reg("3", "Tepotzotlan", 19.7, -99.2)},
		},
	})
	require.NoError(t, err)
	require.Len(t, snap.Identities, 2)
	assert.Equal(t, int64(2), snap.MaxID)

	// Fresh ids follow source id order.
	assert.Equal(t, "3", snap.Identities[0].SourceID)
	assert.Equal(t, int64(1), snap.Identities[0].ID)
	assert.Equal(t, "20", snap.Identities[1].SourceID)
	assert.Equal(t, 2021, snap.Identities[1].FirstPeriod)

	require.Len(t, delta, 2)
	for _, d := range delta {
		assert.Equal(t, model.DeltaNew, d.Status)
		assert.Equal(t, 2021, d.Period)
	}
}

func TestReconcile_CarryAndNew(t *testing.T) {
	p1, _, err := Reconcile(nil, PeriodInput{Period: 1, Records: []Record{{Entity: reg("a1", "Jorobas", 19.7, -99.2)}}})
	require.NoError(t, err)
	a1ID := p1.Identities[0].ID

	p2, delta, err := Reconcile(p1, PeriodInput{
		Period: 2,
		Records: []Record{
			{Entity: reg("a1", "Jorobas", 19.7, -99.2), Continues: a1ID},
			{Entity: reg("a2", "Palo Alto", 19.3, -99.2)},
		},
	})
	require.NoError(t, err)

	c, ok := p2.Lookup(a1ID)
	require.True(t, ok)
	assert.Equal(t, "a1", c.SourceID)
	assert.Equal(t, model.StatusActive, c.Status)
	assert.Equal(t, 1, c.FirstPeriod)
	assert.Equal(t, 2, c.LastPeriod)

	require.Len(t, delta, 1)
	assert.Equal(t, model.DeltaNew, delta[0].Status)
	assert.Equal(t, "a2", delta[0].SourceID)
	assert.Greater(t, delta[0].CanonicalID, p1.MaxID)
}

func TestReconcile_RetiredIDNeverReissued(t *testing.T) {
	p1, _, err := Reconcile(nil, PeriodInput{Period: 1, Records: []Record{{Entity: reg("x", "Jorobas", 19.7, -99.2)}}})
	require.NoError(t, err)
	xID := p1.Identities[0].ID

	p2, delta2, err := Reconcile(p1, PeriodInput{Period: 2})
	require.NoError(t, err)
	require.Len(t, delta2, 1)
	assert.Equal(t, model.DeltaClosed, delta2[0].Status)
	assert.Equal(t, xID, delta2[0].CanonicalID)
	assert.Empty(t, p2.Active())

	// Same coordinates, different name, next period.
	p3, delta3, err := Reconcile(p2, PeriodInput{Period: 3, Records: []Record{{Entity: reg("y", "Nueva Jorobas", 19.7, -99.2)}}})
	require.NoError(t, err)
	require.Len(t, delta3, 1)
	assert.NotEqual(t, xID, delta3[0].CanonicalID)
	assert.Greater(t, delta3[0].CanonicalID, xID)

	old, ok := p3.Lookup(xID)
	require.True(t, ok)
	assert.Equal(t, model.StatusRetired, old.Status)
	assert.Equal(t, 1, old.LastPeriod)
}

func TestReconcile_ContinuingRetiredIsRejected(t *testing.T) {
	p1, _, err := Reconcile(nil, PeriodInput{Period: 1, Records: []Record{{Entity: reg("x", "Jorobas", 19.7, -99.2)}}})
	require.NoError(t, err)
	p2, _, err := Reconcile(p1, PeriodInput{Period: 2})
	require.NoError(t, err)

	_, _, err = Reconcile(p2, PeriodInput{Period: 3, Records: []Record{{Entity: reg("x", "Jorobas", 19.7, -99.2), Continues: 1}}})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrContinuityConflict))
}

func TestReconcile_Errors(t *testing.T) {
	p1, _, err := Reconcile(nil, PeriodInput{Period: 5, Records: []Record{{Entity: reg("x", "A", 19.7, -99.2)}}})
	require.NoError(t, err)

	_, _, err = Reconcile(p1, PeriodInput{Period: 5})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrPeriodOrder))

	_, _, err = Reconcile(p1, PeriodInput{Period: 6, Records: []Record{
		{Entity: reg("x", "A", 19.7, -99.2), Continues: 1},
		{Entity: reg("y", "A", 19.7, -99.2), Continues: 1},
	}})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrContinuityConflict))

	_, _, err = Reconcile(p1, PeriodInput{Period: 6, Records: []Record{
		{Entity: reg("x", "A", 19.7, -99.2)},
		{Entity: reg("x", "A", 19.7, -99.2)},
	}})
	require.Error(t, err)
}

func TestReconcile_DoesNotMutatePrevious(t *testing.T) {
	p1, _, err := Reconcile(nil, PeriodInput{Period: 1, Records: []Record{{Entity: reg("x", "A", 19.7, -99.2)}}})
	require.NoError(t, err)
	_, _, err = Reconcile(p1, PeriodInput{Period: 2})
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, p1.Identities[0].Status)
}

func TestReconcile_LinksAndMapping(t *testing.T) {
	snap, _, err := Reconcile(nil, PeriodInput{Period: 1, Records: []Record{{
		Entity: reg("7", "Jorobas", 19.7, -99.2),
		Links: []model.SourceRef{
			{Scope: model.ScopeStats, ID: "900"},
			{Scope: model.ScopeFares, ID: "15"},
		},
	}}})
	require.NoError(t, err)

	rows := snap.Mapping()
	require.Len(t, rows, 3)
	assert.Equal(t, model.ScopeRegistry, rows[0].Scope)
	assert.Equal(t, model.ScopeFares, rows[1].Scope)
	assert.Equal(t, model.ScopeStats, rows[2].Scope)
	for _, r := range rows {
		assert.Equal(t, int64(1), r.CanonicalID)
	}
}

func TestReconcile_MonotonicityAndConservation(t *testing.T) {
	periods := [][]string{
		{"1", "2", "3", "4"},
		{"2", "3", "5"},
		{"3", "5", "6", "7"},
		{"8"},
	}

	var prev *model.Snapshot
	issued := map[int64]string{}
	for n, ids := range periods {
		active := map[string]int64{}
		for _, c := range prev.Active() {
			active[c.SourceID] = c.ID
		}
		var recs []Record
		for _, id := range ids {
			recs = append(recs, Record{Entity: reg(id, "TB "+id, 19, -99), Continues: active[id]})
		}

		snap, delta, err := Reconcile(prev, PeriodInput{Period: n + 1, Records: recs})
		require.NoError(t, err)

		added, closed := Counts(delta)
		prevActive := len(prev.Active())
		assert.Equal(t, prevActive-closed+added, len(snap.Active()), "period %d", n+1)

		var prevMax int64
		if prev != nil {
			prevMax = prev.MaxID
		}
		for _, d := range delta {
			if d.Status == model.DeltaNew {
				assert.Greater(t, d.CanonicalID, prevMax)
			}
		}
		for _, c := range snap.Identities {
			if src, ok := issued[c.ID]; ok {
				assert.Equal(t, src, c.SourceID, "id %d reassigned", c.ID)
			}
			issued[c.ID] = c.SourceID
		}
		prev = snap
	}
	assert.Equal(t, int64(8), prev.MaxID)
}

func TestReconcile_Deterministic(t *testing.T) {
	in := PeriodInput{Period: 1, Records: []Record{
		{Entity: reg("b", "B", 19, -99)},
		{Entity: reg("a", "A", 19, -99)},
		{Entity: model.Entity{ID: "a", Scope: model.ScopeStats}},
	}}
	s1, d1, err := Reconcile(nil, in)
	require.NoError(t, err)

	in.Records[0], in.Records[2] = in.Records[2], in.Records[0]
	s2, d2, err := Reconcile(nil, in)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
	assert.Equal(t, d1, d2)
}
