// Package ledger issues, carries forward and retires canonical identities
// from one period to the next.
package ledger

import (
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tollmap/internal/model"
)

var (
	// ErrPeriodOrder is returned when a period does not follow the previous snapshot.
	ErrPeriodOrder = eris.New("ledger: period must be after the previous snapshot")
	// ErrContinuityConflict is returned when continuity claims are inconsistent.
	ErrContinuityConflict = eris.New("ledger: inconsistent continuity claim")
)

// Record is one current-period primary record. Continues names the active
// canonical id of the previous snapshot it continues, or 0 when the record
// has no predecessor. Links are the other-scope records matched to it.
type Record struct {
	Entity    model.Entity
	Continues int64
	Links     []model.SourceRef
}

// PeriodInput is everything the ledger needs for one period.
type PeriodInput struct {
	Period  int
	Records []Record
}

// Reconcile derives the snapshot of in.Period from prev (nil for the first
// period). Claimed identities keep their id; unclaimed active identities are
// retired and reported closed; unclaimed records get fresh ids above every
// id ever issued and are reported new. Retired identities are terminal.
func Reconcile(prev *model.Snapshot, in PeriodInput) (*model.Snapshot, []model.DeltaRow, error) {
	log := zap.L().With(zap.String("component", "ledger"), zap.Int("period", in.Period))

	if prev != nil && in.Period <= prev.Period {
		return nil, nil, eris.Wrapf(ErrPeriodOrder, "period %d, previous %d", in.Period, prev.Period)
	}

	var maxID int64
	byID := make(map[int64]int)
	var identities []model.CanonicalIdentity
	if prev != nil {
		maxID = prev.MaxID
		identities = make([]model.CanonicalIdentity, len(prev.Identities))
		for i, c := range prev.Identities {
			c.Links = append([]model.SourceRef(nil), c.Links...)
			identities[i] = c
			byID[c.ID] = i
			maxID = max(maxID, c.ID)
		}
	}

	seenRef := make(map[model.SourceRef]bool, len(in.Records))
	claimed := make(map[int64]bool)
	var fresh []Record
	for _, r := range in.Records {
		ref := r.Entity.Ref()
		if seenRef[ref] {
			return nil, nil, eris.Wrapf(ErrContinuityConflict, "record %s listed twice", ref)
		}
		seenRef[ref] = true

		if r.Continues == 0 {
			fresh = append(fresh, r)
			continue
		}
		i, ok := byID[r.Continues]
		if !ok || identities[i].Status != model.StatusActive {
			return nil, nil, eris.Wrapf(ErrContinuityConflict, "record %s continues id %d which is not active", ref, r.Continues)
		}
		if claimed[r.Continues] {
			return nil, nil, eris.Wrapf(ErrContinuityConflict, "id %d claimed by more than one record", r.Continues)
		}
		claimed[r.Continues] = true
		carry(&identities[i], r, in.Period)
	}

	var delta []model.DeltaRow
	for i := range identities {
		c := &identities[i]
		if c.Status != model.StatusActive || claimed[c.ID] {
			continue
		}
		c.Status = model.StatusRetired
		delta = append(delta, model.DeltaRow{
			CanonicalID: c.ID,
			Status:      model.DeltaClosed,
			Period:      in.Period,
			Scope:       c.Scope,
			SourceID:    c.SourceID,
		})
	}

	sort.Slice(fresh, func(i, j int) bool { return refLess(fresh[i].Entity.Ref(), fresh[j].Entity.Ref()) })
	for _, r := range fresh {
		maxID++
		c := model.CanonicalIdentity{ID: maxID, FirstPeriod: in.Period, Status: model.StatusActive}
		carry(&c, r, in.Period)
		identities = append(identities, c)
		delta = append(delta, model.DeltaRow{
			CanonicalID: c.ID,
			Status:      model.DeltaNew,
			Period:      in.Period,
			Scope:       c.Scope,
			SourceID:    c.SourceID,
		})
	}

	sort.Slice(identities, func(i, j int) bool { return identities[i].ID < identities[j].ID })
	sort.Slice(delta, func(i, j int) bool { return delta[i].CanonicalID < delta[j].CanonicalID })

	snap := &model.Snapshot{Period: in.Period, MaxID: maxID, Identities: identities}
	log.Info("ledger reconciled",
		zap.Int("active", len(snap.Active())),
		zap.Int("carried", len(claimed)),
		zap.Int("new", len(fresh)),
		zap.Int("closed", len(delta)-len(fresh)),
		zap.Int64("max_id", maxID),
	)
	return snap, delta, nil
}

// carry points c at the record r observed in period.
func carry(c *model.CanonicalIdentity, r Record, period int) {
	e := r.Entity
	c.LastPeriod = period
	c.Scope = e.Scope
	c.SourceID = e.ID
	c.Name = e.Name
	c.Lat = e.Lat
	c.Lon = e.Lon
	c.Located = e.Located
	c.Links = append([]model.SourceRef(nil), r.Links...)
	sort.Slice(c.Links, func(i, j int) bool { return refLess(c.Links[i], c.Links[j]) })
}

func refLess(a, b model.SourceRef) bool {
	if a.Scope != b.Scope {
		return a.Scope < b.Scope
	}
	return model.CompareIDs(a.ID, b.ID) < 0
}

// Counts summarizes a delta.
func Counts(delta []model.DeltaRow) (added, closed int) {
	for _, d := range delta {
		switch d.Status {
		case model.DeltaNew:
			added++
		case model.DeltaClosed:
			closed++
		}
	}
	return added, closed
}
