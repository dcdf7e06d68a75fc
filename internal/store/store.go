package store

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tollmap/internal/model"
)

// ErrNotFound is returned when a period or identity has no stored rows.
var ErrNotFound = eris.New("store: not found")

// Bundle is everything one reconciliation run persists for its period.
type Bundle struct {
	Run       model.Run
	Snapshot  *model.Snapshot
	Delta     []model.DeltaRow
	Conflicts []model.ConflictRow
}

// Store persists ledger snapshots and their mapping, delta and conflict tables.
type Store interface {
	// SavePeriod atomically replaces everything stored for the bundle's period.
	SavePeriod(ctx context.Context, b *Bundle) error

	// Snapshots
	LoadSnapshot(ctx context.Context, period int) (*model.Snapshot, error)
	// LatestBefore returns the newest snapshot strictly before period, or nil.
	LatestBefore(ctx context.Context, period int) (*model.Snapshot, error)
	Identity(ctx context.Context, id int64) (*model.CanonicalIdentity, error)

	// Tables
	Mapping(ctx context.Context, period int) ([]model.MappingRow, error)
	Delta(ctx context.Context, period int) ([]model.DeltaRow, error)
	Conflicts(ctx context.Context, period int) ([]model.ConflictRow, error)
	ConflictsBefore(ctx context.Context, period int) ([]model.ConflictRow, error)

	// Runs
	ListRuns(ctx context.Context, limit int) ([]model.Run, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// scanner is implemented by pgx.Row(s) and *sql.Row(s).
type scanner interface {
	Scan(dest ...any) error
}

func validateBundle(b *Bundle) error {
	if b == nil || b.Snapshot == nil {
		return eris.New("store: bundle without snapshot")
	}
	if b.Run.Period != b.Snapshot.Period {
		return eris.Errorf("store: run period %d does not match snapshot period %d", b.Run.Period, b.Snapshot.Period)
	}
	return nil
}

func scanIdentity(sc scanner) (model.CanonicalIdentity, error) {
	var c model.CanonicalIdentity
	var links []byte
	if err := sc.Scan(&c.ID, &c.FirstPeriod, &c.LastPeriod, &c.Status, &c.Scope, &c.SourceID,
		&c.Name, &c.Lat, &c.Lon, &c.Located, &links); err != nil {
		return c, err
	}
	if len(links) > 0 {
		if err := json.Unmarshal(links, &c.Links); err != nil {
			return c, eris.Wrap(err, "store: unmarshal links")
		}
	}
	if len(c.Links) == 0 {
		c.Links = nil
	}
	return c, nil
}

func scanConflict(sc scanner) (model.ConflictRow, error) {
	var r model.ConflictRow
	var ids []byte
	if err := sc.Scan(&r.Period, &r.Scope, &r.SpatialKey, &r.Kept, &ids, &r.FirstPeriod); err != nil {
		return r, err
	}
	if err := json.Unmarshal(ids, &r.Conflicting); err != nil {
		return r, eris.Wrap(err, "store: unmarshal conflicting ids")
	}
	return r, nil
}

func linksJSON(links []model.SourceRef) ([]byte, error) {
	if links == nil {
		links = []model.SourceRef{}
	}
	data, err := json.Marshal(links)
	return data, eris.Wrap(err, "store: marshal links")
}

func idsJSON(ids []string) ([]byte, error) {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	return data, eris.Wrap(err, "store: marshal conflicting ids")
}
