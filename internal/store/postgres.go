package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tollmap/internal/db"
	"github.com/sells-group/tollmap/internal/model"
	"github.com/sells-group/tollmap/internal/spatial"
)

// PostgresStore implements Store on Postgres with PostGIS.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres connects to connString and returns a PostgresStore.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. The caller owns the pool.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS postgis;

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	period      INTEGER NOT NULL UNIQUE,
	prev_period INTEGER NOT NULL DEFAULT 0,
	max_id      BIGINT NOT NULL,
	active      INTEGER NOT NULL DEFAULT 0,
	new         INTEGER NOT NULL DEFAULT 0,
	closed      INTEGER NOT NULL DEFAULT 0,
	conflicts   INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS identities (
	period       INTEGER NOT NULL,
	id           BIGINT NOT NULL,
	first_period INTEGER NOT NULL,
	last_period  INTEGER NOT NULL,
	status       TEXT NOT NULL,
	scope        TEXT NOT NULL,
	source_id    TEXT NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	lat          DOUBLE PRECISION NOT NULL DEFAULT 0,
	lon          DOUBLE PRECISION NOT NULL DEFAULT 0,
	located      BOOLEAN NOT NULL DEFAULT false,
	links        JSONB NOT NULL DEFAULT '[]',
	geom         geometry(Point, 4326),
	PRIMARY KEY (period, id)
);

CREATE TABLE IF NOT EXISTS mapping (
	period       INTEGER NOT NULL,
	canonical_id BIGINT NOT NULL,
	source_scope TEXT NOT NULL,
	source_id    TEXT NOT NULL,
	PRIMARY KEY (period, source_scope, source_id)
);

CREATE TABLE IF NOT EXISTS delta (
	period       INTEGER NOT NULL,
	canonical_id BIGINT NOT NULL,
	status       TEXT NOT NULL,
	source_scope TEXT NOT NULL,
	source_id    TEXT NOT NULL,
	PRIMARY KEY (period, canonical_id)
);

CREATE TABLE IF NOT EXISTS conflicts (
	period         INTEGER NOT NULL,
	scope          TEXT NOT NULL,
	spatial_key    TEXT NOT NULL,
	kept_source_id TEXT NOT NULL,
	conflicting    JSONB NOT NULL,
	first_period   INTEGER NOT NULL,
	PRIMARY KEY (period, scope, spatial_key)
);

CREATE INDEX IF NOT EXISTS idx_identities_id ON identities(id, period DESC);
CREATE INDEX IF NOT EXISTS idx_identities_geom ON identities USING GIST (geom);
CREATE INDEX IF NOT EXISTS idx_mapping_canonical ON mapping(canonical_id);
`

var (
	identityColumns = []string{"period", "id", "first_period", "last_period", "status", "scope",
		"source_id", "name", "lat", "lon", "located", "links", "geom"}
	mappingColumns  = []string{"period", "canonical_id", "source_scope", "source_id"}
	deltaColumns    = []string{"period", "canonical_id", "status", "source_scope", "source_id"}
	conflictColumns = []string{"period", "scope", "spatial_key", "kept_source_id", "conflicting", "first_period"}
)

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) SavePeriod(ctx context.Context, b *Bundle) error {
	if err := validateBundle(b); err != nil {
		return err
	}
	period := b.Snapshot.Period

	identities, err := identityRows(b.Snapshot)
	if err != nil {
		return err
	}
	conflicts, err := conflictRows(b.Conflicts)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin save")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, table := range []string{"mapping", "delta", "conflicts", "identities"} {
		if _, err := db.DeletePeriod(ctx, tx, table, period); err != nil {
			return eris.Wrap(err, "postgres: clear period")
		}
	}

	if _, err := db.BulkUpsert(ctx, tx, db.UpsertConfig{
		Table:        "identities",
		Columns:      identityColumns,
		ConflictKeys: []string{"period", "id"},
	}, identities); err != nil {
		return eris.Wrap(err, "postgres: save identities")
	}
	if _, err := db.CopyFrom(ctx, tx, "mapping", mappingColumns, mappingRows(b.Snapshot.Mapping())); err != nil {
		return eris.Wrap(err, "postgres: save mapping")
	}
	if _, err := db.CopyFrom(ctx, tx, "delta", deltaColumns, deltaRows(b.Delta)); err != nil {
		return eris.Wrap(err, "postgres: save delta")
	}
	if _, err := db.CopyFrom(ctx, tx, "conflicts", conflictColumns, conflicts); err != nil {
		return eris.Wrap(err, "postgres: save conflicts")
	}

	r := b.Run
	if _, err := tx.Exec(ctx,
		`INSERT INTO runs (id, period, prev_period, max_id, active, new, closed, conflicts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (period) DO UPDATE SET id = EXCLUDED.id, prev_period = EXCLUDED.prev_period,
			max_id = EXCLUDED.max_id, active = EXCLUDED.active, new = EXCLUDED.new,
			closed = EXCLUDED.closed, conflicts = EXCLUDED.conflicts, created_at = EXCLUDED.created_at`,
		r.ID, r.Period, r.PrevPeriod, b.Snapshot.MaxID, r.Active, r.New, r.Closed, r.Conflicts, r.CreatedAt,
	); err != nil {
		return eris.Wrap(err, "postgres: save run")
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit save")
	}

	zap.L().With(zap.String("component", "store.postgres")).Info("period saved",
		zap.Int("period", period),
		zap.Int("identities", len(identities)),
		zap.Int("delta", len(b.Delta)),
		zap.Int("conflicts", len(conflicts)),
	)
	return nil
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context, period int) (*model.Snapshot, error) {
	snap := &model.Snapshot{Period: period}
	err := s.pool.QueryRow(ctx, `SELECT max_id FROM runs WHERE period = $1`, period).Scan(&snap.MaxID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "period %d", period)
		}
		return nil, eris.Wrapf(err, "postgres: load run %d", period)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, first_period, last_period, status, scope, source_id, name, lat, lon, located, links
		FROM identities WHERE period = $1 ORDER BY id`, period)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load identities %d", period)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanIdentity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan identity")
		}
		snap.Identities = append(snap.Identities, c)
	}
	return snap, eris.Wrap(rows.Err(), "postgres: iterate identities")
}

func (s *PostgresStore) LatestBefore(ctx context.Context, period int) (*model.Snapshot, error) {
	var prev int
	err := s.pool.QueryRow(ctx,
		`SELECT period FROM runs WHERE period < $1 ORDER BY period DESC LIMIT 1`, period,
	).Scan(&prev)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: latest before %d", period)
	}
	return s.LoadSnapshot(ctx, prev)
}

func (s *PostgresStore) Identity(ctx context.Context, id int64) (*model.CanonicalIdentity, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, first_period, last_period, status, scope, source_id, name, lat, lon, located, links
		FROM identities WHERE id = $1 ORDER BY period DESC LIMIT 1`, id)
	c, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "identity %d", id)
		}
		return nil, eris.Wrapf(err, "postgres: get identity %d", id)
	}
	return &c, nil
}

func (s *PostgresStore) Mapping(ctx context.Context, period int) ([]model.MappingRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT period, canonical_id, source_scope, source_id FROM mapping
		WHERE period = $1 ORDER BY canonical_id, source_scope, source_id`, period)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query mapping")
	}
	defer rows.Close()

	var out []model.MappingRow
	for rows.Next() {
		var r model.MappingRow
		if err := rows.Scan(&r.Period, &r.CanonicalID, &r.Scope, &r.SourceID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan mapping")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate mapping")
}

func (s *PostgresStore) Delta(ctx context.Context, period int) ([]model.DeltaRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT period, canonical_id, status, source_scope, source_id FROM delta
		WHERE period = $1 ORDER BY canonical_id`, period)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query delta")
	}
	defer rows.Close()

	var out []model.DeltaRow
	for rows.Next() {
		var r model.DeltaRow
		if err := rows.Scan(&r.Period, &r.CanonicalID, &r.Status, &r.Scope, &r.SourceID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan delta")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate delta")
}

func (s *PostgresStore) Conflicts(ctx context.Context, period int) ([]model.ConflictRow, error) {
	return s.queryConflicts(ctx, `SELECT period, scope, spatial_key, kept_source_id, conflicting, first_period
		FROM conflicts WHERE period = $1 ORDER BY scope, spatial_key`, period)
}

func (s *PostgresStore) ConflictsBefore(ctx context.Context, period int) ([]model.ConflictRow, error) {
	return s.queryConflicts(ctx, `SELECT period, scope, spatial_key, kept_source_id, conflicting, first_period
		FROM conflicts WHERE period < $1 ORDER BY period, scope, spatial_key`, period)
}

func (s *PostgresStore) queryConflicts(ctx context.Context, query string, period int) ([]model.ConflictRow, error) {
	rows, err := s.pool.Query(ctx, query, period)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query conflicts")
	}
	defer rows.Close()

	var out []model.ConflictRow
	for rows.Next() {
		r, err := scanConflict(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan conflict")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate conflicts")
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, period, prev_period, active, new, closed, conflicts, created_at
		FROM runs ORDER BY period DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var out []model.Run
	for rows.Next() {
		var r model.Run
		if err := rows.Scan(&r.ID, &r.Period, &r.PrevPeriod, &r.Active, &r.New, &r.Closed, &r.Conflicts, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate runs")
}

// identityRows flattens a snapshot into COPY rows. Located identities carry
// an EWKB point; the rest a NULL geometry.
func identityRows(snap *model.Snapshot) ([][]any, error) {
	rows := make([][]any, 0, len(snap.Identities))
	for _, c := range snap.Identities {
		links, err := linksJSON(c.Links)
		if err != nil {
			return nil, err
		}
		var geom any
		if c.Located {
			wkb, err := spatial.EncodePoint(c.Lat, c.Lon)
			if err == nil {
				geom = wkb
			}
		}
		rows = append(rows, []any{
			snap.Period, c.ID, c.FirstPeriod, c.LastPeriod, string(c.Status), string(c.Scope),
			c.SourceID, c.Name, c.Lat, c.Lon, c.Located, links, geom,
		})
	}
	return rows, nil
}

func mappingRows(mapping []model.MappingRow) [][]any {
	rows := make([][]any, 0, len(mapping))
	for _, m := range mapping {
		rows = append(rows, []any{m.Period, m.CanonicalID, string(m.Scope), m.SourceID})
	}
	return rows
}

func deltaRows(delta []model.DeltaRow) [][]any {
	rows := make([][]any, 0, len(delta))
	for _, d := range delta {
		rows = append(rows, []any{d.Period, d.CanonicalID, string(d.Status), string(d.Scope), d.SourceID})
	}
	return rows
}

func conflictRows(conflicts []model.ConflictRow) ([][]any, error) {
	rows := make([][]any, 0, len(conflicts))
	for _, c := range conflicts {
		ids, err := idsJSON(c.Conflicting)
		if err != nil {
			return nil, err
		}
		rows = append(rows, []any{c.Period, string(c.Scope), c.SpatialKey, c.Kept, ids, c.FirstPeriod})
	}
	return rows, nil
}
