package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/tollmap/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Geometry is kept
// as plain lat/lon columns.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	period      INTEGER NOT NULL UNIQUE,
	prev_period INTEGER NOT NULL DEFAULT 0,
	max_id      INTEGER NOT NULL,
	active      INTEGER NOT NULL DEFAULT 0,
	new         INTEGER NOT NULL DEFAULT 0,
	closed      INTEGER NOT NULL DEFAULT 0,
	conflicts   INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS identities (
	period       INTEGER NOT NULL,
	id           INTEGER NOT NULL,
	first_period INTEGER NOT NULL,
	last_period  INTEGER NOT NULL,
	status       TEXT NOT NULL,
	scope        TEXT NOT NULL,
	source_id    TEXT NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	lat          REAL NOT NULL DEFAULT 0,
	lon          REAL NOT NULL DEFAULT 0,
	located      BOOLEAN NOT NULL DEFAULT 0,
	links        TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (period, id)
);

CREATE TABLE IF NOT EXISTS mapping (
	period       INTEGER NOT NULL,
	canonical_id INTEGER NOT NULL,
	source_scope TEXT NOT NULL,
	source_id    TEXT NOT NULL,
	PRIMARY KEY (period, source_scope, source_id)
);

CREATE TABLE IF NOT EXISTS delta (
	period       INTEGER NOT NULL,
	canonical_id INTEGER NOT NULL,
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
	conflicting    TEXT NOT NULL,
	first_period   INTEGER NOT NULL,
	PRIMARY KEY (period, scope, spatial_key)
);

CREATE INDEX IF NOT EXISTS idx_identities_id ON identities(id, period);
CREATE INDEX IF NOT EXISTS idx_mapping_canonical ON mapping(canonical_id);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SavePeriod(ctx context.Context, b *Bundle) error {
	if err := validateBundle(b); err != nil {
		return err
	}
	period := b.Snapshot.Period

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, table := range []string{"mapping", "delta", "conflicts", "identities"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE period = ?", period); err != nil {
			return eris.Wrapf(err, "sqlite: clear %s for period %d", table, period)
		}
	}

	for _, c := range b.Snapshot.Identities {
		links, err := linksJSON(c.Links)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO identities (period, id, first_period, last_period, status, scope, source_id, name, lat, lon, located, links)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			period, c.ID, c.FirstPeriod, c.LastPeriod, string(c.Status), string(c.Scope),
			c.SourceID, c.Name, c.Lat, c.Lon, c.Located, string(links),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert identity %d", c.ID)
		}
	}

	for _, m := range b.Snapshot.Mapping() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO mapping (period, canonical_id, source_scope, source_id) VALUES (?, ?, ?, ?)`,
			m.Period, m.CanonicalID, string(m.Scope), m.SourceID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert mapping %d", m.CanonicalID)
		}
	}

	for _, d := range b.Delta {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO delta (period, canonical_id, status, source_scope, source_id) VALUES (?, ?, ?, ?, ?)`,
			d.Period, d.CanonicalID, string(d.Status), string(d.Scope), d.SourceID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert delta %d", d.CanonicalID)
		}
	}

	for _, c := range b.Conflicts {
		ids, err := idsJSON(c.Conflicting)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conflicts (period, scope, spatial_key, kept_source_id, conflicting, first_period) VALUES (?, ?, ?, ?, ?, ?)`,
			c.Period, string(c.Scope), c.SpatialKey, c.Kept, string(ids), c.FirstPeriod,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert conflict %s", c.SpatialKey)
		}
	}

	r := b.Run
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, period, prev_period, max_id, active, new, closed, conflicts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (period) DO UPDATE SET id = excluded.id, prev_period = excluded.prev_period,
			max_id = excluded.max_id, active = excluded.active, new = excluded.new,
			closed = excluded.closed, conflicts = excluded.conflicts, created_at = excluded.created_at`,
		r.ID, r.Period, r.PrevPeriod, b.Snapshot.MaxID, r.Active, r.New, r.Closed, r.Conflicts, r.CreatedAt.UTC(),
	); err != nil {
		return eris.Wrap(err, "sqlite: save run")
	}

	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit save")
	}

	zap.L().With(zap.String("component", "store.sqlite")).Info("period saved",
		zap.Int("period", period),
		zap.Int("identities", len(b.Snapshot.Identities)),
		zap.Int("delta", len(b.Delta)),
		zap.Int("conflicts", len(b.Conflicts)),
	)
	return nil
}

func (s *SQLiteStore) LoadSnapshot(ctx context.Context, period int) (*model.Snapshot, error) {
	snap := &model.Snapshot{Period: period}
	err := s.db.QueryRowContext(ctx, `SELECT max_id FROM runs WHERE period = ?`, period).Scan(&snap.MaxID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "period %d", period)
		}
		return nil, eris.Wrapf(err, "sqlite: load run %d", period)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, first_period, last_period, status, scope, source_id, name, lat, lon, located, links
		FROM identities WHERE period = ? ORDER BY id`, period)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load identities %d", period)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanIdentity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan identity")
		}
		snap.Identities = append(snap.Identities, c)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate identities")
	}
	return snap, nil
}

func (s *SQLiteStore) LatestBefore(ctx context.Context, period int) (*model.Snapshot, error) {
	var prev int
	err := s.db.QueryRowContext(ctx,
		`SELECT period FROM runs WHERE period < ? ORDER BY period DESC LIMIT 1`, period,
	).Scan(&prev)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: latest before %d", period)
	}
	return s.LoadSnapshot(ctx, prev)
}

func (s *SQLiteStore) Identity(ctx context.Context, id int64) (*model.CanonicalIdentity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, first_period, last_period, status, scope, source_id, name, lat, lon, located, links
		FROM identities WHERE id = ? ORDER BY period DESC LIMIT 1`, id)
	c, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "identity %d", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get identity %d", id)
	}
	return &c, nil
}

func (s *SQLiteStore) Mapping(ctx context.Context, period int) ([]model.MappingRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT period, canonical_id, source_scope, source_id FROM mapping
		WHERE period = ? ORDER BY canonical_id, source_scope, source_id`, period)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query mapping")
	}
	defer rows.Close()

	var out []model.MappingRow
	for rows.Next() {
		var r model.MappingRow
		if err := rows.Scan(&r.Period, &r.CanonicalID, &r.Scope, &r.SourceID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan mapping")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate mapping")
}

func (s *SQLiteStore) Delta(ctx context.Context, period int) ([]model.DeltaRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT period, canonical_id, status, source_scope, source_id FROM delta
		WHERE period = ? ORDER BY canonical_id`, period)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query delta")
	}
	defer rows.Close()

	var out []model.DeltaRow
	for rows.Next() {
		var r model.DeltaRow
		if err := rows.Scan(&r.Period, &r.CanonicalID, &r.Status, &r.Scope, &r.SourceID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan delta")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate delta")
}

func (s *SQLiteStore) Conflicts(ctx context.Context, period int) ([]model.ConflictRow, error) {
	return s.queryConflicts(ctx, `SELECT period, scope, spatial_key, kept_source_id, conflicting, first_period
		FROM conflicts WHERE period = ? ORDER BY scope, spatial_key`, period)
}

func (s *SQLiteStore) ConflictsBefore(ctx context.Context, period int) ([]model.ConflictRow, error) {
	return s.queryConflicts(ctx, `SELECT period, scope, spatial_key, kept_source_id, conflicting, first_period
		FROM conflicts WHERE period < ? ORDER BY period, scope, spatial_key`, period)
}

func (s *SQLiteStore) queryConflicts(ctx context.Context, query string, period int) ([]model.ConflictRow, error) {
	rows, err := s.db.QueryContext(ctx, query, period)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query conflicts")
	}
	defer rows.Close()

	var out []model.ConflictRow
	for rows.Next() {
		r, err := scanConflict(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan conflict")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate conflicts")
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, period, prev_period, active, new, closed, conflicts, created_at
		FROM runs ORDER BY period DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var out []model.Run
	for rows.Next() {
		var r model.Run
		if err := rows.Scan(&r.ID, &r.Period, &r.PrevPeriod, &r.Active, &r.New, &r.Closed, &r.Conflicts, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}
