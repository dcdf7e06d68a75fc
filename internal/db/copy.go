package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// CopyFrom bulk-inserts rows with the COPY protocol. table may be
// schema-qualified ("tollmap.mapping").
func CopyFrom(ctx context.Context, q Querier, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	n, err := q.CopyFrom(ctx, identifier(table), columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: COPY INTO %s", table)
	}
	return n, nil
}

// DeletePeriod removes every row of table belonging to period.
func DeletePeriod(ctx context.Context, q Querier, table string, period int) (int64, error) {
	tag, err := q.Exec(ctx, "DELETE FROM "+identifier(table).Sanitize()+" WHERE period = $1", period)
	if err != nil {
		return 0, eris.Wrapf(err, "db: delete period %d from %s", period, table)
	}
	return tag.RowsAffected(), nil
}
