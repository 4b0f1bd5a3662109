package sqlstep

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/calvinalkan/shelf/pkg/dataerr"
	"github.com/calvinalkan/shelf/pkg/txplan"
)

func execAffected(ctx context.Context, q txplan.Querier, query string, args []any) (int64, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, Classify(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, Classify(err)
	}

	return n, nil
}

// queryRows reads every row into a map keyed by column name.
func queryRows(ctx context.Context, q txplan.Querier, query string, args []any) ([]map[string]any, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Classify(err)
	}

	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, Classify(err)
	}

	out := []map[string]any{}

	for rows.Next() {
		dest := make([]any, len(cols))
		ptrs := make([]any, len(cols))

		for i := range dest {
			ptrs[i] = &dest[i]
		}

		err = rows.Scan(ptrs...)
		if err != nil {
			return nil, Classify(err)
		}

		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = dest[i]
		}

		out = append(out, row)
	}

	err = rows.Err()
	if err != nil {
		return nil, Classify(err)
	}

	return out, nil
}

func queryScalar(ctx context.Context, q txplan.Querier, query string, args []any) (any, error) {
	rows, err := queryRows(ctx, q, query, args)
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return nil, nil
	}

	if len(rows[0]) != 1 {
		return nil, fmt.Errorf("%w: scalar query returned %d columns", dataerr.ErrQuery, len(rows[0]))
	}

	for _, v := range rows[0] {
		return v, nil
	}

	return nil, nil
}

// Classify wraps a driver error with the matching query sentinel. Errors
// that already carry a [dataerr] kind are returned unchanged.
func Classify(err error) error {
	if err == nil || dataerr.KindOf(err) != dataerr.KindUnknown {
		return err
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrConstraint:
			return fmt.Errorf("%w: %w", dataerr.ErrConstraint, err)
		case sqlite3.ErrCantOpen, sqlite3.ErrNotADB:
			return fmt.Errorf("%w: %w", dataerr.ErrConnection, err)
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %w", dataerr.ErrConflict, err)
		}

		return fmt.Errorf("%w: %w", dataerr.ErrQuery, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23":
			return fmt.Errorf("%w: %w", dataerr.ErrConstraint, err)
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08":
			return fmt.Errorf("%w: %w", dataerr.ErrConnection, err)
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return fmt.Errorf("%w: %w", dataerr.ErrConflict, err)
		}

		return fmt.Errorf("%w: %w", dataerr.ErrQuery, err)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %w", dataerr.ErrConnection, err)
	}

	return fmt.Errorf("%w: %w", dataerr.ErrQuery, err)
}
