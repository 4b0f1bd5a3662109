// Package sqlstep builds [txplan.Step]s for common statements.
//
// Every builder returns a step whose params may hold [txplan.Value]s, so a
// statement can consume the results of earlier steps:
//
//	b := sqlstep.Builder{Dialect: sqlstep.Postgres, Encoder: reg}
//	title := txplan.Add(plan, b.InsertOne("titles", map[string]any{"name": "Dune"}, "id"))
//	txplan.Add(plan, b.Insert("publications", map[string]any{
//	    "title_id":  txplan.FieldOf(title, 0, "id"),
//	    "publisher": "Chilton",
//	}))
//
// Resolved values pass through the Encoder before binding, and driver errors
// are classified into [dataerr.ErrConstraint], [dataerr.ErrConnection] or
// [dataerr.ErrQuery].
package sqlstep

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/calvinalkan/shelf/pkg/dataerr"
	"github.com/calvinalkan/shelf/pkg/rowconv"
	"github.com/calvinalkan/shelf/pkg/txplan"
)

// Dialect selects the placeholder syntax.
type Dialect uint8

// Supported dialects.
const (
	// SQLite binds positional "?" placeholders.
	SQLite Dialect = iota
	// Postgres binds numbered "$1" placeholders.
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}

	return "sqlite"
}

// ParseDialect maps a driver name to its dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	default:
		return 0, fmt.Errorf("unsupported driver %q (valid: sqlite3, pgx)", driver)
	}
}

func (d Dialect) placeholder(n int) string {
	if d == Postgres {
		return "$" + strconv.Itoa(n)
	}

	return "?"
}

// Encoder turns a resolved param into a driver value. *typereg.Registry
// implements it.
type Encoder interface {
	Encode(v any) (any, error)
}

// Builder creates steps. The zero value builds SQLite statements and binds
// values unchanged.
type Builder struct {
	Dialect Dialect

	// Encoder, if set, converts every bound value.
	Encoder Encoder

	// Converter reads and writes structs for [QueryInto] and [InsertObject].
	// Default: [rowconv.New].
	Converter *rowconv.Converter
}

func (b Builder) converter() *rowconv.Converter {
	if b.Converter != nil {
		return b.Converter
	}

	return rowconv.New()
}

// Where-clause and set-clause params are stored under prefixed names so one
// column can appear in both.
const (
	setPrefix   = "set."
	wherePrefix = "where."
)

// Insert inserts one row and returns the number of affected rows.
func (b Builder) Insert(table string, values map[string]any) txplan.Step[int64] {
	cols := sortedKeys(values)

	return txplan.Step[int64]{
		Name:   "insert_" + table,
		Params: values,
		Exec: func(ctx context.Context, q txplan.Querier, _ any, params map[string]any) (int64, error) {
			query := b.insertSQL(table, cols, nil)

			args, err := b.bind(params, cols)
			if err != nil {
				return 0, err
			}

			return execAffected(ctx, q, query, args)
		},
	}
}

// InsertReturning inserts one row and returns the returning columns as a
// single-element row list. With no columns every column is returned.
func (b Builder) InsertReturning(table string, values map[string]any, returning ...string) txplan.Step[[]map[string]any] {
	cols := sortedKeys(values)

	if returning == nil {
		returning = []string{}
	}

	return txplan.Step[[]map[string]any]{
		Name:   "insert_" + table,
		Params: values,
		Exec: func(ctx context.Context, q txplan.Querier, _ any, params map[string]any) ([]map[string]any, error) {
			query := b.insertSQL(table, cols, returning)

			args, err := b.bind(params, cols)
			if err != nil {
				return nil, err
			}

			return queryRows(ctx, q, query, args)
		},
	}
}

// InsertOne is [Builder.InsertReturning] yielding the inserted row itself.
func (b Builder) InsertOne(table string, values map[string]any, returning ...string) txplan.Step[map[string]any] {
	inner := b.InsertReturning(table, values, returning...)

	return txplan.Step[map[string]any]{
		Name:   inner.Name,
		Params: inner.Params,
		Exec: func(ctx context.Context, q txplan.Querier, state any, params map[string]any) (map[string]any, error) {
			rows, err := inner.Exec(ctx, q, state, params)
			if err != nil {
				return nil, err
			}

			return first(rows), nil
		},
	}
}

// InsertObject inserts the mapped fields of v, skipping exclude keys (for
// example a generated id), and returns the returning columns.
func InsertObject[T any](b Builder, table string, v T, returning []string, exclude ...string) (txplan.Step[map[string]any], error) {
	row, err := rowconv.ObjectToRow(b.converter(), v, exclude...)
	if err != nil {
		return txplan.Step[map[string]any]{}, err
	}

	return b.InsertOne(table, row, returning...), nil
}

// Update sets the set columns on rows matching every where column and
// returns the number of affected rows.
func (b Builder) Update(table string, set, where map[string]any) txplan.Step[int64] {
	setCols, whereCols := sortedKeys(set), sortedKeys(where)
	params := prefixed(setPrefix, set)

	for k, v := range prefixed(wherePrefix, where) {
		params[k] = v
	}

	return txplan.Step[int64]{
		Name:   "update_" + table,
		Params: params,
		Exec: func(ctx context.Context, q txplan.Querier, _ any, params map[string]any) (int64, error) {
			buf := new(bytes.Buffer)
			buf.WriteString("UPDATE ")
			buf.WriteString(quoteIdent(table))
			buf.WriteString(" SET ")

			keys := make([]string, 0, len(setCols)+len(whereCols))

			for i, c := range setCols {
				if i > 0 {
					buf.WriteString(", ")
				}

				keys = append(keys, setPrefix+c)
				buf.WriteString(quoteIdent(c))
				buf.WriteString(" = ")
				buf.WriteString(b.Dialect.placeholder(len(keys)))
			}

			keys = b.writeWhere(buf, whereCols, keys)

			args, err := b.bind(params, keys)
			if err != nil {
				return 0, err
			}

			return execAffected(ctx, q, buf.String(), args)
		},
	}
}

// Delete removes rows matching every where column and returns the number
// of affected rows. An empty where deletes every row.
func (b Builder) Delete(table string, where map[string]any) txplan.Step[int64] {
	whereCols := sortedKeys(where)

	return txplan.Step[int64]{
		Name:   "delete_" + table,
		Params: prefixed(wherePrefix, where),
		Exec: func(ctx context.Context, q txplan.Querier, _ any, params map[string]any) (int64, error) {
			buf := new(bytes.Buffer)
			buf.WriteString("DELETE FROM ")
			buf.WriteString(quoteIdent(table))

			keys := b.writeWhere(buf, whereCols, nil)

			args, err := b.bind(params, keys)
			if err != nil {
				return 0, err
			}

			return execAffected(ctx, q, buf.String(), args)
		},
	}
}

func (b Builder) writeWhere(buf *bytes.Buffer, cols []string, keys []string) []string {
	for i, c := range cols {
		if i == 0 {
			buf.WriteString(" WHERE ")
		} else {
			buf.WriteString(" AND ")
		}

		keys = append(keys, wherePrefix+c)
		buf.WriteString(quoteIdent(c))
		buf.WriteString(" = ")
		buf.WriteString(b.Dialect.placeholder(len(keys)))
	}

	return keys
}

// Raw runs a statement with ":name" params and returns the number of
// affected rows.
func (b Builder) Raw(query string, params map[string]any) txplan.Step[int64] {
	return txplan.Step[int64]{
		Name:   "raw",
		Params: params,
		Exec: func(ctx context.Context, q txplan.Querier, _ any, params map[string]any) (int64, error) {
			stmt, args, err := b.compileNamed(query, params)
			if err != nil {
				return 0, err
			}

			return execAffected(ctx, q, stmt, args)
		},
	}
}

// Query runs a statement with ":name" params and returns every row.
func (b Builder) Query(query string, params map[string]any) txplan.Step[[]map[string]any] {
	return txplan.Step[[]map[string]any]{
		Name:   "query",
		Params: params,
		Exec: func(ctx context.Context, q txplan.Querier, _ any, params map[string]any) ([]map[string]any, error) {
			stmt, args, err := b.compileNamed(query, params)
			if err != nil {
				return nil, err
			}

			return queryRows(ctx, q, stmt, args)
		},
	}
}

// QueryOne is [Builder.Query] yielding the first row, or nil when there is
// none.
func (b Builder) QueryOne(query string, params map[string]any) txplan.Step[map[string]any] {
	inner := b.Query(query, params)

	return txplan.Step[map[string]any]{
		Name:   inner.Name,
		Params: inner.Params,
		Exec: func(ctx context.Context, q txplan.Querier, state any, params map[string]any) (map[string]any, error) {
			rows, err := inner.Exec(ctx, q, state, params)
			if err != nil {
				return nil, err
			}

			return first(rows), nil
		},
	}
}

// Scalar runs a statement and returns the first column of the first row, or
// nil when there is no row.
func (b Builder) Scalar(query string, params map[string]any) txplan.Step[any] {
	return txplan.Step[any]{
		Name:   "scalar",
		Params: params,
		Exec: func(ctx context.Context, q txplan.Querier, _ any, params map[string]any) (any, error) {
			stmt, args, err := b.compileNamed(query, params)
			if err != nil {
				return nil, err
			}

			return queryScalar(ctx, q, stmt, args)
		},
	}
}

// QueryInto runs a statement and converts every row into a T.
func QueryInto[T any](b Builder, query string, params map[string]any) txplan.Step[[]T] {
	inner := b.Query(query, params)
	conv := b.converter()

	return txplan.Step[[]T]{
		Name:   inner.Name,
		Params: inner.Params,
		Exec: func(ctx context.Context, q txplan.Querier, state any, params map[string]any) ([]T, error) {
			rows, err := inner.Exec(ctx, q, state, params)
			if err != nil {
				return nil, err
			}

			out := make([]T, 0, len(rows))

			for _, row := range rows {
				v, convErr := rowconv.RowToObject[T](conv, row)
				if convErr != nil {
					return nil, convErr
				}

				out = append(out, v)
			}

			return out, nil
		},
	}
}

func (b Builder) insertSQL(table string, cols, returning []string) string {
	buf := new(bytes.Buffer)
	buf.WriteString("INSERT INTO ")
	buf.WriteString(quoteIdent(table))

	if len(cols) == 0 {
		buf.WriteString(" DEFAULT VALUES")
	} else {
		buf.WriteString(" (")

		for i, c := range cols {
			if i > 0 {
				buf.WriteString(", ")
			}

			buf.WriteString(quoteIdent(c))
		}

		buf.WriteString(") VALUES (")

		for i := range cols {
			if i > 0 {
				buf.WriteString(", ")
			}

			buf.WriteString(b.Dialect.placeholder(i + 1))
		}

		buf.WriteByte(')')
	}

	if returning != nil {
		buf.WriteString(" RETURNING ")

		if len(returning) == 0 {
			buf.WriteByte('*')
		}

		for i, c := range returning {
			if i > 0 {
				buf.WriteString(", ")
			}

			buf.WriteString(quoteIdent(c))
		}
	}

	return buf.String()
}

// bind encodes params in keys order.
func (b Builder) bind(params map[string]any, keys []string) ([]any, error) {
	args := make([]any, len(keys))

	for i, k := range keys {
		v, ok := params[k]
		if !ok {
			return nil, fmt.Errorf("%w: missing param %q", dataerr.ErrQuery, k)
		}

		if b.Encoder != nil {
			encoded, err := b.Encoder.Encode(v)
			if err != nil {
				return nil, fmt.Errorf("param %s: %w", k, err)
			}

			v = encoded
		}

		args[i] = v
	}

	return args, nil
}

// quoteIdent double-quotes each dot-separated part of name.
func quoteIdent(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}

	return strings.Join(parts, ".")
}

func prefixed(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[prefix+k] = v
	}

	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}

func first(rows []map[string]any) map[string]any {
	if len(rows) == 0 {
		return nil
	}

	return rows[0]
}
