package sqlstep

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/calvinalkan/shelf/pkg/dataerr"
)

func Test_CompileNamed_Rewrites_Params_When_Outside_Quotes_And_Casts(t *testing.T) {
	t.Parallel()

	params := map[string]any{"id": int64(7), "name": "Dune", "tags": "x"}

	tests := []struct {
		name     string
		dialect  Dialect
		query    string
		wantSQL  string
		wantArgs []any
	}{
		{
			name:     "sqlite positional",
			dialect:  SQLite,
			query:    "SELECT * FROM titles WHERE id = :id AND name = :name",
			wantSQL:  "SELECT * FROM titles WHERE id = ? AND name = ?",
			wantArgs: []any{int64(7), "Dune"},
		},
		{
			name:     "postgres numbered",
			dialect:  Postgres,
			query:    "SELECT * FROM titles WHERE id = :id AND name = :name",
			wantSQL:  "SELECT * FROM titles WHERE id = $1 AND name = $2",
			wantArgs: []any{int64(7), "Dune"},
		},
		{
			name:     "postgres reuses repeated name",
			dialect:  Postgres,
			query:    "SELECT :id, :name, :id",
			wantSQL:  "SELECT $1, $2, $1",
			wantArgs: []any{int64(7), "Dune"},
		},
		{
			name:     "sqlite binds repeated name twice",
			dialect:  SQLite,
			query:    "SELECT :id, :id",
			wantSQL:  "SELECT ?, ?",
			wantArgs: []any{int64(7), int64(7)},
		},
		{
			name:     "casts and quoted text untouched",
			dialect:  Postgres,
			query:    `SELECT ':id', ":name", 'it''s :tags', :tags::text[]`,
			wantSQL:  `SELECT ':id', ":name", 'it''s :tags', $1::text[]`,
			wantArgs: []any{"x"},
		},
		{
			name:     "line comment untouched",
			dialect:  SQLite,
			query:    "SELECT :id -- by :name\n, 1",
			wantSQL:  "SELECT ? -- by :name\n, 1",
			wantArgs: []any{int64(7)},
		},
		{
			name:     "block comment untouched",
			dialect:  Postgres,
			query:    "SELECT 1 /* see :note */ + :id",
			wantSQL:  "SELECT 1 /* see :note */ + $1",
			wantArgs: []any{int64(7)},
		},
		{
			name:     "nested block comment untouched",
			dialect:  Postgres,
			query:    "SELECT /* a /* :inner */ :outer */ :id",
			wantSQL:  "SELECT /* a /* :inner */ :outer */ $1",
			wantArgs: []any{int64(7)},
		},
		{
			name:     "unterminated block comment runs to end",
			dialect:  SQLite,
			query:    "SELECT :id /* :rest",
			wantSQL:  "SELECT ? /* :rest",
			wantArgs: []any{int64(7)},
		},
		{
			name:     "dollar quoted body untouched",
			dialect:  Postgres,
			query:    "SELECT $$ :note $$, :id",
			wantSQL:  "SELECT $$ :note $$, $1",
			wantArgs: []any{int64(7)},
		},
		{
			name:     "tagged dollar quote untouched",
			dialect:  Postgres,
			query:    "DO $fn$ BEGIN PERFORM :note; PERFORM $$x$$; END $fn$; SELECT :name",
			wantSQL:  "DO $fn$ BEGIN PERFORM :note; PERFORM $$x$$; END $fn$; SELECT $1",
			wantArgs: []any{"Dune"},
		},
		{
			name:     "positional placeholder is not a dollar quote",
			dialect:  Postgres,
			query:    "SELECT :id, $9 || ':x'",
			wantSQL:  "SELECT $1, $9 || ':x'",
			wantArgs: []any{int64(7)},
		},
		{
			name:     "dollar inside identifier is not a quote",
			dialect:  Postgres,
			query:    "SELECT a$b$ FROM t WHERE id = :id",
			wantSQL:  "SELECT a$b$ FROM t WHERE id = $1",
			wantArgs: []any{int64(7)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			gotSQL, gotArgs, err := Builder{Dialect: tt.dialect}.compileNamed(tt.query, params)
			if err != nil {
				t.Fatalf("compileNamed: %v", err)
			}

			if gotSQL != tt.wantSQL {
				t.Fatalf("sql = %q, want %q", gotSQL, tt.wantSQL)
			}

			if diff := cmp.Diff(tt.wantArgs, gotArgs); diff != "" {
				t.Fatalf("args (-want +got):\n%s", diff)
			}
		})
	}
}

func Test_CompileNamed_Returns_ErrQuery_When_Param_Missing(t *testing.T) {
	t.Parallel()

	_, _, err := Builder{}.compileNamed("SELECT :missing", map[string]any{})
	if !errors.Is(err, dataerr.ErrQuery) {
		t.Fatalf("err = %v, want ErrQuery", err)
	}
}

func Test_InsertSQL_Quotes_Identifiers_And_Adds_Returning(t *testing.T) {
	t.Parallel()

	b := Builder{Dialect: Postgres}

	got := b.insertSQL("shelf.titles", []string{"name", "year"}, []string{"id"})
	want := `INSERT INTO "shelf"."titles" ("name", "year") VALUES ($1, $2) RETURNING "id"`

	if got != want {
		t.Fatalf("sql = %q, want %q", got, want)
	}

	got = Builder{}.insertSQL("titles", nil, []string{})
	want = `INSERT INTO "titles" DEFAULT VALUES RETURNING *`

	if got != want {
		t.Fatalf("sql = %q, want %q", got, want)
	}
}

func Test_Classify_Maps_Driver_Errors_To_Query_Sentinels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "sqlite constraint", err: sqlite3.Error{Code: sqlite3.ErrConstraint}, want: dataerr.ErrConstraint},
		{name: "sqlite cannot open", err: sqlite3.Error{Code: sqlite3.ErrCantOpen}, want: dataerr.ErrConnection},
		{name: "sqlite other", err: sqlite3.Error{Code: sqlite3.ErrError}, want: dataerr.ErrQuery},
		{name: "pg unique violation", err: &pgconn.PgError{Code: "23505"}, want: dataerr.ErrConstraint},
		{name: "pg foreign key", err: fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "23503"}), want: dataerr.ErrConstraint},
		{name: "pg connection failure", err: &pgconn.PgError{Code: "08006"}, want: dataerr.ErrConnection},
		{name: "pg syntax", err: &pgconn.PgError{Code: "42601"}, want: dataerr.ErrQuery},
		{name: "pg serialization failure", err: &pgconn.PgError{Code: "40001"}, want: dataerr.ErrConflict},
		{name: "pg deadlock", err: &pgconn.PgError{Code: "40P01"}, want: dataerr.ErrConflict},
		{name: "sqlite busy", err: sqlite3.Error{Code: sqlite3.ErrBusy}, want: dataerr.ErrConflict},
		{name: "sqlite locked", err: sqlite3.Error{Code: sqlite3.ErrLocked}, want: dataerr.ErrConflict},
		{name: "bad conn", err: driver.ErrBadConn, want: dataerr.ErrConnection},
		{name: "anything else", err: errors.New("boom"), want: dataerr.ErrQuery},
		{name: "already classified", err: fmt.Errorf("x: %w", dataerr.ErrIncompatibleType), want: dataerr.ErrIncompatibleType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := Classify(tt.err)
			if !errors.Is(got, tt.want) {
				t.Fatalf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}

			if !errors.Is(got, tt.err) {
				t.Fatal("cause not preserved")
			}
		})
	}

	if Classify(nil) != nil {
		t.Fatal("Classify(nil) != nil")
	}
}
