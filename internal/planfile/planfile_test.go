package planfile_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/shelf/internal/collection"
	"github.com/calvinalkan/shelf/internal/dbconn"
	"github.com/calvinalkan/shelf/internal/planfile"
	"github.com/calvinalkan/shelf/pkg/dataerr"
	"github.com/calvinalkan/shelf/pkg/sqlstep"
	"github.com/calvinalkan/shelf/pkg/txplan"
	"github.com/calvinalkan/shelf/pkg/typereg"
)

const lendPlan = `{
	// Add a game and lend it out.
	"steps": [
		{"name": "game", "op": "insert", "table": "items", "returning": ["id", "title"],
		 "values": {
			"title": "Chrono Trigger",
			"kind": "game",
			"details": {"$dynamic": "game", "value": {"platform": "snes", "players": 1}},
		 }},
		{"name": "loan", "op": "insert", "table": "loans",
		 "values": {"item_id": {"$field": "game", "column": "id"}, "borrower": "sam"}},
		{"op": "update", "table": "items",
		 "set": {"status": "reading"}, "where": {"id": {"$field": "game", "row": 0, "column": "id"}}},
		{"name": "open", "op": "query",
		 "sql": "SELECT i.title, l.borrower FROM loans l JOIN items i ON i.id = l.item_id WHERE l.returned = 0 AND l.item_id = :id",
		 "params": {"id": {"$field": "game", "column": "id"}}},
	],
}`

func setup(t *testing.T) (*typereg.Registry, *txplan.Executor, sqlstep.Builder) {
	t.Helper()

	cat, err := collection.Catalog()
	require.NoError(t, err)

	reg, err := typereg.NewLoader(cat, collection.Modules(), typereg.LoaderConfig{
		Modules: []string{collection.ModuleName},
	}).Load(t.Context())
	require.NoError(t, err)

	db, err := dbconn.Open(t.Context(), "sqlite3", filepath.Join(t.TempDir(), "shelf.db"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, dbconn.Apply(t.Context(), db, collection.Schema(sqlstep.SQLite)))

	b := sqlstep.Builder{Encoder: reg, Converter: reg.Converter()}

	return reg, txplan.NewExecutor(txplan.NewSQLTxManager(db)), b
}

func Test_Compile_Runs_Document_When_References_Point_Backwards(t *testing.T) {
	t.Parallel()

	reg, exec, b := setup(t)

	doc, err := planfile.Parse([]byte(lendPlan))
	require.NoError(t, err)

	compiled, err := planfile.Compile(doc, b, reg)
	require.NoError(t, err)

	names := make([]string, 0, len(compiled.Steps))
	for _, s := range compiled.Steps {
		names = append(names, s.Name)
	}

	if diff := cmp.Diff([]string{"game", "loan", "update#2", "open"}, names); diff != "" {
		t.Fatalf("names (-want +got):\n%s", diff)
	}

	res, err := exec.Execute(t.Context(), compiled.Plan)
	require.NoError(t, err)

	open, ok := res.Lookup(compiled.Steps[3].Handle)
	if !ok {
		t.Fatal("no result for open")
	}

	rows, ok := open.([]map[string]any)
	if !ok || len(rows) != 1 {
		t.Fatalf("open = %#v", open)
	}

	if rows[0]["borrower"] != "sam" || rows[0]["title"] != "Chrono Trigger" {
		t.Fatalf("open row = %v", rows[0])
	}

	updated, _ := res.Lookup(compiled.Steps[2].Handle)
	if updated != int64(1) {
		t.Fatalf("updated = %v", updated)
	}
}

func Test_Compile_Rolls_Back_When_Second_Loan_Violates_Index(t *testing.T) {
	t.Parallel()

	reg, exec, b := setup(t)

	doc, err := planfile.Parse([]byte(`{"steps": [
		{"name": "film", "op": "insert", "table": "items", "returning": ["id"], "values": {"title": "Alien", "kind": "film"}},
		{"op": "insert", "table": "loans", "values": {"item_id": {"$field": "film", "column": "id"}, "borrower": "a"}},
		{"op": "insert", "table": "loans", "values": {"item_id": {"$field": "film", "column": "id"}, "borrower": "b"}},
	]}`))
	require.NoError(t, err)

	compiled, err := planfile.Compile(doc, b, reg)
	require.NoError(t, err)

	_, err = exec.Execute(t.Context(), compiled.Plan)
	if !errors.Is(err, dataerr.ErrConstraint) {
		t.Fatalf("err = %v, want ErrConstraint", err)
	}

	var pErr *txplan.Error
	if !errors.As(err, &pErr) || pErr.Step != 2 {
		t.Fatalf("err = %v, want step 2", err)
	}
}

func Test_Compile_Returns_Error_When_Document_Is_Inconsistent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
		want error
	}{
		{
			name: "forward reference",
			doc: `{"steps": [
				{"op": "insert", "table": "loans", "values": {"item_id": {"$field": "later", "column": "id"}}},
				{"name": "later", "op": "query", "sql": "SELECT 1 AS id"},
			]}`,
			want: dataerr.ErrForwardReference,
		},
		{
			name: "self reference",
			doc:  `{"steps": [{"name": "me", "op": "query", "sql": "SELECT :x", "params": {"x": {"$row": "me"}}}]}`,
			want: dataerr.ErrForwardReference,
		},
		{
			name: "unknown step",
			doc:  `{"steps": [{"op": "delete", "table": "items", "where": {"id": {"$column": "nope", "column": "id"}}}]}`,
			want: dataerr.ErrUnknownHandle,
		},
		{
			name: "duplicate name",
			doc:  `{"steps": [{"name": "a", "op": "query", "sql": "SELECT 1"}, {"name": "a", "op": "query", "sql": "SELECT 2"}]}`,
			want: planfile.ErrDuplicateName,
		},
		{
			name: "unknown op",
			doc:  `{"steps": [{"op": "upsert", "table": "items"}]}`,
			want: planfile.ErrUnknownOp,
		},
		{
			name: "unmapped dynamic key",
			doc:  `{"steps": [{"op": "insert", "table": "items", "values": {"details": {"$dynamic": "comic", "value": {}}}}]}`,
			want: dataerr.ErrUnmappedDynamicKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			reg, _, b := setup(t)

			doc, err := planfile.Parse([]byte(tt.doc))
			require.NoError(t, err)

			_, err = planfile.Compile(doc, b, reg)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func Test_Parse_Decodes_Integers_As_Int64(t *testing.T) {
	t.Parallel()

	doc, err := planfile.Parse([]byte(`{"steps": [{"op": "insert", "table": "t", "values": {"n": 3, "f": 1.5, "list": [1, 2]}}]}`))
	require.NoError(t, err)

	want := map[string]any{"n": int64(3), "f": 1.5, "list": []any{int64(1), int64(2)}}

	if diff := cmp.Diff(want, doc.Steps[0].Values); diff != "" {
		t.Fatalf("values (-want +got):\n%s", diff)
	}
}

func Test_Parse_Rejects_Unknown_Fields(t *testing.T) {
	t.Parallel()

	_, err := planfile.Parse([]byte(`{"steps": [{"op": "raw", "sql": "SELECT 1", "paramz": {}}]}`))
	if !errors.Is(err, planfile.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}
