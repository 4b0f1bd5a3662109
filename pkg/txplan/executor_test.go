package txplan_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/shelf/pkg/dataerr"
	"github.com/calvinalkan/shelf/pkg/pgtext"
	"github.com/calvinalkan/shelf/pkg/txplan"
)

// recordingTx counts InTx calls and runs fn without a database.
type recordingTx struct {
	calls        int
	propagations []txplan.Propagation
}

func (r *recordingTx) InTx(ctx context.Context, p txplan.Propagation, fn func(context.Context, txplan.Querier) error) error {
	r.calls++
	r.propagations = append(r.propagations, p)

	return fn(ctx, nil)
}

// returning is a step that yields v without touching the database.
func returning[T any](name string, v T) txplan.Step[T] {
	return txplan.Step[T]{
		Name: name,
		Exec: func(context.Context, txplan.Querier, any, map[string]any) (T, error) {
			return v, nil
		},
	}
}

// capture is a step that records its resolved params.
func capture(name string, params map[string]any, got *map[string]any) txplan.Step[any] {
	return txplan.Step[any]{
		Name:   name,
		Params: params,
		Exec: func(_ context.Context, _ txplan.Querier, _ any, p map[string]any) (any, error) {
			*got = p

			return nil, nil
		},
	}
}

func requirePlanError(t *testing.T, err error, target error, step int) *txplan.Error {
	t.Helper()

	if !errors.Is(err, target) {
		t.Fatalf("err = %v, want %v", err, target)
	}

	var pErr *txplan.Error
	if !errors.As(err, &pErr) {
		t.Fatalf("error type = %T, want *txplan.Error", err)
	}

	if pErr.Step != step {
		t.Fatalf("step = %d, want %d (err: %v)", pErr.Step, step, err)
	}

	return pErr
}

func Test_Execute_Rejects_Unknown_Handles_Without_Calling_TxManager(t *testing.T) {
	t.Parallel()

	other := txplan.NewPlan()
	foreign := txplan.Add(other, returning("foreign", int64(1)))

	tests := []struct {
		name string
		ref  txplan.Value
	}{
		{name: "handle of another plan", ref: txplan.FieldOf(foreign, 0, "")},
		{name: "zero handle", ref: txplan.RowOf(txplan.Handle[int64]{}, 0)},
		{name: "nil handle", ref: txplan.ColumnOf(nil, "id")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			plan := txplan.NewPlan()
			txplan.Add(plan, returning("first", int64(1)))
			txplan.Add(plan, capture("second", map[string]any{"ref": tt.ref}, new(map[string]any)))

			tx := &recordingTx{}

			_, err := txplan.NewExecutor(tx).Execute(t.Context(), plan)
			requirePlanError(t, err, dataerr.ErrUnknownHandle, 1)

			if tx.calls != 0 {
				t.Fatalf("tx manager called %d times", tx.calls)
			}

			if !dataerr.IsValidation(err) {
				t.Fatal("IsValidation = false")
			}
		})
	}
}

func Test_Execute_Rejects_Transform_Without_Step_Source(t *testing.T) {
	t.Parallel()

	double := func(v any) (any, error) { return v.(int) * 2, nil }

	for _, v := range []txplan.Value{
		txplan.Transform(txplan.Lit(2), double),
		txplan.Transform(txplan.Transform(txplan.Lit(2), double), double),
		txplan.Transform(nil, double),
	} {
		plan := txplan.NewPlan()
		txplan.Add(plan, capture("only", map[string]any{"n": v}, new(map[string]any)))

		tx := &recordingTx{}

		_, err := txplan.NewExecutor(tx).Execute(t.Context(), plan)
		requirePlanError(t, err, dataerr.ErrTransformWithoutStep, 0)

		if tx.calls != 0 {
			t.Fatalf("tx manager called %d times", tx.calls)
		}
	}
}

func Test_Execute_Returns_ErrNotAList_When_Column_Read_From_Single_Row(t *testing.T) {
	t.Parallel()

	plan := txplan.NewPlan()
	one := txplan.Add(plan, returning("one", map[string]any{"id": int64(1), "name": "x"}))

	called := false
	txplan.Add(plan, txplan.Step[any]{
		Name:   "uses_column",
		Params: map[string]any{"ids": txplan.ColumnOf(one, "id")},
		Exec: func(context.Context, txplan.Querier, any, map[string]any) (any, error) {
			called = true

			return nil, nil
		},
	})

	_, err := txplan.NewExecutor(&recordingTx{}).Execute(t.Context(), plan)

	requirePlanError(t, err, dataerr.ErrNotAList, 1)

	if !strings.Contains(err.Error(), "invalid row access on non-list") {
		t.Fatalf("message = %q", err.Error())
	}

	if called {
		t.Fatal("step ran despite unresolved param")
	}
}

func Test_Execute_Returns_Distinct_Errors_When_Reference_Does_Not_Fit_Result(t *testing.T) {
	t.Parallel()

	rows := []map[string]any{{"id": int64(1), "name": "a"}, {"id": int64(2), "name": "b"}}

	tests := []struct {
		name   string
		result any
		ref    func(h txplan.Handle[any]) txplan.Value
		want   error
	}{
		{name: "row past end", result: rows, ref: func(h txplan.Handle[any]) txplan.Value { return txplan.FieldOf(h, 2, "id") }, want: dataerr.ErrRowOutOfRange},
		{name: "negative row", result: rows, ref: func(h txplan.Handle[any]) txplan.Value { return txplan.RowOf(h, -1) }, want: dataerr.ErrRowOutOfRange},
		{name: "missing column", result: rows, ref: func(h txplan.Handle[any]) txplan.Value { return txplan.FieldOf(h, 0, "title") }, want: dataerr.ErrMissingColumn},
		{name: "unnamed column of wide row", result: rows, ref: func(h txplan.Handle[any]) txplan.Value { return txplan.FieldOf(h, 0, "") }, want: dataerr.ErrMissingColumn},
		{name: "column of scalar", result: int64(3), ref: func(h txplan.Handle[any]) txplan.Value { return txplan.FieldOf(h, 0, "id") }, want: dataerr.ErrMissingColumn},
		{name: "second row of single row", result: map[string]any{"id": 1}, ref: func(h txplan.Handle[any]) txplan.Value { return txplan.FieldOf(h, 1, "id") }, want: dataerr.ErrRowOutOfRange},
		{name: "column of scalar result", result: int64(3), ref: func(h txplan.Handle[any]) txplan.Value { return txplan.ColumnOf(h, "") }, want: dataerr.ErrNotAList},
		{name: "row of scalar", result: int64(3), ref: func(h txplan.Handle[any]) txplan.Value { return txplan.RowOf(h, 0) }, want: dataerr.ErrNotAList},
		{name: "field of nil row map", result: map[string]any(nil), ref: func(h txplan.Handle[any]) txplan.Value { return txplan.FieldOf(h, 0, "id") }, want: dataerr.ErrRowOutOfRange},
		{name: "row of nil row map", result: map[string]any(nil), ref: func(h txplan.Handle[any]) txplan.Value { return txplan.RowOf(h, 0) }, want: dataerr.ErrRowOutOfRange},
		{name: "field of nil result", result: nil, ref: func(h txplan.Handle[any]) txplan.Value { return txplan.FieldOf(h, 0, "") }, want: dataerr.ErrRowOutOfRange},
		{name: "row of nil struct pointer", result: (*titleRow)(nil), ref: func(h txplan.Handle[any]) txplan.Value { return txplan.RowOf(h, 0) }, want: dataerr.ErrRowOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			plan := txplan.NewPlan()
			h := txplan.Add(plan, returning[any]("source", tt.result))
			txplan.Add(plan, capture("sink", map[string]any{"v": tt.ref(h)}, new(map[string]any)))

			_, err := txplan.NewExecutor(&recordingTx{}).Execute(t.Context(), plan)
			requirePlanError(t, err, tt.want, 1)

			if dataerr.KindOf(err) != dataerr.KindDependency {
				t.Fatalf("kind = %s", dataerr.KindOf(err))
			}
		})
	}
}

type titleRow struct {
	ID   int64
	Name string
}

func Test_Execute_Resolves_References_Against_Prior_Results(t *testing.T) {
	t.Parallel()

	plan := txplan.NewPlan()
	list := txplan.Add(plan, returning("list", []map[string]any{{"id": int64(1)}, {"id": int64(2)}}))
	structs := txplan.Add(plan, returning("structs", []titleRow{{ID: 7, Name: "Dune"}, {ID: 8, Name: "Emma"}}))
	scalar := txplan.Add(plan, returning("scalar", int64(42)))
	single := txplan.Add(plan, returning("single", &titleRow{ID: 9, Name: "Ulysses"}))

	var got map[string]any

	txplan.Add(plan, capture("sink", map[string]any{
		"ids":       txplan.ColumnOf(list, "id"),
		"array":     txplan.ColumnArray(structs, "name"),
		"scalar":    txplan.FieldOf(scalar, 0, ""),
		"struct":    txplan.FieldOf(single, 0, "name"),
		"row":       txplan.RowOf(structs, 1),
		"literal":   txplan.Lit("plain"),
		"raw":       3.5,
		"nested":    []any{txplan.FieldOf(list, 1, "id"), "x"},
		"doubled":   txplan.Transform(txplan.FieldOf(scalar, 0, ""), func(v any) (any, error) { return v.(int64) * 2, nil }),
		"transform": txplan.Transform(txplan.Transform(txplan.ColumnOf(list, "id"), lenOf), lenOf),
	}, &got))

	res, err := txplan.NewExecutor(&recordingTx{}).Execute(t.Context(), plan)
	require.NoError(t, err)

	want := map[string]any{
		"ids":       []any{int64(1), int64(2)},
		"array":     pgtext.Array{"Dune", "Emma"},
		"scalar":    int64(42),
		"struct":    "Ulysses",
		"row":       map[string]any{"id": int64(8), "name": "Emma"},
		"literal":   "plain",
		"raw":       3.5,
		"nested":    []any{int64(2), "x"},
		"doubled":   int64(84),
		"transform": 1,
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("params (-want +got):\n%s", diff)
	}

	n, err := txplan.Get(res, scalar)
	require.NoError(t, err)

	if n != 42 || res.Len() != 5 {
		t.Fatalf("Get = %d, Len = %d", n, res.Len())
	}

	if _, ok := res.Lookup(txplan.Handle[int64]{}); ok {
		t.Fatal("Lookup of zero handle succeeded")
	}
}

func lenOf(v any) (any, error) {
	switch x := v.(type) {
	case []any:
		return len(x), nil
	case int:
		return 1, nil
	default:
		return nil, errors.New("unexpected")
	}
}

func Test_Execute_Attributes_Transform_Failure_To_Origin_Step(t *testing.T) {
	t.Parallel()

	fail := func(any) (any, error) { return nil, errors.New("bad input") }
	explode := func(any) (any, error) { panic("boom") }

	for _, fn := range []func(any) (any, error){fail, explode} {
		plan := txplan.NewPlan()
		txplan.Add(plan, returning("first", int64(1)))
		src := txplan.Add(plan, returning("second", int64(2)))
		txplan.Add(plan, capture("third", map[string]any{"v": txplan.Transform(txplan.FieldOf(src, 0, ""), fn)}, new(map[string]any)))

		_, err := txplan.NewExecutor(&recordingTx{}).Execute(t.Context(), plan)

		pErr := requirePlanError(t, err, dataerr.ErrTransformFailed, 2)
		if pErr.Origin != 1 || pErr.StepName != "third" || pErr.Param != "v" {
			t.Fatalf("context = %+v", pErr)
		}
	}
}

func Test_Execute_Keeps_List_Position_When_Transform_In_List_Fails(t *testing.T) {
	t.Parallel()

	fail := func(any) (any, error) { return nil, errors.New("bad input") }

	plan := txplan.NewPlan()
	src := txplan.Add(plan, returning("source", int64(2)))
	txplan.Add(plan, capture("sink", map[string]any{
		"ids": []any{txplan.FieldOf(src, 0, ""), txplan.Transform(txplan.FieldOf(src, 0, ""), fail)},
	}, new(map[string]any)))

	_, err := txplan.NewExecutor(&recordingTx{}).Execute(t.Context(), plan)

	pErr := requirePlanError(t, err, dataerr.ErrTransformFailed, 1)
	if pErr.Origin != 0 || pErr.Param != "ids" {
		t.Fatalf("context = %+v", pErr)
	}

	if !strings.Contains(err.Error(), "index 1: transform failed: bad input") {
		t.Fatalf("message = %q", err.Error())
	}
}

func Test_Add_Copies_Nested_Params_When_Caller_Mutates_After(t *testing.T) {
	t.Parallel()

	plan := txplan.NewPlan()
	src := txplan.Add(plan, returning("source", int64(7)))

	ids := []any{txplan.FieldOf(src, 0, "")}
	opts := map[string]any{"label": "before"}

	var got map[string]any

	txplan.Add(plan, capture("sink", map[string]any{"ids": ids, "opts": opts}, &got))

	ids[0] = "mutated"
	opts["label"] = "after"

	_, err := txplan.NewExecutor(&recordingTx{}).Execute(t.Context(), plan)
	require.NoError(t, err)

	want := map[string]any{"ids": []any{int64(7)}, "opts": map[string]any{"label": "before"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("params (-want +got):\n%s", diff)
	}
}

func Test_Execute_Resolves_Pointer_Values_And_Rejects_Nil_Ones(t *testing.T) {
	t.Parallel()

	plan := txplan.NewPlan()
	src := txplan.Add(plan, returning("source", []map[string]any{{"id": int64(4)}}))

	field := txplan.FieldOf(src, 0, "id")
	row := txplan.RowOf(src, 0)

	var got map[string]any

	txplan.Add(plan, capture("sink", map[string]any{
		"id":  &field,
		"row": &row,
		"n":   &txplan.Transformed{Source: &field, Fn: func(v any) (any, error) { return v.(int64) * 2, nil }},
	}, &got))

	_, err := txplan.NewExecutor(&recordingTx{}).Execute(t.Context(), plan)
	require.NoError(t, err)

	want := map[string]any{"id": int64(4), "row": map[string]any{"id": int64(4)}, "n": int64(8)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("params (-want +got):\n%s", diff)
	}

	for _, v := range []any{(*txplan.Field)(nil), (*txplan.Row)(nil), (*txplan.Column)(nil)} {
		bad := txplan.NewPlan()
		txplan.Add(bad, returning("source", int64(1)))
		txplan.Add(bad, capture("sink", map[string]any{"v": v}, new(map[string]any)))

		tx := &recordingTx{}

		_, err := txplan.NewExecutor(tx).Execute(t.Context(), bad)
		requirePlanError(t, err, dataerr.ErrUnknownHandle, 1)

		if tx.calls != 0 {
			t.Fatalf("tx manager called %d times", tx.calls)
		}
	}
}

func Test_Execute_Recovers_When_Step_Panics(t *testing.T) {
	t.Parallel()

	plan := txplan.NewPlan()
	txplan.Add(plan, txplan.Step[int]{
		Name: "panics",
		Exec: func(context.Context, txplan.Querier, any, map[string]any) (int, error) {
			var m map[string]int
			m["x"] = 1

			return 0, nil
		},
	})

	_, err := txplan.NewExecutor(&recordingTx{}).Execute(t.Context(), plan)
	requirePlanError(t, err, txplan.ErrPanic, 0)
}

func Test_Execute_Rejects_Step_Without_Exec(t *testing.T) {
	t.Parallel()

	plan := txplan.NewPlan()
	txplan.Add(plan, txplan.Step[int]{Name: "empty"})

	tx := &recordingTx{}

	_, err := txplan.NewExecutor(tx).Execute(t.Context(), plan)
	requirePlanError(t, err, txplan.ErrNoExec, 0)

	if tx.calls != 0 {
		t.Fatal("tx manager called")
	}
}

func Test_Execute_Passes_Configured_Propagation(t *testing.T) {
	t.Parallel()

	tx := &recordingTx{}
	exec := txplan.NewExecutor(tx, txplan.WithPropagation(txplan.Nested))

	_, err := exec.Execute(t.Context(), txplan.NewPlan())
	require.NoError(t, err)

	if diff := cmp.Diff([]txplan.Propagation{txplan.Nested}, tx.propagations); diff != "" {
		t.Fatalf("propagations (-want +got):\n%s", diff)
	}
}

func Test_Get_Returns_Typed_Errors_When_Handle_Or_Type_Wrong(t *testing.T) {
	t.Parallel()

	plan := txplan.NewPlan()
	h := txplan.Add(plan, returning[any]("any", "text"))

	res, err := txplan.NewExecutor(&recordingTx{}).Execute(t.Context(), plan)
	require.NoError(t, err)

	_, err = txplan.Get(res, txplan.Handle[any]{})
	if !errors.Is(err, dataerr.ErrUnknownHandle) {
		t.Fatalf("err = %v, want ErrUnknownHandle", err)
	}

	v, err := txplan.Get(res, h)
	require.NoError(t, err)

	if v != "text" {
		t.Fatalf("v = %v", v)
	}
}

// SQLite-backed tests.

const testSchema = `
CREATE TABLE titles (id INTEGER PRIMARY KEY, name TEXT NOT NULL UNIQUE);
CREATE TABLE publications (id INTEGER PRIMARY KEY, title_id INTEGER NOT NULL REFERENCES titles(id), publisher TEXT);
`

func openDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "shelf.db")+"?_foreign_keys=on")
	require.NoError(t, err)

	db.SetMaxOpenConns(1)

	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(t.Context(), testSchema)
	require.NoError(t, err)

	return db
}

func insertTitle(name any) txplan.Step[int64] {
	return txplan.Step[int64]{
		Name:   "insert_title",
		Params: map[string]any{"name": name},
		Exec: func(ctx context.Context, q txplan.Querier, _ any, p map[string]any) (int64, error) {
			res, err := q.ExecContext(ctx, `INSERT INTO titles (name) VALUES (?)`, p["name"])
			if err != nil {
				return 0, err
			}

			return res.LastInsertId()
		},
	}
}

func insertPublication(titleID any, publisher string) txplan.Step[int64] {
	return txplan.Step[int64]{
		Name:   "insert_publication",
		Params: map[string]any{"title_id": titleID, "publisher": publisher},
		Exec: func(ctx context.Context, q txplan.Querier, _ any, p map[string]any) (int64, error) {
			res, err := q.ExecContext(ctx, `INSERT INTO publications (title_id, publisher) VALUES (?, ?)`, p["title_id"], p["publisher"])
			if err != nil {
				return 0, err
			}

			return res.LastInsertId()
		},
	}
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()

	var n int

	err := db.QueryRowContext(t.Context(), "SELECT count(*) FROM "+table).Scan(&n)
	require.NoError(t, err)

	return n
}

func Test_Execute_Feeds_Generated_Id_Forward_When_Steps_Insert(t *testing.T) {
	t.Parallel()

	db := openDB(t)
	ctx := t.Context()

	_, err := db.ExecContext(ctx, `INSERT INTO titles (name) VALUES ('offset'), ('ids')`)
	require.NoError(t, err)

	plan := txplan.NewPlan()
	title := txplan.Add(plan, insertTitle("Dune"))
	pub := txplan.Add(plan, insertPublication(txplan.FieldOf(title, 0, ""), "Chilton"))

	res, err := txplan.NewExecutor(txplan.NewSQLTxManager(db)).Execute(ctx, plan)
	require.NoError(t, err)

	titleID, err := txplan.Get(res, title)
	require.NoError(t, err)

	pubID, err := txplan.Get(res, pub)
	require.NoError(t, err)

	var stored int64

	err = db.QueryRowContext(ctx, `SELECT title_id FROM publications WHERE id = ?`, pubID).Scan(&stored)
	require.NoError(t, err)

	if titleID != 3 || stored != titleID {
		t.Fatalf("title id = %d, publication.title_id = %d", titleID, stored)
	}
}

func Test_Execute_Leaves_No_Effects_When_Later_Step_Fails(t *testing.T) {
	t.Parallel()

	db := openDB(t)

	plan := txplan.NewPlan()
	txplan.Add(plan, insertTitle("Dune"))
	txplan.Add(plan, insertTitle("Emma"))
	txplan.Add(plan, insertTitle("Dune"))

	res, err := txplan.NewExecutor(txplan.NewSQLTxManager(db)).Execute(t.Context(), plan)
	if res != nil {
		t.Fatal("results returned on failure")
	}

	var sqlErr sqlite3.Error
	if !errors.As(err, &sqlErr) || sqlErr.Code != sqlite3.ErrConstraint {
		t.Fatalf("err = %v, want constraint violation", err)
	}

	pErr := requirePlanError(t, err, sqlErr, 2)
	if pErr.StepName != "insert_title" {
		t.Fatalf("step name = %q", pErr.StepName)
	}

	if n := countRows(t, db, "titles"); n != 0 {
		t.Fatalf("titles = %d, want 0", n)
	}
}

func Test_SQLTxManager_Marks_Ambient_Rollback_Only_When_Joined_Plan_Fails(t *testing.T) {
	t.Parallel()

	db := openDB(t)
	mgr := txplan.NewSQLTxManager(db)
	exec := txplan.NewExecutor(mgr)

	err := mgr.InTx(t.Context(), txplan.Required, func(ctx context.Context, q txplan.Querier) error {
		_, execErr := q.ExecContext(ctx, `INSERT INTO titles (name) VALUES ('outer')`)
		require.NoError(t, execErr)

		plan := txplan.NewPlan()
		txplan.Add(plan, insertTitle(nil))

		_, planErr := exec.Execute(ctx, plan)
		if planErr == nil {
			t.Fatal("plan with NULL name succeeded")
		}

		if !txplan.RollbackOnly(ctx) {
			t.Fatal("ambient transaction not marked rollback-only")
		}

		return nil
	})

	if !errors.Is(err, txplan.ErrRollbackOnly) {
		t.Fatalf("err = %v, want ErrRollbackOnly", err)
	}

	if n := countRows(t, db, "titles"); n != 0 {
		t.Fatalf("titles = %d, want 0", n)
	}
}

func Test_SQLTxManager_Rolls_Back_To_Savepoint_When_Nested_Plan_Fails(t *testing.T) {
	t.Parallel()

	db := openDB(t)
	mgr := txplan.NewSQLTxManager(db)
	exec := txplan.NewExecutor(mgr, txplan.WithPropagation(txplan.Nested))

	err := mgr.InTx(t.Context(), txplan.Required, func(ctx context.Context, q txplan.Querier) error {
		_, execErr := q.ExecContext(ctx, `INSERT INTO titles (name) VALUES ('outer')`)
		require.NoError(t, execErr)

		failing := txplan.NewPlan()
		txplan.Add(failing, insertTitle("inner"))
		txplan.Add(failing, insertTitle("outer"))

		_, planErr := exec.Execute(ctx, failing)
		if planErr == nil {
			t.Fatal("duplicate insert succeeded")
		}

		ok := txplan.NewPlan()
		txplan.Add(ok, insertTitle("kept"))

		_, planErr = exec.Execute(ctx, ok)

		return planErr
	})
	require.NoError(t, err)

	var names []string

	rows, err := db.QueryContext(t.Context(), `SELECT name FROM titles ORDER BY id`)
	require.NoError(t, err)

	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))

		names = append(names, name)
	}

	require.NoError(t, rows.Err())

	if diff := cmp.Diff([]string{"outer", "kept"}, names); diff != "" {
		t.Fatalf("titles (-want +got):\n%s", diff)
	}
}

func Test_TxFrom_Returns_Ambient_Transaction_When_Attached(t *testing.T) {
	t.Parallel()

	db := openDB(t)

	tx, err := db.BeginTx(t.Context(), nil)
	require.NoError(t, err)

	defer func() { _ = tx.Rollback() }()

	if _, ok := txplan.TxFrom(t.Context()); ok {
		t.Fatal("TxFrom on bare context succeeded")
	}

	ctx := txplan.WithTx(t.Context(), tx)

	got, ok := txplan.TxFrom(ctx)
	if !ok || got != tx {
		t.Fatal("TxFrom did not return attached transaction")
	}

	plan := txplan.NewPlan()
	txplan.Add(plan, insertTitle("joined"))

	_, err = txplan.NewExecutor(txplan.NewSQLTxManager(db)).Execute(ctx, plan)
	require.NoError(t, err)

	var n int

	require.NoError(t, tx.QueryRowContext(ctx, `SELECT count(*) FROM titles`).Scan(&n))

	if n != 1 {
		t.Fatalf("titles inside tx = %d, want 1", n)
	}
}

func Test_ParsePropagation_Accepts_String_Forms(t *testing.T) {
	t.Parallel()

	for _, p := range []txplan.Propagation{txplan.Required, txplan.RequiresNew, txplan.Nested} {
		got, err := txplan.ParsePropagation(p.String())
		require.NoError(t, err)

		if got != p {
			t.Fatalf("ParsePropagation(%q) = %s", p.String(), got)
		}
	}

	_, err := txplan.ParsePropagation("sometimes")
	if err == nil {
		t.Fatal("expected error")
	}
}
