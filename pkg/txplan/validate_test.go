package txplan

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/calvinalkan/shelf/pkg/dataerr"
)

// countingTx counts InTx calls and runs fn without a database.
type countingTx struct {
	calls int
}

func (c *countingTx) InTx(ctx context.Context, _ Propagation, fn func(context.Context, Querier) error) error {
	c.calls++

	return fn(ctx, nil)
}

func one(params map[string]any) Step[any] {
	return Step[any]{
		Name:   "s",
		Params: params,
		Exec: func(context.Context, Querier, any, map[string]any) (any, error) {
			return int64(1), nil
		},
	}
}

// handleAt is the handle Add will return for the step at index, available
// before that step is added.
func handleAt(p *Plan, index int) Handle[any] {
	return Handle[any]{plan: p, index: index}
}

func Test_Execute_Rejects_Self_Reference_Without_Calling_TxManager(t *testing.T) {
	t.Parallel()

	plan := NewPlan()
	Add(plan, one(map[string]any{"ref": []any{FieldOf(handleAt(plan, 0), 0, "")}}))

	tx := &countingTx{}

	res, err := NewExecutor(tx).Execute(t.Context(), plan)
	if res != nil {
		t.Fatal("results returned on failure")
	}

	if !errors.Is(err, dataerr.ErrForwardReference) {
		t.Fatalf("err = %v, want ErrForwardReference", err)
	}

	var pErr *Error
	if !errors.As(err, &pErr) || pErr.Step != 0 || pErr.Param != "ref" {
		t.Fatalf("err = %v, want step 0 param ref", err)
	}

	if tx.calls != 0 {
		t.Fatalf("tx manager called %d times", tx.calls)
	}
}

// Plans whose references all point backwards are accepted and executed once;
// any reference to the same or a later step rejects the plan before the
// transaction manager is involved.
func Test_Execute_Accepts_Plan_Exactly_When_All_References_Point_Backwards(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(3, 5))

	for iter := range 300 {
		n := 1 + rng.IntN(6)
		plan := NewPlan()
		valid := true

		for i := range n {
			params := map[string]any{}

			if rng.IntN(3) != 0 {
				j := rng.IntN(n)
				if j >= i {
					valid = false
				}

				params["ref"] = []any{FieldOf(handleAt(plan, j), 0, "")}
			}

			Add(plan, one(params))
		}

		tx := &countingTx{}

		_, err := NewExecutor(tx).Execute(t.Context(), plan)

		if valid {
			if err != nil {
				t.Fatalf("iteration %d: err = %v", iter, err)
			}

			if tx.calls != 1 {
				t.Fatalf("iteration %d: tx calls = %d, want 1", iter, tx.calls)
			}

			continue
		}

		if !errors.Is(err, dataerr.ErrForwardReference) {
			t.Fatalf("iteration %d: err = %v, want ErrForwardReference", iter, err)
		}

		if tx.calls != 0 {
			t.Fatalf("iteration %d: tx calls = %d, want 0", iter, tx.calls)
		}
	}
}
