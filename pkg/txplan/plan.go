package txplan

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/calvinalkan/shelf/pkg/dataerr"
)

// Querier is what step logic runs statements against. Both *sql.Tx and
// *sql.DB satisfy it.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ExecFunc runs one step. params holds the resolved parameters: every
// [Value] is replaced by what it resolved to.
type ExecFunc[T any] func(ctx context.Context, q Querier, state any, params map[string]any) (T, error)

// Step is one database operation of a plan.
type Step[T any] struct {
	// Name identifies the step in errors and logs.
	Name string

	// State is opaque builder state handed back to Exec.
	State any

	// Params maps parameter names to literals or [Value]s.
	Params map[string]any

	Exec ExecFunc[T]
}

// StepHandle identifies a step's future result. Handles are comparable and
// only valid for the plan that issued them.
type StepHandle interface {
	handle() (*Plan, int)
}

// Handle is the typed handle returned by [Add].
type Handle[T any] struct {
	plan  *Plan
	index int
}

func (h Handle[T]) handle() (*Plan, int) {
	return h.plan, h.index
}

// Index returns the step's position in its plan.
func (h Handle[T]) Index() int {
	return h.index
}

func (h Handle[T]) String() string {
	return fmt.Sprintf("step#%d", h.index)
}

type planStep struct {
	name   string
	state  any
	params map[string]any
	exec   func(ctx context.Context, q Querier, state any, params map[string]any) (any, error)
}

// Plan is an ordered list of steps executed atomically by an [Executor].
// A plan is built by one goroutine; once handed to Execute it must not be
// modified.
type Plan struct {
	steps []planStep
}

// NewPlan returns an empty plan.
func NewPlan() *Plan {
	return &Plan{}
}

// Add appends s to p and returns the handle of its result.
//
// Params are copied down through every []any and map[string]any, and pointer
// Values (*Field, *Row, ...) are replaced by what they point to, so changing
// the caller's params after Add does not change the plan.
func Add[T any](p *Plan, s Step[T]) Handle[T] {
	var params map[string]any
	if s.Params != nil {
		params = copyParam(s.Params).(map[string]any)
	}

	ps := planStep{
		name:   s.Name,
		state:  s.State,
		params: params,
	}

	if s.Exec != nil {
		exec := s.Exec
		ps.exec = func(ctx context.Context, q Querier, state any, params map[string]any) (any, error) {
			return exec(ctx, q, state, params)
		}
	}

	p.steps = append(p.steps, ps)

	return Handle[T]{plan: p, index: len(p.steps) - 1}
}

func copyParam(v any) any {
	switch x := v.(type) {
	case *Literal:
		if x != nil {
			return *x
		}
	case *Field:
		if x != nil {
			return *x
		}
	case *Column:
		if x != nil {
			return *x
		}
	case *Row:
		if x != nil {
			return *x
		}
	case *Transformed:
		if x != nil {
			return copyParam(*x)
		}
	case Transformed:
		if src, ok := copyParam(x.Source).(Value); ok {
			x.Source = src
		}

		return x
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = copyParam(item)
		}

		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = copyParam(item)
		}

		return out
	}

	return v
}

// Len returns the number of steps.
func (p *Plan) Len() int {
	return len(p.steps)
}

// StepInfo describes one step for logging.
type StepInfo struct {
	Index  int
	Name   string
	Params []string
}

// Steps describes the plan's steps in order.
func (p *Plan) Steps() []StepInfo {
	out := make([]StepInfo, len(p.steps))
	for i, s := range p.steps {
		out[i] = StepInfo{Index: i, Name: s.name, Params: sortedKeys(s.params)}
	}

	return out
}

// indexOf returns the index of h if h belongs to p.
func (p *Plan) indexOf(h StepHandle) (int, bool) {
	if h == nil {
		return 0, false
	}

	owner, idx := h.handle()
	if owner != p || idx < 0 || idx >= len(p.steps) {
		return 0, false
	}

	return idx, true
}

// Results holds the outputs of an executed plan.
type Results struct {
	plan   *Plan
	values []any
}

// Len returns the number of step results.
func (r *Results) Len() int {
	return len(r.values)
}

// Lookup returns the result of h.
func (r *Results) Lookup(h StepHandle) (any, bool) {
	idx, ok := r.plan.indexOf(h)
	if !ok || idx >= len(r.values) {
		return nil, false
	}

	return r.values[idx], true
}

// Get returns the typed result of h.
func Get[T any](r *Results, h Handle[T]) (T, error) {
	var zero T

	if h.plan != r.plan {
		return zero, fmt.Errorf("%w: %s belongs to another plan", dataerr.ErrUnknownHandle, h)
	}

	if h.index < 0 || h.index >= len(r.values) {
		return zero, fmt.Errorf("%w: %s", dataerr.ErrMissingResult, h)
	}

	v := r.values[h.index]
	if v == nil {
		return zero, nil
	}

	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s holds %T", dataerr.ErrIncompatibleType, h, v)
	}

	return typed, nil
}
