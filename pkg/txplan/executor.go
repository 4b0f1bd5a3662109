// Package txplan executes ordered plans of database steps atomically.
//
// A [Plan] is built with [Add], which returns a typed [Handle] for each
// step's future result. Later steps reference earlier results through
// [Value]s ([FieldOf], [ColumnOf], [RowOf], [Transform]) placed in their
// params. [Executor.Execute] first validates that every reference points to
// an earlier step of the same plan, without touching the database, then runs
// all steps in order inside one transaction:
//
//	plan := txplan.NewPlan()
//	title := txplan.Add(plan, b.InsertOne("titles", map[string]any{"name": "Dune"}, "id"))
//	txplan.Add(plan, b.Insert("publications", map[string]any{
//	    "title_id": txplan.FieldOf(title, 0, "id"),
//	}))
//	res, err := exec.Execute(ctx, plan)
//
// Execute never panics. On failure it returns a *[Error] naming the step;
// the transaction is rolled back and no results are returned.
package txplan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/calvinalkan/shelf/pkg/dataerr"
	"github.com/calvinalkan/shelf/pkg/rowconv"
)

// Executor runs plans. Safe for concurrent use; each Execute call owns its
// own transaction and results.
type Executor struct {
	tx          TxManager
	propagation Propagation
	logger      *zap.Logger
	conv        *rowconv.Converter
}

// Option configures an [Executor].
type Option func(*Executor)

// WithPropagation sets how plans relate to an ambient transaction.
// Default: [Required].
func WithPropagation(p Propagation) Option {
	return func(e *Executor) { e.propagation = p }
}

// WithLogger sets the logger. Default: no-op.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithConverter sets the converter used to read struct results when later
// steps reference them. Default: [rowconv.New].
func WithConverter(c *rowconv.Converter) Option {
	return func(e *Executor) { e.conv = c }
}

// NewExecutor returns an executor running plans through tx.
func NewExecutor(tx TxManager, opts ...Option) *Executor {
	e := &Executor{tx: tx, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}

	if e.conv == nil {
		e.conv = rowconv.New()
	}

	return e
}

// Execute validates plan and runs it in one transaction.
//
// Exactly one of the returned values is non-nil. The error is always an
// *[Error]; match the condition with [errors.Is] against the [dataerr]
// sentinels. Validation failures ([dataerr.ErrUnknownHandle],
// [dataerr.ErrForwardReference], [dataerr.ErrTransformWithoutStep]) are
// returned before the transaction manager is called.
func (e *Executor) Execute(ctx context.Context, plan *Plan) (res *Results, err error) {
	if plan == nil {
		return nil, &Error{Step: -1, Origin: -1, Err: errors.New("nil plan")}
	}

	log := e.logger.With(zap.String("plan_id", newPlanID()), zap.Int("steps", plan.Len()))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = &Error{Step: -1, Origin: -1, Err: fmt.Errorf("%w: %v", ErrPanic, r)}
		}

		if err != nil {
			log.Warn("plan failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		}
	}()

	err = plan.validate()
	if err != nil {
		return nil, err
	}

	state := &run{plan: plan, conv: e.conv, values: make([]any, plan.Len()), views: make([]*view, plan.Len())}

	err = e.tx.InTx(ctx, e.propagation, func(ctx context.Context, q Querier) error {
		for i := range plan.steps {
			stepErr := state.step(ctx, q, i)
			if stepErr != nil {
				return stepErr
			}

			log.Debug("step done", zap.Int("step", i), zap.String("step_name", plan.steps[i].name))
		}

		return nil
	})
	if err != nil {
		return nil, withStep(err, -1, "")
	}

	log.Debug("plan committed", zap.Duration("elapsed", time.Since(start)))

	return &Results{plan: plan, values: state.values}, nil
}

func newPlanID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}

// run is the in-flight state of one Execute call.
type run struct {
	plan   *Plan
	conv   *rowconv.Converter
	values []any
	views  []*view
}

func (r *run) step(ctx context.Context, q Querier, i int) error {
	s := &r.plan.steps[i]

	params := make(map[string]any, len(s.params))

	for _, name := range sortedKeys(s.params) {
		v, err := r.resolve(s.params[name])
		if err != nil {
			return paramError(err, i, s.name, name)
		}

		params[name] = v
	}

	result, err := callStep(ctx, q, s, params)
	if err != nil {
		return &Error{Step: i, StepName: s.name, Origin: -1, Err: err}
	}

	r.values[i] = result

	return nil
}

func paramError(err error, step int, name, param string) error {
	origin := -1

	var te *transformError
	if errors.As(err, &te) {
		origin = te.origin
	}

	return &Error{Step: step, StepName: name, Param: param, Origin: origin, Err: err}
}

// transformError carries the step a failed transform read from while the
// failure travels up through nested params.
type transformError struct {
	origin int
	err    error
}

func (e *transformError) Error() string { return e.err.Error() }

func (e *transformError) Unwrap() error { return e.err }

func callStep(ctx context.Context, q Querier, s *planStep, params map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	return s.exec(ctx, q, s.state, params)
}

// resolve replaces every Value inside v with what it refers to.
func (r *run) resolve(v any) (any, error) {
	switch x := v.(type) {
	case Literal:
		return x.V, nil
	case Field:
		vw, err := r.view(x.From)
		if err != nil {
			return nil, err
		}

		return vw.field(x.Row, x.Column)
	case Column:
		vw, err := r.view(x.From)
		if err != nil {
			return nil, err
		}

		return vw.column(x.Name, x.AsArray)
	case Row:
		vw, err := r.view(x.From)
		if err != nil {
			return nil, err
		}

		return vw.row(x.Index)
	case Transformed:
		return r.transform(x)
	case []any:
		out := make([]any, len(x))

		for i, item := range x {
			resolved, err := r.resolve(item)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}

			out[i] = resolved
		}

		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))

		for _, k := range sortedKeys(x) {
			resolved, err := r.resolve(x[k])
			if err != nil {
				return nil, fmt.Errorf("key %s: %w", k, err)
			}

			out[k] = resolved
		}

		return out, nil
	default:
		return v, nil
	}
}

func (r *run) transform(t Transformed) (any, error) {
	origin := -1
	if h, ok := t.Origin(); ok {
		origin, _ = r.plan.indexOf(h)
	}

	in, err := r.resolve(t.Source)
	if err != nil {
		return nil, err
	}

	out, err := applyTransform(t.Fn, in)
	if err != nil {
		return nil, &transformError{origin: origin, err: fmt.Errorf("%w: %w", dataerr.ErrTransformFailed, err)}
	}

	return out, nil
}

func applyTransform(fn func(any) (any, error), in any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	return fn(in)
}

// view returns the normalized result of h, computing it on first use.
func (r *run) view(h StepHandle) (*view, error) {
	idx, ok := r.plan.indexOf(h)
	if !ok {
		return nil, fmt.Errorf("%w: %v", dataerr.ErrUnknownHandle, h)
	}

	if r.views[idx] != nil {
		return r.views[idx], nil
	}

	v, err := normalize(r.values[idx], r.conv)
	if err != nil {
		return nil, fmt.Errorf("%w: result of step %d: %w", dataerr.ErrMissingResult, idx, err)
	}

	r.views[idx] = v

	return v, nil
}

// validate checks every reference in every step's params without I/O.
func (p *Plan) validate() error {
	for i := range p.steps {
		s := &p.steps[i]

		if s.exec == nil {
			return &Error{Step: i, StepName: s.name, Origin: -1, Err: ErrNoExec}
		}

		for _, name := range sortedKeys(s.params) {
			err := p.checkValue(s.params[name], i)
			if err != nil {
				return &Error{Step: i, StepName: s.name, Param: name, Origin: -1, Err: err}
			}
		}
	}

	return nil
}

func (p *Plan) checkValue(v any, at int) error {
	switch x := v.(type) {
	case *Literal, *Field, *Column, *Row, *Transformed:
		// Add dereferences pointer values, so only nil ones get here.
		return fmt.Errorf("%w: nil %T", dataerr.ErrUnknownHandle, x)
	case Field:
		return p.checkRef(x.From, at)
	case Column:
		return p.checkRef(x.From, at)
	case Row:
		return p.checkRef(x.From, at)
	case Transformed:
		if x.Source == nil {
			return fmt.Errorf("%w: transform has no source", dataerr.ErrTransformWithoutStep)
		}

		if _, ok := x.Origin(); !ok {
			return fmt.Errorf("%w: transform of %T", dataerr.ErrTransformWithoutStep, x.Source)
		}

		if x.Fn == nil {
			return fmt.Errorf("%w: transform has no function", dataerr.ErrTransformFailed)
		}

		return p.checkValue(x.Source, at)
	case []any:
		for _, item := range x {
			err := p.checkValue(item, at)
			if err != nil {
				return err
			}
		}
	case map[string]any:
		for _, k := range sortedKeys(x) {
			err := p.checkValue(x[k], at)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

func (p *Plan) checkRef(h StepHandle, at int) error {
	idx, ok := p.indexOf(h)
	if !ok {
		return fmt.Errorf("%w: %v", dataerr.ErrUnknownHandle, h)
	}

	if idx >= at {
		return fmt.Errorf("%w: step %d references step %d", dataerr.ErrForwardReference, at, idx)
	}

	return nil
}
