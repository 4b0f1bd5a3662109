package txplan

import (
	"errors"
	"strconv"
	"strings"
)

// ErrRollbackOnly indicates the transaction was marked rollback-only by a
// plan that joined it and failed, so it could not be committed.
var ErrRollbackOnly = errors.New("transaction marked rollback-only")

// ErrNoExec indicates a step was added without execution logic.
var ErrNoExec = errors.New("step has no exec function")

// ErrPanic indicates step logic panicked. The panic value is in the message.
var ErrPanic = errors.New("step panicked")

// Error is the error type returned by [Executor.Execute].
//
// The cause comes first, followed by the step context:
//
//	UNIQUE constraint failed: titles.name (step=0 step_name=insert_titles)
//	transform failed: bad input (step=2 step_name=link param=ids origin_step=1)
//
// Use [errors.Is] with the [dataerr] sentinels to branch on the condition and
// [errors.As] to read the step index.
type Error struct {
	// Step is the index of the failing step, or -1 when the failure is not
	// attributable to a step (begin, commit).
	Step int

	// StepName is the failing step's name, if it has one.
	StepName string

	// Param is the parameter whose resolution failed, if any.
	Param string

	// Origin is the index of the step a failed transform read from, or -1.
	Origin int

	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}

	suffix := e.suffix()

	if suffix == "" {
		return cause
	}

	if cause == "" {
		return suffix
	}

	return cause + " " + suffix
}

// Unwrap returns the underlying error for use with [errors.Is] and [errors.As].
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// suffix builds the "(step=N step_name=X ...)" portion.
func (e *Error) suffix() string {
	var parts []string

	if e.Step >= 0 {
		parts = append(parts, "step="+strconv.Itoa(e.Step))
	}

	if e.StepName != "" {
		parts = append(parts, "step_name="+e.StepName)
	}

	if e.Param != "" {
		parts = append(parts, "param="+e.Param)
	}

	if e.Origin >= 0 {
		parts = append(parts, "origin_step="+strconv.Itoa(e.Origin))
	}

	if len(parts) == 0 {
		return ""
	}

	return "(" + strings.Join(parts, " ") + ")"
}

// withStep attaches step context and returns *Error. If err is already an
// *Error, missing fields are filled in place.
func withStep(err error, step int, name string) error {
	if err == nil {
		return nil
	}

	existing := &Error{}
	if errors.As(err, &existing) {
		if existing.Step < 0 {
			existing.Step = step
		}

		if existing.StepName == "" {
			existing.StepName = name
		}

		return existing
	}

	return &Error{Step: step, StepName: name, Origin: -1, Err: err}
}
