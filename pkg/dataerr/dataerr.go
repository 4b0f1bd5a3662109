// Package dataerr defines the closed set of failure conditions shared by the
// plan executor, the type registry and the row converter.
//
// Every failure produced by shelf wraps exactly one of the sentinels below, so
// callers branch with [errors.Is] on the specific condition or with [KindOf]
// on the category:
//
//	if errors.Is(err, dataerr.ErrRowOutOfRange) { ... }
//	if dataerr.KindOf(err) == dataerr.KindDependency { ... }
package dataerr

import "errors"

// Kind is the category a failure belongs to.
type Kind uint8

// Failure categories.
const (
	KindUnknown Kind = iota
	KindQuery
	KindDependency
	KindRegistry
	KindConversion
)

func (k Kind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindDependency:
		return "dependency"
	case KindRegistry:
		return "registry"
	case KindConversion:
		return "conversion"
	default:
		return "unknown"
	}
}

// Query execution failures.
var (
	// ErrQuery reports a malformed statement or any other driver failure.
	ErrQuery = errors.New("query failed")

	// ErrConstraint reports a constraint violation (unique, foreign key, check, not null).
	ErrConstraint = errors.New("constraint violation")

	// ErrConnection reports a broken or unavailable connection.
	ErrConnection = errors.New("connection failure")

	// ErrConflict reports a transaction that lost against a concurrent one:
	// a serialization failure, a deadlock, or a busy/locked database.
	ErrConflict = errors.New("transaction conflict")
)

// Step dependency failures.
var (
	// ErrUnknownHandle reports a reference to a handle that is not part of the plan.
	ErrUnknownHandle = errors.New("unknown step handle")

	// ErrForwardReference reports a reference to the same or a later step.
	ErrForwardReference = errors.New("step references a step that has not executed before it")

	// ErrMissingResult reports a referenced step that produced no result.
	ErrMissingResult = errors.New("referenced step has no result")

	// ErrRowOutOfRange reports a row index at or past the referenced result size.
	ErrRowOutOfRange = errors.New("row index out of range")

	// ErrMissingColumn reports a column key absent from the referenced row.
	ErrMissingColumn = errors.New("missing column")

	// ErrNotAList reports a list access against a single-row or scalar result.
	ErrNotAList = errors.New("invalid row access on non-list")

	// ErrTransformFailed reports a user transform that returned an error or panicked.
	ErrTransformFailed = errors.New("transform failed")

	// ErrTransformWithoutStep reports a transform with no step reference underneath it.
	ErrTransformWithoutStep = errors.New("transform does not wrap a step reference")
)

// Type registry failures.
var (
	// ErrScan reports a failure while collecting type declarations.
	ErrScan = errors.New("declaration scan failed")

	// ErrCatalog reports a failure while querying the live schema catalog.
	ErrCatalog = errors.New("catalog query failed")

	// ErrTypeNotInSchema reports a declared type missing from the live schema.
	ErrTypeNotInSchema = errors.New("declared type not found in schema")

	// ErrDuplicateType reports two declarations (or two schema types) sharing a name.
	ErrDuplicateType = errors.New("duplicate type declaration")

	// ErrSchemaMismatch reports a declaration whose shape disagrees with the schema.
	ErrSchemaMismatch = errors.New("declaration does not match schema")

	// ErrUnmappedType reports a Go type with no relational type mapping.
	ErrUnmappedType = errors.New("type is not mapped")

	// ErrUnmappedDynamicKey reports a discriminator with no registered payload type.
	ErrUnmappedDynamicKey = errors.New("dynamic key is not mapped")

	// ErrTypeNotFound reports a relational type name missing from the registry.
	ErrTypeNotFound = errors.New("type not found in registry")
)

// Conversion failures.
var (
	// ErrIncompatibleType reports a value whose type cannot populate the target.
	ErrIncompatibleType = errors.New("incompatible value type")

	// ErrIncompatibleElement reports a container whose elements have the wrong type.
	ErrIncompatibleElement = errors.New("incompatible element type")

	// ErrMissingProperty reports a required field absent from the row.
	ErrMissingProperty = errors.New("missing required property")

	// ErrConstruct reports a target that cannot be built (not a struct, unexported, ...).
	ErrConstruct = errors.New("cannot construct object")

	// ErrPayload reports a polymorphic payload that failed to (de)serialize.
	ErrPayload = errors.New("dynamic payload serialization failed")
)

var kinds = []struct {
	kind Kind
	errs []error
}{
	{KindQuery, []error{ErrQuery, ErrConstraint, ErrConnection, ErrConflict}},
	{KindDependency, []error{
		ErrUnknownHandle, ErrForwardReference, ErrMissingResult, ErrRowOutOfRange,
		ErrMissingColumn, ErrNotAList, ErrTransformFailed, ErrTransformWithoutStep,
	}},
	{KindRegistry, []error{
		ErrScan, ErrCatalog, ErrTypeNotInSchema, ErrDuplicateType, ErrSchemaMismatch,
		ErrUnmappedType, ErrUnmappedDynamicKey, ErrTypeNotFound,
	}},
	{KindConversion, []error{
		ErrIncompatibleType, ErrIncompatibleElement, ErrMissingProperty, ErrConstruct, ErrPayload,
	}},
}

// KindOf returns the category of the first sentinel found in err's chain.
//
// Categories are checked in declaration order, so a transform failure that
// itself wraps a conversion error reports [KindDependency].
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	for _, group := range kinds {
		for _, sentinel := range group.errs {
			if errors.Is(err, sentinel) {
				return group.kind
			}
		}
	}

	return KindUnknown
}

// IsValidation reports whether err is detected before any database I/O.
// Such failures indicate a programming error or schema drift and are never
// worth retrying.
func IsValidation(err error) bool {
	return errors.Is(err, ErrUnknownHandle) ||
		errors.Is(err, ErrForwardReference) ||
		errors.Is(err, ErrTransformWithoutStep) ||
		KindOf(err) == KindRegistry
}

// Retryable reports whether running the whole plan again may succeed. Only
// [ErrConflict] qualifies: the transaction was rolled back because of a
// concurrent one, not because of anything in the plan. This layer never
// retries on its own.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict)
}
