package txplan

// Value is a step parameter whose content is either known when the plan is
// built ([Literal]) or taken from the result of an earlier step ([Field],
// [Column], [Row]), optionally passed through a function ([Transformed]).
//
// Plain Go values in a step's params are treated as literals. Values may also
// be nested inside []any and map[string]any params.
type Value interface {
	isValue()
}

// Literal is a value known at plan construction.
type Literal struct {
	V any
}

// Field addresses one cell of an earlier step's result.
//
// An empty Column selects the only column of the row, or the result itself
// when the step returned a scalar.
type Field struct {
	From   StepHandle
	Row    int
	Column string
}

// Column collects one column across every row of an earlier step's list
// result. The result is []any, or a [pgtext.Array] when AsArray is set so the
// value binds as an array literal.
//
// Column on a result that is not a list fails with [dataerr.ErrNotAList].
type Column struct {
	From    StepHandle
	Name    string
	AsArray bool
}

// Row selects one row of an earlier step's result as map[string]any.
type Row struct {
	From  StepHandle
	Index int
}

// Transformed applies Fn to the resolved Source. Source must trace back to a
// step reference, possibly through further Transformed values.
type Transformed struct {
	Source Value
	Fn     func(any) (any, error)
}

func (Literal) isValue()     {}
func (Field) isValue()       {}
func (Column) isValue()      {}
func (Row) isValue()         {}
func (Transformed) isValue() {}

// Origin returns the handle the transformed value is ultimately read from.
func (t Transformed) Origin() (StepHandle, bool) {
	return originOf(t.Source)
}

func originOf(v Value) (StepHandle, bool) {
	switch x := v.(type) {
	case Field:
		return x.From, x.From != nil
	case Column:
		return x.From, x.From != nil
	case Row:
		return x.From, x.From != nil
	case Transformed:
		return originOf(x.Source)
	default:
		return nil, false
	}
}

// Lit returns a literal value.
func Lit(v any) Literal {
	return Literal{V: v}
}

// FieldOf references column of row in h's result.
func FieldOf(h StepHandle, row int, column string) Field {
	return Field{From: h, Row: row, Column: column}
}

// ColumnOf references column across all rows of h's result.
func ColumnOf(h StepHandle, column string) Column {
	return Column{From: h, Name: column}
}

// ColumnArray is [ColumnOf] bound as an array literal.
func ColumnArray(h StepHandle, column string) Column {
	return Column{From: h, Name: column, AsArray: true}
}

// RowOf references row index of h's result.
func RowOf(h StepHandle, index int) Row {
	return Row{From: h, Index: index}
}

// Transform wraps source with fn.
func Transform(source Value, fn func(any) (any, error)) Transformed {
	return Transformed{Source: source, Fn: fn}
}
