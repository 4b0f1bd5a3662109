package rowconv

import (
	"errors"
	"sort"
	"strings"
)

// Error carries the conversion context for a failed field.
//
// Formats as "<cause> (type=X field=Y key=z row_keys=[a b])" so a failed
// conversion names the class, the field and the offending row.
type Error struct {
	Type  string
	Field string
	Key   string
	Row   map[string]any
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	var parts []string

	if e.Type != "" {
		parts = append(parts, "type="+e.Type)
	}

	if e.Field != "" {
		parts = append(parts, "field="+e.Field)
	}

	if e.Key != "" {
		parts = append(parts, "key="+e.Key)
	}

	if e.Row != nil {
		keys := make([]string, 0, len(e.Row))
		for k := range e.Row {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		parts = append(parts, "row_keys=["+strings.Join(keys, " ")+"]")
	}

	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}

	if len(parts) == 0 {
		return cause
	}

	return cause + " (" + strings.Join(parts, " ") + ")"
}

// Unwrap returns the underlying error for use with [errors.Is] and [errors.As].
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// withField attaches field context. An existing *Error keeps its values.
func withField(err error, typ string, f *field, row map[string]any) error {
	if err == nil {
		return nil
	}

	existing := &Error{}
	if errors.As(err, &existing) {
		return err
	}

	e := &Error{Type: typ, Row: row, Err: err}
	if f != nil {
		e.Field = f.name
		e.Key = f.key
	}

	return e
}
