// Package pgtext encodes and decodes PostgreSQL text-format literals for
// composite rows ("(a,b)") and one-dimensional arrays ("{a,b}").
//
// Elements are carried as *string: nil is SQL NULL, a non-nil pointer is the
// element's text representation. Multi-dimensional arrays are not supported.
package pgtext

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// ErrSyntax reports a malformed row or array literal.
var ErrSyntax = errors.New("pgtext: malformed literal")

// Text returns a pointer to s, for building element lists.
func Text(s string) *string {
	return &s
}

// FormatRow renders fields as a composite row literal.
func FormatRow(fields []*string) string {
	var b strings.Builder

	b.WriteByte('(')

	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}

		if f == nil {
			continue
		}

		writeQuoted(&b, *f, needsRowQuote(*f))
	}

	b.WriteByte(')')

	return b.String()
}

// FormatArray renders elems as a one-dimensional array literal.
func FormatArray(elems []*string) string {
	var b strings.Builder

	b.WriteByte('{')

	for i, e := range elems {
		if i > 0 {
			b.WriteByte(',')
		}

		if e == nil {
			b.WriteString("NULL")

			continue
		}

		writeQuoted(&b, *e, needsArrayQuote(*e))
	}

	b.WriteByte('}')

	return b.String()
}

func writeQuoted(b *strings.Builder, s string, quote bool) {
	if !quote {
		b.WriteString(s)

		return
	}

	b.WriteByte('"')

	for _, r := range s {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}

		b.WriteRune(r)
	}

	b.WriteByte('"')
}

func needsRowQuote(s string) bool {
	return s == "" || strings.ContainsAny(s, "(),\"\\ \t\n\r")
}

func needsArrayQuote(s string) bool {
	return s == "" || strings.EqualFold(s, "NULL") || strings.ContainsAny(s, "{},\"\\ \t\n\r")
}

// ParseRow splits a composite row literal into its fields.
func ParseRow(s string) ([]*string, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return nil, fmt.Errorf("%w: row %q", ErrSyntax, s)
	}

	return splitElements(s[1:len(s)-1], ',', false)
}

// ParseArray splits a one-dimensional array literal into its elements.
func ParseArray(s string) ([]*string, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '{' || s[len(s)-1] != '}' {
		return nil, fmt.Errorf("%w: array %q", ErrSyntax, s)
	}

	inner := s[1 : len(s)-1]
	if inner == "" {
		return []*string{}, nil
	}

	return splitElements(inner, ',', true)
}

// splitElements tokenizes the body of a row or array literal. Rows mark NULL
// with an empty unquoted field; arrays use the unquoted word NULL.
func splitElements(body string, sep byte, array bool) ([]*string, error) {
	var (
		out    []*string
		cur    strings.Builder
		quoted bool
		inQ    bool
	)

	flush := func() {
		val := cur.String()

		switch {
		case quoted:
			out = append(out, Text(val))
		case array && strings.EqualFold(strings.TrimSpace(val), "NULL"):
			out = append(out, nil)
		case !array && val == "":
			out = append(out, nil)
		case array:
			out = append(out, Text(strings.TrimSpace(val)))
		default:
			out = append(out, Text(val))
		}

		cur.Reset()

		quoted = false
	}

	for i := 0; i < len(body); i++ {
		c := body[i]

		switch {
		case inQ && c == '\\':
			if i+1 >= len(body) {
				return nil, fmt.Errorf("%w: dangling escape in %q", ErrSyntax, body)
			}

			i++
			cur.WriteByte(body[i])
		case inQ && c == '"':
			// Rows may also escape a quote by doubling it.
			if !array && i+1 < len(body) && body[i+1] == '"' {
				i++
				cur.WriteByte('"')

				continue
			}

			inQ = false
		case inQ:
			cur.WriteByte(c)
		case c == '"':
			inQ = true
			quoted = true
		case c == sep:
			flush()
		case array && (c == '{' || c == '}'):
			return nil, fmt.Errorf("%w: nested arrays are not supported", ErrSyntax)
		default:
			cur.WriteByte(c)
		}
	}

	if inQ {
		return nil, fmt.Errorf("%w: unterminated quote in %q", ErrSyntax, body)
	}

	flush()

	return out, nil
}

// FormatScalar renders a Go scalar the way PostgreSQL's text input accepts it.
// nil (and nil driver.Valuer results) become SQL NULL.
func FormatScalar(v any) (*string, error) {
	if valuer, ok := v.(driver.Valuer); ok {
		dv, err := valuer.Value()
		if err != nil {
			return nil, fmt.Errorf("pgtext: valuer: %w", err)
		}

		v = dv
	}

	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return Text(x), nil
	case []byte:
		return Text(string(x)), nil
	case bool:
		return Text(strconv.FormatBool(x)), nil
	case int:
		return Text(strconv.Itoa(x)), nil
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return Text(fmt.Sprintf("%d", x)), nil
	case float32:
		return Text(strconv.FormatFloat(float64(x), 'g', -1, 32)), nil
	case float64:
		return Text(strconv.FormatFloat(x, 'g', -1, 64)), nil
	case time.Time:
		return Text(x.Format(time.RFC3339Nano)), nil
	case fmt.Stringer:
		return Text(x.String()), nil
	default:
		return formatKind(v)
	}
}

// formatKind handles named types (type Status string) by their underlying kind.
func formatKind(v any) (*string, error) {
	rv := reflect.ValueOf(v)

	switch rv.Kind() {
	case reflect.String:
		return Text(rv.String()), nil
	case reflect.Bool:
		return Text(strconv.FormatBool(rv.Bool())), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Text(strconv.FormatInt(rv.Int(), 10)), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Text(strconv.FormatUint(rv.Uint(), 10)), nil
	case reflect.Float32, reflect.Float64:
		return Text(strconv.FormatFloat(rv.Float(), 'g', -1, 64)), nil
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}

		return FormatScalar(rv.Elem().Interface())
	default:
		return nil, fmt.Errorf("pgtext: unsupported scalar %T", v)
	}
}

// Array is a list of scalars sent to the database as an array literal.
type Array []any

// Value implements [driver.Valuer].
func (a Array) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}

	elems := make([]*string, len(a))

	for i, v := range a {
		s, err := FormatScalar(v)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}

		elems[i] = s
	}

	return FormatArray(elems), nil
}
