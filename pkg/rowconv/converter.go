// Package rowconv converts between flat row maps and Go structs.
//
// Field keys follow a [Naming] convention (snake_case by default) and can be
// overridden with a `row:"key"` tag. Per-type metadata is computed once and
// cached, so conversion after the first call does no struct walking.
//
// Reading a row into a struct applies this precedence per field:
//
//  1. the row has the key: its value is used verbatim, including nil
//  2. the field is tagged `row:",default"`: the value from the type's
//     Defaults() method (or the zero value) is kept
//  3. the field is nullable (pointer, slice, map, interface): it stays nil
//  4. otherwise [dataerr.ErrMissingProperty]
package rowconv

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/calvinalkan/shelf/pkg/dataerr"
)

// ValueDecoder converts a raw database value into target when it knows how
// (for example a registered enum or composite type). ok is false when the
// decoder does not handle target, in which case regular conversion applies.
type ValueDecoder interface {
	DecodeValue(raw any, target reflect.Type) (v any, ok bool, err error)
}

// Converter maps rows to structs and back. Safe for concurrent use.
type Converter struct {
	naming  Naming
	decoder ValueDecoder
	cache   sync.Map // reflect.Type -> *typeMeta
}

// Option configures a [Converter].
type Option func(*Converter)

// WithNaming sets the naming convention. Default: [SnakeCase].
func WithNaming(n Naming) Option {
	return func(c *Converter) { c.naming = n }
}

// WithDecoder installs a hook consulted before the built-in conversions.
func WithDecoder(d ValueDecoder) Option {
	return func(c *Converter) { c.decoder = d }
}

// New returns a converter.
func New(opts ...Option) *Converter {
	c := &Converter{naming: SnakeCase}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Naming returns the converter's naming convention.
func (c *Converter) Naming() Naming {
	return c.naming
}

// RowToObject builds a T from row. T must be a struct or a pointer to one.
func RowToObject[T any](c *Converter, row map[string]any) (T, error) {
	var out T

	rv := reflect.ValueOf(&out).Elem()

	if rv.Kind() == reflect.Pointer {
		rv.Set(reflect.New(rv.Type().Elem()))
		rv = rv.Elem()
	}

	err := c.decodeInto(row, rv)
	if err != nil {
		var zero T

		return zero, err
	}

	return out, nil
}

// Decode fills the struct pointed to by dst from row.
func (c *Converter) Decode(row map[string]any, dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("%w: decode target must be a non-nil pointer, got %T", dataerr.ErrConstruct, dst)
	}

	return c.decodeInto(row, rv.Elem())
}

func (c *Converter) decodeInto(row map[string]any, rv reflect.Value) error {
	meta, err := c.meta(rv.Type())
	if err != nil {
		return err
	}

	typeName := meta.typ.String()

	if meta.defaults != nil {
		rv.Set(meta.defaults())
	} else {
		rv.SetZero()
	}

	for i := range meta.fields {
		f := &meta.fields[i]

		raw, present := row[f.key]

		switch {
		case present:
			err = c.assign(rv.FieldByIndex(f.index), f.typ, raw)
			if err != nil {
				return withField(err, typeName, f, row)
			}
		case f.hasDefault:
			// Keep the value seeded from Defaults().
		case f.nullable:
			rv.FieldByIndex(f.index).SetZero()
		default:
			return withField(dataerr.ErrMissingProperty, typeName, f, row)
		}
	}

	return nil
}

// ObjectToRow reads every mapped field of v into a row, skipping exclude keys.
// v must be a struct or a pointer to one; a nil pointer yields a nil row.
func ObjectToRow[T any](c *Converter, v T, exclude ...string) (map[string]any, error) {
	return c.Encode(v, exclude...)
}

// Encode is the non-generic form of [ObjectToRow].
func (c *Converter) Encode(v any, exclude ...string) (map[string]any, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil, fmt.Errorf("%w: cannot encode nil", dataerr.ErrConstruct)
	}

	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil
		}

		rv = rv.Elem()
	}

	meta, err := c.meta(rv.Type())
	if err != nil {
		return nil, err
	}

	skip := make(map[string]struct{}, len(exclude))
	for _, k := range exclude {
		skip[k] = struct{}{}
	}

	row := make(map[string]any, len(meta.fields))

	for i := range meta.fields {
		f := &meta.fields[i]
		if _, ok := skip[f.key]; ok {
			continue
		}

		fv := rv.FieldByIndex(f.index)
		if f.nullable && fv.IsNil() {
			row[f.key] = nil

			continue
		}

		row[f.key] = fv.Interface()
	}

	return row, nil
}

// IsStruct reports whether v is a struct (or pointer to one) the converter
// can encode. time.Time is treated as a scalar.
func IsStruct(v any) bool {
	t := reflect.TypeOf(v)
	if t == nil {
		return false
	}

	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	return t.Kind() == reflect.Struct && t != timeType
}

var timeType = reflect.TypeFor[time.Time]()
