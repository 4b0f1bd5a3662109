package rowconv

import (
	"fmt"
	"reflect"

	"github.com/calvinalkan/shelf/pkg/dataerr"
)

// assign stores raw into dst (of declared type t).
func (c *Converter) assign(dst reflect.Value, t reflect.Type, raw any) error {
	v, err := c.convert(raw, t)
	if err != nil {
		return err
	}

	dst.Set(v)

	return nil
}

// convert produces a value of type t from raw.
func (c *Converter) convert(raw any, t reflect.Type) (reflect.Value, error) {
	if raw == nil {
		if !isNullable(t) {
			return reflect.Value{}, fmt.Errorf("%w: null for non-nullable %s", dataerr.ErrIncompatibleType, t)
		}

		return reflect.Zero(t), nil
	}

	if c.decoder != nil {
		v, ok, err := c.decoder.DecodeValue(raw, t)
		if err != nil {
			return reflect.Value{}, err
		}

		if ok {
			dv := reflect.ValueOf(v)
			if !dv.IsValid() {
				return reflect.Zero(t), nil
			}

			if !dv.Type().AssignableTo(t) {
				return reflect.Value{}, fmt.Errorf("%w: decoder produced %s for %s", dataerr.ErrIncompatibleType, dv.Type(), t)
			}

			return dv, nil
		}
	}

	rv := reflect.ValueOf(raw)

	if rv.Type().AssignableTo(t) {
		return rv, nil
	}

	switch t.Kind() {
	case reflect.Pointer:
		inner, err := c.convert(raw, t.Elem())
		if err != nil {
			return reflect.Value{}, err
		}

		p := reflect.New(t.Elem())
		p.Elem().Set(inner)

		return p, nil
	case reflect.Slice:
		if t.Elem().Kind() != reflect.Uint8 && (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) {
			return c.convertSlice(rv, t)
		}
	case reflect.Map:
		if rv.Kind() == reflect.Map {
			return c.convertMap(rv, t)
		}
	case reflect.Struct:
		if row, ok := raw.(map[string]any); ok && t != timeType {
			out := reflect.New(t).Elem()

			err := c.decodeInto(row, out)
			if err != nil {
				return reflect.Value{}, err
			}

			return out, nil
		}
	case reflect.Interface:
		if rv.Type().Implements(t) {
			return rv.Convert(t), nil
		}
	}

	return convertScalar(rv, t)
}

// convertSlice validates only the first non-nil element against the declared
// element type before converting; a mismatch deeper in the slice surfaces as a
// conversion failure of that element.
func (c *Converter) convertSlice(rv reflect.Value, t reflect.Type) (reflect.Value, error) {
	elemType := t.Elem()

	err := c.checkFirstElement(rv, elemType)
	if err != nil {
		return reflect.Value{}, err
	}

	out := reflect.MakeSlice(t, rv.Len(), rv.Len())

	for i := range rv.Len() {
		ev, err := c.convert(elemInterface(rv.Index(i)), elemType)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("%w: index %d: %w", dataerr.ErrIncompatibleElement, i, err)
		}

		out.Index(i).Set(ev)
	}

	return out, nil
}

func (c *Converter) checkFirstElement(rv reflect.Value, elemType reflect.Type) error {
	for i := range rv.Len() {
		e := elemInterface(rv.Index(i))
		if e == nil {
			continue
		}

		_, err := c.convert(e, elemType)
		if err != nil {
			return fmt.Errorf("%w: %T is not a %s", dataerr.ErrIncompatibleElement, e, elemType)
		}

		return nil
	}

	return nil
}

func (c *Converter) convertMap(rv reflect.Value, t reflect.Type) (reflect.Value, error) {
	keyType, elemType := t.Key(), t.Elem()

	iter := rv.MapRange()
	for iter.Next() {
		v := elemInterface(iter.Value())
		if v == nil {
			continue
		}

		_, kerr := c.convert(elemInterface(iter.Key()), keyType)
		_, verr := c.convert(v, elemType)

		if kerr != nil || verr != nil {
			return reflect.Value{}, fmt.Errorf("%w: entry %v=%T is not %s=%s",
				dataerr.ErrIncompatibleElement, iter.Key(), v, keyType, elemType)
		}

		break
	}

	out := reflect.MakeMapWithSize(t, rv.Len())

	iter = rv.MapRange()
	for iter.Next() {
		k, err := c.convert(elemInterface(iter.Key()), keyType)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("%w: key %v: %w", dataerr.ErrIncompatibleElement, iter.Key(), err)
		}

		v, err := c.convert(elemInterface(iter.Value()), elemType)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("%w: key %v: %w", dataerr.ErrIncompatibleElement, iter.Key(), err)
		}

		out.SetMapIndex(k, v)
	}

	return out, nil
}

// elemInterface unwraps interface-typed elements so nil entries of []any
// report as nil instead of a typed zero.
func elemInterface(v reflect.Value) any {
	if v.Kind() == reflect.Interface && v.IsNil() {
		return nil
	}

	return v.Interface()
}

// convertScalar allows the conversions database drivers make necessary:
// between numeric kinds, between string and []byte, and into named types of
// the same kind.
func convertScalar(rv reflect.Value, t reflect.Type) (reflect.Value, error) {
	from, to := rv.Kind(), t.Kind()

	switch {
	case isNumeric(from) && isNumeric(to):
		return rv.Convert(t), nil
	case from == reflect.String && to == reflect.String:
		return rv.Convert(t), nil
	case from == reflect.Bool && to == reflect.Bool:
		return rv.Convert(t), nil
	case from == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 && to == reflect.String:
		return reflect.ValueOf(string(rv.Bytes())).Convert(t), nil
	case from == reflect.String && to == reflect.Slice && t.Elem().Kind() == reflect.Uint8:
		return reflect.ValueOf([]byte(rv.String())).Convert(t), nil
	case isNumeric(from) && to == reflect.Bool:
		// SQLite stores booleans as integers.
		if rv.CanInt() {
			return reflect.ValueOf(rv.Int() != 0).Convert(t), nil
		}
	case rv.Type().ConvertibleTo(t) && from == to && from == reflect.Struct:
		return rv.Convert(t), nil
	}

	return reflect.Value{}, fmt.Errorf("%w: %s is not assignable to %s", dataerr.ErrIncompatibleType, rv.Type(), t)
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}
