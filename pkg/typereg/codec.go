package typereg

import (
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/calvinalkan/shelf/pkg/dataerr"
	"github.com/calvinalkan/shelf/pkg/pgtext"
)

// Envelope marks a value to be written in the dynamic envelope. An empty Key
// is filled from the registry's dynamic declaration for Value's type.
type Envelope struct {
	Key   string
	Value any
}

// AsDynamic wraps v for a polymorphic write.
func AsDynamic(v any) Envelope {
	return Envelope{Value: v}
}

var envelopeType = reflect.TypeFor[Envelope]()

// Encode converts v into a value a database/sql driver accepts. Enums become
// their label, composites a row literal, envelopes a (key, payload) row
// literal and slices an array literal. Other values pass through.
func (r *Registry) Encode(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	if _, ok := v.(driver.Valuer); ok {
		return v, nil
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil
		}

		rv = rv.Elem()
	}

	if !r.needsEncoding(rv.Type()) {
		return v, nil
	}

	s, err := r.encodeText(rv)
	if err != nil {
		return nil, err
	}

	if s == nil {
		return nil, nil
	}

	return *s, nil
}

// needsEncoding reports whether values of t go through the text codec.
func (r *Registry) needsEncoding(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	if t == envelopeType {
		return true
	}

	if _, ok := r.pgNames[t]; ok {
		return true
	}

	// Drivers take no slices other than []byte.
	return (t.Kind() == reflect.Slice || t.Kind() == reflect.Array) && t != bytesType
}

func (r *Registry) encodeText(rv reflect.Value) (*string, error) {
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, nil
		}

		rv = rv.Elem()
	}

	if !rv.IsValid() {
		return nil, nil
	}

	t := rv.Type()

	if t == envelopeType {
		return r.encodeEnvelope(rv.Interface().(Envelope))
	}

	if name, ok := r.pgNames[t]; ok {
		if def, isEnum := r.enums[name]; isEnum {
			label, err := def.Label(rv.Interface())
			if err != nil {
				return nil, err
			}

			return pgtext.Text(label), nil
		}

		return r.encodeComposite(r.composites[name], rv)
	}

	switch {
	case t == bytesType, t == timeType:
		return pgtext.FormatScalar(rv.Interface())
	case t.Kind() == reflect.Slice || t.Kind() == reflect.Array:
		if t.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}

		elems := make([]*string, rv.Len())

		for i := range rv.Len() {
			s, err := r.encodeText(rv.Index(i))
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}

			elems[i] = s
		}

		return pgtext.Text(pgtext.FormatArray(elems)), nil
	case t.Kind() == reflect.Map || t.Kind() == reflect.Struct:
		if t.Kind() == reflect.Map && rv.IsNil() {
			return nil, nil
		}

		data, err := json.Marshal(rv.Interface())
		if err != nil {
			return nil, fmt.Errorf("%w: %s as json: %w", dataerr.ErrPayload, t, err)
		}

		return pgtext.Text(string(data)), nil
	}

	s, err := pgtext.FormatScalar(rv.Interface())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", dataerr.ErrIncompatibleType, err)
	}

	return s, nil
}

func (r *Registry) encodeComposite(def *CompositeDefinition, rv reflect.Value) (*string, error) {
	row, err := r.conv.Encode(rv.Interface())
	if err != nil {
		return nil, err
	}

	fields := make([]*string, len(def.Attributes))

	for i, attr := range def.Attributes {
		s, err := r.encodeText(reflect.ValueOf(row[attr.Name]))
		if err != nil {
			return nil, fmt.Errorf("composite %s attribute %s: %w", def.Name, attr.Name, err)
		}

		fields[i] = s
	}

	return pgtext.Text(pgtext.FormatRow(fields)), nil
}

func (r *Registry) encodeEnvelope(e Envelope) (*string, error) {
	if e.Value == nil {
		return nil, nil
	}

	key := e.Key
	if key == "" {
		var ok bool

		key, ok = r.DynamicTypeNameFor(reflect.TypeOf(e.Value))
		if !ok {
			return nil, fmt.Errorf("%w: %T has no dynamic key", dataerr.ErrUnmappedDynamicKey, e.Value)
		}
	}

	ser, err := r.DynamicSerializer(key)
	if err != nil {
		return nil, err
	}

	vt := reflect.TypeOf(e.Value)
	for vt.Kind() == reflect.Pointer {
		vt = vt.Elem()
	}

	if vt != ser.GoType {
		return nil, fmt.Errorf("%w: %s is not the type of dynamic key %q (%s)",
			dataerr.ErrIncompatibleType, vt, key, ser.GoType)
	}

	payload, err := ser.Marshal(e.Value)
	if err != nil {
		return nil, err
	}

	return pgtext.Text(pgtext.FormatRow([]*string{pgtext.Text(key), pgtext.Text(string(payload))})), nil
}

// Decode converts raw, as read from a column of relational type typeName,
// into a value of target. Text from the driver is parsed according to the
// type's category; other driver values are converted where the kinds allow.
func (r *Registry) Decode(typeName string, raw any, target reflect.Type) (any, error) {
	var s *string

	switch x := raw.(type) {
	case nil:
	case string:
		s = &x
	case []byte:
		if r.Category(typeName) == CategoryStandard && target == bytesType {
			return x, nil
		}

		s = pgtext.Text(string(x))
	default:
		rv := reflect.ValueOf(raw)

		out, err := assignTo(rv, target)
		if err != nil {
			return nil, err
		}

		return out.Interface(), nil
	}

	out, err := r.decodeText(typeName, s, target)
	if err != nil {
		return nil, err
	}

	return out.Interface(), nil
}

// DecodeValue lets the registry act as a [rowconv.ValueDecoder]: text values
// headed for a registered enum or composite (or a slice of one) are decoded
// through the registry.
func (r *Registry) DecodeValue(raw any, target reflect.Type) (any, bool, error) {
	var s string

	switch x := raw.(type) {
	case string:
		s = x
	case []byte:
		s = string(x)
	default:
		return nil, false, nil
	}

	if target == envelopeType && r.categories[r.envelope] == CategoryDynamic {
		env, err := r.parseEnvelope(s)
		if err != nil {
			return nil, true, err
		}

		return env, true, nil
	}

	name, ok := r.pgNames[target]
	if !ok && target.Kind() == reflect.Slice && target != bytesType {
		var elem string

		elem, ok = r.pgNames[target.Elem()]
		name = ArrayPrefix + elem
	}

	if !ok {
		return nil, false, nil
	}

	v, err := r.decodeText(name, &s, target)
	if err != nil {
		return nil, true, err
	}

	return v.Interface(), true, nil
}

func (r *Registry) decodeText(typeName string, s *string, target reflect.Type) (reflect.Value, error) {
	if s == nil {
		switch target.Kind() {
		case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Interface:
			return reflect.Zero(target), nil
		default:
			return reflect.Value{}, fmt.Errorf("%w: null %s for non-nullable %s", dataerr.ErrIncompatibleType, typeName, target)
		}
	}

	if target.Kind() == reflect.Pointer {
		inner, err := r.decodeText(typeName, s, target.Elem())
		if err != nil {
			return reflect.Value{}, err
		}

		p := reflect.New(target.Elem())
		p.Elem().Set(inner)

		return p, nil
	}

	name := r.normalize(typeName)

	switch r.categories[name] {
	case CategoryEnum:
		v, err := r.enums[name].Value(*s)
		if err != nil {
			return reflect.Value{}, err
		}

		return assignTo(reflect.ValueOf(v), target)
	case CategoryComposite:
		return r.decodeComposite(r.composites[name], *s, target)
	case CategoryArray:
		return r.decodeArray(r.arrays[name], *s, target)
	case CategoryDynamic:
		return r.decodeEnvelope(*s, target)
	default:
		return decodeStandard(name, *s, target)
	}
}

func (r *Registry) decodeComposite(def *CompositeDefinition, s string, target reflect.Type) (reflect.Value, error) {
	parts, err := pgtext.ParseRow(s)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("%w: composite %s: %w", dataerr.ErrPayload, def.Name, err)
	}

	if len(parts) != len(def.Attributes) {
		return reflect.Value{}, fmt.Errorf("%w: composite %s has %d attributes, value has %d",
			dataerr.ErrPayload, def.Name, len(def.Attributes), len(parts))
	}

	fields, err := r.conv.Fields(def.GoType)
	if err != nil {
		return reflect.Value{}, err
	}

	row := make(map[string]any, len(parts))

	for i, attr := range def.Attributes {
		v, err := r.decodeText(attr.Type, parts[i], fields[i].Type)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("composite %s attribute %s: %w", def.Name, attr.Name, err)
		}

		row[attr.Name] = v.Interface()
	}

	out := reflect.New(def.GoType)

	err = r.conv.Decode(row, out.Interface())
	if err != nil {
		return reflect.Value{}, err
	}

	return assignTo(out.Elem(), target)
}

func (r *Registry) decodeArray(def *ArrayDefinition, s string, target reflect.Type) (reflect.Value, error) {
	elems, err := pgtext.ParseArray(s)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("%w: array %s: %w", dataerr.ErrPayload, def.Name, err)
	}

	sliceType := target
	if target.Kind() == reflect.Interface {
		sliceType = reflect.TypeFor[[]any]()
	}

	if sliceType.Kind() != reflect.Slice {
		return reflect.Value{}, fmt.Errorf("%w: array %s into %s", dataerr.ErrIncompatibleType, def.Name, target)
	}

	out := reflect.MakeSlice(sliceType, len(elems), len(elems))

	for i, e := range elems {
		v, err := r.decodeText(def.Element, e, sliceType.Elem())
		if err != nil {
			return reflect.Value{}, fmt.Errorf("%w: index %d: %w", dataerr.ErrIncompatibleElement, i, err)
		}

		out.Index(i).Set(v)
	}

	return assignTo(out, target)
}

func (r *Registry) decodeEnvelope(s string, target reflect.Type) (reflect.Value, error) {
	env, err := r.parseEnvelope(s)
	if err != nil {
		return reflect.Value{}, err
	}

	if target == envelopeType {
		return reflect.ValueOf(env), nil
	}

	if env.Value == nil {
		return reflect.Zero(target), nil
	}

	return assignTo(reflect.ValueOf(env.Value), target)
}

// parseEnvelope reads a (key, payload) row literal. A null payload yields an
// Envelope with a nil Value.
func (r *Registry) parseEnvelope(s string) (Envelope, error) {
	parts, err := pgtext.ParseRow(s)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: envelope: %w", dataerr.ErrPayload, err)
	}

	if len(parts) != 2 || parts[0] == nil {
		return Envelope{}, fmt.Errorf("%w: envelope %q is not (key, payload)", dataerr.ErrPayload, s)
	}

	ser, err := r.DynamicSerializer(*parts[0])
	if err != nil {
		return Envelope{}, err
	}

	if parts[1] == nil {
		return Envelope{Key: ser.Key}, nil
	}

	v, err := ser.Unmarshal([]byte(*parts[1]))
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{Key: ser.Key, Value: v}, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
	time.DateOnly,
}

// decodeStandard parses the text form of a built-in type into target.
func decodeStandard(typeName, s string, target reflect.Type) (reflect.Value, error) {
	fail := func(err error) (reflect.Value, error) {
		return reflect.Value{}, fmt.Errorf("%w: %s %q into %s: %w", dataerr.ErrIncompatibleType, typeName, s, target, err)
	}

	switch target {
	case timeType:
		for _, layout := range timeLayouts {
			t, err := time.Parse(layout, s)
			if err == nil {
				return reflect.ValueOf(t), nil
			}
		}

		return fail(errors.New("unknown time layout"))
	case bytesType:
		if hexed, ok := strings.CutPrefix(s, `\x`); ok {
			b, err := hex.DecodeString(hexed)
			if err != nil {
				return fail(err)
			}

			return reflect.ValueOf(b), nil
		}

		return reflect.ValueOf([]byte(s)), nil
	}

	out := reflect.New(target).Elem()

	switch target.Kind() {
	case reflect.String:
		out.SetString(s)
	case reflect.Bool:
		switch s {
		case "t", "true", "1":
			out.SetBool(true)
		case "f", "false", "0":
		default:
			return fail(strconv.ErrSyntax)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, target.Bits())
		if err != nil {
			return fail(err)
		}

		out.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, target.Bits())
		if err != nil {
			return fail(err)
		}

		out.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, target.Bits())
		if err != nil {
			return fail(err)
		}

		out.SetFloat(f)
	case reflect.Interface:
		if typeName == "json" || typeName == "jsonb" {
			var v any

			err := json.Unmarshal([]byte(s), &v)
			if err != nil {
				return fail(err)
			}

			return assignTo(reflect.ValueOf(v), target)
		}

		return assignTo(reflect.ValueOf(s), target)
	case reflect.Struct, reflect.Map, reflect.Slice:
		err := json.Unmarshal([]byte(s), out.Addr().Interface())
		if err != nil {
			return fail(err)
		}
	default:
		return fail(errors.New("unsupported target"))
	}

	return out, nil
}

func assignTo(rv reflect.Value, target reflect.Type) (reflect.Value, error) {
	if !rv.IsValid() {
		return reflect.Zero(target), nil
	}

	if rv.Type().AssignableTo(target) {
		if target.Kind() == reflect.Interface {
			out := reflect.New(target).Elem()
			out.Set(rv)

			return out, nil
		}

		return rv, nil
	}

	if rv.Kind() == target.Kind() && rv.Type().ConvertibleTo(target) {
		return rv.Convert(target), nil
	}

	if isNumericKind(rv.Kind()) && isNumericKind(target.Kind()) {
		return rv.Convert(target), nil
	}

	return reflect.Value{}, fmt.Errorf("%w: %s is not assignable to %s", dataerr.ErrIncompatibleType, rv.Type(), target)
}

func isNumericKind(k reflect.Kind) bool {
	return (k >= reflect.Int && k <= reflect.Uint64) || k == reflect.Float32 || k == reflect.Float64
}
