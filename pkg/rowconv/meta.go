package rowconv

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/calvinalkan/shelf/pkg/dataerr"
)

// tagName is the struct tag read for key overrides: `row:"key,default"`.
const tagName = "row"

// field is the cached description of one struct field.
type field struct {
	name       string
	key        string
	index      []int
	typ        reflect.Type
	nullable   bool
	hasDefault bool
}

// typeMeta is computed once per struct type.
type typeMeta struct {
	typ      reflect.Type
	fields   []field
	byKey    map[string]int
	defaults func() reflect.Value // nil when the type has no Defaults method
}

// Field describes a converted struct field, in declaration order.
type Field struct {
	// Name is the Go field name.
	Name string
	// Key is the row key after naming convention and tag override.
	Key string
	// Type is the declared field type.
	Type reflect.Type
	// Nullable is true for pointer, slice, map and interface fields.
	Nullable bool
	// HasDefault is true for fields tagged with the default option.
	HasDefault bool
}

// Fields returns the converter's view of struct type t.
func (c *Converter) Fields(t reflect.Type) ([]Field, error) {
	meta, err := c.meta(t)
	if err != nil {
		return nil, err
	}

	out := make([]Field, len(meta.fields))
	for i, f := range meta.fields {
		out[i] = Field{Name: f.name, Key: f.key, Type: f.typ, Nullable: f.nullable, HasDefault: f.hasDefault}
	}

	return out, nil
}

func (c *Converter) meta(t reflect.Type) (*typeMeta, error) {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	if cached, ok := c.cache.Load(t); ok {
		return cached.(*typeMeta), nil
	}

	meta, err := c.buildMeta(t)
	if err != nil {
		return nil, err
	}

	// Concurrent builders compute identical metadata; first store wins.
	actual, _ := c.cache.LoadOrStore(t, meta)

	return actual.(*typeMeta), nil
}

func (c *Converter) buildMeta(t reflect.Type) (*typeMeta, error) {
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %s is not a struct", dataerr.ErrConstruct, t)
	}

	meta := &typeMeta{typ: t, byKey: make(map[string]int)}

	err := c.collectFields(t, nil, meta)
	if err != nil {
		return nil, err
	}

	meta.defaults = defaultsOf(t)

	return meta, nil
}

func (c *Converter) collectFields(t reflect.Type, parent []int, meta *typeMeta) error {
	for i := range t.NumField() {
		sf := t.Field(i)

		tag := sf.Tag.Get(tagName)
		if tag == "-" {
			continue
		}

		index := append(append([]int(nil), parent...), i)

		if sf.Anonymous && sf.Type.Kind() == reflect.Struct && tag == "" {
			err := c.collectFields(sf.Type, index, meta)
			if err != nil {
				return err
			}

			continue
		}

		if !sf.IsExported() {
			continue
		}

		key, opts, _ := strings.Cut(tag, ",")
		if key == "" {
			key = c.naming.Key(sf.Name)
		}

		if _, dup := meta.byKey[key]; dup {
			return fmt.Errorf("%w: %s has two fields mapped to key %q", dataerr.ErrConstruct, t, key)
		}

		f := field{
			name:       sf.Name,
			key:        key,
			index:      index,
			typ:        sf.Type,
			nullable:   isNullable(sf.Type),
			hasDefault: hasOption(opts, "default"),
		}

		meta.byKey[key] = len(meta.fields)
		meta.fields = append(meta.fields, f)
	}

	return nil
}

func hasOption(opts, name string) bool {
	for opts != "" {
		var opt string

		opt, opts, _ = strings.Cut(opts, ",")
		if strings.TrimSpace(opt) == name {
			return true
		}
	}

	return false
}

func isNullable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Map:
		return true
	default:
		return false
	}
}

// defaultsOf returns a constructor calling a `Defaults() T` method on t or *t.
func defaultsOf(t reflect.Type) func() reflect.Value {
	for _, recv := range []reflect.Type{t, reflect.PointerTo(t)} {
		m, ok := recv.MethodByName("Defaults")
		if !ok {
			continue
		}

		mt := m.Type
		if mt.NumIn() != 1 || mt.NumOut() != 1 || mt.Out(0) != t {
			continue
		}

		fn := m.Func
		ptr := recv.Kind() == reflect.Pointer

		return func() reflect.Value {
			zero := reflect.New(t)
			if ptr {
				return fn.Call([]reflect.Value{zero})[0]
			}

			return fn.Call([]reflect.Value{zero.Elem()})[0]
		}
	}

	return nil
}
