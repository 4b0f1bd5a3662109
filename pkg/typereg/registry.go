// Package typereg maps Go types to relational enum, composite and array types
// and to the polymorphic (dynamic) envelope.
//
// A [Loader] merges Go-side [Declaration]s with the live schema [Catalog] once
// at startup. Every declared type must exist in the schema with a matching
// shape; anything else fails the load. The resulting [Registry] is immutable
// and safe for concurrent use.
package typereg

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/calvinalkan/shelf/pkg/dataerr"
	"github.com/calvinalkan/shelf/pkg/rowconv"
)

// Category routes a relational type name to its conversion path.
type Category uint8

// Categories. CategoryUnknown is returned for names the registry does not know.
const (
	CategoryUnknown Category = iota
	CategoryStandard
	CategoryEnum
	CategoryComposite
	CategoryArray
	CategoryDynamic
)

func (c Category) String() string {
	switch c {
	case CategoryStandard:
		return "standard"
	case CategoryEnum:
		return "enum"
	case CategoryComposite:
		return "composite"
	case CategoryArray:
		return "array"
	case CategoryDynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

// ArrayPrefix marks synthesized array type names (_text, _reading_status).
const ArrayPrefix = "_"

// standardTypes are the built-in relational types the codec understands.
// Both the catalog spelling and the common alias are listed.
var standardTypes = []string{
	"bool", "boolean",
	"int2", "smallint", "int4", "integer", "int8", "bigint",
	"float4", "real", "float8", "double precision", "numeric",
	"text", "varchar", "character varying", "char", "character", "name",
	"bytea", "uuid", "json", "jsonb",
	"date", "time", "timestamp", "timestamptz",
	"timestamp without time zone", "timestamp with time zone",
}

// standardNames maps Go kinds to the relational type used for them on write.
var standardNames = map[reflect.Kind]string{
	reflect.Bool:    "bool",
	reflect.Int:     "int8",
	reflect.Int8:    "int2",
	reflect.Int16:   "int2",
	reflect.Int32:   "int4",
	reflect.Int64:   "int8",
	reflect.Uint8:   "int2",
	reflect.Uint16:  "int4",
	reflect.Uint32:  "int8",
	reflect.Float32: "float4",
	reflect.Float64: "float8",
	reflect.String:  "text",
}

var bytesType = reflect.TypeFor[[]byte]()

// EnumDefinition is a validated enum: schema labels in schema order and the
// mapping to the declared Go values.
type EnumDefinition struct {
	Name   string
	GoType reflect.Type
	Labels []string

	toLabel map[string]string
	toValue map[string]reflect.Value
}

// Label returns the schema label for Go value v.
func (d *EnumDefinition) Label(v any) (string, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.String {
		return "", fmt.Errorf("%w: %T is not enum %s", dataerr.ErrIncompatibleType, v, d.Name)
	}

	label, ok := d.toLabel[rv.String()]
	if !ok {
		return "", fmt.Errorf("%w: %q is not a value of enum %s", dataerr.ErrIncompatibleType, rv.String(), d.Name)
	}

	return label, nil
}

// Value returns the Go value for schema label.
func (d *EnumDefinition) Value(label string) (any, error) {
	v, ok := d.toValue[label]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a label of enum %s", dataerr.ErrIncompatibleType, label, d.Name)
	}

	return v.Interface(), nil
}

// CompositeDefinition is a validated composite type. Attributes are in schema
// order, which equals the Go type's field order.
type CompositeDefinition struct {
	Name       string
	GoType     reflect.Type
	Attributes []CatalogAttribute
}

// ArrayDefinition is a synthesized array of a known base type.
type ArrayDefinition struct {
	Name            string
	Element         string
	ElementCategory Category
}

// DynamicSerializer writes and reads one Go type inside the dynamic envelope.
type DynamicSerializer struct {
	Key    string
	GoType reflect.Type
}

// Marshal encodes v as the envelope payload.
func (s *DynamicSerializer) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal %s: %w", dataerr.ErrPayload, s.Key, err)
	}

	return data, nil
}

// Unmarshal decodes an envelope payload into a new value of GoType.
func (s *DynamicSerializer) Unmarshal(data []byte) (any, error) {
	p := reflect.New(s.GoType)

	err := json.Unmarshal(data, p.Interface())
	if err != nil {
		return nil, fmt.Errorf("%w: unmarshal %s: %w", dataerr.ErrPayload, s.Key, err)
	}

	return p.Elem().Interface(), nil
}

// Registry is the loaded type registry. Build it with [Loader.Load].
type Registry struct {
	categories map[string]Category
	enums      map[string]*EnumDefinition
	composites map[string]*CompositeDefinition
	arrays     map[string]*ArrayDefinition
	dynamics   map[string]*DynamicSerializer

	pgNames      map[reflect.Type]string
	dynamicNames map[reflect.Type]string

	envelope   string
	conv       *rowconv.Converter
	undeclared []string
}

func newRegistry(envelope string, conv *rowconv.Converter) *Registry {
	r := &Registry{
		categories:   make(map[string]Category),
		enums:        make(map[string]*EnumDefinition),
		composites:   make(map[string]*CompositeDefinition),
		arrays:       make(map[string]*ArrayDefinition),
		dynamics:     make(map[string]*DynamicSerializer),
		pgNames:      make(map[reflect.Type]string),
		dynamicNames: make(map[reflect.Type]string),
		envelope:     envelope,
	}

	r.conv = rowconv.New(rowconv.WithNaming(conv.Naming()), rowconv.WithDecoder(r))

	for _, name := range standardTypes {
		r.categories[name] = CategoryStandard
	}

	return r
}

// synthesizeArrays adds an array type for every known base type.
func (r *Registry) synthesizeArrays() {
	bases := make([]string, 0, len(r.categories))
	for name := range r.categories {
		bases = append(bases, name)
	}

	for _, base := range bases {
		name := ArrayPrefix + base
		r.categories[name] = CategoryArray
		r.arrays[name] = &ArrayDefinition{Name: name, Element: base, ElementCategory: r.categories[base]}
	}
}

// Category returns how values of relational type name are converted.
// Catalog spellings such as "text[]" and "public.release_info" are accepted.
func (r *Registry) Category(name string) Category {
	return r.categories[r.normalize(name)]
}

// Envelope returns the relational name of the dynamic envelope type.
func (r *Registry) Envelope() string {
	return r.envelope
}

// Converter returns a converter that decodes registered types through the
// registry. It shares the naming of the loader's converter.
func (r *Registry) Converter() *rowconv.Converter {
	return r.conv
}

// EnumDefinition returns the enum named name.
func (r *Registry) EnumDefinition(name string) (*EnumDefinition, error) {
	d, ok := r.enums[r.normalize(name)]
	if !ok {
		return nil, fmt.Errorf("%w: enum %q", dataerr.ErrTypeNotFound, name)
	}

	return d, nil
}

// CompositeDefinition returns the composite named name.
func (r *Registry) CompositeDefinition(name string) (*CompositeDefinition, error) {
	d, ok := r.composites[r.normalize(name)]
	if !ok {
		return nil, fmt.Errorf("%w: composite %q", dataerr.ErrTypeNotFound, name)
	}

	return d, nil
}

// ArrayDefinition returns the array type named name.
func (r *Registry) ArrayDefinition(name string) (*ArrayDefinition, error) {
	d, ok := r.arrays[r.normalize(name)]
	if !ok {
		return nil, fmt.Errorf("%w: array %q", dataerr.ErrTypeNotFound, name)
	}

	return d, nil
}

// DynamicSerializer returns the serializer for discriminator key.
func (r *Registry) DynamicSerializer(key string) (*DynamicSerializer, error) {
	s, ok := r.dynamics[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", dataerr.ErrUnmappedDynamicKey, key)
	}

	return s, nil
}

// PgTypeNameFor returns the relational type values of t are written as.
// Pointers are looked through; slices map to the array of their element type.
func (r *Registry) PgTypeNameFor(t reflect.Type) (string, error) {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	if t == nil {
		return "", fmt.Errorf("%w: nil type", dataerr.ErrUnmappedType)
	}

	if name, ok := r.pgNames[t]; ok {
		return name, nil
	}

	switch {
	case t == bytesType:
		return "bytea", nil
	case t == timeType:
		return "timestamptz", nil
	case t == envelopeType:
		return r.envelope, nil
	case t.Kind() == reflect.Slice || t.Kind() == reflect.Array:
		elem, err := r.PgTypeNameFor(t.Elem())
		if err != nil {
			return "", err
		}

		return ArrayPrefix + elem, nil
	}

	if name, ok := standardNames[t.Kind()]; ok && t.PkgPath() == "" {
		return name, nil
	}

	return "", fmt.Errorf("%w: %s", dataerr.ErrUnmappedType, t)
}

// DynamicTypeNameFor returns the discriminator key of t, if t was declared
// dynamic. A type can be both a composite and dynamic; the caller chooses
// which write form to use.
func (r *Registry) DynamicTypeNameFor(t reflect.Type) (string, bool) {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	key, ok := r.dynamicNames[t]

	return key, ok
}

// IsPgType reports whether t is declared as an enum or composite.
func (r *Registry) IsPgType(t reflect.Type) bool {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	_, ok := r.pgNames[t]

	return ok
}

// Undeclared returns the enum and composite types found in the schema that
// no declaration maps, sorted. Values of these types are read as text.
func (r *Registry) Undeclared() []string {
	return slices.Clone(r.undeclared)
}

// Snapshot is a serializable description of the registry.
type Snapshot struct {
	Envelope   string              `json:"envelope"`
	Enums      []SnapshotEnum      `json:"enums"`
	Composites []SnapshotComposite `json:"composites"`
	Dynamic    map[string]string   `json:"dynamic"`
	Arrays     []string            `json:"arrays"`
	Undeclared []string            `json:"undeclared,omitempty"`
}

// SnapshotEnum describes one enum.
type SnapshotEnum struct {
	Name   string   `json:"name"`
	GoType string   `json:"go_type"`
	Labels []string `json:"labels"`
}

// SnapshotComposite describes one composite.
type SnapshotComposite struct {
	Name       string             `json:"name"`
	GoType     string             `json:"go_type"`
	Attributes []CatalogAttribute `json:"attributes"`
}

// Snapshot returns the registry contents sorted by name. Arrays of standard
// types are omitted.
func (r *Registry) Snapshot() Snapshot {
	s := Snapshot{Envelope: r.envelope, Dynamic: make(map[string]string, len(r.dynamics)), Undeclared: r.Undeclared()}

	for _, d := range r.enums {
		s.Enums = append(s.Enums, SnapshotEnum{Name: d.Name, GoType: d.GoType.String(), Labels: d.Labels})
	}

	for _, d := range r.composites {
		s.Composites = append(s.Composites, SnapshotComposite{Name: d.Name, GoType: d.GoType.String(), Attributes: d.Attributes})
	}

	for key, d := range r.dynamics {
		s.Dynamic[key] = d.GoType.String()
	}

	for name, d := range r.arrays {
		if d.ElementCategory != CategoryStandard {
			s.Arrays = append(s.Arrays, name)
		}
	}

	sort.Slice(s.Enums, func(i, j int) bool { return s.Enums[i].Name < s.Enums[j].Name })
	sort.Slice(s.Composites, func(i, j int) bool { return s.Composites[i].Name < s.Composites[j].Name })
	slices.Sort(s.Arrays)

	return s
}

// normalize maps catalog spellings to registry names: "x[]" becomes "_x",
// a schema qualifier is dropped and a type modifier such as (20) is removed.
func (r *Registry) normalize(name string) string {
	name = strings.TrimSpace(name)

	if base, ok := strings.CutSuffix(name, "[]"); ok {
		return ArrayPrefix + r.normalize(base)
	}

	if i := strings.IndexByte(name, '('); i > 0 {
		name = strings.TrimSpace(name[:i])
	}

	if _, ok := r.categories[name]; ok {
		return name
	}

	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}

	return strings.Trim(name, `"`)
}

var timeType = reflect.TypeFor[time.Time]()
