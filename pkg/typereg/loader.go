package typereg

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/shelf/pkg/dataerr"
	"github.com/calvinalkan/shelf/pkg/rowconv"
)

// DefaultEnvelope is the composite used for dynamic values unless configured
// otherwise. It must have exactly two attributes: the key and the payload.
const DefaultEnvelope = "dynamic_payload"

// LoaderConfig selects what the loader scans.
type LoaderConfig struct {
	// Modules names the declaration modules to scan, in order.
	Modules []string

	// Schemas restricts the catalog query. Default: ["public"].
	Schemas []string

	// DynamicType is the envelope composite. Default: [DefaultEnvelope].
	DynamicType string
}

// LoaderOption configures a [Loader].
type LoaderOption func(*Loader)

// WithLogger sets the logger. Default: no-op.
func WithLogger(l *zap.Logger) LoaderOption {
	return func(ld *Loader) { ld.logger = l }
}

// WithConverter sets the converter used to derive composite field order and
// later to decode composites. Default: [rowconv.New].
func WithConverter(c *rowconv.Converter) LoaderOption {
	return func(ld *Loader) { ld.conv = c }
}

// Loader builds a [Registry] from declarations and the schema catalog.
type Loader struct {
	catalog Catalog
	modules ModuleSet
	cfg     LoaderConfig
	logger  *zap.Logger
	conv    *rowconv.Converter
}

// NewLoader returns a loader reading declarations from modules and schema
// definitions from catalog.
func NewLoader(catalog Catalog, modules ModuleSet, cfg LoaderConfig, opts ...LoaderOption) *Loader {
	if len(cfg.Schemas) == 0 {
		cfg.Schemas = []string{"public"}
	}

	if cfg.DynamicType == "" {
		cfg.DynamicType = DefaultEnvelope
	}

	l := &Loader{
		catalog: catalog,
		modules: modules,
		cfg:     cfg,
		logger:  zap.NewNop(),
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.conv == nil {
		l.conv = rowconv.New()
	}

	return l
}

// Load scans the configured modules and queries the catalog concurrently,
// then merges both into a registry.
//
// Every problem found during the merge is reported; the returned error joins
// them and matches each sentinel with errors.Is.
func (l *Loader) Load(ctx context.Context) (*Registry, error) {
	start := time.Now()

	var (
		decls      []Declaration
		enums      []CatalogEnum
		composites []CatalogComposite
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error

		decls, err = l.scan(gctx)

		return err
	})

	g.Go(func() error {
		var err error

		enums, err = l.catalog.Enums(gctx, l.cfg.Schemas)
		if err != nil {
			return fmt.Errorf("%w: enums: %w", dataerr.ErrCatalog, err)
		}

		return nil
	})

	g.Go(func() error {
		var err error

		composites, err = l.catalog.Composites(gctx, l.cfg.Schemas)
		if err != nil {
			return fmt.Errorf("%w: composites: %w", dataerr.ErrCatalog, err)
		}

		return nil
	})

	err := g.Wait()
	if err != nil {
		return nil, err
	}

	reg, err := l.merge(decls, enums, composites)
	if err != nil {
		l.logger.Error("type registry rejected", zap.Error(err))

		return nil, err
	}

	if len(reg.undeclared) > 0 {
		l.logger.Warn("schema types without declaration", zap.Strings("types", reg.undeclared))
	}

	l.logger.Info("type registry loaded",
		zap.Strings("modules", l.cfg.Modules),
		zap.Strings("schemas", l.cfg.Schemas),
		zap.Int("enums", len(reg.enums)),
		zap.Int("composites", len(reg.composites)),
		zap.Int("dynamic", len(reg.dynamics)),
		zap.Int("arrays", len(reg.arrays)),
		zap.Duration("elapsed", time.Since(start)),
	)

	return reg, nil
}

func (l *Loader) scan(ctx context.Context) ([]Declaration, error) {
	var out []Declaration

	for _, name := range l.cfg.Modules {
		scanner, ok := l.modules[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown module %q", dataerr.ErrScan, name)
		}

		decls, err := scanner(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: module %q: %w", dataerr.ErrScan, name, err)
		}

		for _, d := range decls {
			if d.GoType == nil || d.Name == "" {
				return nil, fmt.Errorf("%w: module %q: incomplete declaration %s", dataerr.ErrScan, name, d)
			}

			d.Module = name
			out = append(out, d)
		}

		l.logger.Debug("module scanned", zap.String("module", name), zap.Int("declarations", len(decls)))
	}

	return out, nil
}

func (l *Loader) merge(decls []Declaration, enums []CatalogEnum, composites []CatalogComposite) (*Registry, error) {
	var errs []error

	schemaEnums := make(map[string]CatalogEnum, len(enums))
	schemaComposites := make(map[string]CatalogComposite, len(composites))
	schemaOf := make(map[string]string)

	for _, e := range enums {
		if prev, ok := schemaOf[e.Name]; ok {
			errs = append(errs, fmt.Errorf("%w: schema type %q defined in %s and %s", dataerr.ErrDuplicateType, e.Name, prev, e.Schema))

			continue
		}

		schemaOf[e.Name] = e.Schema
		schemaEnums[e.Name] = e
	}

	for _, c := range composites {
		if prev, ok := schemaOf[c.Name]; ok {
			errs = append(errs, fmt.Errorf("%w: schema type %q defined in %s and %s", dataerr.ErrDuplicateType, c.Name, prev, c.Schema))

			continue
		}

		schemaOf[c.Name] = c.Schema
		schemaComposites[c.Name] = c
	}

	reg := newRegistry(l.cfg.DynamicType, l.conv)

	byName := make(map[string]Declaration)
	byType := make(map[reflect.Type]Declaration)
	byKey := make(map[string]Declaration)
	byDynamicType := make(map[reflect.Type]Declaration)

	for _, d := range decls {
		if d.Kind == DeclDynamic {
			if prev, ok := byKey[d.Name]; ok {
				errs = append(errs, fmt.Errorf("%w: dynamic key %q declared by %s and %s", dataerr.ErrDuplicateType, d.Name, prev, d))

				continue
			}

			if prev, ok := byDynamicType[d.GoType]; ok {
				errs = append(errs, fmt.Errorf("%w: %s declared dynamic twice: %s and %s", dataerr.ErrDuplicateType, d.GoType, prev, d))

				continue
			}

			byKey[d.Name] = d
			byDynamicType[d.GoType] = d
			reg.dynamics[d.Name] = &DynamicSerializer{Key: d.Name, GoType: d.GoType}
			reg.dynamicNames[d.GoType] = d.Name

			continue
		}

		if prev, ok := byName[d.Name]; ok {
			errs = append(errs, fmt.Errorf("%w: type %q declared by %s and %s", dataerr.ErrDuplicateType, d.Name, prev, d))

			continue
		}

		if prev, ok := byType[d.GoType]; ok {
			errs = append(errs, fmt.Errorf("%w: %s mapped twice: %s and %s", dataerr.ErrDuplicateType, d.GoType, prev, d))

			continue
		}

		if _, ok := reg.categories[d.Name]; ok || d.Name == l.cfg.DynamicType {
			errs = append(errs, fmt.Errorf("%w: %s reuses a reserved type name", dataerr.ErrDuplicateType, d))

			continue
		}

		byName[d.Name] = d
		byType[d.GoType] = d

		var err error

		switch d.Kind {
		case DeclEnum:
			err = l.mergeEnum(reg, d, schemaEnums, schemaComposites)
		case DeclComposite:
			err = l.mergeComposite(reg, d, schemaEnums, schemaComposites)
		default:
			err = fmt.Errorf("%w: %s has invalid kind", dataerr.ErrScan, d)
		}

		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(byKey) > 0 {
		err := l.mergeEnvelope(reg, schemaComposites)
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	for name := range schemaOf {
		if _, ok := byName[name]; !ok && name != l.cfg.DynamicType {
			reg.undeclared = append(reg.undeclared, name)
		}
	}

	slices.Sort(reg.undeclared)

	reg.synthesizeArrays()

	return reg, nil
}

func (l *Loader) mergeEnum(reg *Registry, d Declaration, enums map[string]CatalogEnum, composites map[string]CatalogComposite) error {
	schema, ok := enums[d.Name]
	if !ok {
		if _, isComposite := composites[d.Name]; isComposite {
			return fmt.Errorf("%w: %s but schema type is a composite", dataerr.ErrSchemaMismatch, d)
		}

		return fmt.Errorf("%w: %s", dataerr.ErrTypeNotInSchema, d)
	}

	def := &EnumDefinition{
		Name:    d.Name,
		GoType:  d.GoType,
		Labels:  slices.Clone(schema.Labels),
		toLabel: make(map[string]string, len(d.values)),
		toValue: make(map[string]reflect.Value, len(d.values)),
	}

	for _, v := range d.values {
		rv := reflect.ValueOf(v)
		label := d.convention.ToSchema(rv.String())

		if _, dup := def.toValue[label]; dup {
			return fmt.Errorf("%w: %s maps two values to label %q", dataerr.ErrDuplicateType, d, label)
		}

		def.toLabel[rv.String()] = label
		def.toValue[label] = rv
	}

	var missing, extra []string

	for _, label := range schema.Labels {
		if _, ok := def.toValue[label]; !ok {
			missing = append(missing, label)
		}
	}

	for label := range def.toValue {
		if !slices.Contains(schema.Labels, label) {
			extra = append(extra, label)
		}
	}

	if len(missing) > 0 || len(extra) > 0 {
		slices.Sort(extra)

		return fmt.Errorf("%w: %s: labels not declared [%s], declared values not in schema [%s]",
			dataerr.ErrSchemaMismatch, d, strings.Join(missing, " "), strings.Join(extra, " "))
	}

	reg.enums[d.Name] = def
	reg.categories[d.Name] = CategoryEnum
	reg.pgNames[d.GoType] = d.Name

	return nil
}

func (l *Loader) mergeComposite(reg *Registry, d Declaration, enums map[string]CatalogEnum, composites map[string]CatalogComposite) error {
	schema, ok := composites[d.Name]
	if !ok {
		if _, isEnum := enums[d.Name]; isEnum {
			return fmt.Errorf("%w: %s but schema type is an enum", dataerr.ErrSchemaMismatch, d)
		}

		return fmt.Errorf("%w: %s", dataerr.ErrTypeNotInSchema, d)
	}

	fields, err := l.conv.Fields(d.GoType)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", dataerr.ErrSchemaMismatch, d, err)
	}

	keys := make([]string, len(fields))
	for i, f := range fields {
		keys[i] = f.Key
	}

	attrs := make([]string, len(schema.Attributes))
	for i, a := range schema.Attributes {
		attrs[i] = a.Name
	}

	if !slices.Equal(keys, attrs) {
		return fmt.Errorf("%w: %s: schema attributes (%s) differ from fields (%s)",
			dataerr.ErrSchemaMismatch, d, strings.Join(attrs, ", "), strings.Join(keys, ", "))
	}

	reg.composites[d.Name] = &CompositeDefinition{
		Name:       d.Name,
		GoType:     d.GoType,
		Attributes: slices.Clone(schema.Attributes),
	}
	reg.categories[d.Name] = CategoryComposite
	reg.pgNames[d.GoType] = d.Name

	return nil
}

func (l *Loader) mergeEnvelope(reg *Registry, composites map[string]CatalogComposite) error {
	name := l.cfg.DynamicType

	schema, ok := composites[name]
	if !ok {
		return fmt.Errorf("%w: dynamic envelope %q", dataerr.ErrTypeNotInSchema, name)
	}

	if len(schema.Attributes) != 2 {
		return fmt.Errorf("%w: dynamic envelope %q must have 2 attributes, has %d",
			dataerr.ErrSchemaMismatch, name, len(schema.Attributes))
	}

	reg.categories[name] = CategoryDynamic

	return nil
}
