package typereg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/shelf/pkg/pgtext"
)

// CatalogEnum is an enum type as defined in the live schema.
type CatalogEnum struct {
	Schema string   `json:"schema"`
	Name   string   `json:"name"`
	Labels []string `json:"labels"`
}

// CatalogAttribute is one attribute of a composite type.
type CatalogAttribute struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// CatalogComposite is a composite type as defined in the live schema.
// Attributes are in their authoritative (attnum) order.
type CatalogComposite struct {
	Schema     string             `json:"schema"`
	Name       string             `json:"name"`
	Attributes []CatalogAttribute `json:"attributes"`
}

// Catalog reads type definitions from the live schema.
type Catalog interface {
	Enums(ctx context.Context, schemas []string) ([]CatalogEnum, error)
	Composites(ctx context.Context, schemas []string) ([]CatalogComposite, error)
}

// Queryer is the subset of *sql.DB / *sql.Tx the postgres catalog needs.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// PostgresCatalog reads pg_catalog through database/sql.
type PostgresCatalog struct {
	DB Queryer
}

const enumQuery = `
SELECT n.nspname, t.typname, e.enumlabel
FROM pg_catalog.pg_type t
JOIN pg_catalog.pg_enum e ON e.enumtypid = t.oid
JOIN pg_catalog.pg_namespace n ON n.oid = t.typnamespace
WHERE n.nspname = ANY($1::text[])
ORDER BY n.nspname, t.typname, e.enumsortorder`

// Only standalone composite types (relkind 'c'); table row types are excluded.
const compositeQuery = `
SELECT n.nspname, t.typname, a.attname, pg_catalog.format_type(a.atttypid, a.atttypmod)
FROM pg_catalog.pg_type t
JOIN pg_catalog.pg_namespace n ON n.oid = t.typnamespace
JOIN pg_catalog.pg_class c ON c.oid = t.typrelid AND c.relkind = 'c'
JOIN pg_catalog.pg_attribute a ON a.attrelid = c.oid AND a.attnum > 0 AND NOT a.attisdropped
WHERE t.typtype = 'c' AND n.nspname = ANY($1::text[])
ORDER BY n.nspname, t.typname, a.attnum`

// Enums implements [Catalog].
func (c PostgresCatalog) Enums(ctx context.Context, schemas []string) ([]CatalogEnum, error) {
	rows, err := c.DB.QueryContext(ctx, enumQuery, schemaArray(schemas))
	if err != nil {
		return nil, fmt.Errorf("query enums: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var out []CatalogEnum

	for rows.Next() {
		var schema, name, label string

		err = rows.Scan(&schema, &name, &label)
		if err != nil {
			return nil, fmt.Errorf("scan enum: %w", err)
		}

		if n := len(out); n > 0 && out[n-1].Schema == schema && out[n-1].Name == name {
			out[n-1].Labels = append(out[n-1].Labels, label)

			continue
		}

		out = append(out, CatalogEnum{Schema: schema, Name: name, Labels: []string{label}})
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("iterate enums: %w", err)
	}

	return out, nil
}

// Composites implements [Catalog].
func (c PostgresCatalog) Composites(ctx context.Context, schemas []string) ([]CatalogComposite, error) {
	rows, err := c.DB.QueryContext(ctx, compositeQuery, schemaArray(schemas))
	if err != nil {
		return nil, fmt.Errorf("query composites: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var out []CatalogComposite

	for rows.Next() {
		var schema, name string

		var attr CatalogAttribute

		err = rows.Scan(&schema, &name, &attr.Name, &attr.Type)
		if err != nil {
			return nil, fmt.Errorf("scan composite: %w", err)
		}

		if n := len(out); n > 0 && out[n-1].Schema == schema && out[n-1].Name == name {
			out[n-1].Attributes = append(out[n-1].Attributes, attr)

			continue
		}

		out = append(out, CatalogComposite{Schema: schema, Name: name, Attributes: []CatalogAttribute{attr}})
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("iterate composites: %w", err)
	}

	return out, nil
}

func schemaArray(schemas []string) pgtext.Array {
	arr := make(pgtext.Array, len(schemas))
	for i, s := range schemas {
		arr[i] = s
	}

	return arr
}

// StaticCatalog is an in-memory catalog. It stands in for pg_catalog on
// databases without user-defined types (SQLite) and in tests.
type StaticCatalog struct {
	EnumTypes      []CatalogEnum      `json:"enums"`
	CompositeTypes []CatalogComposite `json:"composites"`
}

// Enums implements [Catalog].
func (c *StaticCatalog) Enums(_ context.Context, schemas []string) ([]CatalogEnum, error) {
	var out []CatalogEnum

	for _, e := range c.EnumTypes {
		if inSchemas(e.Schema, schemas) {
			out = append(out, e)
		}
	}

	return out, nil
}

// Composites implements [Catalog].
func (c *StaticCatalog) Composites(_ context.Context, schemas []string) ([]CatalogComposite, error) {
	var out []CatalogComposite

	for _, comp := range c.CompositeTypes {
		if inSchemas(comp.Schema, schemas) {
			out = append(out, comp)
		}
	}

	return out, nil
}

// An empty schema on a static entry means "public".
func inSchemas(schema string, schemas []string) bool {
	if schema == "" {
		schema = "public"
	}

	return slices.Contains(schemas, schema)
}

// ParseStaticCatalog parses a JSONC catalog document:
//
//	{
//	  "enums": [{"name": "reading_status", "labels": ["planned", "reading"]}],
//	  "composites": [{"name": "release_info", "attributes": [{"name": "year", "type": "integer"}]}],
//	}
func ParseStaticCatalog(data []byte) (*StaticCatalog, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("invalid JSONC: %w", err)
	}

	var c StaticCatalog

	err = json.Unmarshal(standardized, &c)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	return &c, nil
}

// LoadStaticCatalog reads a catalog document from path.
func LoadStaticCatalog(path string) (*StaticCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	c, err := ParseStaticCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}

	return c, nil
}
