package txplan

import (
	"fmt"
	"maps"
	"reflect"
	"slices"

	"github.com/calvinalkan/shelf/pkg/dataerr"
	"github.com/calvinalkan/shelf/pkg/pgtext"
	"github.com/calvinalkan/shelf/pkg/rowconv"
)

// view is a step result normalized for addressing. A list result keeps its
// items (row maps or scalars); a nil result is a list with no rows; any other
// result is a single item.
type view struct {
	list   bool
	items  []any
	single any
}

// normalize turns a step result into a view. Row lists, single row maps and
// scalars are taken as they are; structs and slices of structs are read
// through the converter. nil, a nil map and a nil pointer mean "no row", so
// addressing row 0 of them fails with [dataerr.ErrRowOutOfRange].
func normalize(result any, conv *rowconv.Converter) (*view, error) {
	switch x := result.(type) {
	case nil:
		return &view{list: true}, nil
	case map[string]any:
		if x == nil {
			return &view{list: true}, nil
		}

		return &view{single: x}, nil
	case []map[string]any:
		items := make([]any, len(x))
		for i, row := range x {
			items[i] = row
		}

		return &view{list: true, items: items}, nil
	case []any:
		items := make([]any, len(x))

		for i, item := range x {
			row, err := asRow(item, conv)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}

			items[i] = row
		}

		return &view{list: true, items: items}, nil
	case []byte:
		return &view{single: x}, nil
	}

	rv := reflect.ValueOf(result)

	if (rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Map) && rv.IsNil() {
		return &view{list: true}, nil
	}

	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		items := make([]any, rv.Len())

		for i := range rv.Len() {
			row, err := asRow(rv.Index(i).Interface(), conv)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}

			items[i] = row
		}

		return &view{list: true, items: items}, nil
	}

	row, err := asRow(result, conv)
	if err != nil {
		return nil, err
	}

	if row == nil {
		return &view{list: true}, nil
	}

	return &view{single: row}, nil
}

// asRow converts structs to row maps and leaves everything else alone.
func asRow(v any, conv *rowconv.Converter) (any, error) {
	if !rowconv.IsStruct(v) {
		return v, nil
	}

	row, err := conv.Encode(v)
	if err != nil {
		return nil, err
	}

	if row == nil {
		return nil, nil
	}

	return row, nil
}

func (v *view) size() int {
	if v.list {
		return len(v.items)
	}

	return 1
}

func (v *view) item(index int) (any, error) {
	if index < 0 || index >= v.size() {
		return nil, fmt.Errorf("%w: row %d of %d", dataerr.ErrRowOutOfRange, index, v.size())
	}

	if v.list {
		return v.items[index], nil
	}

	return v.single, nil
}

func (v *view) field(row int, column string) (any, error) {
	item, err := v.item(row)
	if err != nil {
		return nil, err
	}

	return cell(item, column)
}

func (v *view) column(name string, asArray bool) (any, error) {
	if !v.list {
		return nil, fmt.Errorf("%w: column %q of %T", dataerr.ErrNotAList, name, v.single)
	}

	out := make([]any, len(v.items))

	for i, item := range v.items {
		c, err := cell(item, name)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}

		out[i] = c
	}

	if asArray {
		return pgtext.Array(out), nil
	}

	return out, nil
}

func (v *view) row(index int) (map[string]any, error) {
	item, err := v.item(index)
	if err != nil {
		return nil, err
	}

	row, ok := item.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: row %d is %T, not a row", dataerr.ErrNotAList, index, item)
	}

	return maps.Clone(row), nil
}

// cell reads column from a row map. A scalar item is its own only column.
func cell(item any, column string) (any, error) {
	row, ok := item.(map[string]any)
	if !ok {
		if column != "" {
			return nil, fmt.Errorf("%w: %q on scalar %T", dataerr.ErrMissingColumn, column, item)
		}

		return item, nil
	}

	if column == "" {
		if len(row) != 1 {
			return nil, fmt.Errorf("%w: no column named and row has %d columns %v",
				dataerr.ErrMissingColumn, len(row), sortedKeys(row))
		}

		for _, v := range row {
			return v, nil
		}
	}

	v, ok := row[column]
	if !ok {
		return nil, fmt.Errorf("%w: %q not in %v", dataerr.ErrMissingColumn, column, sortedKeys(row))
	}

	return v, nil
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
