// Package planfile reads plans from JSONC documents.
//
// A document lists steps in execution order. Values inside a step may
// reference the result of an earlier step by its name:
//
//	{
//	  "steps": [
//	    {"name": "dune", "op": "insert", "table": "items", "returning": ["id"],
//	     "values": {"title": "Dune", "kind": "novel"}},
//	    {"op": "insert", "table": "loans",
//	     "values": {"item_id": {"$field": "dune", "column": "id"}, "borrower": "sam"}},
//	  ],
//	}
//
// Reference forms: {"$field": step, "row": n, "column": c},
// {"$column": step, "column": c, "array": bool} and {"$row": step, "row": n}.
// {"$dynamic": key, "value": {...}} writes value through the dynamic envelope.
package planfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/shelf/pkg/dataerr"
	"github.com/calvinalkan/shelf/pkg/sqlstep"
	"github.com/calvinalkan/shelf/pkg/txplan"
	"github.com/calvinalkan/shelf/pkg/typereg"
)

// Plan file errors.
var (
	ErrInvalid       = errors.New("invalid plan file")
	ErrUnknownOp     = errors.New("unknown step op")
	ErrDuplicateName = errors.New("duplicate step name")
)

// Document is a decoded plan file.
type Document struct {
	Steps []StepSpec `json:"steps"`
}

// StepSpec is one step of a plan file. Which fields apply depends on Op.
type StepSpec struct {
	Name      string         `json:"name,omitempty"`
	Op        string         `json:"op"`
	Table     string         `json:"table,omitempty"`
	Values    map[string]any `json:"values,omitempty"`
	Set       map[string]any `json:"set,omitempty"`
	Where     map[string]any `json:"where,omitempty"`
	SQL       string         `json:"sql,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Returning []string       `json:"returning,omitempty"`
}

// Parse decodes a JSONC plan document. Integral numbers decode as int64.
func Parse(data []byte) (*Document, error) {
	standardized, err := hujson.Standardize(bytes.Clone(data))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid JSONC: %w", ErrInvalid, err)
	}

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.UseNumber()
	dec.DisallowUnknownFields()

	var doc Document

	err = dec.Decode(&doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	for i := range doc.Steps {
		s := &doc.Steps[i]
		s.Values = numbers(s.Values).(map[string]any)
		s.Set = numbers(s.Set).(map[string]any)
		s.Where = numbers(s.Where).(map[string]any)
		s.Params = numbers(s.Params).(map[string]any)
	}

	return &doc, nil
}

// Load reads and parses the plan file at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}

	return Parse(data)
}

// numbers replaces json.Number with int64 or float64 throughout v.
func numbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := strconv.ParseInt(string(x), 10, 64); err == nil {
			return n
		}

		f, _ := x.Float64()

		return f
	case map[string]any:
		for k, item := range x {
			x[k] = numbers(item)
		}

		return x
	case []any:
		for i, item := range x {
			x[i] = numbers(item)
		}

		return x
	default:
		return v
	}
}

// Compiled is a plan built from a document.
type Compiled struct {
	Plan *txplan.Plan

	// Steps holds each step's display name and handle, in plan order.
	Steps []Named
}

// Named pairs a step name with its handle.
type Named struct {
	Name   string
	Handle txplan.StepHandle
}

// Compile builds a plan. reg may be nil when the document uses no
// $dynamic values.
func Compile(doc *Document, b sqlstep.Builder, reg *typereg.Registry) (*Compiled, error) {
	c := &compiler{
		reg:     reg,
		handles: make(map[string]txplan.StepHandle, len(doc.Steps)),
		later:   make(map[string]int, len(doc.Steps)),
	}

	for i, s := range doc.Steps {
		if s.Name == "" {
			continue
		}

		if _, dup := c.later[s.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, s.Name)
		}

		c.later[s.Name] = i
	}

	out := &Compiled{Plan: txplan.NewPlan()}

	for i, s := range doc.Steps {
		h, err := c.add(out.Plan, b, s)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, displayName(s, i), err)
		}

		if s.Name != "" {
			c.handles[s.Name] = h
		}

		out.Steps = append(out.Steps, Named{Name: displayName(s, i), Handle: h})
	}

	return out, nil
}

func displayName(s StepSpec, i int) string {
	if s.Name != "" {
		return s.Name
	}

	return fmt.Sprintf("%s#%d", s.Op, i)
}

type compiler struct {
	reg     *typereg.Registry
	handles map[string]txplan.StepHandle
	later   map[string]int
}

func (c *compiler) add(p *txplan.Plan, b sqlstep.Builder, s StepSpec) (txplan.StepHandle, error) {
	values, err := c.values(s.Values)
	if err != nil {
		return nil, fmt.Errorf("values: %w", err)
	}

	set, err := c.values(s.Set)
	if err != nil {
		return nil, fmt.Errorf("set: %w", err)
	}

	where, err := c.values(s.Where)
	if err != nil {
		return nil, fmt.Errorf("where: %w", err)
	}

	params, err := c.values(s.Params)
	if err != nil {
		return nil, fmt.Errorf("params: %w", err)
	}

	switch s.Op {
	case "insert":
		if s.Returning != nil {
			return named(txplan.Add(p, withName(b.InsertReturning(s.Table, values, s.Returning...), s.Name))), nil
		}

		return named(txplan.Add(p, withName(b.Insert(s.Table, values), s.Name))), nil
	case "update":
		return named(txplan.Add(p, withName(b.Update(s.Table, set, where), s.Name))), nil
	case "delete":
		return named(txplan.Add(p, withName(b.Delete(s.Table, where), s.Name))), nil
	case "raw":
		return named(txplan.Add(p, withName(b.Raw(s.SQL, params), s.Name))), nil
	case "query":
		return named(txplan.Add(p, withName(b.Query(s.SQL, params), s.Name))), nil
	case "query_one":
		return named(txplan.Add(p, withName(b.QueryOne(s.SQL, params), s.Name))), nil
	case "scalar":
		return named(txplan.Add(p, withName(b.Scalar(s.SQL, params), s.Name))), nil
	default:
		return nil, fmt.Errorf("%w %q (valid: insert, update, delete, raw, query, query_one, scalar)", ErrUnknownOp, s.Op)
	}
}

func named[T any](h txplan.Handle[T]) txplan.StepHandle {
	return h
}

func withName[T any](s txplan.Step[T], name string) txplan.Step[T] {
	if name != "" {
		s.Name = name
	}

	return s
}

func (c *compiler) values(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}

	out := make(map[string]any, len(m))

	for k, v := range m {
		resolved, err := c.value(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}

		out[k] = resolved
	}

	return out, nil
}

// value turns reference objects into txplan values and leaves everything
// else as a literal.
func (c *compiler) value(v any) (any, error) {
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))

		for i, item := range x {
			resolved, err := c.value(item)
			if err != nil {
				return nil, err
			}

			out[i] = resolved
		}

		return out, nil
	case map[string]any:
		return c.object(x)
	default:
		return v, nil
	}
}

func (c *compiler) object(m map[string]any) (any, error) {
	switch {
	case m["$field"] != nil:
		h, err := c.ref(m["$field"])
		if err != nil {
			return nil, err
		}

		return txplan.FieldOf(h, intField(m, "row"), stringField(m, "column")), nil
	case m["$column"] != nil:
		h, err := c.ref(m["$column"])
		if err != nil {
			return nil, err
		}

		if b, _ := m["array"].(bool); b {
			return txplan.ColumnArray(h, stringField(m, "column")), nil
		}

		return txplan.ColumnOf(h, stringField(m, "column")), nil
	case m["$row"] != nil:
		h, err := c.ref(m["$row"])
		if err != nil {
			return nil, err
		}

		return txplan.RowOf(h, intField(m, "row")), nil
	case m["$dynamic"] != nil:
		return c.dynamic(m)
	default:
		// A plain object is a JSON literal.
		return m, nil
	}
}

func (c *compiler) ref(v any) (txplan.StepHandle, error) {
	name, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("%w: step reference must be a name, got %T", ErrInvalid, v)
	}

	if h, ok := c.handles[name]; ok {
		return h, nil
	}

	if _, ok := c.later[name]; ok {
		return nil, fmt.Errorf("%w: %q is not defined before its use", dataerr.ErrForwardReference, name)
	}

	return nil, fmt.Errorf("%w: no step named %q", dataerr.ErrUnknownHandle, name)
}

func (c *compiler) dynamic(m map[string]any) (any, error) {
	key, _ := m["$dynamic"].(string)

	if c.reg == nil {
		return nil, fmt.Errorf("%w: $dynamic %q needs a type registry", ErrInvalid, key)
	}

	ser, err := c.reg.DynamicSerializer(key)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(m["value"])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", dataerr.ErrPayload, err)
	}

	v, err := ser.Unmarshal(data)
	if err != nil {
		return nil, err
	}

	return typereg.Envelope{Key: key, Value: v}, nil
}

func intField(m map[string]any, key string) int {
	switch n := m[key].(type) {
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)

	return s
}
