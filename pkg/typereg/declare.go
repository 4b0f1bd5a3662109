package typereg

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"unicode"
)

// DeclKind is what a [Declaration] maps a Go type to.
type DeclKind uint8

// Declaration kinds.
const (
	DeclEnum DeclKind = iota + 1
	DeclComposite
	DeclDynamic
)

func (k DeclKind) String() string {
	switch k {
	case DeclEnum:
		return "enum"
	case DeclComposite:
		return "composite"
	case DeclDynamic:
		return "dynamic"
	default:
		return "invalid"
	}
}

// Declaration states that a Go type maps to a relational type, or that it
// may travel inside the polymorphic envelope under a discriminator key.
//
// Build declarations with [Enum], [Composite] and [Dynamic].
type Declaration struct {
	Kind DeclKind

	// Name is the relational type name (enum, composite) or the
	// discriminator key (dynamic).
	Name string

	GoType reflect.Type

	// Module names the source that produced the declaration. Set by the loader.
	Module string

	values     []any
	convention CaseConvention
}

func (d Declaration) String() string {
	s := fmt.Sprintf("%s %s <- %s", d.Kind, d.Name, d.GoType)
	if d.Module != "" {
		s += " (module " + d.Module + ")"
	}

	return s
}

// Enum declares a string-backed Go enum mapped to relational enum pgName.
// Each value's schema label is derived with conv.
func Enum[T ~string](pgName string, conv CaseConvention, values ...T) Declaration {
	vals := make([]any, len(values))
	for i, v := range values {
		vals[i] = v
	}

	return Declaration{
		Kind:       DeclEnum,
		Name:       pgName,
		GoType:     reflect.TypeFor[T](),
		values:     vals,
		convention: conv,
	}
}

// Composite declares struct T mapped to relational composite pgName.
// Attribute order in the schema must match T's field order.
func Composite[T any](pgName string) Declaration {
	return Declaration{Kind: DeclComposite, Name: pgName, GoType: reflect.TypeFor[T]()}
}

// Dynamic declares that T may be written inside the polymorphic envelope,
// tagged with key.
func Dynamic[T any](key string) Declaration {
	return Declaration{Kind: DeclDynamic, Name: key, GoType: reflect.TypeFor[T]()}
}

// Scanner produces declarations for one module.
type Scanner func(ctx context.Context) ([]Declaration, error)

// Module is a named, static set of declarations.
type Module struct {
	Name         string
	Declarations []Declaration
}

// Scanner returns a scanner yielding the module's declarations.
func (m Module) Scanner() Scanner {
	return func(context.Context) ([]Declaration, error) {
		return m.Declarations, nil
	}
}

// ModuleSet maps module names to their scanners. The loader scans only the
// modules named in its configuration.
type ModuleSet map[string]Scanner

// Add registers m under its name.
func (s ModuleSet) Add(m Module) ModuleSet {
	s[m.Name] = m.Scanner()

	return s
}

// Case is a naming style for enum constants and labels.
type Case uint8

// Naming styles.
const (
	// Verbatim leaves text unchanged.
	Verbatim Case = iota
	// LowerSnake renders on_hold.
	LowerSnake
	// UpperSnake renders ON_HOLD.
	UpperSnake
	// Camel renders onHold.
	Camel
	// Pascal renders OnHold.
	Pascal
	// Kebab renders on-hold.
	Kebab
)

// CaseConvention pairs the style of Go constant values with the style of
// schema labels.
type CaseConvention struct {
	Code   Case
	Schema Case
}

// SameCase keeps Go values and labels identical.
var SameCase = CaseConvention{Code: Verbatim, Schema: Verbatim}

// ToSchema converts a Go constant value to its schema label.
func (c CaseConvention) ToSchema(s string) string {
	if c.Schema == Verbatim {
		return s
	}

	return c.Schema.join(splitWords(s))
}

// ToCode converts a schema label to its Go constant value.
func (c CaseConvention) ToCode(s string) string {
	if c.Code == Verbatim {
		return s
	}

	return c.Code.join(splitWords(s))
}

func (c Case) join(words []string) string {
	switch c {
	case LowerSnake:
		return strings.ToLower(strings.Join(words, "_"))
	case UpperSnake:
		return strings.ToUpper(strings.Join(words, "_"))
	case Kebab:
		return strings.ToLower(strings.Join(words, "-"))
	case Camel, Pascal:
		var b strings.Builder

		for i, w := range words {
			w = strings.ToLower(w)
			if i == 0 && c == Camel {
				b.WriteString(w)

				continue
			}

			b.WriteString(upperFirst(w))
		}

		return b.String()
	default:
		return strings.Join(words, "")
	}
}

// splitWords splits snake, kebab, camel and pascal text into words.
func splitWords(s string) []string {
	var (
		words []string
		cur   []rune
	)

	runes := []rune(s)

	for i, r := range runes {
		switch {
		case r == '_' || r == '-' || r == ' ':
			if len(cur) > 0 {
				words = append(words, string(cur))
				cur = cur[:0]
			}

			continue
		case unicode.IsUpper(r) && len(cur) > 0:
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])

			if unicode.IsLower(prev) || unicode.IsDigit(prev) || nextLower {
				words = append(words, string(cur))
				cur = cur[:0]
			}
		}

		cur = append(cur, r)
	}

	if len(cur) > 0 {
		words = append(words, string(cur))
	}

	return words
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}

	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])

	return string(r)
}
