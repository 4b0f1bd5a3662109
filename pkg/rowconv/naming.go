package rowconv

import (
	"strings"
	"unicode"
)

// Naming derives a row key from a Go field name.
type Naming uint8

// Naming conventions.
const (
	// SnakeCase maps ReleaseYear to release_year and TitleID to title_id.
	SnakeCase Naming = iota
	// CamelCase maps ReleaseYear to releaseYear.
	CamelCase
	// Identity uses the Go field name unchanged.
	Identity
)

// Key returns the row key for field name.
func (n Naming) Key(name string) string {
	switch n {
	case CamelCase:
		return lowerFirst(name)
	case Identity:
		return name
	default:
		return toSnake(name)
	}
}

func (n Naming) String() string {
	switch n {
	case CamelCase:
		return "camel"
	case Identity:
		return "identity"
	default:
		return "snake"
	}
}

func toSnake(s string) string {
	runes := []rune(s)

	var b strings.Builder

	b.Grow(len(s) + 4)

	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])

				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}

			b.WriteRune(unicode.ToLower(r))

			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}

	runes := []rune(s)
	runes[0] = unicode.ToLower(runes[0])

	return string(runes)
}
