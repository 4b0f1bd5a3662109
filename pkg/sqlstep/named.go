package sqlstep

import (
	"fmt"
	"strings"

	"github.com/calvinalkan/shelf/pkg/dataerr"
)

// compileNamed rewrites ":name" params to the dialect's placeholders and
// returns the bound args in placeholder order. Quoted strings, quoted
// identifiers, dollar-quoted bodies, comments and "::" casts are left alone. Postgres reuses
// one placeholder for a repeated name; SQLite binds it once per occurrence.
func (b Builder) compileNamed(query string, params map[string]any) (string, []any, error) {
	var out strings.Builder

	out.Grow(len(query))

	var (
		keys     []string
		numbered = map[string]int{}
	)

	for i := 0; i < len(query); i++ {
		c := query[i]

		switch {
		case c == '\'' || c == '"':
			end := skipQuoted(query, i, c)
			out.WriteString(query[i:end])
			i = end - 1
		case c == '-' && i+1 < len(query) && query[i+1] == '-':
			end := strings.IndexByte(query[i:], '\n')
			if end < 0 {
				end = len(query) - i
			}

			out.WriteString(query[i : i+end])
			i += end - 1
		case c == '/' && i+1 < len(query) && query[i+1] == '*':
			end := skipBlockComment(query, i)
			out.WriteString(query[i:end])
			i = end - 1
		case c == '$' && dollarTag(query, i) != "":
			end := skipDollarQuoted(query, i, dollarTag(query, i))
			out.WriteString(query[i:end])
			i = end - 1
		case c == ':' && i+1 < len(query) && query[i+1] == ':':
			out.WriteString("::")
			i++
		case c == ':' && i+1 < len(query) && isNameStart(query[i+1]):
			j := i + 1
			for j < len(query) && isNamePart(query[j]) {
				j++
			}

			name := query[i+1 : j]
			i = j - 1

			if n, ok := numbered[name]; ok && b.Dialect == Postgres {
				out.WriteString(b.Dialect.placeholder(n))

				continue
			}

			keys = append(keys, name)
			numbered[name] = len(keys)
			out.WriteString(b.Dialect.placeholder(len(keys)))
		default:
			out.WriteByte(c)
		}
	}

	for _, k := range keys {
		if _, ok := params[k]; !ok {
			return "", nil, fmt.Errorf("%w: statement uses :%s but no such param was given", dataerr.ErrQuery, k)
		}
	}

	args, err := b.bind(params, keys)
	if err != nil {
		return "", nil, err
	}

	return out.String(), args, nil
}

// skipQuoted returns the index just past the quoted run starting at i.
// A doubled quote character is an escaped quote.
func skipQuoted(s string, i int, quote byte) int {
	for j := i + 1; j < len(s); j++ {
		if s[j] != quote {
			continue
		}

		if j+1 < len(s) && s[j+1] == quote {
			j++

			continue
		}

		return j + 1
	}

	return len(s)
}

// skipBlockComment returns the index just past the comment starting at i.
// Block comments nest, as in Postgres.
func skipBlockComment(s string, i int) int {
	depth := 0

	for j := i; j+1 < len(s); j++ {
		switch {
		case s[j] == '/' && s[j+1] == '*':
			depth++
			j++
		case s[j] == '*' && s[j+1] == '/':
			depth--
			j++

			if depth == 0 {
				return j + 1
			}
		}
	}

	return len(s)
}

// dollarTag returns the opening delimiter ("$$" or "$tag$") at i, or "" when
// the '$' does not open a dollar-quoted string ("$1" placeholders, for one).
func dollarTag(s string, i int) string {
	j := i + 1
	if j < len(s) && isNameStart(s[j]) {
		for j < len(s) && isNamePart(s[j]) {
			j++
		}
	}

	if j >= len(s) || s[j] != '$' {
		return ""
	}

	// "a$b$" is part of an identifier, not a quote.
	if i > 0 && isNamePart(s[i-1]) {
		return ""
	}

	return s[i : j+1]
}

// skipDollarQuoted returns the index just past the body opened by tag at i.
func skipDollarQuoted(s string, i int, tag string) int {
	end := strings.Index(s[i+len(tag):], tag)
	if end < 0 {
		return len(s)
	}

	return i + len(tag) + end + len(tag)
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNamePart(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}
