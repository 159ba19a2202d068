// Package fulltext adapts free-text match terms to the search grammar of each
// supported engine and produces scoring and snippet SQL.
package fulltext

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Target is the searchable entity.
type Target int

const (
	// Documents searches document titles and texts.
	Documents Target = iota
	// Queries searches query texts.
	Queries
)

// Highlight configures snippet markup.
type Highlight struct {
	Open   string
	Close  string
	Length int
}

// DefaultHighlight matches the original service's snippet settings.
func DefaultHighlight() Highlight {
	return Highlight{Open: "<b>", Close: "</b>", Length: 500}
}

// Dialect builds engine-specific match and snippet SQL. All SQL uses ?
// placeholders; args are returned in placeholder order.
type Dialect interface {
	// Name returns the engine identifier.
	Name() string

	// Match returns a subquery yielding (pkey, score) for rows of target that
	// match term. Higher scores are better. ok is false when term contains
	// nothing searchable; such a term matches no rows.
	Match(target Target, term string) (query string, args []any, ok bool)

	// Snippet returns a query selecting one highlighted fragment of the
	// document with the given pkey.
	Snippet(term string, pkey int64, hl Highlight) (query string, args []any)
}

// New returns the dialect registered under name.
func New(name string) (Dialect, error) {
	switch name {
	case "fts5":
		return FTS5{}, nil
	case "tsvector":
		return TSVector{}, nil
	case "paradedb":
		return ParadeDB{}, nil
	default:
		return nil, fmt.Errorf("unknown fulltext engine: %q", name)
	}
}

// IsBlank reports whether a match term should be ignored entirely.
func IsBlank(term string) bool {
	return strings.TrimSpace(term) == ""
}

// specialChars are escaped for engines that accept raw query grammar.
const specialChars = "^{}[]()<>'\"`\\"

// Escape prefixes every grammar-significant character with a backslash so
// user input is read as literal text.
func Escape(q string) string {
	var sb strings.Builder
	sb.Grow(len(q))
	for _, r := range q {
		if strings.ContainsRune(specialChars, r) {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Tokens splits a term into word tokens, dropping punctuation and operators.
func Tokens(term string) []string {
	return strings.FieldsFunc(term, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Truncate shortens a highlighted snippet to at most limit visible characters.
// Highlight tags are not counted and an open highlight is closed.
func Truncate(snippet string, hl Highlight, limit int) string {
	if limit <= 0 {
		return snippet
	}

	var sb strings.Builder
	visible := 0
	open := false
	for i := 0; i < len(snippet); {
		if hl.Close != "" && strings.HasPrefix(snippet[i:], hl.Close) {
			sb.WriteString(hl.Close)
			i += len(hl.Close)
			open = false
			continue
		}
		if visible == limit {
			break
		}
		if hl.Open != "" && strings.HasPrefix(snippet[i:], hl.Open) {
			sb.WriteString(hl.Open)
			i += len(hl.Open)
			open = true
			continue
		}

		_, size := utf8.DecodeRuneInString(snippet[i:])
		sb.WriteString(snippet[i : i+size])
		i += size
		visible++
	}

	if open {
		sb.WriteString(hl.Close)
	}
	return sb.String()
}
