package fulltext

import (
	"strconv"
	"strings"
)

// FTS5 targets SQLite external-content FTS5 tables ranked with bm25.
type FTS5 struct{}

// Name implements Dialect.
func (FTS5) Name() string { return "fts5" }

// Match implements Dialect. Tokens are quoted so that FTS5 operators and
// column filters in user input are read as plain words.
func (FTS5) Match(target Target, term string) (string, []any, bool) {
	expr, ok := fts5Expression(term)
	if !ok {
		return "", nil, false
	}
	table := fts5Table(target)
	// bm25 is lower-is-better
	query := "SELECT rowid AS pkey, -bm25(" + table + ") AS score FROM " + table +
		" WHERE " + table + " MATCH ?"
	return query, []any{expr}, true
}

// Snippet implements Dialect.
func (FTS5) Snippet(term string, pkey int64, hl Highlight) (string, []any) {
	expr, ok := fts5Expression(term)
	if !ok {
		return "SELECT text FROM documents WHERE pkey = ?", []any{pkey}
	}
	// column 1 is the document text
	query := "SELECT snippet(documents_fts, 1, ?, ?, '...', 64) FROM documents_fts " +
		"WHERE documents_fts MATCH ? AND rowid = ?"
	return query, []any{hl.Open, hl.Close, expr, pkey}
}

func fts5Table(target Target) string {
	if target == Queries {
		return "queries_fts"
	}
	return "documents_fts"
}

// fts5Expression ORs the quoted tokens of term.
func fts5Expression(term string) (string, bool) {
	tokens := Tokens(term)
	if len(tokens) == 0 {
		return "", false
	}
	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = strconv.Quote(tok)
	}
	return strings.Join(quoted, " OR "), true
}

// TSVector targets PostgreSQL generated tsvector columns ranked with ts_rank.
type TSVector struct{}

// Name implements Dialect.
func (TSVector) Name() string { return "tsvector" }

// Match implements Dialect.
func (TSVector) Match(target Target, term string) (string, []any, bool) {
	expr, ok := tsQueryExpression(term)
	if !ok {
		return "", nil, false
	}
	table := "documents"
	if target == Queries {
		table = "queries"
	}
	query := "SELECT t.pkey AS pkey, ts_rank(t.search_vector, tq.query) AS score FROM " + table +
		" t, to_tsquery('english', ?) AS tq(query) WHERE t.search_vector @@ tq.query"
	return query, []any{expr}, true
}

// Snippet implements Dialect.
func (TSVector) Snippet(term string, pkey int64, hl Highlight) (string, []any) {
	expr, ok := tsQueryExpression(term)
	if !ok {
		return "SELECT text FROM documents WHERE pkey = ?", []any{pkey}
	}
	options := "StartSel=" + headlineOption(hl.Open) + ", StopSel=" + headlineOption(hl.Close) +
		", MaxWords=60, MinWords=20"
	query := "SELECT ts_headline('english', text, to_tsquery('english', ?), ?) FROM documents WHERE pkey = ?"
	return query, []any{expr, options, pkey}
}

// tsQueryExpression ORs single-quoted lexemes for to_tsquery.
func tsQueryExpression(term string) (string, bool) {
	tokens := Tokens(term)
	if len(tokens) == 0 {
		return "", false
	}
	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = "'" + tok + "'"
	}
	return strings.Join(quoted, " | "), true
}

func headlineOption(v string) string {
	return `"` + strings.ReplaceAll(v, `"`, `""`) + `"`
}

// ParadeDB targets pg_search BM25 indexes. It passes the escaped term to the
// engine's own query parser.
type ParadeDB struct{}

// Name implements Dialect.
func (ParadeDB) Name() string { return "paradedb" }

// Match implements Dialect.
func (ParadeDB) Match(target Target, term string) (string, []any, bool) {
	if len(Tokens(term)) == 0 {
		return "", nil, false
	}
	table := "documents"
	if target == Queries {
		table = "queries"
	}
	query := "SELECT pkey, paradedb.score(pkey) AS score FROM " + table + " WHERE text @@@ ?"
	return query, []any{Escape(term)}, true
}

// Snippet implements Dialect.
func (ParadeDB) Snippet(term string, pkey int64, hl Highlight) (string, []any) {
	if len(Tokens(term)) == 0 {
		return "SELECT text FROM documents WHERE pkey = ?", []any{pkey}
	}
	query := "SELECT paradedb.snippet(text, ?, ?, ?) FROM documents WHERE text @@@ ? AND pkey = ?"
	return query, []any{hl.Open, hl.Close, hl.Length, Escape(term), pkey}
}
