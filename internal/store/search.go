package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"
	"time"

	"github.com/qrelscope/qrelscope/internal/db"
	"github.com/qrelscope/qrelscope/internal/fulltext"
	"github.com/qrelscope/qrelscope/internal/pkg/errors"
)

// SearchDocuments ranks documents against a free-text query. Hits are ordered
// by score descending, then document id, then insertion order.
func (s *Service) SearchDocuments(ctx context.Context, req SearchRequest) (page *Paginated[DocumentSearchHit], err error) {
	defer func(start time.Time) { s.observe("search_documents", start, err) }(time.Now())

	if fulltext.IsBlank(req.Query) {
		return nil, errors.MalformedError("search query is required")
	}
	limit, err := s.window(req.Limit, req.Offset)
	if err != nil {
		return nil, err
	}

	page = &Paginated[DocumentSearchHit]{Items: []DocumentSearchHit{}, Offset: req.Offset}
	sel := &selection{}
	if !s.match(sel, fulltext.Documents, req.Query, "m", "d.pkey") {
		return page, nil
	}
	if len(req.Corpora) > 0 {
		args := make([]any, len(req.Corpora))
		for i, name := range req.Corpora {
			args[i] = name
		}
		sel.filter("c.name IN "+placeholders(1, len(args)), args...)
	}

	type hit struct {
		pkey int64
		DocumentSearchHit
	}
	var hits []hit

	err = s.db.ReadTx(ctx, func(tx *db.Tx) error {
		count := &sqlBuilder{}
		count.add("SELECT COUNT(*) FROM documents d JOIN corpora c ON c.pkey = d.corpus_pkey")
		sel.writeJoins(count)
		sel.writeWhere(count)
		if err := tx.QueryRowContext(ctx, count.String(), count.args...).Scan(&page.TotalNumItems); err != nil {
			return err
		}
		if page.TotalNumItems == 0 {
			return nil
		}

		b := &sqlBuilder{}
		b.add("SELECT d.pkey, d.id, d.title, c.name, m.score FROM documents d JOIN corpora c ON c.pkey = d.corpus_pkey")
		sel.writeJoins(b)
		sel.writeWhere(b)
		b.add(" ORDER BY m.score DESC, d.id ASC, d.pkey ASC LIMIT ? OFFSET ?", limit, req.Offset)

		rows, err := tx.QueryContext(ctx, b.String(), b.args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var h hit
			if err := rows.Scan(&h.pkey, &h.ID, &h.Title, &h.CorpusName, &h.Score); err != nil {
				return err
			}
			hits = append(hits, h)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		if req.NoSnippets {
			return nil
		}
		for i := range hits {
			snippet, err := s.snippet(ctx, tx, req.Query, hits[i].pkey)
			if err != nil {
				return err
			}
			hits[i].Snippet = snippet
		}
		return nil
	})
	if err != nil {
		return nil, storageError(err, "", "failed to search documents")
	}

	for _, h := range hits {
		page.Items = append(page.Items, h.DocumentSearchHit)
	}
	return page, nil
}

// snippet renders the highlighted fragment of one document, bounded to the
// configured length.
func (s *Service) snippet(ctx context.Context, tx *db.Tx, term string, pkey int64) (string, error) {
	hl := s.cfg.Highlight
	query, args := s.fts.Snippet(term, pkey, hl)

	var text sql.NullString
	err := tx.QueryRowContext(ctx, query, args...).Scan(&text)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return fulltext.Truncate(strings.TrimSpace(text.String), hl, hl.Length), nil
}
