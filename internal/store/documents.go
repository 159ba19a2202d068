package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/qrelscope/qrelscope/internal/bus"
	"github.com/qrelscope/qrelscope/internal/db"
	"github.com/qrelscope/qrelscope/internal/fulltext"
	"github.com/qrelscope/qrelscope/internal/pkg/errors"
)

// documentQRels joins every judgment of d with the dataset that owns it, so
// each judgment is tested against its own threshold.
const documentQRels = " LEFT JOIN qrels r ON r.document_pkey = d.pkey" +
	" LEFT JOIN queries q ON q.pkey = r.query_pkey" +
	" LEFT JOIN datasets ds ON ds.pkey = q.dataset_pkey"

// AddDocuments inserts documents into a corpus. Either every document is
// stored or none is.
func (s *Service) AddDocuments(ctx context.Context, corpusName string, documents []DocumentInfo) (err error) {
	defer func(start time.Time) { s.observe("add_documents", start, err) }(time.Now())

	for i, d := range documents {
		if d.ID == "" {
			return errors.MalformedError(fmt.Sprintf("document %d has an empty id", i))
		}
	}
	if len(documents) == 0 {
		return nil
	}

	details := map[string]string{"corpus_name": corpusName}
	err = s.db.WithTx(ctx, func(tx *db.Tx) error {
		pkey, found, err := corpusKey(ctx, tx, corpusName)
		if err != nil {
			return err
		}
		if !found {
			return missingParent("corpus does not exist", details)
		}

		return chunk(len(documents), s.cfg.BatchSize, func(start, end int) error {
			args := make([]any, 0, (end-start)*4)
			for _, d := range documents[start:end] {
				args = append(args, d.ID, pkey, d.Title, d.Text)
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO documents (id, corpus_pkey, title, text) VALUES "+placeholders(end-start, 4), args...)
			return err
		})
	})
	if err != nil {
		return withDetails(storageError(err, "duplicate document id", "failed to add documents"), details)
	}

	s.publish(ctx, bus.TopicDocumentsAdded, map[string]any{"corpus_name": corpusName, "count": len(documents)})
	return nil
}

// GetDocuments lists the documents of a corpus. Relevant-query counts sum
// the relevant judgments across every dataset of the corpus.
func (s *Service) GetDocuments(ctx context.Context, f DocumentFilter) (page *Paginated[Document], err error) {
	defer func(start time.Time) { s.observe("get_documents", start, err) }(time.Now())

	limit, err := s.window(f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	if err := checkAllowed(f.OrderBy, DocumentOrders); err != nil {
		return nil, err
	}
	if err := requireMatch(f.OrderBy, OrderMatchScore, f.Match, "match"); err != nil {
		return nil, err
	}

	sel := &selection{}
	matched := s.match(sel, fulltext.Documents, f.Match, "m", "d.pkey")
	sel.filter("c.name = ?", f.CorpusName)

	sortKey, desc := "d.pkey", false
	switch f.OrderBy {
	case OrderRelevantQueries:
		sortKey, desc = relevantCount("r", "ds"), f.OrderDesc
	case OrderLength:
		sortKey, desc = "d.text_length", f.OrderDesc
	case OrderMatchScore:
		if matched {
			sortKey, desc = "m.score", f.OrderDesc
		}
	}
	dir := "ASC"
	if desc {
		dir = "DESC"
	}

	page = &Paginated[Document]{Items: []Document{}, Offset: f.Offset}
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

		// the inner query windows keys so the outer join only loads one page of text
		b := &sqlBuilder{}
		b.add("SELECT d.id, d.title, d.text, c.name, p.num_relevant FROM (" +
			"SELECT d.pkey AS pkey, " + relevantCount("r", "ds") + " AS num_relevant, " + sortKey + " AS sort_key" +
			" FROM documents d JOIN corpora c ON c.pkey = d.corpus_pkey")
		sel.writeJoins(b)
		b.add(documentQRels)
		sel.writeWhere(b)
		b.add(" GROUP BY d.pkey")
		if matched {
			b.add(", m.score")
		}
		b.add(" ORDER BY sort_key "+dir+", d.pkey ASC LIMIT ? OFFSET ?", limit, f.Offset)
		b.add(") p JOIN documents d ON d.pkey = p.pkey JOIN corpora c ON c.pkey = d.corpus_pkey" +
			" ORDER BY p.sort_key " + dir + ", p.pkey ASC")

		rows, err := tx.QueryContext(ctx, b.String(), b.args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var d Document
			if err := rows.Scan(&d.ID, &d.Title, &d.Text, &d.CorpusName, &d.NumRelevantQueries); err != nil {
				return err
			}
			page.Items = append(page.Items, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storageError(err, "", "failed to list documents")
	}
	return page, nil
}

// GetDocument returns one document of a corpus.
func (s *Service) GetDocument(ctx context.Context, corpusName, documentID string) (doc *Document, err error) {
	defer func(start time.Time) { s.observe("get_document", start, err) }(time.Now())

	query := "SELECT d.id, d.title, d.text, c.name, " + relevantCount("r", "ds") +
		" FROM documents d JOIN corpora c ON c.pkey = d.corpus_pkey" + documentQRels +
		" WHERE c.name = ? AND d.id = ? GROUP BY d.pkey, d.id, d.title, d.text, c.name"

	var d Document
	err = s.db.ReadTx(ctx, func(tx *db.Tx) error {
		return tx.QueryRowContext(ctx, query, corpusName, documentID).
			Scan(&d.ID, &d.Title, &d.Text, &d.CorpusName, &d.NumRelevantQueries)
	})
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundError("document").WithDetails(map[string]string{
			"corpus_name": corpusName,
			"document_id": documentID,
		})
	}
	if err != nil {
		return nil, storageError(err, "", "failed to get document")
	}
	return &d, nil
}

// GetDocumentContents loads the documents addressed by refs in one snapshot,
// preserving order. Unknown references are skipped.
func (s *Service) GetDocumentContents(ctx context.Context, refs []DocumentRef) (docs []DocumentInfo, err error) {
	defer func(start time.Time) { s.observe("get_document_contents", start, err) }(time.Now())

	const query = "SELECT d.id, d.title, d.text FROM documents d JOIN corpora c ON c.pkey = d.corpus_pkey WHERE c.name = ? AND d.id = ?"

	docs = make([]DocumentInfo, 0, len(refs))
	err = s.db.ReadTx(ctx, func(tx *db.Tx) error {
		for _, ref := range refs {
			var d DocumentInfo
			err := tx.QueryRowContext(ctx, query, ref.CorpusName, ref.DocumentID).Scan(&d.ID, &d.Title, &d.Text)
			if stderrors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return err
			}
			docs = append(docs, d)
		}
		return nil
	})
	if err != nil {
		return nil, storageError(err, "", "failed to load documents")
	}
	return docs, nil
}
