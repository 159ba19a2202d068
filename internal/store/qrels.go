package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/qrelscope/qrelscope/internal/bus"
	"github.com/qrelscope/qrelscope/internal/db"
	"github.com/qrelscope/qrelscope/internal/fulltext"
	"github.com/qrelscope/qrelscope/internal/pkg/errors"
)

// qrelRow resolves both endpoints inside the insert. An unknown query or
// document id yields NULL and fails the NOT NULL constraint.
const qrelRow = "((SELECT pkey FROM queries WHERE dataset_pkey = ? AND id = ?), " +
	"(SELECT pkey FROM documents WHERE corpus_pkey = ? AND id = ?), ?)"

// qrelFrom joins a judgment to its query, dataset, corpus, and document.
const qrelFrom = " FROM qrels r" +
	" JOIN queries q ON q.pkey = r.query_pkey" +
	" JOIN datasets ds ON ds.pkey = q.dataset_pkey" +
	" JOIN corpora c ON c.pkey = ds.corpus_pkey" +
	" JOIN documents d ON d.pkey = r.document_pkey"

// AddQRels inserts judgments into a dataset. Query ids resolve within the
// dataset and document ids within its corpus. Either every judgment is stored
// or none is.
func (s *Service) AddQRels(ctx context.Context, corpusName, datasetName string, qrels []QRelInfo) (err error) {
	defer func(start time.Time) { s.observe("add_qrels", start, err) }(time.Now())

	for i, r := range qrels {
		if r.QueryID == "" || r.DocumentID == "" {
			return errors.MalformedError(fmt.Sprintf("qrel %d has an empty query or document id", i))
		}
	}
	if len(qrels) == 0 {
		return nil
	}

	details := map[string]string{"corpus_name": corpusName, "dataset_name": datasetName}
	err = s.db.WithTx(ctx, func(tx *db.Tx) error {
		ds, err := lookupDataset(ctx, tx, corpusName, datasetName)
		if err != nil {
			return err
		}
		if ds == nil {
			return missingParent("dataset does not exist", details)
		}

		return chunk(len(qrels), s.cfg.BatchSize, func(start, end int) error {
			rows := make([]string, 0, end-start)
			args := make([]any, 0, (end-start)*5)
			for _, r := range qrels[start:end] {
				rows = append(rows, qrelRow)
				args = append(args, ds.pkey, r.QueryID, ds.corpusPkey, r.DocumentID, r.Relevance)
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO qrels (query_pkey, document_pkey, relevance) VALUES "+strings.Join(rows, ", "), args...)
			return err
		})
	})
	if err != nil {
		err = storageError(err, "unknown query or document id, or duplicate judgment", "failed to add qrels")
		return withDetails(err, details)
	}

	s.publish(ctx, bus.TopicQRelsAdded, map[string]any{
		"corpus_name":  corpusName,
		"dataset_name": datasetName,
		"count":        len(qrels),
	})
	return nil
}

// GetQRels lists the relevant judgments of a corpus. Judgments below their
// dataset's threshold are never listed.
func (s *Service) GetQRels(ctx context.Context, f QRelFilter) (page *Paginated[QRel], err error) {
	defer func(start time.Time) { s.observe("get_qrels", start, err) }(time.Now())

	limit, err := s.window(f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	if err := checkAllowed(f.OrderBy, QRelOrders); err != nil {
		return nil, err
	}
	if err := requireMatch(f.OrderBy, OrderQueryMatchScore, f.MatchQuery, "match_query"); err != nil {
		return nil, err
	}
	if err := requireMatch(f.OrderBy, OrderDocumentMatchScore, f.MatchDocument, "match_document"); err != nil {
		return nil, err
	}

	sel := &selection{}
	queryMatched := s.match(sel, fulltext.Queries, f.MatchQuery, "mq", "q.pkey")
	documentMatched := s.match(sel, fulltext.Documents, f.MatchDocument, "md", "d.pkey")
	sel.filter("c.name = ?", f.CorpusName)
	sel.filter(relevantPredicate("r", "ds"))
	if f.DocumentID != "" {
		sel.filter("d.id = ?", f.DocumentID)
	}
	if f.DatasetName != "" {
		sel.filter("ds.name = ?", f.DatasetName)
	}
	if f.QueryID != "" {
		sel.filter("q.id = ?", f.QueryID)
	}

	var key string
	switch f.OrderBy {
	case OrderRelevance:
		key = "r.relevance"
	case OrderQueryLength:
		key = "LENGTH(q.text)"
	case OrderDocumentLength:
		key = "d.text_length"
	case OrderQueryMatchScore:
		if queryMatched {
			key = "mq.score"
		}
	case OrderDocumentMatchScore:
		if documentMatched {
			key = "md.score"
		}
	}

	page = &Paginated[QRel]{Items: []QRel{}, Offset: f.Offset}
	err = s.db.ReadTx(ctx, func(tx *db.Tx) error {
		count := &sqlBuilder{}
		count.add("SELECT COUNT(*)" + qrelFrom)
		sel.writeJoins(count)
		sel.writeWhere(count)
		if err := tx.QueryRowContext(ctx, count.String(), count.args...).Scan(&page.TotalNumItems); err != nil {
			return err
		}
		if page.TotalNumItems == 0 {
			return nil
		}

		b := &sqlBuilder{}
		b.add("SELECT q.id, q.text, q.description, d.id, d.title, d.text, r.relevance, c.name, ds.name" + qrelFrom)
		sel.writeJoins(b)
		sel.writeWhere(b)
		b.add(" ORDER BY "+orderClause(key, f.OrderDesc, "r.query_pkey ASC, r.document_pkey ASC")+" LIMIT ? OFFSET ?", limit, f.Offset)

		rows, err := tx.QueryContext(ctx, b.String(), b.args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var r QRel
			if err := rows.Scan(
				&r.QueryInfo.ID, &r.QueryInfo.Text, &r.QueryInfo.Description,
				&r.DocumentInfo.ID, &r.DocumentInfo.Title, &r.DocumentInfo.Text,
				&r.Relevance, &r.CorpusName, &r.DatasetName,
			); err != nil {
				return err
			}
			page.Items = append(page.Items, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storageError(err, "", "failed to list qrels")
	}
	return page, nil
}

// GetJudgments loads every query of a dataset with its relevant judgments.
func (s *Service) GetJudgments(ctx context.Context, corpusName, datasetName string) (j *Judgments, err error) {
	defer func(start time.Time) { s.observe("get_judgments", start, err) }(time.Now())

	j = &Judgments{
		CorpusName:  corpusName,
		DatasetName: datasetName,
		Queries:     []QueryInfo{},
		Relevant:    make(map[string]map[string]int),
	}
	found := false
	err = s.db.ReadTx(ctx, func(tx *db.Tx) error {
		ds, err := lookupDataset(ctx, tx, corpusName, datasetName)
		if err != nil || ds == nil {
			return err
		}
		found = true
		j.MinRelevance = ds.minRelevance

		rows, err := tx.QueryContext(ctx, "SELECT id, text, description FROM queries WHERE dataset_pkey = ? ORDER BY pkey", ds.pkey)
		if err != nil {
			return err
		}
		for rows.Next() {
			var q QueryInfo
			if err := rows.Scan(&q.ID, &q.Text, &q.Description); err != nil {
				rows.Close()
				return err
			}
			j.Queries = append(j.Queries, q)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		rows, err = tx.QueryContext(ctx,
			"SELECT q.id, d.id, r.relevance FROM qrels r"+
				" JOIN queries q ON q.pkey = r.query_pkey"+
				" JOIN documents d ON d.pkey = r.document_pkey"+
				" WHERE q.dataset_pkey = ? AND r.relevance >= ?",
			ds.pkey, ds.minRelevance)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var queryID, documentID string
			var relevance int
			if err := rows.Scan(&queryID, &documentID, &relevance); err != nil {
				return err
			}
			if j.Relevant[queryID] == nil {
				j.Relevant[queryID] = make(map[string]int)
			}
			j.Relevant[queryID][documentID] = relevance
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storageError(err, "", "failed to load judgments")
	}
	if !found {
		return nil, errors.NotFoundError("dataset").WithDetails(map[string]string{
			"corpus_name":  corpusName,
			"dataset_name": datasetName,
		})
	}
	return j, nil
}
