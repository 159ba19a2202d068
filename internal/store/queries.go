package store

import (
	"context"
	"fmt"
	"time"

	"github.com/qrelscope/qrelscope/internal/bus"
	"github.com/qrelscope/qrelscope/internal/db"
	"github.com/qrelscope/qrelscope/internal/fulltext"
	"github.com/qrelscope/qrelscope/internal/pkg/errors"
)

// AddQueries inserts queries into a dataset. Either every query is stored or
// none is.
func (s *Service) AddQueries(ctx context.Context, corpusName, datasetName string, queries []QueryInfo) (err error) {
	defer func(start time.Time) { s.observe("add_queries", start, err) }(time.Now())

	for i, q := range queries {
		if q.ID == "" {
			return errors.MalformedError(fmt.Sprintf("query %d has an empty id", i))
		}
	}
	if len(queries) == 0 {
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

		return chunk(len(queries), s.cfg.BatchSize, func(start, end int) error {
			args := make([]any, 0, (end-start)*4)
			for _, q := range queries[start:end] {
				args = append(args, q.ID, ds.pkey, q.Text, q.Description)
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO queries (id, dataset_pkey, text, description) VALUES "+placeholders(end-start, 4), args...)
			return err
		})
	})
	if err != nil {
		return withDetails(storageError(err, "duplicate query id", "failed to add queries"), details)
	}

	s.publish(ctx, bus.TopicQueriesAdded, map[string]any{
		"corpus_name":  corpusName,
		"dataset_name": datasetName,
		"count":        len(queries),
	})
	return nil
}

// GetQueries lists the queries of a corpus, optionally narrowed to one
// dataset and to queries matching a search term.
func (s *Service) GetQueries(ctx context.Context, f QueryFilter) (page *Paginated[Query], err error) {
	defer func(start time.Time) { s.observe("get_queries", start, err) }(time.Now())

	limit, err := s.window(f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	if err := checkAllowed(f.OrderBy, QueryOrders); err != nil {
		return nil, err
	}
	if err := requireMatch(f.OrderBy, OrderMatchScore, f.Match, "match"); err != nil {
		return nil, err
	}

	sel := &selection{}
	matched := s.match(sel, fulltext.Queries, f.Match, "m", "q.pkey")
	sel.filter("c.name = ?", f.CorpusName)
	if f.DatasetName != "" {
		sel.filter("ds.name = ?", f.DatasetName)
	}

	var key string
	switch f.OrderBy {
	case OrderRelevantDocuments:
		key = "num_relevant"
	case OrderLength:
		key = "LENGTH(q.text)"
	case OrderMatchScore:
		if matched {
			key = "m.score"
		}
	}

	page = &Paginated[Query]{Items: []Query{}, Offset: f.Offset}
	err = s.db.ReadTx(ctx, func(tx *db.Tx) error {
		count := &sqlBuilder{}
		count.add("SELECT COUNT(*) FROM queries q JOIN datasets ds ON ds.pkey = q.dataset_pkey JOIN corpora c ON c.pkey = ds.corpus_pkey")
		sel.writeJoins(count)
		sel.writeWhere(count)
		if err := tx.QueryRowContext(ctx, count.String(), count.args...).Scan(&page.TotalNumItems); err != nil {
			return err
		}
		if page.TotalNumItems == 0 {
			return nil
		}

		items, err := s.selectQueries(ctx, tx, sel, matched, orderClause(key, f.OrderDesc, "q.pkey ASC"), limit, f.Offset)
		page.Items = items
		return err
	})
	if err != nil {
		return nil, storageError(err, "", "failed to list queries")
	}
	return page, nil
}

// GetQuery returns one query of a dataset.
func (s *Service) GetQuery(ctx context.Context, corpusName, datasetName, queryID string) (query *Query, err error) {
	defer func(start time.Time) { s.observe("get_query", start, err) }(time.Now())

	sel := &selection{}
	sel.filter("c.name = ?", corpusName)
	sel.filter("ds.name = ?", datasetName)
	sel.filter("q.id = ?", queryID)

	var items []Query
	err = s.db.ReadTx(ctx, func(tx *db.Tx) error {
		var err error
		items, err = s.selectQueries(ctx, tx, sel, false, "q.pkey ASC", 1, 0)
		return err
	})
	if err != nil {
		return nil, storageError(err, "", "failed to get query")
	}
	if len(items) == 0 {
		return nil, errors.NotFoundError("query").WithDetails(map[string]string{
			"corpus_name":  corpusName,
			"dataset_name": datasetName,
			"query_id":     queryID,
		})
	}
	return &items[0], nil
}

// selectQueries runs the page query for sel with relevance counts attached.
func (s *Service) selectQueries(ctx context.Context, tx *db.Tx, sel *selection, matched bool, order string, limit, offset int) ([]Query, error) {
	b := &sqlBuilder{}
	b.add("SELECT q.id, q.text, q.description, c.name, ds.name, " + relevantCount("r", "ds") + " AS num_relevant" +
		" FROM queries q JOIN datasets ds ON ds.pkey = q.dataset_pkey JOIN corpora c ON c.pkey = ds.corpus_pkey")
	sel.writeJoins(b)
	b.add(" LEFT JOIN qrels r ON r.query_pkey = q.pkey")
	sel.writeWhere(b)
	b.add(" GROUP BY q.pkey, q.id, q.text, q.description, c.name, ds.name")
	if matched {
		b.add(", m.score")
	}
	b.add(" ORDER BY "+order+" LIMIT ? OFFSET ?", limit, offset)

	rows, err := tx.QueryContext(ctx, b.String(), b.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []Query{}
	for rows.Next() {
		var q Query
		if err := rows.Scan(&q.ID, &q.Text, &q.Description, &q.CorpusName, &q.DatasetName, &q.NumRelevantDocuments); err != nil {
			return nil, err
		}
		items = append(items, q)
	}
	return items, rows.Err()
}
