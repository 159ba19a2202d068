package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/qrelscope/qrelscope/internal/bus"
	"github.com/qrelscope/qrelscope/internal/db"
	"github.com/qrelscope/qrelscope/internal/pkg/errors"
)

// CreateDataset creates an empty dataset in an existing corpus.
func (s *Service) CreateDataset(ctx context.Context, name, corpusName string, minRelevance int) (err error) {
	defer func(start time.Time) { s.observe("create_dataset", start, err) }(time.Now())

	if err := requireName("dataset_name", name); err != nil {
		return err
	}

	// an unknown corpus leaves corpus_pkey NULL and fails the NOT NULL constraint
	err = s.db.WithTx(ctx, func(tx *db.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO datasets (name, corpus_pkey, min_relevance) VALUES (?, (SELECT pkey FROM corpora WHERE name = ?), ?)",
			name, corpusName, minRelevance)
		return err
	})
	if err != nil {
		err = storageError(err, "dataset already exists or corpus is missing", "failed to create dataset")
		return withDetails(err, map[string]string{"corpus_name": corpusName, "dataset_name": name})
	}

	s.publish(ctx, bus.TopicDatasetCreated, map[string]any{
		"corpus_name":   corpusName,
		"dataset_name":  name,
		"min_relevance": minRelevance,
	})
	return nil
}

// RemoveDataset deletes a dataset with its queries and judgments. Removing a
// missing dataset is a no-op.
func (s *Service) RemoveDataset(ctx context.Context, corpusName, datasetName string) (err error) {
	defer func(start time.Time) { s.observe("remove_dataset", start, err) }(time.Now())

	removed := false
	err = s.db.WithTx(ctx, func(tx *db.Tx) error {
		ds, err := lookupDataset(ctx, tx, corpusName, datasetName)
		if err != nil || ds == nil {
			return err
		}

		steps := []string{
			"DELETE FROM qrels WHERE query_pkey IN (SELECT pkey FROM queries WHERE dataset_pkey = ?)",
			"DELETE FROM queries WHERE dataset_pkey = ?",
			"DELETE FROM datasets WHERE pkey = ?",
		}
		for _, q := range steps {
			if _, err := tx.ExecContext(ctx, q, ds.pkey); err != nil {
				return err
			}
		}
		removed = true
		return nil
	})
	if err != nil {
		err = storageError(err, "dataset is still referenced", "failed to remove dataset")
		return withDetails(err, map[string]string{"corpus_name": corpusName, "dataset_name": datasetName})
	}

	if removed {
		s.publish(ctx, bus.TopicDatasetRemoved, map[string]any{"corpus_name": corpusName, "dataset_name": datasetName})
	}
	return nil
}

// GetDatasets lists the datasets of a corpus in creation order. An unknown
// corpus has no datasets.
func (s *Service) GetDatasets(ctx context.Context, corpusName string) (datasets []Dataset, err error) {
	defer func(start time.Time) { s.observe("get_datasets", start, err) }(time.Now())

	const query = `SELECT ds.name, c.name, ds.min_relevance, COALESCE(q.n, 0)
FROM datasets ds
JOIN corpora c ON c.pkey = ds.corpus_pkey
LEFT JOIN (SELECT dataset_pkey, COUNT(*) AS n FROM queries GROUP BY dataset_pkey) q ON q.dataset_pkey = ds.pkey
WHERE c.name = ?
ORDER BY ds.pkey`

	datasets = []Dataset{}
	err = s.db.ReadTx(ctx, func(tx *db.Tx) error {
		rows, err := tx.QueryContext(ctx, query, corpusName)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var d Dataset
			if err := rows.Scan(&d.Name, &d.CorpusName, &d.MinRelevance, &d.NumQueries); err != nil {
				return err
			}
			datasets = append(datasets, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storageError(err, "", "failed to list datasets")
	}
	return datasets, nil
}

type datasetRow struct {
	pkey         int64
	corpusPkey   int64
	minRelevance int
}

// lookupDataset resolves a dataset by corpus and dataset name within tx. It
// returns nil when either is missing.
func lookupDataset(ctx context.Context, tx *db.Tx, corpusName, datasetName string) (*datasetRow, error) {
	var ds datasetRow
	err := tx.QueryRowContext(ctx,
		"SELECT ds.pkey, ds.corpus_pkey, ds.min_relevance FROM datasets ds JOIN corpora c ON c.pkey = ds.corpus_pkey WHERE c.name = ? AND ds.name = ?",
		corpusName, datasetName).Scan(&ds.pkey, &ds.corpusPkey, &ds.minRelevance)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ds, nil
}

// withDetails attaches identifiers to an AppError.
func withDetails(err error, details map[string]string) error {
	for k, v := range details {
		err = withDetail(err, k, v)
	}
	return err
}

// missingParent reports an unresolved parent reference.
func missingParent(message string, details map[string]string) error {
	return withDetails(errors.ConflictError(message, nil), details)
}
