package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/qrelscope/qrelscope/internal/bus"
	"github.com/qrelscope/qrelscope/internal/db"
	"github.com/qrelscope/qrelscope/internal/pkg/errors"
)

// CreateCorpus creates an empty corpus. The language must be one of the
// configured languages.
func (s *Service) CreateCorpus(ctx context.Context, name, language string) (err error) {
	defer func(start time.Time) { s.observe("create_corpus", start, err) }(time.Now())

	if err := requireName("corpus_name", name); err != nil {
		return err
	}
	lang, ok := s.canonicalLanguage(language)
	if !ok {
		return errors.MalformedError(fmt.Sprintf("unsupported language %q", language)).
			WithDetail("language", language)
	}

	err = s.db.WithTx(ctx, func(tx *db.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO corpora (name, language) VALUES (?, ?)", name, lang)
		return err
	})
	if err != nil {
		return withDetail(storageError(err, "corpus already exists", "failed to create corpus"), "corpus_name", name)
	}

	s.publish(ctx, bus.TopicCorpusCreated, map[string]any{"corpus_name": name, "language": lang})
	return nil
}

// RemoveCorpus deletes a corpus and its documents. It fails with Conflict
// while the corpus still has datasets. Removing a missing corpus is a no-op.
func (s *Service) RemoveCorpus(ctx context.Context, name string) (err error) {
	defer func(start time.Time) { s.observe("remove_corpus", start, err) }(time.Now())

	removed := false
	err = s.db.WithTx(ctx, func(tx *db.Tx) error {
		pkey, found, err := corpusKey(ctx, tx, name)
		if err != nil || !found {
			return err
		}

		var datasets int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM datasets WHERE corpus_pkey = ?", pkey).Scan(&datasets); err != nil {
			return err
		}
		if datasets > 0 {
			return errors.ConflictError("corpus still has datasets", nil).
				WithDetail("corpus_name", name).
				WithDetail("num_datasets", fmt.Sprint(datasets))
		}

		steps := []string{
			"DELETE FROM qrels WHERE document_pkey IN (SELECT pkey FROM documents WHERE corpus_pkey = ?)",
			"DELETE FROM documents WHERE corpus_pkey = ?",
			"DELETE FROM corpora WHERE pkey = ?",
		}
		for _, q := range steps {
			if _, err := tx.ExecContext(ctx, q, pkey); err != nil {
				return err
			}
		}
		removed = true
		return nil
	})
	if err != nil {
		return withDetail(storageError(err, "corpus is still referenced", "failed to remove corpus"), "corpus_name", name)
	}

	if removed {
		s.publish(ctx, bus.TopicCorpusRemoved, map[string]any{"corpus_name": name})
	}
	return nil
}

// GetCorpora lists every corpus in creation order.
func (s *Service) GetCorpora(ctx context.Context) (corpora []Corpus, err error) {
	defer func(start time.Time) { s.observe("get_corpora", start, err) }(time.Now())

	const query = `SELECT c.name, c.language, COALESCE(ds.n, 0), COALESCE(d.n, 0)
FROM corpora c
LEFT JOIN (SELECT corpus_pkey, COUNT(*) AS n FROM datasets GROUP BY corpus_pkey) ds ON ds.corpus_pkey = c.pkey
LEFT JOIN (SELECT corpus_pkey, COUNT(*) AS n FROM documents GROUP BY corpus_pkey) d ON d.corpus_pkey = c.pkey
ORDER BY c.pkey`

	corpora = []Corpus{}
	err = s.db.ReadTx(ctx, func(tx *db.Tx) error {
		rows, err := tx.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var c Corpus
			if err := rows.Scan(&c.Name, &c.Language, &c.NumDatasets, &c.NumDocuments); err != nil {
				return err
			}
			corpora = append(corpora, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storageError(err, "", "failed to list corpora")
	}
	return corpora, nil
}

// CorpusNames lists corpus names in creation order.
func (s *Service) CorpusNames(ctx context.Context) (names []string, err error) {
	defer func(start time.Time) { s.observe("corpus_names", start, err) }(time.Now())

	names = []string{}
	err = s.db.ReadTx(ctx, func(tx *db.Tx) error {
		rows, err := tx.QueryContext(ctx, "SELECT name FROM corpora ORDER BY pkey")
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			names = append(names, name)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storageError(err, "", "failed to list corpus names")
	}
	return names, nil
}

// corpusKey resolves a corpus name to its key within tx.
func corpusKey(ctx context.Context, tx *db.Tx, name string) (int64, bool, error) {
	var pkey int64
	err := tx.QueryRowContext(ctx, "SELECT pkey FROM corpora WHERE name = ?", name).Scan(&pkey)
	if stderrors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return pkey, true, nil
}

// withDetail attaches an identifier to an AppError.
func withDetail(err error, key, value string) error {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr.WithDetail(key, value)
	}
	return err
}
