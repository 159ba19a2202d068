package importer

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qrelscope/qrelscope/internal/config"
	"github.com/qrelscope/qrelscope/internal/pkg/errors"
	"github.com/qrelscope/qrelscope/internal/pkg/logger"
	"github.com/qrelscope/qrelscope/internal/store"
)

// DefaultBatchSize is the number of records sent per store call.
const DefaultBatchSize = 1024

// languageSample is the number of documents checked by CheckLanguage.
const languageSample = 200

// mismatchWarnRatio is the mismatch share above which a warning is logged.
const mismatchWarnRatio = 0.2

// Catalog is the part of the store the importer writes to.
type Catalog interface {
	CreateCorpus(ctx context.Context, name, language string) error
	CreateDataset(ctx context.Context, name, corpusName string, minRelevance int) error
	AddDocuments(ctx context.Context, corpusName string, documents []store.DocumentInfo) error
	AddQueries(ctx context.Context, corpusName, datasetName string, queries []store.QueryInfo) error
	AddQRels(ctx context.Context, corpusName, datasetName string, qrels []store.QRelInfo) error
}

// Options configures one import.
type Options struct {
	CorpusName  string
	DatasetName string // empty imports documents only

	CorpusFile   string
	QueriesFile  string
	QueriesFmt   string // jsonl or tsv; inferred from the file name when empty
	QRelsFile    string
	TextField    string // JSON field holding document text
	BatchSize    int
	Language     string
	MinRelevance int

	// AddCorpus creates the corpus and loads CorpusFile into it.
	AddCorpus bool

	StripHTML     bool
	CheckLanguage bool
}

// Stats counts imported records.
type Stats struct {
	Documents int           `json:"documents"`
	Queries   int           `json:"queries"`
	QRels     int           `json:"qrels"`
	Duration  time.Duration `json:"duration"`

	Language *LanguageReport `json:"language,omitempty"`
}

// Importer loads benchmark files through the store operations.
type Importer struct {
	catalog Catalog
	log     *logger.Logger
}

// New creates an importer.
func New(catalog Catalog, log *logger.Logger) *Importer {
	if log == nil {
		log = logger.Discard()
	}
	return &Importer{catalog: catalog, log: log}
}

func (o *Options) normalize() error {
	if strings.TrimSpace(o.CorpusName) == "" {
		return errors.MalformedError("corpus name is required")
	}
	if o.AddCorpus && o.CorpusFile == "" {
		return errors.MalformedError("a corpus file is required to add a corpus")
	}
	if !o.AddCorpus && o.CorpusFile != "" {
		return errors.MalformedError("a corpus file is only read together with add-corpus")
	}
	if o.DatasetName == "" && (o.QueriesFile != "" || o.QRelsFile != "") {
		return errors.MalformedError("a dataset name is required to import queries or qrels")
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Language == "" {
		o.Language = "English"
	}
	if o.QueriesFmt == "" {
		o.QueriesFmt = QueryFormat(o.QueriesFile)
	}
	return nil
}

// Import parses every input file concurrently, then writes the corpus,
// documents, dataset, queries and qrels in that order, batch by batch.
func (im *Importer) Import(ctx context.Context, opts Options) (*Stats, error) {
	start := time.Now()
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	log := im.log.WithCorpus(opts.CorpusName)

	var (
		docs    []store.DocumentInfo
		queries []store.QueryInfo
		qrels   []store.QRelInfo
	)

	g, gctx := errgroup.WithContext(ctx)
	if opts.AddCorpus {
		g.Go(func() error {
			var err error
			docs, err = readFile(gctx, opts.CorpusFile, func(f io.Reader) ([]store.DocumentInfo, error) {
				return ReadDocuments(f, opts.TextField)
			})
			if err != nil || !opts.StripHTML {
				return err
			}
			for i := range docs {
				docs[i].Text = StripHTML(docs[i].Text)
				if docs[i].Title != nil {
					title := StripHTML(*docs[i].Title)
					docs[i].Title = &title
				}
			}
			return nil
		})
	}
	if opts.QueriesFile != "" {
		g.Go(func() error {
			var err error
			queries, err = readFile(gctx, opts.QueriesFile, func(f io.Reader) ([]store.QueryInfo, error) {
				return ReadQueries(f, opts.QueriesFmt)
			})
			return err
		})
	}
	if opts.QRelsFile != "" {
		g.Go(func() error {
			var err error
			qrels, err = readFile(gctx, opts.QRelsFile, ReadQRels)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	log.Info("Parsed input files", "documents", len(docs), "queries", len(queries), "qrels", len(qrels))

	stats := &Stats{}
	if opts.CheckLanguage && len(docs) > 0 {
		report, err := checkLanguage(docs, opts.Language)
		if err != nil {
			return nil, err
		}
		stats.Language = report
		if report.MismatchRatio() > mismatchWarnRatio {
			log.Warn("Documents do not look like the corpus language",
				"expected", report.Expected,
				"sampled", report.Sampled,
				"mismatched", report.Mismatched,
				"detected", report.Detected,
			)
		}
	}

	if opts.AddCorpus {
		if err := im.catalog.CreateCorpus(ctx, opts.CorpusName, opts.Language); err != nil {
			return nil, err
		}
		err := batches(ctx, docs, opts.BatchSize, func(batch []store.DocumentInfo) error {
			if err := im.catalog.AddDocuments(ctx, opts.CorpusName, batch); err != nil {
				return err
			}
			stats.Documents += len(batch)
			log.Debug("Added documents", "done", stats.Documents, "total", len(docs))
			return nil
		})
		if err != nil {
			return stats, fmt.Errorf("adding documents after %d: %w", stats.Documents, err)
		}
	}

	if opts.DatasetName != "" {
		if err := im.catalog.CreateDataset(ctx, opts.DatasetName, opts.CorpusName, opts.MinRelevance); err != nil {
			return stats, err
		}
		err := batches(ctx, queries, opts.BatchSize, func(batch []store.QueryInfo) error {
			if err := im.catalog.AddQueries(ctx, opts.CorpusName, opts.DatasetName, batch); err != nil {
				return err
			}
			stats.Queries += len(batch)
			log.Debug("Added queries", "done", stats.Queries, "total", len(queries))
			return nil
		})
		if err != nil {
			return stats, fmt.Errorf("adding queries after %d: %w", stats.Queries, err)
		}
		err = batches(ctx, qrels, opts.BatchSize, func(batch []store.QRelInfo) error {
			if err := im.catalog.AddQRels(ctx, opts.CorpusName, opts.DatasetName, batch); err != nil {
				return err
			}
			stats.QRels += len(batch)
			log.Debug("Added qrels", "done", stats.QRels, "total", len(qrels))
			return nil
		})
		if err != nil {
			return stats, fmt.Errorf("adding qrels after %d: %w", stats.QRels, err)
		}
	}

	stats.Duration = time.Since(start)
	log.Info("Import complete",
		"documents", stats.Documents,
		"queries", stats.Queries,
		"qrels", stats.QRels,
		"duration", stats.Duration,
	)
	return stats, nil
}

// readFile opens path and parses it with parse.
func readFile[T any](ctx context.Context, path string, parse func(io.Reader) ([]T, error)) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := openFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	items, err := parse(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return items, nil
}

// batches calls fn with consecutive slices of at most size items.
func batches[T any](ctx context.Context, items []T, size int, fn func([]T) error) error {
	for start := 0; start < len(items); start += size {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+size, len(items))
		if err := fn(items[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func checkLanguage(docs []store.DocumentInfo, language string) (*LanguageReport, error) {
	expected, ok := config.LookupLanguage(language)
	if !ok {
		return nil, errors.MalformedError(fmt.Sprintf("unknown language %q", language))
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}
	report := NewLanguageChecker(expected).Check(texts, expected, languageSample)
	return &report, nil
}
