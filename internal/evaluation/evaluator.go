// Package evaluation scores full-text retrieval against the stored relevance
// judgments of a dataset.
package evaluation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qrelscope/qrelscope/internal/fulltext"
	"github.com/qrelscope/qrelscope/internal/pkg/errors"
	"github.com/qrelscope/qrelscope/internal/pkg/logger"
	"github.com/qrelscope/qrelscope/internal/store"
)

// DefaultKs are the cutoffs reported when a request names none.
var DefaultKs = []int{1, 3, 5, 10}

const (
	defaultDepth       = 100
	defaultConcurrency = 8
)

// Catalog is the part of the store the evaluator reads.
type Catalog interface {
	GetJudgments(ctx context.Context, corpusName, datasetName string) (*store.Judgments, error)
	SearchDocuments(ctx context.Context, req store.SearchRequest) (*store.Paginated[store.DocumentSearchHit], error)
}

// Recorder receives the outcome of every evaluation.
type Recorder interface {
	RecordEvaluation(duration time.Duration, err error)
}

// Evaluator orchestrates search evaluation.
type Evaluator struct {
	catalog     Catalog
	log         *logger.Logger
	concurrency int
	maxDepth    int
	recorder    Recorder
}

// NewEvaluator creates a new evaluator. concurrency bounds the number of
// queries searched at once; zero selects a default. A catalog that reports
// a MaxLimit bounds the search depth.
func NewEvaluator(catalog Catalog, concurrency int, log *logger.Logger) *Evaluator {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if log == nil {
		log = logger.Discard()
	}
	e := &Evaluator{catalog: catalog, log: log, concurrency: concurrency}
	if l, ok := catalog.(interface{ MaxLimit() int }); ok {
		e.maxDepth = l.MaxLimit()
	}
	return e
}

// SetRecorder sets the metrics recorder.
func (e *Evaluator) SetRecorder(r Recorder) {
	e.recorder = r
}

// Evaluate runs every query of the dataset as a search over its corpus and
// judges the ranked hits. A judgment counts as relevant when it meets the
// dataset's min_relevance.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (report *Report, err error) {
	defer func(start time.Time) {
		if e.recorder != nil {
			e.recorder.RecordEvaluation(time.Since(start), err)
		}
	}(time.Now())

	ks, depth, err := normalize(req, e.maxDepth)
	if err != nil {
		return nil, err
	}

	judgments, err := e.catalog.GetJudgments(ctx, req.CorpusName, req.DatasetName)
	if err != nil {
		return nil, err
	}

	results := make([]*QueryResult, len(judgments.Queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, q := range judgments.Queries {
		g.Go(func() error {
			res, err := e.evaluateQuery(gctx, judgments, q, ks, depth)
			if err != nil {
				return fmt.Errorf("query %s: %w", q.ID, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	e.log.WithContext(ctx).Info("Evaluation complete",
		"corpus", req.CorpusName,
		"dataset", req.DatasetName,
		"queries", len(results),
	)

	return &Report{
		CorpusName:   judgments.CorpusName,
		DatasetName:  judgments.DatasetName,
		MinRelevance: judgments.MinRelevance,
		Depth:        depth,
		Results:      results,
		Summary:      Summarize(results),
	}, nil
}

// normalize validates the cutoffs and resolves the search depth. A positive
// maxDepth caps the depth at the largest page a search returns.
func normalize(req Request, maxDepth int) ([]int, int, error) {
	ks := req.Ks
	if len(ks) == 0 {
		ks = DefaultKs
	}
	maxK := 0
	for _, k := range ks {
		if k <= 0 {
			return nil, 0, errors.MalformedError("cutoffs must be positive").WithDetail("k", fmt.Sprint(k))
		}
		maxK = max(maxK, k)
	}

	depth := req.Depth
	if depth < 0 {
		return nil, 0, errors.MalformedError("depth must not be negative")
	}
	if depth == 0 {
		depth = max(defaultDepth, maxK)
		if maxDepth > 0 && maxK <= maxDepth {
			depth = min(depth, maxDepth)
		}
	}
	if maxDepth > 0 && depth > maxDepth {
		return nil, 0, errors.MalformedError(fmt.Sprintf("depth must be at most %d", maxDepth)).
			WithDetail("depth", fmt.Sprint(depth))
	}
	if depth < maxK {
		return nil, 0, errors.MalformedError("depth must be at least the largest cutoff")
	}

	sorted := append([]int(nil), ks...)
	sort.Ints(sorted)
	return sorted, depth, nil
}

// evaluateQuery evaluates a single query.
func (e *Evaluator) evaluateQuery(ctx context.Context, j *store.Judgments, q store.QueryInfo, ks []int, depth int) (*QueryResult, error) {
	judged := j.Relevant[q.ID]

	var hits []store.DocumentSearchHit
	if len(fulltext.Tokens(q.Text)) > 0 {
		page, err := e.catalog.SearchDocuments(ctx, store.SearchRequest{
			Query:      q.Text,
			Corpora:    []string{j.CorpusName},
			Limit:      depth,
			NoSnippets: true,
		})
		if err != nil {
			return nil, err
		}
		hits = page.Items
	}

	// binary marks relevant hits; gains carries their graded relevance
	binary := make([]int, len(hits))
	gains := make([]int, len(hits))
	for i, hit := range hits {
		if rel, ok := judged[hit.ID]; ok {
			binary[i] = 1
			gains[i] = rel
		}
	}
	ideal := make([]int, 0, len(judged))
	for _, rel := range judged {
		ideal = append(ideal, rel)
	}

	result := &QueryResult{
		QueryID:       q.ID,
		Query:         q.Text,
		NDCG:          make(map[int]float64),
		Recall:        make(map[int]float64),
		Precision:     make(map[int]float64),
		MRR:           MRR(binary, 1),
		AP:            AveragePrecision(binary, 1, len(judged)),
		ResultCount:   len(hits),
		TotalRelevant: len(judged),
	}

	for _, k := range ks {
		result.NDCG[k] = NDCG(gains, ideal, k)
		result.Recall[k] = Recall(binary, k, 1, len(judged))
		result.Precision[k] = Precision(binary, k, 1)
	}

	return result, nil
}

// Summarize aggregates results across queries.
func Summarize(results []*QueryResult) *Summary {
	summary := &Summary{
		QueryCount:    len(results),
		MeanNDCG:      make(map[int]float64),
		MeanRecall:    make(map[int]float64),
		MeanPrecision: make(map[int]float64),
	}
	if len(results) == 0 {
		return summary
	}

	for _, r := range results {
		summary.MeanMRR += r.MRR
		summary.MAP += r.AP

		for k, v := range r.NDCG {
			summary.MeanNDCG[k] += v
		}
		for k, v := range r.Recall {
			summary.MeanRecall[k] += v
		}
		for k, v := range r.Precision {
			summary.MeanPrecision[k] += v
		}
	}

	n := float64(len(results))
	summary.MeanMRR /= n
	summary.MAP /= n

	for k := range summary.MeanNDCG {
		summary.MeanNDCG[k] /= n
	}
	for k := range summary.MeanRecall {
		summary.MeanRecall[k] /= n
	}
	for k := range summary.MeanPrecision {
		summary.MeanPrecision[k] /= n
	}

	return summary
}
