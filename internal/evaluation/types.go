package evaluation

// Request selects the dataset to evaluate and the cutoffs to report.
type Request struct {
	CorpusName  string `json:"corpus_name"`
	DatasetName string `json:"dataset_name"`
	Ks          []int  `json:"ks,omitempty"`
	Depth       int    `json:"depth,omitempty"` // hits retrieved per query
}

// QueryResult contains metrics for a single query
type QueryResult struct {
	QueryID       string          `json:"query_id"`
	Query         string          `json:"query"`
	NDCG          map[int]float64 `json:"ndcg"`      // NDCG@K for various K
	Recall        map[int]float64 `json:"recall"`    // Recall@K
	Precision     map[int]float64 `json:"precision"` // Precision@K
	MRR           float64         `json:"mrr"`
	AP            float64         `json:"ap"` // Average Precision
	ResultCount   int             `json:"result_count"`
	TotalRelevant int             `json:"total_relevant"`
}

// Summary aggregates metrics across multiple queries
type Summary struct {
	QueryCount    int             `json:"query_count"`
	MeanNDCG      map[int]float64 `json:"mean_ndcg"`
	MeanRecall    map[int]float64 `json:"mean_recall"`
	MeanPrecision map[int]float64 `json:"mean_precision"`
	MeanMRR       float64         `json:"mean_mrr"`
	MAP           float64         `json:"map"`
}

// Report is the outcome of evaluating one dataset.
type Report struct {
	CorpusName   string         `json:"corpus_name"`
	DatasetName  string         `json:"dataset_name"`
	MinRelevance int            `json:"min_relevance"`
	Depth        int            `json:"depth"`
	Results      []*QueryResult `json:"results"`
	Summary      *Summary       `json:"summary"`
}
