// Package store owns the benchmark catalog: corpora, datasets, queries,
// documents, and relevance judgments. It answers paginated listings with
// per-dataset relevance counts and applies every mutation atomically.
package store

// Corpus is a named document collection in one language.
type Corpus struct {
	Name         string `json:"name"`
	Language     string `json:"language"`
	NumDatasets  int    `json:"num_datasets"`
	NumDocuments int    `json:"num_documents"`
}

// Dataset is a named set of queries and judgments over one corpus.
type Dataset struct {
	Name         string `json:"name"`
	CorpusName   string `json:"corpus_name"`
	MinRelevance int    `json:"min_relevance"`
	NumQueries   int    `json:"num_queries"`
}

// QueryInfo is the caller-supplied part of a query.
type QueryInfo struct {
	ID          string  `json:"id"`
	Text        string  `json:"text"`
	Description *string `json:"description"`
}

// Query is a stored query with its relevant-document count.
type Query struct {
	QueryInfo
	CorpusName           string `json:"corpus_name"`
	DatasetName          string `json:"dataset_name"`
	NumRelevantDocuments int    `json:"num_relevant_documents"`
}

// DocumentInfo is the caller-supplied part of a document.
type DocumentInfo struct {
	ID    string  `json:"id"`
	Title *string `json:"title"`
	Text  string  `json:"text"`
}

// Document is a stored document with its relevant-query count.
type Document struct {
	DocumentInfo
	CorpusName         string `json:"corpus_name"`
	NumRelevantQueries int    `json:"num_relevant_queries"`
}

// QRelInfo is one relevance judgment as supplied by callers.
type QRelInfo struct {
	QueryID    string `json:"query_id"`
	DocumentID string `json:"document_id"`
	Relevance  int    `json:"relevance"`
}

// QRel is a judgment joined with its query and document.
type QRel struct {
	QueryInfo    QueryInfo    `json:"query_info"`
	DocumentInfo DocumentInfo `json:"document_info"`
	Relevance    int          `json:"relevance"`
	CorpusName   string       `json:"corpus_name"`
	DatasetName  string       `json:"dataset_name"`
}

// Paginated is one page of a listing. TotalNumItems counts every item that
// satisfies the filters, ignoring limit and offset.
type Paginated[T any] struct {
	Items         []T `json:"items"`
	Offset        int `json:"offset"`
	TotalNumItems int `json:"total_num_items"`
}

// DocumentRef addresses a document across corpora.
type DocumentRef struct {
	CorpusName string `json:"corpus_name"`
	DocumentID string `json:"document_id"`
}

// Judgments holds every query of a dataset and the judgments that meet its
// relevance threshold, keyed by query id then document id.
type Judgments struct {
	CorpusName   string
	DatasetName  string
	MinRelevance int
	Queries      []QueryInfo
	Relevant     map[string]map[string]int
}

// QueryFilter selects queries of a corpus.
type QueryFilter struct {
	CorpusName  string
	DatasetName string
	Match       string
	OrderBy     OrderBy
	OrderDesc   bool
	Limit       int
	Offset      int
}

// DocumentFilter selects documents of a corpus.
type DocumentFilter struct {
	CorpusName string
	Match      string
	OrderBy    OrderBy
	OrderDesc  bool
	Limit      int
	Offset     int
}

// QRelFilter selects relevant judgments of a corpus.
type QRelFilter struct {
	CorpusName    string
	DatasetName   string
	QueryID       string
	DocumentID    string
	MatchQuery    string
	MatchDocument string
	OrderBy       OrderBy
	OrderDesc     bool
	Limit         int
	Offset        int
}

// DocumentSearchHit is one ranked full-text hit.
type DocumentSearchHit struct {
	ID         string  `json:"id"`
	Title      *string `json:"title"`
	CorpusName string  `json:"corpus_name"`
	Score      float64 `json:"score"`
	Snippet    string  `json:"snippet"`
}

// SearchRequest is a full-text search over documents. An empty Corpora
// searches every corpus.
type SearchRequest struct {
	Query   string
	Corpora []string
	Limit   int
	Offset  int

	// NoSnippets skips snippet generation for callers that only rank.
	NoSnippets bool
}
