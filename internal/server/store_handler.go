package server

import (
	"net/http"

	"github.com/qrelscope/qrelscope/internal/pkg/errors"
	"github.com/qrelscope/qrelscope/internal/store"
)

// StoreHandler serves catalog mutations and reads.
type StoreHandler struct {
	svc *store.Service
}

// NewStoreHandler creates a new store handler.
func NewStoreHandler(svc *store.Service) *StoreHandler {
	return &StoreHandler{svc: svc}
}

// CorpusInfo is the create_corpus request body.
type CorpusInfo struct {
	Name     string `json:"name"`
	Language string `json:"language"`
}

// defaultMinRelevance applies when create_dataset omits min_relevance.
const defaultMinRelevance = 1

// DatasetInfo is the create_dataset request body.
type DatasetInfo struct {
	Name         string `json:"name"`
	CorpusName   string `json:"corpus_name"`
	MinRelevance int    `json:"min_relevance"`
}

// RegisterRoutes registers the mutation routes, each wrapped by wrap.
func (h *StoreHandler) RegisterRoutes(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	writes := map[string]http.HandlerFunc{
		"POST /create_corpus":    h.handleCreateCorpus,
		"POST /create_dataset":   h.handleCreateDataset,
		"POST /add_queries":      h.handleAddQueries,
		"POST /add_documents":    h.handleAddDocuments,
		"POST /add_qrels":        h.handleAddQRels,
		"DELETE /remove_dataset": h.handleRemoveDataset,
		"DELETE /remove_corpus":  h.handleRemoveCorpus,
	}
	for pattern, fn := range writes {
		mux.Handle(pattern, wrap(fn))
	}
}

// RegisterReadRoutes registers the read routes, each wrapped by wrap.
func (h *StoreHandler) RegisterReadRoutes(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	reads := map[string]http.HandlerFunc{
		"GET /get_corpora":      h.handleGetCorpora,
		"GET /get_datasets":     h.handleGetDatasets,
		"GET /get_queries":      h.handleGetQueries,
		"GET /get_query":        h.handleGetQuery,
		"GET /get_documents":    h.handleGetDocuments,
		"GET /get_document":     h.handleGetDocument,
		"GET /get_qrels":        h.handleGetQRels,
		"GET /search_documents": h.handleSearchDocuments,
	}
	for pattern, fn := range reads {
		mux.Handle(pattern, wrap(fn))
	}
}

// handleCreateCorpus handles POST /create_corpus
func (h *StoreHandler) handleCreateCorpus(w http.ResponseWriter, r *http.Request) {
	var req CorpusInfo
	if err := decodeBody(w, r, &req); err != nil {
		errors.WriteError(w, err)
		return
	}
	if err := h.svc.CreateCorpus(r.Context(), req.Name, req.Language); err != nil {
		errors.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// handleCreateDataset handles POST /create_dataset
func (h *StoreHandler) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	req := DatasetInfo{MinRelevance: defaultMinRelevance}
	if err := decodeBody(w, r, &req); err != nil {
		errors.WriteError(w, err)
		return
	}
	if err := h.svc.CreateDataset(r.Context(), req.Name, req.CorpusName, req.MinRelevance); err != nil {
		errors.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// handleAddQueries handles POST /add_queries?corpus_name=&dataset_name=
func (h *StoreHandler) handleAddQueries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	corpusName, err := requiredParam(q, "corpus_name")
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	datasetName, err := requiredParam(q, "dataset_name")
	if err != nil {
		errors.WriteError(w, err)
		return
	}

	var queries []store.QueryInfo
	if err := decodeBody(w, r, &queries); err != nil {
		errors.WriteError(w, err)
		return
	}
	if err := h.svc.AddQueries(r.Context(), corpusName, datasetName, queries); err != nil {
		errors.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// handleAddDocuments handles POST /add_documents?corpus_name=
func (h *StoreHandler) handleAddDocuments(w http.ResponseWriter, r *http.Request) {
	corpusName, err := requiredParam(r.URL.Query(), "corpus_name")
	if err != nil {
		errors.WriteError(w, err)
		return
	}

	var documents []store.DocumentInfo
	if err := decodeBody(w, r, &documents); err != nil {
		errors.WriteError(w, err)
		return
	}
	if err := h.svc.AddDocuments(r.Context(), corpusName, documents); err != nil {
		errors.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// handleAddQRels handles POST /add_qrels?corpus_name=&dataset_name=
func (h *StoreHandler) handleAddQRels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	corpusName, err := requiredParam(q, "corpus_name")
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	datasetName, err := requiredParam(q, "dataset_name")
	if err != nil {
		errors.WriteError(w, err)
		return
	}

	var qrels []store.QRelInfo
	if err := decodeBody(w, r, &qrels); err != nil {
		errors.WriteError(w, err)
		return
	}
	if err := h.svc.AddQRels(r.Context(), corpusName, datasetName, qrels); err != nil {
		errors.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// handleRemoveDataset handles DELETE /remove_dataset?corpus_name=&dataset_name=
func (h *StoreHandler) handleRemoveDataset(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	corpusName, err := requiredParam(q, "corpus_name")
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	datasetName, err := requiredParam(q, "dataset_name")
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	if err := h.svc.RemoveDataset(r.Context(), corpusName, datasetName); err != nil {
		errors.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRemoveCorpus handles DELETE /remove_corpus?corpus_name=
func (h *StoreHandler) handleRemoveCorpus(w http.ResponseWriter, r *http.Request) {
	corpusName, err := requiredParam(r.URL.Query(), "corpus_name")
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	if err := h.svc.RemoveCorpus(r.Context(), corpusName); err != nil {
		errors.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *StoreHandler) handleGetCorpora(w http.ResponseWriter, r *http.Request) {
	corpora, err := h.svc.GetCorpora(r.Context())
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, corpora)
}

func (h *StoreHandler) handleGetDatasets(w http.ResponseWriter, r *http.Request) {
	corpusName, err := requiredParam(r.URL.Query(), "corpus_name")
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	datasets, err := h.svc.GetDatasets(r.Context(), corpusName)
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, datasets)
}

func (h *StoreHandler) handleGetQueries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	corpusName, err := requiredParam(q, "corpus_name")
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	l, err := parseListing(q, store.QueryOrders)
	if err != nil {
		errors.WriteError(w, err)
		return
	}

	page, err := h.svc.GetQueries(r.Context(), store.QueryFilter{
		CorpusName:  corpusName,
		DatasetName: q.Get("dataset_name"),
		Match:       q.Get("match"),
		OrderBy:     l.orderBy,
		OrderDesc:   l.desc,
		Limit:       l.limit,
		Offset:      l.offset,
	})
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *StoreHandler) handleGetQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var names [3]string
	for i, param := range []string{"corpus_name", "dataset_name", "query_id"} {
		v, err := requiredParam(q, param)
		if err != nil {
			errors.WriteError(w, err)
			return
		}
		names[i] = v
	}

	query, err := h.svc.GetQuery(r.Context(), names[0], names[1], names[2])
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, query)
}

func (h *StoreHandler) handleGetDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	corpusName, err := requiredParam(q, "corpus_name")
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	l, err := parseListing(q, store.DocumentOrders)
	if err != nil {
		errors.WriteError(w, err)
		return
	}

	page, err := h.svc.GetDocuments(r.Context(), store.DocumentFilter{
		CorpusName: corpusName,
		Match:      q.Get("match"),
		OrderBy:    l.orderBy,
		OrderDesc:  l.desc,
		Limit:      l.limit,
		Offset:     l.offset,
	})
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *StoreHandler) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	corpusName, err := requiredParam(q, "corpus_name")
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	documentID, err := requiredParam(q, "document_id")
	if err != nil {
		errors.WriteError(w, err)
		return
	}

	doc, err := h.svc.GetDocument(r.Context(), corpusName, documentID)
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *StoreHandler) handleGetQRels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	corpusName, err := requiredParam(q, "corpus_name")
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	l, err := parseListing(q, store.QRelOrders)
	if err != nil {
		errors.WriteError(w, err)
		return
	}

	page, err := h.svc.GetQRels(r.Context(), store.QRelFilter{
		CorpusName:    corpusName,
		DatasetName:   q.Get("dataset_name"),
		QueryID:       q.Get("query_id"),
		DocumentID:    q.Get("document_id"),
		MatchQuery:    q.Get("match_query"),
		MatchDocument: q.Get("match_document"),
		OrderBy:       l.orderBy,
		OrderDesc:     l.desc,
		Limit:         l.limit,
		Offset:        l.offset,
	})
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *StoreHandler) handleSearchDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q, "num_results", 0)
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	offset, err := intParam(q, "offset", 0)
	if err != nil {
		errors.WriteError(w, err)
		return
	}

	page, err := h.svc.SearchDocuments(r.Context(), store.SearchRequest{
		Query:   q.Get("q"),
		Corpora: q["corpus_name"],
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
