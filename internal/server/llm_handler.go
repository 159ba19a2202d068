package server

import (
	"encoding/json"
	"net/http"

	"github.com/qrelscope/qrelscope/internal/llm"
	"github.com/qrelscope/qrelscope/internal/pkg/errors"
	"github.com/qrelscope/qrelscope/internal/pkg/logger"
	"github.com/qrelscope/qrelscope/internal/store"
)

// AvailableOptions lists the values accepted by the search settings.
type AvailableOptions struct {
	QueryLanguages []string `json:"query_languages"`
	CorpusNames    []string `json:"corpus_names"`
	ModelNames     []string `json:"model_names"`
}

// LLMHandler serves generated summaries and answers plus the option lists.
type LLMHandler struct {
	llm   *llm.Service
	store *store.Service
	log   *logger.Logger
}

// NewLLMHandler creates a new LLM handler.
func NewLLMHandler(svc *llm.Service, storeSvc *store.Service, log *logger.Logger) *LLMHandler {
	return &LLMHandler{llm: svc, store: storeSvc, log: log}
}

// RegisterRoutes registers the streaming routes. Streams are never cached.
func (h *LLMHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /get_document_summary", h.handleDocumentSummary)
	mux.HandleFunc("GET /get_answer", h.handleAnswer)
}

// RegisterReadRoutes registers the option routes, each wrapped by wrap.
func (h *LLMHandler) RegisterReadRoutes(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	mux.Handle("GET /get_available_languages", wrap(http.HandlerFunc(h.handleAvailableLanguages)))
	mux.Handle("GET /get_available_options", wrap(http.HandlerFunc(h.handleAvailableOptions)))
}

func (h *LLMHandler) handleAvailableLanguages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.AvailableLanguages())
}

func (h *LLMHandler) handleAvailableOptions(w http.ResponseWriter, r *http.Request) {
	names, err := h.store.CorpusNames(r.Context())
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AvailableOptions{
		QueryLanguages: h.store.AvailableLanguages(),
		CorpusNames:    names,
		ModelNames:     h.llm.ModelNames(r.Context()),
	})
}

// handleDocumentSummary handles GET /get_document_summary and streams
// newline-delimited JSON chunks.
func (h *LLMHandler) handleDocumentSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var params [3]string
	for i, name := range []string{"corpus_name", "document_id", "model"} {
		v, err := requiredParam(q, name)
		if err != nil {
			errors.WriteError(w, err)
			return
		}
		params[i] = v
	}

	sw := newStreamWriter(w, "application/x-ndjson")
	enc := json.NewEncoder(sw)
	err := h.llm.Summarize(r.Context(), params[0], params[1], params[2], func(c llm.Chunk) error {
		return enc.Encode(c)
	})
	h.finish(sw, r, err)
}

// handleAnswer handles GET /get_answer and streams plain text.
func (h *LLMHandler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	model, err := requiredParam(q, "model_name")
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	question, err := requiredParam(q, "q")
	if err != nil {
		errors.WriteError(w, err)
		return
	}

	sw := newStreamWriter(w, "text/plain; charset=utf-8")
	err = h.llm.Answer(r.Context(), model, question, q["corpus_name"], q["document_id"], func(text string) error {
		_, err := sw.Write([]byte(text))
		return err
	})
	h.finish(sw, r, err)
}

// finish reports err as an error response if nothing was streamed yet.
// Failures after the first chunk can only be logged.
func (h *LLMHandler) finish(sw *streamWriter, r *http.Request, err error) {
	if err == nil {
		sw.start()
		return
	}
	if !sw.started {
		errors.WriteError(sw.w, err)
		return
	}
	h.log.WithContext(r.Context()).Warn("Stream aborted", "path", r.URL.Path, "error", err)
}

// streamWriter sends headers on the first write and flushes every write.
type streamWriter struct {
	w           http.ResponseWriter
	contentType string
	started     bool
}

func newStreamWriter(w http.ResponseWriter, contentType string) *streamWriter {
	return &streamWriter{w: w, contentType: contentType}
}

func (s *streamWriter) start() {
	if s.started {
		return
	}
	s.started = true
	s.w.Header().Set("Content-Type", s.contentType)
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.WriteHeader(http.StatusOK)
}

func (s *streamWriter) Write(p []byte) (int, error) {
	s.start()
	n, err := s.w.Write(p)
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return n, err
}
