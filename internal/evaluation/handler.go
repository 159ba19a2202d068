package evaluation

import (
	"encoding/json"
	"net/http"

	"github.com/qrelscope/qrelscope/internal/pkg/errors"
)

// Handler provides HTTP handlers for evaluation.
type Handler struct {
	evaluator *Evaluator
}

// NewHandler creates a new evaluation handler.
func NewHandler(e *Evaluator) *Handler {
	return &Handler{evaluator: e}
}

// RegisterRoutes registers evaluation routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /evaluate", h.handleEvaluate)
}

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, errors.MalformedError("invalid request body: "+err.Error()))
		return
	}
	if req.CorpusName == "" || req.DatasetName == "" {
		errors.WriteError(w, errors.MalformedError("corpus_name and dataset_name are required"))
		return
	}

	report, err := h.evaluator.Evaluate(r.Context(), req)
	if err != nil {
		errors.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}
