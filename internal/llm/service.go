package llm

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/qrelscope/qrelscope/internal/pkg/errors"
	"github.com/qrelscope/qrelscope/internal/pkg/logger"
	"github.com/qrelscope/qrelscope/internal/store"
)

// Documents is the part of the store the generators read.
type Documents interface {
	GetDocument(ctx context.Context, corpusName, documentID string) (*store.Document, error)
	GetDocumentContents(ctx context.Context, refs []store.DocumentRef) ([]store.DocumentInfo, error)
}

// Service generates summaries and answers. A nil client disables both.
type Service struct {
	client   *Client
	docs     Documents
	template *Template
	tmplErr  error
	log      *logger.Logger
}

// NewService creates an LLM service. An empty summaryPrompt disables
// summaries; a malformed one makes every summary request fail as malformed.
func NewService(client *Client, docs Documents, summaryPrompt string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Discard()
	}
	s := &Service{client: client, docs: docs, log: log}
	if summaryPrompt != "" {
		s.template, s.tmplErr = ParseTemplate(summaryPrompt)
		if s.tmplErr != nil {
			log.Warn("Summary prompt template is malformed", "error", s.tmplErr)
		}
	}
	return s
}

// Enabled reports whether an Ollama client is configured.
func (s *Service) Enabled() bool {
	return s.client != nil
}

// ModelNames lists the installed models. It is empty when no client is
// configured or the server cannot be reached.
func (s *Service) ModelNames(ctx context.Context) []string {
	names := []string{}
	if s.client == nil {
		return names
	}
	models, err := s.client.ListModels(ctx)
	if err != nil {
		s.log.WithContext(ctx).Warn("Failed to list models", "error", err)
		return names
	}
	for _, m := range models {
		names = append(names, m.Model)
	}
	return names
}

// Summarize streams a generated summary of one document to emit.
func (s *Service) Summarize(ctx context.Context, corpusName, documentID, model string, emit func(Chunk) error) error {
	if s.client == nil {
		return errors.NotImplementedError("LLM services")
	}
	if strings.TrimSpace(model) == "" {
		return errors.MalformedError("model is required")
	}

	doc, err := s.docs.GetDocument(ctx, corpusName, documentID)
	if err != nil {
		return err
	}

	if s.tmplErr != nil {
		return s.tmplErr
	}
	if s.template == nil {
		return errors.NotImplementedError("summary prompt")
	}

	prompt := s.template.Render(doc.Title, doc.Text)
	err = s.client.Generate(ctx, GenerateRequest{Model: model, Prompt: prompt}, emit)
	if err != nil {
		return generationError("failed to summarize document", err)
	}
	return nil
}

// Answer streams an answer to question grounded on the given documents.
// corpusNames and documentIDs pair up by position.
func (s *Service) Answer(ctx context.Context, model, question string, corpusNames, documentIDs []string, emit func(string) error) error {
	if s.client == nil {
		return errors.ServiceUnavailableError("LLM services")
	}
	if len(corpusNames) != len(documentIDs) || len(documentIDs) == 0 {
		return errors.MalformedError("must provide at least one matching corpus-document pair").
			WithDetail("corpus_name", strings.Join(corpusNames, ",")).
			WithDetail("document_id", strings.Join(documentIDs, ","))
	}

	if err := s.client.ShowModel(ctx, model); err != nil {
		var apiErr *APIError
		if stderrors.As(err, &apiErr) {
			return errors.MalformedError("requested model is not available").WithDetail("model_name", model)
		}
		return errors.Wrap(errors.CodeUnavailable, "LLM services are unreachable", err)
	}

	refs := make([]store.DocumentRef, len(documentIDs))
	for i := range documentIDs {
		refs[i] = store.DocumentRef{CorpusName: corpusNames[i], DocumentID: documentIDs[i]}
	}
	docs, err := s.docs.GetDocumentContents(ctx, refs)
	if err != nil {
		return err
	}

	think := false
	req := GenerateRequest{Model: model, Prompt: RAGPrompt(question, docs), Think: &think}
	err = s.client.Generate(ctx, req, func(c Chunk) error {
		return emit(c.Response)
	})
	if err != nil {
		return generationError("failed to generate answer", err)
	}
	return nil
}

// generationError keeps caller errors and reports server failures as
// unavailable.
func generationError(msg string, err error) error {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) || stderrors.Is(err, context.Canceled) {
		return err
	}
	return errors.Wrap(errors.CodeUnavailable, msg, fmt.Errorf("ollama: %w", err))
}
