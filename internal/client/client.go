// Package client provides an HTTP client for the qrelscope API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qrelscope/qrelscope/internal/evaluation"
	"github.com/qrelscope/qrelscope/internal/pkg/errors"
	"github.com/qrelscope/qrelscope/internal/store"
)

// Client is an HTTP client for the qrelscope API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Config configures the client.
type Config struct {
	// BaseURL is the base URL of the API server.
	BaseURL string

	// Timeout is the request timeout.
	Timeout time.Duration

	// MaxIdleConns controls the maximum number of idle (keep-alive) connections
	// across all hosts. Zero means no limit.
	MaxIdleConns int

	// IdleConnTimeout is the maximum amount of time an idle (keep-alive)
	// connection will remain idle before closing itself.
	IdleConnTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:         "http://localhost:8103",
		Timeout:         5 * time.Minute,
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
}

// New creates a new API client.
func New(cfg Config) *Client {
	defaults := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = defaults.MaxIdleConns
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = defaults.IdleConnTimeout
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
}

// HealthResponse is the server's readiness report.
type HealthResponse struct {
	Status     string               `json:"status"`
	Version    string               `json:"version"`
	Uptime     string               `json:"uptime"`
	Components map[string]Component `json:"components,omitempty"`
}

// Component is the health of one dependency.
type Component struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
}

// SearchOptions narrows a document search.
type SearchOptions struct {
	Corpora []string
	Limit   int
	Offset  int
}

// APIError is an error response from the server.
type APIError struct {
	Status  int               `json:"-"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d): %s", e.Code, e.Status, e.Message)
}

// AppError converts the response back into an application error so callers
// can use the errors package predicates.
func (e *APIError) AppError() *errors.AppError {
	appErr := errors.New(e.Code, e.Message)
	for k, v := range e.Details {
		appErr = appErr.WithDetail(k, v)
	}
	return appErr
}

// Ready reports the server's readiness. A not-ready server returns its
// report together with an error.
func (c *Client) Ready(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	err := c.get(ctx, "/readyz", nil, &resp)
	if apiErr, ok := err.(*APIError); ok && apiErr.Status == http.StatusServiceUnavailable {
		return &resp, fmt.Errorf("server is not ready: %s", resp.Status)
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetCorpora lists every corpus.
func (c *Client) GetCorpora(ctx context.Context) ([]store.Corpus, error) {
	var corpora []store.Corpus
	if err := c.get(ctx, "/get_corpora", nil, &corpora); err != nil {
		return nil, err
	}
	return corpora, nil
}

// GetDatasets lists the datasets of a corpus.
func (c *Client) GetDatasets(ctx context.Context, corpusName string) ([]store.Dataset, error) {
	var datasets []store.Dataset
	q := url.Values{"corpus_name": {corpusName}}
	if err := c.get(ctx, "/get_datasets", q, &datasets); err != nil {
		return nil, err
	}
	return datasets, nil
}

// SearchDocuments runs a full-text search.
func (c *Client) SearchDocuments(ctx context.Context, query string, opts SearchOptions) (*store.Paginated[store.DocumentSearchHit], error) {
	q := url.Values{"q": {query}}
	for _, name := range opts.Corpora {
		q.Add("corpus_name", name)
	}
	if opts.Limit > 0 {
		q.Set("num_results", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}

	var page store.Paginated[store.DocumentSearchHit]
	if err := c.get(ctx, "/search_documents", q, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Evaluate scores full-text search against a dataset's judgments.
func (c *Client) Evaluate(ctx context.Context, req evaluation.Request) (*evaluation.Report, error) {
	var report evaluation.Report
	if err := c.post(ctx, "/evaluate", req, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// RemoveDataset deletes a dataset and its queries and judgments.
func (c *Client) RemoveDataset(ctx context.Context, corpusName, datasetName string) error {
	q := url.Values{"corpus_name": {corpusName}, "dataset_name": {datasetName}}
	return c.delete(ctx, "/remove_dataset", q)
}

// RemoveCorpus deletes a corpus and everything in it.
func (c *Client) RemoveCorpus(ctx context.Context, corpusName string) error {
	return c.delete(ctx, "/remove_corpus", url.Values{"corpus_name": {corpusName}})
}

func (c *Client) get(ctx context.Context, path string, query url.Values, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path, query), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, result)
}

func (c *Client) post(ctx context.Context, path string, body, result any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path, nil), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, result)
}

func (c *Client) delete(ctx context.Context, path string, query url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url(path, query), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, nil)
}

func (c *Client) url(path string, query url.Values) string {
	if len(query) == 0 {
		return c.baseURL + path
	}
	return c.baseURL + path + "?" + query.Encode()
}

// do sends req and decodes a JSON body into result. Error bodies are decoded
// into result too, so a failed readiness check still carries its report.
func (c *Client) do(req *http.Request, result any) error {
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Code == "" {
			if result != nil && json.Unmarshal(body, result) == nil {
				return &APIError{Status: resp.StatusCode, Code: errors.CodeUnavailable, Message: http.StatusText(resp.StatusCode)}
			}
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return apiErr
	}

	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}
