package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/qrelscope/qrelscope/internal/bus"
	"github.com/qrelscope/qrelscope/internal/cache"
	"github.com/qrelscope/qrelscope/internal/db"
	"github.com/qrelscope/qrelscope/internal/fulltext"
	"github.com/qrelscope/qrelscope/internal/llm"
	"github.com/qrelscope/qrelscope/internal/metrics"
	"github.com/qrelscope/qrelscope/internal/pkg/logger"
	"github.com/qrelscope/qrelscope/internal/store"
)

func newTestStore(t *testing.T) *store.Service {
	t.Helper()

	cfg := db.Config{Driver: db.DriverSQLite, DSN: filepath.Join(t.TempDir(), "server.db")}
	ctx := context.Background()
	if err := db.Migrate(ctx, cfg); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	database, err := db.Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })

	return store.NewService(database, fulltext.FTS5{}, store.DefaultServiceConfig(), logger.Discard())
}

func newTestServer(t *testing.T, svcs Services) http.Handler {
	t.Helper()
	if svcs.Store == nil {
		svcs.Store = newTestStore(t)
	}
	return NewWithServices(Config{Version: "test"}, svcs, nil).Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, r))
	return rec
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d: %s", rec.Code, want, rec.Body.String())
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return v
}

// seed loads one corpus with three documents, a dataset with two queries and
// three judgments.
func seed(t *testing.T, h http.Handler) {
	t.Helper()
	expectStatus(t, do(t, h, http.MethodPost, "/create_corpus", `{"name":"c1","language":"English"}`), http.StatusCreated)
	expectStatus(t, do(t, h, http.MethodPost, "/create_dataset", `{"name":"ds1","corpus_name":"c1","min_relevance":1}`), http.StatusCreated)
	expectStatus(t, do(t, h, http.MethodPost, "/add_documents?corpus_name=c1",
		`[{"id":"d1","title":"Apples","text":"apple pie recipe"},
		  {"id":"d2","title":null,"text":"banana bread"},
		  {"id":"d3","title":"Fruit","text":"apple and banana salad"}]`), http.StatusCreated)
	expectStatus(t, do(t, h, http.MethodPost, "/add_queries?corpus_name=c1&dataset_name=ds1",
		`[{"id":"q1","text":"apple"},{"id":"q2","text":"banana","description":"yellow"}]`), http.StatusCreated)
	expectStatus(t, do(t, h, http.MethodPost, "/add_qrels?corpus_name=c1&dataset_name=ds1",
		`[{"query_id":"q1","document_id":"d1","relevance":2},
		  {"query_id":"q1","document_id":"d3","relevance":1},
		  {"query_id":"q2","document_id":"d2","relevance":1}]`), http.StatusCreated)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Host != "0.0.0.0" {
		t.Errorf("Host = %q, want %q", cfg.Host, "0.0.0.0")
	}
	if cfg.Port != 8103 {
		t.Errorf("Port = %d, want %d", cfg.Port, 8103)
	}
	if cfg.Version != "dev" {
		t.Errorf("Version = %q, want %q", cfg.Version, "dev")
	}
	if cfg.ReadTimeout == 0 || cfg.WriteTimeout == 0 || cfg.ShutdownTimeout == 0 {
		t.Error("timeouts should not be zero")
	}
	if cfg.MetricsPath != "/metrics" {
		t.Errorf("MetricsPath = %q", cfg.MetricsPath)
	}
}

func TestCatalogRoutes(t *testing.T) {
	h := newTestServer(t, Services{})
	seed(t, h)

	corpora := decode[[]store.Corpus](t, do(t, h, http.MethodGet, "/get_corpora", ""))
	if len(corpora) != 1 || corpora[0].NumDocuments != 3 || corpora[0].NumDatasets != 1 {
		t.Errorf("corpora = %+v", corpora)
	}

	datasets := decode[[]store.Dataset](t, do(t, h, http.MethodGet, "/get_datasets?corpus_name=c1", ""))
	if len(datasets) != 1 || datasets[0].NumQueries != 2 || datasets[0].MinRelevance != 1 {
		t.Errorf("datasets = %+v", datasets)
	}

	queries := decode[store.Paginated[store.Query]](t, do(t, h, http.MethodGet,
		"/get_queries?corpus_name=c1&dataset_name=ds1&order_by=relevant_documents&num_results=1", ""))
	if queries.TotalNumItems != 2 || len(queries.Items) != 1 || queries.Items[0].ID != "q1" {
		t.Errorf("queries = %+v", queries)
	}

	query := decode[store.Query](t, do(t, h, http.MethodGet, "/get_query?corpus_name=c1&dataset_name=ds1&query_id=q2", ""))
	if query.Description == nil || *query.Description != "yellow" || query.NumRelevantDocuments != 1 {
		t.Errorf("query = %+v", query)
	}

	docs := decode[store.Paginated[store.Document]](t, do(t, h, http.MethodGet,
		"/get_documents?corpus_name=c1&match=apple&offset=1", ""))
	if docs.TotalNumItems != 2 || docs.Offset != 1 || len(docs.Items) != 1 {
		t.Errorf("documents = %+v", docs)
	}

	doc := decode[store.Document](t, do(t, h, http.MethodGet, "/get_document?corpus_name=c1&document_id=d2", ""))
	if doc.Title != nil || doc.Text != "banana bread" {
		t.Errorf("document = %+v", doc)
	}

	qrels := decode[store.Paginated[store.QRel]](t, do(t, h, http.MethodGet,
		"/get_qrels?corpus_name=c1&query_id=q1&order_by=relevance&order_by_desc=false", ""))
	if qrels.TotalNumItems != 2 || qrels.Items[0].DocumentInfo.ID != "d3" || qrels.Items[1].Relevance != 2 {
		t.Errorf("qrels = %+v", qrels)
	}

	hits := decode[store.Paginated[store.DocumentSearchHit]](t, do(t, h, http.MethodGet,
		"/search_documents?q=banana&corpus_name=c1&corpus_name=other", ""))
	if hits.TotalNumItems != 2 || hits.Items[0].CorpusName != "c1" || !strings.Contains(hits.Items[0].Snippet, "<b>banana</b>") {
		t.Errorf("hits = %+v", hits)
	}

	expectStatus(t, do(t, h, http.MethodDelete, "/remove_dataset?corpus_name=c1&dataset_name=ds1", ""), http.StatusNoContent)
	expectStatus(t, do(t, h, http.MethodGet, "/get_query?corpus_name=c1&dataset_name=ds1&query_id=q2", ""), http.StatusNotFound)
	expectStatus(t, do(t, h, http.MethodDelete, "/remove_corpus?corpus_name=c1", ""), http.StatusNoContent)
	expectStatus(t, do(t, h, http.MethodGet, "/get_document?corpus_name=c1&document_id=d2", ""), http.StatusNotFound)
}

func TestErrorStatuses(t *testing.T) {
	h := newTestServer(t, Services{})
	seed(t, h)

	tests := []struct {
		name   string
		method string
		target string
		body   string
		status int
	}{
		{"duplicate corpus", http.MethodPost, "/create_corpus", `{"name":"c1","language":"English"}`, http.StatusConflict},
		{"unsupported language", http.MethodPost, "/create_corpus", `{"name":"c2","language":"Klingon"}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/create_corpus", `{"name":`, http.StatusBadRequest},
		{"empty body", http.MethodPost, "/create_dataset", ``, http.StatusBadRequest},
		{"missing corpus", http.MethodPost, "/add_documents", `[]`, http.StatusBadRequest},
		{"missing dataset", http.MethodPost, "/add_queries?corpus_name=c1", `[]`, http.StatusBadRequest},
		{"duplicate document", http.MethodPost, "/add_documents?corpus_name=c1", `[{"id":"d1","text":"x"}]`, http.StatusConflict},
		{"unknown document", http.MethodGet, "/get_document?corpus_name=c1&document_id=nope", ``, http.StatusNotFound},
		{"bad order", http.MethodGet, "/get_documents?corpus_name=c1&order_by=relevance", ``, http.StatusBadRequest},
		{"bad num_results", http.MethodGet, "/get_queries?corpus_name=c1&num_results=ten", ``, http.StatusBadRequest},
		{"bad order direction", http.MethodGet, "/get_qrels?corpus_name=c1&order_by_desc=maybe", ``, http.StatusBadRequest},
		{"blank search", http.MethodGet, "/search_documents?q=", ``, http.StatusBadRequest},
		{"wrong method", http.MethodGet, "/create_corpus", ``, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.target, tt.body)
			expectStatus(t, rec, tt.status)
			if tt.status != http.StatusMethodNotAllowed && !strings.Contains(rec.Header().Get("Content-Type"), "application/json") {
				t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestResponseCache(t *testing.T) {
	b := bus.NewMemoryBus(nil)
	defer b.Close()
	c := cache.NewMemoryCache(16, 0)

	s := newTestStore(t)
	s.SetBus(b)
	if err := cache.InvalidateOn(context.Background(), b, c, nil); err != nil {
		t.Fatalf("InvalidateOn() error = %v", err)
	}
	h := newTestServer(t, Services{Store: s, Bus: b, Cache: c})

	first := do(t, h, http.MethodGet, "/get_corpora", "")
	second := do(t, h, http.MethodGet, "/get_corpora", "")
	if first.Header().Get("X-Cache") != "MISS" || second.Header().Get("X-Cache") != "HIT" {
		t.Fatalf("X-Cache = %q, %q", first.Header().Get("X-Cache"), second.Header().Get("X-Cache"))
	}

	expectStatus(t, do(t, h, http.MethodPost, "/create_corpus", `{"name":"c1","language":"English"}`), http.StatusCreated)

	third := do(t, h, http.MethodGet, "/get_corpora", "")
	if third.Header().Get("X-Cache") != "MISS" {
		t.Errorf("X-Cache after mutation = %q, want MISS", third.Header().Get("X-Cache"))
	}
	if corpora := decode[[]store.Corpus](t, third); len(corpora) != 1 {
		t.Errorf("corpora after mutation = %+v", corpora)
	}
}

func TestResponseCacheReadAfterRemove(t *testing.T) {
	c := cache.NewMemoryCache(16, 0)
	h := newTestServer(t, Services{Cache: c})
	seed(t, h)

	const target = "/get_queries?corpus_name=c1&dataset_name=ds1"
	before := decode[store.Paginated[store.Query]](t, do(t, h, http.MethodGet, target, ""))
	if before.TotalNumItems != 2 {
		t.Fatalf("queries before remove = %+v", before)
	}
	if rec := do(t, h, http.MethodGet, target, ""); rec.Header().Get("X-Cache") != "HIT" {
		t.Fatalf("X-Cache = %q, want HIT", rec.Header().Get("X-Cache"))
	}

	expectStatus(t, do(t, h, http.MethodDelete, "/remove_dataset?corpus_name=c1&dataset_name=ds1", ""), http.StatusNoContent)

	rec := do(t, h, http.MethodGet, target, "")
	if rec.Header().Get("X-Cache") != "MISS" {
		t.Errorf("X-Cache after remove = %q, want MISS", rec.Header().Get("X-Cache"))
	}
	if after := decode[store.Paginated[store.Query]](t, rec); after.TotalNumItems != 0 {
		t.Errorf("queries after remove = %+v, want none", after)
	}
}

func TestFailedMutationKeepsCache(t *testing.T) {
	c := cache.NewMemoryCache(16, 0)
	h := newTestServer(t, Services{Cache: c})
	seed(t, h)

	do(t, h, http.MethodGet, "/get_corpora", "")
	expectStatus(t, do(t, h, http.MethodPost, "/create_corpus", `{"name":"c1","language":"English"}`), http.StatusConflict)

	if rec := do(t, h, http.MethodGet, "/get_corpora", ""); rec.Header().Get("X-Cache") != "HIT" {
		t.Errorf("X-Cache after rejected mutation = %q, want HIT", rec.Header().Get("X-Cache"))
	}
}

func TestCreateDatasetDefaultMinRelevance(t *testing.T) {
	h := newTestServer(t, Services{})
	expectStatus(t, do(t, h, http.MethodPost, "/create_corpus", `{"name":"c1","language":"English"}`), http.StatusCreated)
	expectStatus(t, do(t, h, http.MethodPost, "/create_dataset", `{"name":"ds1","corpus_name":"c1"}`), http.StatusCreated)
	expectStatus(t, do(t, h, http.MethodPost, "/create_dataset", `{"name":"ds0","corpus_name":"c1","min_relevance":0}`), http.StatusCreated)
	expectStatus(t, do(t, h, http.MethodPost, "/add_documents?corpus_name=c1", `[{"id":"d1","text":"apple"}]`), http.StatusCreated)
	for _, ds := range []string{"ds1", "ds0"} {
		expectStatus(t, do(t, h, http.MethodPost, "/add_queries?corpus_name=c1&dataset_name="+ds, `[{"id":"q1","text":"apple"}]`), http.StatusCreated)
		expectStatus(t, do(t, h, http.MethodPost, "/add_qrels?corpus_name=c1&dataset_name="+ds,
			`[{"query_id":"q1","document_id":"d1","relevance":0}]`), http.StatusCreated)
	}

	datasets := decode[[]store.Dataset](t, do(t, h, http.MethodGet, "/get_datasets?corpus_name=c1", ""))
	got := map[string]int{}
	for _, ds := range datasets {
		got[ds.Name] = ds.MinRelevance
	}
	if got["ds1"] != 1 || got["ds0"] != 0 {
		t.Errorf("min_relevance = %v, want ds1:1 ds0:0", got)
	}

	tests := []struct {
		dataset string
		want    int
	}{
		{"ds1", 0},
		{"ds0", 1},
	}
	for _, tt := range tests {
		query := decode[store.Query](t, do(t, h, http.MethodGet, "/get_query?corpus_name=c1&dataset_name="+tt.dataset+"&query_id=q1", ""))
		if query.NumRelevantDocuments != tt.want {
			t.Errorf("%s num_relevant_documents = %d, want %d", tt.dataset, query.NumRelevantDocuments, tt.want)
		}
	}
}

func TestAvailableOptions(t *testing.T) {
	h := newTestServer(t, Services{})
	seed(t, h)

	langs := decode[[]string](t, do(t, h, http.MethodGet, "/get_available_languages", ""))
	if len(langs) != 1 || langs[0] != "English" {
		t.Errorf("languages = %v", langs)
	}

	rec := do(t, h, http.MethodGet, "/get_available_options", "")
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"model_names":[]`) {
		t.Errorf("model_names should be an empty list: %s", rec.Body.String())
	}
	opts := decode[AvailableOptions](t, rec)
	if len(opts.CorpusNames) != 1 || opts.CorpusNames[0] != "c1" || opts.QueryLanguages[0] != "English" {
		t.Errorf("options = %+v", opts)
	}
}

// fakeOllama streams a fixed completion for every generate request.
func fakeOllama(t *testing.T) *llm.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[{"name":"llama3:latest","model":"llama3:latest"}]}`)
	})
	mux.HandleFunc("POST /api/show", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "llama3:latest" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"model not found"}`)
			return
		}
		fmt.Fprint(w, `{}`)
	})
	mux.HandleFunc("POST /api/generate", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"Tasty","done":false}`)
		fmt.Fprintln(w, `{"response":" pie","done":false}`)
		fmt.Fprintln(w, `{"response":"","done":true}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return llm.NewClient(llm.Config{BaseURL: srv.URL})
}

func TestDocumentSummary(t *testing.T) {
	s := newTestStore(t)
	disabled := newTestServer(t, Services{Store: s})
	seed(t, disabled)
	expectStatus(t, do(t, disabled, http.MethodGet, "/get_document_summary?corpus_name=c1&document_id=d1&model=llama3:latest", ""), http.StatusNotImplemented)

	h := newTestServer(t, Services{Store: s, LLM: llm.NewService(fakeOllama(t), s, "Summarize {title}: {text}", nil)})

	expectStatus(t, do(t, h, http.MethodGet, "/get_document_summary?corpus_name=c1&document_id=nope&model=llama3:latest", ""), http.StatusNotFound)
	expectStatus(t, do(t, h, http.MethodGet, "/get_document_summary?corpus_name=c1&document_id=d1", ""), http.StatusBadRequest)

	rec := do(t, h, http.MethodGet, "/get_document_summary?corpus_name=c1&document_id=d1&model=llama3:latest", "")
	expectStatus(t, rec, http.StatusOK)
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q", ct)
	}
	var chunks []llm.Chunk
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		var c llm.Chunk
		if err := json.Unmarshal(scanner.Bytes(), &c); err != nil {
			t.Fatalf("line %q: %v", scanner.Text(), err)
		}
		chunks = append(chunks, c)
	}
	if len(chunks) != 3 || chunks[0].Response != "Tasty" || !chunks[2].Done {
		t.Errorf("chunks = %+v", chunks)
	}
}

func TestAnswer(t *testing.T) {
	s := newTestStore(t)
	disabled := newTestServer(t, Services{Store: s})
	seed(t, disabled)
	expectStatus(t, do(t, disabled, http.MethodGet, "/get_answer?model_name=llama3:latest&q=why&corpus_name=c1&document_id=d1", ""), http.StatusServiceUnavailable)

	h := newTestServer(t, Services{Store: s, LLM: llm.NewService(fakeOllama(t), s, "", nil)})

	tests := []struct {
		name   string
		target string
		status int
		body   string
	}{
		{"answer", "/get_answer?model_name=llama3:latest&q=why&corpus_name=c1&document_id=d1&corpus_name=c1&document_id=d3", http.StatusOK, "Tasty pie"},
		{"mismatched pairs", "/get_answer?model_name=llama3:latest&q=why&corpus_name=c1", http.StatusBadRequest, ""},
		{"unknown model", "/get_answer?model_name=gpt&q=why&corpus_name=c1&document_id=d1", http.StatusBadRequest, ""},
		{"missing question", "/get_answer?model_name=llama3:latest&corpus_name=c1&document_id=d1", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.target, "")
			expectStatus(t, rec, tt.status)
			if tt.body != "" && rec.Body.String() != tt.body {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.body)
			}
		})
	}
}

func TestEvaluateRoute(t *testing.T) {
	h := newTestServer(t, Services{})
	seed(t, h)

	rec := do(t, h, http.MethodPost, "/evaluate", `{"corpus_name":"c1","dataset_name":"ds1","ks":[1,2]}`)
	expectStatus(t, rec, http.StatusOK)
	var report struct {
		Summary struct {
			QueryCount int     `json:"query_count"`
			MRR        float64 `json:"mean_mrr"`
		} `json:"summary"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	if report.Summary.QueryCount != 2 {
		t.Errorf("summary = %+v", report.Summary)
	}
}

func TestHealth(t *testing.T) {
	s := newTestStore(t)
	h := newTestServer(t, Services{Store: s})

	live := do(t, h, http.MethodGet, "/healthz", "")
	expectStatus(t, live, http.StatusOK)
	if status := decode[HealthStatus](t, live); status.Version != "test" {
		t.Errorf("version = %q", status.Version)
	}
	expectStatus(t, do(t, h, http.MethodGet, "/readyz", ""), http.StatusOK)

	s.DB().Close()
	rec := do(t, h, http.MethodGet, "/readyz", "")
	expectStatus(t, rec, http.StatusServiceUnavailable)
	if status := decode[HealthStatus](t, rec); status.Components["database"].Status != "unhealthy" {
		t.Errorf("status = %+v", status)
	}
}

func TestMetricsAndRequestID(t *testing.T) {
	m := metrics.New()
	s := newTestStore(t)
	s.SetRecorder(m)
	h := newTestServer(t, Services{Store: s, Metrics: m})

	rec := do(t, h, http.MethodGet, "/get_corpora", "")
	expectStatus(t, rec, http.StatusOK)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}

	body := do(t, h, http.MethodGet, "/metrics", "").Body.String()
	for _, want := range []string{
		`qrelscope_http_requests_total{method="GET",route="/get_corpora",status="200"} 1`,
		`qrelscope_store_operations_total{operation="get_corpora",outcome="ok"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestStartStop(t *testing.T) {
	srv := NewWithServices(Config{Host: "127.0.0.1"}, Services{Store: newTestStore(t)}, nil)
	srv.cfg.Port = 0 // ephemeral

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := <-errc; err != nil {
		t.Errorf("Start() returned %v", err)
	}
}
