package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/qrelscope/qrelscope/internal/pkg/errors"
	"github.com/qrelscope/qrelscope/internal/store"
)

func strptr(s string) *string { return &s }

// fakeOllama serves the subset of the Ollama API the client uses. The last
// generate request is kept for inspection.
type fakeOllama struct {
	mu      sync.Mutex
	models  []string
	chunks  []string
	lastGen GenerateRequest
}

func (f *fakeOllama) setModels(models ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models = models
}

func (f *fakeOllama) last() GenerateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastGen
}

func (f *fakeOllama) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		models := []map[string]string{}
		for _, m := range f.models {
			models = append(models, map[string]string{"name": m, "model": m})
		}
		json.NewEncoder(w).Encode(map[string]any{"models": models})
	})
	mux.HandleFunc("POST /api/show", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, m := range f.models {
			if m == req.Model {
				json.NewEncoder(w).Encode(map[string]string{"modelfile": "FROM " + m})
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, `{"error":"model '%s' not found"}`, req.Model)
	})
	mux.HandleFunc("POST /api/generate", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewDecoder(r.Body).Decode(&f.lastGen)
		if f.lastGen.Model == "broken" {
			fmt.Fprintln(w, `{"error":"model crashed"}`)
			return
		}
		enc := json.NewEncoder(w)
		for _, c := range f.chunks {
			enc.Encode(Chunk{Response: c})
		}
		enc.Encode(Chunk{Done: true})
	})
	return mux
}

type fakeDocuments struct{}

func (fakeDocuments) GetDocument(_ context.Context, corpusName, documentID string) (*store.Document, error) {
	if corpusName == "c1" && documentID == "d1" {
		return &store.Document{DocumentInfo: store.DocumentInfo{ID: "d1", Title: strptr("T1"), Text: "abc def"}, CorpusName: "c1"}, nil
	}
	return nil, errors.NotFoundError("document")
}

func (fakeDocuments) GetDocumentContents(_ context.Context, refs []store.DocumentRef) ([]store.DocumentInfo, error) {
	var docs []store.DocumentInfo
	for _, ref := range refs {
		if ref.DocumentID == "d1" {
			docs = append(docs, store.DocumentInfo{ID: "d1", Title: strptr("T1"), Text: "abc def"})
		}
		if ref.DocumentID == "d2" {
			docs = append(docs, store.DocumentInfo{ID: "d2", Text: "def ghi"})
		}
	}
	return docs, nil
}

func newTestService(t *testing.T, prompt string) (*Service, *fakeOllama) {
	t.Helper()
	fake := &fakeOllama{models: []string{"llama3"}, chunks: []string{"Hello", " world"}}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	return NewService(NewClient(Config{BaseURL: srv.URL}), fakeDocuments{}, prompt, nil), fake
}

func TestParseTemplate(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		want    string
		wantErr bool
	}{
		{"both fields", "Summarize {title}: {text}", "Summarize T: body", false},
		{"escaped braces", "{{json}} {text}", "{json} body", false},
		{"format specifier ignored", "{text:>10}", "body", false},
		{"no fields", "plain", "plain", false},
		{"unknown field", "{title} {author}", "", true},
		{"positional field", "{}", "", true},
		{"unterminated", "{text", "", true},
		{"single close", "text}", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := ParseTemplate(tt.src)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTemplate(%q) error = %v, wantErr %v", tt.src, err, tt.wantErr)
			}
			if err != nil {
				if !errors.IsMalformed(err) {
					t.Errorf("error = %v, want Malformed", err)
				}
				return
			}
			if got := tmpl.Render(strptr("T"), "body"); got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderNilTitle(t *testing.T) {
	tmpl, _ := ParseTemplate("[{title}] {text}")
	if got := tmpl.Render(nil, "x"); got != "[] x" {
		t.Errorf("Render(nil) = %q", got)
	}
}

func TestRAGPrompt(t *testing.T) {
	got := RAGPrompt("why?", []store.DocumentInfo{
		{ID: "d1", Title: strptr("T1"), Text: "abc"},
		{ID: "d2", Text: "def"},
	})
	want := "Answer the following question given the context documents below.\n\n" +
		"Question: why?\n\n" +
		"Context documents:\n\n" +
		"---------- DOCUMENT 1\nTitle: T1\n\nText: abc\n---------- END: DOCUMENT 1\n" +
		"---------- DOCUMENT 2\nTitle: \n\nText: def\n---------- END: DOCUMENT 2\n"
	if got != want {
		t.Errorf("RAGPrompt() =\n%q\nwant\n%q", got, want)
	}
}

func TestSummarize(t *testing.T) {
	s, fake := newTestService(t, "Summarize {title}: {text}")
	ctx := context.Background()

	var chunks []Chunk
	err := s.Summarize(ctx, "c1", "d1", "llama3", func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if len(chunks) != 3 || chunks[0].Response != "Hello" || !chunks[2].Done {
		t.Errorf("chunks = %+v", chunks)
	}
	if gen := fake.last(); gen.Prompt != "Summarize T1: abc def" || !gen.Stream {
		t.Errorf("generate request = %+v", gen)
	}

	tests := []struct {
		name     string
		svc      *Service
		corpus   string
		document string
		model    string
		code     string
	}{
		{"unknown document", s, "c1", "nope", "llama3", errors.CodeNotFound},
		{"missing model", s, "c1", "d1", "", errors.CodeMalformed},
		{"no client", NewService(nil, fakeDocuments{}, "{text}", nil), "c1", "d1", "llama3", errors.CodeNotImplemented},
		{"broken model", s, "c1", "d1", "broken", errors.CodeUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.svc.Summarize(ctx, tt.corpus, tt.document, tt.model, func(Chunk) error { return nil })
			if errors.CodeOf(err) != tt.code {
				t.Errorf("Summarize() error = %v, want code %s", err, tt.code)
			}
		})
	}
}

func TestSummarizePromptConfiguration(t *testing.T) {
	noPrompt, _ := newTestService(t, "")
	err := noPrompt.Summarize(context.Background(), "c1", "d1", "llama3", func(Chunk) error { return nil })
	if errors.CodeOf(err) != errors.CodeNotImplemented {
		t.Errorf("Summarize() without prompt error = %v, want code %s", err, errors.CodeNotImplemented)
	}

	badPrompt, _ := newTestService(t, "{author}")
	err = badPrompt.Summarize(context.Background(), "c1", "d1", "llama3", func(Chunk) error { return nil })
	if !errors.IsMalformed(err) {
		t.Errorf("Summarize() with bad prompt error = %v, want Malformed", err)
	}
}

func TestAnswer(t *testing.T) {
	s, fake := newTestService(t, "")
	ctx := context.Background()

	var sb strings.Builder
	err := s.Answer(ctx, "llama3", "what?", []string{"c1", "c1"}, []string{"d1", "d2"}, func(text string) error {
		sb.WriteString(text)
		return nil
	})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if sb.String() != "Hello world" {
		t.Errorf("answer = %q", sb.String())
	}
	gen := fake.last()
	if !strings.Contains(gen.Prompt, "Question: what?") || !strings.Contains(gen.Prompt, "DOCUMENT 2") {
		t.Errorf("prompt = %q", gen.Prompt)
	}
	if gen.Think == nil || *gen.Think {
		t.Errorf("think = %v, want false", gen.Think)
	}

	tests := []struct {
		name    string
		svc     *Service
		model   string
		corpora []string
		docs    []string
		code    string
	}{
		{"no client", NewService(nil, fakeDocuments{}, "", nil), "llama3", []string{"c1"}, []string{"d1"}, errors.CodeUnavailable},
		{"length mismatch", s, "llama3", []string{"c1"}, []string{"d1", "d2"}, errors.CodeMalformed},
		{"no documents", s, "llama3", nil, nil, errors.CodeMalformed},
		{"unknown model", s, "gpt", []string{"c1"}, []string{"d1"}, errors.CodeMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.svc.Answer(ctx, tt.model, "q", tt.corpora, tt.docs, func(string) error { return nil })
			if errors.CodeOf(err) != tt.code {
				t.Errorf("Answer() error = %v, want code %s", err, tt.code)
			}
		})
	}
}

func TestAnswerUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s := NewService(NewClient(Config{BaseURL: url}), fakeDocuments{}, "", nil)
	err := s.Answer(context.Background(), "llama3", "q", []string{"c1"}, []string{"d1"}, func(string) error { return nil })
	if errors.CodeOf(err) != errors.CodeUnavailable {
		t.Errorf("Answer() error = %v, want unavailable", err)
	}
}

func TestModelNames(t *testing.T) {
	s, fake := newTestService(t, "")
	fake.setModels("llama3", "mistral")

	names := s.ModelNames(context.Background())
	if len(names) != 2 || names[0] != "llama3" || names[1] != "mistral" {
		t.Errorf("ModelNames() = %v", names)
	}

	none := NewService(nil, fakeDocuments{}, "", nil).ModelNames(context.Background())
	if none == nil || len(none) != 0 {
		t.Errorf("ModelNames() without client = %v, want empty slice", none)
	}
}

func TestGenerateStopsOnCallbackError(t *testing.T) {
	s, _ := newTestService(t, "")
	stop := fmt.Errorf("stop")
	calls := 0
	err := s.client.Generate(context.Background(), GenerateRequest{Model: "llama3"}, func(Chunk) error {
		calls++
		return stop
	})
	if err != stop || calls != 1 {
		t.Errorf("Generate() = %v after %d calls", err, calls)
	}
}
