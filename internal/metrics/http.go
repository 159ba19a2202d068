package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// routes are the paths recorded under their own label. Anything else is
// recorded as "other" to bound cardinality.
var routes = map[string]bool{
	"/":                        true,
	"/healthz":                 true,
	"/readyz":                  true,
	"/metrics":                 true,
	"/create_corpus":           true,
	"/create_dataset":          true,
	"/add_queries":             true,
	"/add_documents":           true,
	"/add_qrels":               true,
	"/remove_dataset":          true,
	"/remove_corpus":           true,
	"/get_corpora":             true,
	"/get_datasets":            true,
	"/get_queries":             true,
	"/get_query":               true,
	"/get_documents":           true,
	"/get_document":            true,
	"/get_qrels":               true,
	"/search_documents":        true,
	"/get_available_languages": true,
	"/get_available_options":   true,
	"/get_document_summary":    true,
	"/get_answer":              true,
	"/evaluate":                true,
}

// HTTPMiddleware wraps an HTTP handler to collect metrics.
// It records request count and duration, and tracks in-flight requests.
//
// Usage:
//
//	handler := metrics.HTTPMiddleware(m, mux)
func HTTPMiddleware(m *Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		m.RecordHTTP(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader captures the status code and calls the underlying WriteHeader.
func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// Write ensures status code is set before writing.
func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(w.statusCode)
	}
	return w.ResponseWriter.Write(b)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it.
// Streaming endpoints depend on it.
func (w *responseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker if the underlying ResponseWriter supports it.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
}

func normalizePath(path string) string {
	if routes[path] {
		return path
	}
	return "other"
}

// statusCode converts HTTP status code to string for metric label.
// Uncommon codes are grouped into categories.
func statusCode(code int) string {
	switch code {
	case 200, 201, 204, 400, 404, 405, 409, 500, 501, 503, 504:
		return strconv.Itoa(code)
	}

	switch {
	case code >= 100 && code < 200:
		return "1xx"
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	}
	return strconv.Itoa(code)
}
