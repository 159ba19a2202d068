package cache

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/qrelscope/qrelscope/internal/bus"
	"github.com/qrelscope/qrelscope/internal/pkg/logger"
)

// Middleware serves GET requests from c and stores successful JSON
// responses. Any other request passes through untouched.
func Middleware(c Cache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			key := r.URL.RequestURI()
			if entry, ok := c.Get(r.Context(), key); ok {
				w.Header().Set("Content-Type", entry.ContentType)
				w.Header().Set("X-Cache", "HIT")
				w.WriteHeader(http.StatusOK)
				w.Write(entry.Body)
				return
			}

			// Stored under the generation seen before the handler ran.
			gen := c.Generation(r.Context())
			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			w.Header().Set("X-Cache", "MISS")
			next.ServeHTTP(rec, r)

			contentType := w.Header().Get("Content-Type")
			if rec.status == http.StatusOK && strings.HasPrefix(contentType, "application/json") {
				c.SetAt(r.Context(), gen, key, Entry{ContentType: contentType, Body: rec.body.Bytes()})
			}
		})
	}
}

// recorder captures the status and body while writing through.
type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// InvalidateAfter drops every entry of c once a request through the
// wrapped handler succeeds. The response is held back until then, so a
// client never sees a mutation acknowledged while stale entries remain.
func InvalidateAfter(c Cache, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			buf := &heldResponse{header: w.Header(), status: http.StatusOK}
			next.ServeHTTP(buf, r)

			if buf.status >= 200 && buf.status < 300 {
				if err := c.Invalidate(r.Context()); err != nil && log != nil {
					log.WithContext(r.Context()).Warn("Cache invalidation failed", "path", r.URL.Path, "error", err)
				}
			}
			w.WriteHeader(buf.status)
			w.Write(buf.body.Bytes())
		})
	}
}

// heldResponse buffers a response until the handler returns.
type heldResponse struct {
	header http.Header
	status int
	wrote  bool
	body   bytes.Buffer
}

func (h *heldResponse) Header() http.Header { return h.header }

func (h *heldResponse) WriteHeader(code int) {
	if h.wrote {
		return
	}
	h.status = code
	h.wrote = true
}

func (h *heldResponse) Write(b []byte) (int, error) {
	h.wrote = true
	return h.body.Write(b)
}

// InvalidateOn drops every entry of c whenever a catalog mutation is
// published on b.
func InvalidateOn(ctx context.Context, b bus.Bus, c Cache, log *logger.Logger) error {
	return bus.SubscribeAll(ctx, b, bus.MutationTopics, func(ctx context.Context, event bus.Event) error {
		if err := c.Invalidate(ctx); err != nil {
			if log != nil {
				log.Warn("Cache invalidation failed", "event", event.Type, "error", err)
			}
			return err
		}
		if log != nil {
			log.Debug("Cache invalidated", "event", event.Type)
		}
		return nil
	})
}
