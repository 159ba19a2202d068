// Package cache provides the response cache for read endpoints. Entries are
// invalidated wholesale whenever the catalog changes.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/qrelscope/qrelscope/internal/config"
	"github.com/qrelscope/qrelscope/internal/pkg/logger"
)

// Entry is a cached response body.
type Entry struct {
	ContentType string
	Body        []byte
}

// Cache stores response entries by key.
type Cache interface {
	// Get returns the entry for key if present and current.
	Get(ctx context.Context, key string) (Entry, bool)

	// Set stores an entry.
	Set(ctx context.Context, key string, entry Entry)

	// Generation returns a counter that changes on every Invalidate.
	Generation(ctx context.Context) int64

	// SetAt stores an entry only while the cache is still at generation gen.
	SetAt(ctx context.Context, gen int64, key string, entry Entry)

	// Invalidate drops every entry.
	Invalidate(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Metrics is the interface for recording cache metrics.
// This allows the cache to be decoupled from the metrics package.
type Metrics interface {
	RecordCacheHit(backend string)
	RecordCacheMiss(backend string)
	UpdateCacheSize(backend string, size int)
}

// New creates the cache backend named in the configuration. The "none"
// backend stores nothing.
func New(cfg config.CacheConfig, log *logger.Logger) (Cache, error) {
	ttl := time.Duration(cfg.TTL) * time.Second
	if log != nil {
		log.Info("Creating response cache", "type", cfg.Type, "size", cfg.Size, "ttl", ttl)
	}
	switch strings.ToLower(cfg.Type) {
	case "memory", "":
		return NewMemoryCache(cfg.Size, ttl), nil
	case "redis":
		return NewRedisCache(cfg.RedisURL, ttl)
	case "none":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s", cfg.Type)
	}
}

// Nop is a cache that never stores anything.
type Nop struct{}

// Get implements Cache.
func (Nop) Get(context.Context, string) (Entry, bool) { return Entry{}, false }

// Set implements Cache.
func (Nop) Set(context.Context, string, Entry) {}

// Generation implements Cache.
func (Nop) Generation(context.Context) int64 { return 0 }

// SetAt implements Cache.
func (Nop) SetAt(context.Context, int64, string, Entry) {}

// Invalidate implements Cache.
func (Nop) Invalidate(context.Context) error { return nil }

// Close implements Cache.
func (Nop) Close() error { return nil }
