package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/qrelscope/qrelscope/internal/pkg/hash"
)

// redisMaxTTL bounds entries when no TTL is configured, since entries of old
// generations are never read again.
const redisMaxTTL = 24 * time.Hour

// RedisCache stores entries in Redis. Invalidation bumps a generation
// counter that is part of every entry key, so replicas sharing the instance
// invalidate together.
type RedisCache struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	metrics Metrics
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(url string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	if ttl <= 0 || ttl > redisMaxTTL {
		ttl = redisMaxTTL
	}
	return &RedisCache{client: client, prefix: "qrelscope:cache:", ttl: ttl}, nil
}

// SetMetrics sets the metrics recorder for this cache.
func (c *RedisCache) SetMetrics(metrics Metrics) {
	c.metrics = metrics
}

func (c *RedisCache) generationKey() string {
	return c.prefix + "generation"
}

func (c *RedisCache) entryKey(generation int64, key string) string {
	return fmt.Sprintf("%s%d:%s", c.prefix, generation, hash.Key(key))
}

func (c *RedisCache) generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, c.generationKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Get implements Cache. Redis errors count as misses.
func (c *RedisCache) Get(ctx context.Context, key string) (Entry, bool) {
	entry, ok := c.get(ctx, key)
	if c.metrics != nil {
		if ok {
			c.metrics.RecordCacheHit("redis")
		} else {
			c.metrics.RecordCacheMiss("redis")
		}
	}
	return entry, ok
}

func (c *RedisCache) get(ctx context.Context, key string) (Entry, bool) {
	gen, err := c.generation(ctx)
	if err != nil {
		return Entry{}, false
	}
	data, err := c.client.Get(ctx, c.entryKey(gen, key)).Bytes()
	if err != nil {
		return Entry{}, false
	}
	return decodeEntry(data)
}

// Set implements Cache. Write failures are dropped.
func (c *RedisCache) Set(ctx context.Context, key string, entry Entry) {
	gen, err := c.generation(ctx)
	if err != nil {
		return
	}
	c.client.Set(ctx, c.entryKey(gen, key), encodeEntry(entry), c.ttl)
}

// Generation implements Cache. A Redis error yields -1, which never
// matches a stored generation.
func (c *RedisCache) Generation(ctx context.Context) int64 {
	gen, err := c.generation(ctx)
	if err != nil {
		return -1
	}
	return gen
}

// SetAt implements Cache. Entries written under an older generation are
// unreachable, so a stale write only costs space until its TTL.
func (c *RedisCache) SetAt(ctx context.Context, gen int64, key string, entry Entry) {
	if gen < 0 {
		return
	}
	c.client.Set(ctx, c.entryKey(gen, key), encodeEntry(entry), c.ttl)
}

// Invalidate implements Cache.
func (c *RedisCache) Invalidate(ctx context.Context) error {
	if err := c.client.Incr(ctx, c.generationKey()).Err(); err != nil {
		return fmt.Errorf("bumping cache generation: %w", err)
	}
	return nil
}

// Close implements Cache.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// encodeEntry stores the content type on the first line.
func encodeEntry(e Entry) []byte {
	buf := make([]byte, 0, len(e.ContentType)+1+len(e.Body))
	buf = append(buf, e.ContentType...)
	buf = append(buf, '\n')
	return append(buf, e.Body...)
}

func decodeEntry(data []byte) (Entry, bool) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return Entry{}, false
	}
	return Entry{ContentType: string(data[:i]), Body: data[i+1:]}, true
}
