package query

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/normalize"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/store"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/wikidex/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/resilience"
)

const keyPrefix = "wikidex:"

// Cache is the subset of the redis client the lookup cache needs.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

// Cached answers queries from a Live index through a redis cache. Keys carry
// the index generation, so a rebuilt artifact never serves stale entries.
// Cache failures are logged and fall through to the index; a circuit breaker
// stops calling redis while it is down. A nil cache disables caching.
type Cached struct {
	live    *Live
	cache   Cache
	ttl     time.Duration
	breaker *resilience.CircuitBreaker
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

func NewCached(live *Live, cache Cache, ttl time.Duration, m *metrics.Metrics) *Cached {
	cbCfg := resilience.CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     10 * time.Second,
		IsFailure: func(err error) bool {
			return !errors.Is(err, context.Canceled)
		},
	}
	if m != nil {
		cbCfg.OnStateChange = func(name string, to resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		}
	}
	return &Cached{
		live:    live,
		cache:   cache,
		ttl:     ttl,
		breaker: resilience.NewCircuitBreaker("redis-lookup-cache", cbCfg),
		metrics: m,
		logger:  logger.WithComponent("lookup-cache"),
	}
}

// NewRedisCached is NewCached over a pkg/redis client, which may be nil.
func NewRedisCached(live *Live, client *pkgredis.Client, ttl time.Duration, m *metrics.Metrics) *Cached {
	if client == nil {
		return NewCached(live, nil, ttl, m)
	}
	return NewCached(live, client, ttl, m)
}

type lookupResult struct {
	Found    bool           `json:"found"`
	Document store.Document `json:"document"`
}

// Lookup is Index.Lookup through the cache.
func (c *Cached) Lookup(ctx context.Context, title string) (store.Document, bool, error) {
	ix, release, err := c.live.Acquire()
	if err != nil {
		return store.Document{}, false, err
	}
	defer release()

	key := c.buildKey(ix, "exact", normalize.Title(title), 0)
	res, err := getOrCompute(ctx, c, key, func() (lookupResult, error) {
		doc, ok, err := ix.Lookup(title)
		return lookupResult{Found: ok, Document: doc}, err
	})
	if err != nil {
		return store.Document{}, false, err
	}
	return res.Document, res.Found, nil
}

// PrefixSearch is Index.PrefixSearch through the cache.
func (c *Cached) PrefixSearch(ctx context.Context, prefix string, limit int) ([]store.Document, error) {
	ix, release, err := c.live.Acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	key := c.buildKey(ix, "prefix", normalize.Prefix(prefix), limit)
	return getOrCompute(ctx, c, key, func() ([]store.Document, error) {
		docs, err := ix.PrefixSearch(prefix, limit)
		if docs == nil {
			docs = []store.Document{}
		}
		return docs, err
	})
}

// OpenDocument streams a document body. Bodies are never cached.
func (c *Cached) OpenDocument(doc store.Document) (io.ReadCloser, error) {
	ix, release, err := c.live.Acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return ix.OpenDocument(doc)
}

// Invalidate drops every cached result of every generation.
func (c *Cached) Invalidate(ctx context.Context) error {
	if c.cache == nil {
		return nil
	}
	deleted, err := c.cache.FlushByPattern(ctx, keyPrefix+"*")
	if err != nil {
		return fmt.Errorf("invalidating lookup cache: %w", err)
	}
	c.logger.Info("cache invalidate", "keys_deleted", deleted)
	return nil
}

func (c *Cached) Enabled() bool { return c.cache != nil }

func (c *Cached) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *Cached) Live() *Live { return c.live }

func getOrCompute[T any](ctx context.Context, c *Cached, key string, compute func() (T, error)) (T, error) {
	var zero T
	if c.cache == nil {
		return compute()
	}
	if v, ok := cacheGet[T](ctx, c, key); ok {
		return v, nil
	}
	val, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := cacheGet[T](ctx, c, key); ok {
			return v, nil
		}
		v, err := compute()
		if err != nil {
			return nil, err
		}
		c.set(ctx, key, v)
		return v, nil
	})
	if err != nil {
		return zero, err
	}
	return val.(T), nil
}

func cacheGet[T any](ctx context.Context, c *Cached, key string) (T, bool) {
	var v T
	var data []byte
	miss := false
	err := c.breaker.Execute(func() error {
		var err error
		data, err = c.cache.Get(ctx, key)
		if pkgredis.IsNilError(err) {
			miss = true
			return nil
		}
		return err
	})
	if err == nil && !miss {
		if err := json.Unmarshal(data, &v); err == nil {
			c.hit()
			return v, true
		}
		c.logger.Error("cache unmarshal failed", "key", key)
	} else if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
		c.logger.Warn("cache get failed", "key", key, "error", err)
	}
	c.miss()
	return v, false
}

func (c *Cached) set(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	err = c.breaker.Execute(func() error {
		return c.cache.Set(ctx, key, data, c.ttl)
	})
	if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
		c.logger.Warn("cache set failed", "key", key, "error", err)
	}
}

func (c *Cached) hit() {
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
}

func (c *Cached) miss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}

func (c *Cached) buildKey(ix *Index, kind, normalized string, limit int) string {
	raw := fmt.Sprintf("%s|%s|limit=%d", kind, normalized, limit)
	hash := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s%s:%x", keyPrefix, ix.Generation(), hash[:16])
}
