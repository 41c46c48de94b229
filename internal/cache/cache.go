// Package cache keeps recognition and enhancement results keyed by content
// fingerprint so repeated dictations skip the external call.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Options configures a Cache.
type Options struct {
	Name     string
	Capacity int
	TTL      time.Duration
	// Remote is an optional shared tier. The memory tier stays
	// authoritative for LRU order and TTL.
	Remote Remote
	Logger *slog.Logger
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Name        string `json:"name"`
	Size        int    `json:"size"`
	Capacity    int    `json:"capacity"`
	Hits        uint64 `json:"hits"`
	RemoteHits  uint64 `json:"remote_hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
}

type entry[V any] struct {
	value   V
	created time.Time
	ttl     time.Duration
}

func (e entry[V]) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.created) >= e.ttl
}

// Cache is a TTL and LRU bounded map from fingerprint to result. All
// mutations, including the background sweep, go through one mutex.
type Cache[V any] struct {
	name   string
	ttl    time.Duration
	remote Remote
	log    *slog.Logger
	clock  func() time.Time

	mu    sync.Mutex
	lru   *simplelru.LRU[string, entry[V]]
	stats Stats
}

func New[V any](opts Options) (*Cache[V], error) {
	if opts.Capacity <= 0 {
		return nil, errors.New("cache capacity must be positive")
	}
	lru, err := simplelru.NewLRU[string, entry[V]](opts.Capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache[V]{
		name:   opts.Name,
		ttl:    opts.TTL,
		remote: opts.Remote,
		log:    logger.With(slog.String("component", "cache"), slog.String("cache", opts.Name)),
		clock:  time.Now,
		lru:    lru,
		stats:  Stats{Name: opts.Name, Capacity: opts.Capacity},
	}, nil
}

// Get returns the cached value for key. Expired entries are dropped on the
// way out and reported as a miss.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool) {
	c.mu.Lock()
	e, ok := c.lru.Get(key)
	if ok && e.expired(c.clock()) {
		c.lru.Remove(key)
		c.stats.Expirations++
		ok = false
	}
	if ok {
		c.stats.Hits++
		c.mu.Unlock()
		return e.value, true
	}
	if c.remote == nil {
		c.stats.Misses++
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	c.mu.Unlock()

	var value V
	err := c.remote.Get(ctx, c.remoteKey(key), &value)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.log.Warn("remote cache lookup failed", slog.String("error", err.Error()))
		}
		c.stats.Misses++
		var zero V
		return zero, false
	}
	c.stats.RemoteHits++
	c.addLocked(key, value)
	return value, true
}

// Put stores value under key with the cache TTL and writes it through to the
// remote tier when one is configured.
func (c *Cache[V]) Put(ctx context.Context, key string, value V) {
	c.mu.Lock()
	c.addLocked(key, value)
	c.mu.Unlock()

	if c.remote != nil {
		if err := c.remote.Set(ctx, c.remoteKey(key), value, c.ttl); err != nil {
			c.log.Warn("remote cache write failed", slog.String("error", err.Error()))
		}
	}
}

func (c *Cache[V]) addLocked(key string, value V) {
	if c.lru.Add(key, entry[V]{value: value, created: c.clock(), ttl: c.ttl}) {
		c.stats.Evictions++
	}
}

// Sweep drops every expired entry and returns how many were removed.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	removed := 0
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if ok && e.expired(now) {
			c.lru.Remove(key)
			removed++
		}
	}
	c.stats.Expirations += uint64(removed)
	return removed
}

// Run sweeps on interval until ctx is done.
func (c *Cache[V]) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.log.Debug("swept expired entries", slog.Int("count", n))
			}
		}
	}
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.lru.Len()
	return s
}

func (c *Cache[V]) remoteKey(key string) string {
	return c.name + ":" + key
}
