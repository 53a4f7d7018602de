// Package cache implements the read-through accelerator described in
// spec.md §4.4: an LRU cache bounded by entry count, with a separate
// sweeper evicting entries past a TTL. The cache is coherent only within
// one process — it holds no opinion about what other processes have
// written to disk.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/cuemby/taskpersist/pkg/metrics"
)

// entry is what the LRU actually stores; Value is opaque to the cache.
type entry struct {
	value        any
	insertedAt   time.Time
	lastAccessAt time.Time
}

// Layer is a thread-safe, process-local cache. Zero value is not usable;
// construct with New.
type Layer struct {
	lru *lru.Cache
	ttl time.Duration

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds a cache holding at most maxEntries values, each evicted by the
// sweeper once older than ttl (ttl <= 0 disables the sweeper).
func New(maxEntries int, ttl time.Duration) (*Layer, error) {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	l, err := lru.New(maxEntries)
	if err != nil {
		return nil, err
	}
	c := &Layer{lru: l, ttl: ttl, stopCh: make(chan struct{})}
	if ttl > 0 {
		go c.sweepLoop()
	}
	return c, nil
}

// Get returns the cached value for key, if present and not yet swept.
func (c *Layer) Get(key string) (any, bool) {
	raw, ok := c.lru.Get(key)
	if !ok {
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	e := raw.(*entry)
	c.mu.Lock()
	e.lastAccessAt = time.Now()
	c.mu.Unlock()
	metrics.CacheHitsTotal.Inc()
	return e.value, true
}

// Set stores value under key. Callers must persist to disk first; Set
// should only be called after a successful write, per the read-through
// contract — a cache entry never gets ahead of disk.
func (c *Layer) Set(key string, value any) {
	now := time.Now()
	evicted := c.lru.Add(key, &entry{value: value, insertedAt: now, lastAccessAt: now})
	if evicted {
		metrics.CacheEvictionsTotal.WithLabelValues("capacity").Inc()
	}
	metrics.CacheSize.Set(float64(c.lru.Len()))
}

// Invalidate removes key from the cache, forcing the next Get to miss.
func (c *Layer) Invalidate(key string) {
	c.lru.Remove(key)
	metrics.CacheSize.Set(float64(c.lru.Len()))
}

// Clear empties the cache entirely, e.g. after a checkpoint restore.
func (c *Layer) Clear() {
	c.lru.Purge()
	metrics.CacheSize.Set(0)
}

// Len reports the current number of cached entries.
func (c *Layer) Len() int { return c.lru.Len() }

// Close stops the TTL sweeper goroutine, if one was started.
func (c *Layer) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Layer) sweepLoop() {
	interval := c.ttl / 4
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Layer) sweep() {
	now := time.Now()
	for _, key := range c.lru.Keys() {
		raw, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		e := raw.(*entry)
		c.mu.Lock()
		age := now.Sub(e.insertedAt)
		c.mu.Unlock()
		if age > c.ttl {
			c.lru.Remove(key)
			metrics.CacheEvictionsTotal.WithLabelValues("ttl").Inc()
		}
	}
	metrics.CacheSize.Set(float64(c.lru.Len()))
}
