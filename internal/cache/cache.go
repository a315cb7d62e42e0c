// Package cache implements the in-process caches of the filter engine:
// bounded LRU caches with a byte budget, per-entry expiry and tags used
// for collection-scoped invalidation.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/geofilter/internal/core/observability"
)

type Options[V any] struct {
	Name       string
	MaxEntries int
	MaxBytes   int64 // 0 disables the byte budget
	TTL        time.Duration
	SizeOf     func(V) int64
	Now        func() time.Time
}

type entry[V any] struct {
	val     V
	size    int64
	expires time.Time
	tags    []string
}

// Cache is safe for concurrent use. Reads go through the LRU's own lock;
// writes, expiry and tag bookkeeping take the cache-wide mutex.
type Cache[V any] struct {
	name   string
	ttl    time.Duration
	max    int64
	sizeOf func(V) int64
	now    func() time.Time

	mu    sync.Mutex
	lru   *lru.Cache[string, entry[V]]
	bytes int64
	tags  map[string]map[string]struct{}
}

func New[V any](o Options[V]) (*Cache[V], error) {
	if o.MaxEntries <= 0 {
		o.MaxEntries = 256
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.SizeOf == nil {
		o.SizeOf = func(V) int64 { return 1 }
	}
	c := &Cache[V]{
		name:   o.Name,
		ttl:    o.TTL,
		max:    o.MaxBytes,
		sizeOf: o.SizeOf,
		now:    o.Now,
		tags:   map[string]map[string]struct{}{},
	}
	l, err := lru.NewWithEvict(o.MaxEntries, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// onEvict runs inside lru calls, which are only made with c.mu held.
func (c *Cache[V]) onEvict(key string, e entry[V]) {
	c.bytes -= e.size
	for _, t := range e.tags {
		if m := c.tags[t]; m != nil {
			delete(m, key)
			if len(m) == 0 {
				delete(c.tags, t)
			}
		}
	}
}

func (c *Cache[V]) Get(key string) (V, bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		observability.ObserveCacheOp(c.name, "miss")
		var zero V
		return zero, false
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		c.mu.Lock()
		if cur, ok := c.lru.Peek(key); ok && cur.expires.Equal(e.expires) {
			c.lru.Remove(key)
		}
		c.mu.Unlock()
		observability.ObserveCacheOp(c.name, "expire")
		observability.ObserveCacheOp(c.name, "miss")
		var zero V
		return zero, false
	}
	observability.ObserveCacheOp(c.name, "hit")
	return e.val, true
}

// Set stores val under key. A ttl of zero uses the cache default; a value
// larger than the whole byte budget is not stored.
func (c *Cache[V]) Set(key string, val V, ttl time.Duration, tags ...string) bool {
	if ttl <= 0 {
		ttl = c.ttl
	}
	e := entry[V]{val: val, size: c.sizeOf(val), tags: dedupeTags(tags)}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}
	if c.max > 0 && e.size > c.max {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lru.Peek(key); ok {
		c.lru.Remove(key)
	}
	evicted := c.lru.Add(key, e)
	c.bytes += e.size
	for _, t := range e.tags {
		m := c.tags[t]
		if m == nil {
			m = map[string]struct{}{}
			c.tags[t] = m
		}
		m[key] = struct{}{}
	}
	if evicted {
		observability.ObserveCacheOp(c.name, "evict")
	}
	for c.max > 0 && c.bytes > c.max {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		observability.ObserveCacheOp(c.name, "evict")
	}
	observability.ObserveCacheOp(c.name, "set")
	return true
}

func (c *Cache[V]) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok := c.lru.Remove(key)
	if ok {
		observability.ObserveCacheOp(c.name, "invalidate")
	}
	return ok
}

// InvalidateTag drops every entry carrying tag and returns how many went.
func (c *Cache[V]) InvalidateTag(tag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.tags[tag]
	if len(m) == 0 {
		return 0
	}
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	n := 0
	for _, k := range ks {
		if c.lru.Remove(k) {
			n++
		}
	}
	observability.AddCacheOps(c.name, "invalidate", n)
	return n
}

func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

func (c *Cache[V]) Len() int { return c.lru.Len() }

func (c *Cache[V]) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

func (c *Cache[V]) Name() string { return c.name }

func dedupeTags(tags []string) []string {
	if len(tags) < 2 {
		return tags
	}
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok || t == "" {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
