// Package cache is a TTL result cache with tag-based invalidation and
// request coalescing. Expiry is lazy: an expired entry is dropped the next
// time its key is looked up. Sweep exists for optional housekeeping only.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultSize = 4096
	DefaultTTL  = 5 * time.Minute
)

// Options configures a Cache. Zero values pick the defaults.
type Options struct {
	Size int
	TTL  time.Duration
	Now  func() time.Time
}

// Entry is one cached payload.
type Entry[V any] struct {
	Key       string
	Value     V
	CreatedAt time.Time
	TTL       time.Duration
	Tags      []string
}

// Expired reports whether the entry is logically gone at now.
func (e Entry[V]) Expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) > e.TTL
}

// HasTag reports whether the entry was written with tag.
func (e Entry[V]) HasTag(tag string) bool {
	return slices.Contains(e.Tags, tag)
}

// Stats are cumulative counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Computes  int64 `json:"computes"`
	Coalesced int64 `json:"coalesced"`
	Entries   int   `json:"entries"`
}

// Cache is safe for concurrent use.
type Cache[V any] struct {
	mu      sync.RWMutex
	entries *lru.Cache[string, Entry[V]]
	tagGen  map[string]uint64
	epoch   uint64

	flights singleflight.Group
	ttl     time.Duration
	now     func() time.Time

	hits, misses, computes, coalesced atomic.Int64
}

// New creates a cache.
func New[V any](opts Options) (*Cache[V], error) {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	entries, err := lru.New[string, Entry[V]](opts.Size)
	if err != nil {
		return nil, err
	}
	return &Cache[V]{
		entries: entries,
		tagGen:  make(map[string]uint64),
		ttl:     opts.TTL,
		now:     opts.Now,
	}, nil
}

// Key derives a stable key from its parts.
func Key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(strconv.Itoa(len(p))))
		h.Write([]byte{':'})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the payload for key if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	v, ok := c.lookup(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

func (c *Cache[V]) lookup(key string) (V, bool) {
	var zero V
	c.mu.RLock()
	e, ok := c.entries.Get(key)
	c.mu.RUnlock()
	if !ok {
		return zero, false
	}
	if e.Expired(c.now()) {
		c.mu.Lock()
		if cur, ok := c.entries.Peek(key); ok && cur.CreatedAt.Equal(e.CreatedAt) {
			c.entries.Remove(key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return e.Value, true
}

// Put stores a payload. A ttl <= 0 uses the cache default.
func (c *Cache[V]) Put(key string, v V, ttl time.Duration, tags ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, v, ttl, tags)
}

func (c *Cache[V]) putLocked(key string, v V, ttl time.Duration, tags []string) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.entries.Add(key, Entry[V]{
		Key:       key,
		Value:     v,
		CreatedAt: c.now(),
		TTL:       ttl,
		Tags:      slices.Clone(tags),
	})
}

// GetOrCompute returns the cached payload for key, or runs fn once no matter
// how many callers ask for the same key concurrently. Waiters share the
// result of the single in-flight call. A caller whose ctx ends stops waiting;
// the computation itself keeps running for the others.
//
// A result computed across an invalidation of one of its tags is returned to
// its waiters but not stored, and callers arriving after the invalidation
// start a fresh computation.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, ttl time.Duration, tags []string, fn func(context.Context) (V, error)) (V, error) {
	var zero V
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	token := c.generation(tags)
	ch := c.flights.DoChan(key+"|"+token, func() (any, error) {
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		c.computes.Add(1)
		v, err := fn(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.generationLocked(tags) == token {
			c.putLocked(key, v, ttl, tags)
		}
		c.mu.Unlock()
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.coalesced.Add(1)
		}
		if res.Err != nil {
			return zero, res.Err
		}
		v, ok := res.Val.(V)
		if !ok {
			return zero, errors.New("cache: unexpected payload type")
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (c *Cache[V]) generation(tags []string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generationLocked(tags)
}

func (c *Cache[V]) generationLocked(tags []string) string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(c.epoch, 10))
	for _, t := range tags {
		b.WriteByte('/')
		b.WriteString(strconv.FormatUint(c.tagGen[t], 10))
	}
	return b.String()
}

// Invalidate removes every entry matching pred and returns how many went.
// In-flight computations started before the call will not be stored.
func (c *Cache[V]) Invalidate(pred func(Entry[V]) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	return c.removeLocked(pred)
}

// InvalidateTag removes every entry written with tag.
func (c *Cache[V]) InvalidateTag(tag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tagGen[tag]++
	return c.removeLocked(func(e Entry[V]) bool { return e.HasTag(tag) })
}

func (c *Cache[V]) removeLocked(pred func(Entry[V]) bool) int {
	n := 0
	for _, k := range c.entries.Keys() {
		e, ok := c.entries.Peek(k)
		if ok && pred(e) {
			c.entries.Remove(k)
			n++
		}
	}
	return n
}

// Clear drops everything.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.entries.Purge()
}

// Sweep evicts expired entries eagerly. Correctness never depends on it.
func (c *Cache[V]) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(func(e Entry[V]) bool { return e.Expired(now) })
}

// Len counts stored entries, expired ones included until they are evicted.
func (c *Cache[V]) Len() int {
	return c.entries.Len()
}

// Stats returns a snapshot of the counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Computes:  c.computes.Load(),
		Coalesced: c.coalesced.Load(),
		Entries:   c.Len(),
	}
}
