// Package cache is the mip buffer cache: a byte-budgeted store of per-image,
// per-tier pixel buffers handed out through read and write scopes.
//
// Writers are exclusive per (image, tier); readers share. Eviction never
// touches a buffer that is held by any scope. Releasing a write scope that
// allocated a buffer triggers the derived-tier refresher.
package cache

import (
	"cmp"
	"encoding/binary"
	"errors"
	"hash/fnv"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/Skryldev/imageio/core"
	apperrors "github.com/Skryldev/imageio/errors"
)

const (
	// shardCount must be a power of 2.
	shardCount = 16
	shardMask  = shardCount - 1
)

// RefreshFunc regenerates the tiers derived from (id, tier) after a write.
type RefreshFunc func(id core.ImageID, tier core.Tier) error

// Option configures a Cache.
type Option func(*Cache)

// WithRefresher installs the derived-tier refresher.
func WithRefresher(fn RefreshFunc) Option {
	return func(c *Cache) { c.refresh = fn }
}

// WithLogger sets the cache logger.
func WithLogger(l core.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

type key struct {
	id   core.ImageID
	tier core.Tier
}

type entry struct {
	key key

	mu  sync.RWMutex
	buf *core.Buffer // guarded by mu

	// Guarded by the owning shard's mu.
	refs     int    // scopes held or waiting
	lastUsed uint64 // clock value of the latest acquire
}

// shard owns the entries hashed to it. An entry lives in the map while a
// scope references it or it holds a buffer.
type shard struct {
	mu      sync.Mutex
	entries map[key]*entry
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	UsedBytes int64
	MaxBytes  int64
	Entries   int
}

// Cache is safe for concurrent use.
type Cache struct {
	shards   [shardCount]*shard
	maxBytes int64
	used     atomic.Int64
	clock    atomic.Uint64

	refresh RefreshFunc
	logger  core.Logger

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// New creates a cache holding at most maxBytes of pixel data.
func New(maxBytes int64, opts ...Option) *Cache {
	c := &Cache{maxBytes: maxBytes}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[key]*entry)}
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetRefresher replaces the refresher. Call before the cache is shared.
func (c *Cache) SetRefresher(fn RefreshFunc) { c.refresh = fn }

func (c *Cache) shardFor(k key) *shard {
	h := fnv.New64a()
	var b [9]byte
	binary.LittleEndian.PutUint64(b[:8], uint64(k.id))
	b[8] = byte(k.tier)
	_, _ = h.Write(b[:])
	return c.shards[h.Sum64()&shardMask]
}

// ref returns the entry for k with one more reference, creating it when
// missing. Only the shard lock is taken.
func (c *Cache) ref(k key) *entry {
	s := c.shardFor(k)
	s.mu.Lock()
	e, ok := s.entries[k]
	if !ok {
		e = &entry{key: k}
		s.entries[k] = e
	}
	e.refs++
	e.lastUsed = c.clock.Add(1)
	s.mu.Unlock()
	return e
}

// unref drops one reference. The caller holds e.mu in either mode, so buf
// is stable; an entry with no references and no pixels leaves the shard.
func (c *Cache) unref(e *entry) {
	s := c.shardFor(e.key)
	s.mu.Lock()
	e.refs--
	c.dropLocked(s, e)
	s.mu.Unlock()
}

// dropLocked removes an idle, empty entry. s.mu and e.mu are held.
func (c *Cache) dropLocked(s *shard, e *entry) {
	if e.refs == 0 && e.buf == nil && s.entries[e.key] == e {
		delete(s.entries, e.key)
	}
}

// Acquire blocks until (id, tier) can be held in mode.
func (c *Cache) Acquire(id core.ImageID, tier core.Tier, mode core.Mode) (core.Scope, error) {
	if !tier.Valid() {
		return nil, apperrors.New(apperrors.CategoryCache, "cache.acquire", apperrors.ErrInvalidDimensions)
	}
	e := c.ref(key{id, tier})
	if mode == core.ModeWrite {
		e.mu.Lock()
	} else {
		e.mu.RLock()
	}
	return c.open(e, mode), nil
}

// TryAcquire is Acquire without waiting. It returns a retryable ErrBusy when
// a conflicting scope is held.
func (c *Cache) TryAcquire(id core.ImageID, tier core.Tier, mode core.Mode) (core.Scope, error) {
	if !tier.Valid() {
		return nil, apperrors.New(apperrors.CategoryCache, "cache.try_acquire", apperrors.ErrInvalidDimensions)
	}
	e := c.ref(key{id, tier})
	ok := false
	if mode == core.ModeWrite {
		ok = e.mu.TryLock()
	} else {
		ok = e.mu.TryRLock()
	}
	if !ok {
		// The conflicting holder still references the entry, so it cannot
		// be the last one out.
		s := c.shardFor(e.key)
		s.mu.Lock()
		e.refs--
		s.mu.Unlock()
		return nil, &apperrors.ProcessingError{
			Category:  apperrors.CategoryCache,
			Op:        "cache.try_acquire",
			Err:       apperrors.ErrBusy,
			Retryable: true,
		}
	}
	return c.open(e, mode), nil
}

func (c *Cache) open(e *entry, mode core.Mode) *scope {
	if e.buf != nil {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return &scope{c: c, e: e, mode: mode}
}

// reserve claims n bytes of budget, evicting unheld buffers as needed.
func (c *Cache) reserve(n int64) bool {
	if n <= 0 {
		c.used.Add(n)
		return true
	}
	for {
		cur := c.used.Load()
		if cur+n <= c.maxBytes {
			if c.used.CompareAndSwap(cur, cur+n) {
				return true
			}
			continue
		}
		if c.Evict(cur+n-c.maxBytes) == 0 {
			return false
		}
	}
}

// Evict drops least recently used buffers that no scope holds until at least
// want bytes are freed or no candidate remains. It returns the bytes freed.
// Recency is the acquire clock, compared across shards only here.
func (c *Cache) Evict(want int64) int64 {
	type candidate struct {
		e    *entry
		tick uint64
	}
	var candidates []candidate
	for _, s := range c.shards {
		s.mu.Lock()
		for _, e := range s.entries {
			if e.refs == 0 {
				candidates = append(candidates, candidate{e, e.lastUsed})
			}
		}
		s.mu.Unlock()
	}
	slices.SortFunc(candidates, func(a, b candidate) int { return cmp.Compare(a.tick, b.tick) })

	var freed int64
	for _, cand := range candidates {
		if freed >= want {
			break
		}
		e := cand.e
		if !e.mu.TryLock() {
			continue
		}
		if e.buf != nil {
			n := e.buf.SizeBytes()
			e.buf = nil
			c.used.Add(-n)
			freed += n
			c.evictions.Add(1)
		}
		s := c.shardFor(e.key)
		s.mu.Lock()
		c.dropLocked(s, e)
		s.mu.Unlock()
		e.mu.Unlock()
	}
	if freed > 0 && c.logger != nil {
		c.logger.Debug("cache.evict", "want", want, "freed", freed)
	}
	return freed
}

// Remove drops every tier of id, waiting for outstanding scopes to finish.
func (c *Cache) Remove(id core.ImageID) {
	for _, tier := range core.Tiers() {
		k := key{id, tier}
		s := c.shardFor(k)
		s.mu.Lock()
		e, ok := s.entries[k]
		if ok {
			e.refs++
		}
		s.mu.Unlock()
		if !ok {
			continue
		}
		e.mu.Lock()
		if e.buf != nil {
			c.used.Add(-e.buf.SizeBytes())
			e.buf = nil
		}
		c.unref(e)
		e.mu.Unlock()
	}
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		UsedBytes: c.used.Load(),
		MaxBytes:  c.maxBytes,
		Entries:   n,
	}
}

var errReadScope = errors.New("alloc on read scope")
