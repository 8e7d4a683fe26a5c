// Package swr implements a stale-while-revalidate read cache with per-key
// fetch deduplication. Values fresher than staleTime are served without a
// fetch; values between staleTime and cacheTime are served immediately while
// exactly one background refresh runs; values past cacheTime are re-fetched
// and awaited. At most one fetch is ever in flight per key.
package swr

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Fetcher loads the authoritative value for a cache key.
type Fetcher[V any] func(ctx context.Context) (V, error)

// inflight is the per-key fetch handle. It doubles as the dedup lock: while
// a key has an inflight registered, no second fetch may start for that key,
// and every concurrent reader joins it instead.
type inflight[V any] struct {
	done  chan struct{}
	value V
	err   error
}

type entry[V any] struct {
	value     V
	fetchedAt time.Time
}

// Cache is a string-keyed SWR cache for values of type V. Keys are opaque;
// the engine uses "<collection>:<owner-id>". One Cache instance is shared
// per process, constructed once and passed by reference.
type Cache[V any] struct {
	mu       sync.Mutex
	entries  map[string]*entry[V]
	inflight map[string]*inflight[V]
	// generation invalidates fetch completions that started before a Clear:
	// a fetch begun under the previous owner must not repopulate the cache.
	generation uint64
	owner      string
	hasOwner   bool

	logger zerolog.Logger
	now    func() time.Time
}

// New creates an empty cache.
func New[V any](logger zerolog.Logger) *Cache[V] {
	return &Cache[V]{
		entries:  make(map[string]*entry[V]),
		inflight: make(map[string]*inflight[V]),
		logger:   logger.With().Str("component", "SWRCache").Logger(),
		now:      time.Now,
	}
}

// SetClockForTest overrides the cache's clock. Test use only.
func (c *Cache[V]) SetClockForTest(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// GetOrFetch returns the value for key, fetching it when needed.
//
//   - entry younger than staleTime: returned as-is, no fetch.
//   - entry between staleTime and cacheTime: returned immediately; one
//     background refresh starts unless one is already in flight. A failed
//     refresh is logged and the stale value stays.
//   - no entry, or entry older than cacheTime: the caller awaits a fetch,
//     joining an in-flight one if present. A failed fetch caches nothing, so
//     the next caller retries cleanly.
//
// A fetch always runs to completion and caches its result even if the caller
// that started it gives up; a waiter whose ctx ends returns ctx.Err() early.
func (c *Cache[V]) GetOrFetch(ctx context.Context, key string, fetch Fetcher[V], staleTime, cacheTime time.Duration) (V, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		age := c.now().Sub(e.fetchedAt)
		if age < staleTime {
			value := e.value
			c.mu.Unlock()
			return value, nil
		}
		if age < cacheTime {
			value := e.value
			if _, running := c.inflight[key]; !running {
				fl := &inflight[V]{done: make(chan struct{})}
				c.inflight[key] = fl
				gen := c.generation
				go c.refresh(context.WithoutCancel(ctx), key, fetch, fl, gen)
			}
			c.mu.Unlock()
			return value, nil
		}
		// Older than cacheTime: treat as a miss.
	}

	if fl, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		return c.await(ctx, fl)
	}

	fl := &inflight[V]{done: make(chan struct{})}
	c.inflight[key] = fl
	gen := c.generation
	c.mu.Unlock()

	go func() {
		value, err := fetch(context.WithoutCancel(ctx))
		c.complete(key, fl, gen, value, err)
	}()
	return c.await(ctx, fl)
}

// refresh runs a background revalidation for a stale-but-valid entry.
func (c *Cache[V]) refresh(ctx context.Context, key string, fetch Fetcher[V], fl *inflight[V], gen uint64) {
	value, err := fetch(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Background refresh failed, keeping stale value.")
	}
	c.complete(key, fl, gen, value, err)
}

// complete records a finished fetch. Successful results overwrite the entry
// unconditionally: writes are last-fetch-completed-wins. Results from before
// a Clear (generation mismatch) are discarded.
func (c *Cache[V]) complete(key string, fl *inflight[V], gen uint64, value V, err error) {
	c.mu.Lock()
	if err == nil && gen == c.generation {
		c.entries[key] = &entry[V]{value: value, fetchedAt: c.now()}
	}
	if c.inflight[key] == fl {
		delete(c.inflight, key)
	}
	fl.value = value
	fl.err = err
	c.mu.Unlock()
	close(fl.done)
}

// await blocks until the in-flight fetch finishes or ctx ends. The fetch
// itself is never cancelled.
func (c *Cache[V]) await(ctx context.Context, fl *inflight[V]) (V, error) {
	var zero V
	select {
	case <-fl.done:
		if fl.err != nil {
			return zero, fl.err
		}
		return fl.value, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Invalidate removes the entry for key. An in-flight fetch for the key is
// unaffected and will still cache its result when it completes.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidatePrefix removes every entry whose key starts with prefix, and
// only those.
func (c *Cache[V]) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
}

// Clear removes every entry and fences off in-flight fetches so their
// results are discarded on completion.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

func (c *Cache[V]) clearLocked() {
	c.entries = make(map[string]*entry[V])
	c.generation++
}

// CheckOwnerChange must be called whenever the identity of the data owner
// may have changed (login, logout, session switch). The first call records
// the owner; a differing owner clears the whole cache so one tenant's data
// never leaks into another tenant's session. Repeat calls with the same
// owner are no-ops. It reports whether the cache was cleared.
func (c *Cache[V]) CheckOwnerChange(ownerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasOwner {
		c.owner = ownerID
		c.hasOwner = true
		return false
	}
	if c.owner == ownerID {
		return false
	}
	c.logger.Info().Str("previous_owner", c.owner).Str("owner", ownerID).
		Msg("Data owner changed, clearing cache.")
	c.owner = ownerID
	c.clearLocked()
	return true
}

// Len reports the number of cached entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
