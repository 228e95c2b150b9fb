// Package cache front-ends page IO with a concurrent page cache.
// Readers use an optimistic seqlock: observe the entry version, copy,
// re-observe, retry on a torn read. Writers lock the entry, bump the
// version to odd, copy, bump back to even. Capacity is enforced by
// sampled eviction: K random entries are inspected and the one with the
// oldest access time is dropped, which avoids a global LRU list without
// materially losing hit rate.
package cache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rthomasv3/galdrdb/pkg/pageio"
)

const evictionSample = 5

type entry struct {
	mu         sync.RWMutex
	version    atomic.Uint64 // odd while a write is in progress
	lastAccess atomic.Int64
	data       []byte
}

// Stats holds cache counters, exported to metrics by the engine.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
}

// Cache decorates a pageio.IO with a versioned page cache. All writes
// are write-through; Put updates only the cache for pages whose durable
// copy lives in the WAL.
type Cache struct {
	inner    pageio.IO
	pageSize int
	max      int

	mu    sync.RWMutex
	pages map[uint32]*entry

	evictMu sync.Mutex
	clock   atomic.Int64

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// New creates a cache over inner holding at most maxPages pages.
func New(inner pageio.IO, maxPages int) *Cache {
	if maxPages < evictionSample {
		maxPages = evictionSample
	}
	return &Cache{
		inner:    inner,
		pageSize: inner.PageSize(),
		max:      maxPages,
		pages:    make(map[uint32]*entry),
	}
}

// PageSize returns the page size in bytes.
func (c *Cache) PageSize() int { return c.pageSize }

// Inner returns the decorated IO layer.
func (c *Cache) Inner() pageio.IO { return c.inner }

func (c *Cache) tick() int64 { return c.clock.Add(1) }

// Get copies a cached page into dst without touching the inner layer.
func (c *Cache) Get(id uint32, dst []byte) bool {
	c.mu.RLock()
	e := c.pages[id]
	c.mu.RUnlock()
	if e == nil {
		c.misses.Add(1)
		return false
	}
	c.readEntry(e, dst)
	c.hits.Add(1)
	return true
}

// readEntry performs the optimistic versioned read: observe the
// version, copy under the shared lock, re-observe, retry on a change.
// An odd version means a write is in flight.
func (c *Cache) readEntry(e *entry, dst []byte) {
	for i := 0; i < 3; i++ {
		v1 := e.version.Load()
		if v1%2 == 1 {
			continue
		}
		e.mu.RLock()
		copy(dst, e.data)
		e.mu.RUnlock()
		if e.version.Load() == v1 {
			e.lastAccess.Store(c.tick())
			return
		}
	}
	e.mu.RLock()
	copy(dst, e.data)
	e.mu.RUnlock()
	e.lastAccess.Store(c.tick())
}

func (c *Cache) writeEntry(e *entry, src []byte) {
	e.mu.Lock()
	e.version.Add(1) // odd: write in progress
	copy(e.data, src)
	e.version.Add(1) // even again
	e.mu.Unlock()
	e.lastAccess.Store(c.tick())
}

// Put stores a page in the cache without writing the inner layer.
func (c *Cache) Put(id uint32, src []byte) {
	c.mu.RLock()
	e := c.pages[id]
	c.mu.RUnlock()
	if e != nil {
		c.writeEntry(e, src)
		return
	}
	c.insert(id, src)
}

func (c *Cache) insert(id uint32, src []byte) {
	e := &entry{data: make([]byte, c.pageSize)}
	copy(e.data, src)
	e.lastAccess.Store(c.tick())

	c.mu.Lock()
	if existing, ok := c.pages[id]; ok {
		c.mu.Unlock()
		c.writeEntry(existing, src)
		return
	}
	c.pages[id] = e
	needEvict := len(c.pages) > c.max
	c.mu.Unlock()

	if needEvict {
		c.evict()
	}
}

// evict drops the coldest of a small random sample of entries. Map
// iteration order supplies the randomness.
func (c *Cache) evict() {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pages) <= c.max {
		return
	}

	var victim uint32
	var oldest int64 = -1
	n := 0
	for id, e := range c.pages {
		at := e.lastAccess.Load()
		if oldest < 0 || at < oldest {
			oldest = at
			victim = id
		}
		n++
		if n >= evictionSample {
			break
		}
	}
	if oldest >= 0 {
		delete(c.pages, victim)
		c.evictions.Add(1)
	}
}

// Drop removes a page from the cache.
func (c *Cache) Drop(id uint32) {
	c.mu.Lock()
	delete(c.pages, id)
	c.mu.Unlock()
}

// ReadPage serves from the cache, faulting misses in from the inner
// layer.
func (c *Cache) ReadPage(ctx context.Context, id uint32, dst []byte) error {
	if c.Get(id, dst) {
		return nil
	}
	if err := c.inner.ReadPage(ctx, id, dst); err != nil {
		return err
	}
	c.insert(id, dst)
	return nil
}

// WritePage writes through to the inner layer and updates the cache.
func (c *Cache) WritePage(ctx context.Context, id uint32, src []byte) error {
	if err := c.inner.WritePage(ctx, id, src); err != nil {
		return err
	}
	c.Put(id, src)
	return nil
}

// PageCount delegates to the inner layer.
func (c *Cache) PageCount() (uint32, error) { return c.inner.PageCount() }

// Truncate delegates to the inner layer and drops cached pages past the
// new end.
func (c *Cache) Truncate(pages uint32) error {
	if err := c.inner.Truncate(pages); err != nil {
		return err
	}
	c.mu.Lock()
	for id := range c.pages {
		if id >= pages {
			delete(c.pages, id)
		}
	}
	c.mu.Unlock()
	return nil
}

// Flush delegates to the inner layer.
func (c *Cache) Flush(ctx context.Context) error { return c.inner.Flush(ctx) }

// Close flushes nothing and closes the inner layer.
func (c *Cache) Close() error { return c.inner.Close() }

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	size := len(c.pages)
	c.mu.RUnlock()
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      size,
	}
}
