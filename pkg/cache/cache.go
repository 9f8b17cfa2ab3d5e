// Package cache implements a bounded, block-indexed working set sitting
// between the VFS adapter and the Block Store, holding clean, dirty and
// in-flight entries and flushing dirty blocks back to the store under a
// soft/hard capacity policy.
package cache

import (
	"sync"

	"github.com/hashicorp/golang-lru/simplelru"
	"golang.org/x/sync/singleflight"

	"github.com/npiesco/absurder-sql/pkg/errs"
	"github.com/npiesco/absurder-sql/pkg/metrics"
	"github.com/npiesco/absurder-sql/pkg/types"
)

// Loader fetches a block's bytes from the Store when the cache misses.
// Returns (nil, false, nil) for a never-written block, which the cache
// treats as a full-zero page of the configured block size.
type Loader func(blockIndex uint64) ([]byte, bool, error)

// Flusher durably writes a batch of dirty blocks to the Store. Callers
// typically bundle a metadata update (file_size, generation) into the same
// underlying transaction so the two never observably diverge.
type Flusher func(entries []types.CacheEntry) error

// Cache is the bounded page cache one database opens over its Block Store.
// Clean entries are evicted clock-LRU via golang-lru; dirty and pinned
// entries are never evicted regardless of recency. Capacity is expressed
// in entries, not bytes: soft = the
// configured capacity, hard = 2x soft, at which an emergency flush-all
// blocks the caller until every unpinned dirty entry is durable.
type Cache struct {
	mu sync.Mutex

	blockSize int
	soft      int
	hard      int

	entries map[uint64]*types.CacheEntry
	clean   *simplelru.LRU // key: uint64 blockIndex, value: struct{} — recency order only

	load  Loader
	flush Flusher

	group singleflight.Group
}

// New constructs a Cache with the given block size and soft capacity
// (entries). Hard capacity is fixed at 2x soft.
func New(blockSize, softCapacity int, load Loader, flush Flusher) (*Cache, error) {
	if softCapacity < 1 {
		return nil, errs.New("cache.New", errs.Invalid, nil).With("softCapacity", softCapacity)
	}
	clean, err := simplelru.NewLRU(softCapacity*2, nil)
	if err != nil {
		return nil, errs.New("cache.New", errs.Invalid, err)
	}
	return &Cache{
		blockSize: blockSize,
		soft:      softCapacity,
		hard:      softCapacity * 2,
		entries:   make(map[uint64]*types.CacheEntry),
		clean:     clean,
		load:      load,
		flush:     flush,
	}, nil
}

// Read returns the bytes for blockIndex, loading from the Store on a miss.
// Concurrent reads of the same missing block are coalesced into a single
// Store load via singleflight.
func (c *Cache) Read(blockIndex uint64) ([]byte, error) {
	c.mu.Lock()
	if e, ok := c.entries[blockIndex]; ok && e.State != types.CacheLoading {
		c.touch(blockIndex)
		out := append([]byte(nil), e.Bytes...)
		c.mu.Unlock()
		metrics.CacheHits.Inc()
		return out, nil
	}
	c.mu.Unlock()

	metrics.CacheMisses.Inc()
	key := blockKeyGroupKey(blockIndex)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		bytes, found, err := c.load(blockIndex)
		if err != nil {
			return nil, err
		}
		if !found {
			bytes = make([]byte, c.blockSize)
		}
		c.insertClean(blockIndex, bytes)
		return bytes, nil
	})
	if err != nil {
		return nil, errs.New("cache.Read", errs.IO, err).With("blockIndex", blockIndex)
	}
	return append([]byte(nil), v.([]byte)...), nil
}

// Write stores newBytes, which must be exactly one full block, for
// blockIndex as dirty. It never loads the block's current contents and
// rejects any other length with errs.Invalid; a sub-block write is the
// caller's read-modify-write (Read, overlay, Write), as pkg/vfs does.
func (c *Cache) Write(blockIndex uint64, newBytes []byte) error {
	if len(newBytes) != c.blockSize {
		return errs.New("cache.Write", errs.Invalid, nil).
			With("blockIndex", blockIndex).With("len", len(newBytes)).With("blockSize", c.blockSize)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[blockIndex]
	if !ok {
		e = &types.CacheEntry{BlockIndex: blockIndex, Bytes: make([]byte, c.blockSize)}
		c.entries[blockIndex] = e
	}
	e.Bytes = append([]byte(nil), newBytes...)
	e.State = types.CacheDirty
	c.clean.Remove(blockIndex) // dirty entries are never subject to clock-LRU eviction

	dirty := c.dirtyCountLocked()
	metrics.CacheDirtyEntries.Set(float64(dirty))

	if dirty >= c.hard {
		metrics.CacheEmergencyFlush.Inc()
		return c.flushAllLocked()
	}
	return c.evictIfOverSoftLocked()
}

// Pin marks blockIndex as ineligible for eviction regardless of dirtiness,
// for the duration the caller holds a reference to its bytes (e.g. mid
// VFS read/write call).
func (c *Cache) Pin(blockIndex uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[blockIndex]; ok {
		e.PinCount++
		c.clean.Remove(blockIndex)
	}
}

// Unpin releases one Pin call. The entry becomes eligible for clock-LRU
// eviction again once PinCount reaches zero and it is clean.
func (c *Cache) Unpin(blockIndex uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[blockIndex]
	if !ok || e.PinCount == 0 {
		return
	}
	e.PinCount--
	if e.PinCount == 0 && e.State == types.CacheClean {
		c.clean.Add(blockIndex, struct{}{})
	}
}

// Truncate drops every cached entry at or beyond blockIndex, clean or
// dirty, without flushing them — callers use this after a Store-level
// truncate already made those blocks logically absent.
func (c *Cache) Truncate(blockIndex uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for idx := range c.entries {
		if idx >= blockIndex {
			delete(c.entries, idx)
			c.clean.Remove(idx)
		}
	}
}

// Flush durably writes every dirty, unpinned entry to the Store and marks
// them clean. Pinned dirty entries are skipped and remain dirty; callers
// that need a complete flush must first release every pin.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushAllLocked()
}

func (c *Cache) flushAllLocked() error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FlushDuration)

	var batch []types.CacheEntry
	for _, e := range c.entries {
		if e.State == types.CacheDirty && e.PinCount == 0 {
			batch = append(batch, *e)
		}
	}
	if len(batch) == 0 {
		return nil
	}
	if err := c.flush(batch); err != nil {
		return errs.New("cache.Flush", errs.IO, err).With("count", len(batch))
	}
	for _, e := range batch {
		entry := c.entries[e.BlockIndex]
		entry.State = types.CacheClean
		c.clean.Add(entry.BlockIndex, struct{}{})
	}
	metrics.CacheDirtyEntries.Set(float64(c.dirtyCountLocked()))
	return nil
}

// evictIfOverSoftLocked drops the least-recently-used clean entries until
// the total resident-entry count is back at or under soft capacity.
// Dirty and pinned entries are never candidates.
func (c *Cache) evictIfOverSoftLocked() error {
	for len(c.entries) > c.soft {
		key, _, ok := c.clean.RemoveOldest()
		if !ok {
			// Nothing left to evict: every remaining entry is dirty or
			// pinned, so soft capacity can't be honored right now.
			return nil
		}
		blockIndex := key.(uint64)
		delete(c.entries, blockIndex)
	}
	return nil
}

func (c *Cache) insertClean(blockIndex uint64, bytes []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[blockIndex]; exists {
		return
	}
	c.entries[blockIndex] = &types.CacheEntry{
		BlockIndex: blockIndex,
		Bytes:      bytes,
		State:      types.CacheClean,
	}
	c.clean.Add(blockIndex, struct{}{})
	_ = c.evictIfOverSoftLocked()
}

func (c *Cache) touch(blockIndex uint64) {
	if e, ok := c.entries[blockIndex]; ok && e.State == types.CacheClean && e.PinCount == 0 {
		c.clean.Get(blockIndex) // golang-lru bumps recency on Get
	}
}

func (c *Cache) dirtyCountLocked() int {
	n := 0
	for _, e := range c.entries {
		if e.State == types.CacheDirty {
			n++
		}
	}
	return n
}

func blockKeyGroupKey(blockIndex uint64) string {
	// singleflight keys on string; a decimal rendering is enough since
	// block indices collide exactly when equal.
	buf := make([]byte, 0, 20)
	if blockIndex == 0 {
		return "0"
	}
	for blockIndex > 0 {
		buf = append([]byte{byte('0' + blockIndex%10)}, buf...)
		blockIndex /= 10
	}
	return string(buf)
}
