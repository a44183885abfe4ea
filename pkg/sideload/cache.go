package sideload

import "sync"

// DefaultWindow is the number of trailing blocks SideloadCache retains
// (spec.md §4.8: "drop entries with block < current - 20").
const DefaultWindow = 20

// Clonable is anything a SideloadCache can store: a VM snapshot cheap to
// duplicate so a reader never mutates the cached original.
type Clonable[T any] interface {
	Clone() T
}

// Cache is the bounded in-memory map of recent block-number -> cloned VM
// snapshot (spec.md §2 component 11). It is reader-biased: Get only takes
// the read lock, Put/TruncateFrom take the write lock, matching the
// sideload-cache mutex spec.md §5 describes.
type Cache[T Clonable[T]] struct {
	mu      sync.RWMutex
	window  int
	entries map[uint64]T
}

func NewCache[T Clonable[T]]() *Cache[T] {
	return NewCacheWithWindow[T](DefaultWindow)
}

func NewCacheWithWindow[T Clonable[T]](window int) *Cache[T] {
	return &Cache[T]{window: window, entries: make(map[uint64]T)}
}

// Put stores a clone of v under block, then evicts entries outside the
// retention window around block (spec.md §4.8's eviction policy).
func (c *Cache[T]) Put(block uint64, v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[block] = v.Clone()
	c.evictLocked(block)
}

func (c *Cache[T]) evictLocked(current uint64) {
	for b := range c.entries {
		if b > current || (current >= uint64(c.window) && b < current-uint64(c.window)) {
			delete(c.entries, b)
		}
	}
}

// Get implements the "upper_bound(block_number)" lookup of spec.md §4.8: the
// entry with the greatest cached block <= block, if one exists, cloned so
// the caller owns an independent copy.
func (c *Cache[T]) Get(block uint64) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var (
		best    T
		bestSet bool
		bestKey uint64
	)
	for b, v := range c.entries {
		if b <= block && (!bestSet || b > bestKey) {
			best, bestKey, bestSet = v, b, true
		}
	}
	if !bestSet {
		var zero T
		return zero, false
	}
	return best.Clone(), true
}

// TruncateFrom drops every cached entry with block >= from, for reorg
// cleanup of SideloadCache alongside SideloadIndex.TruncateFrom.
func (c *Cache[T]) TruncateFrom(from uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for b := range c.entries {
		if b >= from {
			delete(c.entries, b)
		}
	}
}

// Len reports the number of cached entries, used by tests asserting
// spec.md §8's "SideloadCache size <= 21 at all times" invariant.
func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
