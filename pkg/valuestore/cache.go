package valuestore

import (
	"container/list"
	"sync"

	"github.com/ascrivener/corevm/pkg/value"
)

// DefaultCacheSize bounds the number of reconstituted values a ValueCache
// keeps around to skip redundant reads within a single Get call tree, per
// spec.md §4.1.
const DefaultCacheSize = 4096

// Cache is a small LRU of hash -> reconstituted Value, scoped to a single
// logical operation (one Get call and the recursive fetches it triggers).
// Callers that need to touch many values across several operations (the
// ReorgController, ExecutionCursors) keep one Cache alive for their whole
// lifetime; short-lived helpers can just pass a fresh NewCache().
type Cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[value.Hash]*list.Element
}

type cacheEntry struct {
	hash value.Hash
	val  value.Value
}

func NewCache() *Cache {
	return NewCacheSized(DefaultCacheSize)
}

func NewCacheSized(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[value.Hash]*list.Element),
	}
}

func (c *Cache) Get(h value.Hash) (value.Value, bool) {
	if c == nil {
		return value.Value{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[h]
	if !ok {
		return value.Value{}, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).val, true
}

func (c *Cache) Put(h value.Hash, v value.Value) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[h]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*cacheEntry).val = v
		return
	}
	el := c.ll.PushFront(&cacheEntry{hash: h, val: v})
	c.items[h] = el
	for c.ll.Len() > c.capacity {
		back := c.ll.Back()
		if back == nil {
			break
		}
		c.ll.Remove(back)
		delete(c.items, back.Value.(*cacheEntry).hash)
	}
}
