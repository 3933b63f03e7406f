package persistence

import (
	"container/list"
	"sync"
	"time"
)

// stateCache is a bounded, write-through LRU cache of DialogState rows
// keyed by (bot_id, platform, platform_chat_id). Entries carry a TTL so a
// crashed writer can't pin stale state in memory forever. Store.update
// invalidates the entry and writes the fresh value back before returning,
// so the next Get never observes a stale read (spec.md §4.2).
type stateCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	ll       *list.List
	items    map[string]*list.Element
}

type cacheEntry struct {
	key      string
	state    DialogState
	cachedAt time.Time
}

func newStateCache(capacity int, ttl time.Duration) *stateCache {
	return &stateCache{
		capacity: capacity,
		ttl:      ttl,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

func cacheKey(botID, platform, chatID string) string {
	return botID + "\x00" + platform + "\x00" + chatID
}

// get returns the cached state if present and not expired, moving it to
// the front of the LRU.
func (c *stateCache) get(key string) (DialogState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return DialogState{}, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Since(entry.cachedAt) > c.ttl {
		c.ll.Remove(el)
		delete(c.items, key)
		return DialogState{}, false
	}
	c.ll.MoveToFront(el)
	return entry.state, true
}

// put inserts or replaces the cached entry for key, evicting the least
// recently used entry if the cache is at capacity.
func (c *stateCache) put(key string, state DialogState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*cacheEntry).state = state
		el.Value.(*cacheEntry).cachedAt = time.Now()
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&cacheEntry{key: key, state: state, cachedAt: time.Now()})
	c.items[key] = el

	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

// invalidate removes key from the cache, if present.
func (c *stateCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.ll.Remove(el)
		delete(c.items, key)
	}
}

// len reports the current cache population (tests/metrics).
func (c *stateCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
