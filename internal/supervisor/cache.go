package supervisor

import (
	"sync"
	"time"
)

// TTLCache is a bounded map whose entries go stale after ttl. When full, the
// oldest inserted entry is evicted; reads do not refresh an entry, so this is
// insertion order, not LRU.
type TTLCache[K comparable, V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[K]cacheEntry[V]
	order   []orderKey[K]
	seq     uint64
	now     func() time.Time
}

type cacheEntry[V any] struct {
	value   V
	expires time.Time
	seq     uint64
}

type orderKey[K comparable] struct {
	key K
	seq uint64
}

// NewTTLCache creates a cache holding at most max entries.
func NewTTLCache[K comparable, V any](max int, ttl time.Duration) *TTLCache[K, V] {
	if max <= 0 {
		max = 100
	}
	return &TTLCache[K, V]{
		ttl:     ttl,
		max:     max,
		entries: make(map[K]cacheEntry[V]),
		now:     time.Now,
	}
}

// Get returns the fresh value for k.
func (c *TTLCache[K, V]) Get(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, k)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores v under k, evicting the oldest entry if the cache is full.
func (c *TTLCache[K, V]) Set(k K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[k]; ok {
		e.value = v
		e.expires = c.now().Add(c.ttl)
		c.entries[k] = e
		return
	}
	for len(c.entries) >= c.max && len(c.order) > 0 {
		c.evictOldest()
	}

	c.seq++
	c.entries[k] = cacheEntry[V]{value: v, expires: c.now().Add(c.ttl), seq: c.seq}
	c.order = append(c.order, orderKey[K]{key: k, seq: c.seq})
	if len(c.order) > 2*c.max {
		c.compact()
	}
}

// Len returns the number of stored entries, fresh or not.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear removes everything.
func (c *TTLCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]cacheEntry[V])
	c.order = nil
}

func (c *TTLCache[K, V]) evictOldest() {
	for len(c.order) > 0 {
		ok := c.order[0]
		c.order = c.order[1:]
		if e, present := c.entries[ok.key]; present && e.seq == ok.seq {
			delete(c.entries, ok.key)
			return
		}
	}
}

// compact drops order records whose entry is gone or was re-inserted.
func (c *TTLCache[K, V]) compact() {
	kept := c.order[:0]
	for _, ok := range c.order {
		if e, present := c.entries[ok.key]; present && e.seq == ok.seq {
			kept = append(kept, ok)
		}
	}
	c.order = kept
}
