package cache

import "sync"

// Cache is a thread-safe LRU cache whose entries are stamped with a
// generation. A lookup only hits when the caller's generation matches the
// stamp, so a whole family of entries is invalidated by bumping the
// generation the caller passes, without walking the cache. Stale entries
// are replaced on the next Set or dropped by LRU eviction.
//
// Cache must not be copied after creation (has mutex).
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[K, V]
	limit   int

	// head is the most recently used entry, tail the least.
	head *entry[K, V]
	tail *entry[K, V]

	hits      uint64
	misses    uint64
	stale     uint64
	evictions uint64
}

type entry[K comparable, V any] struct {
	key   K
	value V
	gen   uint64

	prev *entry[K, V]
	next *entry[K, V]
}

// New creates a cache holding at most limit entries.
// A limit of 0 means unlimited.
func New[K comparable, V any](limit int) *Cache[K, V] {
	return &Cache[K, V]{
		entries: make(map[K]*entry[K, V]),
		limit:   max(limit, 0),
	}
}

// Get returns the value of key if it was stored under generation gen.
func (c *Cache[K, V]) Get(key K, gen uint64) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key, gen)
}

func (c *Cache[K, V]) getLocked(key K, gen uint64) (V, bool) {
	e, ok := c.entries[key]
	if !ok || e.gen != gen {
		if ok {
			c.stale++
		}
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	c.moveToFront(e)
	return e.value, true
}

// Set stores value for key under generation gen, replacing any entry of
// another generation.
func (c *Cache[K, V]) Set(key K, gen uint64, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, gen, value)
}

func (c *Cache[K, V]) setLocked(key K, gen uint64, value V) {
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.gen = gen
		c.moveToFront(e)
		return
	}
	e := &entry[K, V]{key: key, value: value, gen: gen}
	c.entries[key] = e
	c.pushFront(e)

	for c.limit > 0 && len(c.entries) > c.limit {
		oldest := c.tail
		c.unlink(oldest)
		delete(c.entries, oldest.key)
		c.evictions++
	}
}

// GetOrCreate returns the value of key for generation gen, calling create
// to build and store it on a miss. create runs under the cache lock and
// must not call back into the cache.
func (c *Cache[K, V]) GetOrCreate(key K, gen uint64, create func() V) V {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.getLocked(key, gen); ok {
		return v
	}
	v := create()
	c.setLocked(key, gen, v)
	return v
}

// Delete removes key. Returns true if an entry was removed.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.unlink(e)
	delete(c.entries, key)
	return true
}

// Clear removes all entries. Counters are kept.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.entries)
	c.head, c.tail = nil, nil
}

// Len returns the number of entries, stale ones included.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cache statistics.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{
		Len:       len(c.entries),
		Capacity:  c.limit,
		Hits:      c.hits,
		Misses:    c.misses,
		Stale:     c.stale,
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		st.HitRate = float64(c.hits) / float64(total)
	}
	return st
}

func (c *Cache[K, V]) pushFront(e *entry[K, V]) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *Cache[K, V]) moveToFront(e *entry[K, V]) {
	if e == c.head {
		return
	}
	c.unlink(e)
	c.pushFront(e)
}

func (c *Cache[K, V]) unlink(e *entry[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

// Stats contains cache statistics.
type Stats struct {
	// Len is the current number of entries.
	Len int
	// Capacity is the entry limit, 0 for unlimited.
	Capacity int
	Hits     uint64
	// Misses includes lookups that found a stale entry.
	Misses uint64
	// Stale counts lookups that found an entry of an older generation.
	Stale     uint64
	Evictions uint64
	// HitRate is the cache hit rate 0.0 to 1.0.
	HitRate float64
}
