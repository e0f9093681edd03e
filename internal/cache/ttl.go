package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time // zero = never expires
}

func (e ttlEntry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// TTLCache is a thread-safe LRU cache whose entries may expire.
type TTLCache[K comparable, V any] struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[K, ttlEntry[V]]
	capacity int
	ttl      time.Duration
	now      func() time.Time
	onEvict  func(key K, value V)

	// No entry expires before nextExpiry; zero when none can expire.
	nextExpiry time.Time
}

// New creates a cache holding at most capacity entries. defaultTTL applies
// to Set; zero means entries never expire. The capacity must be positive,
// otherwise it panics.
func New[K comparable, V any](capacity int, defaultTTL time.Duration) *TTLCache[K, V] {
	if capacity <= 0 {
		panic("cache capacity must be positive")
	}

	c := &TTLCache[K, V]{
		capacity: capacity,
		ttl:      defaultTTL,
		now:      time.Now,
	}

	lru, err := simplelru.NewLRU[K, ttlEntry[V]](capacity, func(key K, e ttlEntry[V]) {
		if c.onEvict != nil {
			c.onEvict(key, e.value)
		}
	})
	if err != nil {
		panic("cache: " + err.Error())
	}
	c.lru = lru

	return c
}

// SetEvictCallback sets a function called whenever an entry leaves the
// cache, whether by capacity, expiry or removal. It runs with the cache
// lock held and must not call back into the cache.
func (c *TTLCache[K, V]) SetEvictCallback(fn func(key K, value V)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvict = fn
}

// SetClock replaces the time source. Intended for tests.
func (c *TTLCache[K, V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Set stores value under key with the default TTL.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value under key with an explicit TTL (zero = no expiry).
// Setting marks the key as most recently used.
func (c *TTLCache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweepOldest(now)
	if c.lru.Len() >= c.capacity && !c.lru.Contains(key) {
		// Expired entries go before a live one is evicted for room.
		c.sweep(now)
	}

	e := ttlEntry[V]{value: value}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
		if c.nextExpiry.IsZero() || e.expiresAt.Before(c.nextExpiry) {
			c.nextExpiry = e.expiresAt
		}
	}
	c.lru.Add(key, e)
}

// Get returns the value for key and marks it as recently used. Expired
// entries are removed and reported as absent.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V

	e, ok := c.lru.Peek(key)
	if !ok {
		return zero, false
	}
	if e.expired(c.now()) {
		c.lru.Remove(key)
		return zero, false
	}

	c.lru.Get(key)
	return e.value, true
}

// Contains reports whether a live entry exists without touching recency.
func (c *TTLCache[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(key)
	return ok && !e.expired(c.now())
}

// Remove deletes key. Returns true if a live entry was removed.
func (c *TTLCache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(key)
	if !ok {
		return false
	}
	c.lru.Remove(key)
	return !e.expired(c.now())
}

// Keys returns live keys from least to most recently used.
func (c *TTLCache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweep(c.now())
	return c.lru.Keys()
}

// Len returns the number of live entries.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweep(c.now())
	return c.lru.Len()
}

// Purge removes every entry.
func (c *TTLCache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.nextExpiry = time.Time{}
}

// sweepOldest drops expired entries from the least recently used end,
// stopping at the first live one. Must be called with lock held.
func (c *TTLCache[K, V]) sweepOldest(now time.Time) {
	for {
		_, e, ok := c.lru.GetOldest()
		if !ok || !e.expired(now) {
			return
		}
		c.lru.RemoveOldest()
	}
}

// sweep drops every expired entry. It only walks the cache once some entry
// may have expired. Must be called with lock held.
func (c *TTLCache[K, V]) sweep(now time.Time) {
	if c.nextExpiry.IsZero() || now.Before(c.nextExpiry) {
		return
	}

	var next time.Time
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if !ok || e.expiresAt.IsZero() {
			continue
		}
		if e.expired(now) {
			c.lru.Remove(key)
			continue
		}
		if next.IsZero() || e.expiresAt.Before(next) {
			next = e.expiresAt
		}
	}
	c.nextExpiry = next
}
