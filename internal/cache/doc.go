// Package cache provides a bounded, thread-safe LRU cache with per-entry
// time-to-live.
//
// Entries leave the cache in two ways:
//   - capacity overflow evicts the least recently used entry
//   - TTL expiry, checked lazily on access and swept during Set
//
// An expired entry behaves exactly like an absent one: Get removes it and
// reports a miss, and it no longer appears in Keys.
//
//	c := cache.New[string, error](128, 30*time.Second)
//	c.Set("wss://feed.example.com", err)
//	if cached, ok := c.Get("wss://feed.example.com"); ok {
//		return cached
//	}
package cache
