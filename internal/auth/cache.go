// Package auth authenticates inbound push deliveries by verifying bearer
// tokens against an expected signer identity, with an in-memory cache of
// previously verified tokens.
package auth

import (
	"sync"
	"time"
)

// LookupState is the result of a cache lookup.
type LookupState int

const (
	// Absent means the token has no cache entry.
	Absent LookupState = iota
	// Expired means an entry existed but its expiry has passed; the entry
	// has been evicted as part of the lookup.
	Expired
	// Valid means the token was previously verified and is still unexpired.
	Valid
)

// Cache holds verified token validity windows. An entry present and
// unexpired means the token previously verified against the configured
// expected signer. Expired entries are evicted lazily on lookup, so memory
// is bounded by the number of distinct live tokens.
type Cache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewCache creates an empty token cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Lookup reports whether token is cached and unexpired. A lookup that finds
// an entry with expiry at or before now treats it as absent and removes it.
func (c *Cache) Lookup(token string) LookupState {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, ok := c.entries[token]
	if !ok {
		return Absent
	}
	if !expiry.After(c.now()) {
		delete(c.entries, token)
		return Expired
	}
	return Valid
}

// Insert records a verified token with its claimed expiry instant.
func (c *Cache) Insert(token string, expiry time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[token] = expiry
}

// Evict removes a token from the cache if present.
func (c *Cache) Evict(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, token)
}

// Len returns the number of cached entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
