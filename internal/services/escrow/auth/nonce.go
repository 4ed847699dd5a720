package auth

import (
	"sync"
	"time"
)

// NonceCache tracks spent grant ids until their expiry so a grant cannot be
// replayed within its validity window.
type NonceCache struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	now   func() time.Time
	limit int
}

// NewNonceCache builds a replay cache holding at most limit live nonces.
func NewNonceCache(limit int, now func() time.Time) *NonceCache {
	if limit <= 0 {
		limit = 10_000
	}
	if now == nil {
		now = time.Now
	}
	return &NonceCache{
		seen:  make(map[string]time.Time),
		now:   now,
		limit: limit,
	}
}

// Use marks a nonce as spent. Returns false if the nonce was already used
// and has not expired yet.
func (c *NonceCache) Use(id string, expiresAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	if exp, ok := c.seen[id]; ok && exp.After(now) {
		return false
	}
	c.prune(now)
	c.seen[id] = expiresAt.UTC()
	return true
}

// prune drops expired entries; must hold c.mu.
func (c *NonceCache) prune(now time.Time) {
	if len(c.seen) < c.limit {
		return
	}
	for id, exp := range c.seen {
		if !exp.After(now) {
			delete(c.seen, id)
		}
	}
}
