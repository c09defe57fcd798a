package apiclient

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// TokenCache holds a bearer token for at most ttl.
type TokenCache struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewTokenCache(clock clockwork.Clock, ttl time.Duration) *TokenCache {
	return &TokenCache{
		clock: clock,
		ttl:   ttl,
	}
}

// Get returns the cached token, false when missing or expired.
func (c *TokenCache) Get() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token == "" || !c.clock.Now().Before(c.expiresAt) {
		return "", false
	}

	return c.token, true
}

func (c *TokenCache) Set(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.token = token
	c.expiresAt = c.clock.Now().Add(c.ttl)
}

func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.token = ""
	c.expiresAt = time.Time{}
}
