package controlplane

import (
	"sync"
	"time"
)

// DefaultTokenTTL is how long an admin token is reused before re-authenticating.
const DefaultTokenTTL = 300 * time.Second

// TokenCache holds one bearer token together with the time it was fetched.
type TokenCache struct {
	mu        sync.Mutex
	token     string
	fetchedAt time.Time
	ttl       time.Duration
	now       func() time.Time
}

func NewTokenCache(ttl time.Duration) *TokenCache {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenCache{ttl: ttl, now: time.Now}
}

// Get returns the cached token while it is younger than the TTL.
func (t *TokenCache) Get() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token == "" {
		return "", false
	}
	if t.now().Sub(t.fetchedAt) >= t.ttl {
		return "", false
	}
	return t.token, true
}

func (t *TokenCache) Set(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = token
	t.fetchedAt = t.now()
}

func (t *TokenCache) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = ""
	t.fetchedAt = time.Time{}
}
