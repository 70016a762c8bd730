package agreement

import (
	"crypto/sha256"
	"sync"
	"time"

	"github.com/evident-proof/evident/internal/model"
	"github.com/google/uuid"
)

type cacheKey struct {
	agreementID uuid.UUID
	keyDigest   [sha256.Size]byte
}

type cacheEntry struct {
	agreement *model.ServiceAgreement
	expiresAt time.Time
}

func (e *cacheEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// verifiedCache remembers successful API key verifications so bcrypt runs
// at most once per TTL per key. Only the SHA-256 of a key is held.
type verifiedCache struct {
	mu      sync.RWMutex
	entries map[cacheKey]*cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

func newVerifiedCache(ttl time.Duration) *verifiedCache {
	return &verifiedCache{
		entries: make(map[cacheKey]*cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func keyFor(agreementID uuid.UUID, apiKey string) cacheKey {
	return cacheKey{agreementID: agreementID, keyDigest: sha256.Sum256([]byte(apiKey))}
}

func (c *verifiedCache) get(k cacheKey) (*model.ServiceAgreement, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[k]
	if !ok || e.expired(c.now()) {
		return nil, false
	}
	return e.agreement, true
}

func (c *verifiedCache) set(k cacheKey, a *model.ServiceAgreement) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[k] = &cacheEntry{agreement: a, expiresAt: c.now().Add(c.ttl)}
}

// evict removes all expired entries.
func (c *verifiedCache) evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *verifiedCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
