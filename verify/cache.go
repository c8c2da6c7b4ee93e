package verify

import (
	"crypto/sha256"
	"crypto/x509"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// DefaultCacheTTL is the default lifetime of a cached chain-verification
// result (§4.4).
const DefaultCacheTTL = 30 * time.Second

// chainCacheKey is the single slot's fixed key: the cache never holds more
// than one entry regardless of how many distinct leaves it has seen, per
// §3 "Verifier cache entry… single-slot".
const chainCacheKey = "leaf"

// ChainCache wraps a chain-verification function with a single-slot,
// TTL-bounded cache keyed by the full SHA-256 of the leaf certificate.
// It is safe for concurrent use.
type ChainCache struct {
	mu    sync.Mutex
	store *cache.Cache
}

// NewChainCache returns a ChainCache whose entries expire after ttl. A
// non-positive ttl uses [DefaultCacheTTL].
func NewChainCache(ttl time.Duration) *ChainCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	// No background janitor is needed: there is at most one entry, and
	// go-cache itself treats an expired Get as a miss.
	return &ChainCache{store: cache.New(ttl, cache.NoExpiration)}
}

// Verify returns true if leaf's full-certificate hash matches the cached
// entry within its TTL, without calling verifyChain. Otherwise it calls
// verifyChain; on success (nil error) the result is cached and Verify
// returns true, otherwise Verify returns false with verifyChain's error.
func (c *ChainCache) Verify(leaf *x509.Certificate, verifyChain func() error) (ok bool, err error) {
	sum := sha256.Sum256(leaf.Raw)

	c.mu.Lock()
	cached, found := c.store.Get(chainCacheKey)
	c.mu.Unlock()

	if found {
		if stored, isSum := cached.([sha256.Size]byte); isSum && stored == sum {
			return true, nil
		}
	}

	if err = verifyChain(); err != nil {
		return false, err
	}

	c.mu.Lock()
	c.store.Set(chainCacheKey, sum, cache.DefaultExpiration)
	c.mu.Unlock()

	return true, nil
}
