package tlsconn

import (
	"crypto/tls"
	"sync"

	"github.com/bluele/gcache"
)

// TicketCache is the process-wide, single-slot TLS session-ticket cache
// shared by every [Session] created from the same [Context] (§4.3
// "enabling 0-RTT-capable resumption for the next connection in the same
// context"; §9 "Global session cache… model as a field on the Context
// structure; reset on drop").
//
// A size-1 gcache.LRU is exactly "single slot, most recent wins": storing
// a second ticket evicts the first.
type TicketCache struct {
	mu    sync.Mutex
	cache gcache.Cache
}

// NewTicketCache returns an empty, single-slot TicketCache.
func NewTicketCache() *TicketCache {
	return &TicketCache{cache: gcache.New(1).LRU().Build()}
}

// Get implements [tls.ClientSessionCache].
func (c *TicketCache) Get(sessionKey string) (session *tls.ClientSessionState, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, err := c.cache.Get(sessionKey)
	if err != nil {
		return nil, false
	}

	session, ok = v.(*tls.ClientSessionState)

	return session, ok
}

// Put implements [tls.ClientSessionCache].
func (c *TicketCache) Put(sessionKey string, cs *tls.ClientSessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cs == nil {
		_ = c.cache.Remove(sessionKey)

		return
	}

	_ = c.cache.Set(sessionKey, cs)
}

// Invalidate drops every cached ticket, called when a handshake ends
// Fatal (§4.3 "On Fatal it invalidates the cache").
func (c *TicketCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache.Purge()
}
