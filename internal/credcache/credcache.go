// Package credcache caches exchanged downstream credentials keyed by the
// presented bearer token, so repeated calls with the same token skip the
// validate/exchange round-trip. Entries expire per the TTL supplied by the
// credential issuer and the cache is capacity-bounded by an LRU so token
// churn cannot grow it without limit.
package credcache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/WebQx/webqx-sub013/internal/metrics"
)

// Credential is an exchanged downstream credential with its subject identity.
type Credential struct {
	Subject    string
	Token      string
	ExpiresAt  time.Time
	RouteScope string
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Size     int    `json:"size"`
	Capacity int    `json:"capacity"`
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
	Expired  uint64 `json:"expired"`
}

// Cache is a TTL + LRU bounded credential cache. Safe for concurrent use.
// A concurrent miss on the same token may cause a duplicate exchange; that
// is accepted — exchanges are idempotent and last write wins.
type Cache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, Credential]

	capacity int
	hits     uint64
	misses   uint64
	expired  uint64

	now func() time.Time // injectable clock for tests
}

// New creates a Cache holding at most capacity entries.
func New(capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = 10000
	}
	entries, err := lru.New[string, Credential](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{
		entries:  entries,
		capacity: capacity,
		now:      time.Now,
	}, nil
}

// Get returns the cached credential for token. A credential at or past its
// expiry behaves as absent and is lazily evicted.
func (c *Cache) Get(token string) (Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cred, ok := c.entries.Get(token)
	if !ok {
		c.misses++
		metrics.CredentialCacheHits.WithLabelValues("miss").Inc()
		return Credential{}, false
	}

	if !c.now().Before(cred.ExpiresAt) {
		c.entries.Remove(token)
		c.expired++
		metrics.CredentialCacheHits.WithLabelValues("expired").Inc()
		return Credential{}, false
	}

	c.hits++
	metrics.CredentialCacheHits.WithLabelValues("hit").Inc()
	return cred, true
}

// Put stores a credential for token, expiring after ttl. A non-positive ttl
// is ignored — there is no point caching an already-expired credential.
func (c *Cache) Put(token string, cred Credential, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cred.ExpiresAt = c.now().Add(ttl)
	c.entries.Add(token, cred)
}

// Invalidate removes the entry for token, e.g. after the downstream rejected
// the credential with a 401.
func (c *Cache) Invalidate(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(token)
}

// Len returns the number of entries currently held, including any not yet
// lazily evicted.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Stats returns cache effectiveness counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:     c.entries.Len(),
		Capacity: c.capacity,
		Hits:     c.hits,
		Misses:   c.misses,
		Expired:  c.expired,
	}
}
