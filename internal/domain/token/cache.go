// Package token holds the exchanged-token cache keyed by audience and
// scope set.
package token

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ExpiryLeeway is subtracted from a token's expiry when deciding cache
// hits, so a token about to expire is never handed to a call.
const ExpiryLeeway = 10 * time.Second

// Entry is one cached exchanged token.
type Entry struct {
	// Audience the token was exchanged for.
	Audience string
	// Scopes the token carries.
	Scopes []string
	// AccessToken is the exchanged token value. Never logged.
	AccessToken string
	// ExpiresAt is the token expiry (UTC).
	ExpiresAt time.Time
}

// Cache is a concurrency-safe token cache. Entries are keyed by
// (audience, sorted scope set) so scope ordering does not fragment it.
type Cache struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[string]Entry
}

// Option configures a Cache.
type Option func(*Cache)

// WithNow overrides the clock. Used by tests.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// NewCache creates an empty cache.
func NewCache(opts ...Option) *Cache {
	c := &Cache{
		now:     time.Now,
		entries: make(map[string]Entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached token for (audience, scopes) if it is still
// valid past the expiry leeway. Expired entries are evicted on lookup.
func (c *Cache) Get(audience string, scopes []string) (Entry, bool) {
	key := cacheKey(audience, scopes)

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	if !c.now().Before(entry.ExpiresAt.Add(-ExpiryLeeway)) {
		delete(c.entries, key)
		return Entry{}, false
	}
	return entry, true
}

// Put stores the entry, replacing any previous token for the same
// (audience, scopes).
func (c *Cache) Put(entry Entry) {
	key := cacheKey(entry.Audience, entry.Scopes)

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
}

// Clear drops every cached token. Used on explicit revocation.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]Entry)
	c.mu.Unlock()
}

// Len returns the number of cached tokens.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// cacheKey hashes audience and the sorted scope set with separator
// bytes so adjacent fields cannot collide.
func cacheKey(audience string, scopes []string) string {
	sorted := make([]string, len(scopes))
	copy(sorted, scopes)
	sort.Strings(sorted)

	h := xxhash.New()
	_, _ = h.WriteString(audience)
	_, _ = h.Write([]byte{0})
	for _, s := range sorted {
		_, _ = h.WriteString(s)
		_, _ = h.Write([]byte{0})
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
