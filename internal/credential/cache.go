package credential

import (
	"context"
	"sync"
	"time"

	"github.com/MyAirVault/BruhMCP-sub018/internal/store"
)

// DefaultTTL bounds how long a pulled credential may serve from cache before
// the sync loop re-validates it against the store.
const DefaultTTL = time.Hour

// Entry is one cached credential with cache-local metadata.
type Entry struct {
	Credential      store.Credential
	CachedAt        time.Time
	LastAccess      time.Time
	RefreshAttempts int
}

// Expired reports whether the cache entry itself outlived its TTL.
// This is about cache freshness, not token expiry.
func (e Entry) Expired(ttl time.Duration, now time.Time) bool {
	return now.Sub(e.CachedAt) > ttl
}

// Cache is the in-memory instance→credential map. All map mutations are
// atomic per key; store pulls on miss are single-flight per key so readers
// of other keys never block behind a slow pull.
type Cache struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	inflight map[string]chan struct{}

	backing store.CredentialStore
	ttl     time.Duration

	cbMu         sync.RWMutex
	onInvalidate []func(instanceID string)
}

func NewCache(backing store.CredentialStore, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries:  make(map[string]*Entry),
		inflight: make(map[string]chan struct{}),
		backing:  backing,
		ttl:      ttl,
	}
}

// OnInvalidate registers a callback invoked (synchronously) whenever a key is
// invalidated. Used by the session registry to retire sessions whose
// credential is gone.
func (c *Cache) OnInvalidate(fn func(instanceID string)) {
	c.cbMu.Lock()
	c.onInvalidate = append(c.onInvalidate, fn)
	c.cbMu.Unlock()
}

// Get returns the cached credential for instanceID, pulling from the backing
// store on miss. A store miss returns (Entry{}, false, nil).
func (c *Cache) Get(ctx context.Context, instanceID string) (Entry, bool, error) {
	for {
		c.mu.Lock()
		if e, ok := c.entries[instanceID]; ok {
			e.LastAccess = time.Now()
			out := *e
			c.mu.Unlock()
			return out, true, nil
		}
		if ch, loading := c.inflight[instanceID]; loading {
			c.mu.Unlock()
			select {
			case <-ch:
				continue // re-check the map
			case <-ctx.Done():
				return Entry{}, false, ctx.Err()
			}
		}
		ch := make(chan struct{})
		c.inflight[instanceID] = ch
		c.mu.Unlock()

		cred, err := c.backing.Load(ctx, instanceID)

		c.mu.Lock()
		delete(c.inflight, instanceID)
		close(ch)
		if err != nil {
			c.mu.Unlock()
			if err == store.ErrNotFound {
				return Entry{}, false, nil
			}
			return Entry{}, false, err
		}
		now := time.Now()
		e := &Entry{Credential: cred, CachedAt: now, LastAccess: now}
		c.entries[instanceID] = e
		out := *e
		c.mu.Unlock()
		return out, true, nil
	}
}

// Peek returns the cached entry without refreshing LastAccess and without
// pulling from the store.
func (c *Cache) Peek(instanceID string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[instanceID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Set replaces the cached credential for instanceID and resets its
// refresh-attempt counter.
func (c *Cache) Set(instanceID string, cred store.Credential) {
	now := time.Now()
	c.mu.Lock()
	c.entries[instanceID] = &Entry{Credential: cred, CachedAt: now, LastAccess: now}
	c.mu.Unlock()
}

// Invalidate removes the entry and notifies subscribers. Returns whether an
// entry existed.
func (c *Cache) Invalidate(instanceID string) bool {
	c.mu.Lock()
	_, ok := c.entries[instanceID]
	delete(c.entries, instanceID)
	c.mu.Unlock()
	if ok {
		c.cbMu.RLock()
		cbs := c.onInvalidate
		c.cbMu.RUnlock()
		for _, fn := range cbs {
			fn(instanceID)
		}
	}
	return ok
}

// Keys returns all cached instance IDs.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// TTL returns the configured entry TTL.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Backing exposes the durable store behind the cache. Writers go through the
// store first, then Set, so a crash between the two never loses the durable
// copy.
func (c *Cache) Backing() store.CredentialStore { return c.backing }

// IncRefreshAttempts bumps the per-entry refresh attempt counter and returns
// the new value. Returns 0 when the entry is gone.
func (c *Cache) IncRefreshAttempts(instanceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[instanceID]
	if !ok {
		return 0
	}
	e.RefreshAttempts++
	return e.RefreshAttempts
}
