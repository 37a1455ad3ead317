// Package credentials implements the credential lifecycle core: the
// in-process token cache, per-instance locking, refresh failure
// classification, and the refresh orchestrator.
package credentials

import (
	"sync"
	"time"
)

// CachedCredential is the in-memory token material for one instance.
// A nil ExpiresAt means the token does not expire.
type CachedCredential struct {
	InstanceID   string
	BearerToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	OwnerUserID  string
	Scope        string

	// StoreVersion is the durable store version observed when this entry was
	// populated; reconciliation uses it to push cache state back with
	// optimistic locking.
	StoreVersion int64

	CachedAt        time.Time
	LastUsedAt      time.Time
	RefreshAttempts int
}

// ExpiredAt reports whether the token is hard-expired at the given time.
func (c *CachedCredential) ExpiredAt(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// FreshAt reports whether the token is still usable at the given time with
// the safety buffer applied. A token expiring at exactly now+buffer is not
// fresh, so proactive refresh triggers before it can expire mid-use.
func (c *CachedCredential) FreshAt(now time.Time, buffer time.Duration) bool {
	if c.BearerToken == "" {
		return false
	}
	if c.ExpiresAt == nil {
		return true
	}
	return c.ExpiresAt.After(now.Add(buffer))
}

// Cache is the process-wide credential cache, keyed by instance id. The map
// itself is internally synchronized; business-logic sequences are additionally
// guarded by the per-instance locks in this package.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*CachedCredential
	now     func() time.Time
}

// NewCache creates an empty credential cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]*CachedCredential),
		now:     time.Now,
	}
}

// Get returns the live credential for an instance, or nil. A hard-expired
// entry is treated as absent and evicted. The entry's LastUsedAt is bumped;
// callers that must not skew usage stats use Peek instead.
func (c *Cache) Get(instanceID string) *CachedCredential {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[instanceID]
	if !ok {
		return nil
	}
	if entry.ExpiredAt(c.now()) {
		delete(c.entries, instanceID)
		return nil
	}

	entry.LastUsedAt = c.now()
	return cloneCredential(entry)
}

// Peek returns the live credential without touching LastUsedAt. Hard-expired
// entries read as absent but are left in place for Get to evict.
func (c *Cache) Peek(instanceID string) *CachedCredential {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[instanceID]
	if !ok || entry.ExpiredAt(c.now()) {
		return nil
	}
	return cloneCredential(entry)
}

// Put upserts the credential for an instance, overwriting wholesale.
func (c *Cache) Put(instanceID string, cred *CachedCredential) {
	entry := cloneCredential(cred)
	entry.InstanceID = instanceID
	if entry.CachedAt.IsZero() {
		entry.CachedAt = c.now()
	}
	if entry.LastUsedAt.IsZero() {
		entry.LastUsedAt = entry.CachedAt
	}

	c.mu.Lock()
	c.entries[instanceID] = entry
	c.mu.Unlock()
}

// Remove evicts the credential for an instance.
func (c *Cache) Remove(instanceID string) {
	c.mu.Lock()
	delete(c.entries, instanceID)
	c.mu.Unlock()
}

// Keys returns the cached instance ids. The reconciler iterates this
// snapshot; entries may be evicted concurrently.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.entries))
	for id := range c.entries {
		keys = append(keys, id)
	}
	return keys
}

// Len returns the number of cached entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func cloneCredential(in *CachedCredential) *CachedCredential {
	out := *in
	if in.ExpiresAt != nil {
		t := *in.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}
