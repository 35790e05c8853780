package sync

import (
	gosync "sync"

	"github.com/teranos/revsync/vcs"
)

type cacheEntry struct {
	remote bool
	local  bool
}

// Cache records, per revision id, whether the revision has been confirmed
// present on the remote and locally. Entries are created lazily on first mark.
//
// A Cache may outlive a session. Remote confirmations are re-derived from the
// authoritative remote listing at the start of every session (see
// RetainRemote), so a stale flag never causes a revision to be skipped.
type Cache struct {
	mu      gosync.RWMutex
	entries map[string]cacheEntry
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry)}
}

// MarkRemoteConfirmed records that id is present on the remote.
func (c *Cache) MarkRemoteConfirmed(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[id]
	e.remote = true
	c.entries[id] = e
}

// MarkLocalConfirmed records that id is fully present locally.
func (c *Cache) MarkLocalConfirmed(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[id]
	e.local = true
	c.entries[id] = e
}

// IsRemoteConfirmed reports whether id was confirmed on the remote.
func (c *Cache) IsRemoteConfirmed(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[id].remote
}

// IsLocalConfirmed reports whether id was confirmed locally.
func (c *Cache) IsLocalConfirmed(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[id].local
}

// RetainRemote clears the remote flag of every entry not in ids.
func (c *Cache) RetainRemote(ids vcs.IDSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		if e.remote && !ids.Has(id) {
			e.remote = false
			c.entries[id] = e
		}
	}
}

// RemoteConfirmed returns the ids currently confirmed on the remote.
func (c *Cache) RemoteConfirmed() vcs.IDSet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(vcs.IDSet)
	for id, e := range c.entries {
		if e.remote {
			out.Add(id)
		}
	}
	return out
}

// Reset drops every entry.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

// Len returns the number of ids with an entry.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
