// Package continuity keeps the resumable backend handle of each conversation
// session. Each backend owns its own Cache; handles are never shared across
// backends.
package continuity

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize bounds a cache built with a non-positive size.
const DefaultSize = 1024

// Cache maps a conversation session id to a backend resumable handle.
// It is safe for concurrent use.
type Cache struct {
	backend string

	mu      sync.Mutex
	entries *lru.Cache[string, string]
}

// New creates a cache for backend holding at most size sessions.
func New(backend string, size int) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	entries, err := lru.New[string, string](size)
	if err != nil {
		// only returned for size <= 0
		panic(err)
	}
	return &Cache{backend: backend, entries: entries}
}

// Backend returns the backend this cache belongs to.
func (c *Cache) Backend() string {
	return c.backend
}

// Get returns the handle for sessionID.
func (c *Cache) Get(sessionID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Get(sessionID)
}

// Set stores handle for sessionID. An empty handle removes the entry.
func (c *Cache) Set(sessionID, handle string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if handle == "" {
		c.entries.Remove(sessionID)
		return
	}
	c.entries.Add(sessionID, handle)
}

// Forget drops the handle for sessionID. Absent ids are ignored.
func (c *Cache) Forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(sessionID)
}

// Clear drops every handle.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}

// Len returns the number of cached sessions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}
