package outputcache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

type memoryCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
	gen     uint64
}

// NewMemory returns an in-process cache. ttl <= 0 uses DefaultTTL.
func NewMemory(ttl time.Duration) Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &memoryCache{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

func (c *memoryCache) Get(_ context.Context, key string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	me, ok := c.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	if c.now().After(me.expiresAt) {
		delete(c.entries, key)
		return Entry{}, false, nil
	}
	return cloneEntry(me.entry), true, nil
}

func (c *memoryCache) Set(_ context.Context, key string, e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.Generation != c.gen {
		return ErrStale
	}
	now := c.now()
	if e.StoredAt.IsZero() {
		e.StoredAt = now.UTC()
	}
	c.entries[key] = memoryEntry{entry: cloneEntry(e), expiresAt: now.Add(c.ttl)}
	return nil
}

func (c *memoryCache) Clear(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]memoryEntry)
	c.gen++
	return n, nil
}

func (c *memoryCache) Generation(_ context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen, nil
}

func (c *memoryCache) Len(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.entries)), nil
}

func (c *memoryCache) Close(_ context.Context) error {
	return nil
}
