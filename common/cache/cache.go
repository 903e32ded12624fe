package cache

import (
	"context"
	"sync"
	"time"
)

// Cache is a byte-oriented key-value store with per-entry TTLs
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// MemoryCache is an in-process Cache. Expired entries are invisible to
// Get immediately and swept in the background.
type MemoryCache struct {
	mu   sync.RWMutex
	data map[string]*entry
	done chan struct{}
	once sync.Once
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryCache creates a memory cache and starts its sweeper
func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{
		data: make(map[string]*entry),
		done: make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Get returns the cached value, reporting whether a live entry exists
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.data[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set stores a value until its TTL elapses
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = &entry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Delete removes a key
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.data, key)
	return nil
}

// Close stops the sweeper and drops all entries
func (c *MemoryCache) Close() error {
	c.once.Do(func() { close(c.done) })
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]*entry)
	return nil
}

// Len reports the number of entries, expired ones included
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

func (c *MemoryCache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, e := range c.data {
				if now.After(e.expiresAt) {
					delete(c.data, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
