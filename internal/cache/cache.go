package cache

// Package cache provides a small in-memory TTL cache for derived read
// models: analytics summaries and other computations that are safe to
// recompute. Never used for secret material or vault records.

import (
	"sync"
	"time"
)

const defaultSweepInterval = 1 * time.Minute

type entry struct {
	value     any
	expiresAt time.Time // zero means never
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Stats reports cache effectiveness.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
}

// Cache is a thread-safe TTL cache with background expiry.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	hits    uint64
	misses  uint64

	sweepTicker *time.Ticker
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// New creates a cache sweeping expired entries once a minute.
func New() *Cache {
	c := &Cache{
		entries:     make(map[string]entry),
		sweepTicker: time.NewTicker(defaultSweepInterval),
		stopCh:      make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Get retrieves a live value.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.expired(time.Now()) {
		if ok {
			delete(c.entries, key)
		}
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Set stores a value. A ttl of zero or less means no expiry.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}

	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: expires}
	c.mu.Unlock()
}

// Delete removes a key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// GetStats returns hit/miss counters and the live entry count.
func (c *Cache) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Hits: c.hits, Misses: c.misses, Entries: len(c.entries)}
}

// Close stops the background sweep.
func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		c.sweepTicker.Stop()
		close(c.stopCh)
	})
}

func (c *Cache) sweep() {
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.sweepTicker.C:
			now := time.Now()
			c.mu.Lock()
			for key, e := range c.entries {
				if e.expired(now) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
