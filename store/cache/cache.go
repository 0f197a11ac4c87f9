// Package cache provides a bounded in-process LRU cache with TTL support.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Config configures a Cache.
type Config struct {
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
	MaxItems        int
}

// Cache is an LRU cache with per-entry expiration.
type Cache struct {
	config Config
	mu     sync.Mutex

	items map[string]*entry
	order *list.List // front = most recently used

	done chan struct{}
	once sync.Once
}

type entry struct {
	key       string
	value     any
	expiresAt time.Time
	element   *list.Element
}

// New creates a cache and starts its background cleanup loop.
func New(config Config) *Cache {
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 10 * time.Minute
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.MaxItems <= 0 {
		config.MaxItems = 1000
	}

	c := &Cache{
		config: config,
		items:  make(map[string]*entry),
		order:  list.New(),
		done:   make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Get retrieves a value from the cache.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.remove(e)
		return nil, false
	}

	c.order.MoveToFront(e.element)
	return e.value, true
}

// Set stores a value with the default TTL.
func (c *Cache) Set(key string, value any) {
	c.SetWithTTL(key, value, c.config.DefaultTTL)
}

// SetWithTTL stores a value with an explicit TTL.
func (c *Cache) SetWithTTL(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		e.value = value
		e.expiresAt = time.Now().Add(ttl)
		c.order.MoveToFront(e.element)
		return
	}

	for len(c.items) >= c.config.MaxItems {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest.Value.(*entry))
	}

	e := &entry{key: key, value: value, expiresAt: time.Now().Add(ttl)}
	e.element = c.order.PushFront(e)
	c.items[key] = e
}

// Delete removes a key from the cache.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok {
		c.remove(e)
	}
}

// Size returns the number of entries currently cached.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Close stops the cleanup goroutine.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.done) })
}

// remove must be called with the lock held.
func (c *Cache) remove(e *entry) {
	c.order.Remove(e.element)
	delete(c.items, e.key)
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.cleanupExpired()
		}
	}
}

func (c *Cache) cleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var expired []*entry
	for _, e := range c.items {
		if now.After(e.expiresAt) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		c.remove(e)
	}
}
