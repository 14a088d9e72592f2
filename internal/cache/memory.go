package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheEntry represents a cached item with expiration
type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryCache is an in-memory LRU cache with TTL support
type MemoryCache struct {
	cache *lru.Cache[string, *cacheEntry]
	ttl   time.Duration
	mu    sync.RWMutex

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryCache creates a new in-memory cache. A zero ttl keeps entries until evicted.
func NewMemoryCache(size int, ttl time.Duration) (*MemoryCache, error) {
	cache, err := lru.New[string, *cacheEntry](size)
	if err != nil {
		return nil, err
	}

	mc := &MemoryCache{
		cache: cache,
		ttl:   ttl,
		stop:  make(chan struct{}),
	}

	if ttl > 0 {
		go mc.cleanupLoop()
	}

	return mc, nil
}

// Get retrieves a value from the cache
func (mc *MemoryCache) Get(key string) (string, bool) {
	mc.mu.RLock()
	entry, ok := mc.cache.Get(key)
	mc.mu.RUnlock()

	if !ok {
		return "", false
	}

	if mc.expired(entry, time.Now()) {
		mc.mu.Lock()
		mc.cache.Remove(key)
		mc.mu.Unlock()
		return "", false
	}

	return entry.value, true
}

// Set stores a value in the cache
func (mc *MemoryCache) Set(key string, value string) {
	entry := &cacheEntry{value: value}
	if mc.ttl > 0 {
		entry.expiresAt = time.Now().Add(mc.ttl)
	}

	mc.mu.Lock()
	mc.cache.Add(key, entry)
	mc.mu.Unlock()
}

// Remove drops a key from the cache
func (mc *MemoryCache) Remove(key string) {
	mc.mu.Lock()
	mc.cache.Remove(key)
	mc.mu.Unlock()
}

// Len returns the number of cached entries, expired ones included until cleanup runs
func (mc *MemoryCache) Len() int {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.cache.Len()
}

// Close stops the cleanup goroutine
func (mc *MemoryCache) Close() {
	mc.stopOnce.Do(func() { close(mc.stop) })
}

func (mc *MemoryCache) expired(entry *cacheEntry, now time.Time) bool {
	return !entry.expiresAt.IsZero() && now.After(entry.expiresAt)
}

// cleanupLoop periodically removes expired entries
func (mc *MemoryCache) cleanupLoop() {
	ticker := time.NewTicker(mc.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-mc.stop:
			return
		case <-ticker.C:
			mc.removeExpired()
		}
	}
}

// removeExpired removes all expired entries from the cache
func (mc *MemoryCache) removeExpired() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := time.Now()
	for _, key := range mc.cache.Keys() {
		entry, ok := mc.cache.Peek(key)
		if ok && mc.expired(entry, now) {
			mc.cache.Remove(key)
		}
	}
}

// NoopCache is a cache that does nothing (used when remembering origins is disabled)
type NoopCache struct{}

// NewNoopCache creates a new no-op cache
func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

// Get always returns not found
func (nc *NoopCache) Get(key string) (string, bool) {
	return "", false
}

// Set does nothing
func (nc *NoopCache) Set(key string, value string) {}

// Remove does nothing
func (nc *NoopCache) Remove(key string) {}

// Close does nothing
func (nc *NoopCache) Close() {}
