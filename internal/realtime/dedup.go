package realtime

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Deduplicator remembers recently delivered events so a backend replay after reconnect
// does not reach subscribers twice
type Deduplicator struct {
	cache *lru.Cache[string, struct{}]
}

// NewDeduplicator creates a new Deduplicator with the given cache size
func NewDeduplicator(size int) (*Deduplicator, error) {
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &Deduplicator{cache: cache}, nil
}

// IsDuplicate reports whether kind/id was seen before and records it otherwise.
// Events without an ID are never duplicates.
func (d *Deduplicator) IsDuplicate(kind EventKind, id string) bool {
	if id == "" {
		return false
	}
	seen, _ := d.cache.ContainsOrAdd(string(kind)+":"+id, struct{}{})
	return seen
}

// Clear clears the deduplication cache
func (d *Deduplicator) Clear() {
	d.cache.Purge()
}

// Len returns the current cache size
func (d *Deduplicator) Len() int {
	return d.cache.Len()
}
