package cache

// Cache stores resolved values for a bounded time.
// The resolver uses it to remember the last origin that answered a health check.
type Cache interface {
	// Get retrieves a cached value by key
	// Returns the value and true if found and not expired, "" and false otherwise
	Get(key string) (string, bool)

	// Set stores a value in the cache with the given key
	Set(key string, value string)

	// Remove drops a key
	Remove(key string)

	// Close releases any resources held by the cache
	Close()
}
