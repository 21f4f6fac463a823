package certcache

import "sync"

var (
	mu      sync.RWMutex
	current *Cache
)

// SetDefault installs the process-wide default Cache.
func SetDefault(c *Cache) {
	mu.Lock()
	defer mu.Unlock()
	current = c
}

// Current returns the process-wide default Cache, or nil if none was
// installed.
func Current() *Cache {
	mu.RLock()
	defer mu.RUnlock()
	return current
}
