package translate

import "sync"

var (
	mu      sync.RWMutex
	current *TranslateCache
)

// SetDefault installs the process-wide default TranslateCache.
func SetDefault(c *TranslateCache) {
	mu.Lock()
	defer mu.Unlock()
	current = c
}

// Current returns the process-wide default TranslateCache, or nil if none
// was installed.
func Current() *TranslateCache {
	mu.RLock()
	defer mu.RUnlock()
	return current
}
