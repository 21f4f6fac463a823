package cluster

import "sync"

var (
	mu       sync.RWMutex
	clusters = map[string]*Cluster{}
)

// Register installs a named Cluster in the process-wide registry,
// mirroring proxy.SetDefault / storage.SetDefault.
func Register(name string, c *Cluster) {
	mu.Lock()
	defer mu.Unlock()
	clusters[name] = c
}

// Get returns the named Cluster, or nil if no cluster was registered
// under that name.
func Get(name string) *Cluster {
	mu.RLock()
	defer mu.RUnlock()
	return clusters[name]
}
