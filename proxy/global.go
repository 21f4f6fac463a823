package proxy

import "sync"

var (
	mu            sync.RWMutex
	defaultClient Proxy
)

// SetDefault installs the process-wide default Proxy, mirroring
// storage.SetDefault.
func SetDefault(p Proxy) {
	mu.Lock()
	defer mu.Unlock()
	defaultClient = p
}

// GetProxy returns the process-wide default Proxy.
func GetProxy() Proxy {
	mu.RLock()
	defer mu.RUnlock()
	return defaultClient
}
