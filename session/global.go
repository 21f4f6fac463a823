package session

import "sync"

var (
	mu      sync.RWMutex
	current *Manager
)

// SetDefault installs the process-wide default Manager, mirroring
// proxy.SetDefault / storage.SetDefault.
func SetDefault(m *Manager) {
	mu.Lock()
	defer mu.Unlock()
	current = m
}

// Current returns the process-wide default Manager, or nil if none was
// installed.
func Current() *Manager {
	mu.RLock()
	defer mu.RUnlock()
	return current
}
