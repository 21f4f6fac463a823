// Package plugin is the root registry optional plugins register
// themselves into via init(), mirroring storage/builder.go's bucket
// factory map.
package plugin

import (
	"fmt"
	"sync"

	pluginv1 "github.com/relaycache/tavern/api/defined/v1/plugin"
	"github.com/relaycache/tavern/conf"
	"github.com/relaycache/tavern/contrib/log"
)

var (
	mu       sync.RWMutex
	registry = make(map[string]pluginv1.Factory)
)

// Register adds a named plugin factory to the global registry. Called from
// a plugin package's init().
func Register(name string, factory pluginv1.Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = factory
}

// Create instantiates the named plugin from its config entry.
func Create(plug *conf.Plugin, logger *log.Helper) (pluginv1.Plugin, error) {
	mu.RLock()
	factory, ok := registry[plug.Name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("plugin: no factory registered for %q", plug.Name)
	}
	return factory(plug, logger)
}
