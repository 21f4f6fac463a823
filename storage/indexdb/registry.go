package indexdb

import (
	"fmt"
	"sync"

	"github.com/relaycache/tavern/api/defined/v1/storage"
)

// Registry holds named storage.IndexDBFactory implementations, keyed by
// the db-type string used in conf.Bucket.DBType (e.g. "pebble").
type Registry struct {
	mu    sync.RWMutex
	items map[string]storage.IndexDBFactory
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]storage.IndexDBFactory)}
}

// Register adds a factory under the given name. Intended to be called from
// an init() in the concrete driver package (see storage/indexdb/pebble).
func (r *Registry) Register(name string, factory storage.IndexDBFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[name] = factory
}

func (r *Registry) Create(name string, path string, option storage.Option) (storage.IndexDB, error) {
	r.mu.RLock()
	factory, ok := r.items[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("indexdb: no factory registered for %q", name)
	}
	return factory(path, option)
}

// Register registers a named IndexDB factory on the default registry.
func Register(name string, factory storage.IndexDBFactory) {
	defaultRegistry.Register(name, factory)
}

// Create builds an IndexDB from the default registry by name.
func Create(name string, option storage.Option) (storage.IndexDB, error) {
	return defaultRegistry.Create(name, option.DBPath(), option)
}
