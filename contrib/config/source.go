package config

// KeyValue is one named, optionally-formatted config blob as loaded from a
// Source (e.g. a single YAML file, or a single remote HTTP response body).
type KeyValue struct {
	Key    string
	Value  []byte
	Format string // "yaml", "yml", "json", or "" (raw scalar under Key)
}

// Source produces KeyValues and, optionally, a Watcher that reports future
// changes. Implementations: contrib/config/provider/file, .../remote.
type Source interface {
	Load() ([]*KeyValue, error)
	Watch() (Watcher, error)
}

// Watcher blocks in Next until the underlying source changes (returning the
// full, re-loaded KeyValue set) or Stop is called (returning nil, nil).
type Watcher interface {
	Next() ([]*KeyValue, error)
	Stop() error
}
