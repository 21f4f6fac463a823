package encoding

import "sync"

// Codec marshals and unmarshals values for on-disk / on-wire storage.
// Implementations live under pkg/encoding/<name> and register themselves
// via Register; callers override the default with SetDefaultCodec or
// select one explicitly by name via Get.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var (
	mu      sync.RWMutex
	codecs  = make(map[string]Codec)
	current Codec
)

// Register adds a Codec under its own Name().
func Register(c Codec) {
	mu.Lock()
	defer mu.Unlock()
	codecs[c.Name()] = c
	if current == nil {
		current = c
	}
}

// Get returns a previously registered Codec by name, or nil.
func Get(name string) Codec {
	mu.RLock()
	defer mu.RUnlock()
	return codecs[name]
}

// SetDefaultCodec overrides the package-wide default codec.
func SetDefaultCodec(c Codec) {
	mu.Lock()
	defer mu.Unlock()
	current = c
}

// GetDefaultCodec returns the package-wide default codec.
func GetDefaultCodec() Codec {
	mu.RLock()
	defer mu.RUnlock()
	return current
}
