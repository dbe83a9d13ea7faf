// Package codec turns request and response values into the bytes a transport
// carries. Message encoding is pluggable; JSON is the default.
package codec

import (
	"fmt"

	"github.com/gostdlib/base/concurrency/sync"
)

// Codec encodes and decodes messages. Implementations must be safe for concurrent use.
type Codec interface {
	// Name identifies the codec, such as "json".
	Name() string
	// Marshal encodes v.
	Marshal(v any) ([]byte, error)
	// Unmarshal decodes data into v, which must be a pointer.
	Unmarshal(data []byte, v any) error
}

var (
	registry   = map[string]Codec{}
	registryMu sync.RWMutex
)

// Register adds a codec to the registry, replacing any codec with the same name.
func Register(c Codec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.Name()] = c
}

// Get returns the codec registered under name.
func Get(name string) (Codec, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("codec %q not registered", name)
	}
	return c, nil
}

// Default returns the codec used when none is configured.
func Default() Codec {
	return JSON{}
}

func init() {
	Register(JSON{})
	Register(JSONIter{})
	Register(Proto{})
}
