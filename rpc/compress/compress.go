// Package compress provides payload compression for bridged calls.
// It includes built-in compressors for gzip, snappy, and zstd, and supports
// custom compressor registration. Compressors are selected by name; the name
// travels in the call's header frame.
package compress

import (
	"fmt"

	"github.com/gostdlib/base/concurrency/sync"
)

// None is the name that selects no compression.
const None = ""

// Compressor defines the interface for compression algorithms.
// Implementations must be safe for concurrent use.
type Compressor interface {
	// Name is the identifier announced to the peer, such as "gzip".
	Name() string

	// Compress compresses data. Returns compressed data or error.
	Compress(data []byte) ([]byte, error)

	// Decompress decompresses data. Returns original data or error.
	Decompress(data []byte) ([]byte, error)
}

var (
	registry   = map[string]Compressor{}
	registryMu sync.RWMutex
)

// Register adds a compressor to the registry. This can be used to register
// custom compressors or override built-in compressors. Thread-safe.
func Register(c Compressor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.Name()] = c
}

// Get returns the compressor registered under name, or nil if not found.
func Get(name string) Compressor {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[name]
}

// Names returns the names of all registered compressors.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	return names
}

// Compress compresses data with the named compressor.
// Returns data unchanged if name is None or data is empty.
func Compress(name string, data []byte) ([]byte, error) {
	if name == None || len(data) == 0 {
		return data, nil
	}
	c := Get(name)
	if c == nil {
		return nil, fmt.Errorf("compressor %q not registered", name)
	}
	return c.Compress(data)
}

// Decompress decompresses data with the named compressor.
// Returns data unchanged if name is None or data is empty.
func Decompress(name string, data []byte) ([]byte, error) {
	if name == None || len(data) == 0 {
		return data, nil
	}
	c := Get(name)
	if c == nil {
		return nil, fmt.Errorf("compressor %q not registered", name)
	}
	return c.Decompress(data)
}

func init() {
	Register(&Gzip{})
	Register(&Snappy{})
	Register(&Zstd{})
}
