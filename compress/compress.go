// Package compress provides the compression codecs a channel may select as
// its payload compression default. It includes built-in codecs for gzip,
// snappy, and zstd, and supports custom codec registration.
package compress

import (
	"fmt"

	"github.com/gostdlib/base/concurrency/sync"
)

// Alg identifies a compression algorithm.
type Alg uint8

const (
	// None disables compression.
	None Alg = iota
	// AlgGzip selects gzip.
	AlgGzip
	// AlgSnappy selects snappy.
	AlgSnappy
	// AlgZstd selects Zstandard.
	AlgZstd
)

// String implements fmt.Stringer.
func (a Alg) String() string {
	switch a {
	case None:
		return "none"
	case AlgGzip:
		return "gzip"
	case AlgSnappy:
		return "snappy"
	case AlgZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// Codec defines the interface for compression algorithms.
type Codec interface {
	// Compress compresses data. Returns compressed data or error.
	Compress(data []byte) ([]byte, error)

	// Decompress decompresses data. Returns original data or error.
	Decompress(data []byte) ([]byte, error)

	// Alg returns the algorithm this codec implements.
	Alg() Alg
}

var (
	registry   = map[Alg]Codec{}
	registryMu sync.RWMutex
)

// Register adds a codec to the registry. This can be used to register custom
// codecs or override built-in ones. Thread-safe.
func Register(c Codec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.Alg()] = c
}

// Get returns the codec for the given algorithm, or nil if not registered.
func Get(a Alg) Codec {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[a]
}

// Compress compresses data using the specified algorithm.
// Returns original data unchanged if a is None.
func Compress(a Alg, data []byte) ([]byte, error) {
	if a == None || len(data) == 0 {
		return data, nil
	}
	c := Get(a)
	if c == nil {
		return nil, fmt.Errorf("codec not registered for algorithm %v", a)
	}
	return c.Compress(data)
}

// Decompress decompresses data using the specified algorithm.
// Returns original data unchanged if a is None.
func Decompress(a Alg, data []byte) ([]byte, error) {
	if a == None || len(data) == 0 {
		return data, nil
	}
	c := Get(a)
	if c == nil {
		return nil, fmt.Errorf("codec not registered for algorithm %v", a)
	}
	return c.Decompress(data)
}

func init() {
	Register(&Gzip{})
	Register(&Snappy{})
	Register(&Zstd{})
}
