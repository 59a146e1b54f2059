package compress

import (
	"github.com/golang/snappy"
)

// Snappy implements the Codec interface using snappy compression.
type Snappy struct{}

// Compress implements Codec.Compress.
func (s *Snappy) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

// Decompress implements Codec.Decompress.
func (s *Snappy) Decompress(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}

// Alg implements Codec.Alg.
func (s *Snappy) Alg() Alg {
	return AlgSnappy
}
