package compress

import (
	"bytes"
	"compress/gzip"
	"io"
)

// Gzip implements the Codec interface using gzip compression.
type Gzip struct{}

// Compress implements Codec.Compress.
func (g *Gzip) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress implements Codec.Decompress.
func (g *Gzip) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Alg implements Codec.Alg.
func (g *Gzip) Alg() Alg {
	return AlgGzip
}
