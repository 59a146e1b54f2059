package compress

import (
	"github.com/klauspost/compress/zstd"
)

// Zstd implements the Codec interface using Zstandard compression.
type Zstd struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Compress implements Codec.Compress.
func (z *Zstd) Compress(data []byte) ([]byte, error) {
	if z.encoder == nil {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		z.encoder = enc
	}
	return z.encoder.EncodeAll(data, nil), nil
}

// Decompress implements Codec.Decompress.
func (z *Zstd) Decompress(data []byte) ([]byte, error) {
	if z.decoder == nil {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		z.decoder = dec
	}
	return z.decoder.DecodeAll(data, nil)
}

// Alg implements Codec.Alg.
func (z *Zstd) Alg() Alg {
	return AlgZstd
}
