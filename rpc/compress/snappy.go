package compress

import (
	"github.com/golang/snappy"
)

// Snappy implements Compressor with the snappy block format.
// Snappy is optimized for speed rather than compression ratio.
type Snappy struct{}

// Name implements Compressor.
func (s *Snappy) Name() string {
	return "snappy"
}

// Compress compresses data using Snappy.
func (s *Snappy) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

// Decompress decompresses Snappy data.
func (s *Snappy) Decompress(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}
