package compress

import (
	"github.com/gostdlib/base/concurrency/sync"
	"github.com/klauspost/compress/zstd"
)

// Zstd implements Compressor with Zstandard. The encoder and decoder are created on
// first use and shared; EncodeAll and DecodeAll are safe for concurrent use.
type Zstd struct {
	// Level is the compression level. If 0, defaults to zstd.SpeedDefault.
	Level zstd.EncoderLevel

	once    sync.Once
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	initErr error
}

// Name implements Compressor.
func (z *Zstd) Name() string {
	return "zstd"
}

func (z *Zstd) init() error {
	z.once.Do(func() {
		level := z.Level
		if level == 0 {
			level = zstd.SpeedDefault
		}
		z.enc, z.initErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
		if z.initErr != nil {
			return
		}
		z.dec, z.initErr = zstd.NewReader(nil)
	})
	return z.initErr
}

// Compress compresses data using Zstandard.
func (z *Zstd) Compress(data []byte) ([]byte, error) {
	if err := z.init(); err != nil {
		return nil, err
	}
	return z.enc.EncodeAll(data, nil), nil
}

// Decompress decompresses Zstandard data.
func (z *Zstd) Decompress(data []byte) ([]byte, error) {
	if err := z.init(); err != nil {
		return nil, err
	}
	return z.dec.DecodeAll(data, nil)
}
