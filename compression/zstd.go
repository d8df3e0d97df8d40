package compression

import (
	"errors"
	"sync"

	"github.com/klauspost/compress/zstd"
)

type zstdCodec struct {
	encoders sync.Pool
	decoders sync.Pool
}

func newZstdCodec() *zstdCodec {
	return &zstdCodec{
		encoders: sync.Pool{New: func() any {
			enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			if err != nil {
				panic(err)
			}
			return enc
		}},
		decoders: sync.Pool{New: func() any {
			dec, err := zstd.NewReader(nil)
			if err != nil {
				panic(err)
			}
			return dec
		}},
	}
}

func (c *zstdCodec) Compress(src []byte) []byte {
	enc := c.encoders.Get().(*zstd.Encoder)
	defer c.encoders.Put(enc)

	return enc.EncodeAll(src, nil)
}

func (c *zstdCodec) Decompress(src []byte) ([]byte, error) {
	dec := c.decoders.Get().(*zstd.Decoder)
	defer c.decoders.Put(dec)

	dst, err := dec.DecodeAll(src, nil)
	if err != nil {
		return nil, errors.Join(errors.New("zstd decompression failed"), err)
	}
	return dst, nil
}

func (c *zstdCodec) Type() Type { return TYPE_ZSTD }
