package compression

import (
	"errors"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
)

type snappyCodec struct{}

func (snappyCodec) Compress(src []byte) []byte {
	return snappy.Encode(nil, src)
}

func (snappyCodec) Decompress(src []byte) ([]byte, error) {
	dst, err := snappy.Decode(nil, src)
	if err != nil {
		return nil, errors.Join(errors.New("snappy decompression failed"), err)
	}
	return dst, nil
}

func (snappyCodec) Type() Type { return TYPE_SNAPPY }

type s2Codec struct{}

func (s2Codec) Compress(src []byte) []byte {
	return s2.Encode(nil, src)
}

func (s2Codec) Decompress(src []byte) ([]byte, error) {
	dst, err := s2.Decode(nil, src)
	if err != nil {
		return nil, errors.Join(errors.New("s2 decompression failed"), err)
	}
	return dst, nil
}

func (s2Codec) Type() Type { return TYPE_S2 }
