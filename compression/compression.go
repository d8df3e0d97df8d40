package compression

import "errors"

// Type identifies the codec used for one block. It is stored in the block
// trailer so every block of a file can be decoded independently.
type Type byte

const (
	TYPE_NONE Type = iota
	TYPE_SNAPPY
	TYPE_S2
	TYPE_ZSTD
)

var TypeMap = map[Type]string{
	TYPE_NONE:   "none",
	TYPE_SNAPPY: "snappy",
	TYPE_S2:     "s2",
	TYPE_ZSTD:   "zstd",
}

var ReverseTypeMap = map[string]Type{
	"none":   TYPE_NONE,
	"snappy": TYPE_SNAPPY,
	"s2":     TYPE_S2,
	"zstd":   TYPE_ZSTD,
}

var ErrUnknownCodec = errors.New("unknown compression codec")

type Codec interface {
	Compress(src []byte) []byte
	Decompress(src []byte) ([]byte, error)
	Type() Type
}

func ForName(name string) (Codec, error) {
	t, found := ReverseTypeMap[name]
	if !found {
		return nil, errors.Join(ErrUnknownCodec, errors.New(name))
	}
	return ForType(t)
}

func ForType(t Type) (Codec, error) {
	switch t {
	case TYPE_NONE:
		return noneCodec{}, nil
	case TYPE_SNAPPY:
		return snappyCodec{}, nil
	case TYPE_S2:
		return s2Codec{}, nil
	case TYPE_ZSTD:
		return newZstdCodec(), nil
	default:
		return nil, ErrUnknownCodec
	}
}

type noneCodec struct{}

func (noneCodec) Compress(src []byte) []byte { return src }

func (noneCodec) Decompress(src []byte) ([]byte, error) { return src, nil }

func (noneCodec) Type() Type { return TYPE_NONE }
