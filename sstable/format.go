// Package sstable implements the on-disk table format of the engine: a
// sequence of compressed, checksummed record blocks followed by a block
// index and a fixed-size footer.
//
//	[block 0][block 1]...[block n-1][index][index checksum][footer]
//
//	block  = compressed payload | codec byte | xxhash64 of the two
//	index  = per block: offset uint64 | length uint32
//	footer = index offset uint64 | block count uint32 | magic
//
// Every region of the file is covered: blocks and the index by checksums,
// the footer by the magic and bound checks. Flipping bytes anywhere in a
// table therefore surfaces as a CorruptionError on the next sequential
// read, not as silently wrong records.
package sstable

import "encoding/binary"

var magic = []byte("mrgtbl01")

const (
	// codec byte + xxhash64 appended to every compressed block payload.
	blockTrailerSize = 1 + 8

	// offset + length per index entry.
	indexEntrySize = 8 + 4

	indexChecksumSize = 8

	// index offset + block count + magic.
	footerSize = 8 + 4 + 8
)

type blockHandle struct {
	offset int64
	length int64
}

func appendIndexEntry(dst []byte, h blockHandle) []byte {
	dst = binary.BigEndian.AppendUint64(dst, uint64(h.offset))
	dst = binary.BigEndian.AppendUint32(dst, uint32(h.length))
	return dst
}

func parseIndexEntry(src []byte) blockHandle {
	return blockHandle{
		offset: int64(binary.BigEndian.Uint64(src)),
		length: int64(binary.BigEndian.Uint32(src[8:])),
	}
}
