package sstable

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"

	db "github.com/sayden/mergetree"
	"github.com/sayden/mergetree/compression"
)

// Reader opens one immutable table and hands out sequential cursors over
// it. Every structural violation it can detect (bad magic, truncated file,
// checksum mismatch, malformed encoding, out-of-order keys) is reported as
// a *CorruptionError carrying the offending offset; errors not attributable
// to the file content (open failures, EIO) pass through untouched so they
// are never mistaken for corruption.
type Reader struct {
	meta  *db.TableMeta
	cache *BlockCache

	file    *os.File
	size    int64
	handles []blockHandle
}

func NewReader(meta *db.TableMeta, cache *BlockCache) (*Reader, error) {
	file, err := os.Open(meta.DataFilepath)
	if err != nil {
		return nil, err
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	r := &Reader{meta: meta, cache: cache, file: file, size: stat.Size()}
	if err = r.readFooterAndIndex(); err != nil {
		file.Close()
		return nil, err
	}

	return r, nil
}

func (r *Reader) corrupt(offset int64, cause string) error {
	if r.cache != nil {
		r.cache.Invalidate(r.meta.DataFilepath)
	}
	return db.NewCorruptionError(r.meta.Uuid, r.meta.DataFilepath, offset, cause)
}

// readAt classifies short reads as corruption (the file is shorter than
// its own structure claims) and leaves other failures as plain I/O errors.
func (r *Reader) readAt(buf []byte, offset int64) error {
	_, err := r.file.ReadAt(buf, offset)
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return r.corrupt(offset, "truncated file")
	}
	return err
}

func (r *Reader) readFooterAndIndex() error {
	if r.size < footerSize {
		return r.corrupt(0, "file too small to hold a footer")
	}

	footer := make([]byte, footerSize)
	if err := r.readAt(footer, r.size-footerSize); err != nil {
		return err
	}

	if !bytes.Equal(footer[12:], magic) {
		return r.corrupt(r.size-footerSize, "bad magic number")
	}

	indexOffset := int64(binary.BigEndian.Uint64(footer))
	blockCount := int64(binary.BigEndian.Uint32(footer[8:]))
	indexLen := blockCount*indexEntrySize + indexChecksumSize

	if indexOffset < 0 || indexOffset+indexLen+footerSize != r.size {
		return r.corrupt(r.size-footerSize, "index bounds do not match file size")
	}

	indexBuf := make([]byte, indexLen)
	if err := r.readAt(indexBuf, indexOffset); err != nil {
		return err
	}

	body := indexBuf[:indexLen-indexChecksumSize]
	want := binary.BigEndian.Uint64(indexBuf[indexLen-indexChecksumSize:])
	if xxhash.Sum64(body) != want {
		return r.corrupt(indexOffset, "index checksum mismatch")
	}

	handles := make([]blockHandle, 0, blockCount)
	next := int64(0)
	for i := int64(0); i < blockCount; i++ {
		h := parseIndexEntry(body[i*indexEntrySize:])
		if h.offset != next || h.length <= blockTrailerSize || h.offset+h.length > indexOffset {
			return r.corrupt(indexOffset, "index entry out of bounds")
		}
		next = h.offset + h.length
		handles = append(handles, h)
	}
	if next != indexOffset {
		return r.corrupt(indexOffset, "blocks do not cover the data region")
	}

	r.handles = handles
	return nil
}

// loadBlock returns the decompressed payload of one block, from the cache
// when possible. The checksum is verified before anything enters the cache,
// and a mismatch drops every cached block of the file so a repeated read
// deterministically reproduces the failure from disk.
func (r *Reader) loadBlock(i int) ([]byte, error) {
	h := r.handles[i]

	if r.cache != nil {
		if data, found := r.cache.Get(r.meta.DataFilepath, h.offset); found {
			return data, nil
		}
	}

	blk := make([]byte, h.length)
	if err := r.readAt(blk, h.offset); err != nil {
		return nil, err
	}

	body := blk[:h.length-8]
	want := binary.BigEndian.Uint64(blk[h.length-8:])
	if xxhash.Sum64(body) != want {
		return nil, r.corrupt(h.offset, "block checksum mismatch")
	}

	codec, err := compression.ForType(compression.Type(body[len(body)-1]))
	if err != nil {
		return nil, r.corrupt(h.offset, "unknown block codec")
	}

	data, err := codec.Decompress(body[:len(body)-1])
	if err != nil {
		return nil, r.corrupt(h.offset, "block decompression failed")
	}

	if r.cache != nil {
		r.cache.Put(r.meta.DataFilepath, h.offset, data)
	}

	return data, nil
}

func (r *Reader) Meta() *db.TableMeta {
	return r.meta
}

func (r *Reader) Close() error {
	return r.file.Close()
}

// Cursor returns a lazy sequential cursor over all records of the table.
// Closing the cursor does not close the reader.
func (r *Reader) Cursor() db.Cursor {
	return &tableCursor{reader: r}
}

type tableCursor struct {
	reader   *Reader
	blockIdx int
	block    []byte
	pos      int
	started  bool
	lastKey  []byte
	rec      db.Record
	err      error
}

func (c *tableCursor) Next() (*db.Record, bool, error) {
	if c.err != nil {
		return nil, false, c.err
	}

	for c.block == nil || c.pos >= len(c.block) {
		if c.blockIdx >= len(c.reader.handles) {
			return nil, false, nil
		}
		block, err := c.reader.loadBlock(c.blockIdx)
		if err != nil {
			c.err = err
			return nil, false, err
		}
		c.block = block
		c.pos = 0
		c.blockIdx++
	}

	if err := c.decodeRecord(); err != nil {
		c.err = err
		return nil, false, err
	}

	if c.started && bytes.Compare(c.rec.Key, c.lastKey) <= 0 {
		c.err = c.reader.corrupt(c.reader.handles[c.blockIdx-1].offset, "out-of-order key")
		return nil, false, c.err
	}
	c.started = true
	c.lastKey = append(c.lastKey[:0], c.rec.Key...)

	return &c.rec, true, nil
}

// decodeRecord parses one record at the current block position. Any length
// that does not fit inside the block condemns the table: the block passed
// its checksum, so a malformed encoding means the writer's invariants were
// violated on disk.
func (c *tableCursor) decodeRecord() error {
	blockOffset := c.reader.handles[c.blockIdx-1].offset

	keyLen, n := binary.Uvarint(c.block[c.pos:])
	if n <= 0 || keyLen > uint64(len(c.block)-c.pos-n) {
		return c.reader.corrupt(blockOffset, "malformed record key length")
	}
	c.pos += n
	c.rec.Key = c.block[c.pos : c.pos+int(keyLen)]
	c.pos += int(keyLen)

	ts, n := binary.Varint(c.block[c.pos:])
	if n <= 0 {
		return c.reader.corrupt(blockOffset, "malformed record timestamp")
	}
	c.pos += n
	c.rec.Timestamp = ts

	valLen, n := binary.Uvarint(c.block[c.pos:])
	if n <= 0 || valLen > uint64(len(c.block)-c.pos-n) {
		return c.reader.corrupt(blockOffset, "malformed record value length")
	}
	c.pos += n
	c.rec.Value = c.block[c.pos : c.pos+int(valLen)]
	c.pos += int(valLen)

	return nil
}

func (c *tableCursor) Close() error {
	c.block = nil
	return nil
}
