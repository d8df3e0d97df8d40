package sstable

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/thehivecorporation/log"

	db "github.com/sayden/mergetree"
	"github.com/sayden/mergetree/compression"
)

// Writer builds one immutable table file from records appended in strictly
// ascending key order. Finish seals the file and registers nothing: the
// returned descriptor is handed to the table set by the caller, which is
// what keeps commit a single visible state change.
type Writer struct {
	cfg     *db.Config
	builder *db.TableMetaBuilder
	codec   compression.Codec

	file    *os.File
	path    string
	offset  int64
	buf     []byte
	lastKey []byte
	index   []blockHandle
	closed  bool
}

func NewWriter(cfg *db.Config, level int, generation uint64) (*Writer, error) {
	codec, err := compression.ForName(cfg.Compression)
	if err != nil {
		return nil, err
	}

	if err = os.MkdirAll(cfg.DbPath, 0755); err != nil {
		return nil, err
	}

	builder := db.NewTableMetaBuilder(cfg.DbPath).
		WithLevel(level).
		WithGeneration(generation)

	path := builder.DataPath()
	file, err := os.Create(path)
	if err != nil {
		return nil, errors.Join(errors.New("failed to create table file"), err)
	}

	return &Writer{
		cfg:     cfg,
		builder: builder,
		codec:   codec,
		file:    file,
		path:    path,
		buf:     make([]byte, 0, cfg.BlockSize+1024),
	}, nil
}

// Append adds one record. Keys must arrive in strictly ascending order;
// out-of-order appends indicate a broken merge upstream and are rejected.
func (w *Writer) Append(r *db.Record) error {
	if w.closed {
		return errors.New("append on a finished table writer")
	}
	if len(w.lastKey) > 0 && bytes.Compare(r.Key, w.lastKey) <= 0 {
		return errors.New("records must be appended in strictly ascending key order")
	}
	w.lastKey = append(w.lastKey[:0], r.Key...)

	w.buf = binary.AppendUvarint(w.buf, uint64(len(r.Key)))
	w.buf = append(w.buf, r.Key...)
	w.buf = binary.AppendVarint(w.buf, r.Timestamp)
	w.buf = binary.AppendUvarint(w.buf, uint64(len(r.Value)))
	w.buf = append(w.buf, r.Value...)

	w.builder.WithRecord(r)

	if len(w.buf) >= w.cfg.BlockSize {
		return w.flushBlock()
	}

	return nil
}

func (w *Writer) flushBlock() error {
	if len(w.buf) == 0 {
		return nil
	}

	blk := w.codec.Compress(w.buf)
	blk = append(blk, byte(w.codec.Type()))
	blk = binary.BigEndian.AppendUint64(blk, xxhash.Sum64(blk))

	n, err := w.file.Write(blk)
	if err != nil {
		return errors.Join(errors.New("failed to write table block"), err)
	}

	w.index = append(w.index, blockHandle{offset: w.offset, length: int64(n)})
	w.offset += int64(n)
	w.buf = w.buf[:0]

	return nil
}

// Finish flushes the last block, writes index and footer, syncs, and
// persists the meta sidecar. The table is complete on disk afterwards but
// not yet live anywhere.
func (w *Writer) Finish() (*db.TableMeta, error) {
	if w.closed {
		return nil, errors.New("finish on a finished table writer")
	}

	if err := w.flushBlock(); err != nil {
		return nil, err
	}

	indexOffset := w.offset
	indexBuf := make([]byte, 0, len(w.index)*indexEntrySize+indexChecksumSize)
	for _, h := range w.index {
		indexBuf = appendIndexEntry(indexBuf, h)
	}
	indexBuf = binary.BigEndian.AppendUint64(indexBuf, xxhash.Sum64(indexBuf))

	footer := make([]byte, 0, footerSize)
	footer = binary.BigEndian.AppendUint64(footer, uint64(indexOffset))
	footer = binary.BigEndian.AppendUint32(footer, uint32(len(w.index)))
	footer = append(footer, magic...)

	if _, err := w.file.Write(indexBuf); err != nil {
		return nil, errors.Join(errors.New("failed to write table index"), err)
	}
	if _, err := w.file.Write(footer); err != nil {
		return nil, errors.Join(errors.New("failed to write table footer"), err)
	}
	if err := w.file.Sync(); err != nil {
		return nil, err
	}

	stat, err := w.file.Stat()
	if err != nil {
		return nil, err
	}
	if err = w.file.Close(); err != nil {
		return nil, err
	}
	w.closed = true

	meta, err := w.builder.WithSize(stat.Size()).Build()
	if err != nil {
		return nil, err
	}

	if err = meta.WriteMeta(); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"uuid":   meta.Uuid,
		"level":  meta.Level,
		"items":  meta.ItemCount,
		"blocks": len(w.index),
		"size":   meta.SizeBytes,
	}).Debug("Table written")

	return meta, nil
}

// Abandon discards the partial output. Safe to call at any point and more
// than once; a finished writer's file is left alone.
func (w *Writer) Abandon() {
	if w.closed {
		return
	}
	w.closed = true

	if err := w.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		log.WithFields(log.Fields{"path": w.path}).Warn("Failed to close abandoned table file")
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		log.WithFields(log.Fields{"path": w.path}).Warn("Failed to remove abandoned table file")
	}
}
