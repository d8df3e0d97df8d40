package core

import (
	"context"
	"errors"
	"os"
	"sort"

	"github.com/thehivecorporation/log"

	db "github.com/sayden/mergetree"
	"github.com/sayden/mergetree/sstable"
)

// Engine wires the pieces of one storage unit together: block cache, table
// registry, strategy and driver. The write path proper (memtable, WAL)
// lives outside; Flush is the entry point collaborators use to hand over a
// batch of records as a new table.
type Engine struct {
	cfg      *db.Config
	cache    *sstable.BlockCache
	set      *db.TableSet
	strategy *Strategy
}

func NewEngine(cfg *db.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DbPath, 0755); err != nil {
		return nil, err
	}

	strategy, err := NewStrategy(cfg)
	if err != nil {
		return nil, err
	}

	cache := sstable.NewBlockCache(cfg.BlockCacheSize)
	set := db.NewTableSet(cfg, cache)
	if err = set.Load(); err != nil {
		cache.Close()
		return nil, errors.Join(errors.New("failed to load table set"), err)
	}

	log.WithFields(log.Fields{"path": cfg.DbPath, "tables": set.Len(), "strategy": cfg.Strategy.Kind}).
		Info("Engine opened")

	return &Engine{cfg: cfg, cache: cache, set: set, strategy: strategy}, nil
}

// Compact runs the full retry loop over the storage unit.
func (e *Engine) Compact(ctx context.Context) (*Result, error) {
	return NewDriver(e.cfg, e.set, e.cache, e.strategy).CompactAll(ctx)
}

// Scan validates one table outside of compaction by draining it fully. The
// suspect flag keeps a second concurrent reader off the same file: a table
// already being scanned or merged reports ErrConflict instead. The flag is
// cleared whatever the outcome, and membership is not touched: quarantining
// based on the result is the caller's call.
func (e *Engine) Scan(id string) error {
	meta, found := e.set.Get(id)
	if !found {
		return db.ErrUnknownTable
	}

	if !e.set.MarkSuspect(id) {
		return errors.Join(db.ErrConflict, errors.New("table "+id+" already has a read in flight"))
	}
	defer e.set.UnmarkSuspect(id)

	return sstable.Scan(meta, e.cache)
}

// Flush turns a batch of records into a new live level-0 table. Records
// may arrive unsorted; duplicate keys within the batch resolve to the
// highest timestamp.
func (e *Engine) Flush(records []*db.Record) (*db.TableMeta, error) {
	if len(records) == 0 {
		return nil, errors.New("refusing to flush an empty batch")
	}

	sorted := make([]*db.Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		if c := sorted[i].Compare(sorted[j]); c != 0 {
			return c < 0
		}
		return sorted[i].Timestamp > sorted[j].Timestamp
	})

	writer, err := sstable.NewWriter(e.cfg, 0, e.set.NextGeneration())
	if err != nil {
		return nil, err
	}

	for i, rec := range sorted {
		if i > 0 && rec.Equals(sorted[i-1]) {
			continue
		}
		if err = writer.Append(rec); err != nil {
			writer.Abandon()
			return nil, err
		}
	}

	meta, err := writer.Finish()
	if err != nil {
		writer.Abandon()
		return nil, err
	}

	if err = e.set.Add(meta); err != nil {
		return nil, err
	}

	return meta, nil
}

func (e *Engine) Tables() []*db.TableMeta {
	return e.set.Live()
}

func (e *Engine) TableSet() *db.TableSet {
	return e.set
}

func (e *Engine) Cache() *sstable.BlockCache {
	return e.cache
}

func (e *Engine) Close() error {
	e.cache.Close()
	return nil
}
