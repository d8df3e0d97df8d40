package mergetree

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/thehivecorporation/log"
)

type setItem struct {
	key   string
	table *TableMeta
}

func setItemLess(a, b *setItem) bool {
	return a.key < b.key
}

func itemKey(m *TableMeta) string {
	return string(m.MinKey) + "\x00" + m.Uuid
}

// TableSet is the live-table registry for one storage unit. All membership
// mutation (registering outputs, retiring inputs, flagging corruption) goes
// through it and is serialized under one lock, while enumerations return
// snapshot copies. Tables referenced by an in-flight transaction are
// reserved here; reservation is part of the transaction state machine, not
// a separate lock manager.
type TableSet struct {
	cfg   *Config
	cache CacheInvalidator

	mu       sync.RWMutex
	tables   map[string]*TableMeta
	reserved map[string]string
	index    *btree.BTreeG[*setItem]

	// suspects guards against two scanners speculating on the same file at
	// once. Transient: cleared when the cursor closes, success or not.
	suspects *xsync.MapOf[string, struct{}]

	generation atomic.Uint64
}

func NewTableSet(cfg *Config, cache CacheInvalidator) *TableSet {
	if cache == nil {
		cache = NopInvalidator{}
	}

	return &TableSet{
		cfg:      cfg,
		cache:    cache,
		tables:   make(map[string]*TableMeta),
		reserved: make(map[string]string),
		index:    btree.NewG[*setItem](2, setItemLess),
		suspects: xsync.NewMapOf[string, struct{}](),
	}
}

// Load rebuilds the registry from the meta sidecars found in the db path.
// Corrupted tables are loaded as corrupted: the quarantine flag is durable
// and only operator action (removing the files) clears it.
func (s *TableSet) Load() error {
	metaFiles, err := filepath.Glob(filepath.Join(s.cfg.DbPath, "meta_*.json"))
	if err != nil {
		return err
	}

	for _, p := range metaFiles {
		meta, err := OpenMeta(p)
		if err != nil {
			return errors.Join(errors.New("failed to load table meta"), err)
		}

		if err = s.Add(meta); err != nil {
			return err
		}

		if meta.Corrupted {
			log.WithFields(log.Fields{"uuid": meta.Uuid, "data_file": meta.DataFilepath}).
				Warn("Loaded table flagged corrupted before restart, keeping it quarantined")
		}
	}

	return nil
}

func (s *TableSet) Add(meta *TableMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, found := s.tables[meta.Uuid]; found {
		return errors.New("table " + meta.Uuid + " already registered")
	}

	s.tables[meta.Uuid] = meta
	s.index.ReplaceOrInsert(&setItem{key: itemKey(meta), table: meta})
	if meta.Generation >= s.generation.Load() {
		s.generation.Store(meta.Generation + 1)
	}

	return nil
}

func (s *TableSet) Get(id string) (*TableMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, found := s.tables[id]
	return meta, found
}

func (s *TableSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.tables)
}

// NextGeneration hands out generations for compaction outputs. Generations
// only ever grow, so a table produced by a merge is always more recent than
// any of its inputs.
func (s *TableSet) NextGeneration() uint64 {
	return s.generation.Add(1)
}

// Live returns a snapshot of all registered tables in min-key order,
// including corrupted ones (they stay live until replaced or removed).
func (s *TableSet) Live() []*TableMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*TableMeta, 0, len(s.tables))
	s.index.Ascend(func(item *setItem) bool {
		result = append(result, item.table)
		return true
	})

	return result
}

// Healthy returns the tables eligible for candidate selection: live, not
// corrupted and not reserved by an in-flight transaction.
func (s *TableSet) Healthy() []*TableMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*TableMeta, 0, len(s.tables))
	s.index.Ascend(func(item *setItem) bool {
		if item.table.Corrupted {
			return true
		}
		if _, taken := s.reserved[item.table.Uuid]; taken {
			return true
		}
		result = append(result, item.table)
		return true
	})

	return result
}

// Reserve takes all the given tables for one transaction, or none of them.
// A table already reserved elsewhere, unknown, or corrupted makes the whole
// reservation fail with ErrConflict so the caller can reselect.
func (s *TableSet) Reserve(txID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		meta, found := s.tables[id]
		if !found {
			return errors.Join(ErrConflict, ErrUnknownTable)
		}
		if meta.Corrupted {
			return errors.Join(ErrConflict, errors.New("table "+id+" is quarantined"))
		}
		if owner, taken := s.reserved[id]; taken && owner != txID {
			return ErrConflict
		}
	}

	for _, id := range ids {
		s.reserved[id] = txID
	}

	return nil
}

// Release drops the reservations held by txID over the given tables. Tables
// not reserved by txID are left untouched, which makes release idempotent.
func (s *TableSet) Release(txID string, ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if owner, taken := s.reserved[id]; taken && owner == txID {
			delete(s.reserved, id)
		}
	}
}

// ApplyCommit retires the input tables and registers the outputs in one
// atomic visible state change: no enumeration can observe the inputs gone
// while the outputs are missing, or both present at once. An error is only
// returned before the swap; once the swap happened the commit stands, and
// trouble deleting the retired files (which the committing transaction has
// already closed) is logged, not reported, since removal can be retried.
func (s *TableSet) ApplyCommit(txID string, inputs []string, outputs []*TableMeta) error {
	s.mu.Lock()

	for _, id := range inputs {
		if owner, taken := s.reserved[id]; !taken || owner != txID {
			s.mu.Unlock()
			return errors.New("commit of tables not reserved by transaction " + txID)
		}
	}

	retired := make([]*TableMeta, 0, len(inputs))
	for _, id := range inputs {
		meta := s.tables[id]
		delete(s.tables, id)
		delete(s.reserved, id)
		s.index.Delete(&setItem{key: itemKey(meta)})
		retired = append(retired, meta)
	}

	for _, meta := range outputs {
		s.tables[meta.Uuid] = meta
		s.index.ReplaceOrInsert(&setItem{key: itemKey(meta), table: meta})
	}

	s.mu.Unlock()

	for _, meta := range retired {
		s.cache.Invalidate(meta.DataFilepath)
		if err := meta.RemoveFiles(); err != nil {
			log.WithFields(log.Fields{"uuid": meta.Uuid, "data_file": meta.DataFilepath}).
				Warn("Failed to remove retired table files: " + err.Error())
		}
	}

	return nil
}

// FlagCorrupted quarantines one table: the flag is sticky, persisted in the
// meta sidecar so it survives restarts, and the block cache entries of the
// file are dropped so a re-read cannot pass against stale cached bytes.
func (s *TableSet) FlagCorrupted(id string) error {
	s.mu.Lock()

	meta, found := s.tables[id]
	if !found {
		s.mu.Unlock()
		return ErrUnknownTable
	}
	if meta.Corrupted {
		s.mu.Unlock()
		return nil
	}
	meta.Corrupted = true

	s.mu.Unlock()

	s.cache.Invalidate(meta.DataFilepath)

	if err := meta.WriteMeta(); err != nil {
		return errors.Join(errors.New("failed to persist corrupted flag for "+id), err)
	}

	log.WithFields(log.Fields{"uuid": id, "data_file": meta.DataFilepath}).
		Warn("Table quarantined")

	return nil
}

func (s *TableSet) IsCorrupted(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, found := s.tables[id]
	return found && meta.Corrupted
}

// MarkSuspect flags a table as having a read in flight. Returns false when
// some other scanner already holds the flag.
func (s *TableSet) MarkSuspect(id string) bool {
	_, loaded := s.suspects.LoadOrStore(id, struct{}{})
	return !loaded
}

func (s *TableSet) UnmarkSuspect(id string) {
	s.suspects.Delete(id)
}
