package mergetree

import (
	"errors"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/thehivecorporation/log"
)

// NewTableMetaBuilder starts a descriptor for a table being written. Record
// stats (count, key range, timestamp range) are accumulated one record at a
// time by the sstable writer.
func NewTableMetaBuilder(rootPath string) *TableMetaBuilder {
	return &TableMetaBuilder{
		rootPath: rootPath,
		meta: TableMeta{
			CreatedAt: time.Now(),
		},
	}
}

type TableMetaBuilder struct {
	rootPath string
	meta     TableMeta
}

func (b *TableMetaBuilder) WithLevel(l int) *TableMetaBuilder {
	b.meta.Level = l
	return b
}

func (b *TableMetaBuilder) WithGeneration(g uint64) *TableMetaBuilder {
	b.meta.Generation = g
	return b
}

func (b *TableMetaBuilder) WithUuid(s string) *TableMetaBuilder {
	if b.meta.Uuid != "" {
		log.WithFields(log.Fields{"old_uuid": b.meta.Uuid, "new_uuid": s}).Warn("Overwriting table UUID")
	}
	b.meta.Uuid = s
	return b
}

func (b *TableMetaBuilder) WithSize(n int64) *TableMetaBuilder {
	b.meta.SizeBytes = n
	return b
}

// WithRecord folds one record into the descriptor stats. Records arrive in
// ascending key order, so MinKey is only captured once.
func (b *TableMetaBuilder) WithRecord(r *Record) *TableMetaBuilder {
	if b.meta.ItemCount == 0 {
		b.meta.MinKey = append([]byte(nil), r.Key...)
		b.meta.MinTimestamp = r.Timestamp
		b.meta.MaxTimestamp = r.Timestamp
	}

	b.meta.MaxKey = append(b.meta.MaxKey[:0], r.Key...)
	if r.Timestamp < b.meta.MinTimestamp {
		b.meta.MinTimestamp = r.Timestamp
	}
	if r.Timestamp > b.meta.MaxTimestamp {
		b.meta.MaxTimestamp = r.Timestamp
	}
	b.meta.ItemCount++

	return b
}

func (b *TableMetaBuilder) ItemCount() int {
	return b.meta.ItemCount
}

func (b *TableMetaBuilder) Build() (*TableMeta, error) {
	if b.meta.ItemCount == 0 {
		return nil, errors.New("refusing to build a table descriptor with no records")
	}

	if b.meta.Uuid == "" {
		b.meta.Uuid = uuid.NewString()
	}

	if b.meta.DataFilepath == "" {
		b.meta.DataFilepath = path.Join(b.rootPath, b.meta.Uuid+".tbl")
	}
	if b.meta.MetaFilepath == "" {
		b.meta.MetaFilepath = path.Join(b.rootPath, "meta_"+b.meta.Uuid+".json")
	}

	return &b.meta, nil
}

// DataPath is where the writer creates the data file before the descriptor
// is built. It must agree with what Build will produce.
func (b *TableMetaBuilder) DataPath() string {
	if b.meta.Uuid == "" {
		b.meta.Uuid = uuid.NewString()
	}
	if b.meta.DataFilepath == "" {
		b.meta.DataFilepath = path.Join(b.rootPath, b.meta.Uuid+".tbl")
	}
	return b.meta.DataFilepath
}
