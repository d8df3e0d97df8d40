package sstable

import (
	db "github.com/sayden/mergetree"
)

// Scan opens a read-only cursor over one table and fully drains it. It
// reports nil for a healthy table and the corruption (or I/O) error
// otherwise; it never touches table-set membership, which makes it usable
// for validating a table outside of compaction.
func Scan(meta *db.TableMeta, cache *BlockCache) error {
	reader, err := NewReader(meta, cache)
	if err != nil {
		return err
	}
	defer reader.Close()

	cursor := reader.Cursor()
	defer cursor.Close()

	for {
		_, ok, err := cursor.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}
