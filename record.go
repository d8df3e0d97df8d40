package mergetree

import "bytes"

// Record is a single timestamped key-value pair stored in a table. Keys are
// opaque byte strings ordered lexicographically. When the same key appears
// in more than one table, the record with the highest timestamp wins.
type Record struct {
	Key       []byte
	Timestamp int64
	Value     []byte
}

func NewRecord(key string, ts int64, value []byte) *Record {
	return &Record{Key: []byte(key), Timestamp: ts, Value: value}
}

func (r *Record) Compare(other *Record) int {
	return bytes.Compare(r.Key, other.Key)
}

func (r *Record) Equals(other *Record) bool {
	return bytes.Equal(r.Key, other.Key)
}

func (r *Record) LessThan(other *Record) bool {
	return bytes.Compare(r.Key, other.Key) < 0
}

// Clone returns a deep copy. Cursors are allowed to reuse their buffers
// between calls to Next, so anything holding on to a record must copy it.
func (r *Record) Clone() *Record {
	clone := &Record{
		Key:       make([]byte, len(r.Key)),
		Timestamp: r.Timestamp,
		Value:     make([]byte, len(r.Value)),
	}
	copy(clone.Key, r.Key)
	copy(clone.Value, r.Value)
	return clone
}
