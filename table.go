package mergetree

import (
	"encoding/json"
	"errors"
	"os"
	"time"
)

// TableMeta is the descriptor of one immutable on-disk table. It is stored
// as a JSON sidecar next to the data file so the registry can be rebuilt by
// scanning the directory. The Corrupted flag is part of the sidecar: a table
// quarantined before a crash stays quarantined after restart.
type TableMeta struct {
	Uuid         string    `json:"uuid"`
	CreatedAt    time.Time `json:"created_at"`
	Generation   uint64    `json:"generation"`
	Level        int       `json:"level"`
	ItemCount    int       `json:"item_count"`
	MinTimestamp int64     `json:"min_timestamp"`
	MaxTimestamp int64     `json:"max_timestamp"`
	SizeBytes    int64     `json:"size_bytes"`
	MinKey       []byte    `json:"min_key"`
	MaxKey       []byte    `json:"max_key"`
	Corrupted    bool      `json:"corrupted"`

	DataFilepath string `json:"data_filepath"`
	MetaFilepath string `json:"-"`
}

func (m *TableMeta) UUID() string {
	return m.Uuid
}

func (m *TableMeta) Equals(other *TableMeta) bool {
	return m.Uuid == other.Uuid
}

// Overlaps reports whether the key ranges of both tables intersect.
func (m *TableMeta) Overlaps(other *TableMeta) bool {
	if len(m.MinKey) == 0 || len(other.MinKey) == 0 {
		return false
	}
	return string(m.MinKey) <= string(other.MaxKey) && string(other.MinKey) <= string(m.MaxKey)
}

// OpenMeta reads a table descriptor from its JSON sidecar file.
func OpenMeta(p string) (*TableMeta, error) {
	file, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	meta := &TableMeta{}
	if err = json.NewDecoder(file).Decode(meta); err != nil {
		return nil, errors.Join(errors.New("failed to decode table meta "+p), err)
	}
	meta.MetaFilepath = p

	return meta, nil
}

// WriteMeta persists the descriptor to its sidecar file, replacing any
// previous content. Used on creation and when the corrupted flag is set.
func (m *TableMeta) WriteMeta() error {
	file, err := os.Create(m.MetaFilepath)
	if err != nil {
		return errors.Join(errors.New("failed to create table meta "+m.MetaFilepath), err)
	}

	if err = json.NewEncoder(file).Encode(m); err != nil {
		file.Close()
		return errors.Join(errors.New("failed to encode table meta"), err)
	}

	if err = file.Sync(); err != nil {
		file.Close()
		return err
	}

	return file.Close()
}

// RemoveFiles deletes the data file and the meta sidecar of an obsolete
// table. Missing files are not an error: removal may be retried.
func (m *TableMeta) RemoveFiles() error {
	errs := make([]error, 0)

	if err := os.Remove(m.DataFilepath); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	if err := os.Remove(m.MetaFilepath); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
