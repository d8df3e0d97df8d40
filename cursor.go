package mergetree

// Cursor is a lazy sequential reader over the ordered records of one table.
// Next returns false once the table is exhausted. Errors are either a
// *CorruptionError for content-attributable failures or a plain I/O error.
// Once Next returns an error it keeps returning the same error.
type Cursor interface {
	Next() (*Record, bool, error)
	Close() error
}

// CacheInvalidator drops cached blocks belonging to one data file. It must
// be called whenever a file is found corrupted so that later reads go back
// to disk instead of a cache that may still hold pre-corruption bytes.
type CacheInvalidator interface {
	Invalidate(path string)
}

// NopInvalidator is used when the engine runs without a block cache.
type NopInvalidator struct{}

func (NopInvalidator) Invalidate(string) {}
