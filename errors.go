package mergetree

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned when a candidate table is already reserved by
	// another in-flight transaction. Transient: retry selection later.
	ErrConflict = errors.New("table already reserved by another transaction")

	// ErrTxAborted signals that a transaction discarded its partial output.
	// It always accompanies the error that caused the abort.
	ErrTxAborted = errors.New("transaction aborted")

	// ErrTxFinished is returned when operating on a committed or aborted
	// transaction.
	ErrTxFinished = errors.New("transaction already in a terminal state")

	ErrUnknownTable = errors.New("table not registered in the table set")

	ErrNoCandidates = errors.New("no candidate tables to compact")
)

// CorruptionError reports a content-attributable integrity violation found
// while reading one table: a checksum mismatch, a malformed block or an
// out-of-order key. It is routine input to the compaction retry loop and is
// never treated as fatal. Failures not attributable to the table's content
// (disk full, permission errors) must not be wrapped in it.
type CorruptionError struct {
	TableID     string
	Path        string
	BlockOffset int64
	Cause       string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupted table %s (%s) at offset %d: %s", e.TableID, e.Path, e.BlockOffset, e.Cause)
}

func NewCorruptionError(tableID, path string, offset int64, cause string) *CorruptionError {
	return &CorruptionError{TableID: tableID, Path: path, BlockOffset: offset, Cause: cause}
}

// IsCorruption reports whether any error in err's chain is a CorruptionError.
func IsCorruption(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// AsCorruption extracts the CorruptionError from err's chain, if present.
func AsCorruption(err error) (*CorruptionError, bool) {
	var ce *CorruptionError
	ok := errors.As(err, &ce)
	return ce, ok
}
