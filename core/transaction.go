package core

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/thehivecorporation/log"

	db "github.com/sayden/mergetree"
	"github.com/sayden/mergetree/sstable"
)

type TxState int32

const (
	TxPending TxState = iota
	TxRunning
	TxCommitted
	TxAborted
)

var txStateNames = map[TxState]string{
	TxPending:   "pending",
	TxRunning:   "running",
	TxCommitted: "committed",
	TxAborted:   "aborted",
}

func (s TxState) String() string { return txStateNames[s] }

// Transaction binds a fixed input set of tables to the output being built
// from them. It either commits fully (inputs retired, outputs live, one
// atomic registry change) or aborts fully (partial output discarded, no
// input retired). Corruption found mid-merge aborts the transaction, flags
// exactly the offending table, and releases the remaining inputs unflagged
// so a retry can pick them up.
type Transaction struct {
	id    string
	cfg   *db.Config
	set   *db.TableSet
	cache *sstable.BlockCache

	inputs []*db.TableMeta

	mu      sync.Mutex
	state   TxState
	began   bool
	writer  *sstable.Writer
	readers []*sstable.Reader
	marked  []string
}

func NewTransaction(cfg *db.Config, set *db.TableSet, cache *sstable.BlockCache, cs CandidateSet) *Transaction {
	return &Transaction{
		id:     uuid.NewString(),
		cfg:    cfg,
		set:    set,
		cache:  cache,
		inputs: cs.Tables,
	}
}

func (t *Transaction) ID() string { return t.id }

func (t *Transaction) State() TxState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) InputIDs() []string {
	ids := make([]string, 0, len(t.inputs))
	for _, meta := range t.inputs {
		ids = append(ids, meta.Uuid)
	}
	return ids
}

// Begin reserves every input table exclusively for this transaction, or
// none of them. ErrConflict means another in-flight job got there first.
func (t *Transaction) Begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TxPending || t.began {
		return db.ErrTxFinished
	}
	if len(t.inputs) < 2 {
		return db.ErrNoCandidates
	}

	if err := t.set.Reserve(t.id, t.inputIDsLocked()); err != nil {
		return err
	}
	t.began = true

	return nil
}

func (t *Transaction) inputIDsLocked() []string {
	ids := make([]string, 0, len(t.inputs))
	for _, meta := range t.inputs {
		ids = append(ids, meta.Uuid)
	}
	return ids
}

// Run drives the merge to completion and commits. The error taxonomy
// matters here: corruption quarantines a table and comes back joined with
// ErrTxAborted (routine, retryable); anything else aborts without flagging
// and propagates as-is (fatal to the caller, not to the table).
func (t *Transaction) Run(ctx context.Context) error {
	if err := t.enterRunning(); err != nil {
		return err
	}

	output, err := t.merge(ctx)
	if err != nil {
		return t.fail(ctx, err)
	}

	t.mu.Lock()
	if t.state != TxRunning {
		// Aborted externally after the output was sealed but before commit:
		// the output never became visible, drop its files.
		t.cleanupLocked()
		t.mu.Unlock()
		output.RemoveFiles()
		return db.ErrTxAborted
	}

	if err = t.set.ApplyCommit(t.id, t.inputIDsLocked(), []*db.TableMeta{output}); err != nil {
		// ApplyCommit only fails before the registry swap, so nothing
		// became visible and aborting is correct.
		t.state = TxAborted
		t.cleanupLocked()
		t.mu.Unlock()
		output.RemoveFiles()
		return err
	}
	t.state = TxCommitted
	t.mu.Unlock()

	log.WithFields(log.Fields{
		"tx":     t.id,
		"inputs": len(t.inputs),
		"output": output.Uuid,
		"items":  output.ItemCount,
	}).Info("Compaction committed")

	return nil
}

func (t *Transaction) enterRunning() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.began || t.state != TxPending {
		return db.ErrTxFinished
	}
	t.state = TxRunning
	return nil
}

// merge opens the input cursors, k-way merges them and writes the output
// table. It returns the sealed output descriptor without registering it.
func (t *Transaction) merge(ctx context.Context) (*db.TableMeta, error) {
	// The output lands one level above the level being compacted, which is
	// the lowest input level: a leveled candidate drags overlapping tables
	// of the next level in, and the merge of both belongs on that next
	// level, not above it.
	level := t.inputs[0].Level
	for _, meta := range t.inputs {
		if meta.Level < level {
			level = meta.Level
		}
	}
	if level < t.cfg.MaxLevels-1 {
		level++
	}

	for _, meta := range t.inputs {
		if !t.set.MarkSuspect(meta.Uuid) {
			return nil, errors.Join(db.ErrConflict, errors.New("table "+meta.Uuid+" has a scan in flight"))
		}
		t.mu.Lock()
		t.marked = append(t.marked, meta.Uuid)
		t.mu.Unlock()
	}

	mergeInputs := make([]db.MergeInput, 0, len(t.inputs))
	for _, meta := range t.inputs {
		reader, err := sstable.NewReader(meta, t.cache)
		if err != nil {
			return nil, err
		}

		t.mu.Lock()
		if t.state != TxRunning {
			t.mu.Unlock()
			reader.Close()
			return nil, db.ErrTxAborted
		}
		t.readers = append(t.readers, reader)
		t.mu.Unlock()

		mergeInputs = append(mergeInputs, db.MergeInput{Cursor: reader.Cursor(), Generation: meta.Generation})
	}

	writer, err := sstable.NewWriter(t.cfg, level, t.set.NextGeneration())
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.writer = writer
	t.mu.Unlock()

	merged := db.MergeCursors(mergeInputs...)
	defer merged.Close()

	for {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		if t.State() != TxRunning {
			return nil, db.ErrTxAborted
		}

		rec, ok, err := merged.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}

		if err = writer.Append(rec); err != nil {
			return nil, err
		}
	}

	t.closeReaders()

	return writer.Finish()
}

// fail routes an error from the merge through the abort path. Both the
// internal corruption path and an external cancellation converge here, on
// the goroutine that owns the writer and readers.
func (t *Transaction) fail(ctx context.Context, cause error) error {
	if ce, ok := db.AsCorruption(cause); ok {
		if err := t.set.FlagCorrupted(ce.TableID); err != nil && !errors.Is(err, db.ErrUnknownTable) {
			log.WithFields(log.Fields{"tx": t.id, "table": ce.TableID}).
				Error("Failed to persist corruption flag: " + err.Error())
		}
		t.abortFromRun()
		return errors.Join(db.ErrTxAborted, cause)
	}

	t.abortFromRun()

	if errors.Is(cause, db.ErrTxAborted) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Join(db.ErrTxAborted, ctxErr)
		}
		return db.ErrTxAborted
	}

	return cause
}

// Abort moves the transaction to its terminal aborted state. Safe to call
// from any goroutine, any number of times. While Run is in flight the merge
// goroutine owns the writer and the input readers, so Abort only flips the
// state; the merge loop observes the change between records and performs
// the teardown itself. In every other state Abort tears down directly.
func (t *Transaction) Abort() {
	t.mu.Lock()

	switch t.state {
	case TxCommitted, TxAborted:
		t.mu.Unlock()
		return
	case TxRunning:
		t.state = TxAborted
		t.mu.Unlock()
		return
	}

	t.state = TxAborted
	t.cleanupLocked()
	t.mu.Unlock()

	log.WithFields(log.Fields{"tx": t.id, "inputs": len(t.inputs)}).
		Debug("Transaction aborted, partial output discarded")
}

// abortFromRun completes an abort on the goroutine driving Run, the only
// one allowed to touch the writer and the readers.
func (t *Transaction) abortFromRun() {
	t.mu.Lock()
	t.state = TxAborted
	t.cleanupLocked()
	t.mu.Unlock()

	log.WithFields(log.Fields{"tx": t.id, "inputs": len(t.inputs)}).
		Debug("Transaction aborted, partial output discarded")
}

// cleanupLocked abandons the partial output, closes the input readers,
// clears the suspect flags this transaction took and releases its
// reservations. Idempotent; the caller holds t.mu.
func (t *Transaction) cleanupLocked() {
	if t.writer != nil {
		t.writer.Abandon()
		t.writer = nil
	}

	for _, reader := range t.readers {
		reader.Close()
	}
	t.readers = nil

	for _, id := range t.marked {
		t.set.UnmarkSuspect(id)
	}
	t.marked = nil

	if t.began {
		t.set.Release(t.id, t.inputIDsLocked())
	}
}

func (t *Transaction) closeReaders() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, reader := range t.readers {
		reader.Close()
	}
	t.readers = nil
	for _, id := range t.marked {
		t.set.UnmarkSuspect(id)
	}
	t.marked = nil
}
