package core

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	db "github.com/sayden/mergetree"
	"github.com/sayden/mergetree/sstable"
)

func healthyCandidates(t *testing.T, engine *Engine) CandidateSet {
	t.Helper()
	cs := CandidateSet{Tables: engine.TableSet().Healthy()}
	require.GreaterOrEqual(t, len(cs.Tables), 2)
	return cs
}

func TestTransactionCommitMergesAllInputs(t *testing.T) {
	engine := newTestEngine(t, db.STRATEGY_SIZE_TIERED, false)
	seedTables(t, engine, 3, 10)

	tx := NewTransaction(engine.cfg, engine.set, engine.cache, healthyCandidates(t, engine))
	require.NoError(t, tx.Begin())
	require.NoError(t, tx.Run(context.Background()))

	assert.Equal(t, TxCommitted, tx.State())
	require.Equal(t, 1, engine.TableSet().Len())

	output := engine.Tables()[0]
	assert.Equal(t, 30, output.ItemCount)
	assert.Equal(t, 1, output.Level)
	assert.NoError(t, sstable.Scan(output, engine.Cache()))

	// the retired input files are gone, only the output remains
	dataFiles, err := filepath.Glob(filepath.Join(engine.cfg.DbPath, "*.tbl"))
	require.NoError(t, err)
	assert.Len(t, dataFiles, 1)
}

func TestTransactionCorruptionFlagsOnlyTheOffender(t *testing.T) {
	engine := newTestEngine(t, db.STRATEGY_SIZE_TIERED, false)
	tables := seedTables(t, engine, 3, 10)

	rng := rand.New(rand.NewSource(3))
	bad := tables[1]
	corruptTable(t, rng, bad, engine.Cache())

	tx := NewTransaction(engine.cfg, engine.set, engine.cache, healthyCandidates(t, engine))
	require.NoError(t, tx.Begin())

	err := tx.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, db.ErrTxAborted)
	assert.True(t, db.IsCorruption(err))
	assert.Equal(t, TxAborted, tx.State())

	set := engine.TableSet()
	assert.True(t, set.IsCorrupted(bad.Uuid))
	assert.False(t, set.IsCorrupted(tables[0].Uuid))
	assert.False(t, set.IsCorrupted(tables[2].Uuid))

	// no input was retired and the partial output was discarded
	assert.Equal(t, 3, set.Len())
	dataFiles, globErr := filepath.Glob(filepath.Join(engine.cfg.DbPath, "*.tbl"))
	require.NoError(t, globErr)
	assert.Len(t, dataFiles, 3)

	// the healthy inputs are free for the next attempt
	require.NoError(t, set.Reserve("retry", []string{tables[0].Uuid, tables[2].Uuid}))
}

func TestTransactionBeginConflicts(t *testing.T) {
	engine := newTestEngine(t, db.STRATEGY_SIZE_TIERED, false)
	seedTables(t, engine, 3, 10)

	cs := healthyCandidates(t, engine)

	tx1 := NewTransaction(engine.cfg, engine.set, engine.cache, cs)
	require.NoError(t, tx1.Begin())

	tx2 := NewTransaction(engine.cfg, engine.set, engine.cache, cs)
	assert.ErrorIs(t, tx2.Begin(), db.ErrConflict)

	tx1.Abort()
	require.NoError(t, tx2.Begin())
}

func TestTransactionRequiresTwoInputs(t *testing.T) {
	engine := newTestEngine(t, db.STRATEGY_SIZE_TIERED, false)
	tables := seedTables(t, engine, 2, 10)

	tx := NewTransaction(engine.cfg, engine.set, engine.cache, CandidateSet{Tables: tables[:1]})
	assert.ErrorIs(t, tx.Begin(), db.ErrNoCandidates)
}

func TestTransactionAbortIsIdempotent(t *testing.T) {
	engine := newTestEngine(t, db.STRATEGY_SIZE_TIERED, false)
	tables := seedTables(t, engine, 2, 10)

	tx := NewTransaction(engine.cfg, engine.set, engine.cache, healthyCandidates(t, engine))
	require.NoError(t, tx.Begin())

	tx.Abort()
	tx.Abort()
	assert.Equal(t, TxAborted, tx.State())

	// a finished transaction cannot be rerun or rebegun
	assert.ErrorIs(t, tx.Run(context.Background()), db.ErrTxFinished)
	assert.ErrorIs(t, tx.Begin(), db.ErrTxFinished)

	// the reservations were released
	ids := []string{tables[0].Uuid, tables[1].Uuid}
	require.NoError(t, engine.TableSet().Reserve("next", ids))
}

func TestTransactionAbortFromAnotherGoroutine(t *testing.T) {
	engine := newTestEngine(t, db.STRATEGY_SIZE_TIERED, false)
	seedTables(t, engine, 4, 400)

	tx := NewTransaction(engine.cfg, engine.set, engine.cache, healthyCandidates(t, engine))
	require.NoError(t, tx.Begin())

	done := make(chan error, 1)
	go func() { done <- tx.Run(context.Background()) }()

	time.Sleep(2 * time.Millisecond)
	tx.Abort()
	err := <-done

	set := engine.TableSet()
	switch tx.State() {
	case TxAborted:
		require.Error(t, err)
		assert.ErrorIs(t, err, db.ErrTxAborted)
		assert.Equal(t, 4, set.Len())
	case TxCommitted:
		// the merge won the race; that is a valid outcome too
		require.NoError(t, err)
		assert.Equal(t, 1, set.Len())
	default:
		t.Fatalf("transaction left in state %s", tx.State())
	}

	// whichever side won, no reservation or suspect flag may leak and no
	// partial output may remain on disk
	live := set.Live()
	ids := make([]string, 0, len(live))
	for _, meta := range live {
		ids = append(ids, meta.Uuid)
		assert.True(t, set.MarkSuspect(meta.Uuid))
		set.UnmarkSuspect(meta.Uuid)
	}
	require.NoError(t, set.Reserve("next", ids))

	dataFiles, globErr := filepath.Glob(filepath.Join(engine.cfg.DbPath, "*.tbl"))
	require.NoError(t, globErr)
	assert.Len(t, dataFiles, len(live))
}

func TestTransactionFatalErrorLeavesTablesUnflagged(t *testing.T) {
	engine := newTestEngine(t, db.STRATEGY_SIZE_TIERED, false)
	tables := seedTables(t, engine, 3, 10)

	// losing the file handle is an environment failure, not evidence
	// against the table's content
	require.NoError(t, os.Remove(tables[1].DataFilepath))

	tx := NewTransaction(engine.cfg, engine.set, engine.cache, healthyCandidates(t, engine))
	require.NoError(t, tx.Begin())

	err := tx.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.False(t, db.IsCorruption(err))
	assert.Equal(t, TxAborted, tx.State())

	set := engine.TableSet()
	for _, meta := range tables {
		assert.False(t, set.IsCorrupted(meta.Uuid))
	}
	require.NoError(t, set.Reserve("next", []string{tables[0].Uuid, tables[2].Uuid}))
}

func TestTransactionYieldsToScanInFlight(t *testing.T) {
	engine := newTestEngine(t, db.STRATEGY_SIZE_TIERED, false)
	tables := seedTables(t, engine, 3, 10)

	set := engine.TableSet()
	require.True(t, set.MarkSuspect(tables[1].Uuid))

	tx := NewTransaction(engine.cfg, engine.set, engine.cache, healthyCandidates(t, engine))
	require.NoError(t, tx.Begin())

	err := tx.Run(context.Background())
	assert.ErrorIs(t, err, db.ErrConflict)
	assert.Equal(t, TxAborted, tx.State())

	// the scanner keeps its flag, the flags the transaction took are gone
	assert.False(t, set.MarkSuspect(tables[1].Uuid))
	assert.True(t, set.MarkSuspect(tables[0].Uuid))
	set.UnmarkSuspect(tables[0].Uuid)
	set.UnmarkSuspect(tables[1].Uuid)

	require.NoError(t, set.Reserve("next", []string{tables[0].Uuid, tables[2].Uuid}))
}

func TestTransactionOutputLevelFollowsSourceLevel(t *testing.T) {
	engine := newTestEngine(t, db.STRATEGY_LEVELED, false)
	seedTables(t, engine, 2, 10)

	// one table already sits on the next level, as when a leveled candidate
	// drags an overlapping upper table in
	writer, err := sstable.NewWriter(engine.cfg, 1, engine.set.NextGeneration())
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, writer.Append(db.NewRecord(fmt.Sprintf("upper-k%03d", i), 1, []byte("u"))))
	}
	upper, err := writer.Finish()
	require.NoError(t, err)
	require.NoError(t, engine.set.Add(upper))

	tx := NewTransaction(engine.cfg, engine.set, engine.cache, healthyCandidates(t, engine))
	require.NoError(t, tx.Begin())
	require.NoError(t, tx.Run(context.Background()))

	require.Equal(t, 1, engine.TableSet().Len())
	assert.Equal(t, 1, engine.Tables()[0].Level)
}

func TestTransactionRunHonorsContext(t *testing.T) {
	engine := newTestEngine(t, db.STRATEGY_SIZE_TIERED, false)
	tables := seedTables(t, engine, 2, 10)

	tx := NewTransaction(engine.cfg, engine.set, engine.cache, healthyCandidates(t, engine))
	require.NoError(t, tx.Begin())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tx.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, TxAborted, tx.State())

	// cancellation does not quarantine anything
	for _, meta := range tables {
		assert.False(t, engine.TableSet().IsCorrupted(meta.Uuid))
	}
	require.NoError(t, engine.TableSet().Reserve("next", []string{tables[0].Uuid, tables[1].Uuid}))
}
