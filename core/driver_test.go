package core

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	db "github.com/sayden/mergetree"
	"github.com/sayden/mergetree/sstable"
)

func newTestEngine(t *testing.T, kind string, parallel bool) *Engine {
	t.Helper()

	cfg := db.NewDefaultConfig()
	cfg.DbPath = t.TempDir()
	cfg.BlockSize = 128
	cfg.BlockCacheSize = 1 << 20
	cfg.Strategy.Kind = kind
	cfg.Strategy.Parallel = parallel

	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	return engine
}

// seedTables flushes numTables disjoint tables of rowsPer unique keys each
// and returns them in min-key order.
func seedTables(t *testing.T, engine *Engine, numTables, rowsPer int) []*db.TableMeta {
	t.Helper()

	for i := 0; i < numTables; i++ {
		batch := make([]*db.Record, 0, rowsPer)
		for j := 0; j < rowsPer; j++ {
			key := fmt.Sprintf("t%02d-k%03d", i, j)
			batch = append(batch, db.NewRecord(key, int64(i*rowsPer+j), []byte("payload of "+key)))
		}
		_, err := engine.Flush(batch)
		require.NoError(t, err)
	}

	tables := engine.Tables()
	require.Len(t, tables, numTables)
	return tables
}

// corruptTable overwrites 25 bytes at a random interior offset of the data
// file and retries until a full scan fails.
func corruptTable(t *testing.T, rng *rand.Rand, meta *db.TableMeta, cache *sstable.BlockCache) {
	t.Helper()

	for attempt := 0; attempt < 100; attempt++ {
		file, err := os.OpenFile(meta.DataFilepath, os.O_RDWR, 0644)
		require.NoError(t, err)

		stat, err := file.Stat()
		require.NoError(t, err)

		garbage := make([]byte, 25)
		rng.Read(garbage)
		pos := rng.Int63n(stat.Size() - 25)

		_, err = file.WriteAt(garbage, pos)
		require.NoError(t, err)
		require.NoError(t, file.Close())

		cache.Invalidate(meta.DataFilepath)
		if sstable.Scan(meta, cache) != nil {
			return
		}
	}

	t.Fatal("could not corrupt table detectably")
}

// collectLiveKeys reads every record of every non-quarantined live table and
// counts how often each key occurs.
func collectLiveKeys(t *testing.T, engine *Engine) map[string]int {
	t.Helper()

	counts := make(map[string]int)
	for _, meta := range engine.Tables() {
		if meta.Corrupted {
			continue
		}

		reader, err := sstable.NewReader(meta, engine.Cache())
		require.NoError(t, err)

		cursor := reader.Cursor()
		for {
			rec, ok, err := cursor.Next()
			require.NoError(t, err)
			if !ok {
				break
			}
			counts[string(rec.Key)]++
		}
		require.NoError(t, cursor.Close())
		require.NoError(t, reader.Close())
	}

	return counts
}

func TestCompactAllSequentialQuarantinesEveryCorruptedTable(t *testing.T) {
	for _, kind := range []string{db.STRATEGY_SIZE_TIERED, db.STRATEGY_LEVELED, db.STRATEGY_UNIFIED} {
		t.Run(kind, func(t *testing.T) {
			engine := newTestEngine(t, kind, false)
			tables := seedTables(t, engine, 20, 8)

			rng := rand.New(rand.NewSource(7))
			corrupted := make([]string, 0, 8)
			for _, meta := range tables[:8] {
				corruptTable(t, rng, meta, engine.Cache())
				corrupted = append(corrupted, meta.Uuid)
			}

			healthyKeys := make(map[string]bool)
			for _, meta := range tables[8:] {
				for j := 0; j < 8; j++ {
					healthyKeys[fmt.Sprintf("%s-k%03d", string(meta.MinKey[:3]), j)] = true
				}
			}

			result, err := engine.Compact(context.Background())
			require.NoError(t, err)

			// one corrupted table interrupts one iteration, every retry makes
			// progress, so the failure count is exact
			assert.Equal(t, 8, result.Failures)
			assert.ElementsMatch(t, corrupted, result.Quarantined)
			assert.LessOrEqual(t, result.Iterations, 20)
			assert.Equal(t, 12, result.MergedTables)

			for _, id := range corrupted {
				assert.True(t, engine.TableSet().IsCorrupted(id))
			}

			// no healthy record was lost or duplicated on the way through the
			// interrupted compactions
			counts := collectLiveKeys(t, engine)
			assert.Len(t, counts, len(healthyKeys))
			for key := range healthyKeys {
				assert.Equal(t, 1, counts[key], "key %s", key)
			}
		})
	}
}

func TestCompactAllParallelBoundsFailedIterations(t *testing.T) {
	engine := newTestEngine(t, db.STRATEGY_UNIFIED, true)
	tables := seedTables(t, engine, 20, 8)

	rng := rand.New(rand.NewSource(11))
	corrupted := make([]string, 0, 8)
	for _, meta := range tables[:8] {
		corruptTable(t, rng, meta, engine.Cache())
		corrupted = append(corrupted, meta.Uuid)
	}

	result, err := engine.Compact(context.Background())
	require.NoError(t, err)

	// concurrent shard jobs can each hit a corrupted table within the same
	// iteration, so the iteration failure count is only bounded, not exact
	assert.GreaterOrEqual(t, result.Failures, 1)
	assert.LessOrEqual(t, result.Failures, 8)
	assert.ElementsMatch(t, corrupted, result.Quarantined)

	counts := collectLiveKeys(t, engine)
	assert.Len(t, counts, 12*8)
	for key, n := range counts {
		assert.Equal(t, 1, n, "key %s", key)
	}
}

func TestCompactAllNothingToDo(t *testing.T) {
	engine := newTestEngine(t, db.STRATEGY_SIZE_TIERED, false)
	seedTables(t, engine, 1, 8)

	result, err := engine.Compact(context.Background())
	require.NoError(t, err)

	assert.Zero(t, result.Iterations)
	assert.Zero(t, result.Failures)
	assert.Empty(t, result.Quarantined)
	assert.Len(t, engine.Tables(), 1)
}

func TestCompactAllStopsOnFatalError(t *testing.T) {
	engine := newTestEngine(t, db.STRATEGY_SIZE_TIERED, false)
	tables := seedTables(t, engine, 3, 8)

	require.NoError(t, os.Remove(tables[1].DataFilepath))

	result, err := engine.Compact(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.False(t, db.IsCorruption(err))

	// an environment failure quarantines nothing and stops the retry loop
	assert.Empty(t, result.Quarantined)
	for _, meta := range tables {
		assert.False(t, engine.TableSet().IsCorrupted(meta.Uuid))
	}
	assert.Len(t, engine.Tables(), 3)
}

func TestCompactAllHonorsContext(t *testing.T) {
	engine := newTestEngine(t, db.STRATEGY_SIZE_TIERED, false)
	seedTables(t, engine, 4, 8)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Compact(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, engine.Tables(), 4)
}
