package core

import (
	"context"
	"errors"
	"sync"

	"github.com/thehivecorporation/log"

	db "github.com/sayden/mergetree"
	"github.com/sayden/mergetree/sstable"
)

// Result is the aggregated outcome of one CompactAll run. Corruption never
// surfaces as an error from the driver: it is accounted here and the caller
// decides whether "N tables quarantined, M merged" is acceptable.
type Result struct {
	MergedTables int
	OutputTables int
	Quarantined  []string
	// Failures counts driver iterations interrupted by corruption. Under a
	// sequential strategy each failed iteration surfaces exactly one
	// corrupted table; under the parallel strategy several concurrent jobs
	// can each quarantine one table within a single failed iteration, so
	// Failures may be lower than the number of quarantined tables.
	Failures   int
	Iterations int
}

type jobOutcome struct {
	inputs int
	err    error
}

// Driver runs the compaction retry loop: ask the strategy for candidate
// sets, run one transaction per set, and keep iterating while corruption
// keeps interrupting jobs. Quarantined tables drop out of selection on the
// next iteration because the strategy only ever sees healthy tables.
type Driver struct {
	cfg      *db.Config
	set      *db.TableSet
	cache    *sstable.BlockCache
	strategy *Strategy
}

func NewDriver(cfg *db.Config, set *db.TableSet, cache *sstable.BlockCache, strategy *Strategy) *Driver {
	return &Driver{cfg: cfg, set: set, cache: cache, strategy: strategy}
}

// CompactAll merges every healthy table the strategy considers worth
// merging. The loop is bounded by the number of live tables at entry: even
// if every single iteration quarantines a table, it terminates.
func (d *Driver) CompactAll(ctx context.Context) (*Result, error) {
	result := &Result{}

	limit := d.set.Len()
	for i := 0; i < limit; i++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		sets := d.strategy.SelectCandidates(d.set.Healthy())
		if len(sets) == 0 {
			break
		}
		result.Iterations++

		outcomes := d.runJobs(ctx, sets)

		failed := false
		var fatal error
		for _, out := range outcomes {
			switch {
			case out.err == nil:
				result.MergedTables += out.inputs
				result.OutputTables++
			case db.IsCorruption(out.err):
				failed = true
				if ce, ok := db.AsCorruption(out.err); ok {
					result.Quarantined = append(result.Quarantined, ce.TableID)
				}
			case errors.Is(out.err, db.ErrConflict):
				// Transient: the tables will be free again next iteration.
			case fatal == nil:
				fatal = out.err
			}
		}

		if failed {
			result.Failures++
		}
		if fatal != nil {
			return result, fatal
		}
	}

	log.WithFields(log.Fields{
		"iterations":  result.Iterations,
		"merged":      result.MergedTables,
		"outputs":     result.OutputTables,
		"quarantined": len(result.Quarantined),
	}).Info("Compaction finished")

	return result, nil
}

// runJobs executes one transaction per candidate set, concurrently up to
// the strategy's limit. No lock is held across a job: each transaction
// coordinates through the table set's own reservations.
func (d *Driver) runJobs(ctx context.Context, sets []CandidateSet) []jobOutcome {
	outcomes := make([]jobOutcome, len(sets))

	maxConcurrency := d.strategy.MaxConcurrency()
	if maxConcurrency <= 1 || len(sets) == 1 {
		for i, cs := range sets {
			outcomes[i] = d.runJob(ctx, cs)
		}
		return outcomes
	}

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	for i, cs := range sets {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, cs CandidateSet) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = d.runJob(ctx, cs)
		}(i, cs)
	}
	wg.Wait()

	return outcomes
}

func (d *Driver) runJob(ctx context.Context, cs CandidateSet) jobOutcome {
	tx := NewTransaction(d.cfg, d.set, d.cache, cs)

	if err := tx.Begin(); err != nil {
		return jobOutcome{inputs: len(cs.Tables), err: err}
	}

	err := tx.Run(ctx)
	if err != nil && db.IsCorruption(err) {
		log.WithFields(log.Fields{"tx": tx.ID(), "inputs": len(cs.Tables)}).
			Info("Compaction job interrupted by corruption, table quarantined")
	}

	return jobOutcome{inputs: len(cs.Tables), err: err}
}
