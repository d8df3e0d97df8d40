package metrics

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sayden/mergetree/core"
)

// Metrics wraps an engine and keeps running counters over its operations.
// Readings are cheap atomics so the status server can poll them while
// compactions run.
type Metrics struct {
	engine *core.Engine

	compactions      atomic.Int64
	mergedTables     atomic.Int64
	quarantined      atomic.Int64
	failedIterations atomic.Int64
	scans            atomic.Int64
	scanFailures     atomic.Int64
}

func New(engine *core.Engine) *Metrics {
	return &Metrics{engine: engine}
}

func (m *Metrics) Compact(ctx context.Context) (*core.Result, error) {
	now := time.Now()

	result, err := m.engine.Compact(ctx)

	elapsed := time.Since(now)
	m.compactions.Add(1)
	if result != nil {
		m.mergedTables.Add(int64(result.MergedTables))
		m.quarantined.Add(int64(len(result.Quarantined)))
		m.failedIterations.Add(int64(result.Failures))

		log.Debug().Fields(map[string]interface{}{
			"elapsed":     elapsed,
			"iterations":  result.Iterations,
			"merged":      result.MergedTables,
			"quarantined": len(result.Quarantined),
		}).Msg("Compact")
	}

	return result, err
}

func (m *Metrics) Scan(id string) error {
	now := time.Now()

	err := m.engine.Scan(id)

	m.scans.Add(1)
	if err != nil {
		m.scanFailures.Add(1)
	}
	log.Debug().Fields(map[string]interface{}{
		"elapsed": time.Since(now),
		"table":   id,
		"ok":      err == nil,
	}).Msg("Scan")

	return err
}

func (m *Metrics) Engine() *core.Engine {
	return m.engine
}

type Snapshot struct {
	Compactions      int64 `json:"compactions"`
	MergedTables     int64 `json:"merged_tables"`
	Quarantined      int64 `json:"quarantined"`
	FailedIterations int64 `json:"failed_iterations"`
	Scans            int64 `json:"scans"`
	ScanFailures     int64 `json:"scan_failures"`
	LiveTables       int   `json:"live_tables"`
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Compactions:      m.compactions.Load(),
		MergedTables:     m.mergedTables.Load(),
		Quarantined:      m.quarantined.Load(),
		FailedIterations: m.failedIterations.Load(),
		Scans:            m.scans.Load(),
		ScanFailures:     m.scanFailures.Load(),
		LiveTables:       len(m.engine.Tables()),
	}
}
