package core

import (
	"errors"
	"sort"

	"github.com/emirpasic/gods/v2/sets/treeset"
	"github.com/spaolacci/murmur3"

	db "github.com/sayden/mergetree"
)

// CandidateSet is the ordered group of input tables chosen for one
// compaction job.
type CandidateSet struct {
	Tables []*db.TableMeta
}

func (cs CandidateSet) IDs() []string {
	ids := make([]string, 0, len(cs.Tables))
	for _, t := range cs.Tables {
		ids = append(ids, t.Uuid)
	}
	return ids
}

type StrategyKind int

const (
	SizeTieredStrategy StrategyKind = iota
	LeveledStrategy
	UnifiedStrategy
)

// Strategy is a tagged variant rather than an interface: one selection
// function dispatches exhaustively over the kind. Selection only ever sees
// healthy tables (live, unflagged, unreserved), so a quarantined table can
// never re-enter a candidate set.
type Strategy struct {
	Kind     StrategyKind
	Parallel bool

	cfg db.StrategyCfg
}

func NewStrategy(cfg *db.Config) (*Strategy, error) {
	s := &Strategy{cfg: cfg.Strategy, Parallel: cfg.Strategy.Parallel}

	switch cfg.Strategy.Kind {
	case db.STRATEGY_SIZE_TIERED:
		s.Kind = SizeTieredStrategy
	case db.STRATEGY_LEVELED:
		s.Kind = LeveledStrategy
	case db.STRATEGY_UNIFIED:
		s.Kind = UnifiedStrategy
	default:
		return nil, errors.New("unknown strategy kind: " + cfg.Strategy.Kind)
	}

	if s.Parallel && s.Kind != UnifiedStrategy {
		return nil, errors.New("only the unified strategy supports parallel candidate sets")
	}

	return s, nil
}

// MaxConcurrency is how many candidate sets may be merged at once. Above 1
// the sets returned by SelectCandidates are guaranteed disjoint.
func (s *Strategy) MaxConcurrency() int {
	if s.Kind == UnifiedStrategy && s.Parallel {
		return s.cfg.Shards
	}
	return 1
}

// SelectCandidates picks the input sets for the next driver iteration. An
// empty result means there is nothing left worth merging.
func (s *Strategy) SelectCandidates(healthy []*db.TableMeta) []CandidateSet {
	switch s.Kind {
	case SizeTieredStrategy:
		return s.selectSizeTiered(healthy)
	case LeveledStrategy:
		return s.selectLeveled(healthy)
	case UnifiedStrategy:
		return s.selectUnified(healthy)
	default:
		return nil
	}
}

// selectSizeTiered groups tables of similar size: a bucket grows while the
// next table stays within SizeRatio times the smallest table of the bucket.
// One bucket per iteration, sequential execution.
func (s *Strategy) selectSizeTiered(healthy []*db.TableMeta) []CandidateSet {
	if len(healthy) < s.cfg.MinTables {
		return nil
	}

	bySize := make([]*db.TableMeta, len(healthy))
	copy(bySize, healthy)
	sort.Slice(bySize, func(i, j int) bool { return bySize[i].SizeBytes < bySize[j].SizeBytes })

	grouped := treeset.New[string]()

	for i := 0; i < len(bySize); i++ {
		if grouped.Contains(bySize[i].Uuid) {
			continue
		}

		bucket := []*db.TableMeta{bySize[i]}
		floor := float64(max64(bySize[i].SizeBytes, 1))

		for j := i + 1; j < len(bySize) && len(bucket) < s.cfg.MaxTables; j++ {
			if float64(bySize[j].SizeBytes) > floor*s.cfg.SizeRatio {
				break
			}
			bucket = append(bucket, bySize[j])
		}

		if len(bucket) >= s.cfg.MinTables {
			return []CandidateSet{{Tables: bucket}}
		}

		for _, t := range bucket {
			grouped.Add(t.Uuid)
		}
	}

	return nil
}

// selectLeveled compacts the lowest level that exceeded its fanout into the
// next level, dragging in the next level's tables whose key ranges overlap
// the inputs.
func (s *Strategy) selectLeveled(healthy []*db.TableMeta) []CandidateSet {
	byLevel := make(map[int][]*db.TableMeta)
	maxLevel := 0
	for _, t := range healthy {
		byLevel[t.Level] = append(byLevel[t.Level], t)
		if t.Level > maxLevel {
			maxLevel = t.Level
		}
	}

	for level := 0; level <= maxLevel; level++ {
		tables := byLevel[level]
		if len(tables) < s.cfg.LevelFanout || len(tables) < s.cfg.MinTables {
			continue
		}

		candidate := append([]*db.TableMeta(nil), tables...)
		for _, upper := range byLevel[level+1] {
			for _, t := range tables {
				if t.Overlaps(upper) {
					candidate = append(candidate, upper)
					break
				}
			}
		}

		if len(candidate) > s.cfg.MaxTables {
			candidate = candidate[:s.cfg.MaxTables]
		}

		return []CandidateSet{{Tables: candidate}}
	}

	return nil
}

// selectUnified partitions the table space into disjoint shards by hashing
// table identity and merges each shard independently. With one shard it
// degenerates to the sequential variants; with Parallel it returns several
// non-overlapping candidate sets runnable as concurrent jobs.
func (s *Strategy) selectUnified(healthy []*db.TableMeta) []CandidateSet {
	shards := 1
	if s.Parallel {
		shards = s.cfg.Shards
	}

	groups := make([][]*db.TableMeta, shards)
	for _, t := range healthy {
		shard := int(murmur3.Sum64([]byte(t.Uuid)) % uint64(shards))
		groups[shard] = append(groups[shard], t)
	}

	result := make([]CandidateSet, 0, shards)
	for _, group := range groups {
		if len(group) < s.cfg.MinTables {
			continue
		}
		if len(group) > s.cfg.MaxTables {
			group = group[:s.cfg.MaxTables]
		}
		result = append(result, CandidateSet{Tables: group})
	}

	return result
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
