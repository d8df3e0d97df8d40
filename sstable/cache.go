package sstable

import (
	"container/list"
	"runtime"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// BlockCache is a sharded LRU over decompressed table blocks, keyed by
// (file, block offset). Blocks of one file always land in the same shard,
// which keeps whole-file invalidation a single-shard walk. Only blocks
// whose checksum already verified are admitted.
type BlockCache struct {
	shards []*cacheShard
	mu     sync.RWMutex
	closed bool
}

type cacheKey struct {
	file   uint64
	offset int64
}

type cacheEntry struct {
	key     cacheKey
	data    []byte
	element *list.Element
}

type cacheShard struct {
	mu       sync.Mutex
	capacity int64
	size     int64
	entries  map[cacheKey]*cacheEntry
	lru      *list.List
}

func NewBlockCache(capacity int64) *BlockCache {
	if capacity <= 0 {
		return &BlockCache{}
	}

	numShards := max(4, runtime.GOMAXPROCS(0))
	c := &BlockCache{shards: make([]*cacheShard, numShards)}
	for i := range c.shards {
		c.shards[i] = &cacheShard{
			capacity: max(1, capacity/int64(numShards)),
			entries:  make(map[cacheKey]*cacheEntry),
			lru:      list.New(),
		}
	}

	return c
}

func (c *BlockCache) shardFor(file uint64) *cacheShard {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed || len(c.shards) == 0 {
		return nil
	}
	return c.shards[file%uint64(len(c.shards))]
}

func (c *BlockCache) Get(path string, offset int64) ([]byte, bool) {
	file := xxhash.Sum64String(path)
	shard := c.shardFor(file)
	if shard == nil {
		return nil, false
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, found := shard.entries[cacheKey{file: file, offset: offset}]
	if !found {
		return nil, false
	}
	shard.lru.MoveToFront(entry.element)

	return entry.data, true
}

func (c *BlockCache) Put(path string, offset int64, data []byte) {
	file := xxhash.Sum64String(path)
	shard := c.shardFor(file)
	if shard == nil {
		return
	}

	itemSize := int64(len(data))

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if itemSize > shard.capacity {
		return
	}

	key := cacheKey{file: file, offset: offset}
	if entry, found := shard.entries[key]; found {
		shard.size += itemSize - int64(len(entry.data))
		entry.data = data
		shard.lru.MoveToFront(entry.element)
	} else {
		for shard.size+itemSize > shard.capacity && shard.lru.Len() > 0 {
			shard.evictLRU()
		}
		entry := &cacheEntry{key: key, data: data}
		entry.element = shard.lru.PushFront(entry)
		shard.entries[key] = entry
		shard.size += itemSize
	}
}

// Invalidate drops every cached block of one data file. Called when the
// file is found corrupted and when it is retired, so reads never pass
// against bytes the disk no longer holds.
func (c *BlockCache) Invalidate(path string) {
	file := xxhash.Sum64String(path)
	shard := c.shardFor(file)
	if shard == nil {
		return
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()

	for key, entry := range shard.entries {
		if key.file != file {
			continue
		}
		shard.lru.Remove(entry.element)
		shard.size -= int64(len(entry.data))
		delete(shard.entries, key)
	}
}

func (c *BlockCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := 0
	for _, shard := range c.shards {
		shard.mu.Lock()
		total += len(shard.entries)
		shard.mu.Unlock()
	}
	return total
}

func (c *BlockCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	for _, shard := range c.shards {
		shard.mu.Lock()
		shard.entries = nil
		shard.lru = nil
		shard.size = 0
		shard.mu.Unlock()
	}
	c.shards = nil
}

func (s *cacheShard) evictLRU() {
	back := s.lru.Back()
	if back == nil {
		return
	}
	entry := back.Value.(*cacheEntry)
	s.lru.Remove(back)
	s.size -= int64(len(entry.data))
	delete(s.entries, entry.key)
}
