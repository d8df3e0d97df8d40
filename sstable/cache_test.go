package sstable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockCachePutGet(t *testing.T) {
	cache := NewBlockCache(1 << 20)
	defer cache.Close()

	cache.Put("/data/a.tbl", 0, []byte("block-a0"))
	cache.Put("/data/a.tbl", 512, []byte("block-a1"))
	cache.Put("/data/b.tbl", 0, []byte("block-b0"))

	data, found := cache.Get("/data/a.tbl", 512)
	require.True(t, found)
	assert.Equal(t, []byte("block-a1"), data)

	_, found = cache.Get("/data/a.tbl", 1024)
	assert.False(t, found)
	assert.Equal(t, 3, cache.Len())
}

func TestBlockCacheInvalidateDropsOnlyOneFile(t *testing.T) {
	cache := NewBlockCache(1 << 20)
	defer cache.Close()

	cache.Put("/data/a.tbl", 0, []byte("block-a0"))
	cache.Put("/data/a.tbl", 512, []byte("block-a1"))
	cache.Put("/data/b.tbl", 0, []byte("block-b0"))

	cache.Invalidate("/data/a.tbl")

	_, found := cache.Get("/data/a.tbl", 0)
	assert.False(t, found)
	_, found = cache.Get("/data/a.tbl", 512)
	assert.False(t, found)

	data, found := cache.Get("/data/b.tbl", 0)
	require.True(t, found)
	assert.Equal(t, []byte("block-b0"), data)
}

func TestBlockCacheEvictsUnderPressure(t *testing.T) {
	cache := NewBlockCache(4096)

	block := make([]byte, 256)
	for i := int64(0); i < 100; i++ {
		cache.Put("/data/a.tbl", i*256, block)
	}

	// capacity is split across shards and one file maps to one shard, so at
	// most a shard's worth of blocks survives
	assert.GreaterOrEqual(t, cache.Len(), 1)
	assert.LessOrEqual(t, cache.Len(), 16)

	// the newest block is the one retained
	_, found := cache.Get("/data/a.tbl", 99*256)
	assert.True(t, found)
}

func TestBlockCacheDisabled(t *testing.T) {
	cache := NewBlockCache(0)

	cache.Put("/data/a.tbl", 0, []byte("x"))
	_, found := cache.Get("/data/a.tbl", 0)
	assert.False(t, found)
	assert.Equal(t, 0, cache.Len())

	cache.Invalidate("/data/a.tbl")
	cache.Close()
}

func TestBlockCacheClosedIsInert(t *testing.T) {
	cache := NewBlockCache(1 << 20)
	cache.Put("/data/a.tbl", 0, []byte("x"))
	cache.Close()

	cache.Put("/data/a.tbl", 64, []byte("y"))
	_, found := cache.Get("/data/a.tbl", 0)
	assert.False(t, found)
}
