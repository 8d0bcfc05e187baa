// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package blockstore

import (
	"context"
	"errors"

	"github.com/dgraph-io/ristretto"
	lru "github.com/hashicorp/golang-lru/v2"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

const (
	DefaultHasCacheSize      = 64 * 1024
	DefaultBlockCacheMaxCost = 64 * 1024 * 1024
)

// CacheConfig is used to configure a CachedBlockstore
type CacheConfig struct {
	// HasCacheSize is the number of presence/size results to remember
	HasCacheSize int
	// BlockCacheMaxCost is the total payload bytes to keep in memory. A value
	// of 0 disables the payload cache
	BlockCacheMaxCost int64
}

// DefaultCacheConfig returns a CacheConfig with the default sizes
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		HasCacheSize:      DefaultHasCacheSize,
		BlockCacheMaxCost: DefaultBlockCacheMaxCost,
	}
}

// CachedBlockstore wraps a Blockstore with a size cache for Has/GetSize
// lookups and a cost-bounded payload cache for hot blocks
type CachedBlockstore struct {
	bs     Blockstore
	sizes  *lru.Cache[string, int]
	blocks *ristretto.Cache
}

// NewCachedBlockstore returns a new CachedBlockstore wrapping the provided blockstore
func NewCachedBlockstore(bs Blockstore, cfg CacheConfig) (*CachedBlockstore, error) {
	if cfg.HasCacheSize <= 0 {
		cfg.HasCacheSize = DefaultHasCacheSize
	}
	sizes, err := lru.New[string, int](cfg.HasCacheSize)
	if err != nil {
		return nil, err
	}
	c := &CachedBlockstore{
		bs:    bs,
		sizes: sizes,
	}
	if cfg.BlockCacheMaxCost > 0 {
		blockCache, err := ristretto.NewCache(&ristretto.Config{
			// Recommended to be 10x the number of expected items
			NumCounters: max(cfg.BlockCacheMaxCost/1024, 1000),
			MaxCost:     cfg.BlockCacheMaxCost,
			BufferItems: 64,
		})
		if err != nil {
			return nil, err
		}
		c.blocks = blockCache
	}
	return c, nil
}

// Close releases the payload cache
func (c *CachedBlockstore) Close() {
	if c.blocks != nil {
		c.blocks.Close()
	}
}

func cacheKey(k cid.Cid) string {
	return string(k.Hash())
}

// Get returns the block for the CID, or ErrNotFound
func (c *CachedBlockstore) Get(ctx context.Context, k cid.Cid) (blocks.Block, error) {
	key := cacheKey(k)
	if size, ok := c.sizes.Get(key); ok && size < 0 {
		return nil, ErrNotFound
	}
	if c.blocks != nil {
		if tmpData, ok := c.blocks.Get(key); ok {
			if data, ok := tmpData.([]byte); ok {
				ret, err := blocks.NewBlockWithCid(data, k)
				if err == nil {
					return ret, nil
				}
			}
		}
	}
	blk, err := c.bs.Get(ctx, k)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.sizes.Add(key, -1)
		}
		return nil, err
	}
	c.remember(key, blk.RawData())
	return blk, nil
}

// Has returns true if the block is present
func (c *CachedBlockstore) Has(ctx context.Context, k cid.Cid) (bool, error) {
	if size, ok := c.sizes.Get(cacheKey(k)); ok {
		return size >= 0, nil
	}
	size, err := c.GetSize(ctx, k)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return size >= 0, nil
}

// GetSize returns the size of the block payload, or ErrNotFound
func (c *CachedBlockstore) GetSize(ctx context.Context, k cid.Cid) (int, error) {
	key := cacheKey(k)
	if size, ok := c.sizes.Get(key); ok {
		if size < 0 {
			return -1, ErrNotFound
		}
		return size, nil
	}
	size, err := c.bs.GetSize(ctx, k)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.sizes.Add(key, -1)
		}
		return -1, err
	}
	c.sizes.Add(key, size)
	return size, nil
}

// Put stores a block and populates the caches
func (c *CachedBlockstore) Put(ctx context.Context, blk blocks.Block) error {
	key := cacheKey(blk.Cid())
	if size, ok := c.sizes.Get(key); ok && size >= 0 {
		return nil
	}
	if err := c.bs.Put(ctx, blk); err != nil {
		return err
	}
	c.remember(key, blk.RawData())
	return nil
}

// DeleteBlock removes a block and evicts it from the caches
func (c *CachedBlockstore) DeleteBlock(ctx context.Context, k cid.Cid) error {
	key := cacheKey(k)
	c.sizes.Remove(key)
	if c.blocks != nil {
		c.blocks.Del(key)
		// Flush buffered sets so a pending insert can't resurrect the entry
		c.blocks.Wait()
	}
	return c.bs.DeleteBlock(ctx, k)
}

func (c *CachedBlockstore) remember(key string, data []byte) {
	c.sizes.Add(key, len(data))
	if c.blocks != nil {
		c.blocks.Set(key, data, int64(len(data)))
	}
}
