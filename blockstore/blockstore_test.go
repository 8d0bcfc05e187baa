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

package blockstore_test

import (
	"context"
	"testing"

	"github.com/blinklabs-io/gobitswap/blockstore"
	"github.com/blinklabs-io/gobitswap/internal/test"
	"github.com/blinklabs-io/gobitswap/protocol"
	blocks "github.com/ipfs/go-block-format"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBlockstore(t *testing.T, bs blockstore.Blockstore) {
	ctx := context.Background()
	blks := test.GenerateBlocks(t, 3, 512)
	for _, b := range blks[:2] {
		require.NoError(t, bs.Put(ctx, b))
	}
	// Putting the same block again is a no-op
	require.NoError(t, bs.Put(ctx, blks[0]))
	for _, b := range blks[:2] {
		has, err := bs.Has(ctx, b.Cid())
		require.NoError(t, err)
		assert.True(t, has)
		size, err := bs.GetSize(ctx, b.Cid())
		require.NoError(t, err)
		assert.Equal(t, 512, size)
		got, err := bs.Get(ctx, b.Cid())
		require.NoError(t, err)
		assert.Equal(t, b.RawData(), got.RawData())
		assert.True(t, b.Cid().Equals(got.Cid()))
	}
	missing := blks[2].Cid()
	has, err := bs.Has(ctx, missing)
	require.NoError(t, err)
	assert.False(t, has)
	_, err = bs.Get(ctx, missing)
	assert.ErrorIs(t, err, blockstore.ErrNotFound)
	_, err = bs.GetSize(ctx, missing)
	assert.ErrorIs(t, err, blockstore.ErrNotFound)
	// Delete
	require.NoError(t, bs.DeleteBlock(ctx, blks[1].Cid()))
	_, err = bs.Get(ctx, blks[1].Cid())
	assert.ErrorIs(t, err, blockstore.ErrNotFound)
	// Forged blocks are rejected
	forged, err := blocks.NewBlockWithCid([]byte("not the data"), missing)
	require.NoError(t, err)
	err = bs.Put(ctx, forged)
	assert.ErrorIs(t, err, protocol.ErrProtocolViolationHashMismatch)
	has, err = bs.Has(ctx, missing)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestDatastoreBlockstore(t *testing.T) {
	bs := blockstore.NewBlockstore(
		test.NewMapDatastore(),
		blockstore.WithHashOnRead(true),
	)
	testBlockstore(t, bs)
}

func TestCachedBlockstore(t *testing.T) {
	bs, err := blockstore.NewCachedBlockstore(
		blockstore.NewBlockstore(test.NewMapDatastore()),
		blockstore.DefaultCacheConfig(),
	)
	require.NoError(t, err)
	defer bs.Close()
	testBlockstore(t, bs)
}

func TestCachedBlockstoreNoPayloadCache(t *testing.T) {
	bs, err := blockstore.NewCachedBlockstore(
		blockstore.NewBlockstore(test.NewMapDatastore()),
		blockstore.CacheConfig{HasCacheSize: 16},
	)
	require.NoError(t, err)
	defer bs.Close()
	testBlockstore(t, bs)
}
