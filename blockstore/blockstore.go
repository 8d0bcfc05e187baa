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

// Package blockstore provides the block store collaborator used by the exchange,
// backed by any go-datastore implementation
package blockstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/blinklabs-io/gobitswap/block"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
)

// ErrNotFound is returned when a requested block is not present
var ErrNotFound = errors.New("blockstore: block not found")

// DefaultPrefix is the datastore key namespace for blocks
var DefaultPrefix = datastore.NewKey("/blocks")

// Blockstore is the interface used by the exchange to read and write blocks
type Blockstore interface {
	Get(context.Context, cid.Cid) (blocks.Block, error)
	Has(context.Context, cid.Cid) (bool, error)
	GetSize(context.Context, cid.Cid) (int, error)
	Put(context.Context, blocks.Block) error
	DeleteBlock(context.Context, cid.Cid) error
}

// DatastoreBlockstore stores blocks in a datastore keyed by multihash. Blocks
// with the same multihash but different CID versions share storage
type DatastoreBlockstore struct {
	ds         datastore.Datastore
	prefix     datastore.Key
	hashOnRead bool
}

// BlockstoreOptionFunc is a type that represents functions that modify the blockstore config
type BlockstoreOptionFunc func(*DatastoreBlockstore)

// WithPrefix specifies the datastore key namespace
func WithPrefix(prefix datastore.Key) BlockstoreOptionFunc {
	return func(b *DatastoreBlockstore) {
		b.prefix = prefix
	}
}

// WithHashOnRead specifies whether to verify block data when reading it back
func WithHashOnRead(hashOnRead bool) BlockstoreOptionFunc {
	return func(b *DatastoreBlockstore) {
		b.hashOnRead = hashOnRead
	}
}

// NewBlockstore returns a new blockstore backed by the provided datastore
func NewBlockstore(ds datastore.Datastore, options ...BlockstoreOptionFunc) *DatastoreBlockstore {
	b := &DatastoreBlockstore{
		ds:     ds,
		prefix: DefaultPrefix,
	}
	for _, option := range options {
		option(b)
	}
	return b
}

func (b *DatastoreBlockstore) key(c cid.Cid) datastore.Key {
	return b.prefix.ChildString(c.Hash().B58String())
}

// Get returns the block for the CID, or ErrNotFound
func (b *DatastoreBlockstore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	if !c.Defined() {
		return nil, ErrNotFound
	}
	data, err := b.ds.Get(ctx, b.key(c))
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blockstore get %s: %w", c, err)
	}
	if b.hashOnRead {
		return block.NewBlock(data, c)
	}
	ret, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// Has returns true if the block is present
func (b *DatastoreBlockstore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	if !c.Defined() {
		return false, nil
	}
	has, err := b.ds.Has(ctx, b.key(c))
	if err != nil {
		return false, fmt.Errorf("blockstore has %s: %w", c, err)
	}
	return has, nil
}

// GetSize returns the size of the block payload, or ErrNotFound
func (b *DatastoreBlockstore) GetSize(ctx context.Context, c cid.Cid) (int, error) {
	if !c.Defined() {
		return -1, ErrNotFound
	}
	size, err := b.ds.GetSize(ctx, b.key(c))
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return -1, ErrNotFound
		}
		return -1, fmt.Errorf("blockstore get size %s: %w", c, err)
	}
	return size, nil
}

// Put validates and stores a block
func (b *DatastoreBlockstore) Put(ctx context.Context, blk blocks.Block) error {
	if err := block.Verify(blk); err != nil {
		return err
	}
	k := b.key(blk.Cid())
	// Blocks are immutable, so there's nothing to do if we already have it
	if has, err := b.ds.Has(ctx, k); err == nil && has {
		return nil
	}
	if err := b.ds.Put(ctx, k, blk.RawData()); err != nil {
		return fmt.Errorf("blockstore put %s: %w", blk.Cid(), err)
	}
	return nil
}

// DeleteBlock removes a block
func (b *DatastoreBlockstore) DeleteBlock(ctx context.Context, c cid.Cid) error {
	if err := b.ds.Delete(ctx, b.key(c)); err != nil {
		return fmt.Errorf("blockstore delete %s: %w", c, err)
	}
	return nil
}
