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

// Package block provides helpers for creating and validating content-addressed
// blocks. A block's CID is never trusted on its own: it must match the digest
// of the payload under the hash function named by the CID.
package block

import (
	"fmt"

	"github.com/blinklabs-io/gobitswap/protocol"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// DefaultPrefix is the CID prefix used for new raw blocks
var DefaultPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.Raw,
	MhType:   mh.SHA2_256,
	MhLength: -1,
}

// Verify checks that the block's payload hashes to its CID
func Verify(b blocks.Block) error {
	if b == nil {
		return fmt.Errorf("%w: nil block", protocol.ErrProtocolViolationInvalidMessage)
	}
	return VerifyData(b.Cid(), b.RawData())
}

// VerifyData checks that data hashes to the provided CID
func VerifyData(c cid.Cid, data []byte) error {
	if !c.Defined() {
		return fmt.Errorf("%w: undefined CID", protocol.ErrProtocolViolationInvalidMessage)
	}
	chk, err := c.Prefix().Sum(data)
	if err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrProtocolViolationInvalidMessage, err)
	}
	if !chk.Equals(c) {
		return fmt.Errorf(
			"%w: expected %s, got %s",
			protocol.ErrProtocolViolationHashMismatch,
			c,
			chk,
		)
	}
	return nil
}

// NewBlock returns a block for the data after verifying it against the CID
func NewBlock(data []byte, c cid.Cid) (blocks.Block, error) {
	if err := VerifyData(c, data); err != nil {
		return nil, err
	}
	return newBlockWithCid(data, c)
}

// NewBlockFromPrefix computes the CID for the data using the provided prefix
func NewBlockFromPrefix(data []byte, prefix cid.Prefix) (blocks.Block, error) {
	c, err := prefix.Sum(data)
	if err != nil {
		return nil, err
	}
	return newBlockWithCid(data, c)
}

// NewRawBlock returns a CIDv1 raw block using SHA2-256
func NewRawBlock(data []byte) (blocks.Block, error) {
	return NewBlockFromPrefix(data, DefaultPrefix)
}

func newBlockWithCid(data []byte, c cid.Cid) (blocks.Block, error) {
	b, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return nil, err
	}
	return b, nil
}
