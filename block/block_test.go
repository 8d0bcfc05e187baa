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

package block_test

import (
	"errors"
	"testing"

	"github.com/blinklabs-io/gobitswap/block"
	"github.com/blinklabs-io/gobitswap/protocol"
	blocks "github.com/ipfs/go-block-format"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRawBlock(t *testing.T) {
	b, err := block.NewRawBlock([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(
		t,
		"bafkreifzjut3te2nhyekklss27nh3k72ysco7y32koao5eei66wof36n5e",
		b.Cid().String(),
	)
	assert.NoError(t, block.Verify(b))
}

func TestVerifyHashMismatch(t *testing.T) {
	good, err := block.NewRawBlock([]byte("good data"))
	require.NoError(t, err)
	// Pair the CID with a different payload, skipping validation
	forged, err := blocks.NewBlockWithCid([]byte("bad data"), good.Cid())
	require.NoError(t, err)
	err = block.Verify(forged)
	if !errors.Is(err, protocol.ErrProtocolViolationHashMismatch) {
		t.Fatalf("did not get expected error: got %v", err)
	}
	_, err = block.NewBlock([]byte("bad data"), good.Cid())
	assert.ErrorIs(t, err, protocol.ErrProtocolViolationHashMismatch)
}

func TestVerifyLegacyCid(t *testing.T) {
	// CIDv0 blocks use SHA2-256 and the dag-pb codec
	b := blocks.NewBlock([]byte("legacy block"))
	assert.Equal(t, uint64(0), b.Cid().Version())
	assert.NoError(t, block.Verify(b))
}
