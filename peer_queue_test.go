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

package bitswap

import (
	"testing"

	"github.com/blinklabs-io/gobitswap/engine"
	"github.com/blinklabs-io/gobitswap/internal/test"
	"github.com/blinklabs-io/gobitswap/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerQueueReplacesWants(t *testing.T) {
	q := newPeerQueue(10)
	blks := test.GenerateBlocks(t, 2, 16)
	q.addWants([]message.Entry{
		{Cid: blks[0].Cid(), WantType: message.WantTypeHave},
		{Cid: blks[1].Cid(), WantType: message.WantTypeHave},
	})
	q.addWants([]message.Entry{
		{Cid: blks[0].Cid(), WantType: message.WantTypeBlock},
		{Cid: blks[1].Cid(), Cancel: true},
	})
	assert.Equal(t, 2, q.len())
	select {
	case <-q.signal:
	default:
		t.Fatal("queue was not signalled")
	}
	msg := q.take(message.MaxMessageSize)
	require.NotNil(t, msg)
	require.Len(t, msg.Wantlist, 2)
	assert.Equal(t, message.WantTypeBlock, msg.Wantlist[0].WantType)
	assert.True(t, msg.Wantlist[1].Cancel)
	assert.Nil(t, q.take(message.MaxMessageSize))
}

func TestPeerQueueResponseLimit(t *testing.T) {
	q := newPeerQueue(2)
	blks := test.GenerateBlocks(t, 3, 16)
	dropped := q.addResponses([]engine.Response{
		{Cid: blks[0].Cid(), Presence: message.PresenceTypeHave},
		{Cid: blks[1].Cid(), Presence: message.PresenceTypeDontHave},
		{Cid: blks[2].Cid(), Block: blks[2]},
	})
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 1, q.addResponses([]engine.Response{{Cid: blks[2].Cid(), Block: blks[2]}}))
	msg := q.take(message.MaxMessageSize)
	require.NotNil(t, msg)
	assert.Equal(t, test.Cids(blks[:1]), msg.Haves())
	assert.Equal(t, test.Cids(blks[1:2]), msg.DontHaves())
	assert.Empty(t, msg.Blocks)
}

func TestPeerQueueCancelResponses(t *testing.T) {
	q := newPeerQueue(10)
	blks := test.GenerateBlocks(t, 3, 16)
	var responses []engine.Response
	for _, blk := range blks {
		responses = append(responses, engine.Response{Cid: blk.Cid(), Block: blk})
	}
	q.addResponses(responses)
	q.cancelResponses(test.Cids(blks[1:2]))
	msg := q.take(message.MaxMessageSize)
	require.NotNil(t, msg)
	require.Len(t, msg.Blocks, 2)
	assert.Equal(t, blks[0].Cid(), msg.Blocks[0].Cid())
	assert.Equal(t, blks[2].Cid(), msg.Blocks[1].Cid())
}

func TestPeerQueueSplitsBlocks(t *testing.T) {
	q := newPeerQueue(10)
	blks := test.GenerateBlocks(t, 3, 100)
	var responses []engine.Response
	for _, blk := range blks {
		responses = append(responses, engine.Response{Cid: blk.Cid(), Block: blk})
	}
	q.addResponses(responses)
	q.addResponses([]engine.Response{{Cid: blks[0].Cid(), Presence: message.PresenceTypeHave}})
	first := q.take(250)
	require.NotNil(t, first)
	assert.Len(t, first.Blocks, 2)
	assert.Len(t, first.BlockPresences, 1)
	// A block larger than the limit still goes out on its own
	second := q.take(50)
	require.NotNil(t, second)
	assert.Len(t, second.Blocks, 1)
	assert.Equal(t, blks[2].Cid(), second.Blocks[0].Cid())
	assert.Equal(t, 0, q.len())
}
