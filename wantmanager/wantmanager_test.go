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

package wantmanager_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/blinklabs-io/gobitswap/blockstore"
	"github.com/blinklabs-io/gobitswap/internal/test"
	"github.com/blinklabs-io/gobitswap/ledger"
	"github.com/blinklabs-io/gobitswap/message"
	"github.com/blinklabs-io/gobitswap/protocol"
	"github.com/blinklabs-io/gobitswap/wantmanager"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type testSubscriber struct {
	mutex  sync.Mutex
	events []wantmanager.Event
}

func (s *testSubscriber) HandleWantEvent(evt wantmanager.Event) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.events = append(s.events, evt)
}

func (s *testSubscriber) Events() []wantmanager.Event {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	ret := make([]wantmanager.Event, len(s.events))
	copy(ret, s.events)
	return ret
}

type testEnv struct {
	wm     *wantmanager.WantManager
	sender *test.FakeSender
	bs     blockstore.Blockstore
	ledger *ledger.Ledger
}

func newTestEnv(t *testing.T, options ...wantmanager.WantManagerOptionFunc) *testEnv {
	t.Helper()
	env := &testEnv{
		sender: test.NewFakeSender(test.PeerId("a"), test.PeerId("b"), test.PeerId("c")),
		bs:     blockstore.NewBlockstore(test.NewMapDatastore()),
		ledger: ledger.New(ledger.NewConfig()),
	}
	opts := append(
		[]wantmanager.WantManagerOptionFunc{
			wantmanager.WithSender(env.sender),
			wantmanager.WithBlockstore(env.bs),
			wantmanager.WithLedger(env.ledger),
		},
		options...,
	)
	env.wm = wantmanager.New(wantmanager.NewConfig(opts...))
	env.wm.Start()
	t.Cleanup(env.wm.Stop)
	return env
}

func waitHandle(t *testing.T, h *wantmanager.Handle) (blocks.Block, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	blk, err := h.Wait(ctx)
	if err == context.DeadlineExceeded {
		t.Fatalf("timed out waiting for want to resolve")
	}
	return blk, err
}

func TestHashMismatchRejected(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t)
	blks := test.GenerateBlocks(t, 2, 64)
	target := blks[0].Cid()
	h, err := env.wm.Want(context.Background(), target, 1, message.WantTypeBlock)
	require.NoError(t, err)
	// Payload of the second block claiming to be the first
	forged, err := blocks.NewBlockWithCid(blks[1].RawData(), target)
	require.NoError(t, err)
	msg := message.New(false)
	msg.AddBlock(forged)
	err = env.wm.ReceiveMessage(context.Background(), test.PeerId("a"), msg)
	assert.ErrorIs(t, err, protocol.ErrProtocolViolationHashMismatch)
	assert.True(t, protocol.IsProtocolViolation(err))
	// Make sure any queued commands have run
	assert.Equal(t, 1, env.wm.NumWants())
	_, err = h.Result()
	assert.ErrorIs(t, err, wantmanager.ErrWantPending)
	has, err := env.bs.Has(context.Background(), target)
	require.NoError(t, err)
	assert.False(t, has)
	receipt, ok := env.ledger.Receipt(test.PeerId("a"))
	require.True(t, ok)
	assert.Equal(t, uint64(1), receipt.Penalties)
	assert.Equal(t, uint64(0), receipt.BlocksReceived)
	env.wm.Stop()
}

func TestDedupAcrossSessions(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t)
	blk := test.GenerateBlocks(t, 1, 128)[0]
	peerA := test.PeerId("a")
	var handles []*wantmanager.Handle
	var subscribers []*testSubscriber
	for i := range 3 {
		sub := &testSubscriber{}
		h, err := env.wm.Want(
			context.Background(),
			blk.Cid(),
			int32(i),
			message.WantTypeHave,
			wantmanager.WithSession(uint64(i+1), sub),
		)
		require.NoError(t, err)
		handles = append(handles, h)
		subscribers = append(subscribers, sub)
		// Every session asks the same peer
		require.NoError(t, env.wm.SendWants(peerA, []message.Entry{
			{Cid: blk.Cid(), WantType: message.WantTypeHave, SendDontHave: true},
		}))
	}
	assert.Len(t, env.wm.SentTo(peerA), 1)
	wants := env.sender.Wants(peerA)
	require.Len(t, wants, 1)
	// Sent with the priority known when it first went out
	assert.Equal(t, int32(0), wants[0].Priority)
	msg := message.New(false)
	msg.AddBlock(blk)
	require.NoError(t, env.wm.ReceiveMessage(context.Background(), peerA, msg))
	for _, h := range handles {
		got, err := waitHandle(t, h)
		require.NoError(t, err)
		assert.Equal(t, blk.RawData(), got.RawData())
	}
	assert.Equal(t, 0, env.wm.NumWants())
	assert.Empty(t, env.wm.SentTo(peerA))
	// The sending peer doesn't get a cancel
	assert.Empty(t, env.sender.Cancels(peerA))
	for _, sub := range subscribers {
		events := sub.Events()
		require.Len(t, events, 1)
		assert.Equal(t, wantmanager.EventBlockReceived, events[0].Type)
		assert.Equal(t, peerA, events[0].Peer)
	}
	has, err := env.bs.Has(context.Background(), blk.Cid())
	require.NoError(t, err)
	assert.True(t, has)
	receipt, ok := env.ledger.Receipt(peerA)
	require.True(t, ok)
	assert.Equal(t, uint64(1), receipt.BlocksReceived)
	env.wm.Stop()
}

func TestWantUpgrade(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t)
	blk := test.GenerateBlocks(t, 1, 32)[0]
	peerA := test.PeerId("a")
	_, err := env.wm.Want(context.Background(), blk.Cid(), 1, message.WantTypeHave)
	require.NoError(t, err)
	have := message.Entry{Cid: blk.Cid(), WantType: message.WantTypeHave}
	wantBlock := message.Entry{Cid: blk.Cid(), WantType: message.WantTypeBlock}
	require.NoError(t, env.wm.SendWants(peerA, []message.Entry{have}))
	require.NoError(t, env.wm.SendWants(peerA, []message.Entry{wantBlock}))
	// Neither of these should go out again
	require.NoError(t, env.wm.SendWants(peerA, []message.Entry{wantBlock}))
	require.NoError(t, env.wm.SendWants(peerA, []message.Entry{have}))
	sentTo := env.wm.SentTo(peerA)
	require.Len(t, sentTo, 1)
	assert.Equal(t, message.WantTypeBlock, sentTo[0].WantType)
	wants := env.sender.Wants(peerA)
	require.Len(t, wants, 2)
	assert.Equal(t, message.WantTypeHave, wants[0].WantType)
	assert.Equal(t, message.WantTypeBlock, wants[1].WantType)
	env.wm.Stop()
}

func TestSendWantsUnwantedOrDisconnected(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t)
	blks := test.GenerateBlocks(t, 2, 32)
	_, err := env.wm.Want(context.Background(), blks[0].Cid(), 1, message.WantTypeBlock)
	require.NoError(t, err)
	// Not wanted locally
	require.NoError(t, env.wm.SendWants(test.PeerId("a"), []message.Entry{{Cid: blks[1].Cid()}}))
	// Not connected
	require.NoError(t, env.wm.SendWants(test.PeerId("z"), []message.Entry{{Cid: blks[0].Cid()}}))
	assert.Empty(t, env.wm.SentTo(test.PeerId("a")))
	assert.Empty(t, env.wm.SentTo(test.PeerId("z")))
	assert.Empty(t, env.sender.Sent(test.PeerId("a")))
	env.wm.Stop()
}

func TestCancelIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t)
	blks := test.GenerateBlocks(t, 2, 32)
	peerA := test.PeerId("a")
	peerB := test.PeerId("b")
	h, err := env.wm.Want(context.Background(), blks[0].Cid(), 1, message.WantTypeBlock)
	require.NoError(t, err)
	entry := message.Entry{Cid: blks[0].Cid(), WantType: message.WantTypeBlock}
	require.NoError(t, env.wm.SendWants(peerA, []message.Entry{entry}))
	require.NoError(t, env.wm.SendWants(peerB, []message.Entry{entry}))
	require.NoError(t, env.wm.Cancel(h))
	require.NoError(t, env.wm.Cancel(h))
	assert.Equal(t, 0, env.wm.NumWants())
	for _, p := range []string{"a", "b"} {
		cancels := env.sender.Cancels(test.PeerId(p))
		require.Len(t, cancels, 1)
		assert.True(t, cancels[0].Cid.Equals(blks[0].Cid()))
		assert.Empty(t, env.wm.SentTo(test.PeerId(p)))
	}
	assert.Empty(t, env.sender.Sent(test.PeerId("c")))
	_, err = waitHandle(t, h)
	assert.ErrorIs(t, err, context.Canceled)

	// Cancelling a satisfied want changes nothing
	h2, err := env.wm.Want(context.Background(), blks[1].Cid(), 1, message.WantTypeBlock)
	require.NoError(t, err)
	msg := message.New(false)
	msg.AddBlock(blks[1])
	require.NoError(t, env.wm.ReceiveMessage(context.Background(), peerA, msg))
	got, err := waitHandle(t, h2)
	require.NoError(t, err)
	require.NoError(t, env.wm.Cancel(h2))
	assert.Equal(t, 0, env.wm.NumWants())
	got2, err := h2.Result()
	assert.NoError(t, err)
	assert.Equal(t, got, got2)
	assert.Len(t, env.sender.Cancels(peerA), 1)
	env.wm.Stop()
}

func TestCancelKeepsSharedWant(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t)
	blk := test.GenerateBlocks(t, 1, 32)[0]
	peerA := test.PeerId("a")
	h1, err := env.wm.Want(context.Background(), blk.Cid(), 1, message.WantTypeBlock)
	require.NoError(t, err)
	h2, err := env.wm.Want(context.Background(), blk.Cid(), 1, message.WantTypeBlock)
	require.NoError(t, err)
	require.NoError(t, env.wm.SendWants(peerA, []message.Entry{{Cid: blk.Cid()}}))
	require.NoError(t, env.wm.Cancel(h1))
	assert.Equal(t, 1, env.wm.NumWants())
	assert.Empty(t, env.sender.Cancels(peerA))
	_, err = h2.Result()
	assert.ErrorIs(t, err, wantmanager.ErrWantPending)
	env.wm.Stop()
	_, err = h2.Result()
	assert.ErrorIs(t, err, protocol.ErrProtocolShuttingDown)
}

func TestWantTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t)
	blk := test.GenerateBlocks(t, 1, 32)[0]
	start := time.Now()
	h, err := env.wm.Want(
		context.Background(),
		blk.Cid(),
		1,
		message.WantTypeBlock,
		wantmanager.WithTimeout(100*time.Millisecond),
	)
	require.NoError(t, err)
	_, err = waitHandle(t, h)
	assert.ErrorIs(t, err, protocol.ErrNotFound)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 0, env.wm.NumWants())
	// A late block changes nothing
	msg := message.New(false)
	msg.AddBlock(blk)
	require.NoError(t, env.wm.ReceiveMessage(context.Background(), test.PeerId("a"), msg))
	_, err = h.Result()
	assert.ErrorIs(t, err, protocol.ErrNotFound)
	env.wm.Stop()
}

func TestWantContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t)
	blk := test.GenerateBlocks(t, 1, 32)[0]
	ctx, cancel := context.WithCancel(context.Background())
	h, err := env.wm.Want(ctx, blk.Cid(), 1, message.WantTypeBlock)
	require.NoError(t, err)
	cancel()
	_, err = waitHandle(t, h)
	assert.ErrorIs(t, err, context.Canceled)
	env.wm.Stop()
}

func TestWantOverloaded(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t, wantmanager.WithMaxWants(2))
	blks := test.GenerateBlocks(t, 3, 32)
	for _, blk := range blks[:2] {
		_, err := env.wm.Want(context.Background(), blk.Cid(), 1, message.WantTypeBlock)
		require.NoError(t, err)
	}
	_, err := env.wm.Want(context.Background(), blks[2].Cid(), 1, message.WantTypeBlock)
	assert.ErrorIs(t, err, protocol.ErrOverloaded)
	assert.Equal(t, 2, env.wm.NumWants())
	env.wm.Stop()
}

func TestWantLocalBlock(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t)
	blk := test.GenerateBlocks(t, 1, 32)[0]
	require.NoError(t, env.bs.Put(context.Background(), blk))
	h, err := env.wm.Want(context.Background(), blk.Cid(), 1, message.WantTypeBlock)
	require.NoError(t, err)
	got, err := h.Result()
	require.NoError(t, err)
	assert.Equal(t, blk.RawData(), got.RawData())
	assert.Equal(t, 0, env.wm.NumWants())
	env.wm.Stop()
}

func TestPresencesAndDisconnect(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t)
	blk := test.GenerateBlocks(t, 1, 32)[0]
	peerA := test.PeerId("a")
	peerB := test.PeerId("b")
	sub := &testSubscriber{}
	h, err := env.wm.Want(
		context.Background(),
		blk.Cid(),
		1,
		message.WantTypeHave,
		wantmanager.WithSession(7, sub),
	)
	require.NoError(t, err)
	entry := message.Entry{Cid: blk.Cid(), WantType: message.WantTypeHave, SendDontHave: true}
	require.NoError(t, env.wm.SendWants(peerA, []message.Entry{entry}))
	require.NoError(t, env.wm.SendWants(peerB, []message.Entry{entry}))
	msg := message.New(false)
	msg.AddDontHave(blk.Cid())
	require.NoError(t, env.wm.ReceiveMessage(context.Background(), peerA, msg))
	msg = message.New(false)
	msg.AddHave(blk.Cid())
	require.NoError(t, env.wm.ReceiveMessage(context.Background(), peerB, msg))
	// DontHave is final, so nothing is outstanding at A anymore
	assert.Empty(t, env.wm.SentTo(peerA))
	assert.Len(t, env.wm.SentTo(peerB), 1)
	require.NoError(t, env.wm.PeerDisconnected(peerB))
	assert.Empty(t, env.wm.SentTo(peerB))
	events := sub.Events()
	require.Len(t, events, 3)
	assert.Equal(t, wantmanager.EventDontHaveReceived, events[0].Type)
	assert.Equal(t, peerA, events[0].Peer)
	assert.Equal(t, wantmanager.EventHaveReceived, events[1].Type)
	assert.Equal(t, peerB, events[1].Peer)
	assert.Equal(t, wantmanager.EventPeerDisconnected, events[2].Type)
	// Cancelling now sends nothing since no peer has the want outstanding
	require.NoError(t, env.wm.Cancel(h))
	assert.Equal(t, 0, env.wm.NumWants())
	assert.Empty(t, env.sender.Cancels(peerA))
	assert.Empty(t, env.sender.Cancels(peerB))
	env.wm.Stop()
}

func TestWantlist(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t)
	blk := test.GenerateBlocks(t, 1, 32)[0]
	_, err := env.wm.Want(context.Background(), blk.Cid(), 3, message.WantTypeHave)
	require.NoError(t, err)
	_, err = env.wm.Want(context.Background(), blk.Cid(), 5, message.WantTypeBlock)
	require.NoError(t, err)
	wl := env.wm.Wantlist()
	require.Len(t, wl, 1)
	assert.Equal(t, int32(5), wl[0].Priority)
	assert.Equal(t, message.WantTypeBlock, wl[0].WantType)
	env.wm.Stop()
}

func TestSendFailedNotifiesSessions(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t)
	blk := test.GenerateBlocks(t, 1, 32)[0]
	peerA := test.PeerId("a")
	peerZ := test.PeerId("z")
	sub := &testSubscriber{}
	_, err := env.wm.Want(
		context.Background(),
		blk.Cid(),
		1,
		message.WantTypeHave,
		wantmanager.WithSession(1, sub),
	)
	require.NoError(t, err)
	entry := message.Entry{Cid: blk.Cid(), WantType: message.WantTypeHave}
	// Refused by the sender
	require.NoError(t, env.wm.SendWants(peerZ, []message.Entry{entry}))
	// Accepted, then lost on the way out
	require.NoError(t, env.wm.SendWants(peerA, []message.Entry{entry}))
	require.NoError(t, env.wm.SendFailed(peerA, []cid.Cid{blk.Cid()}))
	assert.Empty(t, env.wm.SentTo(peerA))
	events := sub.Events()
	require.Len(t, events, 2)
	for i, p := range []peer.ID{peerZ, peerA} {
		assert.Equal(t, wantmanager.EventSendFailed, events[i].Type)
		assert.Equal(t, p, events[i].Peer)
		assert.True(t, events[i].Cid.Equals(blk.Cid()))
	}
	// Nothing is outstanding at the peer, so the want goes out again
	require.NoError(t, env.wm.SendWants(peerA, []message.Entry{entry}))
	assert.Len(t, env.sender.Wants(peerA), 2)
	assert.Len(t, env.wm.SentTo(peerA), 1)
	env.wm.Stop()
}
