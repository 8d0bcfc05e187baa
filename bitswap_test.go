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

package bitswap_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/blinklabs-io/gobitswap"
	"github.com/blinklabs-io/gobitswap/blockstore"
	"github.com/blinklabs-io/gobitswap/internal/test"
	"github.com/blinklabs-io/gobitswap/message"
	"github.com/blinklabs-io/gobitswap/network"
	"github.com/blinklabs-io/gobitswap/protocol"
	"github.com/blinklabs-io/gobitswap/protocol/handshake"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-msgio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// spyNetwork records everything the node reads from its peers. It can also
// refuse a number of outbound streams before letting them through
type spyNetwork struct {
	*network.ConnNetwork
	mutex       sync.Mutex
	data        map[peer.ID]*bytes.Buffer
	failStreams int
	attempts    int
}

func newSpyNetwork(self peer.ID) *spyNetwork {
	return &spyNetwork{
		ConnNetwork: network.NewConnNetwork(self),
		data:        make(map[peer.ID]*bytes.Buffer),
	}
}

func (n *spyNetwork) Start(r network.Receiver) error {
	return n.ConnNetwork.Start(&spyReceiver{Receiver: r, network: n})
}

func (n *spyNetwork) NewStream(ctx context.Context, p peer.ID) (network.Stream, error) {
	n.mutex.Lock()
	n.attempts++
	fail := n.attempts <= n.failStreams
	n.mutex.Unlock()
	if fail {
		return nil, errors.New("stream refused")
	}
	return n.ConnNetwork.NewStream(ctx, p)
}

// FailStreams refuses the next count outbound streams
func (n *spyNetwork) FailStreams(count int) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.failStreams = n.attempts + count
}

// StreamAttempts returns how many outbound streams were requested
func (n *spyNetwork) StreamAttempts() int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.attempts
}

func (n *spyNetwork) record(p peer.ID, data []byte) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	buf, ok := n.data[p]
	if !ok {
		buf = &bytes.Buffer{}
		n.data[p] = buf
	}
	buf.Write(data)
}

// Received decodes the messages read from a peer so far
func (n *spyNetwork) Received(t *testing.T, p peer.ID) []*message.Message {
	t.Helper()
	n.mutex.Lock()
	var data []byte
	if buf, ok := n.data[p]; ok {
		data = append(data, buf.Bytes()...)
	}
	n.mutex.Unlock()
	reader := message.NewReader(bytes.NewReader(data), 0)
	var ret []*message.Message
	for {
		msg, _, err := reader.ReadMessage()
		// A frame cut short by Close ends the capture
		if errors.Is(err, io.EOF) || errors.Is(err, protocol.ErrProtocolViolationInvalidMessage) {
			return ret
		}
		require.NoError(t, err)
		ret = append(ret, msg)
	}
}

type spyReceiver struct {
	network.Receiver
	network *spyNetwork
}

func (r *spyReceiver) HandleStream(s network.Stream) {
	r.Receiver.HandleStream(&spyStream{Stream: s, network: r.network})
}

type spyStream struct {
	network.Stream
	network *spyNetwork
}

func (s *spyStream) Read(p []byte) (int, error) {
	n, err := s.Stream.Read(p)
	if n > 0 {
		s.network.record(s.Peer(), p[:n])
	}
	return n, err
}

type testNode struct {
	id         peer.ID
	network    *spyNetwork
	blockstore blockstore.Blockstore
	bitswap    *bitswap.Bitswap
}

func newTestNode(t *testing.T, name string, options ...bitswap.OptionFunc) *testNode {
	t.Helper()
	node := &testNode{
		id:         test.PeerId(name),
		blockstore: blockstore.NewBlockstore(test.NewMapDatastore()),
	}
	node.network = newSpyNetwork(node.id)
	tmpOptions := []bitswap.OptionFunc{
		bitswap.WithNetwork(node.network),
		bitswap.WithBlockstore(node.blockstore),
	}
	b, err := bitswap.New(append(tmpOptions, options...)...)
	require.NoError(t, err)
	node.bitswap = b
	return node
}

func connectNodes(t *testing.T, a *testNode, b *testNode) {
	t.Helper()
	connA, connB := net.Pipe()
	errChan := make(chan error, 1)
	go func() {
		errChan <- b.network.AddConn(a.id, connB, false)
	}()
	require.NoError(t, a.network.AddConn(b.id, connA, true))
	require.NoError(t, <-errChan)
}

func closeNodes(t *testing.T, nodes ...*testNode) {
	t.Helper()
	for _, node := range nodes {
		require.NoError(t, node.bitswap.Close())
	}
}

func TestNewRequiresNetworkAndBlockstore(t *testing.T) {
	_, err := bitswap.New(bitswap.WithBlockstore(blockstore.NewBlockstore(test.NewMapDatastore())))
	assert.Error(t, err)
	_, err = bitswap.New(bitswap.WithNetwork(network.NewConnNetwork(test.PeerId("a"))))
	assert.Error(t, err)
}

func TestGetBlockFromPeer(t *testing.T) {
	defer goleak.VerifyNone(t)
	server := newTestNode(t, "server")
	client := newTestNode(t, "client")
	connectNodes(t, client, server)
	blks := test.GenerateBlocks(t, 1, 256)
	require.NoError(t, server.blockstore.Put(context.Background(), blks[0]))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	blk, err := client.bitswap.GetBlock(ctx, blks[0].Cid())
	require.NoError(t, err)
	assert.Equal(t, blks[0].RawData(), blk.RawData())
	has, err := client.blockstore.Has(context.Background(), blks[0].Cid())
	require.NoError(t, err)
	assert.True(t, has)

	stat, err := client.bitswap.Stat()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stat.BlocksReceived)
	assert.Equal(t, []string{server.id.String()}, stat.Peers)
	require.Eventually(t, func() bool {
		receipt, ok := server.bitswap.Ledger().Receipt(client.id)
		return ok && receipt.BlocksSent == 1
	}, 2*time.Second, 10*time.Millisecond)
	closeNodes(t, client, server)
}

// The client asks B and C for a block that only C has. B answers DontHave,
// C answers Have and then delivers. B must never be asked for the block itself
func TestHaveDontHaveAcrossPeers(t *testing.T) {
	defer goleak.VerifyNone(t)
	nodeA := newTestNode(t, "a")
	nodeB := newTestNode(t, "b")
	nodeC := newTestNode(t, "c")
	connectNodes(t, nodeA, nodeB)
	connectNodes(t, nodeA, nodeC)
	blks := test.GenerateBlocks(t, 1, 512)
	require.NoError(t, nodeC.blockstore.Put(context.Background(), blks[0]))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	blk, err := nodeA.bitswap.GetBlock(ctx, blks[0].Cid())
	require.NoError(t, err)
	assert.Equal(t, blks[0].Cid(), blk.Cid())

	require.Eventually(t, func() bool {
		return len(nodeB.bitswap.WantlistForPeer(nodeA.id)) == 0
	}, 2*time.Second, 10*time.Millisecond)
	receiptC, ok := nodeA.bitswap.Ledger().Receipt(nodeC.id)
	require.True(t, ok)
	assert.Equal(t, uint64(1), receiptC.BlocksReceived)
	receiptB, ok := nodeA.bitswap.Ledger().Receipt(nodeB.id)
	require.True(t, ok)
	assert.Equal(t, uint64(0), receiptB.BlocksReceived)
	closeNodes(t, nodeA, nodeB, nodeC)

	var sawWantHave bool
	for _, msg := range nodeB.network.Received(t, nodeA.id) {
		for _, entry := range msg.Wantlist {
			if entry.Cid != blks[0].Cid() || entry.Cancel {
				continue
			}
			assert.Equal(t, message.WantTypeHave, entry.WantType, "B was asked for the block")
			sawWantHave = true
		}
	}
	assert.True(t, sawWantHave)
}

func TestWantDeadlineNotFound(t *testing.T) {
	defer goleak.VerifyNone(t)
	server := newTestNode(t, "server", bitswap.WithQuietMode(true))
	client := newTestNode(t, "client")
	connectNodes(t, client, server)
	blks := test.GenerateBlocks(t, 1, 64)

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h, err := client.bitswap.Want(ctx, blks[0].Cid(), 1, message.WantTypeBlock)
	require.NoError(t, err)
	select {
	case <-h.Done():
	case <-time.After(4 * time.Second):
		t.Fatal("want was not resolved")
	}
	elapsed := time.Since(start)
	_, err = h.Result()
	assert.ErrorIs(t, err, protocol.ErrNotFound)
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
	assert.Less(t, elapsed, 3*time.Second)
	closeNodes(t, client, server)
}

func TestNotifyNewBlocksServesWaitingPeer(t *testing.T) {
	defer goleak.VerifyNone(t)
	server := newTestNode(t, "server", bitswap.WithQuietMode(true))
	client := newTestNode(t, "client")
	connectNodes(t, client, server)
	blks := test.GenerateBlocks(t, 1, 128)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := client.bitswap.Want(ctx, blks[0].Cid(), 1, message.WantTypeBlock)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(server.bitswap.WantlistForPeer(client.id)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, server.bitswap.NotifyNewBlocks(context.Background(), blks[0]))
	blk, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, blks[0].Cid(), blk.Cid())
	closeNodes(t, client, server)
}

func TestProtocolViolationReported(t *testing.T) {
	defer goleak.VerifyNone(t)
	node := newTestNode(t, "node")
	rawPeer := test.PeerId("raw")
	connNode, connRaw := net.Pipe()
	defer connRaw.Close()
	errChan := make(chan error, 1)
	go func() {
		errChan <- node.network.AddConn(rawPeer, connNode, false)
	}()
	cfg := handshake.NewConfig()
	_, err := handshake.NewClient(&cfg).Run(connRaw)
	require.NoError(t, err)
	require.NoError(t, <-errChan)
	// A wantlist field claiming more bytes than the frame holds
	require.NoError(t, msgio.NewVarintWriter(connRaw).WriteMsg([]byte{0x0a, 0x05}))
	select {
	case err := <-node.bitswap.ErrorChan():
		assert.ErrorIs(t, err, protocol.ErrProtocolViolationInvalidMessage)
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
	}
	require.Eventually(t, func() bool {
		receipt, ok := node.bitswap.Ledger().Receipt(rawPeer)
		return ok && receipt.Penalties == 1
	}, 2*time.Second, 10*time.Millisecond)
	closeNodes(t, node)
}

// Every attempt to open the first stream to the server fails, so the first
// want-list never leaves the client. The want must be sent again once streams
// open normally
func TestWantResentAfterStreamFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	server := newTestNode(t, "server")
	client := newTestNode(t, "client", bitswap.WithWidenDelay(100*time.Millisecond, 400*time.Millisecond))
	// One initial attempt plus three retries
	client.network.FailStreams(4)
	connectNodes(t, client, server)
	blks := test.GenerateBlocks(t, 1, 256)
	require.NoError(t, server.blockstore.Put(context.Background(), blks[0]))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	blk, err := client.bitswap.GetBlock(ctx, blks[0].Cid())
	require.NoError(t, err)
	assert.Equal(t, blks[0].RawData(), blk.RawData())
	assert.Greater(t, client.network.StreamAttempts(), 4)
	closeNodes(t, client, server)
}
