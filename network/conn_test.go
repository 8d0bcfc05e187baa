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

package network_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/blinklabs-io/gobitswap/internal/test"
	"github.com/blinklabs-io/gobitswap/network"
	"github.com/blinklabs-io/gobitswap/protocol"
	"github.com/blinklabs-io/gobitswap/protocol/handshake"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type recordingReceiver struct {
	mutex        sync.Mutex
	connected    []peer.ID
	disconnected []peer.ID
	received     chan []byte
}

func newRecordingReceiver() *recordingReceiver {
	return &recordingReceiver{
		received: make(chan []byte, 10),
	}
}

func (r *recordingReceiver) HandleStream(s network.Stream) {
	defer s.Close()
	buf := make([]byte, 64)
	for {
		n, err := s.Read(buf)
		if n > 0 {
			r.received <- append([]byte(nil), buf[:n]...)
		}
		if err != nil {
			return
		}
	}
}

func (r *recordingReceiver) PeerConnected(p peer.ID) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.connected = append(r.connected, p)
}

func (r *recordingReceiver) PeerDisconnected(p peer.ID) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.disconnected = append(r.disconnected, p)
}

func (r *recordingReceiver) Disconnected() []peer.ID {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]peer.ID(nil), r.disconnected...)
}

func connect(t *testing.T, a *network.ConnNetwork, b *network.ConnNetwork) {
	t.Helper()
	connA, connB := net.Pipe()
	errChan := make(chan error, 1)
	go func() {
		errChan <- b.AddConn(a.Self(), connB, false)
	}()
	require.NoError(t, a.AddConn(b.Self(), connA, true))
	require.NoError(t, <-errChan)
}

func TestConnNetworkStreams(t *testing.T) {
	defer goleak.VerifyNone(t)
	peerA := test.PeerId("a")
	peerB := test.PeerId("b")
	netA := network.NewConnNetwork(peerA)
	netB := network.NewConnNetwork(
		peerB,
		network.WithHandshakeOptions(
			handshake.WithProtocolIds([]protocol.ProtocolId{
				protocol.ProtocolIdBitswap110,
			}),
		),
	)
	recvA := newRecordingReceiver()
	recvB := newRecordingReceiver()
	require.NoError(t, netA.Start(recvA))
	require.NoError(t, netB.Start(recvB))
	connect(t, netA, netB)
	assert.Equal(t, []peer.ID{peerB}, netA.Peers())

	s, err := netA.NewStream(context.Background(), peerB)
	require.NoError(t, err)
	assert.Equal(t, peerB, s.Peer())
	assert.Equal(t, protocol.ProtocolIdBitswap110, s.Version().Id)
	_, err = s.Write([]byte("hello"))
	require.NoError(t, err)
	select {
	case data := <-recvB.received:
		assert.Equal(t, []byte("hello"), data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for data")
	}

	// Closing our side of the pipe ends both read loops
	netA.RemoveConn(peerB)
	require.Eventually(t, func() bool {
		return len(recvA.Disconnected()) == 1 && len(recvB.Disconnected()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, err = netA.NewStream(context.Background(), peerB)
	assert.ErrorIs(t, err, network.ErrNotConnected)
	assert.ErrorIs(t, netA.ConnectTo(context.Background(), peerB), network.ErrNotConnected)

	require.NoError(t, netA.Stop())
	require.NoError(t, netB.Stop())
}

func TestConnNetworkHandshakeFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	netA := network.NewConnNetwork(
		test.PeerId("a"),
		network.WithHandshakeOptions(
			handshake.WithProtocolIds([]protocol.ProtocolId{
				protocol.ProtocolIdBitswap120,
			}),
		),
	)
	netB := network.NewConnNetwork(
		test.PeerId("b"),
		network.WithHandshakeOptions(
			handshake.WithProtocolIds([]protocol.ProtocolId{
				protocol.ProtocolIdLegacy,
			}),
		),
	)
	require.NoError(t, netA.Start(newRecordingReceiver()))
	require.NoError(t, netB.Start(newRecordingReceiver()))
	connA, connB := net.Pipe()
	errChan := make(chan error, 1)
	go func() {
		errChan <- netB.AddConn(netA.Self(), connB, false)
	}()
	err := netA.AddConn(netB.Self(), connA, true)
	assert.ErrorIs(t, err, protocol.ErrProtocolViolationUnsupportedVersion)
	assert.ErrorIs(t, <-errChan, protocol.ErrProtocolViolationUnsupportedVersion)
	assert.Empty(t, netA.Peers())
	require.NoError(t, netA.Stop())
	require.NoError(t, netB.Stop())
}

func TestConnNetworkStopClosesConns(t *testing.T) {
	defer goleak.VerifyNone(t)
	netA := network.NewConnNetwork(test.PeerId("a"))
	netB := network.NewConnNetwork(test.PeerId("b"))
	recvB := newRecordingReceiver()
	require.NoError(t, netA.Start(newRecordingReceiver()))
	require.NoError(t, netB.Start(recvB))
	connect(t, netA, netB)
	require.NoError(t, netA.Stop())
	require.Eventually(t, func() bool {
		return len(recvB.Disconnected()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, netB.Stop())
	connA, _ := net.Pipe()
	assert.ErrorIs(t, netA.AddConn(netB.Self(), connA, true), network.ErrNetworkStopped)
}

func TestFindProvidersSkipsSelf(t *testing.T) {
	defer goleak.VerifyNone(t)
	blks := test.GenerateBlocks(t, 1, 32)
	registry := test.NewMemoryRouting()
	peerA := test.PeerId("a")
	peerB := test.PeerId("b")
	netA := network.NewConnNetwork(peerA, network.WithConnContentRouting(registry.ForPeer(peerA)))
	netB := network.NewConnNetwork(peerB, network.WithConnContentRouting(registry.ForPeer(peerB)))
	require.NoError(t, netA.Provide(context.Background(), blks[0].Cid()))
	require.NoError(t, netB.Provide(context.Background(), blks[0].Cid()))
	var found []peer.ID
	for p := range netA.FindProvidersAsync(context.Background(), blks[0].Cid(), 10) {
		found = append(found, p)
	}
	assert.Equal(t, []peer.ID{peerB}, found)
	// Without a router the search ends immediately
	netC := network.NewConnNetwork(test.PeerId("c"))
	_, ok := <-netC.FindProvidersAsync(context.Background(), blks[0].Cid(), 10)
	assert.False(t, ok)
}
