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

// Package network defines the transport collaborator used by the exchange and
// provides adapters for a libp2p host and for raw net.Conn pairs
package network

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/blinklabs-io/gobitswap/protocol"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
)

// ErrNotConnected is returned when opening a stream to a peer without a
// connection
var ErrNotConnected = errors.New("network: peer not connected")

// ErrNetworkStopped is returned by operations on a stopped network
var ErrNetworkStopped = errors.New("network: stopped")

// Stream is a one-way exchange stream to or from a peer. The negotiated
// protocol version fixes the message shape for the life of the stream
type Stream interface {
	io.ReadWriteCloser
	// Peer returns the remote peer ID
	Peer() peer.ID
	// Version returns the negotiated protocol version
	Version() protocol.ProtocolVersion
	// Reset aborts the stream in both directions
	Reset() error
	SetWriteDeadline(time.Time) error
}

// Receiver handles inbound streams and connectivity events
type Receiver interface {
	// HandleStream reads from an inbound stream until it ends
	HandleStream(s Stream)
	PeerConnected(p peer.ID)
	PeerDisconnected(p peer.ID)
}

// Network is the transport used by the exchange
type Network interface {
	// Self returns the local peer ID
	Self() peer.ID
	// Start begins delivering streams and connectivity events to r
	Start(r Receiver) error
	Stop() error
	// NewStream opens an outbound stream, negotiating the best protocol
	// version the peer supports
	NewStream(ctx context.Context, p peer.ID) (Stream, error)
	// ConnectTo ensures a connection to p
	ConnectTo(ctx context.Context, p peer.ID) error
	// FindProvidersAsync searches for up to max peers that can provide c.
	// The returned channel is closed when the search ends or ctx is done
	FindProvidersAsync(ctx context.Context, c cid.Cid, max int) <-chan peer.ID
	// Provide announces that the local node can provide c
	Provide(ctx context.Context, c cid.Cid) error
}
