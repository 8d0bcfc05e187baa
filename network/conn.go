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

package network

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/blinklabs-io/gobitswap/protocol"
	"github.com/blinklabs-io/gobitswap/protocol/handshake"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
)

// ConnNetwork runs the exchange over plain full-duplex connections, one per
// peer. The protocol version is negotiated with a handshake when a connection
// is added. Peer identity is supplied by the caller
type ConnNetwork struct {
	self             peer.ID
	router           routing.ContentRouting
	handshakeOptions []handshake.HandshakeOptionFunc
	logger           *slog.Logger
	mutex            sync.Mutex
	receiver         Receiver
	conns            map[peer.ID]*connEntry
	stopped          bool
	waitGroup        sync.WaitGroup
}

type connEntry struct {
	conn    net.Conn
	version protocol.ProtocolVersion
}

// ConnOptionFunc modifies a ConnNetwork
type ConnOptionFunc func(*ConnNetwork)

// WithConnContentRouting specifies the content router used for provider
// lookups and announcements
func WithConnContentRouting(router routing.ContentRouting) ConnOptionFunc {
	return func(n *ConnNetwork) {
		n.router = router
	}
}

// WithHandshakeOptions specifies options for the version handshake
func WithHandshakeOptions(options ...handshake.HandshakeOptionFunc) ConnOptionFunc {
	return func(n *ConnNetwork) {
		n.handshakeOptions = append(n.handshakeOptions, options...)
	}
}

// WithConnLogger specifies the logger
func WithConnLogger(logger *slog.Logger) ConnOptionFunc {
	return func(n *ConnNetwork) {
		n.logger = logger
	}
}

// NewConnNetwork returns a connection based network for the local peer ID
func NewConnNetwork(self peer.ID, options ...ConnOptionFunc) *ConnNetwork {
	n := &ConnNetwork{
		self:  self,
		conns: make(map[peer.ID]*connEntry),
	}
	for _, option := range options {
		option(n)
	}
	if n.logger == nil {
		n.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	n.logger = n.logger.With("component", "network", "transport", "conn")
	return n
}

func (n *ConnNetwork) Self() peer.ID {
	return n.self
}

func (n *ConnNetwork) Start(r Receiver) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.stopped {
		return ErrNetworkStopped
	}
	if n.receiver != nil {
		return fmt.Errorf("network: already started")
	}
	n.receiver = r
	return nil
}

// Stop closes all connections and waits for their read loops to finish
func (n *ConnNetwork) Stop() error {
	n.mutex.Lock()
	n.stopped = true
	conns := make([]net.Conn, 0, len(n.conns))
	for _, entry := range n.conns {
		conns = append(conns, entry.conn)
	}
	n.mutex.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
	n.waitGroup.Wait()
	return nil
}

// AddConn negotiates the protocol version over conn and then hands the
// connection to the receiver. The initiator proposes versions. The call
// blocks until the handshake completes
func (n *ConnNetwork) AddConn(p peer.ID, conn net.Conn, initiator bool) error {
	n.mutex.Lock()
	if n.stopped || n.receiver == nil {
		n.mutex.Unlock()
		return ErrNetworkStopped
	}
	if _, ok := n.conns[p]; ok {
		n.mutex.Unlock()
		return fmt.Errorf("network: already connected to %s", p)
	}
	n.mutex.Unlock()
	cfg := handshake.NewConfig(n.handshakeOptions...)
	var version protocol.ProtocolVersion
	var err error
	if initiator {
		version, err = handshake.NewClient(&cfg).Run(conn)
	} else {
		version, err = handshake.NewServer(&cfg).Run(conn)
	}
	if err != nil {
		_ = conn.Close()
		return err
	}
	n.mutex.Lock()
	if n.stopped {
		n.mutex.Unlock()
		_ = conn.Close()
		return ErrNetworkStopped
	}
	if _, ok := n.conns[p]; ok {
		n.mutex.Unlock()
		_ = conn.Close()
		return fmt.Errorf("network: already connected to %s", p)
	}
	n.conns[p] = &connEntry{conn: conn, version: version}
	receiver := n.receiver
	n.waitGroup.Add(1)
	n.mutex.Unlock()
	n.logger.Debug(
		"connection added",
		"peer", p.String(),
		"version", string(version.Id),
	)
	receiver.PeerConnected(p)
	go func() {
		defer n.waitGroup.Done()
		receiver.HandleStream(&connStream{conn: conn, peer: p, version: version})
		n.removeConn(p, conn)
		receiver.PeerDisconnected(p)
	}()
	return nil
}

// RemoveConn closes the connection to p
func (n *ConnNetwork) RemoveConn(p peer.ID) {
	n.mutex.Lock()
	entry, ok := n.conns[p]
	n.mutex.Unlock()
	if ok {
		_ = entry.conn.Close()
	}
}

func (n *ConnNetwork) removeConn(p peer.ID, conn net.Conn) {
	n.mutex.Lock()
	if entry, ok := n.conns[p]; ok && entry.conn == conn {
		delete(n.conns, p)
	}
	n.mutex.Unlock()
	_ = conn.Close()
}

// Peers returns the currently connected peers
func (n *ConnNetwork) Peers() []peer.ID {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	ret := make([]peer.ID, 0, len(n.conns))
	for p := range n.conns {
		ret = append(ret, p)
	}
	return ret
}

func (n *ConnNetwork) NewStream(ctx context.Context, p peer.ID) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.stopped {
		return nil, ErrNetworkStopped
	}
	entry, ok := n.conns[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, p)
	}
	return &connStream{conn: entry.conn, peer: p, version: entry.version}, nil
}

// ConnectTo only succeeds for peers that already have a connection, since
// dialing is left to the caller
func (n *ConnNetwork) ConnectTo(ctx context.Context, p peer.ID) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if _, ok := n.conns[p]; !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, p)
	}
	return nil
}

func (n *ConnNetwork) FindProvidersAsync(ctx context.Context, c cid.Cid, max int) <-chan peer.ID {
	return findProviders(ctx, n.router, n.self, c, max, nil, n.logger)
}

func (n *ConnNetwork) Provide(ctx context.Context, c cid.Cid) error {
	if n.router == nil {
		return nil
	}
	return n.router.Provide(ctx, c, true)
}

// connStream shares the peer's connection. Reads deliver the peer's frames and
// writes send ours. Closing the write side leaves the connection open
type connStream struct {
	conn    net.Conn
	peer    peer.ID
	version protocol.ProtocolVersion
}

func (s *connStream) Read(p []byte) (int, error) {
	return s.conn.Read(p)
}

func (s *connStream) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

func (s *connStream) Close() error {
	return nil
}

func (s *connStream) Reset() error {
	return s.conn.Close()
}

func (s *connStream) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

func (s *connStream) Peer() peer.ID {
	return s.peer
}

func (s *connStream) Version() protocol.ProtocolVersion {
	return s.version
}
