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
	"sync"

	"github.com/blinklabs-io/gobitswap/protocol"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/host"
	lp2pnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	lp2pprotocol "github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/multiformats/go-multiaddr"
)

// Libp2pNetwork adapts a libp2p host and content router. Protocol selection
// is done by libp2p's multistream negotiation
type Libp2pNetwork struct {
	host     host.Host
	router   routing.ContentRouting
	prefix   string
	ids      []protocol.ProtocolId
	logger   *slog.Logger
	mutex    sync.Mutex
	receiver Receiver
	notifiee *lp2pnet.NotifyBundle
}

// Libp2pOptionFunc modifies a Libp2pNetwork
type Libp2pOptionFunc func(*Libp2pNetwork)

// WithContentRouting specifies the content router used for provider lookups
// and announcements
func WithContentRouting(router routing.ContentRouting) Libp2pOptionFunc {
	return func(n *Libp2pNetwork) {
		n.router = router
	}
}

// WithProtocolPrefix specifies a prefix for all protocol IDs
func WithProtocolPrefix(prefix string) Libp2pOptionFunc {
	return func(n *Libp2pNetwork) {
		n.prefix = prefix
	}
}

// WithLibp2pLogger specifies the logger
func WithLibp2pLogger(logger *slog.Logger) Libp2pOptionFunc {
	return func(n *Libp2pNetwork) {
		n.logger = logger
	}
}

// NewLibp2pNetwork returns a network backed by the provided host
func NewLibp2pNetwork(h host.Host, options ...Libp2pOptionFunc) *Libp2pNetwork {
	n := &Libp2pNetwork{
		host: h,
	}
	for _, option := range options {
		option(n)
	}
	if n.logger == nil {
		n.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	n.logger = n.logger.With("component", "network", "transport", "libp2p")
	n.ids = protocol.GetProtocolIds(n.prefix)
	return n
}

func (n *Libp2pNetwork) Self() peer.ID {
	return n.host.ID()
}

func (n *Libp2pNetwork) protocolIds() []lp2pprotocol.ID {
	ret := make([]lp2pprotocol.ID, 0, len(n.ids))
	for _, id := range n.ids {
		ret = append(ret, lp2pprotocol.ID(id))
	}
	return ret
}

func (n *Libp2pNetwork) Start(r Receiver) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.receiver != nil {
		return fmt.Errorf("network: already started")
	}
	n.receiver = r
	for _, id := range n.protocolIds() {
		n.host.SetStreamHandler(id, n.handleNewStream)
	}
	n.notifiee = &lp2pnet.NotifyBundle{
		ConnectedF: func(_ lp2pnet.Network, conn lp2pnet.Conn) {
			r.PeerConnected(conn.RemotePeer())
		},
		DisconnectedF: func(net lp2pnet.Network, conn lp2pnet.Conn) {
			// Only the last connection to a peer counts
			if net.Connectedness(conn.RemotePeer()) == lp2pnet.Connected {
				return
			}
			r.PeerDisconnected(conn.RemotePeer())
		},
	}
	n.host.Network().Notify(n.notifiee)
	// Peers that connected before we started
	for _, p := range n.host.Network().Peers() {
		r.PeerConnected(p)
	}
	return nil
}

func (n *Libp2pNetwork) Stop() error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.receiver == nil {
		return nil
	}
	for _, id := range n.protocolIds() {
		n.host.RemoveStreamHandler(id)
	}
	n.host.Network().StopNotify(n.notifiee)
	n.receiver = nil
	return nil
}

func (n *Libp2pNetwork) NewStream(ctx context.Context, p peer.ID) (Stream, error) {
	s, err := n.host.NewStream(ctx, p, n.protocolIds()...)
	if err != nil {
		return nil, err
	}
	return n.wrapStream(s)
}

func (n *Libp2pNetwork) wrapStream(s lp2pnet.Stream) (Stream, error) {
	version, ok := protocol.GetProtocolVersion(
		protocol.ProtocolId(s.Protocol()),
		n.prefix,
	)
	if !ok {
		_ = s.Reset()
		return nil, fmt.Errorf(
			"%w: %s",
			protocol.ErrProtocolViolationUnsupportedVersion,
			s.Protocol(),
		)
	}
	return &libp2pStream{Stream: s, version: version}, nil
}

func (n *Libp2pNetwork) handleNewStream(s lp2pnet.Stream) {
	n.mutex.Lock()
	receiver := n.receiver
	n.mutex.Unlock()
	if receiver == nil {
		_ = s.Reset()
		return
	}
	stream, err := n.wrapStream(s)
	if err != nil {
		n.logger.Debug(
			"rejecting stream",
			"peer", s.Conn().RemotePeer().String(),
			"error", err,
		)
		return
	}
	receiver.HandleStream(stream)
}

func (n *Libp2pNetwork) ConnectTo(ctx context.Context, p peer.ID) error {
	return n.host.Connect(ctx, peer.AddrInfo{ID: p})
}

// Connect dials a peer at the given address
func (n *Libp2pNetwork) Connect(ctx context.Context, addr multiaddr.Multiaddr) (peer.ID, error) {
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return "", err
	}
	if err := n.host.Connect(ctx, *info); err != nil {
		return "", err
	}
	return info.ID, nil
}

func (n *Libp2pNetwork) FindProvidersAsync(ctx context.Context, c cid.Cid, max int) <-chan peer.ID {
	return findProviders(
		ctx,
		n.router,
		n.host.ID(),
		c,
		max,
		func(info peer.AddrInfo) {
			n.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.TempAddrTTL)
		},
		n.logger,
	)
}

func (n *Libp2pNetwork) Provide(ctx context.Context, c cid.Cid) error {
	if n.router == nil {
		return nil
	}
	return n.router.Provide(ctx, c, true)
}

type libp2pStream struct {
	lp2pnet.Stream
	version protocol.ProtocolVersion
}

func (s *libp2pStream) Peer() peer.ID {
	return s.Conn().RemotePeer()
}

func (s *libp2pStream) Version() protocol.ProtocolVersion {
	return s.version
}
