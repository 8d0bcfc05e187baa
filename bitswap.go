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

// Package bitswap implements the Bitswap content-addressed block exchange.
//
// A Bitswap instance fetches blocks by CID from connected peers and peers
// found through content routing, and serves blocks from the local block store
// to peers that ask for them. Fetching is organized in sessions which pick
// and widen the set of peers asked, while a want manager makes sure each peer
// is asked for a given block at most once. Served requests are prioritized
// with a per-peer ledger so peers that only take are served last.
//
// The transport is supplied through the network package, either a libp2p host
// or plain net.Conn pairs with a version handshake.
package bitswap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/blinklabs-io/gobitswap/blockstore"
	"github.com/blinklabs-io/gobitswap/engine"
	"github.com/blinklabs-io/gobitswap/ledger"
	"github.com/blinklabs-io/gobitswap/message"
	"github.com/blinklabs-io/gobitswap/metrics"
	"github.com/blinklabs-io/gobitswap/network"
	"github.com/blinklabs-io/gobitswap/protocol"
	"github.com/blinklabs-io/gobitswap/session"
	"github.com/blinklabs-io/gobitswap/wantmanager"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	errorChanSize        = 10
	peerCountLogInterval = 60 * time.Second
	ledgerSaveTimeout    = 30 * time.Second
)

// The Bitswap type ties the exchange components to a network
type Bitswap struct {
	network             network.Network
	blockstore          blockstore.Blockstore
	logger              *slog.Logger
	metrics             *metrics.Metrics
	errorChan           chan error
	ledger              *ledger.Ledger
	ledgerDatastore     datastore.Datastore
	maxWants            int
	wantTimeout         time.Duration
	sessionTimeout      time.Duration
	quietMode           bool
	maxEntriesPerPeer   int
	lookupWorkers       int
	maxMessageSize      int
	broadcastPeers      int
	providerSearchDelay time.Duration
	widenDelayMin       time.Duration
	widenDelayMax       time.Duration
	blockTimeout        time.Duration
	provide             bool
	peerClosedFunc      PeerManagerConnClosedFunc
	bootstrapConfig     *BootstrapConfig
	// Components
	wantManager *wantmanager.WantManager
	engine      *engine.Engine
	sessions    *session.Manager
	peerManager *PeerManager
	provider    *provideQueue
	// Lifecycle
	ctx       context.Context
	cancel    context.CancelFunc
	mutex     sync.Mutex
	closed    bool
	streams   map[network.Stream]struct{}
	waitGroup sync.WaitGroup
	doneChan  chan struct{}
	onceClose sync.Once
}

// Stat is a snapshot of exchange statistics
type Stat struct {
	ProvideBufLen    int
	Wantlist         []cid.Cid
	Peers            []string
	BlocksReceived   uint64
	DataReceived     uint64
	DupBlksReceived  uint64
	DupDataReceived  uint64
	BlocksSent       uint64
	DataSent         uint64
	MessagesReceived uint64
}

// New returns a new Bitswap object with the specified options and starts it.
// A network and a block store are required
func New(options ...OptionFunc) (*Bitswap, error) {
	b := &Bitswap{
		provide:  true,
		streams:  make(map[network.Stream]struct{}),
		doneChan: make(chan struct{}),
	}
	// Apply provided options functions
	for _, option := range options {
		option(b)
	}
	if b.network == nil {
		return nil, errors.New("bitswap: a network is required")
	}
	if b.blockstore == nil {
		return nil, errors.New("bitswap: a block store is required")
	}
	if b.logger == nil {
		b.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	b.logger = b.logger.With("component", "bitswap")
	if b.metrics == nil {
		b.metrics = metrics.New(nil)
	}
	if b.errorChan == nil {
		b.errorChan = make(chan error, errorChanSize)
	}
	if b.maxMessageSize <= 0 {
		b.maxMessageSize = message.MaxMessageSize
	}
	if b.maxEntriesPerPeer <= 0 {
		b.maxEntriesPerPeer = engine.DefaultMaxEntriesPerPeer
	}
	if b.ledger == nil {
		b.ledger = ledger.New(ledger.NewConfig(ledger.WithLogger(b.logger)))
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	if b.ledgerDatastore != nil {
		count, err := b.ledger.Load(b.ctx, b.ledgerDatastore)
		if err != nil {
			b.cancel()
			return nil, fmt.Errorf("bitswap: restoring ledger: %w", err)
		}
		b.logger.Debug("restored ledger", "peers", count)
	}
	b.peerManager = NewPeerManager(
		PeerManagerConfig{
			ConnClosedFunc: b.peerClosedFunc,
		},
	)
	if b.bootstrapConfig != nil {
		if err := b.peerManager.AddHostsFromBootstrap(b.bootstrapConfig); err != nil {
			b.cancel()
			return nil, fmt.Errorf("bitswap: %w", err)
		}
	}
	if b.provide {
		b.provider = newProvideQueue(b.network, b.logger, DefaultProvideQueueSize)
	}
	if err := b.setupComponents(); err != nil {
		b.cancel()
		return nil, err
	}
	b.wantManager.Start()
	b.engine.Start()
	b.sessions.Start()
	if b.provider != nil {
		b.provider.start()
	}
	b.waitGroup.Add(1)
	go b.peerCountLoop()
	if err := b.network.Start(b); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("bitswap: starting network: %w", err)
	}
	return b, nil
}

func (b *Bitswap) setupComponents() error {
	wmOptions := []wantmanager.WantManagerOptionFunc{
		wantmanager.WithBlockstore(b.blockstore),
		wantmanager.WithLedger(b.ledger),
		wantmanager.WithSender(b.peerManager),
		wantmanager.WithMetrics(b.metrics),
		wantmanager.WithLogger(b.logger),
		wantmanager.WithWantTimeout(b.wantTimeout),
	}
	if b.maxWants > 0 {
		wmOptions = append(wmOptions, wantmanager.WithMaxWants(b.maxWants))
	}
	if b.provider != nil {
		wmOptions = append(
			wmOptions,
			wantmanager.WithBlocksReceivedFunc(
				func(_ context.Context, blks []blocks.Block) {
					b.provider.enqueue(blockCids(blks))
				},
			),
		)
	}
	b.wantManager = wantmanager.New(wantmanager.NewConfig(wmOptions...))
	engineOptions := []engine.EngineOptionFunc{
		engine.WithBlockstore(b.blockstore),
		engine.WithLedger(b.ledger),
		engine.WithSender(b.peerManager),
		engine.WithMetrics(b.metrics),
		engine.WithLogger(b.logger),
		engine.WithQuietMode(b.quietMode),
		engine.WithMaxEntriesPerPeer(b.maxEntriesPerPeer),
		engine.WithMaxMessageSize(b.maxMessageSize),
	}
	if b.lookupWorkers > 0 {
		engineOptions = append(engineOptions, engine.WithLookupWorkers(b.lookupWorkers))
	}
	var err error
	b.engine, err = engine.New(engine.NewConfig(engineOptions...))
	if err != nil {
		return fmt.Errorf("bitswap: %w", err)
	}
	sessionOptions := []session.SessionManagerOptionFunc{
		session.WithWantManager(b.wantManager),
		session.WithPeerSource(b.peerManager),
		session.WithProviderFinder(b.network),
		session.WithConnector(providerConnector{bitswap: b}),
		session.WithLedger(b.ledger),
		session.WithMetrics(b.metrics),
		session.WithLogger(b.logger),
		session.WithTimeout(b.sessionTimeout),
	}
	if b.broadcastPeers > 0 {
		sessionOptions = append(sessionOptions, session.WithBroadcastPeers(b.broadcastPeers))
	}
	if b.providerSearchDelay > 0 {
		sessionOptions = append(sessionOptions, session.WithProviderSearchDelay(b.providerSearchDelay))
	}
	if b.widenDelayMin > 0 && b.widenDelayMax > 0 {
		sessionOptions = append(sessionOptions, session.WithWidenDelay(b.widenDelayMin, b.widenDelayMax))
	}
	if b.blockTimeout > 0 {
		sessionOptions = append(sessionOptions, session.WithBlockTimeout(b.blockTimeout))
	}
	b.sessions, err = session.NewManager(session.NewConfig(sessionOptions...))
	if err != nil {
		return fmt.Errorf("bitswap: %w", err)
	}
	return nil
}

// ErrorChan returns the channel for asynchronous errors, such as protocol
// violations by peers
func (b *Bitswap) ErrorChan() chan error {
	return b.errorChan
}

// PeerManager returns the peer manager
func (b *Bitswap) PeerManager() *PeerManager {
	return b.peerManager
}

// Ledger returns the peer ledger
func (b *Bitswap) Ledger() *ledger.Ledger {
	return b.ledger
}

// Want requests a single block. The returned handle resolves with the block,
// with protocol.ErrNotFound when ctx's deadline passes or every peer has been
// exhausted, or with the context error when ctx is cancelled
func (b *Bitswap) Want(
	ctx context.Context,
	c cid.Cid,
	priority int32,
	wantType message.WantType,
) (*wantmanager.Handle, error) {
	s, err := b.sessions.Open(
		ctx,
		[]cid.Cid{c},
		session.WithPriority(priority),
		session.WithWantType(wantType),
	)
	if err != nil {
		return nil, err
	}
	h, ok := s.Handle(c)
	if !ok {
		s.Close()
		return nil, session.ErrSessionClosed
	}
	return h, nil
}

// GetBlock fetches a single block, waiting until it arrives or ctx ends
func (b *Bitswap) GetBlock(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	h, err := b.Want(ctx, c, 0, message.WantTypeHave)
	if err != nil {
		return nil, err
	}
	// The session resolves the handle when ctx ends
	<-h.Done()
	return h.Result()
}

// GetBlocks fetches several blocks in one session. Blocks are delivered on the
// returned channel as they arrive, and the channel is closed when the
// session finishes
func (b *Bitswap) GetBlocks(ctx context.Context, cids []cid.Cid) (<-chan blocks.Block, error) {
	s, err := b.sessions.Open(ctx, cids, session.WithBlockChannel())
	if err != nil {
		return nil, err
	}
	return s.Blocks(), nil
}

// NewSession opens an empty session. Wants are added with Session.Add
func (b *Bitswap) NewSession(ctx context.Context, options ...session.SessionOptionFunc) (*session.Session, error) {
	return b.sessions.Open(ctx, nil, options...)
}

// Cancel withdraws a want
func (b *Bitswap) Cancel(h *wantmanager.Handle) error {
	return b.wantManager.Cancel(h)
}

// NotifyNewBlocks stores blocks that became available locally, serves them to
// peers that already asked for them and announces them to the network
func (b *Bitswap) NotifyNewBlocks(ctx context.Context, blks ...blocks.Block) error {
	for _, blk := range blks {
		if err := b.blockstore.Put(ctx, blk); err != nil {
			return err
		}
	}
	b.engine.NotifyNewBlocks(blks)
	if b.provider != nil {
		b.provider.enqueue(blockCids(blks))
	}
	return nil
}

// Wantlist returns the CIDs we currently want
func (b *Bitswap) Wantlist() []cid.Cid {
	return entryCids(b.wantManager.Wantlist())
}

// WantlistForPeer returns the CIDs a peer currently wants from us
func (b *Bitswap) WantlistForPeer(p peer.ID) []cid.Cid {
	return entryCids(b.engine.WantlistForPeer(p))
}

// Stat returns exchange statistics
func (b *Bitswap) Stat() (*Stat, error) {
	stats := b.metrics.Stats()
	ret := &Stat{
		Wantlist:         b.Wantlist(),
		BlocksReceived:   stats.BlocksReceived,
		DataReceived:     stats.DataReceived,
		DupBlksReceived:  stats.DupBlocksReceived,
		DupDataReceived:  stats.DupDataReceived,
		BlocksSent:       stats.BlocksSent,
		DataSent:         stats.DataSent,
		MessagesReceived: stats.MessagesReceived,
	}
	if b.provider != nil {
		ret.ProvideBufLen = b.provider.len()
	}
	for _, p := range b.peerManager.ConnectedPeers() {
		ret.Peers = append(ret.Peers, p.String())
	}
	return ret, nil
}

// Close shuts down the exchange. Open sessions are closed, which cancels
// their remaining wants
func (b *Bitswap) Close() error {
	var err error
	b.onceClose.Do(func() {
		b.mutex.Lock()
		b.closed = true
		streams := make([]network.Stream, 0, len(b.streams))
		for s := range b.streams {
			streams = append(streams, s)
		}
		b.mutex.Unlock()
		close(b.doneChan)
		if stopErr := b.network.Stop(); stopErr != nil {
			err = errors.Join(err, stopErr)
		}
		for _, s := range streams {
			_ = s.Reset()
		}
		b.sessions.Stop()
		for _, conn := range b.peerManager.conns() {
			conn.close()
		}
		b.cancel()
		b.waitGroup.Wait()
		b.engine.Stop()
		b.wantManager.Stop()
		if b.provider != nil {
			b.provider.stop()
		}
		if b.ledgerDatastore != nil {
			ctx, cancel := context.WithTimeout(context.Background(), ledgerSaveTimeout)
			if saveErr := b.ledger.Save(ctx, b.ledgerDatastore); saveErr != nil {
				err = errors.Join(err, fmt.Errorf("bitswap: saving ledger: %w", saveErr))
			}
			cancel()
		}
	})
	return err
}

func (b *Bitswap) isClosed() bool {
	select {
	case <-b.doneChan:
		return true
	default:
		return false
	}
}

// PeerConnected starts the outbound queue for a newly connected peer
func (b *Bitswap) PeerConnected(p peer.ID) {
	if p == b.network.Self() {
		return
	}
	conn := newPeerConn(
		p,
		peerConnConfig{
			Network:        b.network,
			Logger:         b.logger,
			MaxMessageSize: b.maxMessageSize,
			MaxResponses:   b.maxEntriesPerPeer,
			SentFunc:       b.messageSent,
			ErrorFunc:      b.peerError,
			DroppedFunc:    b.metrics.RecordEntriesDropped,
			FailedFunc:     b.wantsFailed,
		},
	)
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return
	}
	if !b.peerManager.addPeer(p, conn) {
		b.mutex.Unlock()
		return
	}
	b.waitGroup.Add(1)
	b.mutex.Unlock()
	go func() {
		defer b.waitGroup.Done()
		conn.run()
	}()
	b.ledger.PeerConnected(p)
	b.metrics.AddPeers(1)
	_ = b.wantManager.PeerConnected(p)
	b.logger.Debug("peer connected", "peer", p.String())
}

// PeerDisconnected flushes all state held for the peer
func (b *Bitswap) PeerDisconnected(p peer.ID) {
	conn, ok := b.peerManager.removePeer(p)
	if !ok {
		return
	}
	conn.close()
	_ = b.wantManager.PeerDisconnected(p)
	b.engine.PeerDisconnected(p)
	b.ledger.PeerDisconnected(p)
	b.metrics.AddPeers(-1)
	b.logger.Debug("peer disconnected", "peer", p.String())
}

// HandleStream reads messages from an inbound stream until it ends. Wants go
// to the engine, while blocks and presences go to the want manager
func (b *Bitswap) HandleStream(s network.Stream) {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		_ = s.Reset()
		return
	}
	b.streams[s] = struct{}{}
	b.waitGroup.Add(1)
	b.mutex.Unlock()
	defer func() {
		b.mutex.Lock()
		delete(b.streams, s)
		b.mutex.Unlock()
		b.waitGroup.Done()
	}()
	p := s.Peer()
	logger := b.logger.With("peer", p.String(), "role", "responder")
	reader := message.NewReader(s, b.maxMessageSize)
	for {
		msg, _, err := reader.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF) || b.isClosed():
				_ = s.Close()
			case protocol.IsProtocolViolation(err):
				b.ledger.Penalize(p)
				b.metrics.RecordProtocolViolation()
				b.peerError(p, fmt.Errorf("peer %s: %w", p, err))
				_ = s.Reset()
			default:
				logger.Debug("stream read failed", "error", err)
				_ = s.Reset()
			}
			return
		}
		b.metrics.RecordMessageReceived()
		if err := b.wantManager.ReceiveMessage(b.ctx, p, msg); err != nil {
			if protocol.IsProtocolViolation(err) {
				b.peerError(p, fmt.Errorf("peer %s: %w", p, err))
				_ = s.Reset()
				return
			}
			if errors.Is(err, protocol.ErrProtocolShuttingDown) {
				_ = s.Reset()
				return
			}
			logger.Warn("failed to process received blocks", "error", err)
		}
		if err := b.engine.MessageReceived(b.ctx, p, msg); err != nil {
			if b.ctx.Err() != nil {
				_ = s.Reset()
				return
			}
			logger.Warn("failed to process want-list", "error", err)
		}
	}
}

func (b *Bitswap) messageSent(p peer.ID, msg *message.Message) {
	b.engine.MessageSent(p, msg)
	b.metrics.RecordMessageSent()
}

// peerError records a peer's error and reports it on the error channel
// without blocking
func (b *Bitswap) peerError(p peer.ID, err error) {
	b.peerManager.recordError(p, err)
	b.logger.Warn("peer error", "peer", p.String(), "error", err)
	select {
	case b.errorChan <- err:
	default:
		b.logger.Debug("error channel full, dropping error", "error", err)
	}
}

func (b *Bitswap) wantsFailed(p peer.ID, cids []cid.Cid) {
	if err := b.wantManager.SendFailed(p, cids); err != nil {
		b.logger.Debug("failed to requeue wants", "peer", p.String(), "error", err)
	}
}

func (b *Bitswap) peerCountLoop() {
	defer b.waitGroup.Done()
	ticker := time.NewTicker(peerCountLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.logger.Info(
				"connected peers",
				"count", b.peerManager.NumPeers(),
				"sessions", b.sessions.NumSessions(),
			)
		}
	}
}

// providerConnector connects to providers found by sessions and tags them
type providerConnector struct {
	bitswap *Bitswap
}

func (c providerConnector) ConnectTo(ctx context.Context, p peer.ID) error {
	if err := c.bitswap.network.ConnectTo(ctx, p); err != nil {
		return err
	}
	c.bitswap.peerManager.AddTags(
		p,
		PeerManagerTagHostProvider,
		PeerManagerTagRoleInitiator,
	)
	return nil
}

func blockCids(blks []blocks.Block) []cid.Cid {
	ret := make([]cid.Cid, 0, len(blks))
	for _, blk := range blks {
		ret = append(ret, blk.Cid())
	}
	return ret
}

func entryCids(entries []message.Entry) []cid.Cid {
	ret := make([]cid.Cid, 0, len(entries))
	for _, entry := range entries {
		ret = append(ret, entry.Cid)
	}
	return ret
}
