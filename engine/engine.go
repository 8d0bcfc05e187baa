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

// Package engine decides how to answer the want-lists of remote peers and
// schedules outgoing blocks fairly across them
package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/blinklabs-io/gobitswap/blockstore"
	"github.com/blinklabs-io/gobitswap/ledger"
	"github.com/blinklabs-io/gobitswap/message"
	"github.com/blinklabs-io/gobitswap/metrics"
	"github.com/blinklabs-io/gobitswap/protocol"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxEntriesPerPeer   = 1024
	DefaultDebtorServeInterval = 10
	DefaultLookupWorkers       = 8
	lookupQueueSize            = 256
)

// Response is a block or block presence for a peer
type Response struct {
	Cid cid.Cid
	// Block is nil for presences
	Block    blocks.Block
	Presence message.PresenceType
}

// ResponseSender delivers responses to peers. Implementations must not block
type ResponseSender interface {
	// SendResponses queues responses for the peer. It returns false if the peer
	// is not connected or some of the responses didn't fit in its queue
	SendResponses(peer.ID, []Response) bool
	// CancelResponses withdraws queued responses for the CIDs that haven't been
	// written yet
	CancelResponses(peer.ID, []cid.Cid)
}

// Config is used to configure the Engine
type Config struct {
	Blockstore blockstore.Blockstore
	Ledger     *ledger.Ledger
	Sender     ResponseSender
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	// QuietMode suppresses DontHave for absent blocks requested with WantBlock
	QuietMode           bool
	MaxEntriesPerPeer   int
	DebtorServeInterval int
	LookupWorkers       int
	MaxMessageSize      int
}

// EngineOptionFunc represents a function used to modify the Engine config
type EngineOptionFunc func(*Config)

// NewConfig returns a new Engine config object with the provided options
func NewConfig(options ...EngineOptionFunc) Config {
	c := Config{
		MaxEntriesPerPeer:   DefaultMaxEntriesPerPeer,
		DebtorServeInterval: DefaultDebtorServeInterval,
		LookupWorkers:       DefaultLookupWorkers,
		MaxMessageSize:      message.MaxMessageSize,
	}
	for _, option := range options {
		option(&c)
	}
	return c
}

// WithBlockstore specifies the block store that requests are served from
func WithBlockstore(bs blockstore.Blockstore) EngineOptionFunc {
	return func(c *Config) {
		c.Blockstore = bs
	}
}

// WithLedger specifies the ledger
func WithLedger(l *ledger.Ledger) EngineOptionFunc {
	return func(c *Config) {
		c.Ledger = l
	}
}

// WithSender specifies where responses are sent
func WithSender(sender ResponseSender) EngineOptionFunc {
	return func(c *Config) {
		c.Sender = sender
	}
}

// WithMetrics specifies the metrics
func WithMetrics(m *metrics.Metrics) EngineOptionFunc {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithLogger specifies the logger
func WithLogger(logger *slog.Logger) EngineOptionFunc {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithQuietMode specifies whether DontHave is suppressed for absent blocks
// requested with WantBlock
func WithQuietMode(quietMode bool) EngineOptionFunc {
	return func(c *Config) {
		c.QuietMode = quietMode
	}
}

// WithMaxEntriesPerPeer specifies the maximum size of a peer's want-list
func WithMaxEntriesPerPeer(maxEntries int) EngineOptionFunc {
	return func(c *Config) {
		c.MaxEntriesPerPeer = maxEntries
	}
}

// WithDebtorServeInterval specifies how many tasks for peers not in debt are
// served before a task for a peer in debt
func WithDebtorServeInterval(interval int) EngineOptionFunc {
	return func(c *Config) {
		c.DebtorServeInterval = interval
	}
}

// WithLookupWorkers specifies the number of block store lookup workers
func WithLookupWorkers(workers int) EngineOptionFunc {
	return func(c *Config) {
		c.LookupWorkers = workers
	}
}

// WithMaxMessageSize specifies the frame ceiling used to reject oversized blocks
func WithMaxMessageSize(maxSize int) EngineOptionFunc {
	return func(c *Config) {
		c.MaxMessageSize = maxSize
	}
}

type peerWant struct {
	entry message.Entry
	seq   uint64
}

type peerWants struct {
	wants map[cid.Cid]*peerWant
}

// Engine tracks remote want-lists and answers them
type Engine struct {
	config     Config
	logger     *slog.Logger
	ledger     *ledger.Ledger
	mutex      sync.Mutex
	peers      map[peer.ID]*peerWants
	queue      *taskQueue
	parked     map[peer.ID][]*task
	seq        atomic.Uint64
	pool       *lookupWorkerPool
	workSignal chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	group      *errgroup.Group
	onceStart  sync.Once
	onceStop   sync.Once
}

// New returns a new Engine
func New(cfg Config) (*Engine, error) {
	if cfg.Blockstore == nil {
		return nil, errors.New("engine requires a block store")
	}
	if cfg.Sender == nil {
		return nil, errors.New("engine requires a response sender")
	}
	if cfg.MaxEntriesPerPeer <= 0 {
		cfg.MaxEntriesPerPeer = DefaultMaxEntriesPerPeer
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = message.MaxMessageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	l := cfg.Ledger
	if l == nil {
		l = ledger.New(ledger.NewConfig())
	}
	e := &Engine{
		config:     cfg,
		logger:     logger.With("component", "engine"),
		ledger:     l,
		peers:      make(map[peer.ID]*peerWants),
		queue:      newTaskQueue(cfg.DebtorServeInterval),
		parked:     make(map[peer.ID][]*task),
		workSignal: make(chan struct{}, 1),
	}
	e.pool = newLookupWorkerPool(
		lookupWorkerPoolConfig{
			Process:    e.lookup,
			NumWorkers: cfg.LookupWorkers,
			QueueSize:  lookupQueueSize,
		},
	)
	return e, nil
}

// Start starts the lookup workers and the dispatcher
func (e *Engine) Start() {
	e.onceStart.Do(func() {
		e.ctx, e.cancel = context.WithCancel(context.Background())
		e.group, e.ctx = errgroup.WithContext(e.ctx)
		e.pool.Start(e.ctx, e.group)
		e.group.Go(func() error {
			e.dispatch(e.ctx)
			return nil
		})
	})
}

// Stop stops the engine and waits for its goroutines to exit
func (e *Engine) Stop() {
	e.onceStop.Do(func() {
		if e.cancel == nil {
			return
		}
		e.cancel()
		_ = e.group.Wait()
	})
}

func (e *Engine) signal() {
	select {
	case e.workSignal <- struct{}{}:
	default:
	}
}

func (e *Engine) findOrCreatePeer(p peer.ID) *peerWants {
	pw, ok := e.peers[p]
	if !ok {
		pw = &peerWants{
			wants: make(map[cid.Cid]*peerWant),
		}
		e.peers[p] = pw
	}
	return pw
}

// removeWant drops a remote want along with its queued task. The mutex must be held
func (e *Engine) removeWant(p peer.ID, pw *peerWants, c cid.Cid) {
	delete(pw.wants, c)
	e.queue.Remove(p, c)
}

// MessageReceived applies a peer's want-list changes. Cancels take effect
// immediately. New wants are looked up in the block store by the worker pool.
// Entries over the per-peer limit are dropped and counted
func (e *Engine) MessageReceived(ctx context.Context, p peer.ID, msg *message.Message) error {
	if len(msg.Wantlist) == 0 && !msg.Full {
		return nil
	}
	var cancels []cid.Cid
	var jobs []*lookupJob
	var dropped int
	e.mutex.Lock()
	pw := e.findOrCreatePeer(p)
	if msg.Full {
		keep := make(map[cid.Cid]struct{}, len(msg.Wantlist))
		for _, entry := range msg.Wantlist {
			if !entry.Cancel {
				keep[entry.Cid] = struct{}{}
			}
		}
		for c := range pw.wants {
			if _, ok := keep[c]; !ok {
				e.removeWant(p, pw, c)
				cancels = append(cancels, c)
			}
		}
	}
	for _, entry := range msg.Wantlist {
		if entry.Cancel {
			if _, ok := pw.wants[entry.Cid]; ok {
				e.removeWant(p, pw, entry.Cid)
			}
			cancels = append(cancels, entry.Cid)
			continue
		}
		existing, ok := pw.wants[entry.Cid]
		if ok {
			if existing.entry.WantType == message.WantTypeBlock && entry.WantType == message.WantTypeHave {
				existing.entry.Priority = entry.Priority
				existing.entry.SendDontHave = existing.entry.SendDontHave || entry.SendDontHave
				continue
			}
		} else if len(pw.wants) >= e.config.MaxEntriesPerPeer {
			dropped++
			continue
		}
		tmpWant := &peerWant{
			entry: entry,
			seq:   e.seq.Add(1),
		}
		pw.wants[entry.Cid] = tmpWant
		jobs = append(
			jobs,
			&lookupJob{peer: p, entry: entry, seq: tmpWant.seq},
		)
	}
	if len(cancels) > 0 {
		e.config.Sender.CancelResponses(p, cancels)
	}
	e.mutex.Unlock()
	if dropped > 0 {
		e.config.Metrics.RecordEntriesDropped(dropped)
		e.logger.Debug(
			"dropped want-list entries over limit",
			"peer", p.String(),
			"dropped", dropped,
		)
	}
	for _, job := range jobs {
		if err := e.pool.Submit(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// lookup checks the block store for a single want and commits the decision
func (e *Engine) lookup(ctx context.Context, job *lookupJob) {
	size, err := e.config.Blockstore.GetSize(ctx, job.entry.Cid)
	present := err == nil
	if err != nil && !errors.Is(err, blockstore.ErrNotFound) {
		if ctx.Err() == nil {
			e.logger.Warn(
				"block store lookup failed",
				"cid", job.entry.Cid.String(),
				"error", err,
			)
		}
		return
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	pw, ok := e.peers[job.peer]
	if !ok {
		return
	}
	tmpWant, ok := pw.wants[job.entry.Cid]
	if !ok || tmpWant.seq != job.seq {
		// Cancelled or replaced while we were looking
		return
	}
	e.decide(job.peer, pw, tmpWant, present, size)
}

// decide answers a want given whether we have the block. The mutex must be held
func (e *Engine) decide(p peer.ID, pw *peerWants, tmpWant *peerWant, present bool, size int) {
	entry := tmpWant.entry
	if !present {
		if entry.WantType == message.WantTypeHave ||
			(entry.SendDontHave && !e.config.QuietMode) {
			e.sendPresence(p, entry.Cid, message.PresenceTypeDontHave)
			e.removeWant(p, pw, entry.Cid)
		}
		// Otherwise keep the want around in case the block shows up
		return
	}
	if entry.WantType == message.WantTypeHave {
		e.sendPresence(p, entry.Cid, message.PresenceTypeHave)
		e.removeWant(p, pw, entry.Cid)
		return
	}
	if !message.FitsInFrame(size, e.config.MaxMessageSize) {
		e.config.Metrics.RecordBlockTooLarge()
		e.logger.Warn(
			"not serving block",
			"peer", p.String(),
			"cid", entry.Cid.String(),
			"size", size,
			"error", protocol.ErrBlockTooLarge,
		)
		if entry.SendDontHave {
			e.sendPresence(p, entry.Cid, message.PresenceTypeDontHave)
		}
		e.removeWant(p, pw, entry.Cid)
		return
	}
	e.queue.Push(
		&task{
			peer:     p,
			cid:      entry.Cid,
			priority: entry.Priority,
			seq:      tmpWant.seq,
			debtor:   e.ledger.IsPeerInDebt(p),
		},
	)
	e.signal()
}

func (e *Engine) sendPresence(p peer.ID, c cid.Cid, presenceType message.PresenceType) {
	e.config.Sender.SendResponses(
		p,
		[]Response{{Cid: c, Presence: presenceType}},
	)
}

// dispatch serves queued block tasks in order
func (e *Engine) dispatch(ctx context.Context) {
	for {
		e.mutex.Lock()
		t := e.nextTask()
		e.mutex.Unlock()
		if t == nil {
			select {
			case <-ctx.Done():
				return
			case <-e.workSignal:
			}
			continue
		}
		blk, err := e.config.Blockstore.Get(ctx, t.cid)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Warn(
				"failed to load block for peer",
				"peer", t.peer.String(),
				"cid", t.cid.String(),
				"error", err,
			)
			continue
		}
		e.mutex.Lock()
		if e.stillWanted(t) {
			if e.config.Sender.SendResponses(t.peer, []Response{{Cid: t.cid, Block: blk}}) {
				e.removeWant(t.peer, e.peers[t.peer], t.cid)
			} else {
				// The want stays until the peer's queue has room again
				e.parked[t.peer] = append(e.parked[t.peer], t)
			}
		}
		e.mutex.Unlock()
	}
}

// nextTask pops the next task that is still wanted. The mutex must be held
func (e *Engine) nextTask() *task {
	for {
		t := e.queue.Pop()
		if t == nil || e.stillWanted(t) {
			return t
		}
	}
}

// stillWanted checks the task against the peer's current want-list. The mutex must be held
func (e *Engine) stillWanted(t *task) bool {
	pw, ok := e.peers[t.peer]
	if !ok {
		return false
	}
	tmpWant, ok := pw.wants[t.cid]
	return ok && tmpWant.seq == t.seq && tmpWant.entry.WantType == message.WantTypeBlock
}

// NotifyNewBlocks serves stored wants that match blocks that just became
// available locally
func (e *Engine) NotifyNewBlocks(blks []blocks.Block) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	for p, pw := range e.peers {
		for _, blk := range blks {
			tmpWant, ok := pw.wants[blk.Cid()]
			if !ok {
				continue
			}
			if e.queue.Has(p, blk.Cid()) {
				continue
			}
			e.decide(p, pw, tmpWant, true, len(blk.RawData()))
		}
	}
}

// MessageSent records a message written to a peer in the ledger. Blocks that
// didn't fit in the peer's send queue are queued again
func (e *Engine) MessageSent(p peer.ID, msg *message.Message) {
	for _, blk := range msg.Blocks {
		size := len(blk.RawData())
		e.ledger.RecordSent(p, size, true)
		e.config.Metrics.RecordBlockSent(size)
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	parked := e.parked[p]
	if len(parked) == 0 {
		return
	}
	delete(e.parked, p)
	for _, t := range parked {
		if e.stillWanted(t) && !e.queue.Has(t.peer, t.cid) {
			e.queue.Push(t)
		}
	}
	e.signal()
}

// PeerDisconnected drops the peer's want-list and queued tasks
func (e *Engine) PeerDisconnected(p peer.ID) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	delete(e.peers, p)
	delete(e.parked, p)
	e.queue.RemovePeer(p)
}

// WantlistForPeer returns the peer's current want-list
func (e *Engine) WantlistForPeer(p peer.ID) []message.Entry {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	pw, ok := e.peers[p]
	if !ok {
		return nil
	}
	ret := make([]message.Entry, 0, len(pw.wants))
	for _, tmpWant := range pw.wants {
		ret = append(ret, tmpWant.entry)
	}
	return ret
}

// NumQueuedTasks returns the number of blocks waiting to be sent
func (e *Engine) NumQueuedTasks() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.queue.Len()
}
