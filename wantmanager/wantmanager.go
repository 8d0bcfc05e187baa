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

// Package wantmanager owns the local want-list. It multiplexes any number of
// local callers and sessions onto at most one wire-level want per peer and CID
package wantmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blinklabs-io/gobitswap/block"
	"github.com/blinklabs-io/gobitswap/ledger"
	"github.com/blinklabs-io/gobitswap/message"
	"github.com/blinklabs-io/gobitswap/protocol"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
)

const commandQueueSize = 256

// PeerSender delivers want entries to a peer. Implementations must not block
type PeerSender interface {
	// SendWants queues wants and cancels for the peer. It returns false if the
	// peer is not connected
	SendWants(peer.ID, []message.Entry) bool
}

// EventType identifies the kind of Event
type EventType int

const (
	EventBlockReceived EventType = iota
	EventHaveReceived
	EventDontHaveReceived
	EventWantDone
	EventPeerConnected
	EventPeerDisconnected
	// EventSendFailed means a want never reached the peer
	EventSendFailed
)

// Event is delivered to subscribers
type Event struct {
	Type  EventType
	Peer  peer.ID
	Cid   cid.Cid
	Block blocks.Block
	Err   error
}

// Subscriber receives want events for a session. HandleWantEvent is called from
// the WantManager goroutine and must not block
type Subscriber interface {
	HandleWantEvent(Event)
}

type want struct {
	cid      cid.Cid
	priority int32
	wantType message.WantType
	handles  map[uint64]*Handle
}

// WantManager tracks local wants and what has been sent to which peer. All
// state is owned by a single goroutine fed through a command channel
type WantManager struct {
	config     Config
	logger     *slog.Logger
	ledger     *ledger.Ledger
	cmdChan    chan func()
	doneChan   chan struct{}
	onceStart  sync.Once
	onceStop   sync.Once
	waitGroup  sync.WaitGroup
	nextHandle atomic.Uint64
	// Owned by the run loop
	wants       map[cid.Cid]*want
	numHandles  int
	sent        map[peer.ID]map[cid.Cid]message.WantType
	subscribers map[uint64]Subscriber
}

// New returns a new WantManager
func New(cfg Config) *WantManager {
	if cfg.MaxWants <= 0 {
		cfg.MaxWants = DefaultMaxWants
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	l := cfg.Ledger
	if l == nil {
		l = ledger.New(ledger.NewConfig())
	}
	return &WantManager{
		config:      cfg,
		logger:      logger.With("component", "wantmanager"),
		ledger:      l,
		cmdChan:     make(chan func(), commandQueueSize),
		doneChan:    make(chan struct{}),
		wants:       make(map[cid.Cid]*want),
		sent:        make(map[peer.ID]map[cid.Cid]message.WantType),
		subscribers: make(map[uint64]Subscriber),
	}
}

// Start starts the command loop
func (w *WantManager) Start() {
	w.onceStart.Do(func() {
		w.waitGroup.Add(1)
		go w.run()
	})
}

// Stop stops the command loop and fails all outstanding wants
func (w *WantManager) Stop() {
	w.onceStop.Do(func() {
		close(w.doneChan)
		w.waitGroup.Wait()
		for _, tmpWant := range w.wants {
			for _, h := range tmpWant.handles {
				h.resolve(nil, protocol.ErrProtocolShuttingDown)
			}
		}
		w.wants = make(map[cid.Cid]*want)
		w.numHandles = 0
	})
}

func (w *WantManager) run() {
	defer w.waitGroup.Done()
	for {
		select {
		case <-w.doneChan:
			return
		case cmd := <-w.cmdChan:
			cmd()
		}
	}
}

func (w *WantManager) exec(cmd func()) error {
	select {
	case <-w.doneChan:
		return protocol.ErrProtocolShuttingDown
	default:
	}
	select {
	case w.cmdChan <- cmd:
		return nil
	case <-w.doneChan:
		return protocol.ErrProtocolShuttingDown
	}
}

func (w *WantManager) execSync(cmd func()) error {
	done := make(chan struct{})
	err := w.exec(func() {
		cmd()
		close(done)
	})
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-w.doneChan:
		return protocol.ErrProtocolShuttingDown
	}
}

// Want registers a want for the CID, or adds a handle to an existing one. A
// block already in the block store resolves the handle immediately. The want is
// cancelled when ctx is done
func (w *WantManager) Want(
	ctx context.Context,
	c cid.Cid,
	priority int32,
	wantType message.WantType,
	options ...WantOptionFunc,
) (*Handle, error) {
	if !c.Defined() {
		return nil, errors.New("want for undefined CID")
	}
	opts := wantOptions{
		timeout: w.config.WantTimeout,
	}
	for _, option := range options {
		option(&opts)
	}
	h := newHandle(w.nextHandle.Add(1), c, opts.sessionId)
	if w.config.Blockstore != nil {
		blk, err := w.config.Blockstore.Get(ctx, c)
		if err == nil {
			h.resolve(blk, nil)
			return h, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Any other store failure just means we go to the network
	}
	var overloaded bool
	err := w.execSync(func() {
		if w.numHandles >= w.config.MaxWants {
			overloaded = true
			return
		}
		tmpWant, ok := w.wants[c]
		if !ok {
			tmpWant = &want{
				cid:      c,
				priority: priority,
				wantType: wantType,
				handles:  make(map[uint64]*Handle),
			}
			w.wants[c] = tmpWant
		} else {
			tmpWant.priority = max(tmpWant.priority, priority)
			if wantType == message.WantTypeBlock {
				tmpWant.wantType = message.WantTypeBlock
			}
		}
		tmpWant.handles[h.id] = h
		w.numHandles++
		if opts.subscriber != nil {
			w.subscribers[opts.sessionId] = opts.subscriber
		}
		if opts.timeout > 0 {
			h.setTimer(
				time.AfterFunc(opts.timeout, func() {
					_ = w.Fail(h, protocol.ErrNotFound)
				}),
			)
		}
		w.config.Metrics.SetWants(len(w.wants))
	})
	if err != nil {
		return nil, err
	}
	if overloaded {
		w.config.Metrics.RecordWantRejected()
		return nil, fmt.Errorf(
			"%w: %d outstanding wants",
			protocol.ErrOverloaded,
			w.config.MaxWants,
		)
	}
	if ctx.Done() != nil {
		h.setStopCtx(context.AfterFunc(ctx, func() {
			_ = w.Fail(h, ctx.Err())
		}))
	}
	return h, nil
}

// Cancel withdraws the handle. Cancelling a resolved or already cancelled
// handle does nothing
func (w *WantManager) Cancel(h *Handle) error {
	return w.Fail(h, context.Canceled)
}

// Fail resolves the handle with the given error and removes it. If no other
// handle wants the CID, cancels are sent to every peer that was asked
func (w *WantManager) Fail(h *Handle, err error) error {
	return w.exec(func() {
		w.removeHandle(h, err)
	})
}

// Subscribe registers a subscriber for peer events
func (w *WantManager) Subscribe(id uint64, subscriber Subscriber) error {
	return w.exec(func() {
		w.subscribers[id] = subscriber
	})
}

// Unsubscribe removes a subscriber
func (w *WantManager) Unsubscribe(id uint64) error {
	return w.exec(func() {
		delete(w.subscribers, id)
	})
}

// SendWants sends want entries to the peer. Entries for CIDs that are not
// wanted, or that the peer already has outstanding, are skipped. A WantHave
// already sent may be upgraded to a WantBlock
func (w *WantManager) SendWants(p peer.ID, entries []message.Entry) error {
	return w.exec(func() {
		w.sendWants(p, entries)
	})
}

// CancelAt cancels outstanding wants at a single peer
func (w *WantManager) CancelAt(p peer.ID, cids []cid.Cid) error {
	return w.exec(func() {
		peerSent, ok := w.sent[p]
		if !ok {
			return
		}
		cancels := make([]message.Entry, 0, len(cids))
		for _, c := range cids {
			if _, ok := peerSent[c]; !ok {
				continue
			}
			delete(peerSent, c)
			cancels = append(cancels, message.Entry{Cid: c, Cancel: true})
		}
		if len(cancels) > 0 && w.config.Sender != nil {
			w.config.Sender.SendWants(p, cancels)
		}
	})
}

// ReceiveMessage processes blocks and block presences from a peer. Every block
// is verified before anything else happens. A block that doesn't match its CID
// fails the whole message and penalizes the peer
func (w *WantManager) ReceiveMessage(ctx context.Context, p peer.ID, msg *message.Message) error {
	for _, blk := range msg.Blocks {
		if err := block.Verify(blk); err != nil {
			w.ledger.Penalize(p)
			w.config.Metrics.RecordProtocolViolation()
			w.logger.Warn(
				"rejected block with mismatched hash",
				"peer", p.String(),
				"cid", blk.Cid().String(),
			)
			return err
		}
	}
	var wanted []blocks.Block
	if len(msg.Blocks) > 0 {
		err := w.execSync(func() {
			for _, blk := range msg.Blocks {
				if _, ok := w.wants[blk.Cid()]; ok {
					wanted = append(wanted, blk)
				}
			}
		})
		if err != nil {
			return err
		}
	}
	wantedSet := make(map[cid.Cid]struct{}, len(wanted))
	for _, blk := range wanted {
		wantedSet[blk.Cid()] = struct{}{}
	}
	for _, blk := range msg.Blocks {
		size := len(blk.RawData())
		w.ledger.RecordReceived(p, size, true)
		_, isWanted := wantedSet[blk.Cid()]
		w.config.Metrics.RecordBlockReceived(size, !isWanted)
	}
	if w.config.Blockstore != nil {
		for _, blk := range wanted {
			if err := w.config.Blockstore.Put(ctx, blk); err != nil {
				w.logger.Warn(
					"failed to store block",
					"cid", blk.Cid().String(),
					"error", err,
				)
			}
		}
	}
	if len(wanted) == 0 && len(msg.BlockPresences) == 0 {
		return nil
	}
	err := w.exec(func() {
		w.commit(p, wanted, msg.BlockPresences)
	})
	if err != nil {
		return err
	}
	if len(wanted) > 0 && w.config.BlocksReceivedFunc != nil {
		w.config.BlocksReceivedFunc(ctx, wanted)
	}
	return nil
}

// PeerConnected notifies subscribers of a new peer
func (w *WantManager) PeerConnected(p peer.ID) error {
	return w.exec(func() {
		w.notifyAll(Event{Type: EventPeerConnected, Peer: p})
	})
}

// PeerDisconnected forgets what was sent to the peer and notifies subscribers.
// Wants that were only outstanding at that peer become unserved
func (w *WantManager) PeerDisconnected(p peer.ID) error {
	return w.exec(func() {
		delete(w.sent, p)
		w.notifyAll(Event{Type: EventPeerDisconnected, Peer: p})
	})
}

// SendFailed forgets wants that were queued for the peer but couldn't be
// written, and notifies the sessions holding them so they can ask again
func (w *WantManager) SendFailed(p peer.ID, cids []cid.Cid) error {
	return w.exec(func() {
		if peerSent, ok := w.sent[p]; ok {
			for _, c := range cids {
				delete(peerSent, c)
			}
			if len(peerSent) == 0 {
				delete(w.sent, p)
			}
		}
		w.notifySendFailed(p, cids)
	})
}

// Wantlist returns the current local want-list
func (w *WantManager) Wantlist() []message.Entry {
	var ret []message.Entry
	_ = w.execSync(func() {
		ret = make([]message.Entry, 0, len(w.wants))
		for _, tmpWant := range w.wants {
			ret = append(
				ret,
				message.Entry{
					Cid:      tmpWant.cid,
					Priority: tmpWant.priority,
					WantType: tmpWant.wantType,
				},
			)
		}
	})
	return ret
}

// SentTo returns the wants outstanding at the peer
func (w *WantManager) SentTo(p peer.ID) []message.Entry {
	var ret []message.Entry
	_ = w.execSync(func() {
		peerSent := w.sent[p]
		ret = make([]message.Entry, 0, len(peerSent))
		for c, wantType := range peerSent {
			var priority int32
			if tmpWant, ok := w.wants[c]; ok {
				priority = tmpWant.priority
			}
			ret = append(
				ret,
				message.Entry{
					Cid:      c,
					Priority: priority,
					WantType: wantType,
				},
			)
		}
	})
	return ret
}

// NumWants returns the number of wanted CIDs
func (w *WantManager) NumWants() int {
	var ret int
	_ = w.execSync(func() {
		ret = len(w.wants)
	})
	return ret
}

func (w *WantManager) sendWants(p peer.ID, entries []message.Entry) {
	if w.config.Sender == nil {
		return
	}
	peerSent, ok := w.sent[p]
	if !ok {
		peerSent = make(map[cid.Cid]message.WantType)
	}
	type previous struct {
		wantType message.WantType
		existed  bool
	}
	prev := make(map[cid.Cid]previous, len(entries))
	toSend := make([]message.Entry, 0, len(entries))
	for _, entry := range entries {
		tmpWant, ok := w.wants[entry.Cid]
		if !ok {
			continue
		}
		prevType, existed := peerSent[entry.Cid]
		if existed && (prevType == message.WantTypeBlock || prevType == entry.WantType) {
			continue
		}
		if _, ok := prev[entry.Cid]; ok {
			continue
		}
		prev[entry.Cid] = previous{wantType: prevType, existed: existed}
		peerSent[entry.Cid] = entry.WantType
		entry.Priority = tmpWant.priority
		entry.Cancel = false
		toSend = append(toSend, entry)
	}
	if len(toSend) == 0 {
		return
	}
	if !w.config.Sender.SendWants(p, toSend) {
		// Peer went away, so nothing is outstanding there
		failed := make([]cid.Cid, 0, len(prev))
		for c, tmpPrev := range prev {
			if tmpPrev.existed {
				peerSent[c] = tmpPrev.wantType
			} else {
				delete(peerSent, c)
			}
			failed = append(failed, c)
		}
		if len(peerSent) == 0 {
			delete(w.sent, p)
		}
		w.notifySendFailed(p, failed)
		return
	}
	w.sent[p] = peerSent
}

// removeHandle drops a handle after resolving it with err. Runs on the loop
func (w *WantManager) removeHandle(h *Handle, err error) {
	tmpWant, ok := w.wants[h.cid]
	if !ok {
		return
	}
	if _, ok := tmpWant.handles[h.id]; !ok {
		return
	}
	delete(tmpWant.handles, h.id)
	w.numHandles--
	h.resolve(nil, err)
	w.notify(h.sessionId, Event{Type: EventWantDone, Cid: h.cid, Err: err})
	if len(tmpWant.handles) == 0 {
		delete(w.wants, h.cid)
		w.cancelEverywhere(h.cid, "")
		w.config.Metrics.SetWants(len(w.wants))
	}
}

// cancelEverywhere forgets the CID at every peer and sends cancels to all of
// them except the given one
func (w *WantManager) cancelEverywhere(c cid.Cid, except peer.ID) {
	for p, peerSent := range w.sent {
		if _, ok := peerSent[c]; !ok {
			continue
		}
		delete(peerSent, c)
		if p == except || w.config.Sender == nil {
			continue
		}
		w.config.Sender.SendWants(p, []message.Entry{{Cid: c, Cancel: true}})
	}
}

func (w *WantManager) commit(p peer.ID, blks []blocks.Block, presences []message.BlockPresence) {
	for _, blk := range blks {
		c := blk.Cid()
		tmpWant, ok := w.wants[c]
		if !ok {
			// Resolved by another peer in the meantime
			continue
		}
		delete(w.wants, c)
		sessions := make(map[uint64]struct{})
		for _, h := range tmpWant.handles {
			h.resolve(blk, nil)
			w.numHandles--
			sessions[h.sessionId] = struct{}{}
		}
		for sessionId := range sessions {
			w.notify(
				sessionId,
				Event{Type: EventBlockReceived, Peer: p, Cid: c, Block: blk},
			)
		}
		w.cancelEverywhere(c, p)
	}
	for _, presence := range presences {
		tmpWant, ok := w.wants[presence.Cid]
		if !ok {
			continue
		}
		evtType := EventHaveReceived
		if presence.Type == message.PresenceTypeDontHave {
			evtType = EventDontHaveReceived
			// A DontHave is a final answer and the peer drops the entry
			if peerSent, ok := w.sent[p]; ok {
				delete(peerSent, presence.Cid)
			}
		}
		sessions := make(map[uint64]struct{})
		for _, h := range tmpWant.handles {
			sessions[h.sessionId] = struct{}{}
		}
		for sessionId := range sessions {
			w.notify(
				sessionId,
				Event{Type: evtType, Peer: p, Cid: presence.Cid},
			)
		}
	}
	w.config.Metrics.SetWants(len(w.wants))
}

func (w *WantManager) notify(sessionId uint64, evt Event) {
	if sessionId == 0 {
		return
	}
	if subscriber, ok := w.subscribers[sessionId]; ok {
		subscriber.HandleWantEvent(evt)
	}
}

func (w *WantManager) notifySendFailed(p peer.ID, cids []cid.Cid) {
	for _, c := range cids {
		tmpWant, ok := w.wants[c]
		if !ok {
			continue
		}
		sessions := make(map[uint64]struct{})
		for _, h := range tmpWant.handles {
			sessions[h.sessionId] = struct{}{}
		}
		for sessionId := range sessions {
			w.notify(sessionId, Event{Type: EventSendFailed, Peer: p, Cid: c})
		}
	}
}

func (w *WantManager) notifyAll(evt Event) {
	for _, subscriber := range w.subscribers {
		subscriber.HandleWantEvent(evt)
	}
}
