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

package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/blinklabs-io/gobitswap/message"
	"github.com/blinklabs-io/gobitswap/protocol"
	"github.com/blinklabs-io/gobitswap/wantmanager"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/jpillora/backoff"
	"github.com/libp2p/go-libp2p/core/peer"
)

// ErrSessionClosed is returned when adding wants to a finished session
var ErrSessionClosed = errors.New("session closed")

const (
	scoreBlock    = 2.0
	scoreHave     = 1.0
	scoreDontHave = -1.0
	scoreTimeout  = -0.5
	// Providers found for a CID are preferred over unknown peers
	scoreProvider = 0.5
)

type searchState int

const (
	searchNone searchState = iota
	searchRunning
	searchDone
)

type candidate struct {
	peer  peer.ID
	score float64
}

type sessionWant struct {
	cid    cid.Cid
	handle *wantmanager.Handle
	// Peers with the want outstanding
	asked map[peer.ID]message.WantType
	// Peers that answered DontHave
	exhausted map[peer.ID]struct{}
	// Peer that confirmed Have and was asked for the block
	blockFrom   peer.ID
	providers   map[peer.ID]struct{}
	backoff     *backoff.Backoff
	widenTimer  *time.Timer
	searchTimer *time.Timer
	blockTimer  *time.Timer
	search      searchState
}

func (w *sessionWant) stopTimers() {
	if w.widenTimer != nil {
		w.widenTimer.Stop()
	}
	if w.searchTimer != nil {
		w.searchTimer.Stop()
	}
	w.clearBlockFrom()
}

func (w *sessionWant) clearBlockFrom() {
	w.blockFrom = ""
	if w.blockTimer != nil {
		w.blockTimer.Stop()
		w.blockTimer = nil
	}
}

// stalled is true when the want isn't outstanding at any peer
func (w *sessionWant) stalled() bool {
	return w.blockFrom == "" && len(w.asked) == 0
}

type addMsg struct {
	handles []*wantmanager.Handle
}

type widenMsg struct {
	cid cid.Cid
}

type searchMsg struct {
	cid cid.Cid
}

type blockTimeoutMsg struct {
	cid  cid.Cid
	peer peer.ID
}

type providerMsg struct {
	cid  cid.Cid
	peer peer.ID
}

type searchDoneMsg struct {
	cid cid.Cid
}

// Session is a group of related wants. All session state is owned by a single
// goroutine that drains the session mailbox
type Session struct {
	id        uint64
	config    *Config
	wm        *wantmanager.WantManager
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	opts      sessionOptions
	closeChan chan struct{}
	doneChan  chan struct{}
	onceClose sync.Once
	waitGroup sync.WaitGroup
	// Mailbox
	mailboxMutex  sync.Mutex
	mailbox       []any
	mailboxSignal chan struct{}
	mailboxClosed bool
	// Handles by CID, readable from other goroutines
	handlesMutex sync.Mutex
	handles      map[cid.Cid]*wantmanager.Handle
	blocksChan   chan blocks.Block
	// Owned by the session goroutine
	wants      map[cid.Cid]*sessionWant
	candidates map[peer.ID]*candidate
	hadWants   bool
	outbox     []blocks.Block
}

func newSession(ctx context.Context, m *Manager, id uint64, opts sessionOptions) *Session {
	var sessionCtx context.Context
	var cancel context.CancelFunc
	if opts.timeout > 0 {
		sessionCtx, cancel = context.WithTimeout(ctx, opts.timeout)
	} else {
		sessionCtx, cancel = context.WithCancel(ctx)
	}
	return &Session{
		id:            id,
		config:        &m.config,
		wm:            m.config.WantManager,
		logger:        m.logger.With("session", id),
		ctx:           sessionCtx,
		cancel:        cancel,
		opts:          opts,
		closeChan:     make(chan struct{}),
		doneChan:      make(chan struct{}),
		mailboxSignal: make(chan struct{}, 1),
		handles:       make(map[cid.Cid]*wantmanager.Handle),
		blocksChan:    make(chan blocks.Block),
		wants:         make(map[cid.Cid]*sessionWant),
		candidates:    make(map[peer.ID]*candidate),
	}
}

// Id returns the session ID
func (s *Session) Id() uint64 {
	return s.id
}

// Add adds wants to the session
func (s *Session) Add(cids []cid.Cid) error {
	if s.IsDone() {
		return ErrSessionClosed
	}
	handles := make([]*wantmanager.Handle, 0, len(cids))
	var retErr error
	for _, c := range cids {
		s.handlesMutex.Lock()
		existing, ok := s.handles[c]
		s.handlesMutex.Unlock()
		if ok {
			if _, err := existing.Result(); errors.Is(err, wantmanager.ErrWantPending) {
				continue
			}
		}
		h, err := s.wm.Want(
			context.WithoutCancel(s.ctx),
			c,
			s.opts.priority,
			s.opts.wantType,
			wantmanager.WithSession(s.id, s),
		)
		if err != nil {
			retErr = err
			break
		}
		s.handlesMutex.Lock()
		s.handles[c] = h
		s.handlesMutex.Unlock()
		handles = append(handles, h)
	}
	if len(handles) > 0 && !s.post(addMsg{handles: handles}) {
		for _, h := range handles {
			_ = s.wm.Cancel(h)
		}
		return ErrSessionClosed
	}
	return retErr
}

// Handle returns the want handle for a CID added to the session
func (s *Session) Handle(c cid.Cid) (*wantmanager.Handle, bool) {
	s.handlesMutex.Lock()
	defer s.handlesMutex.Unlock()
	h, ok := s.handles[c]
	return h, ok
}

// Blocks returns a channel of received blocks. It's only fed when the session
// was opened with WithBlockChannel, and is closed when the session finishes
func (s *Session) Blocks() <-chan blocks.Block {
	return s.blocksChan
}

// IsDone returns true once the session has finished
func (s *Session) IsDone() bool {
	select {
	case <-s.doneChan:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed when the session finishes
func (s *Session) Done() <-chan struct{} {
	return s.doneChan
}

// Close cancels all remaining wants and waits for the session to finish
func (s *Session) Close() {
	s.onceClose.Do(func() {
		close(s.closeChan)
	})
	<-s.doneChan
}

// HandleWantEvent queues an event from the WantManager
func (s *Session) HandleWantEvent(evt wantmanager.Event) {
	s.post(evt)
}

// post adds an item to the mailbox. It never blocks and returns false once the
// session has finished
func (s *Session) post(item any) bool {
	s.mailboxMutex.Lock()
	if s.mailboxClosed {
		s.mailboxMutex.Unlock()
		return false
	}
	s.mailbox = append(s.mailbox, item)
	s.mailboxMutex.Unlock()
	select {
	case s.mailboxSignal <- struct{}{}:
	default:
	}
	return true
}

func (s *Session) drain() []any {
	s.mailboxMutex.Lock()
	defer s.mailboxMutex.Unlock()
	ret := s.mailbox
	s.mailbox = nil
	return ret
}

func (s *Session) start() {
	go s.run()
}

func (s *Session) run() {
	failErr := error(context.Canceled)
	defer func() {
		s.finish(failErr)
	}()
	for {
		if s.hadWants && len(s.wants) == 0 && len(s.outbox) == 0 {
			failErr = nil
			return
		}
		var out chan blocks.Block
		var next blocks.Block
		if len(s.outbox) > 0 {
			out = s.blocksChan
			next = s.outbox[0]
		}
		select {
		case <-s.closeChan:
			return
		case <-s.ctx.Done():
			if errors.Is(s.ctx.Err(), context.DeadlineExceeded) {
				failErr = protocol.ErrNotFound
			}
			return
		case <-s.mailboxSignal:
			for _, item := range s.drain() {
				s.handleItem(item)
			}
		case out <- next:
			s.outbox = s.outbox[1:]
		}
	}
}

func (s *Session) finish(failErr error) {
	s.mailboxMutex.Lock()
	s.mailboxClosed = true
	leftover := s.mailbox
	s.mailbox = nil
	s.mailboxMutex.Unlock()
	if failErr == nil {
		failErr = context.Canceled
	}
	for _, w := range s.wants {
		w.stopTimers()
		_ = s.wm.Fail(w.handle, failErr)
	}
	for _, item := range leftover {
		if msg, ok := item.(addMsg); ok {
			for _, h := range msg.handles {
				_ = s.wm.Fail(h, failErr)
			}
		}
	}
	s.wants = nil
	s.cancel()
	s.waitGroup.Wait()
	_ = s.wm.Unsubscribe(s.id)
	close(s.blocksChan)
	close(s.doneChan)
	s.logger.Debug("session finished")
}

func (s *Session) handleItem(item any) {
	switch msg := item.(type) {
	case addMsg:
		for _, h := range msg.handles {
			s.addWant(h)
		}
	case wantmanager.Event:
		s.handleEvent(msg)
	case widenMsg:
		if w, ok := s.wants[msg.cid]; ok {
			s.widen(w)
		}
	case searchMsg:
		if w, ok := s.wants[msg.cid]; ok && w.blockFrom == "" {
			s.startSearch(w)
		}
	case blockTimeoutMsg:
		if w, ok := s.wants[msg.cid]; ok && w.blockFrom == msg.peer {
			s.blockTimeout(w)
		}
	case providerMsg:
		s.addProvider(msg.cid, msg.peer)
	case searchDoneMsg:
		if w, ok := s.wants[msg.cid]; ok {
			w.search = searchDone
			s.checkExhausted(w)
		}
	}
}

func (s *Session) handleEvent(evt wantmanager.Event) {
	switch evt.Type {
	case wantmanager.EventPeerConnected:
		s.addCandidate(evt.Peer)
		for _, w := range s.wants {
			_, isProvider := w.providers[evt.Peer]
			if isProvider || w.stalled() {
				s.sendTo(w, evt.Peer, message.WantTypeHave)
			}
		}
		return
	case wantmanager.EventPeerDisconnected:
		delete(s.candidates, evt.Peer)
		for _, w := range s.wants {
			delete(w.asked, evt.Peer)
			if w.blockFrom == evt.Peer {
				w.clearBlockFrom()
			}
			if w.stalled() {
				s.broadcast(w)
			}
		}
		return
	}
	w, ok := s.wants[evt.Cid]
	if !ok {
		return
	}
	switch evt.Type {
	case wantmanager.EventBlockReceived:
		s.adjustScore(evt.Peer, scoreBlock)
		s.removeWant(w)
		if s.opts.blockChannel {
			s.outbox = append(s.outbox, evt.Block)
		}
	case wantmanager.EventWantDone:
		s.removeWant(w)
	case wantmanager.EventHaveReceived:
		s.handleHave(w, evt.Peer)
	case wantmanager.EventDontHaveReceived:
		s.handleDontHave(w, evt.Peer)
	case wantmanager.EventSendFailed:
		s.handleSendFailed(w, evt.Peer)
	}
}

func (s *Session) addWant(h *wantmanager.Handle) {
	c := h.Cid()
	if _, ok := s.wants[c]; ok {
		return
	}
	s.hadWants = true
	// Found locally, or resolved before we got here
	if blk, err := h.Result(); !errors.Is(err, wantmanager.ErrWantPending) {
		if err == nil && s.opts.blockChannel {
			s.outbox = append(s.outbox, blk)
		}
		return
	}
	w := &sessionWant{
		cid:       c,
		handle:    h,
		asked:     make(map[peer.ID]message.WantType),
		exhausted: make(map[peer.ID]struct{}),
		providers: make(map[peer.ID]struct{}),
		backoff: &backoff.Backoff{
			Min:    s.config.WidenDelayMin,
			Max:    s.config.WidenDelayMax,
			Factor: 2,
		},
	}
	s.wants[c] = w
	s.broadcast(w)
	if s.config.Providers != nil && s.config.ProviderSearchDelay > 0 {
		w.searchTimer = time.AfterFunc(s.config.ProviderSearchDelay, func() {
			s.post(searchMsg{cid: c})
		})
	}
}

func (s *Session) removeWant(w *sessionWant) {
	w.stopTimers()
	delete(s.wants, w.cid)
}

// broadcast sends the want to the next best candidates that haven't been asked
// yet. With nothing left to ask it falls back to a provider lookup
func (s *Session) broadcast(w *sessionWant) {
	picked := s.pickCandidates(w, s.config.BroadcastPeers)
	if len(picked) == 0 {
		if len(w.asked) > 0 {
			// Keep waiting on the peers already asked
			s.scheduleWiden(w)
			return
		}
		s.startSearch(w)
		s.checkExhausted(w)
		return
	}
	eagerBlock := s.opts.wantType == message.WantTypeBlock && len(w.asked) == 0
	for i, p := range picked {
		wantType := message.WantTypeHave
		if eagerBlock && i == 0 {
			wantType = message.WantTypeBlock
		}
		s.sendTo(w, p, wantType)
	}
	s.scheduleWiden(w)
}

func (s *Session) scheduleWiden(w *sessionWant) {
	if w.widenTimer != nil {
		w.widenTimer.Stop()
	}
	c := w.cid
	w.widenTimer = time.AfterFunc(w.backoff.Duration(), func() {
		s.post(widenMsg{cid: c})
	})
}

// widen runs when nobody answered within the backoff window
func (s *Session) widen(w *sessionWant) {
	if w.blockFrom != "" {
		return
	}
	for p := range w.asked {
		s.adjustScore(p, scoreTimeout)
	}
	s.broadcast(w)
}

func (s *Session) sendTo(w *sessionWant, p peer.ID, wantType message.WantType) {
	if _, ok := w.exhausted[p]; ok {
		return
	}
	if prev, ok := w.asked[p]; ok && (prev == message.WantTypeBlock || prev == wantType) {
		return
	}
	w.asked[p] = wantType
	_ = s.wm.SendWants(
		p,
		[]message.Entry{
			{
				Cid:          w.cid,
				Priority:     s.opts.priority,
				WantType:     wantType,
				SendDontHave: true,
			},
		},
	)
}

func (s *Session) handleHave(w *sessionWant, p peer.ID) {
	s.adjustScore(p, scoreHave)
	if w.blockFrom != "" {
		return
	}
	w.blockFrom = p
	if w.widenTimer != nil {
		w.widenTimer.Stop()
	}
	c := w.cid
	w.blockTimer = time.AfterFunc(s.config.BlockTimeout, func() {
		s.post(blockTimeoutMsg{cid: c, peer: p})
	})
	s.sendTo(w, p, message.WantTypeBlock)
	for other := range w.asked {
		if other == p {
			continue
		}
		delete(w.asked, other)
		_ = s.wm.CancelAt(other, []cid.Cid{w.cid})
	}
}

func (s *Session) handleDontHave(w *sessionWant, p peer.ID) {
	s.adjustScore(p, scoreDontHave)
	delete(w.asked, p)
	w.exhausted[p] = struct{}{}
	if w.blockFrom == p {
		w.clearBlockFrom()
	}
	if w.stalled() {
		s.broadcast(w)
	}
}

// blockTimeout gives up on a peer that answered Have but never sent the block.
// The peer isn't asked for this want again
func (s *Session) blockTimeout(w *sessionWant) {
	p := w.blockFrom
	s.logger.Debug(
		"timed out waiting for block",
		"cid", w.cid.String(),
		"peer", p.String(),
	)
	s.adjustScore(p, scoreTimeout)
	w.clearBlockFrom()
	delete(w.asked, p)
	w.exhausted[p] = struct{}{}
	_ = s.wm.CancelAt(p, []cid.Cid{w.cid})
	s.broadcast(w)
}

// handleSendFailed forgets a want that never reached the peer. The peer may be
// asked again once the backoff window passes
func (s *Session) handleSendFailed(w *sessionWant, p peer.ID) {
	if _, ok := w.asked[p]; !ok && w.blockFrom != p {
		return
	}
	s.adjustScore(p, scoreTimeout)
	delete(w.asked, p)
	if w.blockFrom == p {
		w.clearBlockFrom()
	}
	s.scheduleWiden(w)
}

func (s *Session) startSearch(w *sessionWant) {
	if w.search != searchNone {
		return
	}
	if w.searchTimer != nil {
		w.searchTimer.Stop()
	}
	if s.config.Providers == nil {
		w.search = searchDone
		return
	}
	w.search = searchRunning
	c := w.cid
	s.logger.Debug(
		"searching for providers",
		"cid", c.String(),
	)
	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		providers := s.config.Providers.FindProvidersAsync(s.ctx, c, s.config.MaxProviders)
		for p := range providers {
			if s.config.Connector != nil {
				if err := s.config.Connector.ConnectTo(s.ctx, p); err != nil {
					s.logger.Debug(
						"failed to connect to provider",
						"peer", p.String(),
						"error", err,
					)
					continue
				}
			}
			s.post(providerMsg{cid: c, peer: p})
		}
		s.post(searchDoneMsg{cid: c})
	}()
}

func (s *Session) addProvider(c cid.Cid, p peer.ID) {
	w, ok := s.wants[c]
	if !ok {
		return
	}
	w.providers[p] = struct{}{}
	if s.config.Connector == nil {
		return
	}
	s.addCandidate(p)
	s.adjustScore(p, scoreProvider)
	if w.blockFrom == "" {
		s.sendTo(w, p, message.WantTypeHave)
	}
}

// checkExhausted fails the want when every candidate answered DontHave and the
// provider lookup turned up nobody new. With no peers at all the want waits for
// one to connect
func (s *Session) checkExhausted(w *sessionWant) {
	if !w.stalled() || w.search != searchDone || len(w.exhausted) == 0 {
		return
	}
	if len(s.pickCandidates(w, 1)) > 0 {
		return
	}
	s.logger.Debug(
		"no peers left for want",
		"cid", w.cid.String(),
	)
	s.removeWant(w)
	_ = s.wm.Fail(w.handle, protocol.ErrNotFound)
}

func (s *Session) addCandidate(p peer.ID) {
	if _, ok := s.candidates[p]; ok {
		return
	}
	var score float64
	if s.config.Ledger != nil {
		if receipt, ok := s.config.Ledger.Receipt(p); ok {
			score = float64(receipt.BlocksReceived)
		}
	}
	s.candidates[p] = &candidate{peer: p, score: score}
}

func (s *Session) adjustScore(p peer.ID, delta float64) {
	if tmpCandidate, ok := s.candidates[p]; ok {
		tmpCandidate.score += delta
	}
}

// pickCandidates returns up to count of the best scored candidates that haven't
// been asked for the want and haven't answered DontHave
func (s *Session) pickCandidates(w *sessionWant, count int) []peer.ID {
	ret := make([]*candidate, 0, len(s.candidates))
	for p, tmpCandidate := range s.candidates {
		if _, ok := w.asked[p]; ok {
			continue
		}
		if _, ok := w.exhausted[p]; ok {
			continue
		}
		ret = append(ret, tmpCandidate)
	}
	slices.SortFunc(ret, func(a, b *candidate) int {
		if a.score != b.score {
			if a.score > b.score {
				return -1
			}
			return 1
		}
		return bytes.Compare([]byte(a.peer), []byte(b.peer))
	})
	peers := make([]peer.ID, 0, min(count, len(ret)))
	for _, tmpCandidate := range ret[:min(count, len(ret))] {
		peers = append(peers, tmpCandidate.peer)
	}
	return peers
}
