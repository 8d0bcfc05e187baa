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

package wantmanager

import (
	"context"
	"errors"
	"sync"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// ErrWantPending is returned by Handle.Result before the want is resolved
var ErrWantPending = errors.New("want is still pending")

// Handle tracks a single local want. It's resolved exactly once with either a
// block or an error
type Handle struct {
	id        uint64
	cid       cid.Cid
	sessionId uint64
	doneChan  chan struct{}
	mutex     sync.Mutex
	resolved  bool
	timer     *time.Timer
	stopCtx   func() bool
	block     blocks.Block
	err       error
}

func newHandle(id uint64, c cid.Cid, sessionId uint64) *Handle {
	return &Handle{
		id:        id,
		cid:       c,
		sessionId: sessionId,
		doneChan:  make(chan struct{}),
	}
}

// Cid returns the wanted CID
func (h *Handle) Cid() cid.Cid {
	return h.cid
}

// SessionId returns the ID of the session that registered the want, or 0
func (h *Handle) SessionId() uint64 {
	return h.sessionId
}

// Done returns a channel that is closed when the want is resolved
func (h *Handle) Done() <-chan struct{} {
	return h.doneChan
}

// Result returns the outcome of the want, or ErrWantPending if it hasn't been
// resolved yet
func (h *Handle) Result() (blocks.Block, error) {
	select {
	case <-h.doneChan:
		return h.block, h.err
	default:
		return nil, ErrWantPending
	}
}

// Wait blocks until the want is resolved or the context is done
func (h *Handle) Wait(ctx context.Context) (blocks.Block, error) {
	select {
	case <-h.doneChan:
		return h.block, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve completes the handle. It returns false if it was already resolved
func (h *Handle) resolve(blk blocks.Block, err error) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.resolved {
		return false
	}
	h.resolved = true
	h.block = blk
	h.err = err
	if h.timer != nil {
		h.timer.Stop()
	}
	if h.stopCtx != nil {
		h.stopCtx()
	}
	close(h.doneChan)
	return true
}

func (h *Handle) setTimer(timer *time.Timer) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.resolved {
		timer.Stop()
		return
	}
	h.timer = timer
}

func (h *Handle) setStopCtx(stop func() bool) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.resolved {
		stop()
		return
	}
	h.stopCtx = stop
}
