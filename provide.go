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

package bitswap

import (
	"context"
	"log/slog"
	"time"

	"github.com/blinklabs-io/gobitswap/network"
	"github.com/ipfs/go-cid"
)

const (
	DefaultProvideQueueSize = 256
	provideTimeout          = time.Minute
)

// provideQueue announces CIDs to the network in the background. CIDs that
// don't fit in the queue are dropped
type provideQueue struct {
	network  network.Network
	logger   *slog.Logger
	queue    chan cid.Cid
	ctx      context.Context
	cancel   context.CancelFunc
	doneChan chan struct{}
}

func newProvideQueue(net network.Network, logger *slog.Logger, size int) *provideQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &provideQueue{
		network:  net,
		logger:   logger.With("component", "provider"),
		queue:    make(chan cid.Cid, size),
		ctx:      ctx,
		cancel:   cancel,
		doneChan: make(chan struct{}),
	}
}

func (q *provideQueue) start() {
	go q.run()
}

func (q *provideQueue) stop() {
	q.cancel()
	<-q.doneChan
}

func (q *provideQueue) enqueue(cids []cid.Cid) {
	for _, c := range cids {
		select {
		case q.queue <- c:
		default:
			q.logger.Debug("provide queue full, dropping", "cid", c.String())
		}
	}
}

func (q *provideQueue) len() int {
	return len(q.queue)
}

func (q *provideQueue) run() {
	defer close(q.doneChan)
	for {
		select {
		case <-q.ctx.Done():
			return
		case c := <-q.queue:
			ctx, cancel := context.WithTimeout(q.ctx, provideTimeout)
			if err := q.network.Provide(ctx, c); err != nil && q.ctx.Err() == nil {
				q.logger.Warn(
					"failed to provide block",
					"cid", c.String(),
					"error", err,
				)
			}
			cancel()
		}
	}
}
