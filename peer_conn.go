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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/blinklabs-io/gobitswap/message"
	"github.com/blinklabs-io/gobitswap/network"
	"github.com/cenkalti/backoff/v4"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	sendMessageTimeout = 10 * time.Minute
	streamOpenRetries  = 3
)

// peerConnConfig holds what a peerConn needs from its owner
type peerConnConfig struct {
	Network        network.Network
	Logger         *slog.Logger
	MaxMessageSize int
	MaxResponses   int
	SentFunc       func(peer.ID, *message.Message)
	ErrorFunc      func(peer.ID, error)
	DroppedFunc    func(int)
	// FailedFunc receives the wanted CIDs of a message that couldn't be written
	FailedFunc func(peer.ID, []cid.Cid)
}

// peerConn drains the outbound queue for one peer onto a stream it opens
// lazily. A failed stream is dropped and reopened for the next message
type peerConn struct {
	config peerConnConfig
	peer   peer.ID
	queue  *peerQueue
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	stream network.Stream
	writer *message.Writer
}

func newPeerConn(p peer.ID, cfg peerConnConfig) *peerConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &peerConn{
		config: cfg,
		peer:   p,
		queue:  newPeerQueue(cfg.MaxResponses),
		logger: cfg.Logger.With("peer", p.String(), "role", "initiator"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// close stops the write loop without waiting for it
func (c *peerConn) close() {
	c.cancel()
}

// run writes queued messages until the peerConn is closed
func (c *peerConn) run() {
	defer c.closeStream()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.queue.signal:
		}
		for {
			if c.ctx.Err() != nil {
				return
			}
			msg := c.queue.take(c.config.MaxMessageSize)
			if msg == nil {
				break
			}
			c.send(msg)
		}
	}
}

func (c *peerConn) send(msg *message.Message) {
	if c.stream == nil {
		if err := c.openStream(); err != nil {
			if c.ctx.Err() == nil {
				c.config.ErrorFunc(
					c.peer,
					fmt.Errorf("peer %s: opening stream: %w", c.peer, err),
				)
				c.failed(msg)
			}
			return
		}
	}
	deadline := time.Now().Add(sendMessageTimeout)
	if err := c.stream.SetWriteDeadline(deadline); err != nil {
		c.logger.Debug("failed to set write deadline", "error", err)
	}
	if _, err := c.writer.WriteMessage(msg); err != nil {
		if c.ctx.Err() == nil {
			c.config.ErrorFunc(c.peer, fmt.Errorf("peer %s: write: %w", c.peer, err))
			c.failed(msg)
		}
		_ = c.stream.Reset()
		c.stream = nil
		c.writer = nil
		return
	}
	if err := c.stream.SetWriteDeadline(time.Time{}); err != nil {
		c.logger.Debug("failed to reset write deadline", "error", err)
	}
	c.config.SentFunc(c.peer, msg)
}

// failed reports the wants in a message that was dropped
func (c *peerConn) failed(msg *message.Message) {
	if c.config.FailedFunc == nil {
		return
	}
	cids := make([]cid.Cid, 0, len(msg.Wantlist))
	for _, entry := range msg.Wantlist {
		if !entry.Cancel {
			cids = append(cids, entry.Cid)
		}
	}
	if len(cids) > 0 {
		c.config.FailedFunc(c.peer, cids)
	}
}

func (c *peerConn) openStream() error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 100 * time.Millisecond
	b := backoff.WithContext(
		backoff.WithMaxRetries(expBackoff, streamOpenRetries),
		c.ctx,
	)
	var stream network.Stream
	err := backoff.Retry(
		func() error {
			s, err := c.config.Network.NewStream(c.ctx, c.peer)
			if err != nil {
				if errors.Is(err, network.ErrNotConnected) ||
					errors.Is(err, network.ErrNetworkStopped) {
					return backoff.Permanent(err)
				}
				return err
			}
			stream = s
			return nil
		},
		b,
	)
	if err != nil {
		return err
	}
	c.stream = stream
	c.writer = message.NewWriter(stream, stream.Version(), c.config.MaxMessageSize)
	c.logger.Debug(
		"opened stream",
		"protocol", string(stream.Version().Id),
	)
	return nil
}

func (c *peerConn) closeStream() {
	if c.stream != nil {
		_ = c.stream.Close()
		c.stream = nil
		c.writer = nil
	}
}
