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
	"log/slog"
	"time"

	"github.com/blinklabs-io/gobitswap/blockstore"
	"github.com/blinklabs-io/gobitswap/ledger"
	"github.com/blinklabs-io/gobitswap/metrics"
	blocks "github.com/ipfs/go-block-format"
)

const (
	DefaultMaxWants = 16384
)

// BlocksReceivedFunc is called with newly received wanted blocks after they
// have been stored
type BlocksReceivedFunc func(context.Context, []blocks.Block)

// Config is used to configure the WantManager
type Config struct {
	Blockstore         blockstore.Blockstore
	Ledger             *ledger.Ledger
	Sender             PeerSender
	Metrics            *metrics.Metrics
	Logger             *slog.Logger
	MaxWants           int
	WantTimeout        time.Duration
	BlocksReceivedFunc BlocksReceivedFunc
}

// WantManagerOptionFunc represents a function used to modify the WantManager config
type WantManagerOptionFunc func(*Config)

// NewConfig returns a new WantManager config object with the provided options
func NewConfig(options ...WantManagerOptionFunc) Config {
	c := Config{
		MaxWants: DefaultMaxWants,
	}
	for _, option := range options {
		option(&c)
	}
	return c
}

// WithBlockstore specifies the block store that received blocks are written to
func WithBlockstore(bs blockstore.Blockstore) WantManagerOptionFunc {
	return func(c *Config) {
		c.Blockstore = bs
	}
}

// WithLedger specifies the ledger
func WithLedger(l *ledger.Ledger) WantManagerOptionFunc {
	return func(c *Config) {
		c.Ledger = l
	}
}

// WithSender specifies where want entries for peers are sent
func WithSender(sender PeerSender) WantManagerOptionFunc {
	return func(c *Config) {
		c.Sender = sender
	}
}

// WithMetrics specifies the metrics
func WithMetrics(m *metrics.Metrics) WantManagerOptionFunc {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithLogger specifies the logger
func WithLogger(logger *slog.Logger) WantManagerOptionFunc {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMaxWants specifies the maximum number of outstanding handles
func WithMaxWants(maxWants int) WantManagerOptionFunc {
	return func(c *Config) {
		c.MaxWants = maxWants
	}
}

// WithWantTimeout specifies the default per-want timeout. A zero value disables it
func WithWantTimeout(timeout time.Duration) WantManagerOptionFunc {
	return func(c *Config) {
		c.WantTimeout = timeout
	}
}

// WithBlocksReceivedFunc specifies a callback for newly received blocks
func WithBlocksReceivedFunc(fn BlocksReceivedFunc) WantManagerOptionFunc {
	return func(c *Config) {
		c.BlocksReceivedFunc = fn
	}
}

type wantOptions struct {
	sessionId  uint64
	subscriber Subscriber
	timeout    time.Duration
}

// WantOptionFunc modifies a single want
type WantOptionFunc func(*wantOptions)

// WithSession ties the want to a session. The subscriber receives events for
// the want
func WithSession(id uint64, subscriber Subscriber) WantOptionFunc {
	return func(o *wantOptions) {
		o.sessionId = id
		o.subscriber = subscriber
	}
}

// WithTimeout overrides the default want timeout
func WithTimeout(timeout time.Duration) WantOptionFunc {
	return func(o *wantOptions) {
		o.timeout = timeout
	}
}
