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
	"context"
	"log/slog"
	"time"

	"github.com/blinklabs-io/gobitswap/ledger"
	"github.com/blinklabs-io/gobitswap/message"
	"github.com/blinklabs-io/gobitswap/metrics"
	"github.com/blinklabs-io/gobitswap/wantmanager"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	DefaultBroadcastPeers      = 3
	DefaultWidenDelayMin       = 500 * time.Millisecond
	DefaultWidenDelayMax       = 5 * time.Second
	DefaultProviderSearchDelay = time.Second
	DefaultBlockTimeout        = 10 * time.Second
	DefaultMaxProviders        = 10
	DefaultCleanupInterval     = 5 * time.Second
)

// PeerSource lists the peers we can currently exchange with
type PeerSource interface {
	ConnectedPeers() []peer.ID
}

// ProviderFinder looks up peers that can provide a CID. The returned channel
// must be closed when the lookup finishes or the context is done
type ProviderFinder interface {
	FindProvidersAsync(context.Context, cid.Cid, int) <-chan peer.ID
}

// Connector connects to a peer. When ConnectTo returns without error, the peer
// must be ready to receive wants
type Connector interface {
	ConnectTo(context.Context, peer.ID) error
}

// Config is used to configure the session Manager
type Config struct {
	WantManager         *wantmanager.WantManager
	Peers               PeerSource
	Providers           ProviderFinder
	Connector           Connector
	Ledger              *ledger.Ledger
	Metrics             *metrics.Metrics
	Logger              *slog.Logger
	BroadcastPeers      int
	WidenDelayMin       time.Duration
	WidenDelayMax       time.Duration
	ProviderSearchDelay time.Duration
	// BlockTimeout bounds the wait for a block from a peer that answered Have
	BlockTimeout    time.Duration
	MaxProviders    int
	CleanupInterval time.Duration
	// Timeout is the default session deadline. A zero value disables it
	Timeout time.Duration
}

// SessionManagerOptionFunc represents a function used to modify the session Manager config
type SessionManagerOptionFunc func(*Config)

// NewConfig returns a new session Manager config object with the provided options
func NewConfig(options ...SessionManagerOptionFunc) Config {
	c := Config{
		BroadcastPeers:      DefaultBroadcastPeers,
		WidenDelayMin:       DefaultWidenDelayMin,
		WidenDelayMax:       DefaultWidenDelayMax,
		ProviderSearchDelay: DefaultProviderSearchDelay,
		BlockTimeout:        DefaultBlockTimeout,
		MaxProviders:        DefaultMaxProviders,
		CleanupInterval:     DefaultCleanupInterval,
	}
	for _, option := range options {
		option(&c)
	}
	return c
}

// WithWantManager specifies the WantManager that sessions register wants with
func WithWantManager(wm *wantmanager.WantManager) SessionManagerOptionFunc {
	return func(c *Config) {
		c.WantManager = wm
	}
}

// WithPeerSource specifies where connected peers are listed from
func WithPeerSource(peers PeerSource) SessionManagerOptionFunc {
	return func(c *Config) {
		c.Peers = peers
	}
}

// WithProviderFinder specifies the provider lookup used as a fallback
func WithProviderFinder(providers ProviderFinder) SessionManagerOptionFunc {
	return func(c *Config) {
		c.Providers = providers
	}
}

// WithConnector specifies how providers are connected to
func WithConnector(connector Connector) SessionManagerOptionFunc {
	return func(c *Config) {
		c.Connector = connector
	}
}

// WithLedger specifies the ledger used to rank peers
func WithLedger(l *ledger.Ledger) SessionManagerOptionFunc {
	return func(c *Config) {
		c.Ledger = l
	}
}

// WithMetrics specifies the metrics
func WithMetrics(m *metrics.Metrics) SessionManagerOptionFunc {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithLogger specifies the logger
func WithLogger(logger *slog.Logger) SessionManagerOptionFunc {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithBroadcastPeers specifies how many peers a new want is sent to at first,
// and how many more are added each time the set widens
func WithBroadcastPeers(count int) SessionManagerOptionFunc {
	return func(c *Config) {
		c.BroadcastPeers = count
	}
}

// WithWidenDelay specifies the backoff window before widening the set of peers asked
func WithWidenDelay(minDelay time.Duration, maxDelay time.Duration) SessionManagerOptionFunc {
	return func(c *Config) {
		c.WidenDelayMin = minDelay
		c.WidenDelayMax = maxDelay
	}
}

// WithProviderSearchDelay specifies the grace period before a provider lookup
func WithProviderSearchDelay(delay time.Duration) SessionManagerOptionFunc {
	return func(c *Config) {
		c.ProviderSearchDelay = delay
	}
}

// WithBlockTimeout specifies how long to wait for a block after a peer answered
// Have before asking other peers
func WithBlockTimeout(timeout time.Duration) SessionManagerOptionFunc {
	return func(c *Config) {
		c.BlockTimeout = timeout
	}
}

// WithMaxProviders specifies how many providers are requested per lookup
func WithMaxProviders(count int) SessionManagerOptionFunc {
	return func(c *Config) {
		c.MaxProviders = count
	}
}

// WithCleanupInterval specifies how often finished sessions are reaped
func WithCleanupInterval(interval time.Duration) SessionManagerOptionFunc {
	return func(c *Config) {
		c.CleanupInterval = interval
	}
}

// WithTimeout specifies the default session deadline
func WithTimeout(timeout time.Duration) SessionManagerOptionFunc {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

type sessionOptions struct {
	priority     int32
	wantType     message.WantType
	timeout      time.Duration
	blockChannel bool
}

// SessionOptionFunc modifies a single session
type SessionOptionFunc func(*sessionOptions)

// WithPriority specifies the priority of the session's wants
func WithPriority(priority int32) SessionOptionFunc {
	return func(o *sessionOptions) {
		o.priority = priority
	}
}

// WithWantType specifies how wants are first sent. WantTypeHave, the default,
// asks for presence before requesting the block. WantTypeBlock asks the best
// peer for the block straight away
func WithWantType(wantType message.WantType) SessionOptionFunc {
	return func(o *sessionOptions) {
		o.wantType = wantType
	}
}

// WithSessionTimeout overrides the default session deadline
func WithSessionTimeout(timeout time.Duration) SessionOptionFunc {
	return func(o *sessionOptions) {
		o.timeout = timeout
	}
}

// WithBlockChannel makes received blocks available from Session.Blocks
func WithBlockChannel() SessionOptionFunc {
	return func(o *sessionOptions) {
		o.blockChannel = true
	}
}
