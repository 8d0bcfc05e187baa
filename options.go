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
	"log/slog"
	"time"

	"github.com/blinklabs-io/gobitswap/blockstore"
	"github.com/blinklabs-io/gobitswap/ledger"
	"github.com/blinklabs-io/gobitswap/metrics"
	"github.com/blinklabs-io/gobitswap/network"
	"github.com/ipfs/go-datastore"
)

// OptionFunc is a type that represents functions that modify the Bitswap config
type OptionFunc func(*Bitswap)

// WithNetwork specifies the transport. It is required
func WithNetwork(net network.Network) OptionFunc {
	return func(b *Bitswap) {
		b.network = net
	}
}

// WithBlockstore specifies the block store. It is required
func WithBlockstore(bs blockstore.Blockstore) OptionFunc {
	return func(b *Bitswap) {
		b.blockstore = bs
	}
}

// WithLogger specifies the logger. The default discards all output
func WithLogger(logger *slog.Logger) OptionFunc {
	return func(b *Bitswap) {
		b.logger = logger
	}
}

// WithMetrics specifies the metrics collector
func WithMetrics(m *metrics.Metrics) OptionFunc {
	return func(b *Bitswap) {
		b.metrics = m
	}
}

// WithErrorChan specifies the error channel to use. If none is provided, one will be created
func WithErrorChan(errorChan chan error) OptionFunc {
	return func(b *Bitswap) {
		b.errorChan = errorChan
	}
}

// WithLedger specifies an existing ledger
func WithLedger(l *ledger.Ledger) OptionFunc {
	return func(b *Bitswap) {
		b.ledger = l
	}
}

// WithLedgerDatastore specifies a datastore used to restore the ledger on
// start and save it on close
func WithLedgerDatastore(ds datastore.Datastore) OptionFunc {
	return func(b *Bitswap) {
		b.ledgerDatastore = ds
	}
}

// WithMaxWants specifies the maximum number of outstanding local wants
func WithMaxWants(maxWants int) OptionFunc {
	return func(b *Bitswap) {
		b.maxWants = maxWants
	}
}

// WithWantTimeout specifies a default timeout for every want
func WithWantTimeout(timeout time.Duration) OptionFunc {
	return func(b *Bitswap) {
		b.wantTimeout = timeout
	}
}

// WithSessionTimeout specifies a default deadline for sessions
func WithSessionTimeout(timeout time.Duration) OptionFunc {
	return func(b *Bitswap) {
		b.sessionTimeout = timeout
	}
}

// WithQuietMode specifies whether to stay silent about blocks we don't have
// instead of answering DontHave
func WithQuietMode(quietMode bool) OptionFunc {
	return func(b *Bitswap) {
		b.quietMode = quietMode
	}
}

// WithMaxEntriesPerPeer limits the want-list size accepted from each peer and
// the number of responses queued for it
func WithMaxEntriesPerPeer(maxEntries int) OptionFunc {
	return func(b *Bitswap) {
		b.maxEntriesPerPeer = maxEntries
	}
}

// WithLookupWorkers specifies the number of block store lookup workers
func WithLookupWorkers(workers int) OptionFunc {
	return func(b *Bitswap) {
		b.lookupWorkers = workers
	}
}

// WithMaxMessageSize specifies the frame size limit
func WithMaxMessageSize(maxSize int) OptionFunc {
	return func(b *Bitswap) {
		b.maxMessageSize = maxSize
	}
}

// WithBroadcastPeers specifies how many peers a session asks first
func WithBroadcastPeers(count int) OptionFunc {
	return func(b *Bitswap) {
		b.broadcastPeers = count
	}
}

// WithProviderSearchDelay specifies how long sessions wait for connected peers
// before searching for providers
func WithProviderSearchDelay(delay time.Duration) OptionFunc {
	return func(b *Bitswap) {
		b.providerSearchDelay = delay
	}
}

// WithWidenDelay specifies the backoff window used when sessions widen their
// broadcast
func WithWidenDelay(minDelay time.Duration, maxDelay time.Duration) OptionFunc {
	return func(b *Bitswap) {
		b.widenDelayMin = minDelay
		b.widenDelayMax = maxDelay
	}
}

// WithBlockTimeout specifies how long sessions wait for a block from a peer
// that answered Have before moving on to other peers
func WithBlockTimeout(timeout time.Duration) OptionFunc {
	return func(b *Bitswap) {
		b.blockTimeout = timeout
	}
}

// WithProvide specifies whether received blocks are announced to the network.
// This is enabled by default
func WithProvide(provide bool) OptionFunc {
	return func(b *Bitswap) {
		b.provide = provide
	}
}

// WithPeerClosedFunc specifies a callback for peer disconnects
func WithPeerClosedFunc(peerClosedFunc PeerManagerConnClosedFunc) OptionFunc {
	return func(b *Bitswap) {
		b.peerClosedFunc = peerClosedFunc
	}
}

// WithBootstrapConfig specifies well-known peers whose connections get tagged
func WithBootstrapConfig(cfg *BootstrapConfig) OptionFunc {
	return func(b *Bitswap) {
		b.bootstrapConfig = cfg
	}
}
