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

// Package ledger implements per-peer exchange accounting. Ledgers are advisory:
// they bias the order in which peers are served and never block on a decision.
package ledger

import (
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jinzhu/copier"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	DefaultDebtThreshold = 4.0
	DefaultPenaltyBytes  = 1024 * 1024
	DefaultRetention     = 10 * time.Minute
	DefaultRetentionSize = 1024
)

// Config is used to configure a Ledger
type Config struct {
	// DebtThreshold is the debt ratio above which a peer is considered in debt
	DebtThreshold float64
	// PenaltyBytes is added to the sent side of the ratio for each protocol violation
	PenaltyBytes uint64
	// Retention is how long a disconnected peer's entry is kept
	Retention time.Duration
	// RetentionSize is the maximum number of disconnected peer entries kept
	RetentionSize int
	Logger        *slog.Logger
}

// LedgerOptionFunc represents a function used to modify the Ledger config
type LedgerOptionFunc func(*Config)

// NewConfig returns a new Ledger config object with the provided options
func NewConfig(options ...LedgerOptionFunc) Config {
	c := Config{
		DebtThreshold: DefaultDebtThreshold,
		PenaltyBytes:  DefaultPenaltyBytes,
		Retention:     DefaultRetention,
		RetentionSize: DefaultRetentionSize,
	}
	for _, option := range options {
		option(&c)
	}
	return c
}

// WithDebtThreshold specifies the debt ratio threshold
func WithDebtThreshold(threshold float64) LedgerOptionFunc {
	return func(c *Config) {
		c.DebtThreshold = threshold
	}
}

// WithPenaltyBytes specifies the penalty applied per protocol violation
func WithPenaltyBytes(penaltyBytes uint64) LedgerOptionFunc {
	return func(c *Config) {
		c.PenaltyBytes = penaltyBytes
	}
}

// WithRetention specifies how long and how many disconnected peer entries are kept
func WithRetention(retention time.Duration, size int) LedgerOptionFunc {
	return func(c *Config) {
		c.Retention = retention
		c.RetentionSize = size
	}
}

// WithLogger specifies the logger
func WithLogger(logger *slog.Logger) LedgerOptionFunc {
	return func(c *Config) {
		c.Logger = logger
	}
}

// Entry is the accounting record for a single peer
type Entry struct {
	Peer           peer.ID
	BytesSent      uint64
	BytesReceived  uint64
	BlocksSent     uint64
	BlocksReceived uint64
	Penalties      uint64
	PenaltyBytes   uint64
	FirstSeen      time.Time
	LastActivity   time.Time
}

// DebtRatio returns (bytes sent + penalty bytes) / max(bytes received, 1)
func (e *Entry) DebtRatio() float64 {
	sent := float64(e.BytesSent) + float64(e.PenaltyBytes)
	return sent / math.Max(float64(e.BytesReceived), 1)
}

// Receipt is a point-in-time copy of a peer's ledger entry
type Receipt struct {
	Peer           peer.ID
	BytesSent      uint64
	BytesReceived  uint64
	BlocksSent     uint64
	BlocksReceived uint64
	Penalties      uint64
	FirstSeen      time.Time
	LastActivity   time.Time
	DebtRatio      float64
}

type archivedEntry struct {
	entry      *Entry
	archivedAt time.Time
}

// Ledger tracks exchange accounting for connected peers and keeps recently
// disconnected peers for a limited time
type Ledger struct {
	config   Config
	logger   *slog.Logger
	mutex    sync.Mutex
	entries  map[peer.ID]*Entry
	archived *lru.Cache[peer.ID, archivedEntry]
}

// New returns a new Ledger
func New(cfg Config) *Ledger {
	if cfg.RetentionSize <= 0 {
		cfg.RetentionSize = DefaultRetentionSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	// This only fails for a non-positive size, which is handled above
	archived, _ := lru.New[peer.ID, archivedEntry](cfg.RetentionSize)
	return &Ledger{
		config:   cfg,
		logger:   logger.With("component", "ledger"),
		entries:  make(map[peer.ID]*Entry),
		archived: archived,
	}
}

// lookupArchived returns an archived entry that is still within the retention
// window. Expired entries are evicted on access. The mutex must be held
func (l *Ledger) lookupArchived(p peer.ID) (*Entry, bool) {
	tmpEntry, ok := l.archived.Peek(p)
	if !ok {
		return nil, false
	}
	if l.config.Retention > 0 && time.Since(tmpEntry.archivedAt) > l.config.Retention {
		l.archived.Remove(p)
		return nil, false
	}
	return tmpEntry.entry, true
}

// findOrCreate returns the entry for the peer. The mutex must be held
func (l *Ledger) findOrCreate(p peer.ID) *Entry {
	if e, ok := l.entries[p]; ok {
		return e
	}
	if e, ok := l.lookupArchived(p); ok {
		l.archived.Remove(p)
		l.entries[p] = e
		return e
	}
	now := time.Now()
	e := &Entry{
		Peer:         p,
		FirstSeen:    now,
		LastActivity: now,
	}
	l.entries[p] = e
	return e
}

// RecordSent records data sent to a peer
func (l *Ledger) RecordSent(p peer.ID, bytes int, isBlock bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	e := l.findOrCreate(p)
	e.BytesSent += uint64(max(bytes, 0))
	if isBlock {
		e.BlocksSent++
	}
	e.LastActivity = time.Now()
}

// RecordReceived records data received from a peer
func (l *Ledger) RecordReceived(p peer.ID, bytes int, isBlock bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	e := l.findOrCreate(p)
	e.BytesReceived += uint64(max(bytes, 0))
	if isBlock {
		e.BlocksReceived++
	}
	e.LastActivity = time.Now()
}

// Penalize records a protocol violation by the peer
func (l *Ledger) Penalize(p peer.ID) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	e := l.findOrCreate(p)
	e.Penalties++
	e.PenaltyBytes += l.config.PenaltyBytes
	l.logger.Debug(
		"peer penalized",
		"peer", p.String(),
		"penalties", e.Penalties,
	)
}

// DebtRatio returns the debt ratio for the peer. Unknown peers have a ratio of 0
func (l *Ledger) DebtRatio(p peer.ID) float64 {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if e, ok := l.entries[p]; ok {
		return e.DebtRatio()
	}
	if e, ok := l.lookupArchived(p); ok {
		return e.DebtRatio()
	}
	return 0
}

// IsPeerInDebt returns true if the peer's debt ratio exceeds the configured threshold
func (l *Ledger) IsPeerInDebt(p peer.ID) bool {
	return l.DebtRatio(p) > l.config.DebtThreshold
}

// Receipt returns a copy of the peer's ledger entry
func (l *Ledger) Receipt(p peer.ID) (Receipt, bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	e, ok := l.entries[p]
	if !ok {
		e, ok = l.lookupArchived(p)
		if !ok {
			return Receipt{}, false
		}
	}
	var ret Receipt
	if err := copier.Copy(&ret, e); err != nil {
		return Receipt{}, false
	}
	ret.DebtRatio = e.DebtRatio()
	return ret, true
}

// Peers returns the peers with an active ledger entry
func (l *Ledger) Peers() []peer.ID {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	ret := make([]peer.ID, 0, len(l.entries))
	for p := range l.entries {
		ret = append(ret, p)
	}
	return ret
}

// PeerConnected makes sure the peer has an active entry, restoring an archived
// one if it reconnected within the retention window
func (l *Ledger) PeerConnected(p peer.ID) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.findOrCreate(p)
}

// PeerDisconnected archives the peer's entry. It's evicted after the retention period
func (l *Ledger) PeerDisconnected(p peer.ID) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	e, ok := l.entries[p]
	if !ok {
		return
	}
	delete(l.entries, p)
	l.archived.Add(p, archivedEntry{entry: e, archivedAt: time.Now()})
}
