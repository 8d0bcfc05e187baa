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

// Package metrics tracks exchange counters. Counters are always kept as atomics
// and can optionally be exported to prometheus
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bitswap"

// Metrics tracks counters for the exchange. A nil *Metrics is valid and
// records nothing
type Metrics struct {
	blocksReceived     atomic.Uint64
	dupBlocksReceived  atomic.Uint64
	dataReceived       atomic.Uint64
	dupDataReceived    atomic.Uint64
	blocksSent         atomic.Uint64
	dataSent           atomic.Uint64
	messagesReceived   atomic.Uint64
	messagesSent       atomic.Uint64
	protocolViolations atomic.Uint64
	wantsRejected      atomic.Uint64
	entriesDropped     atomic.Uint64
	blocksTooLarge     atomic.Uint64
	wants              atomic.Int64
	peers              atomic.Int64
	sessions           atomic.Int64

	startTime time.Time
	prom      *promMetrics
}

type promMetrics struct {
	blocksReceived     *prometheus.CounterVec
	dataReceived       *prometheus.CounterVec
	blocksSent         prometheus.Counter
	dataSent           prometheus.Counter
	messagesReceived   prometheus.Counter
	messagesSent       prometheus.Counter
	protocolViolations prometheus.Counter
	wantsRejected      prometheus.Counter
	entriesDropped     prometheus.Counter
	blocksTooLarge     prometheus.Counter
	wants              prometheus.Gauge
	peers              prometheus.Gauge
	sessions           prometheus.Gauge
}

// Stats is a snapshot of the current metrics
type Stats struct {
	BlocksReceived     uint64
	DupBlocksReceived  uint64
	DataReceived       uint64
	DupDataReceived    uint64
	BlocksSent         uint64
	DataSent           uint64
	MessagesReceived   uint64
	MessagesSent       uint64
	ProtocolViolations uint64
	WantsRejected      uint64
	EntriesDropped     uint64
	BlocksTooLarge     uint64
	Wants              int64
	Peers              int64
	Sessions           int64
	StartTime          time.Time
}

// New returns a new Metrics. If reg is not nil, prometheus collectors are
// registered with it
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		startTime: time.Now(),
	}
	if reg != nil {
		m.prom = newPromMetrics(reg)
	}
	return m
}

func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	p := &promMetrics{
		blocksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_received_total",
			Help:      "Blocks received from peers",
		}, []string{"duplicate"}),
		dataReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_received_bytes_total",
			Help:      "Block payload bytes received from peers",
		}, []string{"duplicate"}),
		blocksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_sent_total",
			Help:      "Blocks sent to peers",
		}),
		dataSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_sent_bytes_total",
			Help:      "Block payload bytes sent to peers",
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages received from peers",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages sent to peers",
		}),
		protocolViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Protocol violations by peers",
		}),
		wantsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wants_rejected_total",
			Help:      "Local wants rejected because of overload",
		}),
		entriesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_entries_dropped_total",
			Help:      "Remote want-list entries dropped because of per-peer limits",
		}),
		blocksTooLarge: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_too_large_total",
			Help:      "Requested blocks that were too large to serve",
		}),
		wants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wants",
			Help:      "Outstanding local wants",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Connected peers",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Active sessions",
		}),
	}
	reg.MustRegister(
		p.blocksReceived,
		p.dataReceived,
		p.blocksSent,
		p.dataSent,
		p.messagesReceived,
		p.messagesSent,
		p.protocolViolations,
		p.wantsRejected,
		p.entriesDropped,
		p.blocksTooLarge,
		p.wants,
		p.peers,
		p.sessions,
	)
	return p
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// RecordBlockReceived records a received block
func (m *Metrics) RecordBlockReceived(size int, duplicate bool) {
	if m == nil {
		return
	}
	if duplicate {
		m.dupBlocksReceived.Add(1)
		m.dupDataReceived.Add(uint64(size))
	}
	m.blocksReceived.Add(1)
	m.dataReceived.Add(uint64(size))
	if m.prom != nil {
		m.prom.blocksReceived.WithLabelValues(boolLabel(duplicate)).Inc()
		m.prom.dataReceived.WithLabelValues(boolLabel(duplicate)).Add(float64(size))
	}
}

// RecordBlockSent records a sent block
func (m *Metrics) RecordBlockSent(size int) {
	if m == nil {
		return
	}
	m.blocksSent.Add(1)
	m.dataSent.Add(uint64(size))
	if m.prom != nil {
		m.prom.blocksSent.Inc()
		m.prom.dataSent.Add(float64(size))
	}
}

// RecordMessageReceived records a received message
func (m *Metrics) RecordMessageReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Add(1)
	if m.prom != nil {
		m.prom.messagesReceived.Inc()
	}
}

// RecordMessageSent records a sent message
func (m *Metrics) RecordMessageSent() {
	if m == nil {
		return
	}
	m.messagesSent.Add(1)
	if m.prom != nil {
		m.prom.messagesSent.Inc()
	}
}

// RecordProtocolViolation records a protocol violation by a peer
func (m *Metrics) RecordProtocolViolation() {
	if m == nil {
		return
	}
	m.protocolViolations.Add(1)
	if m.prom != nil {
		m.prom.protocolViolations.Inc()
	}
}

// RecordWantRejected records a local want rejected because of overload
func (m *Metrics) RecordWantRejected() {
	if m == nil {
		return
	}
	m.wantsRejected.Add(1)
	if m.prom != nil {
		m.prom.wantsRejected.Inc()
	}
}

// RecordEntriesDropped records remote want-list entries dropped because of limits
func (m *Metrics) RecordEntriesDropped(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.entriesDropped.Add(uint64(count))
	if m.prom != nil {
		m.prom.entriesDropped.Add(float64(count))
	}
}

// RecordBlockTooLarge records a block that couldn't be served
func (m *Metrics) RecordBlockTooLarge() {
	if m == nil {
		return
	}
	m.blocksTooLarge.Add(1)
	if m.prom != nil {
		m.prom.blocksTooLarge.Inc()
	}
}

// SetWants updates the outstanding want count
func (m *Metrics) SetWants(count int) {
	if m == nil {
		return
	}
	m.wants.Store(int64(count))
	if m.prom != nil {
		m.prom.wants.Set(float64(count))
	}
}

// AddPeers adjusts the connected peer count
func (m *Metrics) AddPeers(delta int) {
	if m == nil {
		return
	}
	m.peers.Add(int64(delta))
	if m.prom != nil {
		m.prom.peers.Add(float64(delta))
	}
}

// AddSessions adjusts the active session count
func (m *Metrics) AddSessions(delta int) {
	if m == nil {
		return
	}
	m.sessions.Add(int64(delta))
	if m.prom != nil {
		m.prom.sessions.Add(float64(delta))
	}
}

// Stats returns a snapshot of the current metrics
func (m *Metrics) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		BlocksReceived:     m.blocksReceived.Load(),
		DupBlocksReceived:  m.dupBlocksReceived.Load(),
		DataReceived:       m.dataReceived.Load(),
		DupDataReceived:    m.dupDataReceived.Load(),
		BlocksSent:         m.blocksSent.Load(),
		DataSent:           m.dataSent.Load(),
		MessagesReceived:   m.messagesReceived.Load(),
		MessagesSent:       m.messagesSent.Load(),
		ProtocolViolations: m.protocolViolations.Load(),
		WantsRejected:      m.wantsRejected.Load(),
		EntriesDropped:     m.entriesDropped.Load(),
		BlocksTooLarge:     m.blocksTooLarge.Load(),
		Wants:              m.wants.Load(),
		Peers:              m.peers.Load(),
		Sessions:           m.sessions.Load(),
		StartTime:          m.startTime,
	}
}
