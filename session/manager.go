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

// Package session groups related wants so they share peer selection and
// cancellation. Sessions pick which peers the WantManager sends wants to
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blinklabs-io/gobitswap/message"
	"github.com/ipfs/go-cid"
)

// Manager opens sessions and reaps the ones that have finished
type Manager struct {
	config    Config
	logger    *slog.Logger
	nextId    atomic.Uint64
	mutex     sync.Mutex
	sessions  map[uint64]*Session
	doneChan  chan struct{}
	onceStart sync.Once
	onceStop  sync.Once
	waitGroup sync.WaitGroup
}

// NewManager returns a new session Manager
func NewManager(cfg Config) (*Manager, error) {
	if cfg.WantManager == nil {
		return nil, errors.New("session manager requires a WantManager")
	}
	if cfg.BroadcastPeers <= 0 {
		cfg.BroadcastPeers = DefaultBroadcastPeers
	}
	if cfg.WidenDelayMin <= 0 {
		cfg.WidenDelayMin = DefaultWidenDelayMin
	}
	if cfg.WidenDelayMax < cfg.WidenDelayMin {
		cfg.WidenDelayMax = cfg.WidenDelayMin
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = DefaultBlockTimeout
	}
	if cfg.MaxProviders <= 0 {
		cfg.MaxProviders = DefaultMaxProviders
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Manager{
		config:   cfg,
		logger:   logger.With("component", "session"),
		sessions: make(map[uint64]*Session),
		doneChan: make(chan struct{}),
	}, nil
}

// Start starts reaping finished sessions
func (m *Manager) Start() {
	m.onceStart.Do(func() {
		m.waitGroup.Add(1)
		go m.cleanupLoop()
	})
}

// Stop closes all open sessions
func (m *Manager) Stop() {
	m.onceStop.Do(func() {
		close(m.doneChan)
		m.waitGroup.Wait()
		m.mutex.Lock()
		sessions := make([]*Session, 0, len(m.sessions))
		for _, s := range m.sessions {
			sessions = append(sessions, s)
		}
		m.mutex.Unlock()
		for _, s := range sessions {
			s.Close()
		}
		m.reap()
	})
}

// Open starts a session wanting the provided CIDs. A session opened without
// any CIDs stays open until CIDs are added and resolved, or it is closed
func (m *Manager) Open(ctx context.Context, cids []cid.Cid, options ...SessionOptionFunc) (*Session, error) {
	select {
	case <-m.doneChan:
		return nil, ErrSessionClosed
	default:
	}
	opts := sessionOptions{
		wantType: message.WantTypeHave,
		timeout:  m.config.Timeout,
	}
	for _, option := range options {
		option(&opts)
	}
	s := newSession(ctx, m, m.nextId.Add(1), opts)
	if err := m.config.WantManager.Subscribe(s.id, s); err != nil {
		s.cancel()
		return nil, err
	}
	if m.config.Peers != nil {
		for _, p := range m.config.Peers.ConnectedPeers() {
			s.addCandidate(p)
		}
	}
	m.mutex.Lock()
	m.sessions[s.id] = s
	m.mutex.Unlock()
	m.config.Metrics.AddSessions(1)
	s.start()
	if err := s.Add(cids); err != nil {
		s.Close()
		return nil, err
	}
	m.logger.Debug(
		"opened session",
		"session", s.id,
		"wants", len(cids),
	)
	return s, nil
}

// NumSessions returns the number of sessions that haven't been reaped
func (m *Manager) NumSessions() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.sessions)
}

func (m *Manager) cleanupLoop() {
	defer m.waitGroup.Done()
	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.doneChan:
			return
		case <-ticker.C:
			m.reap()
		}
	}
}

func (m *Manager) reap() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for id, s := range m.sessions {
		if s.IsDone() {
			delete(m.sessions, id)
			m.config.Metrics.AddSessions(-1)
		}
	}
}
