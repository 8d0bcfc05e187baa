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

package test

import (
	"context"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
)

// MemoryRouting is an in-memory provider registry shared by several peers
type MemoryRouting struct {
	mutex     sync.Mutex
	providers map[cid.Cid][]peer.ID
}

func NewMemoryRouting() *MemoryRouting {
	return &MemoryRouting{
		providers: make(map[cid.Cid][]peer.ID),
	}
}

// ForPeer returns a content router that announces as p
func (m *MemoryRouting) ForPeer(p peer.ID) routing.ContentRouting {
	return &peerRouting{registry: m, self: p}
}

// AddProvider registers p as a provider of c
func (m *MemoryRouting) AddProvider(c cid.Cid, p peer.ID) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, tmpPeer := range m.providers[c] {
		if tmpPeer == p {
			return
		}
	}
	m.providers[c] = append(m.providers[c], p)
}

// Providers returns the registered providers of c
func (m *MemoryRouting) Providers(c cid.Cid) []peer.ID {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]peer.ID(nil), m.providers[c]...)
}

type peerRouting struct {
	registry *MemoryRouting
	self     peer.ID
}

func (r *peerRouting) Provide(_ context.Context, c cid.Cid, _ bool) error {
	r.registry.AddProvider(c, r.self)
	return nil
}

func (r *peerRouting) FindProvidersAsync(ctx context.Context, c cid.Cid, max int) <-chan peer.AddrInfo {
	providers := r.registry.Providers(c)
	if max > 0 && len(providers) > max {
		providers = providers[:max]
	}
	out := make(chan peer.AddrInfo, len(providers))
	for _, p := range providers {
		out <- peer.AddrInfo{ID: p}
	}
	close(out)
	return out
}
