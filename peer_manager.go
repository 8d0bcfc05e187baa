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
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/blinklabs-io/gobitswap/engine"
	"github.com/blinklabs-io/gobitswap/message"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
)

// PeerManagerConnClosedFunc is a function that takes a peer ID and the last
// error seen on its streams, if any
type PeerManagerConnClosedFunc func(peer.ID, error)

// PeerManagerTag represents the various tags that can be associated with a host or peer
type PeerManagerTag uint16

const (
	PeerManagerTagNone PeerManagerTag = iota

	PeerManagerTagHostBootstrap
	PeerManagerTagHostProvider

	PeerManagerTagRoleInitiator
	PeerManagerTagRoleResponder
)

func (t PeerManagerTag) String() string {
	tmp := map[PeerManagerTag]string{
		PeerManagerTagHostBootstrap: "HostBootstrap",
		PeerManagerTagHostProvider:  "HostProvider",
		PeerManagerTagRoleInitiator: "RoleInitiator",
		PeerManagerTagRoleResponder: "RoleResponder",
	}
	ret, ok := tmp[t]
	if !ok {
		return "Unknown"
	}
	return ret
}

// PeerManager tracks connected peers and their outbound queues
type PeerManager struct {
	config     PeerManagerConfig
	hosts      map[peer.ID]PeerManagerHost
	peers      map[peer.ID]*PeerManagerPeer
	peersMutex sync.Mutex
}

type PeerManagerConfig struct {
	ConnClosedFunc PeerManagerConnClosedFunc
}

// PeerManagerHost is a known peer that isn't necessarily connected
type PeerManagerHost struct {
	AddrInfo peer.AddrInfo
	Tags     map[PeerManagerTag]bool
}

// PeerManagerPeer is a snapshot of a connected peer
type PeerManagerPeer struct {
	Id          peer.ID
	Tags        map[PeerManagerTag]bool
	ConnectedAt time.Time
	conn        *peerConn
	lastErr     error
}

func NewPeerManager(cfg PeerManagerConfig) *PeerManager {
	return &PeerManager{
		config: cfg,
		hosts:  make(map[peer.ID]PeerManagerHost),
		peers:  make(map[peer.ID]*PeerManagerPeer),
	}
}

// AddHost registers a known peer. The tags are applied when it connects
func (m *PeerManager) AddHost(info peer.AddrInfo, tags ...PeerManagerTag) {
	m.peersMutex.Lock()
	defer m.peersMutex.Unlock()
	host, ok := m.hosts[info.ID]
	if !ok {
		host = PeerManagerHost{
			AddrInfo: peer.AddrInfo{ID: info.ID},
			Tags:     map[PeerManagerTag]bool{},
		}
	}
	host.AddrInfo.Addrs = append(host.AddrInfo.Addrs, info.Addrs...)
	for _, tag := range tags {
		host.Tags[tag] = true
	}
	m.hosts[info.ID] = host
	if tmpPeer, ok := m.peers[info.ID]; ok {
		for _, tag := range tags {
			tmpPeer.Tags[tag] = true
		}
	}
}

// AddHostsFromBootstrap registers every peer in the bootstrap config
func (m *PeerManager) AddHostsFromBootstrap(cfg *BootstrapConfig) error {
	infos, err := cfg.AddrInfos()
	if err != nil {
		return err
	}
	for _, info := range infos {
		m.AddHost(info, PeerManagerTagHostBootstrap)
	}
	return nil
}

// Hosts returns the known hosts
func (m *PeerManager) Hosts() []PeerManagerHost {
	m.peersMutex.Lock()
	defer m.peersMutex.Unlock()
	ret := make([]PeerManagerHost, 0, len(m.hosts))
	for _, host := range m.hosts {
		ret = append(ret, PeerManagerHost{
			AddrInfo: host.AddrInfo,
			Tags:     maps.Clone(host.Tags),
		})
	}
	return ret
}

// addPeer tracks a connected peer. It returns false if the peer is already
// tracked
func (m *PeerManager) addPeer(p peer.ID, conn *peerConn, tags ...PeerManagerTag) bool {
	m.peersMutex.Lock()
	defer m.peersMutex.Unlock()
	if _, ok := m.peers[p]; ok {
		return false
	}
	tmpPeer := &PeerManagerPeer{
		Id:          p,
		Tags:        map[PeerManagerTag]bool{},
		ConnectedAt: time.Now(),
		conn:        conn,
	}
	if host, ok := m.hosts[p]; ok {
		for tag := range host.Tags {
			tmpPeer.Tags[tag] = true
		}
	}
	for _, tag := range tags {
		tmpPeer.Tags[tag] = true
	}
	m.peers[p] = tmpPeer
	return true
}

// removePeer stops tracking a peer, calls the configured closed callback and
// returns the peer's outbound connection
func (m *PeerManager) removePeer(p peer.ID) (*peerConn, bool) {
	m.peersMutex.Lock()
	tmpPeer, ok := m.peers[p]
	if ok {
		delete(m.peers, p)
	}
	m.peersMutex.Unlock()
	if !ok {
		return nil, false
	}
	if m.config.ConnClosedFunc != nil {
		m.config.ConnClosedFunc(p, tmpPeer.lastErr)
	}
	return tmpPeer.conn, true
}

// recordError remembers the latest stream error for a peer
func (m *PeerManager) recordError(p peer.ID, err error) {
	m.peersMutex.Lock()
	defer m.peersMutex.Unlock()
	if tmpPeer, ok := m.peers[p]; ok {
		tmpPeer.lastErr = err
	}
}

func (m *PeerManager) conns() []*peerConn {
	m.peersMutex.Lock()
	defer m.peersMutex.Unlock()
	ret := make([]*peerConn, 0, len(m.peers))
	for _, tmpPeer := range m.peers {
		if tmpPeer.conn != nil {
			ret = append(ret, tmpPeer.conn)
		}
	}
	return ret
}

func (m *PeerManager) conn(p peer.ID) *peerConn {
	m.peersMutex.Lock()
	defer m.peersMutex.Unlock()
	tmpPeer, ok := m.peers[p]
	if !ok {
		return nil
	}
	return tmpPeer.conn
}

func (m *PeerManager) snapshot(tmpPeer *PeerManagerPeer) *PeerManagerPeer {
	return &PeerManagerPeer{
		Id:          tmpPeer.Id,
		Tags:        maps.Clone(tmpPeer.Tags),
		ConnectedAt: tmpPeer.ConnectedAt,
	}
}

func (m *PeerManager) GetPeerById(p peer.ID) *PeerManagerPeer {
	m.peersMutex.Lock()
	defer m.peersMutex.Unlock()
	tmpPeer, ok := m.peers[p]
	if !ok {
		return nil
	}
	return m.snapshot(tmpPeer)
}

// GetPeersByTags returns the connected peers that have all of the tags
func (m *PeerManager) GetPeersByTags(tags ...PeerManagerTag) []*PeerManagerPeer {
	var ret []*PeerManagerPeer
	m.peersMutex.Lock()
	for _, tmpPeer := range m.peers {
		skipPeer := false
		for _, tag := range tags {
			if _, ok := tmpPeer.Tags[tag]; !ok {
				skipPeer = true
				break
			}
		}
		if !skipPeer {
			ret = append(ret, m.snapshot(tmpPeer))
		}
	}
	m.peersMutex.Unlock()
	return ret
}

func (m *PeerManager) AddTags(p peer.ID, tags ...PeerManagerTag) {
	m.peersMutex.Lock()
	defer m.peersMutex.Unlock()
	if tmpPeer, ok := m.peers[p]; ok {
		for _, tag := range tags {
			tmpPeer.Tags[tag] = true
		}
	}
}

func (m *PeerManager) RemoveTags(p peer.ID, tags ...PeerManagerTag) {
	m.peersMutex.Lock()
	defer m.peersMutex.Unlock()
	if tmpPeer, ok := m.peers[p]; ok {
		for _, tag := range tags {
			delete(tmpPeer.Tags, tag)
		}
	}
}

// ConnectedPeers returns the IDs of all connected peers, sorted
func (m *PeerManager) ConnectedPeers() []peer.ID {
	m.peersMutex.Lock()
	ret := slices.Collect(maps.Keys(m.peers))
	m.peersMutex.Unlock()
	slices.Sort(ret)
	return ret
}

// NumPeers returns the number of connected peers
func (m *PeerManager) NumPeers() int {
	m.peersMutex.Lock()
	defer m.peersMutex.Unlock()
	return len(m.peers)
}

// SendWants queues want entries for a peer
func (m *PeerManager) SendWants(p peer.ID, entries []message.Entry) bool {
	conn := m.conn(p)
	if conn == nil {
		return false
	}
	conn.queue.addWants(entries)
	return true
}

// SendResponses queues blocks and presences for a peer. Responses that don't
// fit in the peer's queue are dropped and false is returned
func (m *PeerManager) SendResponses(p peer.ID, responses []engine.Response) bool {
	conn := m.conn(p)
	if conn == nil {
		return false
	}
	dropped := conn.queue.addResponses(responses)
	if dropped > 0 {
		conn.config.DroppedFunc(dropped)
	}
	return dropped == 0
}

// CancelResponses withdraws queued responses for a peer
func (m *PeerManager) CancelResponses(p peer.ID, cids []cid.Cid) {
	if conn := m.conn(p); conn != nil {
		conn.queue.cancelResponses(cids)
	}
}
