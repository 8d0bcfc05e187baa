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
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// BootstrapConfig represents a bootstrap peer list file
type BootstrapConfig struct {
	// Addrs are full multiaddrs ending in /p2p/<peer ID>
	Addrs []string              `json:"addrs"`
	Peers []BootstrapConfigPeer `json:"peers"`
}

// BootstrapConfigPeer is a peer ID with the addresses it can be reached at
type BootstrapConfigPeer struct {
	Id    string   `json:"id"`
	Addrs []string `json:"addrs"`
}

func NewBootstrapConfigFromFile(path string) (*BootstrapConfig, error) {
	dataFile, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer dataFile.Close()
	return NewBootstrapConfigFromReader(dataFile)
}

func NewBootstrapConfigFromReader(r io.Reader) (*BootstrapConfig, error) {
	c := &BootstrapConfig{}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return c, nil
}

// AddrInfos returns the configured peers with addresses for the same peer
// merged, in the order they first appear
func (c *BootstrapConfig) AddrInfos() ([]peer.AddrInfo, error) {
	var ret []peer.AddrInfo
	index := make(map[peer.ID]int)
	add := func(p peer.ID, addrs []multiaddr.Multiaddr) {
		if idx, ok := index[p]; ok {
			ret[idx].Addrs = append(ret[idx].Addrs, addrs...)
			return
		}
		index[p] = len(ret)
		ret = append(ret, peer.AddrInfo{ID: p, Addrs: addrs})
	}
	for _, addr := range c.Addrs {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("bootstrap address %q: %w", addr, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return nil, fmt.Errorf("bootstrap address %q: %w", addr, err)
		}
		add(info.ID, info.Addrs)
	}
	for _, tmpPeer := range c.Peers {
		p, err := peer.Decode(tmpPeer.Id)
		if err != nil {
			return nil, fmt.Errorf("bootstrap peer %q: %w", tmpPeer.Id, err)
		}
		addrs := make([]multiaddr.Multiaddr, 0, len(tmpPeer.Addrs))
		for _, addr := range tmpPeer.Addrs {
			maddr, err := multiaddr.NewMultiaddr(addr)
			if err != nil {
				return nil, fmt.Errorf("bootstrap peer %q address %q: %w", tmpPeer.Id, addr, err)
			}
			addrs = append(addrs, maddr)
		}
		add(p, addrs)
	}
	return ret, nil
}
