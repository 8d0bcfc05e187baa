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

package bitswap_test

import (
	"strings"
	"testing"

	"github.com/blinklabs-io/gobitswap"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBootstrapPeer1 = "QmNnooDu7bfjPFoTZYxMNLWUQJyrVwtbZg5gBMjTezGAJN"
	testBootstrapPeer2 = "QmaCpDMGvV2BGHeYERUEnRQAwe3N8SzbUtfsmvsqQLuvuJ"
)

type bootstrapTestDefinition struct {
	jsonData       string
	expectedObject *bitswap.BootstrapConfig
	expectedPeers  []string
	expectedAddrs  []int
}

var bootstrapTests = []bootstrapTestDefinition{
	{
		jsonData: `
{
  "addrs": [
    "/dnsaddr/bootstrap.libp2p.io/p2p/QmNnooDu7bfjPFoTZYxMNLWUQJyrVwtbZg5gBMjTezGAJN",
    "/ip4/104.131.131.82/tcp/4001/p2p/QmaCpDMGvV2BGHeYERUEnRQAwe3N8SzbUtfsmvsqQLuvuJ"
  ]
}
`,
		expectedObject: &bitswap.BootstrapConfig{
			Addrs: []string{
				"/dnsaddr/bootstrap.libp2p.io/p2p/QmNnooDu7bfjPFoTZYxMNLWUQJyrVwtbZg5gBMjTezGAJN",
				"/ip4/104.131.131.82/tcp/4001/p2p/QmaCpDMGvV2BGHeYERUEnRQAwe3N8SzbUtfsmvsqQLuvuJ",
			},
		},
		expectedPeers: []string{testBootstrapPeer1, testBootstrapPeer2},
		expectedAddrs: []int{1, 1},
	},
	{
		jsonData: `
{
  "addrs": [
    "/ip4/104.131.131.82/tcp/4001/p2p/QmaCpDMGvV2BGHeYERUEnRQAwe3N8SzbUtfsmvsqQLuvuJ"
  ],
  "peers": [
    {
      "id": "QmaCpDMGvV2BGHeYERUEnRQAwe3N8SzbUtfsmvsqQLuvuJ",
      "addrs": ["/ip4/104.131.131.82/udp/4001/quic-v1"]
    },
    {
      "id": "QmNnooDu7bfjPFoTZYxMNLWUQJyrVwtbZg5gBMjTezGAJN",
      "addrs": []
    }
  ]
}
`,
		expectedObject: &bitswap.BootstrapConfig{
			Addrs: []string{
				"/ip4/104.131.131.82/tcp/4001/p2p/QmaCpDMGvV2BGHeYERUEnRQAwe3N8SzbUtfsmvsqQLuvuJ",
			},
			Peers: []bitswap.BootstrapConfigPeer{
				{
					Id:    testBootstrapPeer2,
					Addrs: []string{"/ip4/104.131.131.82/udp/4001/quic-v1"},
				},
				{
					Id:    testBootstrapPeer1,
					Addrs: []string{},
				},
			},
		},
		expectedPeers: []string{testBootstrapPeer2, testBootstrapPeer1},
		expectedAddrs: []int{2, 0},
	},
}

func TestParseBootstrapConfig(t *testing.T) {
	for _, test := range bootstrapTests {
		cfg, err := bitswap.NewBootstrapConfigFromReader(strings.NewReader(test.jsonData))
		require.NoError(t, err)
		assert.Equal(t, test.expectedObject, cfg)
		infos, err := cfg.AddrInfos()
		require.NoError(t, err)
		require.Len(t, infos, len(test.expectedPeers))
		for idx, info := range infos {
			expected, err := peer.Decode(test.expectedPeers[idx])
			require.NoError(t, err)
			assert.Equal(t, expected, info.ID)
			assert.Len(t, info.Addrs, test.expectedAddrs[idx])
		}
	}
}

func TestBootstrapConfigBadAddr(t *testing.T) {
	cfg := &bitswap.BootstrapConfig{
		Addrs: []string{"/ip4/104.131.131.82/tcp/4001"},
	}
	_, err := cfg.AddrInfos()
	assert.Error(t, err)
	cfg = &bitswap.BootstrapConfig{
		Peers: []bitswap.BootstrapConfigPeer{{Id: "not-a-peer"}},
	}
	_, err = cfg.AddrInfos()
	assert.Error(t, err)
}
