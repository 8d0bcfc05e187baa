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
	cryptorand "crypto/rand"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/blinklabs-io/gobitswap/block"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// DecodeHexString is a helper function for tests that decodes hex strings. It doesn't return
// an error value, which makes it usable inline.
func DecodeHexString(hexData string) []byte {
	// Strip off any leading/trailing whitespace in hex string
	hexData = strings.TrimSpace(hexData)
	decoded, err := hex.DecodeString(hexData)
	if err != nil {
		panic(fmt.Sprintf("error decoding hex: %s", err))
	}
	return decoded
}

// GenerateBlocks returns count raw blocks with distinct pseudo-random payloads of the given size
func GenerateBlocks(t testing.TB, count int, size int) []blocks.Block {
	t.Helper()
	// Deterministic source so failures are reproducible
	rnd := rand.New(rand.NewSource(int64(count*7919 + size)))
	ret := make([]blocks.Block, 0, count)
	for range count {
		data := make([]byte, size)
		_, _ = rnd.Read(data)
		b, err := block.NewRawBlock(data)
		if err != nil {
			t.Fatalf("failed to create block: %s", err)
		}
		ret = append(ret, b)
	}
	return ret
}

// Cids returns the CIDs of the provided blocks
func Cids(blks []blocks.Block) []cid.Cid {
	ret := make([]cid.Cid, 0, len(blks))
	for _, b := range blks {
		ret = append(ret, b.Cid())
	}
	return ret
}

// PeerId returns a fake peer ID for use in tests
func PeerId(name string) peer.ID {
	return peer.ID("test-peer-" + name)
}

// RandomPeerId returns a valid peer ID derived from a fresh Ed25519 key
func RandomPeerId(t testing.TB) peer.ID {
	t.Helper()
	_, pub, err := crypto.GenerateEd25519Key(cryptorand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %s", err)
	}
	p, err := peer.IDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("failed to derive peer ID: %s", err)
	}
	return p
}

// NewMapDatastore returns a thread-safe in-memory datastore
func NewMapDatastore() datastore.Batching {
	return dssync.MutexWrap(datastore.NewMapDatastore())
}
