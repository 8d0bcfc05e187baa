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
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/blinklabs-io/gobitswap/internal/test"
	"github.com/blinklabs-io/gobitswap/message"
	"github.com/blinklabs-io/gobitswap/network"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestPeerConnReportsUnsentWants(t *testing.T) {
	defer goleak.VerifyNone(t)
	var mutex sync.Mutex
	var failed []cid.Cid
	var errs []error
	p := test.PeerId("remote")
	blks := test.GenerateBlocks(t, 3, 32)
	// Nothing is connected, so every stream open fails straight away
	conn := newPeerConn(p, peerConnConfig{
		Network:        network.NewConnNetwork(test.PeerId("self")),
		Logger:         slog.New(slog.NewJSONHandler(io.Discard, nil)),
		MaxMessageSize: message.MaxMessageSize,
		MaxResponses:   10,
		SentFunc:       func(peer.ID, *message.Message) {},
		ErrorFunc: func(_ peer.ID, err error) {
			mutex.Lock()
			defer mutex.Unlock()
			errs = append(errs, err)
		},
		DroppedFunc: func(int) {},
		FailedFunc: func(_ peer.ID, cids []cid.Cid) {
			mutex.Lock()
			defer mutex.Unlock()
			failed = append(failed, cids...)
		},
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.run()
	}()
	conn.queue.addWants([]message.Entry{
		{Cid: blks[0].Cid(), WantType: message.WantTypeHave},
		{Cid: blks[1].Cid(), WantType: message.WantTypeBlock},
		{Cid: blks[2].Cid(), Cancel: true},
	})
	require.Eventually(t, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(failed) == 2
	}, 2*time.Second, 5*time.Millisecond)
	conn.close()
	<-done
	mutex.Lock()
	defer mutex.Unlock()
	// Cancels aren't reported
	assert.ElementsMatch(t, test.Cids(blks[:2]), failed)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], network.ErrNotConnected)
}
