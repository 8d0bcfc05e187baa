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
	"sync"

	"github.com/blinklabs-io/gobitswap/message"
	"github.com/libp2p/go-libp2p/core/peer"
)

// FakeSender records want entries sent to peers
type FakeSender struct {
	mutex     sync.Mutex
	connected map[peer.ID]bool
	sent      map[peer.ID][]message.Entry
}

// NewFakeSender returns a FakeSender with the given peers connected
func NewFakeSender(peers ...peer.ID) *FakeSender {
	f := &FakeSender{
		connected: make(map[peer.ID]bool),
		sent:      make(map[peer.ID][]message.Entry),
	}
	for _, p := range peers {
		f.connected[p] = true
	}
	return f
}

// SetConnected marks a peer as connected or not
func (f *FakeSender) SetConnected(p peer.ID, connected bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.connected[p] = connected
}

// SendWants records the entries if the peer is connected
func (f *FakeSender) SendWants(p peer.ID, entries []message.Entry) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if !f.connected[p] {
		return false
	}
	f.sent[p] = append(f.sent[p], entries...)
	return true
}

// Sent returns all entries sent to the peer
func (f *FakeSender) Sent(p peer.ID) []message.Entry {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	ret := make([]message.Entry, len(f.sent[p]))
	copy(ret, f.sent[p])
	return ret
}

// Wants returns the non-cancel entries sent to the peer
func (f *FakeSender) Wants(p peer.ID) []message.Entry {
	var ret []message.Entry
	for _, entry := range f.Sent(p) {
		if !entry.Cancel {
			ret = append(ret, entry)
		}
	}
	return ret
}

// Cancels returns the cancel entries sent to the peer
func (f *FakeSender) Cancels(p peer.ID) []message.Entry {
	var ret []message.Entry
	for _, entry := range f.Sent(p) {
		if entry.Cancel {
			ret = append(ret, entry)
		}
	}
	return ret
}
