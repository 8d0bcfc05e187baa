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
	"sync"

	"github.com/blinklabs-io/gobitswap/engine"
	"github.com/blinklabs-io/gobitswap/message"
	"github.com/ipfs/go-cid"
)

// peerQueue holds the outbound work for one peer. Demand (our wants and
// cancels) and supply (blocks and presences we owe) are kept apart so
// that one never holds up the other
type peerQueue struct {
	mutex        sync.Mutex
	wants        []message.Entry
	wantIdx      map[cid.Cid]int
	responses    []engine.Response
	maxResponses int
	signal       chan struct{}
}

func newPeerQueue(maxResponses int) *peerQueue {
	return &peerQueue{
		wantIdx:      make(map[cid.Cid]int),
		maxResponses: maxResponses,
		signal:       make(chan struct{}, 1),
	}
}

func (q *peerQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// addWants queues want and cancel entries. A newer entry for a CID replaces
// one that hasn't been written yet
func (q *peerQueue) addWants(entries []message.Entry) {
	if len(entries) == 0 {
		return
	}
	q.mutex.Lock()
	for _, entry := range entries {
		if idx, ok := q.wantIdx[entry.Cid]; ok {
			q.wants[idx] = entry
			continue
		}
		q.wantIdx[entry.Cid] = len(q.wants)
		q.wants = append(q.wants, entry)
	}
	q.mutex.Unlock()
	q.notify()
}

// addResponses queues responses and returns how many were dropped because the
// queue is full
func (q *peerQueue) addResponses(responses []engine.Response) int {
	q.mutex.Lock()
	room := max(q.maxResponses-len(q.responses), 0)
	dropped := 0
	if len(responses) > room {
		dropped = len(responses) - room
		responses = responses[:room]
	}
	q.responses = append(q.responses, responses...)
	q.mutex.Unlock()
	if len(responses) > 0 {
		q.notify()
	}
	return dropped
}

// cancelResponses withdraws queued responses for the CIDs
func (q *peerQueue) cancelResponses(cids []cid.Cid) {
	cancelled := make(map[cid.Cid]struct{}, len(cids))
	for _, c := range cids {
		cancelled[c] = struct{}{}
	}
	q.mutex.Lock()
	defer q.mutex.Unlock()
	kept := q.responses[:0]
	for _, resp := range q.responses {
		if _, ok := cancelled[resp.Cid]; ok {
			continue
		}
		kept = append(kept, resp)
	}
	clear(q.responses[len(kept):])
	q.responses = kept
}

// take removes the next message's worth of work from the queue. All pending
// want entries and presences are included, and blocks up to maxSize bytes
// with at least one block per message. It returns nil if there's nothing to
// send
func (q *peerQueue) take(maxSize int) *message.Message {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	msg := message.New(false)
	for _, entry := range q.wants {
		msg.AddEntry(entry)
	}
	q.wants = nil
	clear(q.wantIdx)
	size := 0
	kept := q.responses[:0]
	for _, resp := range q.responses {
		if resp.Block == nil {
			if resp.Presence == message.PresenceTypeHave {
				msg.AddHave(resp.Cid)
			} else {
				msg.AddDontHave(resp.Cid)
			}
			continue
		}
		blockSize := len(resp.Block.RawData())
		if size > 0 && size+blockSize > maxSize {
			kept = append(kept, resp)
			continue
		}
		msg.AddBlock(resp.Block)
		size += blockSize
	}
	clear(q.responses[len(kept):])
	q.responses = kept
	if msg.Empty() {
		return nil
	}
	return msg
}

// len returns the number of queued entries and responses
func (q *peerQueue) len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.wants) + len(q.responses)
}
