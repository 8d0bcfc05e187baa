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

package engine

import (
	"container/heap"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
)

type taskKey struct {
	peer peer.ID
	cid  cid.Cid
}

// task is a block waiting to be sent to a peer
type task struct {
	peer     peer.ID
	cid      cid.Cid
	priority int32
	seq      uint64
	debtor   bool
	removed  bool
}

func (t *task) key() taskKey {
	return taskKey{peer: t.peer, cid: t.cid}
}

// taskHeap orders tasks by priority, then arrival
type taskHeap []*task

func (h taskHeap) Len() int {
	return len(h)
}

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(*task))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	ret := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return ret
}

// taskQueue holds send tasks across all peers. Tasks for peers in debt go to a
// separate heap that is served after every debtorInterval consecutive tasks
// from the normal heap, or whenever the normal heap is empty. Removal is lazy
type taskQueue struct {
	normal         taskHeap
	debtor         taskHeap
	tasks          map[taskKey]*task
	debtorInterval int
	sinceDebtor    int
}

func newTaskQueue(debtorInterval int) *taskQueue {
	return &taskQueue{
		tasks:          make(map[taskKey]*task),
		debtorInterval: max(debtorInterval, 1),
	}
}

// Push adds a task, replacing any queued task for the same peer and CID
func (q *taskQueue) Push(t *task) {
	if existing, ok := q.tasks[t.key()]; ok {
		existing.removed = true
	}
	q.tasks[t.key()] = t
	if t.debtor {
		heap.Push(&q.debtor, t)
	} else {
		heap.Push(&q.normal, t)
	}
}

// Remove drops the queued task for the peer and CID, if any
func (q *taskQueue) Remove(p peer.ID, c cid.Cid) {
	key := taskKey{peer: p, cid: c}
	if t, ok := q.tasks[key]; ok {
		t.removed = true
		delete(q.tasks, key)
	}
}

// Has returns true if a task is queued for the peer and CID
func (q *taskQueue) Has(p peer.ID, c cid.Cid) bool {
	_, ok := q.tasks[taskKey{peer: p, cid: c}]
	return ok
}

// RemovePeer drops all queued tasks for the peer
func (q *taskQueue) RemovePeer(p peer.ID) {
	for key, t := range q.tasks {
		if key.peer == p {
			t.removed = true
			delete(q.tasks, key)
		}
	}
}

// Len returns the number of live tasks
func (q *taskQueue) Len() int {
	return len(q.tasks)
}

// Pop returns the next task to serve, or nil if there is none
func (q *taskQueue) Pop() *task {
	prune(&q.normal)
	prune(&q.debtor)
	var h *taskHeap
	switch {
	case q.normal.Len() > 0 && (q.debtor.Len() == 0 || q.sinceDebtor < q.debtorInterval):
		h = &q.normal
		if q.debtor.Len() > 0 {
			q.sinceDebtor++
		}
	case q.debtor.Len() > 0:
		h = &q.debtor
		q.sinceDebtor = 0
	default:
		return nil
	}
	t := heap.Pop(h).(*task)
	delete(q.tasks, t.key())
	return t
}

func prune(h *taskHeap) {
	for h.Len() > 0 && (*h)[0].removed {
		heap.Pop(h)
	}
}
