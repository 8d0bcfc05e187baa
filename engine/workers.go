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
	"context"
	"sync/atomic"

	"github.com/blinklabs-io/gobitswap/message"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/sync/errgroup"
)

// lookupJob is a block store lookup for a single remote want
type lookupJob struct {
	peer  peer.ID
	entry message.Entry
	seq   uint64
}

// lookupFunc processes a single job
type lookupFunc func(ctx context.Context, job *lookupJob)

// lookupWorkerPool runs block store lookups in parallel so they stay off the
// engine lock
type lookupWorkerPool struct {
	process    lookupFunc
	numWorkers int
	input      chan *lookupJob
	started    atomic.Bool
}

// lookupWorkerPoolConfig holds configuration for creating a lookupWorkerPool
type lookupWorkerPoolConfig struct {
	// Process handles a job (required)
	Process lookupFunc
	// NumWorkers is the number of parallel workers; defaults to 1 if <= 0
	NumWorkers int
	// QueueSize is the number of jobs that can wait for a worker
	QueueSize int
}

func newLookupWorkerPool(config lookupWorkerPoolConfig) *lookupWorkerPool {
	numWorkers := config.NumWorkers
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &lookupWorkerPool{
		process:    config.Process,
		numWorkers: numWorkers,
		input:      make(chan *lookupJob, max(config.QueueSize, 0)),
	}
}

// Start starts the workers on the provided group. Calling it more than once has
// no effect
func (p *lookupWorkerPool) Start(ctx context.Context, group *errgroup.Group) {
	if p.started.Swap(true) {
		return
	}
	for range p.numWorkers {
		group.Go(func() error {
			p.worker(ctx)
			return nil
		})
	}
}

// Submit queues a job, waiting for room if the queue is full
func (p *lookupWorkerPool) Submit(ctx context.Context, job *lookupJob) error {
	select {
	case p.input <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *lookupWorkerPool) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.input:
			p.process(ctx, job)
		}
	}
}
