// Copyright 2023 Sogang University
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

// Package prefetch decouples shard I/O and deserialization from batch
// consumption. A pool of worker goroutines claims shards, decodes them into
// samples and pushes the samples into a bounded queue; the bound gives
// backpressure, so the queue never holds more than prefetch factor times
// worker count decoded samples. Each worker additionally stages at most one
// fully decoded shard before pushing, so that a decode error never leaks a
// partial shard downstream; peak memory is therefore the queue bound plus
// one shard per worker. A corrupt shard is skipped and counted rather than
// failing the run.
package prefetch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/9rum/flowtrain/internal/catalog"
	"github.com/golang/glog"
)

// Queue is a bounded pipeline of decoded samples for one epoch. Create a
// fresh queue per epoch with New and start it with Start; it must not be
// reused across epochs.
type Queue struct {
	samples chan Sample
	workers int
	skipped atomic.Int64

	// synchronous mode state, used only when workers == 0
	pending []catalog.Shard
	buffer  []Sample
}

// New creates a queue fed by the given number of workers, bounded to
// prefetchFactor*workers samples. Zero workers selects synchronous loading:
// Pop decodes shards on the calling task, one shard at a time.
func New(workers, prefetchFactor int) *Queue {
	q := &Queue{workers: workers}
	if 0 < workers {
		q.samples = make(chan Sample, prefetchFactor*workers)
	}
	return q
}

// Capacity returns the sample bound of the queue.
func (q *Queue) Capacity() int {
	if q.workers == 0 {
		return 0
	}
	return cap(q.samples)
}

// Skipped returns the number of shards dropped due to decode errors so far.
func (q *Queue) Skipped() int64 {
	return q.skipped.Load()
}

// Start launches the producers over the given shard ordering. Workers claim
// shards from a shared list, so no global sample order is guaranteed across
// workers; within one shard, emission order matches on-disk order. When all
// shards are consumed the queue signals end-of-epoch to Pop.
func (q *Queue) Start(ctx context.Context, shards []catalog.Shard) {
	if q.workers == 0 {
		q.pending = shards
		return
	}

	claims := make(chan catalog.Shard)
	go func() {
		defer close(claims)
		for _, shard := range shards {
			select {
			case claims <- shard:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for worker := 0; worker < q.workers; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.produce(ctx, claims)
		}()
	}

	go func() {
		wg.Wait()
		close(q.samples)
	}()
}

// produce claims shards until none remain, decoding each into the queue.
// A shard is decoded in full before any of its samples are pushed so that a
// decode error never leaks a partial shard downstream.
func (q *Queue) produce(ctx context.Context, claims <-chan catalog.Shard) {
	for shard := range claims {
		decoded := make([]Sample, 0, shard.Samples)
		err := decodeShard(shard, func(sample Sample) bool {
			decoded = append(decoded, sample)
			return true
		})
		if err != nil {
			q.skipped.Add(1)
			glog.Warningf("skipping shard: %v", err)
			continue
		}

		for _, sample := range decoded {
			select {
			case q.samples <- sample:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Pop returns the next decoded sample. It blocks while the queue is empty
// and producers are still running. The second return value is false once the
// epoch is drained or the context is cancelled; callers distinguish the two
// by checking the context.
func (q *Queue) Pop(ctx context.Context) (Sample, bool) {
	if q.workers == 0 {
		return q.popSync(ctx)
	}

	select {
	case sample, ok := <-q.samples:
		return sample, ok
	case <-ctx.Done():
		return Sample{}, false
	}
}

// popSync decodes shards on the calling task. One shard is buffered at a
// time, which keeps the synchronous path within the same memory envelope as
// a single worker.
func (q *Queue) popSync(ctx context.Context) (Sample, bool) {
	for len(q.buffer) == 0 {
		if len(q.pending) == 0 || ctx.Err() != nil {
			return Sample{}, false
		}
		shard := q.pending[0]
		q.pending = q.pending[1:]

		err := decodeShard(shard, func(sample Sample) bool {
			q.buffer = append(q.buffer, sample)
			return true
		})
		if err != nil {
			q.skipped.Add(1)
			q.buffer = q.buffer[:0]
			glog.Warningf("skipping shard: %v", err)
		}
	}

	sample := q.buffer[0]
	q.buffer = q.buffer[1:]
	return sample, true
}
