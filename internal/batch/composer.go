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

// Package batch composes per-device batches from the prefetch queue. Each
// step draws one super-batch of base batch size times the batch multiplier
// per device and splits it contiguously across the active devices, so each
// device receives a contiguous slice of the drawn samples.
package batch

import (
	"context"

	"github.com/9rum/flowtrain/internal/prefetch"
	"golang.org/x/exp/constraints"
)

// Source yields decoded samples until the epoch is drained. It is satisfied
// by prefetch.Queue.
type Source interface {
	// Pop returns the next sample; the second return value is false once
	// the epoch is drained or the context is cancelled.
	Pop(ctx context.Context) (prefetch.Sample, bool)
}

// Batch is an ordered sequence of samples bound to one device for one step.
// The final batch of an epoch may be short; it is kept short rather than
// padded or dropped, and metrics are sample-weighted downstream so a short
// batch does not bias them.
type Batch struct {
	// Device is the rank of the target device.
	Device int

	// Samples are owned by the batch once composed.
	Samples []prefetch.Sample
}

// Len returns the number of samples in the batch.
func (b Batch) Len() int {
	return len(b.Samples)
}

// Composer groups samples into per-device batches.
type Composer struct {
	source  Source
	devices int
	target  int
}

// NewComposer creates a composer drawing from source for the given device
// count with a per-device target of baseBatchSize*multiplier samples.
func NewComposer(source Source, devices, baseBatchSize, multiplier int) *Composer {
	return &Composer{
		source:  source,
		devices: devices,
		target:  baseBatchSize * multiplier,
	}
}

// Target returns the per-device batch size.
func (c *Composer) Target() int {
	return c.target
}

// NextStep draws up to devices*target samples and splits them contiguously
// into one batch per device. At epoch end the last non-empty batch may be
// short, and devices past the drawn samples receive an empty batch, which
// the dispatcher skips. The second return value is false once no samples
// remain, signalling end-of-epoch.
func (c *Composer) NextStep(ctx context.Context) ([]Batch, bool) {
	drawn := make([]prefetch.Sample, 0, c.devices*c.target)
	for len(drawn) < cap(drawn) {
		sample, ok := c.source.Pop(ctx)
		if !ok {
			break
		}
		drawn = append(drawn, sample)
	}
	if len(drawn) == 0 {
		return nil, false
	}

	batches := make([]Batch, 0, c.devices)
	for rank := 0; rank < c.devices; rank++ {
		low := min(rank*c.target, len(drawn))
		high := min(low+c.target, len(drawn))
		batches = append(batches, Batch{Device: rank, Samples: drawn[low:high]})
	}

	return batches, true
}

// min returns the smaller of the given values.
func min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}
