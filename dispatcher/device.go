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

package dispatcher

import (
	"context"

	"github.com/9rum/flowtrain/internal/batch"
)

// Device executes one compute step on a batch. The model-training backend
// provides accelerator-backed implementations; the orchestrator only relies
// on this boundary.
type Device interface {
	// Rank returns the device rank within the run, fixed at construction.
	Rank() int

	// Compute runs forward/backward on the given batch and returns the
	// step outcome. Implementations must observe ctx cancellation.
	Compute(ctx context.Context, b batch.Batch) (Result, error)
}

// Result carries the per-device outcome of one compute step.
type Result struct {
	// Loss is the mean loss over the batch.
	Loss float64

	// GradNorm is the gradient norm of the step; a non-finite value marks
	// the step as failed.
	GradNorm float64

	// Samples is the number of samples the device consumed.
	Samples int
}

// hostDevice is the reference device used when no accelerator backend is
// linked, e.g. CPU-only runs and tests. Its loss is a deterministic function
// of the batch payloads so runs are reproducible.
type hostDevice struct {
	rank int
}

// NewHostDevice creates a host-side device with the given rank.
func NewHostDevice(rank int) Device {
	return &hostDevice{rank: rank}
}

func (d *hostDevice) Rank() int {
	return d.rank
}

// Compute computes a pseudo-loss over the payload bytes. The reduction order
// is the sample order within the batch, which is fixed, so the result is
// bit-reproducible for a given batch.
func (d *hostDevice) Compute(ctx context.Context, b batch.Batch) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	sum := 0.
	count := 0
	for _, sample := range b.Samples {
		for _, v := range sample.Payload {
			f := float64(v) / 255.
			sum += f * f
			count++
		}
	}

	loss := 0.
	if 0 < count {
		loss = sum / float64(count)
	}

	return Result{
		Loss:     loss,
		GradNorm: loss,
		Samples:  b.Len(),
	}, nil
}
