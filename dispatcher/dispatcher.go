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

// Package dispatcher distributes composed batches across the compute devices
// and synchronizes their results. Each step is a barrier: the control task
// blocks until every participating device finishes, so a slow device stalls
// the step. Metrics are reduced in ascending rank order for
// bit-reproducibility across runs.
package dispatcher

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/9rum/flowtrain/internal/batch"
	"github.com/golang/glog"
)

// ComputeError reports a device-side fault during a step, e.g. a non-finite
// gradient or an out-of-memory condition. The dispatcher retries the step
// once; a second fault is fatal to the run.
type ComputeError struct {
	Rank int
	Err  error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("device %d: compute failed: %v", e.Rank, e.Err)
}

func (e *ComputeError) Unwrap() error {
	return e.Err
}

// StepResult carries the synchronized outcome of one step across all
// participating devices.
type StepResult struct {
	// PerDevice holds each participating device's result, ordered by
	// ascending rank.
	PerDevice []Result

	// Loss is the sample-weighted mean loss across devices.
	Loss float64

	// Samples is the total number of samples consumed in the step.
	Samples int
}

// Dispatcher coordinates step execution over a fixed device set. Two
// topologies are supported: single-device, which needs no synchronization,
// and multi-device data-parallel, where every device computes on its batch
// slice and the results are averaged.
type Dispatcher struct {
	devices []Device
}

// New creates a dispatcher over the given devices. The device order defines
// the rank order used for reduction.
func New(devices []Device) *Dispatcher {
	return &Dispatcher{devices: devices}
}

// Devices returns the number of devices under dispatch.
func (d *Dispatcher) Devices() int {
	return len(d.devices)
}

// Dispatch sends one batch to each device, waits for all devices to finish
// and reduces their results. Empty batches are skipped, so idle devices at
// epoch end do not error. A faulted step is retried once with the same
// batches after discarding the non-finite results; if the retry also faults,
// the step is fatal and the run must abort, since silently skipping a step
// would corrupt reported metrics and optimizer state consistency.
func (d *Dispatcher) Dispatch(ctx context.Context, batches []batch.Batch) (StepResult, error) {
	result, err := d.dispatch(ctx, batches)
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		// a cancelled step is not a device fault; surface the cancellation
		// so it is not classified as one
		return StepResult{}, ctx.Err()
	}

	glog.Warningf("retrying step after fault: %v", err)
	result, err = d.dispatch(ctx, batches)
	if err != nil {
		return StepResult{}, err
	}
	return result, nil
}

// dispatch executes a single step attempt with a barrier over all
// participating devices.
func (d *Dispatcher) dispatch(ctx context.Context, batches []batch.Batch) (StepResult, error) {
	results := make([]Result, len(d.devices))
	errs := make([]error, len(d.devices))
	active := make([]bool, len(d.devices))

	var wg sync.WaitGroup
	for rank, device := range d.devices {
		if len(batches) <= rank || batches[rank].Len() == 0 {
			continue
		}
		active[rank] = true
		wg.Add(1)
		go func(rank int, device Device, b batch.Batch) {
			defer wg.Done()
			results[rank], errs[rank] = device.Compute(ctx, b)
		}(rank, device, batches[rank])
	}
	wg.Wait()

	// reduce in ascending rank order; the fixed order keeps the average
	// bit-reproducible across runs
	reduced := StepResult{PerDevice: make([]Result, 0, len(d.devices))}
	weighted := 0.
	for rank := range d.devices {
		if !active[rank] {
			continue
		}
		if errs[rank] != nil {
			return StepResult{}, &ComputeError{Rank: rank, Err: errs[rank]}
		}
		if !finite(results[rank].Loss) || !finite(results[rank].GradNorm) {
			return StepResult{}, &ComputeError{Rank: rank, Err: fmt.Errorf("non-finite result (loss: %v grad norm: %v)", results[rank].Loss, results[rank].GradNorm)}
		}
		reduced.PerDevice = append(reduced.PerDevice, results[rank])
		weighted += results[rank].Loss * float64(results[rank].Samples)
		reduced.Samples += results[rank].Samples
	}
	if 0 < reduced.Samples {
		reduced.Loss = weighted / float64(reduced.Samples)
	}

	return reduced, nil
}

// finite reports whether v is neither NaN nor infinite.
func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
