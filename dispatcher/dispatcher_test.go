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
	"errors"
	"math"
	"testing"

	"github.com/9rum/flowtrain/internal/batch"
	"github.com/9rum/flowtrain/internal/prefetch"
)

// fakeDevice returns a fixed loss and can be told to fault for a number of
// steps.
type fakeDevice struct {
	rank   int
	loss   float64
	faults int
	calls  int
}

func (d *fakeDevice) Rank() int {
	return d.rank
}

func (d *fakeDevice) Compute(ctx context.Context, b batch.Batch) (Result, error) {
	d.calls++
	if 0 < d.faults {
		d.faults--
		return Result{Loss: math.NaN(), GradNorm: math.NaN(), Samples: b.Len()}, nil
	}
	return Result{Loss: d.loss, GradNorm: 1., Samples: b.Len()}, nil
}

// newBatches composes one batch of the given size per device.
func newBatches(sizes ...int) []batch.Batch {
	batches := make([]batch.Batch, 0, len(sizes))
	for rank, size := range sizes {
		samples := make([]prefetch.Sample, size)
		batches = append(batches, batch.Batch{Device: rank, Samples: samples})
	}
	return batches
}

func TestDispatchAggregatesAcrossDevices(t *testing.T) {
	devices := []Device{
		&fakeDevice{rank: 0, loss: 1.},
		&fakeDevice{rank: 1, loss: 3.},
	}
	d := New(devices)

	result, err := d.Dispatch(context.Background(), newBatches(8, 8))
	if err != nil {
		t.Fatal(err)
	}
	if result.Samples != 16 {
		t.Fatalf("expected 16 samples, got %d", result.Samples)
	}
	if result.Loss != 2. {
		t.Fatalf("expected aggregated loss 2, got %v", result.Loss)
	}
	if len(result.PerDevice) != 2 {
		t.Fatalf("expected 2 per-device results, got %d", len(result.PerDevice))
	}
}

func TestDispatchWeightsShortBatches(t *testing.T) {
	devices := []Device{
		&fakeDevice{rank: 0, loss: 1.},
		&fakeDevice{rank: 1, loss: 4.},
	}
	d := New(devices)

	// 12 samples at loss 1 and 4 samples at loss 4: mean is 28/16
	result, err := d.Dispatch(context.Background(), newBatches(12, 4))
	if err != nil {
		t.Fatal(err)
	}
	if expected := 28. / 16.; result.Loss != expected {
		t.Fatalf("expected loss %v, got %v", expected, result.Loss)
	}
}

func TestDispatchSkipsEmptyBatches(t *testing.T) {
	idle := &fakeDevice{rank: 1, loss: 3.}
	devices := []Device{
		&fakeDevice{rank: 0, loss: 1.},
		idle,
	}
	d := New(devices)

	result, err := d.Dispatch(context.Background(), newBatches(4, 0))
	if err != nil {
		t.Fatal(err)
	}
	if idle.calls != 0 {
		t.Fatalf("expected idle device to be skipped, got %d calls", idle.calls)
	}
	if result.Samples != 4 || result.Loss != 1. {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestDispatchRetriesOnceOnNonFiniteResult(t *testing.T) {
	flaky := &fakeDevice{rank: 0, loss: 2., faults: 1}
	d := New([]Device{flaky})

	result, err := d.Dispatch(context.Background(), newBatches(8))
	if err != nil {
		t.Fatal(err)
	}
	if flaky.calls != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", flaky.calls)
	}
	if result.Loss != 2. {
		t.Fatalf("expected loss 2 after retry, got %v", result.Loss)
	}
}

func TestDispatchFatalWhenRetryFaults(t *testing.T) {
	broken := &fakeDevice{rank: 0, loss: 2., faults: 2}
	d := New([]Device{broken})

	_, err := d.Dispatch(context.Background(), newBatches(8))
	if err == nil {
		t.Fatal("expected fatal error after failed retry")
	}
	var computeErr *ComputeError
	if !errors.As(err, &computeErr) {
		t.Fatalf("expected ComputeError, got %v", err)
	}
	if broken.calls != 2 {
		t.Fatalf("expected exactly one retry before aborting, got %d calls", broken.calls)
	}
}

// cancellingDevice cancels the run mid-step, as a signal arriving during
// Compute would.
type cancellingDevice struct {
	rank   int
	cancel context.CancelFunc
}

func (d *cancellingDevice) Rank() int {
	return d.rank
}

func (d *cancellingDevice) Compute(ctx context.Context, b batch.Batch) (Result, error) {
	d.cancel()
	return Result{}, ctx.Err()
}

func TestDispatchSurfacesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := New([]Device{&cancellingDevice{cancel: cancel}})

	_, err := d.Dispatch(ctx, newBatches(8))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var computeErr *ComputeError
	if errors.As(err, &computeErr) {
		t.Fatalf("cancellation classified as device fault: %v", err)
	}
}

func TestHostDeviceIsDeterministic(t *testing.T) {
	device := NewHostDevice(0)
	b := batch.Batch{Samples: []prefetch.Sample{
		{Payload: []byte{1, 2, 3}},
		{Payload: []byte{4, 5, 6}},
	}}

	first, err := device.Compute(context.Background(), b)
	if err != nil {
		t.Fatal(err)
	}
	second, err := device.Compute(context.Background(), b)
	if err != nil {
		t.Fatal(err)
	}
	if first.Loss != second.Loss {
		t.Fatalf("host device not reproducible: %v != %v", first.Loss, second.Loss)
	}
	if first.Samples != 2 {
		t.Fatalf("expected 2 samples, got %d", first.Samples)
	}
}

func BenchmarkDispatch(b *testing.B) {
	devices := make([]Device, 0, 8)
	for rank := 0; rank < 8; rank++ {
		devices = append(devices, &fakeDevice{rank: rank, loss: 1.})
	}
	d := New(devices)
	batches := newBatches(32, 32, 32, 32, 32, 32, 32, 32)
	b.ResetTimer()

	for iter := 0; iter < b.N; iter++ {
		if _, err := d.Dispatch(context.Background(), batches); err != nil {
			b.Fatal(err)
		}
	}
}
