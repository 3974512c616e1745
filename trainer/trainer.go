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

// Package trainer drives the training run. The epoch scheduler owns all run
// state explicitly and hands it to collaborators; nothing about the run is
// ambient or global. Per epoch it reshuffles the shard catalog, drains the
// prefetch pipeline through the batch composer and device dispatcher, and
// records the outcome in the run ledger before advancing.
package trainer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/9rum/flowtrain/dispatcher"
	"github.com/9rum/flowtrain/internal/batch"
	"github.com/9rum/flowtrain/internal/catalog"
	"github.com/9rum/flowtrain/internal/config"
	"github.com/9rum/flowtrain/internal/ledger"
	"github.com/9rum/flowtrain/internal/prefetch"
	"github.com/golang/glog"
	"golang.org/x/exp/constraints"
)

// ceil returns the least integer value greater than or equal to
// numerator / denominator. This is an alternative to the Ceil function in
// the standard math package.
func ceil[T constraints.Integer](numerator, denominator T) T {
	if denominator == 0 {
		return 0
	}
	if numerator%denominator == 0 {
		return numerator / denominator
	}
	return numerator/denominator + 1
}

// Trainer is the epoch scheduler: the top-level driver of a run. All other
// components are its managed subsystems, instantiated once from the resolved
// configuration.
type Trainer struct {
	cfg        *config.Config
	catalog    *catalog.Catalog
	dispatcher *dispatcher.Dispatcher

	mu      sync.Mutex
	state   State
	epoch   int
	step    int
	skipped int64
	loss    float64
}

// Snapshot is a point-in-time view of the run for external observers.
type Snapshot struct {
	State         string
	Epoch         int
	Step          int
	SkippedShards int64
	Loss          float64
}

// epochState accumulates the outcome of one epoch. It is created at epoch
// start, finalized into a ledger entry at epoch end and then discarded.
type epochState struct {
	epoch   int
	start   time.Time
	batches int
	samples int
	lossSum float64
	skipped int64
}

// meanLoss returns the sample-weighted mean loss of the epoch.
func (s *epochState) meanLoss() float64 {
	if s.samples == 0 {
		return 0.
	}
	return s.lossSum / float64(s.samples)
}

// entry finalizes the epoch state into a ledger entry.
func (s *epochState) entry(checkpoint string, incomplete bool) ledger.Entry {
	return ledger.Entry{
		Epoch:           s.epoch,
		DurationSeconds: time.Since(s.start).Seconds(),
		Loss:            s.meanLoss(),
		Batches:         s.batches,
		Samples:         s.samples,
		SkippedShards:   s.skipped,
		Checkpoint:      checkpoint,
		Incomplete:      incomplete,
	}
}

// New creates a trainer over the given devices from the resolved
// configuration. Building the shard catalog fails when the dataset
// directory is unusable, which is fatal to the run.
func New(cfg *config.Config, devices []dispatcher.Device) (*Trainer, error) {
	if len(devices) == 0 {
		return nil, errors.New("trainer: at least one device is required")
	}

	cat, err := catalog.New(cfg.DataDir, cfg.Seed)
	if err != nil {
		return nil, err
	}
	glog.Infof("catalog: %d shards, %d samples under %s", cat.Len(), cat.Samples(), cfg.DataDir)

	return &Trainer{
		cfg:        cfg,
		catalog:    cat,
		dispatcher: dispatcher.New(devices),
		state:      Idle,
	}, nil
}

// State returns the current run state.
func (t *Trainer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Snapshot returns a consistent view of the run for the monitor service.
func (t *Trainer) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		State:         t.state.String(),
		Epoch:         t.epoch,
		Step:          t.step,
		SkippedShards: t.skipped,
		Loss:          t.loss,
	}
}

// transition moves the scheduler to the given state. An invalid transition
// is a programming error and panics.
func (t *Trainer) transition(to State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !allowed(t.state, to) {
		glog.Errorf("invalid transition %s -> %s", t.state, to)
		panic("trainer: invalid state transition")
	}
	glog.V(1).Infof("%s -> %s", t.state, to)
	t.state = to
}

// setProgress publishes per-step progress for observers.
func (t *Trainer) setProgress(epoch, step int, loss float64, skipped int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.epoch, t.step, t.loss, t.skipped = epoch, step, loss, skipped
}

// Run executes the training run until the epoch budget is exhausted, a fatal
// error occurs, or the context is cancelled. Previously completed epochs
// recorded in the run ledger are skipped, which makes interrupted runs
// resumable. Cancellation is cooperative: it is observed at step boundaries
// and the in-progress epoch is recorded as incomplete.
func (t *Trainer) Run(ctx context.Context) error {
	entries, err := ledger.Load(t.cfg.Prefix)
	if err != nil {
		t.transition(Aborted)
		return err
	}
	resume := ledger.Completed(entries)

	led, err := ledger.Open(t.cfg.Prefix)
	if err != nil {
		t.transition(Aborted)
		return err
	}
	defer led.Close()

	if len(entries) == 0 {
		t.snapshotConfig()
	} else {
		glog.Infof("resuming run at epoch %d, skipping %d completed epochs", resume, resume)
	}

	if t.cfg.NumEpochs <= resume {
		t.transition(Completed)
		glog.Infof("nothing to do: %d epochs already completed", resume)
		return nil
	}

	skippedBase := int64(0)
	for epoch := resume; epoch < t.cfg.NumEpochs; epoch++ {
		state, err := t.runEpoch(ctx, epoch, skippedBase)
		if err != nil {
			// flush partial state so the abort is auditable
			if recordErr := led.Record(state.entry("", true)); recordErr != nil {
				glog.Errorf("failed to flush partial epoch %d: %v", epoch, recordErr)
			}
			t.transition(Aborted)
			glog.Errorf("run aborted at epoch %d: %v", epoch, err)
			glog.Flush()
			return err
		}

		checkpoint, err := ledger.WriteCheckpoint(t.cfg.Prefix, epoch, state.meanLoss())
		if err != nil {
			t.transition(Aborted)
			glog.Flush()
			return err
		}
		if err := led.Record(state.entry(checkpoint, false)); err != nil {
			t.transition(Aborted)
			glog.Flush()
			return err
		}

		glog.Infof("epoch %d: %d batches, %d samples, loss %.6f, %d skipped shards, %.2fs",
			epoch, state.batches, state.samples, state.meanLoss(), state.skipped, time.Since(state.start).Seconds())
		skippedBase += state.skipped
	}

	t.transition(Completed)
	glog.Infof("run completed: %d epochs, %d skipped shards", t.cfg.NumEpochs, skippedBase)
	glog.Flush()
	return nil
}

// runEpoch executes one epoch: Running while batches flow, Draining once the
// queue signals end-of-epoch, Checkpointing while the outcome is persisted
// by the caller. The returned epoch state is valid even on error, so the
// caller can flush partial results.
func (t *Trainer) runEpoch(ctx context.Context, epoch int, skippedBase int64) (*epochState, error) {
	t.transition(Running)
	state := &epochState{epoch: epoch, start: time.Now()}

	shards := t.catalog.Reshuffle(int64(epoch))
	queue := prefetch.New(t.cfg.NumWorkers, t.cfg.PrefetchFactor)
	queue.Start(ctx, shards)
	composer := batch.NewComposer(queue, t.dispatcher.Devices(), t.cfg.BaseBatchSize, t.cfg.GPUBatchMultiplier)
	glog.V(1).Infof("epoch %d: %d shards, expecting about %d steps",
		epoch, len(shards), ceil(t.catalog.Samples(), composer.Target()*t.dispatcher.Devices()))

	for {
		if err := ctx.Err(); err != nil {
			state.skipped = queue.Skipped()
			return state, err
		}

		batches, ok := composer.NextStep(ctx)
		if !ok {
			if err := ctx.Err(); err != nil {
				state.skipped = queue.Skipped()
				return state, err
			}
			break
		}

		result, err := t.dispatcher.Dispatch(ctx, batches)
		if err != nil {
			state.skipped = queue.Skipped()
			return state, err
		}

		for _, b := range batches {
			if 0 < b.Len() {
				state.batches++
			}
		}
		state.samples += result.Samples
		state.lossSum += result.Loss * float64(result.Samples)
		t.setProgress(epoch, state.batches, result.Loss, skippedBase+queue.Skipped())
	}

	t.transition(Draining)
	// Dispatch is synchronous, so the last in-flight step result has been
	// received once the loop exits.
	t.transition(Checkpointing)

	state.skipped = queue.Skipped()
	return state, nil
}

// Evaluate runs a single pass over the canonical shard ordering with the
// same pipeline and dispatcher, without optimizer steps and without touching
// the run ledger. It reports the aggregate sample-weighted loss.
func (t *Trainer) Evaluate(ctx context.Context) (float64, int, error) {
	queue := prefetch.New(t.cfg.NumWorkers, t.cfg.PrefetchFactor)
	queue.Start(ctx, t.catalog.Enumerate())
	composer := batch.NewComposer(queue, t.dispatcher.Devices(), t.cfg.BaseBatchSize, t.cfg.GPUBatchMultiplier)

	lossSum := 0.
	samples := 0
	for {
		batches, ok := composer.NextStep(ctx)
		if !ok {
			if err := ctx.Err(); err != nil {
				return 0., 0, err
			}
			break
		}
		result, err := t.dispatcher.Dispatch(ctx, batches)
		if err != nil {
			return 0., 0, err
		}
		lossSum += result.Loss * float64(result.Samples)
		samples += result.Samples
	}

	loss := 0.
	if 0 < samples {
		loss = lossSum / float64(samples)
	}
	glog.Infof("evaluation: %d samples, loss %.6f, %d skipped shards", samples, loss, queue.Skipped())
	return loss, samples, nil
}

// snapshotConfig records the resolved configuration under the prefix so a
// completed run can be audited against what it was launched with.
func (t *Trainer) snapshotConfig() {
	data, err := t.cfg.Snapshot()
	if err != nil {
		glog.Warningf("failed to render config snapshot: %v", err)
		return
	}
	path := filepath.Join(t.cfg.Prefix, "config.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		glog.Warningf("failed to write config snapshot: %v", err)
	}
}
