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

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/9rum/flowtrain/dispatcher"
	"github.com/9rum/flowtrain/internal/catalog"
	"github.com/9rum/flowtrain/internal/config"
	"github.com/9rum/flowtrain/internal/ledger"
	"github.com/9rum/flowtrain/internal/prefetch"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()

	content := fmt.Sprintf(`
data_dir: %s
prefix: %s
num_epochs: 4
batch_size: 8
gpu_batch_multiplier: 1
num_workers: 2
prefetch_factor: 2
seed: 11
`, t.TempDir(), t.TempDir())

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestResolveRequiresMode(t *testing.T) {
	for _, opts := range []options{
		{configPath: "config.yaml"},
		{train: true, evaluate: true, configPath: "config.yaml"},
	} {
		if _, err := resolve(opts); err == nil {
			t.Fatalf("expected mode error for %+v", opts)
		}
	}
}

func TestResolveRequiresConfig(t *testing.T) {
	_, err := resolve(options{train: true, numWorkers: -1})
	var configErr *config.Error
	if !errors.As(err, &configErr) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestResolveAppliesOverrides(t *testing.T) {
	dataDir := t.TempDir()
	cfg, err := resolve(options{
		train:              true,
		configPath:         writeTestConfig(t),
		dataDir:            dataDir,
		numEpochs:          8,
		gpuBatchMultiplier: 4,
		numWorkers:         0,
		prefetchFactor:     3,
		gpus:               "0,1",
		seed:               99,
	})
	if err != nil {
		t.Fatal(err)
	}

	if cfg.DataDir != dataDir {
		t.Fatalf("data dir override not applied: %s", cfg.DataDir)
	}
	if cfg.NumEpochs != 8 || cfg.GPUBatchMultiplier != 4 || cfg.PrefetchFactor != 3 || cfg.Seed != 99 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.NumWorkers != 0 {
		t.Fatalf("expected synchronous loading override, got %d workers", cfg.NumWorkers)
	}
	if len(cfg.Devices) != 2 {
		t.Fatalf("device override not applied: %v", cfg.Devices)
	}
}

func TestResolveKeepsFileValues(t *testing.T) {
	cfg, err := resolve(options{train: true, configPath: writeTestConfig(t), numWorkers: -1})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.NumEpochs != 4 || cfg.NumWorkers != 2 || cfg.Seed != 11 {
		t.Fatalf("file values overwritten: %+v", cfg)
	}
}

func TestExitCode(t *testing.T) {
	for _, test := range []struct {
		err      error
		expected int
	}{
		{&config.Error{Field: "prefix", Err: errors.New("required")}, exitConfig},
		{&catalog.Error{Dir: "/data", Err: errors.New("no shards")}, exitCatalog},
		{&dispatcher.ComputeError{Rank: 1, Err: errors.New("non-finite loss")}, exitDevice},
		{&ledger.IOError{Path: "ledger.jsonl", Err: errors.New("disk full")}, exitLedger},
		{fmt.Errorf("wrapped: %w", &ledger.IOError{Path: "x", Err: errors.New("fsync")}), exitLedger},
		{context.Canceled, exitFailure},
		{errors.New("unclassified"), exitFailure},
	} {
		if code := exitCode(test.err); code != test.expected {
			t.Fatalf("%v: expected exit code %d, got %d", test.err, test.expected, code)
		}
	}
}

func TestRunTrainsToCompletion(t *testing.T) {
	dataDir := t.TempDir()
	for index := 0; index < 4; index++ {
		payloads := make([][]byte, 0, 8)
		for sample := 0; sample < 8; sample++ {
			payloads = append(payloads, []byte{byte(index), byte(sample)})
		}
		path := filepath.Join(dataDir, fmt.Sprintf("part-%03d.shard", index))
		if err := prefetch.WriteShard(path, payloads); err != nil {
			t.Fatal(err)
		}
	}
	prefix := t.TempDir()

	content := fmt.Sprintf(`
data_dir: %s
prefix: %s
num_epochs: 2
batch_size: 8
gpu_batch_multiplier: 1
num_workers: 1
prefetch_factor: 2
seed: 42
`, dataDir, prefix)
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if code := run(options{train: true, configPath: configPath, numWorkers: -1}); code != exitOK {
		t.Fatalf("expected exit code %d, got %d", exitOK, code)
	}

	entries, err := ledger.Load(prefix)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(entries))
	}
	for epoch, entry := range entries {
		if entry.Epoch != epoch || entry.Batches != 4 || entry.Samples != 32 || entry.Incomplete {
			t.Fatalf("unexpected entry for epoch %d: %+v", epoch, entry)
		}
	}
}

func TestRunFailsOnMissingDataset(t *testing.T) {
	configPath := writeTestConfig(t)
	opts := options{train: true, configPath: configPath, numWorkers: -1}
	opts.dataDir = filepath.Join(t.TempDir(), "missing")

	if code := run(opts); code != exitCatalog {
		t.Fatalf("expected exit code %d, got %d", exitCatalog, code)
	}
}
