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

// Package main implements the flowtrain command: it resolves the run
// configuration from a YAML file, command line overrides and environment
// fallbacks, then drives a training or evaluation run over a sharded
// dataset. Each fatal error class maps to a distinct exit code so launch
// scripts can implement retry policies.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/9rum/flowtrain/dispatcher"
	"github.com/9rum/flowtrain/internal/catalog"
	"github.com/9rum/flowtrain/internal/config"
	"github.com/9rum/flowtrain/internal/ledger"
	"github.com/9rum/flowtrain/monitor"
	"github.com/9rum/flowtrain/trainer"
	"github.com/golang/glog"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitConfig  = 2
	exitCatalog = 3
	exitDevice  = 4
	exitLedger  = 5
)

func main() {
	var (
		train              = flag.Bool("train", false, "Run a training run")
		evaluate           = flag.Bool("evaluate", false, "Run a single evaluation pass")
		configPath         = flag.String("config", "", "Path to the YAML configuration file")
		dataDir            = flag.String("data-dir", "", "Directory holding the dataset shards")
		prefix             = flag.String("prefix", "", "Output root for the run ledger and checkpoints")
		numEpochs          = flag.Int("num-epochs", 0, "Epoch budget for the run")
		gpuBatchMultiplier = flag.Int("gpu-batch-multiplier", 0, "Per-device batch size multiplier")
		numWorkers         = flag.Int("num-workers", -1, "Concurrent shard readers; 0 means synchronous loading")
		prefetchFactor     = flag.Int("prefetch-factor", 0, "Prefetch queue bound per worker")
		gpus               = flag.String("gpus", "", "Comma-separated device indices; empty means CPU-only")
		seed               = flag.Int64("seed", 0, "Shard shuffle seed")
		monitorPort        = flag.Int("monitor-port", 0, "Port of the run monitor service; 0 disables it")
	)
	flag.Parse()
	defer glog.Flush()

	os.Exit(run(options{
		train:              *train,
		evaluate:           *evaluate,
		configPath:         *configPath,
		dataDir:            *dataDir,
		prefix:             *prefix,
		numEpochs:          *numEpochs,
		gpuBatchMultiplier: *gpuBatchMultiplier,
		numWorkers:         *numWorkers,
		prefetchFactor:     *prefetchFactor,
		gpus:               *gpus,
		seed:               *seed,
		monitorPort:        *monitorPort,
	}))
}

// options carries the parsed command line.
type options struct {
	train              bool
	evaluate           bool
	configPath         string
	dataDir            string
	prefix             string
	numEpochs          int
	gpuBatchMultiplier int
	numWorkers         int
	prefetchFactor     int
	gpus               string
	seed               int64
	monitorPort        int
}

func run(opts options) int {
	cfg, err := resolve(opts)
	if err != nil {
		glog.Errorf("%v", err)
		return exitConfig
	}

	devices := make([]dispatcher.Device, 0, len(cfg.Devices))
	for rank := range cfg.Devices {
		devices = append(devices, dispatcher.NewHostDevice(rank))
	}
	if len(devices) == 0 {
		// CPU-only execution still needs one compute device.
		devices = append(devices, dispatcher.NewHostDevice(0))
	}

	t, err := trainer.New(cfg, devices)
	if err != nil {
		glog.Errorf("%v", err)
		return exitCode(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if 0 < opts.monitorPort {
		go func() {
			if err := monitor.Serve(ctx, opts.monitorPort, t); err != nil {
				glog.Warningf("monitor stopped: %v", err)
			}
		}()
	}

	if opts.evaluate {
		if _, _, err := t.Evaluate(ctx); err != nil {
			glog.Errorf("%v", err)
			return exitCode(err)
		}
		return exitOK
	}

	if err := t.Run(ctx); err != nil {
		glog.Errorf("%v", err)
		return exitCode(err)
	}
	return exitOK
}

// resolve merges the configuration file, command line overrides and
// environment fallbacks into the immutable run configuration.
func resolve(opts options) (*config.Config, error) {
	if opts.train == opts.evaluate {
		return nil, &config.Error{Field: "mode", Err: errors.New("exactly one of --train and --evaluate is required")}
	}
	if opts.configPath == "" {
		return nil, &config.Error{Field: "config", Err: errors.New("required")}
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
	}
	if opts.prefix != "" {
		cfg.Prefix = opts.prefix
	}
	if 0 < opts.numEpochs {
		cfg.NumEpochs = opts.numEpochs
	}
	if 0 < opts.gpuBatchMultiplier {
		cfg.GPUBatchMultiplier = opts.gpuBatchMultiplier
	}
	if 0 <= opts.numWorkers {
		cfg.NumWorkers = opts.numWorkers
	}
	if 0 < opts.prefetchFactor {
		cfg.PrefetchFactor = opts.prefetchFactor
	}
	if opts.seed != 0 {
		cfg.Seed = opts.seed
	}
	if opts.gpus != "" {
		devices, err := config.ParseDeviceList(opts.gpus)
		if err != nil {
			return nil, err
		}
		cfg.Devices = devices
	}

	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// exitCode maps a fatal error to its exit code class.
func exitCode(err error) int {
	var (
		configErr  *config.Error
		catalogErr *catalog.Error
		computeErr *dispatcher.ComputeError
		ledgerErr  *ledger.IOError
	)
	switch {
	case errors.As(err, &configErr):
		return exitConfig
	case errors.As(err, &catalogErr):
		return exitCatalog
	case errors.As(err, &computeErr):
		return exitDevice
	case errors.As(err, &ledgerErr):
		return exitLedger
	default:
		return exitFailure
	}
}
