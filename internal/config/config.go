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

// Package config resolves the run configuration from a YAML file, command
// line overrides and environment fallbacks. The resolved configuration is
// immutable once a run starts; every component reads the same snapshot.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment fallbacks for containerized deployments where paths are
// injected rather than passed on the command line.
const (
	EnvDataDir = "FLOWTRAIN_DATA_DIR"
	EnvPrefix  = "FLOWTRAIN_PREFIX"
)

// Error reports an invalid or unresolvable configuration. It is fatal and
// surfaces before any epoch starts.
type Error struct {
	Field string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func errorf(field, format string, args ...any) *Error {
	return &Error{Field: field, Err: fmt.Errorf(format, args...)}
}

// Config is the resolved run configuration shared by all components.
type Config struct {
	// DataDir is the directory holding the dataset shards.
	DataDir string `yaml:"data_dir"`

	// Prefix is the output root for the run ledger and checkpoints.
	Prefix string `yaml:"prefix"`

	// NumEpochs is the epoch budget for the run.
	NumEpochs int `yaml:"num_epochs"`

	// BaseBatchSize is the per-device batch size before multiplication.
	BaseBatchSize int `yaml:"batch_size"`

	// GPUBatchMultiplier scales the per-device batch size.
	GPUBatchMultiplier int `yaml:"gpu_batch_multiplier"`

	// NumWorkers is the number of concurrent shard readers feeding the
	// prefetch queue. Zero means synchronous single-task loading.
	NumWorkers int `yaml:"num_workers"`

	// PrefetchFactor bounds the prefetch queue to
	// PrefetchFactor * NumWorkers decoded samples.
	PrefetchFactor int `yaml:"prefetch_factor"`

	// Devices lists the compute device indices. Empty means CPU-only.
	Devices []int `yaml:"gpus"`

	// Seed fixes the shard shuffle order across runs.
	Seed int64 `yaml:"seed"`
}

// Load reads the configuration from the given YAML file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Field: "config", Err: err}
	}

	cfg := &Config{
		BaseBatchSize:      1,
		GPUBatchMultiplier: 1,
		PrefetchFactor:     2,
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, &Error{Field: "config", Err: err}
	}

	return cfg, nil
}

// Resolve applies the environment fallbacks and validates the resolved
// configuration. It must be called once after all overrides are applied.
func (c *Config) Resolve() error {
	if c.DataDir == "" {
		c.DataDir = os.Getenv(EnvDataDir)
	}
	if c.Prefix == "" {
		c.Prefix = os.Getenv(EnvPrefix)
	}
	if len(c.Devices) == 0 {
		devices, err := DevicesFromEnv()
		if err != nil {
			return err
		}
		c.Devices = devices
	}

	switch {
	case c.DataDir == "":
		return errorf("data-dir", "required")
	case c.Prefix == "":
		return errorf("prefix", "required")
	case c.NumEpochs <= 0:
		return errorf("num-epochs", "must be positive, got %d", c.NumEpochs)
	case c.BaseBatchSize <= 0:
		return errorf("batch_size", "must be positive, got %d", c.BaseBatchSize)
	case c.GPUBatchMultiplier < 1:
		return errorf("gpu-batch-multiplier", "must be at least 1, got %d", c.GPUBatchMultiplier)
	case c.NumWorkers < 0:
		return errorf("num-workers", "must be non-negative, got %d", c.NumWorkers)
	case c.PrefetchFactor < 1:
		return errorf("prefetch-factor", "must be at least 1, got %d", c.PrefetchFactor)
	}

	seen := make(map[int]struct{}, len(c.Devices))
	for _, device := range c.Devices {
		if device < 0 {
			return errorf("gpus", "invalid device index %d", device)
		}
		if _, ok := seen[device]; ok {
			return errorf("gpus", "duplicate device index %d", device)
		}
		seen[device] = struct{}{}
	}

	return nil
}

// Snapshot renders the resolved configuration back to YAML so that a run can
// record exactly what it was launched with.
func (c *Config) Snapshot() ([]byte, error) {
	return yaml.Marshal(c)
}

// ParseDeviceList parses a comma-separated device index list. An empty string
// yields no devices, i.e. CPU-only execution.
func ParseDeviceList(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	fields := strings.Split(s, ",")
	devices := make([]int, 0, len(fields))
	for _, field := range fields {
		device, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return nil, errorf("gpus", "invalid device index %q", field)
		}
		devices = append(devices, device)
	}

	return devices, nil
}

// DevicesFromEnv derives the device list from the CUDA or ROCm visibility
// variables. A single entry of -1 conventionally means no devices. A
// malformed list fails rather than silently degrading to CPU-only.
func DevicesFromEnv() ([]int, error) {
	for _, envvar := range []string{"CUDA_VISIBLE_DEVICES", "ROCR_VISIBLE_DEVICES"} {
		env, ok := os.LookupEnv(envvar)
		if !ok {
			continue
		}
		devices, err := ParseDeviceList(env)
		if err != nil {
			return nil, errorf(envvar, "invalid device list %q", env)
		}
		if len(devices) == 1 && devices[0] == -1 {
			return nil, nil
		}
		return devices, nil
	}
	return nil, nil
}
