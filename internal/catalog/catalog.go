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

// Package catalog enumerates the dataset shards under a data directory and
// exposes a deterministic shard ordering per epoch. The shard set is fixed
// at catalog build time; reshuffling permutes the ordering only.
package catalog

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Extension is the shard container file extension.
const Extension = ".shard"

// Error reports an unusable dataset directory. It is fatal to the run since
// training cannot proceed without data.
type Error struct {
	Dir string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("catalog: %s: %v", e.Dir, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Shard identifies one stored unit of dataset samples, the unit of I/O
// parallelism. Shards are discovered once and never mutated; workers
// reference them during reads without taking ownership.
type Shard struct {
	// Name is the shard file name, unique within the catalog.
	Name string

	// Path is the absolute location of the shard file.
	Path string

	// Index is the position in the canonical (sorted) ordering.
	Index int

	// Size is the shard file size in bytes.
	Size int64

	// Samples is the sample count estimate read from the container header.
	// Zero when the header could not be read; decoding surfaces the error.
	Samples int
}

// Catalog holds the immutable shard set of a dataset directory.
type Catalog struct {
	dir    string
	seed   int64
	shards []Shard
}

// New builds a catalog over the given directory. It fails when the directory
// is missing, cannot be listed, or holds no shard files.
func New(dir string, seed int64) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &Error{Dir: dir, Err: err}
	}

	shards := make([]Shard, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), Extension) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, &Error{Dir: dir, Err: err}
		}
		path := filepath.Join(dir, entry.Name())
		shards = append(shards, Shard{
			Name:    entry.Name(),
			Path:    path,
			Size:    info.Size(),
			Samples: sampleEstimate(path),
		})
	}
	if len(shards) == 0 {
		return nil, &Error{Dir: dir, Err: fmt.Errorf("no %s files found", Extension)}
	}

	// os.ReadDir sorts by file name, but sort explicitly so the canonical
	// ordering does not depend on that contract.
	sort.Slice(shards, func(i, j int) bool {
		return shards[i].Name < shards[j].Name
	})
	for index := range shards {
		shards[index].Index = index
	}

	return &Catalog{dir: dir, seed: seed, shards: shards}, nil
}

// sampleEstimate reads the sample count from the shard container header.
// A malformed header yields zero; the decode step reports the shard error.
func sampleEstimate(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	header := make([]byte, 8)
	if _, err := f.Read(header); err != nil {
		return 0
	}
	if string(header[:4]) != "FLSH" {
		return 0
	}
	return int(binary.BigEndian.Uint32(header[4:]))
}

// Len returns the number of shards in the catalog.
func (c *Catalog) Len() int {
	return len(c.shards)
}

// Samples returns the total sample count estimate across all shards.
func (c *Catalog) Samples() int {
	sum := 0
	for _, shard := range c.shards {
		sum += shard.Samples
	}
	return sum
}

// Enumerate returns the canonical shard ordering, sorted by name.
func (c *Catalog) Enumerate() []Shard {
	out := make([]Shard, len(c.shards))
	copy(out, c.shards)
	return out
}

// Reshuffle returns the shard ordering for the given epoch. The permutation
// is a pure function of the catalog seed and the epoch index, so re-running
// an epoch yields the same ordering.
func (c *Catalog) Reshuffle(epoch int64) []Shard {
	out := c.Enumerate()
	rng := rand.New(rand.NewSource(c.seed + epoch))
	rng.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}
