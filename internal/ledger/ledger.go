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

// Package ledger records per-epoch outcomes under the output prefix. The
// ledger is an append-only sequence of JSON lines, durable before the next
// epoch starts, which makes runs resumable and reproducibility auditable.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileName is the ledger file name under the output prefix.
const FileName = "ledger.jsonl"

// IOError reports that run progress could not be durably recorded. It is
// fatal: a run whose progress cannot be recorded must not continue, since
// resumability would be compromised.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("ledger: %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Entry is the persisted record of one epoch.
type Entry struct {
	Epoch           int     `json:"epoch"`
	DurationSeconds float64 `json:"duration_seconds"`
	Loss            float64 `json:"loss"`
	Batches         int     `json:"batches"`
	Samples         int     `json:"samples"`
	SkippedShards   int64   `json:"skipped_shards"`
	Checkpoint      string  `json:"checkpoint,omitempty"`

	// Incomplete marks an epoch interrupted by cancellation or abort. The
	// partial entry is kept for auditing; resume ignores it.
	Incomplete bool `json:"incomplete,omitempty"`
}

// Ledger appends epoch records to the ledger file. It is owned by the epoch
// scheduler; no other task writes to it.
type Ledger struct {
	path string
	f    *os.File
}

// Open opens the ledger under the given prefix for appending, creating the
// prefix directory when missing.
func Open(prefix string) (*Ledger, error) {
	if err := os.MkdirAll(prefix, 0o755); err != nil {
		return nil, &IOError{Path: prefix, Err: err}
	}

	path := filepath.Join(prefix, FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &IOError{Path: path, Err: err}
	}

	return &Ledger{path: path, f: f}, nil
}

// Record appends the given entry and syncs it to stable storage before
// returning, so a recorded epoch survives a crash.
func (l *Ledger) Record(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return &IOError{Path: l.path, Err: err}
	}
	if _, err := l.f.Write(append(line, '\n')); err != nil {
		return &IOError{Path: l.path, Err: err}
	}
	if err := l.f.Sync(); err != nil {
		return &IOError{Path: l.path, Err: err}
	}
	return nil
}

// Close releases the ledger file.
func (l *Ledger) Close() error {
	if err := l.f.Close(); err != nil {
		return &IOError{Path: l.path, Err: err}
	}
	return nil
}

// Load reads all recorded entries under the given prefix in record order.
// A missing ledger yields no entries, which is a fresh run.
func Load(prefix string) ([]Entry, error) {
	path := filepath.Join(prefix, FileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &IOError{Path: path, Err: err}
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, &IOError{Path: path, Err: err}
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, &IOError{Path: path, Err: err}
	}

	return entries, nil
}

// Completed returns the number of contiguous completed epochs starting from
// epoch zero. The epoch scheduler skips exactly these epochs on resume.
// Incomplete entries are audit records, not progress: an aborted epoch leaves
// one behind and its re-run appends the completed entry after it, so they are
// skipped rather than terminating the count.
func Completed(entries []Entry) int {
	completed := 0
	for _, entry := range entries {
		if entry.Incomplete {
			continue
		}
		if entry.Epoch == completed {
			completed++
		}
	}
	return completed
}
