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

package ledger

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRecordAndLoad(t *testing.T) {
	prefix := t.TempDir()

	l, err := Open(prefix)
	if err != nil {
		t.Fatal(err)
	}
	entries := []Entry{
		{Epoch: 0, Loss: 0.5, Batches: 4, Samples: 32},
		{Epoch: 1, Loss: 0.4, Batches: 4, Samples: 32, SkippedShards: 1},
	}
	for _, entry := range entries {
		if err := l.Record(entry); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(prefix)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != len(entries) {
		t.Fatalf("expected %d entries, got %d", len(entries), len(loaded))
	}
	for index, entry := range entries {
		if loaded[index] != entry {
			t.Fatalf("entry %d: expected %+v, got %+v", index, entry, loaded[index])
		}
	}
}

func TestLoadMissingLedger(t *testing.T) {
	entries, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if entries != nil {
		t.Fatalf("expected fresh run, got %d entries", len(entries))
	}
}

func TestCompleted(t *testing.T) {
	for _, test := range []struct {
		entries  []Entry
		expected int
	}{
		{nil, 0},
		{[]Entry{{Epoch: 0}}, 1},
		{[]Entry{{Epoch: 0}, {Epoch: 1}}, 2},
		{[]Entry{{Epoch: 0}, {Epoch: 1, Incomplete: true}}, 1},
		{[]Entry{{Epoch: 0, Incomplete: true}}, 0},
		{[]Entry{{Epoch: 1}}, 0},
		// an aborted epoch leaves an incomplete entry behind; its re-run
		// appends the completed entry after it
		{[]Entry{{Epoch: 0, Incomplete: true}, {Epoch: 0}, {Epoch: 1}}, 2},
		{[]Entry{{Epoch: 0}, {Epoch: 1, Incomplete: true}, {Epoch: 1}}, 2},
		{[]Entry{{Epoch: 0, Incomplete: true}, {Epoch: 1}}, 0},
	} {
		if completed := Completed(test.entries); completed != test.expected {
			t.Fatalf("entries: %+v expected %d, got %d", test.entries, test.expected, completed)
		}
	}
}

func TestWriteCheckpoint(t *testing.T) {
	prefix := t.TempDir()

	ref, err := WriteCheckpoint(prefix, 3, 0.125)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(prefix, ref)); err != nil {
		t.Fatalf("checkpoint not written: %v", err)
	}
}

func TestCheckpointSelection(t *testing.T) {
	entries := []Entry{
		{Epoch: 0, Loss: 0.9, Checkpoint: "checkpoints/epoch000.ckpt"},
		{Epoch: 1, Loss: 0.2, Checkpoint: "checkpoints/epoch001.ckpt"},
		{Epoch: 2, Loss: 0.4, Checkpoint: "checkpoints/epoch002.ckpt"},
		{Epoch: 3, Loss: 0.1, Incomplete: true, Checkpoint: "checkpoints/epoch003.ckpt"},
	}

	if latest := LatestCheckpoint(entries); latest != "checkpoints/epoch002.ckpt" {
		t.Fatalf("unexpected latest checkpoint: %s", latest)
	}
	if best := BestCheckpoint(entries); best != "checkpoints/epoch001.ckpt" {
		t.Fatalf("unexpected best checkpoint: %s", best)
	}
}

func TestPruneCheckpoints(t *testing.T) {
	prefix := t.TempDir()

	entries := make([]Entry, 0, 3)
	losses := []float64{0.9, 0.2, 0.4}
	for epoch, loss := range losses {
		ref, err := WriteCheckpoint(prefix, epoch, loss)
		if err != nil {
			t.Fatal(err)
		}
		entries = append(entries, Entry{Epoch: epoch, Loss: loss, Checkpoint: ref})
	}
	best := BestCheckpoint(entries)

	if err := PruneCheckpoints(prefix, entries, true); err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if _, err := os.Stat(filepath.Join(prefix, entry.Checkpoint)); err != nil {
			t.Fatalf("dry run removed %s: %v", entry.Checkpoint, err)
		}
	}

	if err := PruneCheckpoints(prefix, entries, false); err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		_, err := os.Stat(filepath.Join(prefix, entry.Checkpoint))
		if entry.Checkpoint == best && err != nil {
			t.Fatalf("best checkpoint removed: %v", err)
		}
		if entry.Checkpoint != best && err == nil {
			t.Fatalf("expected %s to be pruned", entry.Checkpoint)
		}
	}
}
