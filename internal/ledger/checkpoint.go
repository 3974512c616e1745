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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"
)

// checkpointDir is the checkpoint directory name under the output prefix.
const checkpointDir = "checkpoints"

// checkpointState is the orchestrator-owned portion of a checkpoint. The
// model weights themselves are written by the training backend; this record
// ties an epoch outcome to its artifact.
type checkpointState struct {
	Epoch     int       `json:"epoch"`
	Loss      float64   `json:"loss"`
	WrittenAt time.Time `json:"written_at"`
}

// WriteCheckpoint durably writes the checkpoint record for the given epoch
// and returns its path relative to the prefix, to be referenced from the
// ledger entry. The write is atomic: a crash never leaves a truncated
// checkpoint behind.
func WriteCheckpoint(prefix string, epoch int, loss float64) (string, error) {
	dir := filepath.Join(prefix, checkpointDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &IOError{Path: dir, Err: err}
	}

	name := fmt.Sprintf("epoch%03d-%.6f.ckpt", epoch, loss)
	path := filepath.Join(dir, name)

	data, err := json.Marshal(checkpointState{Epoch: epoch, Loss: loss, WrittenAt: time.Now().UTC()})
	if err != nil {
		return "", &IOError{Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return "", &IOError{Path: path, Err: err}
	}
	committed := false
	defer func() {
		tmp.Close()
		if !committed {
			os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		return "", &IOError{Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		return "", &IOError{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return "", &IOError{Path: path, Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", &IOError{Path: path, Err: err}
	}
	committed = true

	// the rename itself is only durable once the directory is synced;
	// otherwise a crash can leave a ledger entry referencing a lost file
	if err := syncDir(dir); err != nil {
		return "", &IOError{Path: dir, Err: err}
	}

	return filepath.Join(checkpointDir, name), nil
}

// syncDir flushes directory metadata to stable storage.
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LatestCheckpoint returns the checkpoint reference of the most recent
// completed epoch, or an empty string when none exists.
func LatestCheckpoint(entries []Entry) string {
	latest := ""
	epoch := -1
	for _, entry := range entries {
		if entry.Incomplete || entry.Checkpoint == "" {
			continue
		}
		if epoch < entry.Epoch {
			epoch = entry.Epoch
			latest = entry.Checkpoint
		}
	}
	return latest
}

// BestCheckpoint returns the checkpoint reference of the completed epoch
// with the lowest recorded loss, or an empty string when none exists.
func BestCheckpoint(entries []Entry) string {
	best := ""
	loss := 0.
	for _, entry := range entries {
		if entry.Incomplete || entry.Checkpoint == "" {
			continue
		}
		if best == "" || entry.Loss < loss {
			best = entry.Checkpoint
			loss = entry.Loss
		}
	}
	return best
}

// PruneCheckpoints removes every checkpoint under the prefix except the best
// one. With dryRun set it only reports what would be removed. It refuses to
// prune when at most one checkpoint exists.
func PruneCheckpoints(prefix string, entries []Entry, dryRun bool) error {
	best := BestCheckpoint(entries)
	if best == "" {
		return fmt.Errorf("no checkpoints to prune under %s", prefix)
	}

	pruned := 0
	for _, entry := range entries {
		if entry.Incomplete || entry.Checkpoint == "" || entry.Checkpoint == best {
			continue
		}
		path := filepath.Join(prefix, entry.Checkpoint)
		if dryRun {
			glog.Infof("would remove checkpoint %s", path)
			pruned++
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return &IOError{Path: path, Err: err}
		}
		pruned++
	}
	if pruned == 0 {
		return fmt.Errorf("only one checkpoint under %s, nothing pruned", prefix)
	}

	glog.Infof("pruned %d checkpoints under %s, kept %s", pruned, prefix, best)
	return nil
}
