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

package trainer

import "fmt"

// State is the run state of the epoch scheduler.
type State int32

const (
	// Idle is the initial state before the run starts.
	Idle State = iota

	// Running means an epoch is consuming batches.
	Running

	// Draining means the prefetch queue signalled end-of-epoch and the
	// scheduler is waiting for the last in-flight step result.
	Draining

	// Checkpointing means the epoch outcome is being made durable.
	Checkpointing

	// Completed is the terminal state of a run that exhausted its epoch
	// budget.
	Completed

	// Aborted is the terminal state after a fatal error or cancellation.
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	case Draining:
		return "Draining"
	case Checkpointing:
		return "Checkpointing"
	case Completed:
		return "Completed"
	case Aborted:
		return "Aborted"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal reports whether the state ends the run.
func (s State) Terminal() bool {
	return s == Completed || s == Aborted
}

// allowed reports whether the transition from one state to another is valid.
// Aborted is reachable from any non-terminal state since a fatal error may
// surface at any point of the loop.
func allowed(from, to State) bool {
	if to == Aborted {
		return !from.Terminal()
	}
	switch from {
	case Idle:
		return to == Running || to == Completed
	case Running:
		return to == Draining
	case Draining:
		return to == Checkpointing
	case Checkpointing:
		return to == Running || to == Completed
	default:
		return false
	}
}
