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

package prefetch

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/9rum/flowtrain/internal/catalog"
)

// The shard container layout is a 4-byte magic, a big-endian uint32 sample
// count, then one big-endian uint32 payload length and payload per sample.
const shardMagic = "FLSH"

// maxPayload rejects absurd record lengths before allocating for them.
const maxPayload = 1 << 30

// DecodeError reports a corrupt or unreadable shard. It is recoverable: the
// shard is skipped and counted, and the run continues.
type DecodeError struct {
	Shard string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode shard %s: %v", e.Shard, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Sample is a single decoded training example. It is owned exclusively by
// the worker that decoded it until handed to the batch composer.
type Sample struct {
	// Shard is the name of the shard the sample was decoded from.
	Shard string

	// Index is the position of the sample within its shard; within one
	// shard, emission order matches on-disk order.
	Index int

	// Payload is the opaque encoded example.
	Payload []byte
}

// decodeShard reads every sample of the given shard in on-disk order and
// passes it to emit. emit reports whether to continue; a false return stops
// the decode without error, which is how cancellation propagates.
func decodeShard(shard catalog.Shard, emit func(Sample) bool) error {
	f, err := os.Open(shard.Path)
	if err != nil {
		return &DecodeError{Shard: shard.Name, Err: err}
	}
	defer f.Close()

	r := bufio.NewReader(f)
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return &DecodeError{Shard: shard.Name, Err: err}
	}
	if string(header[:4]) != shardMagic {
		return &DecodeError{Shard: shard.Name, Err: fmt.Errorf("bad magic %q", header[:4])}
	}

	count := int(binary.BigEndian.Uint32(header[4:]))
	for index := 0; index < count; index++ {
		var length uint32
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return &DecodeError{Shard: shard.Name, Err: fmt.Errorf("sample %d: %w", index, err)}
		}
		if length > maxPayload {
			return &DecodeError{Shard: shard.Name, Err: fmt.Errorf("sample %d: payload length %d out of range", index, length)}
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return &DecodeError{Shard: shard.Name, Err: fmt.Errorf("sample %d: %w", index, err)}
		}
		if !emit(Sample{Shard: shard.Name, Index: index, Payload: payload}) {
			return nil
		}
	}

	return nil
}

// WriteShard writes a shard container with the given payloads. It is used by
// dataset preparation tooling.
func WriteShard(path string, payloads [][]byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := w.WriteString(shardMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(payloads))); err != nil {
		return err
	}
	for _, payload := range payloads {
		if err := binary.Write(w, binary.BigEndian, uint32(len(payload))); err != nil {
			return err
		}
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	return f.Sync()
}
