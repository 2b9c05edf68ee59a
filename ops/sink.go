// Copyright 2023 Sneller, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

package ops

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
)

// ResultWriter is the collaborator that persists the
// batches reaching a materialize instance. Open is called
// once with the plan's sink destination before the first
// Write.
type ResultWriter interface {
	Open(sink string, schema *arrow.Schema) error
	Write(rec arrow.RecordBatch) error
	Close() error
}

// MemWriter collects results in memory for tests and
// embedded callers.
type MemWriter struct {
	mu     sync.Mutex
	sink   string
	recs   []arrow.RecordBatch
	rows   int64
	closed bool
}

func (w *MemWriter) Open(sink string, schema *arrow.Schema) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sink = sink
	return nil
}

func (w *MemWriter) Write(rec arrow.RecordBatch) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("ops: write to closed result writer")
	}
	rec.Retain()
	w.recs = append(w.recs, rec)
	w.rows += rec.NumRows()
	return nil
}

func (w *MemWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

// Rows returns the number of result rows written so far.
func (w *MemWriter) Rows() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

// Records snapshots the written records without
// transferring ownership.
func (w *MemWriter) Records() []arrow.RecordBatch {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]arrow.RecordBatch, len(w.recs))
	copy(out, w.recs)
	return out
}

// Release drops the collected records.
func (w *MemWriter) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range w.recs {
		r.Release()
	}
	w.recs = nil
	w.rows = 0
}

// IPCWriter persists results as one Arrow IPC stream file
// per materialize instance below Root.
type IPCWriter struct {
	// Root is prepended to the sink destination.
	Root string
	// Suffix distinguishes sibling instances writing to
	// the same sink, e.g. "part-0".
	Suffix string

	f  *os.File
	wr *ipc.Writer
}

func (w *IPCWriter) Open(sink string, schema *arrow.Schema) error {
	name := sink
	if w.Suffix != "" {
		name = sink + "-" + w.Suffix
	}
	path := filepath.Join(w.Root, name+".arrow")
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("ops: open sink: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("ops: open sink: %w", err)
	}
	w.f = f
	w.wr = ipc.NewWriter(f, ipc.WithSchema(schema))
	return nil
}

func (w *IPCWriter) Write(rec arrow.RecordBatch) error {
	if w.wr == nil {
		return fmt.Errorf("ops: result writer not opened")
	}
	return w.wr.Write(rec)
}

func (w *IPCWriter) Close() error {
	if w.wr == nil {
		return nil
	}
	err := w.wr.Close()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}
