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
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/alekLukanen/ChapterhouseQE/plan"
)

// FileScanner is the collaborator that turns a resolved
// file shard into record batches. Path resolution and
// globbing happen upstream of the query core; by the time
// a shard reaches a scanner it names a concrete input.
type FileScanner interface {
	Scan(shard plan.FileShard) (RecordIter, error)
}

// RecordIter yields the records of one shard. Next
// returns io.EOF when the shard is exhausted; every
// returned record is retained for the caller.
type RecordIter interface {
	Next() (arrow.RecordBatch, error)
	Close() error
}

// MemScanner serves records registered in memory, one
// list per path. It is the scanner used by tests and by
// embedded setups that already hold their input.
type MemScanner struct {
	mu     sync.Mutex
	tables map[string][]arrow.RecordBatch
}

// NewMemScanner returns an empty in-memory scanner.
func NewMemScanner() *MemScanner {
	return &MemScanner{tables: make(map[string][]arrow.RecordBatch)}
}

// Add registers recs under path, retaining each.
func (s *MemScanner) Add(path string, recs ...arrow.RecordBatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		r.Retain()
		s.tables[path] = append(s.tables[path], r)
	}
}

// Release drops every registered record.
func (s *MemScanner) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, recs := range s.tables {
		for _, r := range recs {
			r.Release()
		}
	}
	s.tables = make(map[string][]arrow.RecordBatch)
}

func (s *MemScanner) Scan(shard plan.FileShard) (RecordIter, error) {
	s.mu.Lock()
	recs, ok := s.tables[shard.Path]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("ops: no table registered for %q", shard.Path)
	}
	if shard.RowGroup >= 0 {
		if shard.RowGroup >= len(recs) {
			return nil, fmt.Errorf("ops: %s: row group out of range (%d records)", shard, len(recs))
		}
		recs = recs[shard.RowGroup : shard.RowGroup+1]
	}
	return &memIter{recs: recs}, nil
}

type memIter struct {
	recs []arrow.RecordBatch
	pos  int
}

func (it *memIter) Next() (arrow.RecordBatch, error) {
	if it.pos >= len(it.recs) {
		return nil, io.EOF
	}
	r := it.recs[it.pos]
	it.pos++
	r.Retain()
	return r, nil
}

func (it *memIter) Close() error { return nil }

// IPCScanner reads Arrow IPC streams from files below a
// root directory. A shard's RowGroup selects one record
// within the stream, or -1 for all of them.
type IPCScanner struct {
	// Root is prepended to every shard path.
	Root string
	// Alloc is the allocator handed to the IPC reader;
	// nil selects the default Go allocator.
	Alloc memory.Allocator
}

func (s *IPCScanner) Scan(shard plan.FileShard) (RecordIter, error) {
	f, err := os.Open(filepath.Join(s.Root, shard.Path))
	if err != nil {
		return nil, fmt.Errorf("ops: scan %s: %w", shard, err)
	}
	alloc := s.Alloc
	if alloc == nil {
		alloc = memory.NewGoAllocator()
	}
	rd, err := ipc.NewReader(f, ipc.WithAllocator(alloc))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ops: scan %s: %w", shard, err)
	}
	return &ipcIter{f: f, rd: rd, want: shard.RowGroup}, nil
}

type ipcIter struct {
	f    *os.File
	rd   *ipc.Reader
	want int
	pos  int
	done bool
}

func (it *ipcIter) Next() (arrow.RecordBatch, error) {
	if it.done {
		return nil, io.EOF
	}
	for it.rd.Next() {
		rec := it.rd.Record()
		idx := it.pos
		it.pos++
		if it.want >= 0 && idx != it.want {
			continue
		}
		rec.Retain()
		if it.want >= 0 {
			it.done = true
		}
		return rec, nil
	}
	if err := it.rd.Err(); err != nil && err != io.EOF {
		return nil, err
	}
	it.done = true
	return nil, io.EOF
}

func (it *ipcIter) Close() error {
	it.rd.Release()
	return it.f.Close()
}
