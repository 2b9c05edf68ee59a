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
	"github.com/alekLukanen/ChapterhouseQE/heap"
	"github.com/alekLukanen/ChapterhouseQE/wire"
)

// ackState tracks the acknowledgement owed to a producer
// for one of its batches. Keyed partitioning may split a
// producer batch across several consumer edges; the
// producer is acknowledged once every part has been
// acknowledged downstream.
type ackState struct {
	producer  wire.OperatorID
	worker    wire.WorkerID
	seq       uint64
	epoch     uint32
	remaining int
}

// pending is one batch queued or in flight on a consumer
// edge.
type pending struct {
	seq  uint64 // exchange-global sequence
	d    *wire.Data
	rows int64
	ack  *ackState
}

// pendingQueue is a min-heap on the global sequence, so
// that batches requeued after a consumer loss rejoin
// ahead of everything emitted later and the edge keeps
// its arrival order.
type pendingQueue []*pending

func pendingLess(a, b *pending) bool { return a.seq < b.seq }

func (q *pendingQueue) push(p *pending) {
	heap.PushSlice((*[]*pending)(q), p, pendingLess)
}

func (q *pendingQueue) pop() *pending {
	return heap.PopSlice((*[]*pending)(q), pendingLess)
}

func (q pendingQueue) empty() bool { return len(q) == 0 }
