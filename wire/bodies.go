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

package wire

import (
	"errors"
	"fmt"
)

// Identify is the first message sent on every fresh peer
// link. It names the dialing worker and advertises its
// compute capacity so the coordinator can weight
// assignments.
type Identify struct {
	// Worker is the stable listen address of the sender.
	Worker WorkerID
	// MemoryMiB is the usable memory of the sender.
	MemoryMiB int64
	// Slots is the number of operator instances the
	// sender is willing to host concurrently.
	Slots int
}

func (*Identify) Kind() Kind { return KindIdentify }

func (id *Identify) append(dst []byte) []byte {
	dst = appendString(dst, string(id.Worker))
	dst = appendU64(dst, uint64(id.MemoryMiB))
	dst = appendU32(dst, uint32(id.Slots))
	return dst
}

func (id *Identify) decode(src []byte) error {
	var err error
	var w string
	w, src, err = readString(src)
	if err != nil {
		return err
	}
	id.Worker = WorkerID(w)
	mem, src, err := readU64(src)
	if err != nil {
		return err
	}
	id.MemoryMiB = int64(mem)
	slots, _, err := readU32(src)
	if err != nil {
		return err
	}
	id.Slots = int(slots)
	return nil
}

// Compression algorithms for Data payloads.
const (
	CompressNone = iota
	CompressZstd
	CompressS2
)

// Data carries one immutable columnar batch from a
// producer instance toward an exchange, or from an
// exchange toward a consumer instance. The payload is an
// Arrow IPC stream, optionally compressed.
type Data struct {
	// Seq is the batch sequence number. Sequence numbers
	// are per-producer on the producer->exchange hop and
	// exchange-global on the exchange->consumer hop.
	// Consumers dedupe redelivered batches by Seq.
	Seq uint64
	// Epoch distinguishes batches from a replacement
	// instance from those of the instance it replaced.
	Epoch uint32
	// Rows is the row count of the encoded batch.
	Rows int64
	// Digest is the blake2b digest of the uncompressed
	// payload; it identifies batch content independently
	// of Seq.
	Digest [32]byte
	// Compression is one of the Compress* constants.
	Compression uint8
	// Payload is the (possibly compressed) Arrow IPC
	// encoding of the batch.
	Payload []byte
}

func (*Data) Kind() Kind { return KindData }

func (d *Data) append(dst []byte) []byte {
	dst = appendU64(dst, d.Seq)
	dst = appendU32(dst, d.Epoch)
	dst = appendU64(dst, uint64(d.Rows))
	dst = append(dst, d.Digest[:]...)
	dst = append(dst, d.Compression)
	return appendBytes(dst, d.Payload)
}

func (d *Data) decode(src []byte) error {
	var err error
	d.Seq, src, err = readU64(src)
	if err != nil {
		return err
	}
	epoch, src, err := readU32(src)
	if err != nil {
		return err
	}
	d.Epoch = epoch
	rows, src, err := readU64(src)
	if err != nil {
		return err
	}
	d.Rows = int64(rows)
	if len(src) < len(d.Digest)+1 {
		return ErrTruncated
	}
	copy(d.Digest[:], src)
	src = src[len(d.Digest):]
	d.Compression = src[0]
	src = src[1:]
	d.Payload, _, err = readBytes(src)
	return err
}

// Heartbeat is a periodic liveness signal from a running
// instance to its outbound exchange and to the
// coordinator.
type Heartbeat struct {
	// At is the send time in unix nanoseconds.
	At int64
	// Epoch matches the Epoch of the Data batches the
	// sender is producing.
	Epoch uint32
}

func (*Heartbeat) Kind() Kind { return KindHeartbeat }

func (h *Heartbeat) append(dst []byte) []byte {
	dst = appendU64(dst, uint64(h.At))
	return appendU32(dst, h.Epoch)
}

func (h *Heartbeat) decode(src []byte) error {
	at, src, err := readU64(src)
	if err != nil {
		return err
	}
	h.At = int64(at)
	h.Epoch, _, err = readU32(src)
	return err
}

// Placement maps one operator instance to the worker
// hosting it. Assignments carry the placements of every
// adjacent instance so the receiving worker can route to
// them without further coordination.
type Placement struct {
	Op     OperatorID
	Worker WorkerID
}

// Assignment instructs a worker to start one operator
// instance. Spec is the plan node encoded by the plan
// package; wire does not interpret it.
type Assignment struct {
	// Op is the instance being assigned.
	Op OperatorID
	// Worker is the worker the instance is assigned to.
	Worker WorkerID
	// Epoch is zero for first assignments and increments
	// for each replacement of the same instance.
	Epoch uint32
	// Spec is the encoded plan node (see plan.EncodeNode).
	Spec []byte
	// Upstream lists the instances feeding this one: the
	// expected producer set for an exchange, or the
	// inbound exchange instances for everything else.
	Upstream []OperatorID
	// Downstream lists the instances this one feeds.
	Downstream []OperatorID
	// Placement locates every instance named in Upstream
	// and Downstream.
	Placement []Placement
}

func (*Assignment) Kind() Kind { return KindAssignment }

func (a *Assignment) append(dst []byte) []byte {
	dst = appendOperatorID(dst, a.Op)
	dst = appendString(dst, string(a.Worker))
	dst = appendU32(dst, a.Epoch)
	dst = appendBytes(dst, a.Spec)
	dst = appendU16(dst, uint16(len(a.Upstream)))
	for i := range a.Upstream {
		dst = appendOperatorID(dst, a.Upstream[i])
	}
	dst = appendU16(dst, uint16(len(a.Downstream)))
	for i := range a.Downstream {
		dst = appendOperatorID(dst, a.Downstream[i])
	}
	dst = appendU16(dst, uint16(len(a.Placement)))
	for i := range a.Placement {
		dst = appendOperatorID(dst, a.Placement[i].Op)
		dst = appendString(dst, string(a.Placement[i].Worker))
	}
	return dst
}

func (a *Assignment) decode(src []byte) error {
	var err error
	a.Op, src, err = readOperatorID(src)
	if err != nil {
		return err
	}
	var w string
	w, src, err = readString(src)
	if err != nil {
		return err
	}
	a.Worker = WorkerID(w)
	a.Epoch, src, err = readU32(src)
	if err != nil {
		return err
	}
	a.Spec, src, err = readBytes(src)
	if err != nil {
		return err
	}
	readOps := func(src []byte) ([]OperatorID, []byte, error) {
		n, src, err := readU16(src)
		if err != nil {
			return nil, nil, err
		}
		ops := make([]OperatorID, n)
		for i := range ops {
			ops[i], src, err = readOperatorID(src)
			if err != nil {
				return nil, nil, err
			}
		}
		return ops, src, nil
	}
	a.Upstream, src, err = readOps(src)
	if err != nil {
		return err
	}
	a.Downstream, src, err = readOps(src)
	if err != nil {
		return err
	}
	n, src, err := readU16(src)
	if err != nil {
		return err
	}
	a.Placement = make([]Placement, n)
	for i := range a.Placement {
		a.Placement[i].Op, src, err = readOperatorID(src)
		if err != nil {
			return err
		}
		var w string
		w, src, err = readString(src)
		if err != nil {
			return err
		}
		a.Placement[i].Worker = WorkerID(w)
	}
	if len(a.Upstream) == 0 {
		a.Upstream = nil
	}
	if len(a.Downstream) == 0 {
		a.Downstream = nil
	}
	if len(a.Placement) == 0 {
		a.Placement = nil
	}
	return nil
}

// Completion signals the end of a data stream. Sent by an
// instance about itself (From names the instance), and by
// an exchange to each consumer edge once draining
// finishes.
type Completion struct {
	// Rows is the total number of rows the sender
	// produced, for accounting.
	Rows int64
}

func (*Completion) Kind() Kind { return KindCompletion }

func (c *Completion) append(dst []byte) []byte {
	return appendU64(dst, uint64(c.Rows))
}

func (c *Completion) decode(src []byte) error {
	rows, _, err := readU64(src)
	if err != nil {
		return err
	}
	c.Rows = int64(rows)
	return nil
}

// Error escalates a fatal instance error to the query
// coordinator. From names the failed instance.
type Error struct {
	// Cause is the rendered error.
	Cause string
}

func (*Error) Kind() Kind { return KindError }

func (e *Error) append(dst []byte) []byte {
	return appendString(dst, e.Cause)
}

func (e *Error) decode(src []byte) error {
	var err error
	e.Cause, _, err = readString(src)
	return err
}

// Err converts the message body back into an error value.
func (e *Error) Err() error { return errors.New(e.Cause) }

// OpState enumerates assignment states reported through
// OperatorStatus messages. The coordinator owns the
// authoritative table; workers only report transitions.
type OpState uint8

const (
	// StateUnassigned is the initial state of every instance.
	StateUnassigned OpState = iota
	// StateDependenciesPending marks an instance gated on
	// its adjacent exchanges.
	StateDependenciesPending
	// StateAssigned marks an instance dispatched to a
	// worker but not yet confirmed running.
	StateAssigned
	// StateRunning marks a confirmed running instance.
	StateRunning
	// StateCompleted marks a finished instance.
	StateCompleted
	// StateFailed marks a fatally failed instance.
	StateFailed
	// StateLost marks an instance whose heartbeats expired;
	// reported by an exchange, the coordinator decides
	// between replacement and abort.
	StateLost
)

func (s OpState) String() string {
	switch s {
	case StateUnassigned:
		return "unassigned"
	case StateDependenciesPending:
		return "dependencies-pending"
	case StateAssigned:
		return "assigned"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateLost:
		return "lost"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether s is a terminal state.
func (s OpState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// rank orders states for the monotonic-transition check.
func (s OpState) rank() int { return int(s) }

// CanTransition reports whether moving from s to next is a
// legal (monotonic) state transition.
func (s OpState) CanTransition(next OpState) bool {
	if s.Terminal() {
		return false
	}
	if next == StateLost {
		return s == StateRunning || s == StateAssigned
	}
	if s == StateLost {
		// a lost instance either gets replaced (back to
		// Assigned with a higher epoch) or fails
		return next == StateAssigned || next == StateFailed
	}
	return next.rank() > s.rank()
}

// OperatorStatus reports a state transition for Subject.
// Workers send it to the coordinator when an instance
// starts, completes, or fails; exchanges send it with
// StateLost when a producer misses its heartbeat deadline.
type OperatorStatus struct {
	// Subject is the instance the report is about.
	Subject OperatorID
	// Worker is the worker hosting Subject.
	Worker WorkerID
	// State is the reported state.
	State OpState
	// Epoch is the assignment epoch of Subject.
	Epoch uint32
	// Cause is set for StateFailed and StateLost.
	Cause string
}

func (*OperatorStatus) Kind() Kind { return KindOperatorStatus }

func (o *OperatorStatus) append(dst []byte) []byte {
	dst = appendOperatorID(dst, o.Subject)
	dst = appendString(dst, string(o.Worker))
	dst = append(dst, byte(o.State))
	dst = appendU32(dst, o.Epoch)
	return appendString(dst, o.Cause)
}

func (o *OperatorStatus) decode(src []byte) error {
	var err error
	o.Subject, src, err = readOperatorID(src)
	if err != nil {
		return err
	}
	var w string
	w, src, err = readString(src)
	if err != nil {
		return err
	}
	o.Worker = WorkerID(w)
	if len(src) < 1 {
		return ErrTruncated
	}
	o.State = OpState(src[0])
	src = src[1:]
	o.Epoch, src, err = readU32(src)
	if err != nil {
		return err
	}
	o.Cause, _, err = readString(src)
	return err
}

// Ack acknowledges one Data batch. Consumers ack the
// exchange after fully processing a batch; the exchange
// acks producers after accepting one.
type Ack struct {
	// Seq is the sequence number being acknowledged, in
	// the sequence space of the hop it acknowledges.
	Seq uint64
	// Epoch matches the Epoch of the acknowledged batch.
	Epoch uint32
}

func (*Ack) Kind() Kind { return KindAck }

func (a *Ack) append(dst []byte) []byte {
	dst = appendU64(dst, a.Seq)
	return appendU32(dst, a.Epoch)
}

func (a *Ack) decode(src []byte) error {
	var err error
	a.Seq, src, err = readU64(src)
	if err != nil {
		return err
	}
	a.Epoch, _, err = readU32(src)
	return err
}

// ExchangeReady tells a gated producer that its outbound
// exchange is running. Producers hold their first emit
// (and their completion) until this arrives.
type ExchangeReady struct {
	// Exchange is the ready exchange instance.
	Exchange OperatorID
	// Worker is the worker hosting the exchange.
	Worker WorkerID
}

func (*ExchangeReady) Kind() Kind { return KindExchangeReady }

func (e *ExchangeReady) append(dst []byte) []byte {
	dst = appendOperatorID(dst, e.Exchange)
	return appendString(dst, string(e.Worker))
}

func (e *ExchangeReady) decode(src []byte) error {
	var err error
	e.Exchange, src, err = readOperatorID(src)
	if err != nil {
		return err
	}
	var w string
	w, _, err = readString(src)
	if err != nil {
		return err
	}
	e.Worker = WorkerID(w)
	return nil
}

// CancelQuery tears down every local instance and queue
// belonging to the query named in the envelope. Links
// between workers stay open.
type CancelQuery struct {
	// Cause is the reason for cancellation.
	Cause string
}

func (*CancelQuery) Kind() Kind { return KindCancelQuery }

func (c *CancelQuery) append(dst []byte) []byte {
	return appendString(dst, c.Cause)
}

func (c *CancelQuery) decode(src []byte) error {
	var err error
	c.Cause, _, err = readString(src)
	return err
}
