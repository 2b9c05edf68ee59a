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
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dchest/siphash"

	"github.com/alekLukanen/ChapterhouseQE/batch"
	"github.com/alekLukanen/ChapterhouseQE/wire"
)

// siphash keys for partition routing; fixed so that every
// exchange instance of a query routes identically.
const (
	partKey0 = 0x5d1ec810
	partKey1 = 0xfebed702
)

// edgeWindow bounds how many batches may be in flight
// toward one consumer before its acknowledgements lag.
// Node.Capacity overrides it per exchange.
const edgeWindow = 8

// Exchange decouples the stages of a query. It receives
// batches from the upstream producers, acknowledges them
// end to end, and distributes them across the downstream
// consumers either round-robin or keyed on a partition
// column. Producer and consumer liveness is tracked
// through heartbeats; a silent consumer has its in-flight
// batches requeued, once per incident, and is reported
// lost so the coordinator can spawn a replacement that
// resumes the same edge under a higher epoch.
type Exchange struct{}

// exchange phases
type phase uint8

const (
	waitingForProducers phase = iota
	active
	draining
	closedPhase
)

type producerState struct {
	worker    wire.WorkerID
	epoch     uint32
	lastHeard time.Time
	completed bool
	lost      bool
	// seen dedupes batch content across producer epochs:
	// a replacement producer re-emits what its
	// predecessor already delivered.
	seen map[dedupeKey]*ackState
}

type dedupeKey struct {
	seq    uint64
	digest [32]byte
}

type consumerState struct {
	worker    wire.WorkerID
	epoch     uint32
	lastHeard time.Time
	heard     bool
	lost      bool
	// requeuedEpoch guards the exactly-once requeue per
	// incident: epoch e is requeued at most once.
	requeuedEpoch uint32
	queue         pendingQueue
	inflight      map[uint64]*pending
}

type exchangeRun struct {
	env       *Env
	phase     phase
	producers map[wire.OperatorID]*producerState
	consumers map[wire.OperatorID]*consumerState
	// order fixes the consumer index used by keyed and
	// round-robin distribution; it never changes, even
	// across consumer replacement.
	order   []wire.OperatorID
	rr      int
	gseq    uint64
	rows    int64 // acked toward consumers
	window  int
	started time.Time
}

func (*Exchange) Run(ctx context.Context, env *Env) error {
	x := &exchangeRun{
		env:       env,
		producers: make(map[wire.OperatorID]*producerState),
		consumers: make(map[wire.OperatorID]*consumerState),
		window:    edgeWindow,
		started:   time.Now(),
	}
	if env.Node.Capacity > 0 {
		x.window = env.Node.Capacity
	}
	place := make(map[wire.OperatorID]wire.WorkerID, len(env.Placement))
	for _, p := range env.Placement {
		place[p.Op] = p.Worker
	}
	for _, op := range env.Upstream {
		x.producers[op] = &producerState{
			worker: place[op],
			seen:   make(map[dedupeKey]*ackState),
		}
	}
	for _, op := range env.Downstream {
		x.consumers[op] = &consumerState{
			worker:   place[op],
			inflight: make(map[uint64]*pending),
		}
		x.order = append(x.order, op)
	}
	sort.Slice(x.order, func(i, j int) bool {
		a, b := x.order[i], x.order[j]
		if a.Node != b.Node {
			return a.Node < b.Node
		}
		return a.Instance < b.Instance
	})

	// announce readiness to the producers known from the
	// placement table; late or replaced producers are
	// answered when their first heartbeat arrives
	for op, p := range x.producers {
		if p.worker != "" {
			x.sendReady(op, p.worker)
		}
	}

	checkEvery := env.heartbeatEvery() / 2
	if checkEvery <= 0 {
		checkEvery = DefaultHeartbeat / 2
	}
	for {
		next, nextCancel := context.WithTimeout(ctx, checkEvery)
		msg, err := env.Mailbox.Next(next)
		nextCancel()
		switch {
		case err == nil:
			if err := x.handle(msg); err != nil {
				return err
			}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			x.checkDeadlines()
		default:
			return err
		}
		x.pump()
		if done, err := x.maybeClose(); done {
			return err
		}
	}
}

func (x *exchangeRun) handle(msg *wire.Message) error {
	switch body := msg.Body.(type) {
	case *wire.Data:
		return x.onData(msg, body)
	case *wire.Ack:
		x.onAck(msg, body)
	case *wire.Heartbeat:
		x.onHeartbeat(msg, body)
	case *wire.Completion:
		x.onCompletion(msg)
	case *wire.CancelQuery:
		return fmt.Errorf("%w: %s", ErrCancelled, body.Cause)
	case *wire.ExchangeReady:
		// not addressed to exchanges; ignore
	default:
		x.env.errorf("ops: %s: unexpected %s", x.env.Self, msg.Body.Kind())
	}
	return nil
}

func (x *exchangeRun) sendReady(op wire.OperatorID, worker wire.WorkerID) {
	env := x.env
	msg := wire.New(&wire.ExchangeReady{Exchange: env.Self, Worker: env.Worker}).
		WithQuery(env.Query).
		WithFrom(env.Self).
		WithFromWorker(env.Worker).
		WithTo(op).
		WithToWorker(worker)
	if err := env.Route(msg); err != nil {
		env.errorf("ops: %s: ready to %s: %s", env.Self, op, err)
	}
}

func (x *exchangeRun) onHeartbeat(msg *wire.Message, hb *wire.Heartbeat) {
	now := time.Now()
	if p, ok := x.producers[msg.From]; ok {
		// answer the first contact of each producer epoch
		// with ExchangeReady; the startup announcement may
		// have raced the producer's registration
		if p.lastHeard.IsZero() || hb.Epoch > p.epoch {
			p.epoch = hb.Epoch
			p.lost = false
			x.sendReady(msg.From, msg.FromWorker)
		}
		p.worker = msg.FromWorker
		p.lastHeard = now
		if x.phase == waitingForProducers {
			x.phase = active
		}
		return
	}
	if c, ok := x.consumers[msg.From]; ok {
		if hb.Epoch > c.epoch {
			// replacement instance took over this edge
			c.epoch = hb.Epoch
			c.lost = false
		}
		c.worker = msg.FromWorker
		c.lastHeard = now
		c.heard = true
	}
}

func (x *exchangeRun) onData(msg *wire.Message, d *wire.Data) error {
	p, ok := x.producers[msg.From]
	if !ok {
		x.env.errorf("ops: %s: data from unknown producer %s", x.env.Self, msg.From)
		return nil
	}
	p.worker = msg.FromWorker
	p.lastHeard = time.Now()
	p.lost = false
	if x.phase == waitingForProducers {
		x.phase = active
	}

	key := dedupeKey{seq: d.Seq, digest: d.Digest}
	if as, dup := p.seen[key]; dup {
		// a replacement producer re-emitted a batch its
		// predecessor already delivered; re-point the
		// pending acknowledgement at the new sender
		as.producer = msg.From
		as.worker = msg.FromWorker
		as.seq = d.Seq
		as.epoch = d.Epoch
		if as.remaining == 0 {
			x.ackProducer(as)
		}
		return nil
	}
	as := &ackState{
		producer: msg.From,
		worker:   msg.FromWorker,
		seq:      d.Seq,
		epoch:    d.Epoch,
	}
	p.seen[key] = as
	if x.env.Node.Key == "" {
		target := x.order[x.rr%len(x.order)]
		x.rr++
		x.enqueue(target, d, d.Rows, as)
		return nil
	}
	return x.partition(d, as)
}

// partition splits a keyed batch into one piece per
// consumer edge, routing each row by the siphash of its
// key column.
func (x *exchangeRun) partition(d *wire.Data, as *ackState) error {
	env := x.env
	b, err := batch.FromData(d, env.Alloc)
	if err != nil {
		return fmt.Errorf("ops: %s: decode seq %d: %w", env.Self, d.Seq, err)
	}
	defer b.Release()
	rec := b.Record()
	idxs := rec.Schema().FieldIndices(env.Node.Key)
	if len(idxs) == 0 {
		return fmt.Errorf("ops: %s: partition column %q not in schema", env.Self, env.Node.Key)
	}
	col := rec.Column(idxs[0])
	parts := make([][]int, len(x.order))
	var keybuf []byte
	for row := 0; row < int(rec.NumRows()); row++ {
		keybuf, err = batch.AppendKey(keybuf[:0], col, row)
		if err != nil {
			return fmt.Errorf("ops: %s: key row %d: %w", env.Self, row, err)
		}
		h := siphash.Hash(partKey0, partKey1, keybuf)
		p := int(h % uint64(len(x.order)))
		parts[p] = append(parts[p], row)
	}
	for i, rows := range parts {
		if len(rows) == 0 {
			continue
		}
		piece, err := b.Take(env.Alloc, rows)
		if err != nil {
			return err
		}
		pd, err := piece.ToData(0, 0, env.Compression)
		n := piece.Rows()
		piece.Release()
		if err != nil {
			return err
		}
		x.enqueue(x.order[i], pd, n, as)
	}
	if as.remaining == 0 {
		// every row hashed away to an empty piece cannot
		// happen, but an empty input batch can
		x.ackProducer(as)
	}
	return nil
}

func (x *exchangeRun) enqueue(target wire.OperatorID, d *wire.Data, rows int64, as *ackState) {
	x.gseq++
	d.Seq = x.gseq
	as.remaining++
	c := x.consumers[target]
	c.queue.push(&pending{seq: d.Seq, d: d, rows: rows, ack: as})
}

// pump delivers queued batches to every live consumer
// with window room. Delivery waits for the consumer's
// first heartbeat; the placement table names its worker,
// but a batch routed before the consumer registered its
// mailbox would be shed with no retransmit path.
func (x *exchangeRun) pump() {
	for _, op := range x.order {
		c := x.consumers[op]
		for !c.lost && c.heard && len(c.inflight) < x.window && !c.queue.empty() {
			p := c.queue.pop()
			c.inflight[p.seq] = p
			p.d.Epoch = c.epoch
			msg := wire.New(p.d).
				WithQuery(x.env.Query).
				WithFrom(x.env.Self).
				WithFromWorker(x.env.Worker).
				WithTo(op).
				WithToWorker(c.worker)
			if err := x.env.Route(msg); err != nil {
				x.env.errorf("ops: %s: deliver seq %d to %s: %s", x.env.Self, p.seq, op, err)
			}
		}
	}
}

func (x *exchangeRun) onAck(msg *wire.Message, a *wire.Ack) {
	c, ok := x.consumers[msg.From]
	if !ok {
		return
	}
	c.lastHeard = time.Now()
	c.heard = true
	p, ok := c.inflight[a.Seq]
	if !ok || a.Epoch != c.epoch {
		return
	}
	delete(c.inflight, a.Seq)
	x.rows += p.rows
	p.ack.remaining--
	if p.ack.remaining == 0 {
		x.ackProducer(p.ack)
	}
}

func (x *exchangeRun) ackProducer(as *ackState) {
	env := x.env
	msg := wire.New(&wire.Ack{Seq: as.seq, Epoch: as.epoch}).
		WithQuery(env.Query).
		WithFrom(env.Self).
		WithFromWorker(env.Worker).
		WithTo(as.producer).
		WithToWorker(as.worker)
	if err := env.Route(msg); err != nil {
		env.errorf("ops: %s: ack to %s: %s", env.Self, as.producer, err)
	}
}

func (x *exchangeRun) onCompletion(msg *wire.Message) {
	if p, ok := x.producers[msg.From]; ok {
		p.completed = true
		p.lastHeard = time.Now()
	}
}

// checkDeadlines declares peers lost when they miss the
// heartbeat deadline, requeues a lost consumer's
// in-flight batches exactly once per epoch, and reports
// each incident to the coordinator.
func (x *exchangeRun) checkDeadlines() {
	deadline := x.env.peerDeadline()
	now := time.Now()
	for op, p := range x.producers {
		if p.lost || p.completed {
			continue
		}
		heard := p.lastHeard
		if heard.IsZero() {
			heard = x.started
		}
		if now.Sub(heard) > deadline {
			p.lost = true
			x.reportLost(op, p.worker, p.epoch)
		}
	}
	for op, c := range x.consumers {
		if c.lost {
			continue
		}
		heard := c.lastHeard
		if heard.IsZero() {
			heard = x.started
		}
		if now.Sub(heard) > deadline {
			c.lost = true
			x.requeue(op, c)
			x.reportLost(op, c.worker, c.epoch)
		}
	}
}

// requeue returns a lost consumer's unacknowledged
// batches to its edge queue so the replacement can pick
// them up. The epoch guard makes the requeue of one
// incident idempotent.
func (x *exchangeRun) requeue(op wire.OperatorID, c *consumerState) {
	if c.requeuedEpoch > c.epoch {
		return
	}
	c.requeuedEpoch = c.epoch + 1
	n := len(c.inflight)
	for seq, p := range c.inflight {
		c.queue.push(p)
		delete(c.inflight, seq)
	}
	if n > 0 {
		x.env.errorf("ops: %s: requeued %d in-flight batches of %s (epoch %d)",
			x.env.Self, n, op, c.epoch)
	}
}

func (x *exchangeRun) reportLost(op wire.OperatorID, worker wire.WorkerID, epoch uint32) {
	env := x.env
	env.errorf("ops: %s: peer %s missed heartbeat deadline", env.Self, op)
	msg := wire.New(&wire.OperatorStatus{
		Subject: op,
		Worker:  worker,
		State:   wire.StateLost,
		Epoch:   epoch,
		Cause:   "heartbeat deadline exceeded",
	}).WithQuery(env.Query).
		WithFrom(env.Self).
		WithFromWorker(env.Worker).
		WithToWorker(env.Coordinator)
	if err := env.Route(msg); err != nil {
		env.errorf("ops: %s: report lost %s: %s", env.Self, op, err)
	}
}

// maybeClose transitions to draining once every producer
// has completed and closes the exchange once all queues
// have been acknowledged by consumers that were actually
// heard from.
func (x *exchangeRun) maybeClose() (bool, error) {
	if x.phase == closedPhase {
		return true, nil
	}
	if x.phase != draining {
		for _, p := range x.producers {
			if !p.completed {
				return false, nil
			}
		}
		x.phase = draining
	}
	for _, c := range x.consumers {
		if !c.queue.empty() || len(c.inflight) > 0 {
			return false, nil
		}
		if !c.heard {
			// a consumer that never spoke still has to
			// receive its Completion; wait for it
			return false, nil
		}
	}
	x.phase = closedPhase
	env := x.env
	for _, op := range x.order {
		c := x.consumers[op]
		msg := wire.New(&wire.Completion{Rows: x.rows}).
			WithQuery(env.Query).
			WithFrom(env.Self).
			WithFromWorker(env.Worker).
			WithTo(op).
			WithToWorker(c.worker)
		if err := env.Route(msg); err != nil {
			env.errorf("ops: %s: completion to %s: %s", env.Self, op, err)
		}
	}
	return true, nil
}
