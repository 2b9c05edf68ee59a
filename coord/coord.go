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

// Package coord schedules queries across workers.
//
// The coordinator owns the assignment table of every
// in-flight query and is its only writer: all mutation
// happens on the Run goroutine, fed by inbound status
// messages and submitted commands. Scheduling is
// two-phase: the exchanges of a query are assigned
// immediately, every other operator is dispatched only
// once all of its adjacent exchanges have confirmed they
// are running. The first failure aborts the whole query;
// a lost instance is replaced at most ReplacementBound
// times before the query is aborted too.
package coord

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/alekLukanen/ChapterhouseQE/plan"
	"github.com/alekLukanen/ChapterhouseQE/wire"
)

var (
	// ErrAborted is the terminal error of a query that
	// failed; the underlying cause is wrapped.
	ErrAborted = errors.New("coord: query aborted")
	// ErrCancelled is the terminal error of a query the
	// caller cancelled.
	ErrCancelled = errors.New("coord: query cancelled")
	// ErrNoWorkers is returned by Submit when no worker
	// has capacity to run the plan.
	ErrNoWorkers = errors.New("coord: no workers available")
	// ErrUnknownQuery is returned for operations on a
	// query id the coordinator is not tracking.
	ErrUnknownQuery = errors.New("coord: unknown query")
)

// DefaultReplacementBound is how many times one operator
// instance may be replaced before its query is aborted.
const DefaultReplacementBound = 2

// WorkerInfo is a capacity snapshot of one worker.
type WorkerInfo struct {
	ID        wire.WorkerID
	MemoryMiB uint64
	Slots     uint32
}

// Coordinator schedules queries. Construct with New,
// start Run once, then Submit.
type Coordinator struct {
	self    wire.WorkerID
	send    func(*wire.Message) error
	workers func() []WorkerInfo
	logger  *log.Logger
	bound   int

	cmds chan func()

	mu      sync.Mutex
	queries map[uuid.UUID]*query
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger makes the coordinator log scheduling
// decisions and failures.
func WithLogger(l *log.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithReplacementBound overrides DefaultReplacementBound.
func WithReplacementBound(n int) Option {
	return func(c *Coordinator) {
		c.bound = n
	}
}

// New makes a Coordinator hosted on the worker named
// self. send forwards outbound messages (assignments,
// cancellations) and workers snapshots cluster capacity
// at scheduling time.
func New(self wire.WorkerID, send func(*wire.Message) error, workers func() []WorkerInfo, opt ...Option) *Coordinator {
	c := &Coordinator{
		self:    self,
		send:    send,
		workers: workers,
		bound:   DefaultReplacementBound,
		cmds:    make(chan func(), 16),
		queries: make(map[uuid.UUID]*query),
	}
	for _, o := range opt {
		o(c)
	}
	return c
}

func (c *Coordinator) errorf(msg string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(msg, args...)
	}
}

// Run consumes inbound coordinator traffic until ctx is
// cancelled. It is the single writer of every assignment
// table.
func (c *Coordinator) Run(ctx context.Context, inbox <-chan *wire.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-c.cmds:
			fn()
		case msg, ok := <-inbox:
			if !ok {
				return
			}
			c.handle(msg)
		}
	}
}

// do executes fn on the Run goroutine and waits for it.
func (c *Coordinator) do(fn func()) {
	done := make(chan struct{})
	c.cmds <- func() {
		fn()
		close(done)
	}
	<-done
}

func (c *Coordinator) handle(msg *wire.Message) {
	c.mu.Lock()
	q := c.queries[msg.Query]
	c.mu.Unlock()
	if q == nil {
		return
	}
	switch body := msg.Body.(type) {
	case *wire.OperatorStatus:
		c.onStatus(q, body)
	case *wire.Completion:
		q.rows += body.Rows
	case *wire.Error:
		c.abort(q, fmt.Errorf("%s: %s", msg.From, body.Cause))
	case *wire.Heartbeat:
		// workers may probe the coordinator; ignore
	default:
		c.errorf("coord: unexpected %s from %s", msg.Body.Kind(), msg.FromWorker)
	}
}

// assignment is the table row of one operator instance.
type assignment struct {
	op       wire.OperatorID
	node     *plan.Node
	worker   wire.WorkerID
	state    wire.OpState
	epoch    uint32
	respawns int
}

type query struct {
	handle *Query
	graph  *plan.Graph
	table  map[wire.OperatorID]*assignment
	order  []wire.OperatorID
	spec   map[string][]byte // node name -> encoded node
	rows   int64
	done   bool
}

func (q *query) placement() []wire.Placement {
	out := make([]wire.Placement, 0, len(q.order))
	for _, op := range q.order {
		out = append(out, wire.Placement{Op: op, Worker: q.table[op].worker})
	}
	return out
}

func (q *query) workerSet() []wire.WorkerID {
	var out []wire.WorkerID
	for _, op := range q.order {
		w := q.table[op].worker
		if !slices.Contains(out, w) {
			out = append(out, w)
		}
	}
	return out
}

// Submit validates and schedules a logical plan and
// returns the handle tracking it.
func (c *Coordinator) Submit(lp *plan.Logical) (*Query, error) {
	g, err := plan.Build(lp)
	if err != nil {
		return nil, err
	}
	infos := c.workers()
	if len(infos) == 0 {
		return nil, ErrNoWorkers
	}
	id := uuid.New()
	q := &query{
		handle: &Query{id: id, coord: c, done: make(chan struct{})},
		graph:  g,
		table:  make(map[wire.OperatorID]*assignment),
		spec:   make(map[string][]byte),
	}
	// place every instance up front so the placement
	// table in each assignment is complete
	load := make(map[wire.WorkerID]int, len(infos))
	for _, n := range g.Nodes {
		q.spec[n.Name] = plan.EncodeNode(n)
		for _, op := range n.Instances() {
			w := pickWorker(infos, load)
			load[w]++
			st := wire.StateDependenciesPending
			if n.Kind == plan.KindExchange {
				st = wire.StateUnassigned
			}
			q.table[op] = &assignment{op: op, node: n, worker: w, state: st}
			q.order = append(q.order, op)
		}
	}
	c.do(func() {
		c.mu.Lock()
		c.queries[id] = q
		c.mu.Unlock()
		// phase one: exchanges only
		for _, op := range q.order {
			a := q.table[op]
			if a.node.Kind == plan.KindExchange {
				c.dispatch(q, a)
			}
		}
	})
	return q.handle, nil
}

// pickWorker claims an instance slot on the worker with
// the most remaining compute. Capacity is advertised at
// identify time; a worker past its slot count still
// accepts work, it just stops being preferred.
func pickWorker(infos []WorkerInfo, load map[wire.WorkerID]int) wire.WorkerID {
	best := infos[0]
	bestFree := int(best.Slots) - load[best.ID]
	for _, info := range infos[1:] {
		free := int(info.Slots) - load[info.ID]
		switch {
		case free > bestFree:
			best, bestFree = info, free
		case free == bestFree && info.MemoryMiB > best.MemoryMiB:
			best = info
		case free == bestFree && info.MemoryMiB == best.MemoryMiB && info.ID < best.ID:
			best = info
		}
	}
	return best.ID
}

// dispatch sends the assignment of a to its worker and
// advances its state.
func (c *Coordinator) dispatch(q *query, a *assignment) {
	body := &wire.Assignment{
		Op:         a.op,
		Worker:     a.worker,
		Epoch:      a.epoch,
		Spec:       q.spec[a.node.Name],
		Upstream:   q.graph.UpstreamInstances(a.node.Name),
		Downstream: q.graph.DownstreamInstances(a.node.Name),
		Placement:  q.placement(),
	}
	msg := wire.New(body).
		WithQuery(q.handle.id).
		WithFromWorker(c.self).
		WithToWorker(a.worker)
	if err := c.send(msg); err != nil {
		c.abort(q, fmt.Errorf("assign %s to %s: %w", a.op, a.worker, err))
		return
	}
	a.state = wire.StateAssigned
	c.errorf("coord: %s: assigned %s to %s (epoch %d)", q.handle.id, a.op, a.worker, a.epoch)
}

func (c *Coordinator) onStatus(q *query, st *wire.OperatorStatus) {
	if q.done {
		return
	}
	a := q.table[st.Subject]
	if a == nil {
		return
	}
	switch st.State {
	case wire.StateRunning:
		if st.Epoch != a.epoch {
			return
		}
		a.state = wire.StateRunning
		if a.node.Kind == plan.KindExchange {
			c.releaseGated(q)
		}
	case wire.StateCompleted:
		a.state = wire.StateCompleted
		c.maybeComplete(q)
	case wire.StateFailed:
		a.state = wire.StateFailed
		c.abort(q, fmt.Errorf("%s on %s: %s", st.Subject, st.Worker, st.Cause))
	case wire.StateLost:
		c.replace(q, a, st)
	}
}

// releaseGated dispatches every operator whose adjacent
// exchanges are all running.
func (c *Coordinator) releaseGated(q *query) {
	for _, op := range q.order {
		a := q.table[op]
		if a.state != wire.StateDependenciesPending {
			continue
		}
		ready := true
		for _, adj := range adjacentExchanges(q.graph, a.node) {
			for _, exop := range adj.Instances() {
				if q.table[exop].state != wire.StateRunning {
					ready = false
				}
			}
		}
		if ready {
			c.dispatch(q, a)
		}
	}
}

func adjacentExchanges(g *plan.Graph, n *plan.Node) []*plan.Node {
	var out []*plan.Node
	for _, name := range g.Upstream(n.Name) {
		if adj := g.Node(name); adj.Kind == plan.KindExchange {
			out = append(out, adj)
		}
	}
	for _, name := range g.Downstream(n.Name) {
		if adj := g.Node(name); adj.Kind == plan.KindExchange {
			out = append(out, adj)
		}
	}
	return out
}

// replace schedules a substitute for a lost instance
// under the next epoch, aborting the query once the
// replacement bound is exhausted.
func (c *Coordinator) replace(q *query, a *assignment, st *wire.OperatorStatus) {
	if a.state == wire.StateCompleted || q.done {
		return
	}
	if st.Epoch < a.epoch {
		// stale report about an instance already replaced
		return
	}
	if a.respawns >= c.bound {
		c.abort(q, fmt.Errorf("%s lost %d times, replacement bound exhausted", a.op, a.respawns+1))
		return
	}
	a.respawns++
	a.epoch++
	infos := c.workers()
	if len(infos) == 0 {
		c.abort(q, fmt.Errorf("replace %s: %w", a.op, ErrNoWorkers))
		return
	}
	load := make(map[wire.WorkerID]int, len(infos))
	for _, op := range q.order {
		load[q.table[op].worker]++
	}
	a.worker = pickWorker(infos, load)
	c.errorf("coord: %s: replacing %s (respawn %d, epoch %d)", q.handle.id, a.op, a.respawns, a.epoch)
	c.dispatch(q, a)
}

func (c *Coordinator) maybeComplete(q *query) {
	for _, op := range q.order {
		if q.table[op].state != wire.StateCompleted {
			return
		}
	}
	c.finish(q, nil)
}

// abort fails the query fast: every participating worker
// is told to cancel, and the handle resolves with the
// cause. Partial results are never delivered.
func (c *Coordinator) abort(q *query, cause error) {
	if q.done {
		return
	}
	c.errorf("coord: %s: abort: %s", q.handle.id, cause)
	c.broadcastCancel(q, cause.Error())
	c.finish(q, fmt.Errorf("%w: %s", ErrAborted, cause))
}

func (c *Coordinator) broadcastCancel(q *query, cause string) {
	for _, w := range q.workerSet() {
		msg := wire.New(&wire.CancelQuery{Cause: cause}).
			WithQuery(q.handle.id).
			WithFromWorker(c.self).
			WithToWorker(w)
		if err := c.send(msg); err != nil {
			c.errorf("coord: %s: cancel to %s: %s", q.handle.id, w, err)
		}
	}
}

func (c *Coordinator) finish(q *query, err error) {
	if q.done {
		return
	}
	q.done = true
	h := q.handle
	h.mu.Lock()
	h.err = err
	h.rows = q.rows
	h.mu.Unlock()
	close(h.done)
	c.mu.Lock()
	delete(c.queries, h.id)
	c.mu.Unlock()
}

// Query is the caller's handle on one submitted query.
type Query struct {
	id    uuid.UUID
	coord *Coordinator
	done  chan struct{}

	mu   sync.Mutex
	err  error
	rows int64
}

// ID returns the query id.
func (h *Query) ID() uuid.UUID { return h.id }

// Done is closed when the query reaches a terminal state.
func (h *Query) Done() <-chan struct{} { return h.done }

// Wait blocks until the query finishes or ctx expires.
// It returns nil on success, the abort cause on failure
// and ErrCancelled after cancellation.
func (h *Query) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Rows returns the materialized row count; valid after
// Done.
func (h *Query) Rows() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rows
}

// Cancel aborts the query with the given cause. It is a
// no-op on a finished query.
func (h *Query) Cancel(cause string) {
	c := h.coord
	c.do(func() {
		c.mu.Lock()
		q := c.queries[h.id]
		c.mu.Unlock()
		if q == nil || q.done {
			return
		}
		if cause == "" {
			cause = "cancelled by caller"
		}
		c.errorf("coord: %s: cancelled: %s", h.id, cause)
		c.broadcastCancel(q, cause)
		c.finish(q, fmt.Errorf("%w: %s", ErrCancelled, cause))
	})
}

// queryCount is a test hook.
func (c *Coordinator) queryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queries)
}
