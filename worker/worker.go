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

// Package worker hosts the per-machine runtime: the mesh
// link manager, the message router, and the operator
// instances spawned for each assignment. A worker may
// additionally embed the query coordinator.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"

	"github.com/alekLukanen/ChapterhouseQE/coord"
	"github.com/alekLukanen/ChapterhouseQE/mesh"
	"github.com/alekLukanen/ChapterhouseQE/ops"
	"github.com/alekLukanen/ChapterhouseQE/plan"
	"github.com/alekLukanen/ChapterhouseQE/router"
	"github.com/alekLukanen/ChapterhouseQE/wire"
)

// Worker ties the mesh, the router and the operator
// runtime together for one machine.
type Worker struct {
	self   wire.WorkerID
	ident  wire.Identify
	mesh   *mesh.Manager
	router *router.Router
	logger *log.Logger

	alloc       memory.Allocator
	scanner     ops.FileScanner
	writer      ops.ResultWriter
	heartbeat   time.Duration
	deadline    time.Duration
	compression uint8

	coordInbox chan *wire.Message

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu      sync.Mutex
	queries map[uuid.UUID]*querySet
}

// querySet tracks the local instances of one query so
// cancellation can release exactly its resources.
type querySet struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	insts  map[wire.OperatorID]*ops.Instance
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger makes the worker and its subsystems log
// diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithAllocator overrides the Arrow allocator handed to
// operator instances.
func WithAllocator(a memory.Allocator) Option {
	return func(w *Worker) { w.alloc = a }
}

// WithScanner sets the file scanning collaborator used by
// read_files instances on this worker.
func WithScanner(s ops.FileScanner) Option {
	return func(w *Worker) { w.scanner = s }
}

// WithWriter sets the result writing collaborator used by
// materialize instances on this worker.
func WithWriter(rw ops.ResultWriter) Option {
	return func(w *Worker) { w.writer = rw }
}

// WithHeartbeat overrides the operator heartbeat period.
func WithHeartbeat(d time.Duration) Option {
	return func(w *Worker) { w.heartbeat = d }
}

// WithDeadline overrides the exchange liveness deadline.
func WithDeadline(d time.Duration) Option {
	return func(w *Worker) { w.deadline = d }
}

// WithCompression selects the codec for Data payloads.
func WithCompression(c uint8) Option {
	return func(w *Worker) { w.compression = c }
}

// WithCapacity overrides the advertised compute capacity;
// the default comes from the host memory probe and
// GOMAXPROCS.
func WithCapacity(memoryMiB int64, slots int) Option {
	return func(w *Worker) {
		w.ident.MemoryMiB = memoryMiB
		w.ident.Slots = slots
	}
}

// Start brings up a worker: it listens for peers on
// cfg.ListenPort, identifies itself as self, and dials
// every configured peer. self must be the address peers
// use to reach this worker.
func Start(self wire.WorkerID, cfg *Config, opt ...Option) (*Worker, error) {
	w := &Worker{
		self:    self,
		ident:   wire.Identify{MemoryMiB: MemoryMiB(), Slots: Slots()},
		alloc:   memory.DefaultAllocator,
		queries: make(map[uuid.UUID]*querySet),
	}
	for _, o := range opt {
		o(w)
	}
	w.ctx, w.stop = context.WithCancel(context.Background())

	var mopt []mesh.Option
	if w.logger != nil {
		mopt = append(mopt, mesh.WithLogger(w.logger))
	}
	w.mesh = mesh.New(self, w.ident, mopt...)
	var ropt []router.Option
	if w.logger != nil {
		ropt = append(ropt, router.WithLogger(w.logger))
	}
	w.router = router.New(self, w.mesh, ropt...)

	if _, err := w.mesh.Listen(fmt.Sprintf(":%d", cfg.ListenPort)); err != nil {
		w.stop()
		return nil, err
	}
	for _, p := range cfg.Peers {
		if wire.WorkerID(p) == self {
			continue
		}
		if err := w.mesh.Dial(wire.WorkerID(p), p); err != nil {
			// the peer may simply not be up yet; it will
			// dial us when it starts
			w.errorf("worker: %s: dial %s: %s", self, p, err)
		}
	}
	w.wg.Add(1)
	go w.dispatch()
	return w, nil
}

// Self returns this worker's id.
func (w *Worker) Self() wire.WorkerID { return w.self }

// Router exposes the worker's message router.
func (w *Worker) Router() *router.Router { return w.router }

// Peers reports the mesh peers and their advertised
// capacity.
func (w *Worker) Peers() []mesh.PeerInfo { return w.mesh.Peers() }

func (w *Worker) errorf(msg string, args ...interface{}) {
	if w.logger != nil {
		w.logger.Printf(msg, args...)
	}
}

// ServeCoordinator embeds a query coordinator on this
// worker and runs it until the worker closes. Runtime
// traffic addressed to this worker but not to any operator
// instance is fed to it.
func (w *Worker) ServeCoordinator(opt ...coord.Option) *coord.Coordinator {
	inbox := make(chan *wire.Message, 1024)
	w.mu.Lock()
	w.coordInbox = inbox
	w.mu.Unlock()
	if w.logger != nil {
		opt = append([]coord.Option{coord.WithLogger(w.logger)}, opt...)
	}
	c := coord.New(w.self, w.route, w.workerInfos, opt...)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		c.Run(w.ctx, inbox)
	}()
	return c
}

// workerInfos snapshots cluster capacity for the embedded
// coordinator: this worker plus every live mesh peer.
func (w *Worker) workerInfos() []coord.WorkerInfo {
	infos := []coord.WorkerInfo{{
		ID:        w.self,
		MemoryMiB: uint64(w.ident.MemoryMiB),
		Slots:     uint32(w.ident.Slots),
	}}
	for _, p := range w.mesh.Peers() {
		if p.Down {
			continue
		}
		infos = append(infos, coord.WorkerInfo{
			ID:        p.Worker,
			MemoryMiB: p.MemoryMiB,
			Slots:     p.Slots,
		})
	}
	return infos
}

// route is the outbound path handed to operator instances
// and the embedded coordinator. Messages addressed to a
// worker runtime rather than an instance go through the
// mesh so that loopback and remote delivery take the same
// path.
func (w *Worker) route(msg *wire.Message) error {
	if msg.To.Zero() {
		return w.mesh.Send(msg)
	}
	return w.router.Route(msg)
}

// dispatch is the single consumer of inbound mesh
// traffic.
func (w *Worker) dispatch() {
	defer w.wg.Done()
	in := w.mesh.Receive()
	for {
		select {
		case <-w.ctx.Done():
			return
		case msg := <-in:
			w.handle(msg)
		}
	}
}

func (w *Worker) handle(msg *wire.Message) {
	if !msg.To.Zero() {
		if err := w.router.Route(msg); err != nil {
			w.errorf("worker: %s: drop %s for %s: %s", w.self, msg.Kind(), msg.To, err)
		}
		return
	}
	switch body := msg.Body.(type) {
	case *wire.Assignment:
		if err := w.onAssignment(msg, body); err != nil {
			w.errorf("worker: %s: assignment %s: %s", w.self, body.Op, err)
			w.rejectAssignment(msg, body, err)
		}
	case *wire.CancelQuery:
		w.cancelQuery(msg.Query, body.Cause)
	case *wire.Identify:
		// handshakes happen on the link itself
	default:
		w.mu.Lock()
		inbox := w.coordInbox
		w.mu.Unlock()
		if inbox == nil {
			w.errorf("worker: %s: no coordinator for %s from %s", w.self, msg.Kind(), msg.FromWorker)
			return
		}
		select {
		case inbox <- msg:
		default:
			w.errorf("worker: %s: coordinator inbox full, dropped %s", w.self, msg.Kind())
		}
	}
}

// rejectAssignment reports a spawn failure so the
// coordinator can abort the query.
func (w *Worker) rejectAssignment(msg *wire.Message, a *wire.Assignment, cause error) {
	status := wire.New(&wire.OperatorStatus{
		Subject: a.Op,
		Worker:  w.self,
		State:   wire.StateFailed,
		Epoch:   a.Epoch,
		Cause:   cause.Error(),
	}).WithQuery(msg.Query).
		WithFromWorker(w.self).
		WithToWorker(msg.FromWorker)
	if err := w.route(status); err != nil {
		w.errorf("worker: %s: reject %s: %s", w.self, a.Op, err)
	}
}

func (w *Worker) onAssignment(msg *wire.Message, a *wire.Assignment) error {
	node, err := plan.DecodeNode(a.Spec)
	if err != nil {
		return fmt.Errorf("decode node: %w", err)
	}
	w.router.SetPlacement(msg.Query, a.Placement)
	env := &ops.Env{
		Query:       msg.Query,
		Self:        a.Op,
		Worker:      w.self,
		Coordinator: msg.FromWorker,
		Epoch:       a.Epoch,
		Node:        node,
		Upstream:    a.Upstream,
		Downstream:  a.Downstream,
		Placement:   a.Placement,
		Route:       w.route,
		Alloc:       w.alloc,
		Logger:      w.logger,
		Scanner:     w.scanner,
		Writer:      w.writer,
		Heartbeat:   w.heartbeat,
		Deadline:    w.deadline,
		Compression: w.compression,
	}
	env.Mailbox = w.router.Register(a.Op, ops.MailboxDepth(node.Kind, len(a.Upstream)))
	inst, err := ops.NewInstance(env)
	if err != nil {
		w.router.Deregister(a.Op)
		return err
	}
	w.mu.Lock()
	q := w.queries[msg.Query]
	if q == nil {
		ctx, cancel := context.WithCancelCause(w.ctx)
		q = &querySet{
			ctx:    ctx,
			cancel: cancel,
			insts:  make(map[wire.OperatorID]*ops.Instance),
		}
		w.queries[msg.Query] = q
	}
	q.insts[a.Op] = inst
	w.mu.Unlock()
	inst.Start(q.ctx)
	w.wg.Add(1)
	go w.reap(msg.Query, a.Op, inst)
	return nil
}

// reap releases the mailbox of a finished instance and
// drops the query's bookkeeping once its last local
// instance is gone.
func (w *Worker) reap(query uuid.UUID, op wire.OperatorID, inst *ops.Instance) {
	defer w.wg.Done()
	select {
	case <-inst.Done():
	case <-w.ctx.Done():
		return
	}
	w.router.Deregister(op)
	w.mu.Lock()
	q := w.queries[query]
	if q != nil && q.insts[op] == inst {
		delete(q.insts, op)
		if len(q.insts) == 0 {
			delete(w.queries, query)
			w.router.DropQuery(query)
			q.cancel(nil)
		}
	}
	w.mu.Unlock()
}

// cancelQuery cancels the local instances of one query.
// Only that query's queues are released; mesh links stay
// up.
func (w *Worker) cancelQuery(query uuid.UUID, cause string) {
	w.mu.Lock()
	q := w.queries[query]
	var insts []wire.OperatorID
	if q != nil {
		for op := range q.insts {
			insts = append(insts, op)
		}
	}
	w.mu.Unlock()
	if q == nil {
		return
	}
	w.errorf("worker: %s: cancel %s: %s", w.self, query, cause)
	q.cancel(fmt.Errorf("%w: %s", ops.ErrCancelled, cause))
	// instances blocked inside their poll loops observe
	// the context; the explicit message reaches those
	// parked on control traffic
	for _, op := range insts {
		m := wire.New(&wire.CancelQuery{Cause: cause}).
			WithQuery(query).
			WithTo(op).
			WithToWorker(w.self)
		if err := w.router.Route(m); err != nil && !errors.Is(err, router.ErrNoRoute) {
			w.errorf("worker: %s: cancel %s: %s", w.self, op, err)
		}
	}
}

// Queries reports how many queries have live local
// instances.
func (w *Worker) Queries() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queries)
}

// Close shuts the worker down: instances are cancelled,
// the mesh is closed, and all runtime goroutines are
// joined.
func (w *Worker) Close() error {
	w.stop()
	err := w.mesh.Close()
	w.wg.Wait()
	return err
}
