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

// Package ops implements the operator instances that
// execute query plan nodes.
//
// Every instance runs as one goroutine driving a poll
// loop over its mailbox. Producers (read_files, filter,
// project) wait for their outbound exchange to announce
// readiness before emitting, keep a bounded window of
// unacknowledged batches, and finish with a Completion
// toward the exchange. Consumers acknowledge every batch
// and deduplicate redeliveries. The exchange itself is in
// exchange.go.
package ops

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"

	"github.com/alekLukanen/ChapterhouseQE/plan"
	"github.com/alekLukanen/ChapterhouseQE/router"
	"github.com/alekLukanen/ChapterhouseQE/wire"
)

var (
	// ErrCancelled is returned by Run when the query was
	// cancelled, either by message or by context.
	ErrCancelled = errors.New("ops: query cancelled")
	// ErrBadAssignment is returned when an assignment
	// names a node kind the runtime cannot build or is
	// missing an edge the operator needs.
	ErrBadAssignment = errors.New("ops: bad assignment")
)

// State is the local lifecycle of one instance. It is
// deliberately finer-grained than the coordinator's view:
// the coordinator only sees Running, Completed and
// Failed.
type State uint8

const (
	Created State = iota
	WaitingForAssignment
	WaitingForExchange
	RunningIdle
	RunningProcessing
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case WaitingForAssignment:
		return "waiting-for-assignment"
	case WaitingForExchange:
		return "waiting-for-exchange"
	case RunningIdle:
		return "running-idle"
	case RunningProcessing:
		return "running-processing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

const (
	// producerWindow bounds how many emitted batches may
	// be awaiting acknowledgement. It must not exceed the
	// exchange's data lane depth or batches could be shed
	// on the floor between producer and exchange.
	producerWindow = 16

	// DefaultHeartbeat is the liveness announcement
	// period toward adjacent exchanges.
	DefaultHeartbeat = 500 * time.Millisecond
)

// MailboxDepth returns the data lane depth the runtime
// should register for an instance of the given node kind.
// An exchange's mailbox must absorb the full unacked
// window of every producer feeding it: producers have no
// retransmit path, so a shed batch on that edge would
// stall the query.
func MailboxDepth(kind plan.NodeKind, producers int) int {
	if kind != plan.KindExchange {
		return 0
	}
	n := producerWindow * producers
	if n < router.DefaultDataDepth {
		n = router.DefaultDataDepth
	}
	return n
}

// Env is everything the runtime hands an instance before
// starting it.
type Env struct {
	Query       uuid.UUID
	Self        wire.OperatorID
	Worker      wire.WorkerID
	Coordinator wire.WorkerID
	Epoch       uint32
	Node        *plan.Node
	Upstream    []wire.OperatorID
	Downstream  []wire.OperatorID
	Placement   []wire.Placement
	Mailbox     *router.Mailbox
	Route       func(*wire.Message) error
	Alloc       memory.Allocator
	Logger      *log.Logger
	Scanner     FileScanner
	Writer      ResultWriter
	Heartbeat   time.Duration
	// Deadline is how long an exchange tolerates silence
	// from an adjacent instance before declaring it lost;
	// zero selects four heartbeat periods.
	Deadline    time.Duration
	Compression uint8
}

func (e *Env) errorf(msg string, args ...interface{}) {
	if e.Logger != nil {
		e.Logger.Printf(msg, args...)
	}
}

func (e *Env) heartbeatEvery() time.Duration {
	if e.Heartbeat <= 0 {
		return DefaultHeartbeat
	}
	return e.Heartbeat
}

func (e *Env) peerDeadline() time.Duration {
	if e.Deadline <= 0 {
		return 4 * e.heartbeatEvery()
	}
	return e.Deadline
}

// Operator is one executable plan node instance.
type Operator interface {
	// Run drives the instance to completion. It returns
	// nil when the node's work is done, ErrCancelled on
	// cancellation, and any other error on failure.
	Run(ctx context.Context, env *Env) error
}

// Build constructs the operator for the node in env.
func Build(node *plan.Node) (Operator, error) {
	switch node.Kind {
	case plan.KindReadFiles:
		return &ReadFiles{}, nil
	case plan.KindFilter:
		return &Filter{}, nil
	case plan.KindProject:
		return &Project{}, nil
	case plan.KindMaterialize:
		return &Materialize{}, nil
	case plan.KindExchange:
		return &Exchange{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown node kind %s", ErrBadAssignment, node.Kind)
	}
}

// Instance couples an operator with status reporting.
type Instance struct {
	env   *Env
	op    Operator
	state atomic.Uint32
	done  chan struct{}
	err   error
}

// NewInstance builds the operator for env.Node and wraps
// it for execution.
func NewInstance(env *Env) (*Instance, error) {
	op, err := Build(env.Node)
	if err != nil {
		return nil, err
	}
	in := &Instance{env: env, op: op, done: make(chan struct{})}
	in.state.Store(uint32(Created))
	return in, nil
}

// State reports the instance's lifecycle state.
func (in *Instance) State() State { return State(in.state.Load()) }

// Err returns the terminal error after Done is closed.
func (in *Instance) Err() error { return in.err }

// Done is closed when the instance goroutine has exited.
func (in *Instance) Done() <-chan struct{} { return in.done }

func (in *Instance) setState(s State) { in.state.Store(uint32(s)) }

// Start launches the instance goroutine. The instance
// reports Running to the coordinator immediately and
// Completed or Failed when it exits.
func (in *Instance) Start(ctx context.Context) {
	go func() {
		defer close(in.done)
		env := in.env
		in.setState(RunningIdle)
		in.report(wire.StateRunning, "")
		err := in.op.Run(&instanceCtx{Context: ctx, in: in}, env)
		if err != nil {
			in.err = err
			in.setState(Failed)
			env.errorf("ops: %s %s failed: %s", env.Query, env.Self, err)
			if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
				// cancellation is not failure; the
				// coordinator initiated it and tracks it
				return
			}
			in.report(wire.StateFailed, err.Error())
			return
		}
		in.setState(Completed)
		in.report(wire.StateCompleted, "")
	}()
}

// instanceCtx lets operators flip between idle and
// processing without threading the instance through
// every call.
type instanceCtx struct {
	context.Context
	in *Instance
}

func markProcessing(ctx context.Context) {
	if ic, ok := ctx.(*instanceCtx); ok {
		ic.in.setState(RunningProcessing)
	}
}

func markIdle(ctx context.Context) {
	if ic, ok := ctx.(*instanceCtx); ok {
		ic.in.setState(RunningIdle)
	}
}

func markWaitingExchange(ctx context.Context) {
	if ic, ok := ctx.(*instanceCtx); ok {
		ic.in.setState(WaitingForExchange)
	}
}

// report sends an OperatorStatus about this instance to
// the coordinator.
func (in *Instance) report(state wire.OpState, cause string) {
	env := in.env
	msg := wire.New(&wire.OperatorStatus{
		Subject: env.Self,
		Worker:  env.Worker,
		State:   state,
		Epoch:   env.Epoch,
		Cause:   cause,
	}).WithQuery(env.Query).
		WithFrom(env.Self).
		WithFromWorker(env.Worker).
		WithToWorker(env.Coordinator)
	if err := env.Route(msg); err != nil {
		env.errorf("ops: %s %s: status report: %s", env.Query, env.Self, err)
	}
}

// heartbeatLoop announces liveness to the given peers
// until ctx is cancelled. Producers point it at their
// outbound exchange, consumers at their inbound one.
func heartbeatLoop(ctx context.Context, env *Env, peers []wire.OperatorID) {
	tick := time.NewTicker(env.heartbeatEvery())
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			for _, p := range peers {
				msg := wire.New(&wire.Heartbeat{
					At:    time.Now().UnixNano(),
					Epoch: env.Epoch,
				}).WithQuery(env.Query).
					WithFrom(env.Self).
					WithFromWorker(env.Worker).
					WithTo(p)
				if err := env.Route(msg); err != nil {
					env.errorf("ops: %s %s: heartbeat to %s: %s", env.Query, env.Self, p, err)
				}
			}
		}
	}
}

// emitter tracks the acknowledgement window of one
// producer toward its outbound exchange.
type emitter struct {
	env     *Env
	target  wire.OperatorID
	nextSeq uint64
	unacked map[uint64]struct{}
	// stash holds control messages picked up while
	// waiting on the window that belong to the operator's
	// main loop, such as an upstream Completion.
	stash []*wire.Message
}

// newEmitter picks the outbound exchange instance for
// this producer. Sibling producers spread across the
// exchange's instances.
func newEmitter(env *Env) (*emitter, error) {
	if len(env.Downstream) == 0 {
		return nil, fmt.Errorf("%w: producer %s has no downstream exchange", ErrBadAssignment, env.Self)
	}
	target := env.Downstream[env.Self.Instance%len(env.Downstream)]
	return &emitter{
		env:     env,
		target:  target,
		nextSeq: 1,
		unacked: make(map[uint64]struct{}),
	}, nil
}

// waitReady blocks until the outbound exchange announces
// ExchangeReady. Only control traffic is consumed while
// gated, so queued input stays put.
func (e *emitter) waitReady(ctx context.Context) error {
	markWaitingExchange(ctx)
	defer markIdle(ctx)
	for {
		msg, err := e.env.Mailbox.NextControl(ctx)
		if err != nil {
			return err
		}
		switch body := msg.Body.(type) {
		case *wire.ExchangeReady:
			if body.Exchange == e.target {
				return nil
			}
		case *wire.CancelQuery:
			return fmt.Errorf("%w: %s", ErrCancelled, body.Cause)
		case *wire.Heartbeat:
			// liveness noise; drop
		default:
			e.stash = append(e.stash, msg)
		}
	}
}

// next returns the operator's next message, serving the
// stash first and absorbing acknowledgements in-line.
func (e *emitter) next(ctx context.Context) (*wire.Message, error) {
	for {
		if len(e.stash) > 0 {
			m := e.stash[0]
			e.stash = e.stash[1:]
			return m, nil
		}
		m, err := e.env.Mailbox.Next(ctx)
		if err != nil {
			return nil, err
		}
		switch m.Body.(type) {
		case *wire.Ack, *wire.CancelQuery:
			if err := e.control(m); err != nil {
				return nil, err
			}
		default:
			return m, nil
		}
	}
}

// send emits one data message and records it in the
// window. When the window is full it first waits for
// acknowledgements, consuming only control traffic.
func (e *emitter) send(ctx context.Context, d *wire.Data) error {
	for len(e.unacked) >= producerWindow {
		if err := e.waitControl(ctx); err != nil {
			return err
		}
	}
	d.Seq = e.nextSeq
	d.Epoch = e.env.Epoch
	e.nextSeq++
	e.unacked[d.Seq] = struct{}{}
	msg := wire.New(d).
		WithQuery(e.env.Query).
		WithFrom(e.env.Self).
		WithFromWorker(e.env.Worker).
		WithTo(e.target)
	return e.env.Route(msg)
}

// waitControl blocks for one control message and applies
// it, stashing anything that is not window-relevant.
func (e *emitter) waitControl(ctx context.Context) error {
	msg, err := e.env.Mailbox.NextControl(ctx)
	if err != nil {
		return err
	}
	switch msg.Body.(type) {
	case *wire.Ack, *wire.CancelQuery:
		return e.control(msg)
	case *wire.Heartbeat:
		return nil
	default:
		e.stash = append(e.stash, msg)
		return nil
	}
}

// control applies one control message to the window.
// Operators route acks and cancellation through here from
// their main loops as well.
func (e *emitter) control(msg *wire.Message) error {
	switch body := msg.Body.(type) {
	case *wire.Ack:
		if body.Epoch == e.env.Epoch {
			delete(e.unacked, body.Seq)
		}
	case *wire.CancelQuery:
		return fmt.Errorf("%w: %s", ErrCancelled, body.Cause)
	}
	return nil
}

// finish waits for the window to drain, then tells the
// exchange this producer is done.
func (e *emitter) finish(ctx context.Context, rows int64) error {
	for len(e.unacked) > 0 {
		if err := e.waitControl(ctx); err != nil {
			return err
		}
	}
	msg := wire.New(&wire.Completion{Rows: rows}).
		WithQuery(e.env.Query).
		WithFrom(e.env.Self).
		WithFromWorker(e.env.Worker).
		WithTo(e.target)
	return e.env.Route(msg)
}
