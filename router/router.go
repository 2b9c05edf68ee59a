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

// Package router moves messages between operator
// instances.
//
// Every local operator instance owns a mailbox with two
// lanes: a bounded data lane that may shed batches under
// pressure, and an unbounded control lane that never
// drops. A slow consumer only ever loses its own data
// messages; it cannot stall its siblings or the control
// plane. Messages addressed to instances on other
// workers are forwarded through the connection manager.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alekLukanen/ChapterhouseQE/wire"
)

var (
	// ErrNoRoute is returned when a message cannot be
	// mapped to a worker or a local mailbox.
	ErrNoRoute = errors.New("router: no route for message")
	// ErrMailboxClosed is returned by Next after the
	// mailbox has been deregistered.
	ErrMailboxClosed = errors.New("router: mailbox closed")
)

// ShedPolicy selects which data message is dropped when a
// mailbox's data lane is full.
type ShedPolicy uint8

const (
	// DropNewest discards the arriving message.
	DropNewest ShedPolicy = iota
	// DropOldest discards the oldest queued message to
	// make room for the arriving one.
	DropOldest
)

// DefaultDataDepth is the data lane capacity used when a
// mailbox is registered with depth zero.
const DefaultDataDepth = 64

// shedRing bounds how many shed events are retained for
// inspection; the counter is never bounded.
const shedRing = 128

// ShedEvent records one dropped data message.
type ShedEvent struct {
	Query uuid.UUID
	To    wire.OperatorID
	Seq   uint64
	At    time.Time
}

// Sender forwards a message toward another worker. It is
// implemented by mesh.Manager.
type Sender interface {
	Send(*wire.Message) error
}

// Mailbox is the delivery endpoint of one local operator
// instance.
type Mailbox struct {
	data chan *wire.Message

	mu     sync.Mutex
	ctl    []*wire.Message
	ctlC   chan struct{}
	closed bool
}

func (b *Mailbox) pushControl(m *wire.Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrMailboxClosed
	}
	b.ctl = append(b.ctl, m)
	b.mu.Unlock()
	select {
	case b.ctlC <- struct{}{}:
	default:
	}
	return nil
}

func (b *Mailbox) popControl() *wire.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ctl) == 0 {
		return nil
	}
	m := b.ctl[0]
	b.ctl[0] = nil
	b.ctl = b.ctl[1:]
	return m
}

// Next returns the next message for this instance,
// serving the control lane ahead of the data lane.
func (b *Mailbox) Next(ctx context.Context) (*wire.Message, error) {
	for {
		if m := b.popControl(); m != nil {
			return m, nil
		}
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed {
			// drain remaining data before reporting closed
			select {
			case m := <-b.data:
				return m, nil
			default:
				return nil, ErrMailboxClosed
			}
		}
		select {
		case <-b.ctlC:
		case m := <-b.data:
			return m, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// NextControl returns the next control message, leaving
// the data lane untouched. It is used by operators that
// must not consume input yet, such as producers waiting
// for their outbound exchange.
func (b *Mailbox) NextControl(ctx context.Context) (*wire.Message, error) {
	for {
		if m := b.popControl(); m != nil {
			return m, nil
		}
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return nil, ErrMailboxClosed
		}
		select {
		case <-b.ctlC:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *Mailbox) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	select {
	case b.ctlC <- struct{}{}:
	default:
	}
}

type placeKey struct {
	query uuid.UUID
	op    wire.OperatorID
}

// Router delivers messages to local mailboxes and
// forwards the rest through a Sender.
type Router struct {
	self   wire.WorkerID
	sender Sender
	policy ShedPolicy
	logger *log.Logger

	mu    sync.Mutex
	local map[wire.OperatorID]*Mailbox

	placeMu   sync.Mutex
	placement map[placeKey]wire.WorkerID

	shedMu    sync.Mutex
	shedCount uint64
	sheds     []ShedEvent
}

// Option configures a Router.
type Option func(*Router)

// WithLogger is an option that makes the router log shed
// and routing diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(r *Router) {
		r.logger = l
	}
}

// WithShedPolicy overrides the default DropNewest policy.
func WithShedPolicy(p ShedPolicy) Option {
	return func(r *Router) {
		r.policy = p
	}
}

// New makes a Router for the worker named self that
// forwards non-local traffic through sender.
func New(self wire.WorkerID, sender Sender, opt ...Option) *Router {
	r := &Router{
		self:      self,
		sender:    sender,
		local:     make(map[wire.OperatorID]*Mailbox),
		placement: make(map[placeKey]wire.WorkerID),
	}
	for _, o := range opt {
		o(r)
	}
	return r
}

// Register creates the mailbox for a local operator
// instance. dataDepth bounds the data lane; zero selects
// DefaultDataDepth.
func (r *Router) Register(op wire.OperatorID, dataDepth int) *Mailbox {
	if dataDepth <= 0 {
		dataDepth = DefaultDataDepth
	}
	b := &Mailbox{
		data: make(chan *wire.Message, dataDepth),
		ctlC: make(chan struct{}, 1),
	}
	r.mu.Lock()
	r.local[op] = b
	r.mu.Unlock()
	return b
}

// Deregister removes the mailbox of op. Queued control
// messages remain readable until drained; further
// deliveries fail.
func (r *Router) Deregister(op wire.OperatorID) {
	r.mu.Lock()
	b := r.local[op]
	delete(r.local, op)
	r.mu.Unlock()
	if b != nil {
		b.close()
	}
}

// SetPlacement records where the instances of one query
// live so that messages addressed by operator id alone
// can be forwarded.
func (r *Router) SetPlacement(query uuid.UUID, placement []wire.Placement) {
	r.placeMu.Lock()
	defer r.placeMu.Unlock()
	for _, p := range placement {
		r.placement[placeKey{query: query, op: p.Op}] = p.Worker
	}
}

// DropQuery forgets every placement entry of query.
func (r *Router) DropQuery(query uuid.UUID) {
	r.placeMu.Lock()
	defer r.placeMu.Unlock()
	for k := range r.placement {
		if k.query == query {
			delete(r.placement, k)
		}
	}
}

func (r *Router) lookup(query uuid.UUID, op wire.OperatorID) (wire.WorkerID, bool) {
	r.placeMu.Lock()
	defer r.placeMu.Unlock()
	w, ok := r.placement[placeKey{query: query, op: op}]
	return w, ok
}

// Route delivers msg to its destination. Local data
// messages may be shed when the target mailbox is full;
// control messages are never dropped. Non-local messages
// are handed to the sender.
func (r *Router) Route(msg *wire.Message) error {
	dest := msg.ToWorker
	if dest == "" {
		if msg.To.Zero() {
			return fmt.Errorf("%w: no destination", ErrNoRoute)
		}
		w, ok := r.lookup(msg.Query, msg.To)
		if !ok {
			return fmt.Errorf("%w: %s has no placement", ErrNoRoute, msg.To)
		}
		dest = w
		msg.ToWorker = w
	}
	if dest != r.self {
		return r.sender.Send(msg)
	}
	r.mu.Lock()
	b := r.local[msg.To]
	r.mu.Unlock()
	if b == nil {
		return fmt.Errorf("%w: %s not registered on %s", ErrNoRoute, msg.To, r.self)
	}
	if msg.Body.Kind().Control() {
		return b.pushControl(msg)
	}
	return r.deliverData(b, msg)
}

func (r *Router) deliverData(b *Mailbox, msg *wire.Message) error {
	select {
	case b.data <- msg:
		return nil
	default:
	}
	switch r.policy {
	case DropOldest:
		for {
			select {
			case old := <-b.data:
				r.recordShed(old)
			default:
			}
			select {
			case b.data <- msg:
				return nil
			default:
				// raced with another producer; evict again
			}
		}
	default: // DropNewest
		r.recordShed(msg)
		return nil
	}
}

func (r *Router) recordShed(msg *wire.Message) {
	ev := ShedEvent{Query: msg.Query, To: msg.To, At: time.Now()}
	if d, ok := msg.Body.(*wire.Data); ok {
		ev.Seq = d.Seq
	}
	r.shedMu.Lock()
	r.shedCount++
	if len(r.sheds) >= shedRing {
		copy(r.sheds, r.sheds[1:])
		r.sheds = r.sheds[:shedRing-1]
	}
	r.sheds = append(r.sheds, ev)
	r.shedMu.Unlock()
	if r.logger != nil {
		r.logger.Printf("router: shed data seq=%d for %s", ev.Seq, ev.To)
	}
}

// ShedCount returns the total number of data messages
// dropped since the router was created.
func (r *Router) ShedCount() uint64 {
	r.shedMu.Lock()
	defer r.shedMu.Unlock()
	return r.shedCount
}

// ShedEvents snapshots the most recent shed events.
func (r *Router) ShedEvents() []ShedEvent {
	r.shedMu.Lock()
	defer r.shedMu.Unlock()
	out := make([]ShedEvent, len(r.sheds))
	copy(out, r.sheds)
	return out
}
