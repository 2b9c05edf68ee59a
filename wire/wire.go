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

// Package wire defines the messages that workers exchange
// and the binary envelope they travel in.
//
// Every message is wrapped in an envelope carrying a version,
// a message kind, a unique message id, and optional sent-from
// and route-to identities. Envelopes are framed on the wire
// with a fixed-width big-endian length prefix (see frame.go).
package wire

import (
	"fmt"

	"github.com/google/uuid"
)

// Version is the envelope header version emitted
// by this build. Decoding rejects anything newer.
const Version = 1

// WorkerID identifies a worker process in the mesh.
// It is the worker's stable listen address ("host:port").
type WorkerID string

// OperatorID identifies one parallel instance of a
// logical plan node.
type OperatorID struct {
	// Node is the name of the plan node, unique
	// within one query plan.
	Node string
	// Instance is the index of this parallel copy
	// of the node, starting at zero.
	Instance int
}

// Zero reports whether o is the zero OperatorID.
func (o OperatorID) Zero() bool { return o.Node == "" }

func (o OperatorID) String() string {
	return fmt.Sprintf("%s/%d", o.Node, o.Instance)
}

// Kind enumerates the message variants.
type Kind uint16

const (
	// KindInvalid is the zero Kind; it is never sent.
	KindInvalid Kind = iota
	// KindIdentify is the handshake sent on a fresh peer link.
	KindIdentify
	// KindData carries one columnar batch.
	KindData
	// KindHeartbeat is a liveness signal from a running instance.
	KindHeartbeat
	// KindAssignment instructs a worker to start an operator instance.
	KindAssignment
	// KindCompletion signals that an instance (or an exchange edge)
	// has finished producing.
	KindCompletion
	// KindError escalates a fatal instance error to the coordinator.
	KindError
	// KindOperatorStatus reports an assignment state transition.
	KindOperatorStatus
	// KindAck acknowledges receipt and processing of a Data batch.
	KindAck
	// KindExchangeReady tells a producer that its outbound
	// exchange is running and accepting batches.
	KindExchangeReady
	// KindCancelQuery tears down all local state for a query.
	KindCancelQuery
)

func (k Kind) String() string {
	switch k {
	case KindIdentify:
		return "identify"
	case KindData:
		return "data"
	case KindHeartbeat:
		return "heartbeat"
	case KindAssignment:
		return "assignment"
	case KindCompletion:
		return "completion"
	case KindError:
		return "error"
	case KindOperatorStatus:
		return "operator-status"
	case KindAck:
		return "ack"
	case KindExchangeReady:
		return "exchange-ready"
	case KindCancelQuery:
		return "cancel-query"
	default:
		return fmt.Sprintf("kind(%d)", uint16(k))
	}
}

// Control reports whether messages of this kind travel
// the non-droppable control path. Only Data may be shed
// under load; everything else linearizes coordination
// state and must never be dropped.
func (k Kind) Control() bool { return k != KindData }

// Body is the kind-specific portion of a message.
type Body interface {
	// Kind returns the message kind of this body.
	Kind() Kind
	// append appends the encoded body to dst.
	append(dst []byte) []byte
	// decode decodes the body from src, which holds
	// exactly the encoded body bytes.
	decode(src []byte) error
}

// Message is one unit of communication between operator
// instances, workers, and the query coordinator.
type Message struct {
	// ID is a unique id assigned when the message is built.
	ID uuid.UUID
	// Query is the query this message belongs to, or
	// uuid.Nil for mesh-level traffic (Identify).
	Query uuid.UUID
	// From and FromWorker name the sending instance
	// and its host. Either may be unset.
	From       OperatorID
	FromWorker WorkerID
	// To and ToWorker name the destination. A set ToWorker
	// with an unset To addresses the worker runtime itself
	// (assignments, cancellation). A set To addresses one
	// operator instance.
	To       OperatorID
	ToWorker WorkerID
	// Body is the kind-specific payload.
	Body Body
}

// New builds a message with a fresh id around body.
func New(body Body) *Message {
	return &Message{ID: uuid.New(), Body: body}
}

// Kind returns the kind of the message body, or
// KindInvalid if the body is nil.
func (m *Message) Kind() Kind {
	if m.Body == nil {
		return KindInvalid
	}
	return m.Body.Kind()
}

// WithQuery sets the query id and returns m.
func (m *Message) WithQuery(q uuid.UUID) *Message {
	m.Query = q
	return m
}

// WithFrom sets the sending instance and returns m.
func (m *Message) WithFrom(o OperatorID) *Message {
	m.From = o
	return m
}

// WithFromWorker sets the sending worker and returns m.
func (m *Message) WithFromWorker(w WorkerID) *Message {
	m.FromWorker = w
	return m
}

// WithTo sets the destination instance and returns m.
func (m *Message) WithTo(o OperatorID) *Message {
	m.To = o
	return m
}

// WithToWorker sets the destination worker and returns m.
func (m *Message) WithToWorker(w WorkerID) *Message {
	m.ToWorker = w
	return m
}

// Reply builds a response to m of the given body,
// routed back at the sender.
func (m *Message) Reply(body Body) *Message {
	r := New(body)
	r.Query = m.Query
	r.To = m.From
	r.ToWorker = m.FromWorker
	return r
}
