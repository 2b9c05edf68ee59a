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

package coord

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alekLukanen/ChapterhouseQE/expr"
	"github.com/alekLukanen/ChapterhouseQE/plan"
	"github.com/alekLukanen/ChapterhouseQE/wire"
)

type harness struct {
	t      *testing.T
	c      *Coordinator
	inbox  chan *wire.Message
	sent   chan *wire.Message
	cancel context.CancelFunc
}

func newHarness(t *testing.T, infos []WorkerInfo, opt ...Option) *harness {
	h := &harness{
		t:     t,
		inbox: make(chan *wire.Message, 256),
		sent:  make(chan *wire.Message, 256),
	}
	send := func(m *wire.Message) error {
		h.sent <- m
		return nil
	}
	h.c = New("127.0.0.1:7000", send, func() []WorkerInfo { return infos }, opt...)
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)
	go h.c.Run(ctx, h.inbox)
	return h
}

func twoWorkers() []WorkerInfo {
	return []WorkerInfo{
		{ID: "127.0.0.1:7001", MemoryMiB: 8192, Slots: 6},
		{ID: "127.0.0.1:7002", MemoryMiB: 8192, Slots: 2},
	}
}

func testLogical() *plan.Logical {
	return &plan.Logical{Stages: []plan.Stage{
		{
			Kind:     plan.StageReadFiles,
			Parallel: 2,
			Shards: []plan.FileShard{
				{Path: "part-0.arrow", RowGroup: -1},
				{Path: "part-1.arrow", RowGroup: -1},
			},
		},
		{
			Kind:     plan.StageFilter,
			Parallel: 2,
			Pred:     expr.Compare(expr.OpGt, &expr.Ident{Name: "value2"}, &expr.Float{Value: 10}),
		},
		{Kind: plan.StageMaterialize, Sink: "results/q1"},
	}}
}

// next pulls the next outbound message, failing the test
// after a timeout.
func (h *harness) next() *wire.Message {
	h.t.Helper()
	select {
	case m := <-h.sent:
		return m
	case <-time.After(5 * time.Second):
		h.t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

// drain collects outbound messages until none arrive for
// a settle period.
func (h *harness) drain() []*wire.Message {
	var out []*wire.Message
	for {
		select {
		case m := <-h.sent:
			out = append(out, m)
		case <-time.After(200 * time.Millisecond):
			return out
		}
	}
}

func (h *harness) status(q *Query, op wire.OperatorID, w wire.WorkerID, st wire.OpState, epoch uint32, cause string) {
	h.inbox <- wire.New(&wire.OperatorStatus{
		Subject: op,
		Worker:  w,
		State:   st,
		Epoch:   epoch,
		Cause:   cause,
	}).WithQuery(q.ID()).WithFromWorker(w)
}

// runExchanges replies Running for every exchange
// instance in the given assignments.
func (h *harness) runExchanges(q *Query, assigned []*wire.Message) {
	for _, m := range assigned {
		a := m.Body.(*wire.Assignment)
		h.status(q, a.Op, a.Worker, wire.StateRunning, a.Epoch, "")
	}
}

func assignments(t *testing.T, msgs []*wire.Message) []*wire.Assignment {
	t.Helper()
	var out []*wire.Assignment
	for _, m := range msgs {
		a, ok := m.Body.(*wire.Assignment)
		if !ok {
			t.Fatalf("unexpected outbound %s", m.Kind())
		}
		out = append(out, a)
	}
	return out
}

func TestExchangeFirstGating(t *testing.T) {
	h := newHarness(t, twoWorkers())
	q, err := h.c.Submit(testLogical())
	if err != nil {
		t.Fatal(err)
	}
	first := h.drain()
	got := assignments(t, first)
	// phase one: only the two exchanges
	if len(got) != 2 {
		t.Fatalf("got %d initial assignments, want 2", len(got))
	}
	for _, a := range got {
		if !strings.HasPrefix(a.Op.Node, "exchange_") {
			t.Fatalf("%s assigned before its exchanges are running", a.Op)
		}
		node, err := plan.DecodeNode(a.Spec)
		if err != nil {
			t.Fatalf("decode spec of %s: %s", a.Op, err)
		}
		if node.Kind != plan.KindExchange {
			t.Fatalf("spec of %s decodes as %s", a.Op, node.Kind)
		}
		if len(a.Placement) != 7 {
			t.Fatalf("placement has %d entries, want 7", len(a.Placement))
		}
	}
	byName := map[string]*wire.Assignment{}
	for _, a := range got {
		byName[a.Op.Node] = a
	}
	// exchange_0 running releases read_files, whose only
	// adjacent exchange it is; the filters and materialize
	// stay gated on exchange_1
	a0 := byName["exchange_0"]
	h.status(q, a0.Op, a0.Worker, wire.StateRunning, 0, "")
	second := assignments(t, h.drain())
	if len(second) != 2 {
		t.Fatalf("got %d assignments after exchange_0 ran, want 2", len(second))
	}
	for _, a := range second {
		if a.Op.Node != "read_files_0" {
			t.Fatalf("%s released while exchange_1 is pending", a.Op)
		}
	}
	a1 := byName["exchange_1"]
	h.status(q, a1.Op, a1.Worker, wire.StateRunning, 0, "")
	third := assignments(t, h.drain())
	if len(third) != 3 {
		t.Fatalf("got %d assignments after exchange_1 ran, want 3", len(third))
	}
	for _, a := range third {
		if strings.HasPrefix(a.Op.Node, "exchange_") || strings.HasPrefix(a.Op.Node, "read_files") {
			t.Fatalf("%s assigned twice", a.Op)
		}
	}
	// read_files_0 feeds exchange_0 and nothing feeds it
	for _, a := range second {
		if a.Op.Node != "read_files_0" {
			continue
		}
		if len(a.Upstream) != 0 {
			t.Fatalf("read_files upstream = %v", a.Upstream)
		}
		if len(a.Downstream) != 1 || a.Downstream[0].Node != "exchange_0" {
			t.Fatalf("read_files downstream = %v", a.Downstream)
		}
	}
}

func TestWeightedPlacement(t *testing.T) {
	h := newHarness(t, twoWorkers())
	_, err := h.c.Submit(testLogical())
	if err != nil {
		t.Fatal(err)
	}
	got := assignments(t, h.drain())
	if len(got) == 0 {
		t.Fatal("no assignments")
	}
	perWorker := map[wire.WorkerID]int{}
	for _, p := range got[0].Placement {
		perWorker[p.Worker]++
	}
	// slots are 6 and 2 for 7 instances: the heavier
	// worker takes at least its slot count
	if perWorker["127.0.0.1:7001"] < 5 {
		t.Fatalf("placement %v not weighted towards the larger worker", perWorker)
	}
	if perWorker["127.0.0.1:7002"] == 0 {
		t.Fatalf("placement %v starves the smaller worker", perWorker)
	}
}

func TestCompletion(t *testing.T) {
	h := newHarness(t, twoWorkers())
	q, err := h.c.Submit(testLogical())
	if err != nil {
		t.Fatal(err)
	}
	exch := h.drain()
	h.runExchanges(q, exch)
	rest := h.drain()
	all := assignments(t, append(exch, rest...))
	for _, a := range all {
		h.status(q, a.Op, a.Worker, wire.StateRunning, a.Epoch, "")
	}
	h.inbox <- wire.New(&wire.Completion{Rows: 6}).
		WithQuery(q.ID()).
		WithFrom(wire.OperatorID{Node: "materialize_0"})
	for _, a := range all {
		h.status(q, a.Op, a.Worker, wire.StateCompleted, a.Epoch, "")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("wait: %s", err)
	}
	if q.Rows() != 6 {
		t.Fatalf("rows = %d, want 6", q.Rows())
	}
	if n := h.c.queryCount(); n != 0 {
		t.Fatalf("%d queries still tracked", n)
	}
}

func TestFailFast(t *testing.T) {
	h := newHarness(t, twoWorkers())
	q, err := h.c.Submit(testLogical())
	if err != nil {
		t.Fatal(err)
	}
	exch := assignments(t, h.drain())
	h.status(q, exch[0].Op, exch[0].Worker, wire.StateFailed, 0, "disk on fire")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = q.Wait(ctx)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("wait: %v, want ErrAborted", err)
	}
	if !strings.Contains(err.Error(), "disk on fire") {
		t.Fatalf("cause missing from %q", err)
	}
	cancels := map[wire.WorkerID]bool{}
	for _, m := range h.drain() {
		cq, ok := m.Body.(*wire.CancelQuery)
		if !ok {
			t.Fatalf("unexpected outbound %s after abort", m.Kind())
		}
		if !strings.Contains(cq.Cause, "disk on fire") {
			t.Fatalf("cancel cause = %q", cq.Cause)
		}
		cancels[m.ToWorker] = true
	}
	if !cancels["127.0.0.1:7001"] || !cancels["127.0.0.1:7002"] {
		t.Fatalf("cancel not broadcast to all workers: %v", cancels)
	}
}

func TestReplacement(t *testing.T) {
	h := newHarness(t, twoWorkers(), WithReplacementBound(1))
	q, err := h.c.Submit(testLogical())
	if err != nil {
		t.Fatal(err)
	}
	exch := h.drain()
	h.runExchanges(q, exch)
	rest := assignments(t, h.drain())
	var lost *wire.Assignment
	for _, a := range rest {
		if a.Op.Node == "filter_0" {
			lost = a
		}
	}
	h.status(q, lost.Op, lost.Worker, wire.StateRunning, 0, "")
	h.status(q, lost.Op, lost.Worker, wire.StateLost, 0, "heartbeat deadline exceeded")
	repl := assignments(t, []*wire.Message{h.next()})
	if repl[0].Op != lost.Op {
		t.Fatalf("replacement op = %s, want %s", repl[0].Op, lost.Op)
	}
	if repl[0].Epoch != 1 {
		t.Fatalf("replacement epoch = %d, want 1", repl[0].Epoch)
	}
	// a stale report about the replaced epoch is ignored
	h.status(q, lost.Op, lost.Worker, wire.StateLost, 0, "heartbeat deadline exceeded")
	if extra := h.drain(); len(extra) != 0 {
		t.Fatalf("stale lost report produced %d messages", len(extra))
	}
	// losing the replacement exhausts the bound
	h.status(q, repl[0].Op, repl[0].Worker, wire.StateLost, 1, "heartbeat deadline exceeded")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = q.Wait(ctx)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("wait: %v, want ErrAborted", err)
	}
	if !strings.Contains(err.Error(), "replacement bound") {
		t.Fatalf("cause missing from %q", err)
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t, twoWorkers())
	q, err := h.c.Submit(testLogical())
	if err != nil {
		t.Fatal(err)
	}
	h.drain()
	q.Cancel("user gave up")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = q.Wait(ctx)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("wait: %v, want ErrCancelled", err)
	}
	var sawCancel bool
	for _, m := range h.drain() {
		if cq, ok := m.Body.(*wire.CancelQuery); ok {
			sawCancel = true
			if cq.Cause != "user gave up" {
				t.Fatalf("cause = %q", cq.Cause)
			}
		}
	}
	if !sawCancel {
		t.Fatal("no CancelQuery broadcast")
	}
	// cancelling twice is a no-op
	q.Cancel("again")
}

func TestNoWorkers(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.c.Submit(testLogical())
	if !errors.Is(err, ErrNoWorkers) {
		t.Fatalf("submit: %v, want ErrNoWorkers", err)
	}
}

func TestBadPlan(t *testing.T) {
	h := newHarness(t, twoWorkers())
	_, err := h.c.Submit(&plan.Logical{})
	if err == nil {
		t.Fatal("empty plan accepted")
	}
}
