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

package mesh

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alekLukanen/ChapterhouseQE/wire"
)

func pair(t *testing.T) (*Manager, *Manager) {
	t.Helper()
	a := New("worker-a", wire.Identify{MemoryMiB: 4096, Slots: 4})
	b := New("worker-b", wire.Identify{MemoryMiB: 8192, Slots: 8})
	addr, err := a.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Dial("worker-a", addr); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func recv(t *testing.T, m *Manager) *wire.Message {
	t.Helper()
	select {
	case msg := <-m.Receive():
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestLoopback(t *testing.T) {
	m := New("worker-a", wire.Identify{})
	defer m.Close()
	sent := wire.New(&wire.Heartbeat{At: 1}).WithToWorker("worker-a")
	if err := m.Send(sent); err != nil {
		t.Fatal(err)
	}
	got := recv(t, m)
	if got != sent {
		t.Fatal("loopback delivered a different message")
	}
}

func TestHandshake(t *testing.T) {
	a, b := pair(t)

	// b knows a immediately after Dial returns
	bp := b.Peers()
	if len(bp) != 1 || bp[0].Worker != "worker-a" || bp[0].MemoryMiB != 4096 || bp[0].Slots != 4 {
		t.Fatalf("b peers: %+v", bp)
	}

	// a learns b once the inbound handshake completes
	deadline := time.Now().Add(5 * time.Second)
	for {
		ap := a.Peers()
		if len(ap) == 1 {
			if ap[0].Worker != "worker-b" || ap[0].MemoryMiB != 8192 || ap[0].Slots != 8 {
				t.Fatalf("a peers: %+v", ap)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("a never registered worker-b")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSendOrdering(t *testing.T) {
	a, b := pair(t)
	const count = 500
	for i := 0; i < count; i++ {
		msg := wire.New(&wire.Heartbeat{At: int64(i)}).
			WithFromWorker(b.Self()).
			WithToWorker("worker-a")
		if err := b.Send(msg); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < count; i++ {
		got := recv(t, a)
		hb, ok := got.Body.(*wire.Heartbeat)
		if !ok {
			t.Fatalf("message %d: body %s", i, got.Body.Kind())
		}
		if hb.At != int64(i) {
			t.Fatalf("message %d arrived with At=%d", i, hb.At)
		}
		if got.FromWorker != "worker-b" {
			t.Fatalf("message %d from %q", i, got.FromWorker)
		}
	}
}

func TestBidirectional(t *testing.T) {
	a, b := pair(t)
	if err := b.Send(wire.New(&wire.Completion{Rows: 7}).WithToWorker("worker-a")); err != nil {
		t.Fatal(err)
	}
	got := recv(t, a)
	if c, ok := got.Body.(*wire.Completion); !ok || c.Rows != 7 {
		t.Fatalf("a received %#v", got.Body)
	}
	// reply over the same connection
	if err := a.Send(wire.New(&wire.Completion{Rows: 8}).WithToWorker("worker-b")); err != nil {
		t.Fatal(err)
	}
	got = recv(t, b)
	if c, ok := got.Body.(*wire.Completion); !ok || c.Rows != 8 {
		t.Fatalf("b received %#v", got.Body)
	}
}

func TestUnknownPeer(t *testing.T) {
	m := New("worker-a", wire.Identify{})
	defer m.Close()
	err := m.Send(wire.New(&wire.Heartbeat{}).WithToWorker("worker-z"))
	if !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("got %v, want %v", err, ErrUnknownPeer)
	}
}

func TestPeerDown(t *testing.T) {
	a, b := pair(t)
	b.Close()

	// the failure surfaces on worker-a's next read or
	// write, so poll Send until the peer is marked down
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := a.Send(wire.New(&wire.Heartbeat{}).WithToWorker("worker-b"))
		if errors.Is(err, ErrPeerDown) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("peer never marked down; last err %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := a.PeerErr("worker-b"); err == nil {
		t.Fatal("PeerErr is nil for a down peer")
	}
}

func TestDialIdempotent(t *testing.T) {
	a := New("worker-a", wire.Identify{})
	b := New("worker-b", wire.Identify{})
	defer a.Close()
	defer b.Close()
	addr, err := a.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := b.Dial("worker-a", addr); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(b.Peers()); n != 1 {
		t.Fatalf("got %d peers after repeated dials", n)
	}
}

func TestSimultaneousDial(t *testing.T) {
	a := New("worker-a", wire.Identify{})
	b := New("worker-b", wire.Identify{})
	defer a.Close()
	defer b.Close()
	addrA, err := a.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addrB, err := b.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	// either dial may lose to the connection arriving from
	// the other side and be closed mid-handshake; only the
	// converged state matters
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); a.Dial("worker-b", addrB) }()
	go func() { defer wg.Done(); b.Dial("worker-a", addrA) }()
	wg.Wait()

	// a message queued while the links are still being
	// reconciled can go down with the losing connection,
	// so retry until one crosses in each direction
	ping := func(from, to *Manager, toID wire.WorkerID) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for {
			err := from.Send(wire.New(&wire.Heartbeat{At: 1}).WithToWorker(toID))
			if err == nil {
				select {
				case <-to.Receive():
					return
				case <-time.After(100 * time.Millisecond):
				}
			}
			if time.Now().After(deadline) {
				t.Fatalf("no traffic from %s to %s; last err %v", from.Self(), toID, err)
			}
		}
	}
	ping(a, b, "worker-b")
	ping(b, a, "worker-a")

	// both sides kept exactly one live link
	for _, m := range []*Manager{a, b} {
		ps := m.Peers()
		if len(ps) != 1 || ps[0].Down {
			t.Fatalf("%s peers: %+v", m.Self(), ps)
		}
	}
}

func TestDialWrongWorker(t *testing.T) {
	a := New("worker-a", wire.Identify{})
	b := New("worker-b", wire.Identify{})
	defer a.Close()
	defer b.Close()
	addr, err := a.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Dial("worker-c", addr); err == nil {
		t.Fatal("dial succeeded against a peer with the wrong identity")
	} else if !strings.Contains(err.Error(), "identified as worker-a") {
		t.Fatalf("unexpected error: %v", err)
	}
}
