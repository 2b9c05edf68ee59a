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
	"bytes"
	"io"
	"reflect"
	"testing"

	"github.com/google/uuid"
)

func testMessages() []*Message {
	qid := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	var digest [32]byte
	for i := range digest {
		digest[i] = byte(i)
	}
	return []*Message{
		New(&Identify{Worker: "10.0.0.1:8765", MemoryMiB: 4096, Slots: 8}),
		New(&Data{
			Seq:         42,
			Epoch:       1,
			Rows:        100,
			Digest:      digest,
			Compression: CompressZstd,
			Payload:     []byte("not really arrow"),
		}).WithQuery(qid).
			WithFrom(OperatorID{Node: "read_files", Instance: 2}).
			WithTo(OperatorID{Node: "exchange_0"}),
		New(&Heartbeat{At: 1700000000000000000, Epoch: 3}).
			WithQuery(qid).
			WithFrom(OperatorID{Node: "filter", Instance: 1}),
		New(&Assignment{
			Op:     OperatorID{Node: "filter", Instance: 1},
			Worker: "10.0.0.2:8765",
			Epoch:  2,
			Spec:   []byte{0x01, 0x02, 0x03},
			Upstream: []OperatorID{
				{Node: "exchange_0"},
			},
			Downstream: []OperatorID{
				{Node: "exchange_1"},
			},
			Placement: []Placement{
				{Op: OperatorID{Node: "exchange_0"}, Worker: "10.0.0.1:8765"},
				{Op: OperatorID{Node: "exchange_1"}, Worker: "10.0.0.3:8765"},
			},
		}).WithQuery(qid).WithToWorker("10.0.0.2:8765"),
		New(&Completion{Rows: 12345}).
			WithQuery(qid).
			WithFrom(OperatorID{Node: "materialize"}),
		New(&Error{Cause: "filter: divide by zero"}).
			WithQuery(qid).
			WithFrom(OperatorID{Node: "filter", Instance: 1}),
		New(&OperatorStatus{
			Subject: OperatorID{Node: "read_files", Instance: 0},
			Worker:  "10.0.0.1:8765",
			State:   StateLost,
			Epoch:   1,
			Cause:   "heartbeat deadline exceeded",
		}).WithQuery(qid),
		New(&Ack{Seq: 9, Epoch: 1}).
			WithQuery(qid).
			WithFrom(OperatorID{Node: "materialize"}).
			WithTo(OperatorID{Node: "exchange_1"}),
		New(&ExchangeReady{
			Exchange: OperatorID{Node: "exchange_0"},
			Worker:   "10.0.0.1:8765",
		}).WithQuery(qid),
		New(&CancelQuery{Cause: "cancelled by caller"}).WithQuery(qid),
	}
}

func TestRoundTrip(t *testing.T) {
	for _, want := range testMessages() {
		t.Run(want.Kind().String(), func(t *testing.T) {
			buf := want.Append(nil)
			got, err := Decode(buf)
			if err != nil {
				t.Fatalf("decode: %s", err)
			}
			if !reflect.DeepEqual(want, got) {
				t.Errorf("want %+v", want)
				t.Errorf("got  %+v", got)
			}
		})
	}
}

func TestFrameRoundTrip(t *testing.T) {
	msgs := testMessages()
	var buf bytes.Buffer
	for _, m := range msgs {
		if err := WriteFrame(&buf, m); err != nil {
			t.Fatalf("write: %s", err)
		}
	}
	for i := range msgs {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("frame %d: %s", i, err)
		}
		if !reflect.DeepEqual(msgs[i], got) {
			t.Errorf("frame %d: want %+v, got %+v", i, msgs[i], got)
		}
	}
	if _, err := ReadFrame(&buf); err != io.EOF {
		t.Errorf("expected io.EOF at stream end, got %v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	for _, m := range testMessages() {
		buf := m.Append(nil)
		// every proper prefix should fail cleanly
		for n := 0; n < len(buf); n += 7 {
			if _, err := Decode(buf[:n]); err == nil {
				t.Fatalf("%s: decode of %d/%d bytes succeeded", m.Kind(), n, len(buf))
			}
		}
	}
}

func TestDecodeBadVersion(t *testing.T) {
	buf := New(&Heartbeat{At: 1}).Append(nil)
	buf[0], buf[1] = 0xff, 0xff
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected version error")
	}
}

func TestPartialFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, New(&Heartbeat{At: 1})); err != nil {
		t.Fatal(err)
	}
	trunc := buf.Bytes()[:buf.Len()-2]
	if _, err := ReadFrame(bytes.NewReader(trunc)); err != io.ErrUnexpectedEOF {
		t.Errorf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestStateTransitions(t *testing.T) {
	cases := []struct {
		from, to OpState
		ok       bool
	}{
		{StateUnassigned, StateDependenciesPending, true},
		{StateUnassigned, StateAssigned, true},
		{StateDependenciesPending, StateAssigned, true},
		{StateAssigned, StateRunning, true},
		{StateRunning, StateCompleted, true},
		{StateRunning, StateFailed, true},
		{StateRunning, StateLost, true},
		{StateLost, StateAssigned, true},
		{StateLost, StateFailed, true},
		// no regressions
		{StateRunning, StateAssigned, false},
		{StateAssigned, StateUnassigned, false},
		{StateCompleted, StateRunning, false},
		{StateCompleted, StateFailed, false},
		{StateFailed, StateRunning, false},
		{StateLost, StateRunning, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.ok {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestControlKinds(t *testing.T) {
	for _, m := range testMessages() {
		want := m.Kind() != KindData
		if m.Kind().Control() != want {
			t.Errorf("%s: Control() = %v", m.Kind(), !want)
		}
	}
}
