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

package plan

import (
	"errors"
	"reflect"
	"testing"

	"github.com/alekLukanen/ChapterhouseQE/expr"
	"github.com/alekLukanen/ChapterhouseQE/wire"
)

func testLogical() *Logical {
	return &Logical{Stages: []Stage{
		{Kind: StageReadFiles, Parallel: 2, Shards: []FileShard{
			{Path: "data/part-0.arrow", RowGroup: -1},
			{Path: "data/part-1.arrow", RowGroup: -1},
			{Path: "data/part-2.arrow", RowGroup: -1},
		}},
		{Kind: StageFilter, Parallel: 3, Pred: expr.Compare(expr.OpGt, &expr.Ident{Name: "value2"}, &expr.Float{Value: 10})},
		{Kind: StageProject, Cols: []expr.Named{{Name: "id", Expr: &expr.Ident{Name: "id"}}}},
		{Kind: StageMaterialize, Sink: "out/results"},
	}}
}

func TestBuild(t *testing.T) {
	g, err := Build(testLogical())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"read_files_0", "exchange_0",
		"filter_0", "exchange_1",
		"project_0", "exchange_2",
		"materialize_0",
	}
	var got []string
	for _, n := range g.Nodes {
		got = append(got, n.Name)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("nodes %v, want %v", got, want)
	}
	if up := g.Upstream("filter_0"); !reflect.DeepEqual(up, []string{"exchange_0"}) {
		t.Errorf("upstream of filter_0: %v", up)
	}
	if down := g.Downstream("exchange_1"); !reflect.DeepEqual(down, []string{"project_0"}) {
		t.Errorf("downstream of exchange_1: %v", down)
	}
	if n := len(g.Exchanges()); n != 3 {
		t.Errorf("got %d exchanges, want 3", n)
	}
	if n := len(g.Instances()); n != 2+1+3+1+1+1+1 {
		t.Errorf("got %d instances, want 10", n)
	}
}

func TestBuildRejects(t *testing.T) {
	cases := []struct {
		name   string
		stages []Stage
		want   error
	}{
		{"empty", nil, ErrEmptyPlan},
		{"no-read", []Stage{
			{Kind: StageFilter, Pred: &expr.Bool{Value: true}},
			{Kind: StageMaterialize},
		}, ErrBadPlan},
		{"no-materialize", []Stage{
			{Kind: StageReadFiles, Shards: []FileShard{{Path: "a"}}},
			{Kind: StageFilter, Pred: &expr.Bool{Value: true}},
		}, ErrBadPlan},
		{"filter-without-pred", []Stage{
			{Kind: StageReadFiles, Shards: []FileShard{{Path: "a"}}},
			{Kind: StageFilter},
			{Kind: StageMaterialize},
		}, ErrBadPlan},
		{"read-without-shards", []Stage{
			{Kind: StageReadFiles},
			{Kind: StageMaterialize},
		}, ErrBadPlan},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Build(&Logical{Stages: tc.stages})
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestValidateCycle(t *testing.T) {
	g := &Graph{
		down:   make(map[string][]string),
		up:     make(map[string][]string),
		byname: make(map[string]*Node),
	}
	g.add(&Node{Name: "exchange_0", Kind: KindExchange, Parallel: 1})
	g.add(&Node{Name: "exchange_1", Kind: KindExchange, Parallel: 1})
	g.link("exchange_0", "exchange_1")
	g.link("exchange_1", "exchange_0")
	if err := g.Validate(); !errors.Is(err, ErrCycle) {
		t.Fatalf("got %v, want %v", err, ErrCycle)
	}
}

func TestValidateFanout(t *testing.T) {
	g := &Graph{
		down:   make(map[string][]string),
		up:     make(map[string][]string),
		byname: make(map[string]*Node),
	}
	g.add(&Node{Name: "filter_0", Kind: KindFilter, Parallel: 1, Pred: &expr.Bool{Value: true}})
	g.add(&Node{Name: "exchange_0", Kind: KindExchange, Parallel: 1})
	g.add(&Node{Name: "exchange_1", Kind: KindExchange, Parallel: 1})
	g.link("filter_0", "exchange_0")
	g.link("filter_0", "exchange_1")
	if err := g.Validate(); !errors.Is(err, ErrBadPlan) {
		t.Fatalf("got %v, want %v", err, ErrBadPlan)
	}
}

func TestShardsFor(t *testing.T) {
	n := &Node{
		Kind:     KindReadFiles,
		Parallel: 2,
		Shards: []FileShard{
			{Path: "a", RowGroup: -1},
			{Path: "b", RowGroup: -1},
			{Path: "c", RowGroup: -1},
		},
	}
	if got := n.ShardsFor(0); len(got) != 2 || got[0].Path != "a" || got[1].Path != "c" {
		t.Errorf("instance 0 shards: %v", got)
	}
	if got := n.ShardsFor(1); len(got) != 1 || got[0].Path != "b" {
		t.Errorf("instance 1 shards: %v", got)
	}
}

func TestNodeCodec(t *testing.T) {
	g, err := Build(testLogical())
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range g.Nodes {
		raw := EncodeNode(n)
		got, err := DecodeNode(raw)
		if err != nil {
			t.Fatalf("%s: %v", n.Name, err)
		}
		if got.Name != n.Name || got.Kind != n.Kind || got.Parallel != n.Parallel {
			t.Errorf("%s: header mismatch: %+v", n.Name, got)
		}
		switch n.Kind {
		case KindReadFiles:
			if !reflect.DeepEqual(got.Shards, n.Shards) {
				t.Errorf("%s: shards %v, want %v", n.Name, got.Shards, n.Shards)
			}
		case KindFilter:
			if !reflect.DeepEqual(got.Pred, n.Pred) {
				t.Errorf("%s: pred mismatch", n.Name)
			}
		case KindProject:
			if !reflect.DeepEqual(got.Cols, n.Cols) {
				t.Errorf("%s: cols mismatch", n.Name)
			}
		case KindMaterialize:
			if got.Sink != n.Sink {
				t.Errorf("%s: sink %q, want %q", n.Name, got.Sink, n.Sink)
			}
		case KindExchange:
			if got.Key != n.Key || got.Capacity != n.Capacity {
				t.Errorf("%s: key %q capacity %d", n.Name, got.Key, got.Capacity)
			}
		}
	}
}

func TestNodeCodecTruncated(t *testing.T) {
	n := &Node{Name: "filter_0", Kind: KindFilter, Parallel: 2,
		Pred: expr.Compare(expr.OpEq, &expr.Ident{Name: "id"}, &expr.Integer{Value: 7})}
	raw := EncodeNode(n)
	for i := 0; i < len(raw); i += 3 {
		if _, err := DecodeNode(raw[:i]); err == nil {
			t.Fatalf("prefix of %d bytes decoded without error", i)
		}
	}
}

func TestInstances(t *testing.T) {
	n := &Node{Name: "filter_0", Kind: KindFilter, Parallel: 3}
	ids := n.Instances()
	want := []wire.OperatorID{
		{Node: "filter_0", Instance: 0},
		{Node: "filter_0", Instance: 1},
		{Node: "filter_0", Instance: 2},
	}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("instances %v, want %v", ids, want)
	}
}
