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
	"fmt"

	"github.com/alekLukanen/ChapterhouseQE/expr"
	"github.com/alekLukanen/ChapterhouseQE/wire"
)

// NodeKind enumerates physical operator kinds.
type NodeKind uint8

const (
	KindInvalid NodeKind = iota
	KindReadFiles
	KindFilter
	KindProject
	KindMaterialize
	KindExchange
)

func (k NodeKind) String() string {
	switch k {
	case KindReadFiles:
		return "read_files"
	case KindFilter:
		return "filter"
	case KindProject:
		return "project"
	case KindMaterialize:
		return "materialize"
	case KindExchange:
		return "exchange"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Node is one physical operator in the graph. Exactly the
// fields relevant to its Kind are populated; the rest are
// zero.
type Node struct {
	// Name is unique within the graph.
	Name string
	// Kind selects the operator variant.
	Kind NodeKind
	// Parallel is the instance count, always >= 1.
	Parallel int
	// Pred is the filter predicate (KindFilter).
	Pred expr.Node
	// Cols are the projection outputs (KindProject).
	Cols []expr.Named
	// Shards is the file input (KindReadFiles).
	Shards []FileShard
	// Sink is the result destination (KindMaterialize).
	Sink string
	// Key is the partition column of a keyed exchange;
	// empty means round-robin (KindExchange).
	Key string
	// Capacity bounds each per-edge queue of an exchange;
	// zero means the runtime default (KindExchange).
	Capacity int
}

// Instances enumerates the operator identities of this
// node's parallel instances.
func (n *Node) Instances() []wire.OperatorID {
	ids := make([]wire.OperatorID, n.Parallel)
	for i := range ids {
		ids[i] = wire.OperatorID{Node: n.Name, Instance: i}
	}
	return ids
}

// Graph is the physical DAG of one query. Nodes are held
// in topological order; edges run from producer to
// consumer.
type Graph struct {
	Nodes []*Node

	down map[string][]string
	up   map[string][]string
	byname map[string]*Node
}

// Build lowers a validated logical plan into a physical
// graph, inserting an exchange between every pair of
// adjacent stages.
func Build(l *Logical) (*Graph, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	g := &Graph{
		down:   make(map[string][]string),
		up:     make(map[string][]string),
		byname: make(map[string]*Node),
	}
	counts := make(map[StageKind]int)
	var prev string
	for i, s := range l.Stages {
		par := s.Parallel
		if par == 0 {
			par = 1
		}
		n := &Node{
			Name:     fmt.Sprintf("%s_%d", s.Kind, counts[s.Kind]),
			Parallel: par,
			Pred:     s.Pred,
			Cols:     s.Cols,
			Shards:   s.Shards,
			Sink:     s.Sink,
		}
		counts[s.Kind]++
		switch s.Kind {
		case StageReadFiles:
			n.Kind = KindReadFiles
		case StageFilter:
			n.Kind = KindFilter
		case StageProject:
			n.Kind = KindProject
		case StageMaterialize:
			n.Kind = KindMaterialize
		}
		g.add(n)
		if prev != "" {
			g.link(prev, n.Name)
		}
		prev = n.Name
		if i == len(l.Stages)-1 {
			break
		}
		ex := &Node{
			Name:     fmt.Sprintf("exchange_%d", i),
			Kind:     KindExchange,
			Parallel: 1,
			Key:      s.PartitionBy,
		}
		g.add(ex)
		g.link(prev, ex.Name)
		prev = ex.Name
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) add(n *Node) {
	g.Nodes = append(g.Nodes, n)
	g.byname[n.Name] = n
}

func (g *Graph) link(from, to string) {
	g.down[from] = append(g.down[from], to)
	g.up[to] = append(g.up[to], from)
}

// Node returns the node with the given name, or nil.
func (g *Graph) Node(name string) *Node {
	return g.byname[name]
}

// Downstream returns the names of the consumers of name.
func (g *Graph) Downstream(name string) []string {
	return g.down[name]
}

// Upstream returns the names of the producers of name.
func (g *Graph) Upstream(name string) []string {
	return g.up[name]
}

// Exchanges returns the exchange nodes in topological
// order.
func (g *Graph) Exchanges() []*Node {
	var out []*Node
	for _, n := range g.Nodes {
		if n.Kind == KindExchange {
			out = append(out, n)
		}
	}
	return out
}

// Instances enumerates every operator instance in the
// graph in topological node order.
func (g *Graph) Instances() []wire.OperatorID {
	var out []wire.OperatorID
	for _, n := range g.Nodes {
		out = append(out, n.Instances()...)
	}
	return out
}

// UpstreamInstances returns the instances of every
// producer of name.
func (g *Graph) UpstreamInstances(name string) []wire.OperatorID {
	var out []wire.OperatorID
	for _, up := range g.up[name] {
		out = append(out, g.byname[up].Instances()...)
	}
	return out
}

// DownstreamInstances returns the instances of every
// consumer of name.
func (g *Graph) DownstreamInstances(name string) []wire.OperatorID {
	var out []wire.OperatorID
	for _, down := range g.down[name] {
		out = append(out, g.byname[down].Instances()...)
	}
	return out
}

// Validate checks structural invariants: unique names,
// edges that refer to present nodes, fan-in and fan-out
// limited to one for non-exchange nodes, and acyclicity.
func (g *Graph) Validate() error {
	if len(g.Nodes) == 0 {
		return ErrEmptyPlan
	}
	for _, n := range g.Nodes {
		if g.byname[n.Name] != n {
			return fmt.Errorf("%w: duplicate node %q", ErrBadPlan, n.Name)
		}
		if n.Parallel < 1 {
			return fmt.Errorf("%w: node %q has %d instances", ErrBadPlan, n.Name, n.Parallel)
		}
		if n.Kind != KindExchange {
			if len(g.up[n.Name]) > 1 || len(g.down[n.Name]) > 1 {
				return fmt.Errorf("%w: non-exchange node %q has fan-in %d fan-out %d",
					ErrBadPlan, n.Name, len(g.up[n.Name]), len(g.down[n.Name]))
			}
		}
	}
	for from, tos := range g.down {
		if g.byname[from] == nil {
			return fmt.Errorf("%w: edge from unknown node %q", ErrBadPlan, from)
		}
		for _, to := range tos {
			if g.byname[to] == nil {
				return fmt.Errorf("%w: edge to unknown node %q", ErrBadPlan, to)
			}
		}
	}
	// Kahn's algorithm; leftover nodes mean a cycle.
	indeg := make(map[string]int, len(g.Nodes))
	for _, n := range g.Nodes {
		indeg[n.Name] = len(g.up[n.Name])
	}
	var ready []string
	for _, n := range g.Nodes {
		if indeg[n.Name] == 0 {
			ready = append(ready, n.Name)
		}
	}
	seen := 0
	for len(ready) > 0 {
		name := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		seen++
		for _, to := range g.down[name] {
			indeg[to]--
			if indeg[to] == 0 {
				ready = append(ready, to)
			}
		}
	}
	if seen != len(g.Nodes) {
		return ErrCycle
	}
	return nil
}

// ShardsFor deals the shards of a read node among its
// instances round-robin. Instance idx of a node with p
// instances receives shards idx, idx+p, idx+2p, ...
func (n *Node) ShardsFor(idx int) []FileShard {
	var out []FileShard
	for i := idx; i < len(n.Shards); i += n.Parallel {
		out = append(out, n.Shards[i])
	}
	return out
}
