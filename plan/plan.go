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

// Package plan turns the logical plan supplied by the
// planning collaborator into the physical DAG that the
// query coordinator schedules.
//
// A logical plan is an ordered pipeline of stages
// (ReadFiles, then any number of Filter/Project stages,
// then Materialize). The physical graph inserts an
// Exchange node between every pair of adjacent stages so
// that the parallelism of one stage never constrains its
// neighbor. Only Exchange nodes may have fan-in or
// fan-out greater than one. The graph is built once at
// query submission and never mutated afterwards.
package plan

import (
	"errors"
	"fmt"

	"github.com/alekLukanen/ChapterhouseQE/expr"
)

var (
	// ErrEmptyPlan is returned for a logical plan with no
	// stages.
	ErrEmptyPlan = errors.New("plan: empty logical plan")
	// ErrBadPlan is returned for an unresolvable logical
	// plan (wrong stage order, missing fields). It
	// surfaces at submission, before any assignment is
	// sent.
	ErrBadPlan = errors.New("plan: invalid logical plan")
	// ErrCycle is returned when a physical graph is not
	// acyclic.
	ErrCycle = errors.New("plan: graph contains a cycle")
)

// FileShard is one unit of file input, resolved by the
// globbing collaborator. The core never matches paths
// itself.
type FileShard struct {
	// Path is the resolved file path.
	Path string
	// RowGroup selects one row group within the file, or
	// -1 for the whole file.
	RowGroup int
}

func (s FileShard) String() string {
	if s.RowGroup < 0 {
		return s.Path
	}
	return fmt.Sprintf("%s#%d", s.Path, s.RowGroup)
}

// StageKind enumerates logical stages.
type StageKind uint8

const (
	StageInvalid StageKind = iota
	StageReadFiles
	StageFilter
	StageProject
	StageMaterialize
)

func (k StageKind) String() string {
	switch k {
	case StageReadFiles:
		return "read_files"
	case StageFilter:
		return "filter"
	case StageProject:
		return "project"
	case StageMaterialize:
		return "materialize"
	default:
		return fmt.Sprintf("stage(%d)", uint8(k))
	}
}

// Stage is one logical pipeline stage.
type Stage struct {
	// Kind selects the stage variant.
	Kind StageKind
	// Parallel is the number of parallel instances; zero
	// means one.
	Parallel int
	// Pred is the predicate of a Filter stage.
	Pred expr.Node
	// Cols are the output expressions of a Project stage.
	Cols []expr.Named
	// Shards is the resolved input of a ReadFiles stage.
	Shards []FileShard
	// Sink is the destination prefix a Materialize stage
	// hands to the result writer collaborator.
	Sink string
	// PartitionBy, if set, keys the exchange downstream
	// of this stage on the named column instead of
	// serving consumers round-robin.
	PartitionBy string
}

// Logical is the ordered logical plan handed to the
// coordinator by the planning collaborator.
type Logical struct {
	Stages []Stage
}

// Validate checks the stage ordering rules: exactly one
// leading ReadFiles, exactly one trailing Materialize,
// and only Filter/Project stages between them.
func (l *Logical) Validate() error {
	if len(l.Stages) == 0 {
		return ErrEmptyPlan
	}
	if l.Stages[0].Kind != StageReadFiles {
		return fmt.Errorf("%w: first stage is %s, not read_files", ErrBadPlan, l.Stages[0].Kind)
	}
	last := l.Stages[len(l.Stages)-1]
	if last.Kind != StageMaterialize {
		return fmt.Errorf("%w: last stage is %s, not materialize", ErrBadPlan, last.Kind)
	}
	for i, s := range l.Stages {
		switch s.Kind {
		case StageReadFiles:
			if i != 0 {
				return fmt.Errorf("%w: read_files at position %d", ErrBadPlan, i)
			}
			if len(s.Shards) == 0 {
				return fmt.Errorf("%w: read_files has no shards", ErrBadPlan)
			}
		case StageMaterialize:
			if i != len(l.Stages)-1 {
				return fmt.Errorf("%w: materialize at position %d", ErrBadPlan, i)
			}
		case StageFilter:
			if s.Pred == nil {
				return fmt.Errorf("%w: filter stage %d has no predicate", ErrBadPlan, i)
			}
		case StageProject:
			if len(s.Cols) == 0 {
				return fmt.Errorf("%w: project stage %d has no columns", ErrBadPlan, i)
			}
		default:
			return fmt.Errorf("%w: stage %d has kind %s", ErrBadPlan, i, s.Kind)
		}
		if s.Parallel < 0 {
			return fmt.Errorf("%w: stage %d has negative parallelism", ErrBadPlan, i)
		}
	}
	return nil
}
