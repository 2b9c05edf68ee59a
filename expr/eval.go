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

package expr

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

var (
	// ErrColumnNotFound is returned when an Ident names a
	// column the input schema does not have.
	ErrColumnNotFound = errors.New("expr: column not found")
	// ErrTypeMismatch is returned when an operator is
	// applied to operands it cannot combine.
	ErrTypeMismatch = errors.New("expr: type mismatch")
	// ErrDivideByZero is returned for integer division by
	// zero. Float division follows IEEE semantics instead.
	ErrDivideByZero = errors.New("expr: divide by zero")
)

// value kinds for the scalar interpreter
type vkind uint8

const (
	kNull vkind = iota
	kInt
	kFloat
	kString
	kBool
)

// value is one evaluated scalar.
type value struct {
	kind vkind
	i    int64
	f    float64
	s    string
	b    bool
}

func (v value) String() string {
	switch v.kind {
	case kInt:
		return fmt.Sprint(v.i)
	case kFloat:
		return fmt.Sprint(v.f)
	case kString:
		return v.s
	case kBool:
		return fmt.Sprint(v.b)
	default:
		return "NULL"
	}
}

// col resolves an Ident against rec.
func col(rec arrow.RecordBatch, name string) (arrow.Array, error) {
	idx := rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrColumnNotFound, name)
	}
	return rec.Column(idx[0]), nil
}

func columnValue(a arrow.Array, row int) (value, error) {
	if a.IsNull(row) {
		return value{}, nil
	}
	switch c := a.(type) {
	case *array.Int64:
		return value{kind: kInt, i: c.Value(row)}, nil
	case *array.Float64:
		return value{kind: kFloat, f: c.Value(row)}, nil
	case *array.String:
		return value{kind: kString, s: c.Value(row)}, nil
	case *array.Boolean:
		return value{kind: kBool, b: c.Value(row)}, nil
	default:
		return value{}, fmt.Errorf("%w: column type %s", ErrTypeMismatch, a.DataType())
	}
}

// evaluator caches column lookups for one record batch.
type evaluator struct {
	rec  arrow.RecordBatch
	cols map[string]arrow.Array
}

func newEvaluator(rec arrow.RecordBatch) *evaluator {
	return &evaluator{rec: rec, cols: make(map[string]arrow.Array)}
}

func (e *evaluator) column(name string) (arrow.Array, error) {
	if a, ok := e.cols[name]; ok {
		return a, nil
	}
	a, err := col(e.rec, name)
	if err != nil {
		return nil, err
	}
	e.cols[name] = a
	return a, nil
}

func (e *evaluator) eval(n Node, row int) (value, error) {
	switch n := n.(type) {
	case *Ident:
		a, err := e.column(n.Name)
		if err != nil {
			return value{}, err
		}
		return columnValue(a, row)
	case *Integer:
		return value{kind: kInt, i: n.Value}, nil
	case *Float:
		return value{kind: kFloat, f: n.Value}, nil
	case *StringLit:
		return value{kind: kString, s: n.Value}, nil
	case *Bool:
		return value{kind: kBool, b: n.Value}, nil
	case *Not:
		v, err := e.eval(n.Expr, row)
		if err != nil {
			return value{}, err
		}
		if v.kind == kNull {
			return v, nil
		}
		if v.kind != kBool {
			return value{}, fmt.Errorf("%w: NOT applied to %s", ErrTypeMismatch, v)
		}
		v.b = !v.b
		return v, nil
	case *Binary:
		left, err := e.eval(n.Left, row)
		if err != nil {
			return value{}, err
		}
		if n.Op.logical() {
			return e.evalLogical(n, left, row)
		}
		right, err := e.eval(n.Right, row)
		if err != nil {
			return value{}, err
		}
		return apply(n.Op, left, right)
	default:
		return value{}, fmt.Errorf("expr: cannot evaluate %T", n)
	}
}

// evalLogical short-circuits AND/OR; nulls propagate.
func (e *evaluator) evalLogical(n *Binary, left value, row int) (value, error) {
	if left.kind == kBool {
		if n.Op == OpAnd && !left.b {
			return left, nil
		}
		if n.Op == OpOr && left.b {
			return left, nil
		}
	} else if left.kind != kNull {
		return value{}, fmt.Errorf("%w: %s applied to %s", ErrTypeMismatch, n.Op, left)
	}
	right, err := e.eval(n.Right, row)
	if err != nil {
		return value{}, err
	}
	if right.kind == kNull || left.kind == kNull {
		return value{}, nil
	}
	if right.kind != kBool {
		return value{}, fmt.Errorf("%w: %s applied to %s", ErrTypeMismatch, n.Op, right)
	}
	return right, nil
}

func apply(op Op, left, right value) (value, error) {
	if left.kind == kNull || right.kind == kNull {
		return value{}, nil
	}
	// numeric promotion: int op float evaluates as float
	if left.kind == kInt && right.kind == kFloat {
		left = value{kind: kFloat, f: float64(left.i)}
	}
	if left.kind == kFloat && right.kind == kInt {
		right = value{kind: kFloat, f: float64(right.i)}
	}
	if left.kind != right.kind {
		return value{}, fmt.Errorf("%w: %s %s %s", ErrTypeMismatch, left, op, right)
	}
	if op.comparison() {
		return compareValues(op, left, right)
	}
	switch left.kind {
	case kInt:
		return arithInt(op, left.i, right.i)
	case kFloat:
		return arithFloat(op, left.f, right.f)
	default:
		return value{}, fmt.Errorf("%w: %s %s %s", ErrTypeMismatch, left, op, right)
	}
}

func compareValues(op Op, left, right value) (value, error) {
	var cmp int
	switch left.kind {
	case kInt:
		switch {
		case left.i < right.i:
			cmp = -1
		case left.i > right.i:
			cmp = 1
		}
	case kFloat:
		switch {
		case left.f < right.f:
			cmp = -1
		case left.f > right.f:
			cmp = 1
		}
	case kString:
		switch {
		case left.s < right.s:
			cmp = -1
		case left.s > right.s:
			cmp = 1
		}
	case kBool:
		if op != OpEq && op != OpNe {
			return value{}, fmt.Errorf("%w: ordering booleans", ErrTypeMismatch)
		}
		if left.b != right.b {
			cmp = 1
		}
	}
	var out bool
	switch op {
	case OpEq:
		out = cmp == 0
	case OpNe:
		out = cmp != 0
	case OpLt:
		out = cmp < 0
	case OpLe:
		out = cmp <= 0
	case OpGt:
		out = cmp > 0
	case OpGe:
		out = cmp >= 0
	}
	return value{kind: kBool, b: out}, nil
}

func arithInt(op Op, a, b int64) (value, error) {
	switch op {
	case OpAdd:
		return value{kind: kInt, i: a + b}, nil
	case OpSub:
		return value{kind: kInt, i: a - b}, nil
	case OpMul:
		return value{kind: kInt, i: a * b}, nil
	case OpDiv:
		if b == 0 {
			return value{}, ErrDivideByZero
		}
		return value{kind: kInt, i: a / b}, nil
	default:
		return value{}, fmt.Errorf("%w: integer %s", ErrTypeMismatch, op)
	}
}

func arithFloat(op Op, a, b float64) (value, error) {
	switch op {
	case OpAdd:
		return value{kind: kFloat, f: a + b}, nil
	case OpSub:
		return value{kind: kFloat, f: a - b}, nil
	case OpMul:
		return value{kind: kFloat, f: a * b}, nil
	case OpDiv:
		return value{kind: kFloat, f: a / b}, nil
	default:
		return value{}, fmt.Errorf("%w: float %s", ErrTypeMismatch, op)
	}
}

// EvalBool evaluates a predicate over every row of rec and
// returns the indices of rows where it is true. Null
// results count as false.
func EvalBool(rec arrow.RecordBatch, pred Node) ([]int, error) {
	e := newEvaluator(rec)
	var out []int
	rows := int(rec.NumRows())
	for row := 0; row < rows; row++ {
		v, err := e.eval(pred, row)
		if err != nil {
			return nil, err
		}
		switch v.kind {
		case kBool:
			if v.b {
				out = append(out, row)
			}
		case kNull:
			// three-valued logic: null is not true
		default:
			return nil, fmt.Errorf("%w: predicate yielded %s", ErrTypeMismatch, v)
		}
	}
	return out, nil
}

// Project evaluates the named expressions over every row
// of rec and builds a fresh record with one column per
// entry. Output column types are inferred from the first
// non-null value.
func Project(alloc memory.Allocator, rec arrow.RecordBatch, cols []Named) (arrow.RecordBatch, error) {
	rows := int(rec.NumRows())
	e := newEvaluator(rec)
	results := make([][]value, len(cols))
	fields := make([]arrow.Field, len(cols))
	for ci := range cols {
		results[ci] = make([]value, rows)
		kind := kNull
		for row := 0; row < rows; row++ {
			v, err := e.eval(cols[ci].Expr, row)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", cols[ci].Name, err)
			}
			results[ci][row] = v
			if kind == kNull {
				kind = v.kind
			} else if v.kind != kNull && v.kind != kind {
				return nil, fmt.Errorf("column %q: %w: mixed result types",
					cols[ci].Name, ErrTypeMismatch)
			}
		}
		var typ arrow.DataType
		switch kind {
		case kInt, kNull:
			typ = arrow.PrimitiveTypes.Int64
		case kFloat:
			typ = arrow.PrimitiveTypes.Float64
		case kString:
			typ = arrow.BinaryTypes.String
		case kBool:
			typ = arrow.FixedWidthTypes.Boolean
		}
		fields[ci] = arrow.Field{Name: cols[ci].Name, Type: typ, Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)
	bld := array.NewRecordBuilder(alloc, schema)
	defer bld.Release()
	for ci := range cols {
		for row := 0; row < rows; row++ {
			v := results[ci][row]
			if v.kind == kNull {
				bld.Field(ci).AppendNull()
				continue
			}
			switch f := bld.Field(ci).(type) {
			case *array.Int64Builder:
				f.Append(v.i)
			case *array.Float64Builder:
				f.Append(v.f)
			case *array.StringBuilder:
				f.Append(v.s)
			case *array.BooleanBuilder:
				f.Append(v.b)
			}
		}
	}
	return bld.NewRecord(), nil
}
