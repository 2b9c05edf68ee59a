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
	"reflect"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

func testRecord(t *testing.T) arrow.RecordBatch {
	t.Helper()
	alloc := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "value1", Type: arrow.BinaryTypes.String},
		{Name: "value2", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	}, nil)
	bld := array.NewRecordBuilder(alloc, schema)
	defer bld.Release()
	ids := []int64{1, 2, 3, 4, 5}
	names := []string{"a", "b", "a", "c", "b"}
	vals := []float64{5.0, 15.0, 25.0, 10.0, 0.0}
	for i := range ids {
		bld.Field(0).(*array.Int64Builder).Append(ids[i])
		bld.Field(1).(*array.StringBuilder).Append(names[i])
		if i == 4 {
			bld.Field(2).(*array.Float64Builder).AppendNull()
		} else {
			bld.Field(2).(*array.Float64Builder).Append(vals[i])
		}
	}
	rec := bld.NewRecord()
	t.Cleanup(rec.Release)
	return rec
}

func TestEvalBool(t *testing.T) {
	rec := testRecord(t)
	cases := []struct {
		name string
		pred Node
		want []int
	}{
		{
			name: "gt-float",
			pred: Compare(OpGt, &Ident{Name: "value2"}, &Float{Value: 10.0}),
			want: []int{1, 2},
		},
		{
			name: "int-promotion",
			pred: Compare(OpGe, &Ident{Name: "value2"}, &Integer{Value: 10}),
			want: []int{1, 2, 3},
		},
		{
			name: "string-eq",
			pred: Compare(OpEq, &Ident{Name: "value1"}, &StringLit{Value: "a"}),
			want: []int{0, 2},
		},
		{
			name: "and",
			pred: And(
				Compare(OpEq, &Ident{Name: "value1"}, &StringLit{Value: "a"}),
				Compare(OpLt, &Ident{Name: "id"}, &Integer{Value: 2}),
			),
			want: []int{0},
		},
		{
			name: "not",
			pred: &Not{Expr: Compare(OpEq, &Ident{Name: "value1"}, &StringLit{Value: "a"})},
			want: []int{1, 3, 4},
		},
		{
			name: "null-is-not-true",
			pred: Compare(OpLe, &Ident{Name: "value2"}, &Float{Value: 1000.0}),
			want: []int{0, 1, 2, 3}, // row 4 is null
		},
		{
			name: "arith",
			pred: Compare(OpEq, &Binary{Op: OpAdd, Left: &Ident{Name: "id"}, Right: &Integer{Value: 1}}, &Integer{Value: 3}),
			want: []int{1},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := EvalBool(rec, c.pred)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, c.want) {
				t.Errorf("got %v, want %v", got, c.want)
			}
		})
	}
}

func TestEvalErrors(t *testing.T) {
	rec := testRecord(t)
	if _, err := EvalBool(rec, Compare(OpGt, &Ident{Name: "missing"}, &Integer{Value: 0})); !errors.Is(err, ErrColumnNotFound) {
		t.Errorf("expected ErrColumnNotFound, got %v", err)
	}
	if _, err := EvalBool(rec, Compare(OpGt, &Ident{Name: "value1"}, &Integer{Value: 0})); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("expected ErrTypeMismatch, got %v", err)
	}
	div := Compare(OpEq,
		&Binary{Op: OpDiv, Left: &Integer{Value: 1}, Right: &Integer{Value: 0}},
		&Integer{Value: 0})
	if _, err := EvalBool(rec, div); !errors.Is(err, ErrDivideByZero) {
		t.Errorf("expected ErrDivideByZero, got %v", err)
	}
}

func TestProject(t *testing.T) {
	rec := testRecord(t)
	alloc := memory.NewGoAllocator()
	out, err := Project(alloc, rec, []Named{
		{Name: "id2", Expr: &Binary{Op: OpMul, Left: &Ident{Name: "id"}, Right: &Integer{Value: 2}}},
		{Name: "value1", Expr: &Ident{Name: "value1"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer out.Release()
	if out.NumRows() != rec.NumRows() || out.NumCols() != 2 {
		t.Fatalf("bad shape: %d x %d", out.NumRows(), out.NumCols())
	}
	ids := out.Column(0).(*array.Int64)
	for i := 0; i < ids.Len(); i++ {
		if ids.Value(i) != int64(2*(i+1)) {
			t.Errorf("row %d: got %d", i, ids.Value(i))
		}
	}
}

func TestEncodeDecode(t *testing.T) {
	exprs := []Node{
		&Ident{Name: "value2"},
		&Integer{Value: -42},
		&Float{Value: 10.5},
		&StringLit{Value: "medium"},
		&Bool{Value: true},
		Compare(OpGt, &Ident{Name: "value2"}, &Float{Value: 10.0}),
		&Not{Expr: And(
			Compare(OpEq, &Ident{Name: "a"}, &StringLit{Value: "x"}),
			Compare(OpNe, &Ident{Name: "b"}, &Integer{Value: 3}),
		)},
	}
	for _, want := range exprs {
		buf := Encode(want)
		got, err := Decode(buf)
		if err != nil {
			t.Fatalf("%s: %s", want, err)
		}
		if !reflect.DeepEqual(want, got) {
			t.Errorf("round trip: want %s, got %s", want, got)
		}
	}
	if _, err := Decode([]byte{0xff}); err == nil {
		t.Error("expected error on bad tag")
	}
}

func TestEncodeDecodeNamed(t *testing.T) {
	want := []Named{
		{Name: "a", Expr: &Ident{Name: "id"}},
		{Name: "b", Expr: Compare(OpLt, &Ident{Name: "id"}, &Integer{Value: 10})},
	}
	got, err := DecodeNamed(EncodeNamed(want))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(want, got) {
		t.Errorf("want %v, got %v", want, got)
	}
}
