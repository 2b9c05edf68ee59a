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

// Package expr defines the expression trees that the
// planning collaborator attaches to Filter and Project
// nodes, plus their evaluation over Arrow record batches.
//
// The surface is deliberately small: column references,
// typed constants, arithmetic, comparisons, and boolean
// connectives. SQL text never reaches this package; the
// planner hands us already-built trees.
package expr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Node is an expression tree node.
type Node interface {
	// String renders the expression for logs and errors.
	String() string
	// append appends the binary encoding of the node.
	append(dst []byte) []byte
}

// Ident is a reference to a column by name.
type Ident struct {
	Name string
}

func (i *Ident) String() string { return i.Name }

// Integer is an int64 constant.
type Integer struct {
	Value int64
}

func (i *Integer) String() string { return strconv.FormatInt(i.Value, 10) }

// Float is a float64 constant.
type Float struct {
	Value float64
}

func (f *Float) String() string { return strconv.FormatFloat(f.Value, 'g', -1, 64) }

// String is a utf8 string constant.
type StringLit struct {
	Value string
}

func (s *StringLit) String() string { return strconv.Quote(s.Value) }

// Bool is a boolean constant.
type Bool struct {
	Value bool
}

func (b *Bool) String() string { return strconv.FormatBool(b.Value) }

// Op enumerates binary operators.
type Op uint8

const (
	OpInvalid Op = iota
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpAnd
	OpOr
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "+"
	case OpSub:
		return "-"
	case OpMul:
		return "*"
	case OpDiv:
		return "/"
	case OpEq:
		return "="
	case OpNe:
		return "<>"
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	case OpAnd:
		return "AND"
	case OpOr:
		return "OR"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// comparison reports whether o yields a boolean from two
// non-boolean operands.
func (o Op) comparison() bool { return o >= OpEq && o <= OpGe }

// logical reports whether o combines two booleans.
func (o Op) logical() bool { return o == OpAnd || o == OpOr }

// Binary applies Op to a left and right operand.
type Binary struct {
	Op          Op
	Left, Right Node
}

func (b *Binary) String() string {
	return fmt.Sprintf("(%s %s %s)", b.Left, b.Op, b.Right)
}

// Not negates a boolean operand.
type Not struct {
	Expr Node
}

func (n *Not) String() string { return fmt.Sprintf("NOT %s", n.Expr) }

// Named binds an output column name to an expression, for
// projections.
type Named struct {
	Name string
	Expr Node
}

func (n Named) String() string { return fmt.Sprintf("%s AS %s", n.Expr, n.Name) }

// convenience constructors used by tests and planners

// Compare builds a comparison between two nodes.
func Compare(op Op, left, right Node) *Binary {
	return &Binary{Op: op, Left: left, Right: right}
}

// And builds the conjunction of the given nodes.
func And(nodes ...Node) Node {
	if len(nodes) == 0 {
		return &Bool{Value: true}
	}
	out := nodes[0]
	for _, n := range nodes[1:] {
		out = &Binary{Op: OpAnd, Left: out, Right: n}
	}
	return out
}

// node encoding tags
const (
	tagIdent = iota + 1
	tagInteger
	tagFloat
	tagString
	tagBool
	tagBinary
	tagNot
)

// ErrBadEncoding is returned when a serialized expression
// cannot be decoded.
var ErrBadEncoding = errors.New("expr: bad encoding")

// Encode serializes the expression tree.
func Encode(n Node) []byte { return n.append(nil) }

func (i *Ident) append(dst []byte) []byte {
	dst = append(dst, tagIdent)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(i.Name)))
	return append(dst, i.Name...)
}

func (i *Integer) append(dst []byte) []byte {
	dst = append(dst, tagInteger)
	return binary.BigEndian.AppendUint64(dst, uint64(i.Value))
}

func (f *Float) append(dst []byte) []byte {
	dst = append(dst, tagFloat)
	return binary.BigEndian.AppendUint64(dst, math.Float64bits(f.Value))
}

func (s *StringLit) append(dst []byte) []byte {
	dst = append(dst, tagString)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s.Value)))
	return append(dst, s.Value...)
}

func (b *Bool) append(dst []byte) []byte {
	v := byte(0)
	if b.Value {
		v = 1
	}
	return append(dst, tagBool, v)
}

func (b *Binary) append(dst []byte) []byte {
	dst = append(dst, tagBinary, byte(b.Op))
	dst = b.Left.append(dst)
	return b.Right.append(dst)
}

func (n *Not) append(dst []byte) []byte {
	dst = append(dst, tagNot)
	return n.Expr.append(dst)
}

// Decode deserializes an expression tree produced by
// Encode.
func Decode(src []byte) (Node, error) {
	n, rest, err := decode(src)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadEncoding, len(rest))
	}
	return n, nil
}

func decode(src []byte) (Node, []byte, error) {
	if len(src) == 0 {
		return nil, nil, ErrBadEncoding
	}
	tag := src[0]
	src = src[1:]
	switch tag {
	case tagIdent:
		s, rest, err := decodeString(src)
		if err != nil {
			return nil, nil, err
		}
		return &Ident{Name: s}, rest, nil
	case tagInteger:
		if len(src) < 8 {
			return nil, nil, ErrBadEncoding
		}
		return &Integer{Value: int64(binary.BigEndian.Uint64(src))}, src[8:], nil
	case tagFloat:
		if len(src) < 8 {
			return nil, nil, ErrBadEncoding
		}
		return &Float{Value: math.Float64frombits(binary.BigEndian.Uint64(src))}, src[8:], nil
	case tagString:
		s, rest, err := decodeString(src)
		if err != nil {
			return nil, nil, err
		}
		return &StringLit{Value: s}, rest, nil
	case tagBool:
		if len(src) < 1 {
			return nil, nil, ErrBadEncoding
		}
		return &Bool{Value: src[0] != 0}, src[1:], nil
	case tagBinary:
		if len(src) < 1 {
			return nil, nil, ErrBadEncoding
		}
		op := Op(src[0])
		if op == OpInvalid || op > OpOr {
			return nil, nil, fmt.Errorf("%w: op %d", ErrBadEncoding, src[0])
		}
		left, rest, err := decode(src[1:])
		if err != nil {
			return nil, nil, err
		}
		right, rest, err := decode(rest)
		if err != nil {
			return nil, nil, err
		}
		return &Binary{Op: op, Left: left, Right: right}, rest, nil
	case tagNot:
		inner, rest, err := decode(src)
		if err != nil {
			return nil, nil, err
		}
		return &Not{Expr: inner}, rest, nil
	default:
		return nil, nil, fmt.Errorf("%w: tag %d", ErrBadEncoding, tag)
	}
}

func decodeString(src []byte) (string, []byte, error) {
	if len(src) < 2 {
		return "", nil, ErrBadEncoding
	}
	n := int(binary.BigEndian.Uint16(src))
	src = src[2:]
	if len(src) < n {
		return "", nil, ErrBadEncoding
	}
	return string(src[:n]), src[n:], nil
}

// EncodeNamed serializes a projection list.
func EncodeNamed(cols []Named) []byte {
	var dst []byte
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(cols)))
	for i := range cols {
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(cols[i].Name)))
		dst = append(dst, cols[i].Name...)
		body := Encode(cols[i].Expr)
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(body)))
		dst = append(dst, body...)
	}
	return dst
}

// DecodeNamed reverses EncodeNamed.
func DecodeNamed(src []byte) ([]Named, error) {
	if len(src) < 2 {
		return nil, ErrBadEncoding
	}
	n := int(binary.BigEndian.Uint16(src))
	src = src[2:]
	out := make([]Named, 0, n)
	for i := 0; i < n; i++ {
		if len(src) < 2 {
			return nil, ErrBadEncoding
		}
		namelen := int(binary.BigEndian.Uint16(src))
		src = src[2:]
		if len(src) < namelen {
			return nil, ErrBadEncoding
		}
		name := string(src[:namelen])
		src = src[namelen:]
		if len(src) < 4 {
			return nil, ErrBadEncoding
		}
		bodylen := int(binary.BigEndian.Uint32(src))
		src = src[4:]
		if len(src) < bodylen {
			return nil, ErrBadEncoding
		}
		node, err := Decode(src[:bodylen])
		if err != nil {
			return nil, err
		}
		src = src[bodylen:]
		out = append(out, Named{Name: name, Expr: node})
	}
	if len(src) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadEncoding, len(src))
	}
	return out, nil
}

// NamedString renders a projection list for logs.
func NamedString(cols []Named) string {
	parts := make([]string, len(cols))
	for i := range cols {
		parts[i] = cols[i].String()
	}
	return strings.Join(parts, ", ")
}
