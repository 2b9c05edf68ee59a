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
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/alekLukanen/ChapterhouseQE/expr"
)

// ErrBadNode is returned when a serialized node cannot be
// decoded.
var ErrBadNode = errors.New("plan: bad node encoding")

// EncodeNode serializes one physical node so that it can
// travel inside an assignment. The receiving worker never
// needs the whole graph, only the node it is asked to
// run; edges arrive separately in the assignment itself.
func EncodeNode(n *Node) []byte {
	var dst []byte
	dst = append(dst, byte(n.Kind))
	dst = appendStr(dst, n.Name)
	dst = binary.BigEndian.AppendUint32(dst, uint32(n.Parallel))
	switch n.Kind {
	case KindReadFiles:
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(n.Shards)))
		for _, s := range n.Shards {
			dst = appendStr(dst, s.Path)
			dst = binary.BigEndian.AppendUint32(dst, uint32(int32(s.RowGroup)))
		}
	case KindFilter:
		dst = appendBlob(dst, expr.Encode(n.Pred))
	case KindProject:
		dst = appendBlob(dst, expr.EncodeNamed(n.Cols))
	case KindMaterialize:
		dst = appendStr(dst, n.Sink)
	case KindExchange:
		dst = appendStr(dst, n.Key)
		dst = binary.BigEndian.AppendUint32(dst, uint32(n.Capacity))
	}
	return dst
}

// DecodeNode reverses EncodeNode.
func DecodeNode(src []byte) (*Node, error) {
	if len(src) < 1 {
		return nil, ErrBadNode
	}
	n := &Node{Kind: NodeKind(src[0])}
	src = src[1:]
	var err error
	if n.Name, src, err = readStr(src); err != nil {
		return nil, err
	}
	if len(src) < 4 {
		return nil, ErrBadNode
	}
	n.Parallel = int(binary.BigEndian.Uint32(src))
	src = src[4:]
	switch n.Kind {
	case KindReadFiles:
		if len(src) < 4 {
			return nil, ErrBadNode
		}
		count := int(binary.BigEndian.Uint32(src))
		src = src[4:]
		n.Shards = make([]FileShard, 0, count)
		for i := 0; i < count; i++ {
			var s FileShard
			if s.Path, src, err = readStr(src); err != nil {
				return nil, err
			}
			if len(src) < 4 {
				return nil, ErrBadNode
			}
			s.RowGroup = int(int32(binary.BigEndian.Uint32(src)))
			src = src[4:]
			n.Shards = append(n.Shards, s)
		}
	case KindFilter:
		var blob []byte
		if blob, src, err = readBlob(src); err != nil {
			return nil, err
		}
		if n.Pred, err = expr.Decode(blob); err != nil {
			return nil, err
		}
	case KindProject:
		var blob []byte
		if blob, src, err = readBlob(src); err != nil {
			return nil, err
		}
		if n.Cols, err = expr.DecodeNamed(blob); err != nil {
			return nil, err
		}
	case KindMaterialize:
		if n.Sink, src, err = readStr(src); err != nil {
			return nil, err
		}
	case KindExchange:
		if n.Key, src, err = readStr(src); err != nil {
			return nil, err
		}
		if len(src) < 4 {
			return nil, ErrBadNode
		}
		n.Capacity = int(binary.BigEndian.Uint32(src))
		src = src[4:]
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrBadNode, n.Kind)
	}
	if len(src) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadNode, len(src))
	}
	return n, nil
}

func appendStr(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

func readStr(src []byte) (string, []byte, error) {
	if len(src) < 2 {
		return "", nil, ErrBadNode
	}
	n := int(binary.BigEndian.Uint16(src))
	src = src[2:]
	if len(src) < n {
		return "", nil, ErrBadNode
	}
	return string(src[:n]), src[n:], nil
}

func appendBlob(dst, blob []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(blob)))
	return append(dst, blob...)
}

func readBlob(src []byte) ([]byte, []byte, error) {
	if len(src) < 4 {
		return nil, nil, ErrBadNode
	}
	n := int(binary.BigEndian.Uint32(src))
	src = src[4:]
	if len(src) < n {
		return nil, nil, ErrBadNode
	}
	return src[:n], src[n:], nil
}
