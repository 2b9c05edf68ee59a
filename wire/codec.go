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
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrTruncated is returned when an envelope or body
	// ends before its declared contents.
	ErrTruncated = errors.New("wire: truncated message")
	// ErrBadVersion is returned when an envelope declares
	// a header version newer than this build understands.
	ErrBadVersion = errors.New("wire: unsupported header version")
	// ErrBadKind is returned when an envelope declares a
	// message kind that is not registered.
	ErrBadKind = errors.New("wire: unknown message kind")
)

// envelope flag bits
const (
	flagFromWorker = 1 << iota
	flagFromOp
	flagQuery
	flagToWorker
	flagToOp
)

// appenders; all multi-byte values are big-endian

func appendU16(dst []byte, v uint16) []byte {
	return binary.BigEndian.AppendUint16(dst, v)
}

func appendU32(dst []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(dst, v)
}

func appendU64(dst []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(dst, v)
}

func appendString(dst []byte, s string) []byte {
	dst = appendU16(dst, uint16(len(s)))
	return append(dst, s...)
}

func appendBytes(dst []byte, b []byte) []byte {
	dst = appendU32(dst, uint32(len(b)))
	return append(dst, b...)
}

func appendOperatorID(dst []byte, o OperatorID) []byte {
	dst = appendString(dst, o.Node)
	return appendU32(dst, uint32(o.Instance))
}

// readers; each consumes from src and returns the tail

func readU16(src []byte) (uint16, []byte, error) {
	if len(src) < 2 {
		return 0, nil, ErrTruncated
	}
	return binary.BigEndian.Uint16(src), src[2:], nil
}

func readU32(src []byte) (uint32, []byte, error) {
	if len(src) < 4 {
		return 0, nil, ErrTruncated
	}
	return binary.BigEndian.Uint32(src), src[4:], nil
}

func readU64(src []byte) (uint64, []byte, error) {
	if len(src) < 8 {
		return 0, nil, ErrTruncated
	}
	return binary.BigEndian.Uint64(src), src[8:], nil
}

func readString(src []byte) (string, []byte, error) {
	n, src, err := readU16(src)
	if err != nil {
		return "", nil, err
	}
	if len(src) < int(n) {
		return "", nil, ErrTruncated
	}
	return string(src[:n]), src[n:], nil
}

func readBytes(src []byte) ([]byte, []byte, error) {
	n, src, err := readU32(src)
	if err != nil {
		return nil, nil, err
	}
	if uint32(len(src)) < n {
		return nil, nil, ErrTruncated
	}
	out := make([]byte, n)
	copy(out, src[:n])
	return out, src[n:], nil
}

func readUUID(src []byte) (uuid.UUID, []byte, error) {
	var u uuid.UUID
	if len(src) < 16 {
		return u, nil, ErrTruncated
	}
	copy(u[:], src)
	return u, src[16:], nil
}

func readOperatorID(src []byte) (OperatorID, []byte, error) {
	var o OperatorID
	var err error
	o.Node, src, err = readString(src)
	if err != nil {
		return o, nil, err
	}
	n, src, err := readU32(src)
	if err != nil {
		return o, nil, err
	}
	o.Instance = int(n)
	return o, src, nil
}

// Append appends the encoded envelope (without the frame
// length prefix) to dst and returns the extended slice.
func (m *Message) Append(dst []byte) []byte {
	dst = appendU16(dst, Version)
	dst = appendU16(dst, uint16(m.Kind()))
	dst = append(dst, m.ID[:]...)
	var flags byte
	if m.FromWorker != "" {
		flags |= flagFromWorker
	}
	if !m.From.Zero() {
		flags |= flagFromOp
	}
	if m.Query != uuid.Nil {
		flags |= flagQuery
	}
	if m.ToWorker != "" {
		flags |= flagToWorker
	}
	if !m.To.Zero() {
		flags |= flagToOp
	}
	dst = append(dst, flags)
	if flags&flagFromWorker != 0 {
		dst = appendString(dst, string(m.FromWorker))
	}
	if flags&flagFromOp != 0 {
		dst = appendOperatorID(dst, m.From)
	}
	if flags&flagQuery != 0 {
		dst = append(dst, m.Query[:]...)
	}
	if flags&flagToWorker != 0 {
		dst = appendString(dst, string(m.ToWorker))
	}
	if flags&flagToOp != 0 {
		dst = appendOperatorID(dst, m.To)
	}
	return m.Body.append(dst)
}

// Decode decodes one envelope from src. The whole of src
// must be a single envelope (the frame layer strips the
// length prefix).
func Decode(src []byte) (*Message, error) {
	ver, src, err := readU16(src)
	if err != nil {
		return nil, err
	}
	if ver > Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, ver)
	}
	rawkind, src, err := readU16(src)
	if err != nil {
		return nil, err
	}
	m := &Message{}
	m.ID, src, err = readUUID(src)
	if err != nil {
		return nil, err
	}
	if len(src) < 1 {
		return nil, ErrTruncated
	}
	flags := src[0]
	src = src[1:]
	if flags&flagFromWorker != 0 {
		var w string
		w, src, err = readString(src)
		if err != nil {
			return nil, err
		}
		m.FromWorker = WorkerID(w)
	}
	if flags&flagFromOp != 0 {
		m.From, src, err = readOperatorID(src)
		if err != nil {
			return nil, err
		}
	}
	if flags&flagQuery != 0 {
		m.Query, src, err = readUUID(src)
		if err != nil {
			return nil, err
		}
	}
	if flags&flagToWorker != 0 {
		var w string
		w, src, err = readString(src)
		if err != nil {
			return nil, err
		}
		m.ToWorker = WorkerID(w)
	}
	if flags&flagToOp != 0 {
		m.To, src, err = readOperatorID(src)
		if err != nil {
			return nil, err
		}
	}
	body, err := newBody(Kind(rawkind))
	if err != nil {
		return nil, err
	}
	if err := body.decode(src); err != nil {
		return nil, fmt.Errorf("wire: decoding %s body: %w", Kind(rawkind), err)
	}
	m.Body = body
	return m, nil
}

func newBody(k Kind) (Body, error) {
	switch k {
	case KindIdentify:
		return &Identify{}, nil
	case KindData:
		return &Data{}, nil
	case KindHeartbeat:
		return &Heartbeat{}, nil
	case KindAssignment:
		return &Assignment{}, nil
	case KindCompletion:
		return &Completion{}, nil
	case KindError:
		return &Error{}, nil
	case KindOperatorStatus:
		return &OperatorStatus{}, nil
	case KindAck:
		return &Ack{}, nil
	case KindExchangeReady:
		return &ExchangeReady{}, nil
	case KindCancelQuery:
		return &CancelQuery{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrBadKind, uint16(k))
	}
}
