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
	"fmt"
	"io"
)

// MaxFrameSize is the largest envelope a peer may send.
// Anything larger is treated as a corrupt frame and kills
// the link.
const MaxFrameSize = 1 << 28

// frameLenSize is the fixed width of the big-endian frame
// length prefix.
const frameLenSize = 4

// ErrFrameTooLarge is returned when a frame declares a
// length above MaxFrameSize.
var ErrFrameTooLarge = fmt.Errorf("wire: frame exceeds %d bytes", MaxFrameSize)

// WriteFrame encodes m and writes it to w as one
// length-prefixed frame. It issues a single Write so the
// frame cannot interleave with frames written concurrently
// to the same writer by other callers holding the same
// lock discipline.
func WriteFrame(w io.Writer, m *Message) error {
	buf := make([]byte, frameLenSize, frameLenSize+256+len(payloadHint(m)))
	buf = m.Append(buf)
	n := len(buf) - frameLenSize
	if n > MaxFrameSize {
		return ErrFrameTooLarge
	}
	binary.BigEndian.PutUint32(buf[:frameLenSize], uint32(n))
	_, err := w.Write(buf)
	return err
}

// payloadHint sizes the encode buffer so Data frames do
// not grow it repeatedly.
func payloadHint(m *Message) []byte {
	if d, ok := m.Body.(*Data); ok {
		return d.Payload
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and
// decodes the envelope. It returns io.EOF only on a clean
// EOF at a frame boundary; a partial frame returns
// io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) (*Message, error) {
	var pre [frameLenSize]byte
	if _, err := io.ReadFull(r, pre[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(pre[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return Decode(buf)
}
