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

// Package batch wraps Apache Arrow record batches as the
// immutable, self-describing columnar chunks that flow
// between operator instances.
//
// A Batch is produced once, handed to exactly one consumer
// queue, and never mutated after send. Serialized batches
// travel as Arrow IPC streams inside wire.Data messages,
// optionally compressed, and carry a blake2b content
// digest so redelivered batches can be verified.
package batch

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"golang.org/x/crypto/blake2b"

	"github.com/alekLukanen/ChapterhouseQE/compr"
	"github.com/alekLukanen/ChapterhouseQE/wire"
)

var (
	// ErrDigestMismatch is returned when a decoded batch
	// does not hash to the digest its Data message claims.
	ErrDigestMismatch = errors.New("batch: content digest mismatch")
	// ErrEmptyPayload is returned when a Data message
	// carries no record batch.
	ErrEmptyPayload = errors.New("batch: empty payload")
)

// Batch is one immutable columnar chunk of rows.
type Batch struct {
	rec arrow.RecordBatch
}

// FromRecord wraps rec in a Batch and retains it.
// Callers keep their own reference.
func FromRecord(rec arrow.RecordBatch) Batch {
	rec.Retain()
	return Batch{rec: rec}
}

// Record returns the underlying Arrow record batch.
// The record stays owned by the Batch; callers that need
// it beyond the Batch's lifetime must Retain it.
func (b Batch) Record() arrow.RecordBatch { return b.rec }

// Schema returns the batch schema.
func (b Batch) Schema() *arrow.Schema { return b.rec.Schema() }

// Rows returns the number of rows in the batch.
func (b Batch) Rows() int64 { return b.rec.NumRows() }

// Release drops this Batch's reference to the underlying
// memory. The Batch must not be used afterwards.
func (b Batch) Release() { b.rec.Release() }

// Retain adds a reference to the underlying memory.
func (b Batch) Retain() { b.rec.Retain() }

// Encode serializes the batch as an Arrow IPC stream and
// returns the encoded bytes plus their blake2b digest.
func (b Batch) Encode() ([]byte, [32]byte, error) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(b.rec.Schema()))
	if err := w.Write(b.rec); err != nil {
		w.Close()
		return nil, [32]byte{}, fmt.Errorf("batch: ipc write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, [32]byte{}, fmt.Errorf("batch: ipc close: %w", err)
	}
	raw := buf.Bytes()
	return raw, blake2b.Sum256(raw), nil
}

// Decode reverses Encode.
func Decode(raw []byte, alloc memory.Allocator) (Batch, error) {
	r, err := ipc.NewReader(bytes.NewReader(raw), ipc.WithAllocator(alloc))
	if err != nil {
		return Batch{}, fmt.Errorf("batch: ipc open: %w", err)
	}
	defer r.Release()
	if !r.Next() {
		if err := r.Err(); err != nil {
			return Batch{}, fmt.Errorf("batch: ipc read: %w", err)
		}
		return Batch{}, ErrEmptyPayload
	}
	rec := r.Record()
	rec.Retain()
	return Batch{rec: rec}, nil
}

// ToData converts the batch into a wire.Data body using
// the requested payload compression (one of the
// wire.Compress* constants).
func (b Batch) ToData(seq uint64, epoch uint32, compression uint8) (*wire.Data, error) {
	raw, digest, err := b.Encode()
	if err != nil {
		return nil, err
	}
	payload := raw
	switch compression {
	case wire.CompressNone:
	case wire.CompressZstd:
		payload = compr.EncodeFrame(compr.Compression("zstd"), raw)
	case wire.CompressS2:
		payload = compr.EncodeFrame(compr.Compression("s2"), raw)
	default:
		return nil, fmt.Errorf("batch: unknown compression %d", compression)
	}
	return &wire.Data{
		Seq:         seq,
		Epoch:       epoch,
		Rows:        b.Rows(),
		Digest:      digest,
		Compression: compression,
		Payload:     payload,
	}, nil
}

// FromData decodes a wire.Data body back into a Batch,
// verifying the content digest.
func FromData(d *wire.Data, alloc memory.Allocator) (Batch, error) {
	raw := d.Payload
	var err error
	switch d.Compression {
	case wire.CompressNone:
	case wire.CompressZstd:
		raw, err = compr.DecodeFrame(compr.Decompression("zstd"), d.Payload)
	case wire.CompressS2:
		raw, err = compr.DecodeFrame(compr.Decompression("s2"), d.Payload)
	default:
		err = fmt.Errorf("batch: unknown compression %d", d.Compression)
	}
	if err != nil {
		return Batch{}, err
	}
	if blake2b.Sum256(raw) != d.Digest {
		return Batch{}, ErrDigestMismatch
	}
	return Decode(raw, alloc)
}

// Take builds a new batch holding the given rows of b, in
// order. Row indices may repeat. Only the column types
// that operators evaluate (int64, float64, utf8, bool)
// are supported.
func (b Batch) Take(alloc memory.Allocator, rows []int) (Batch, error) {
	bld := array.NewRecordBuilder(alloc, b.rec.Schema())
	defer bld.Release()
	for col := 0; col < int(b.rec.NumCols()); col++ {
		src := b.rec.Column(col)
		if err := appendRows(bld.Field(col), src, rows); err != nil {
			return Batch{}, fmt.Errorf("batch: column %q: %w",
				b.rec.Schema().Field(col).Name, err)
		}
	}
	rec := bld.NewRecord()
	defer rec.Release()
	return FromRecord(rec), nil
}

func appendRows(dst array.Builder, src arrow.Array, rows []int) error {
	switch s := src.(type) {
	case *array.Int64:
		d := dst.(*array.Int64Builder)
		for _, i := range rows {
			if s.IsNull(i) {
				d.AppendNull()
			} else {
				d.Append(s.Value(i))
			}
		}
	case *array.Float64:
		d := dst.(*array.Float64Builder)
		for _, i := range rows {
			if s.IsNull(i) {
				d.AppendNull()
			} else {
				d.Append(s.Value(i))
			}
		}
	case *array.String:
		d := dst.(*array.StringBuilder)
		for _, i := range rows {
			if s.IsNull(i) {
				d.AppendNull()
			} else {
				d.Append(s.Value(i))
			}
		}
	case *array.Boolean:
		d := dst.(*array.BooleanBuilder)
		for _, i := range rows {
			if s.IsNull(i) {
				d.AppendNull()
			} else {
				d.Append(s.Value(i))
			}
		}
	default:
		return fmt.Errorf("unsupported column type %s", src.DataType())
	}
	return nil
}

// AppendKey appends a canonical byte encoding of column
// value (col, row) to dst, for partition-key hashing.
// Null values encode as a single zero byte.
func AppendKey(dst []byte, col arrow.Array, row int) ([]byte, error) {
	if col.IsNull(row) {
		return append(dst, 0), nil
	}
	switch c := col.(type) {
	case *array.Int64:
		v := uint64(c.Value(row))
		return append(dst,
			byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
			byte(v>>24), byte(v>>16), byte(v>>8), byte(v)), nil
	case *array.Float64:
		// distinct bit patterns hash distinctly; that is
		// all partitioning needs
		return AppendKeyFloat(dst, c.Value(row)), nil
	case *array.String:
		return append(dst, c.Value(row)...), nil
	case *array.Boolean:
		if c.Value(row) {
			return append(dst, 1), nil
		}
		return append(dst, 2), nil
	default:
		return nil, fmt.Errorf("batch: unsupported partition key type %s", col.DataType())
	}
}

// AppendKeyFloat encodes a float64 for key hashing.
func AppendKeyFloat(dst []byte, f float64) []byte {
	v := math.Float64bits(f)
	return append(dst,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
