// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package compr provides a unified interface wrapping
// third-party compression libraries for batch payloads
// on the wire.
package compr

import (
	"encoding/binary"
	"fmt"
	"runtime"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compressor describes a compression algorithm used for
// Data frame payloads.
type Compressor interface {
	// Name is the name of the compression algorithm.
	Name() string
	// Compress appends the compressed contents of src
	// to dst and returns the result.
	Compress(src, dst []byte) []byte
}

// Decompressor is the inverse of a Compressor.
type Decompressor interface {
	// Name is the name of the compression algorithm.
	// See also Compressor.Name.
	Name() string
	// Decompress decompresses src into dst. dst must be
	// exactly the size of the original input.
	//
	// It must be safe to make multiple calls to
	// Decompress simultaneously from different
	// goroutines.
	Decompress(src, dst []byte) error
}

type zstdCompressor struct {
	enc *zstd.Encoder
}

func (z zstdCompressor) Compress(src, dst []byte) []byte {
	return z.enc.EncodeAll(src, dst)
}

func (z zstdCompressor) Name() string { return "zstd" }

var zstdDecoder *zstd.Decoder

func init() {
	// by default, concurrency is set to min(4, GOMAXPROCS);
	// we'd like it to *always* be GOMAXPROCS
	z, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(runtime.GOMAXPROCS(0)))
	if err != nil {
		panic(err)
	}
	zstdDecoder = z
}

type zstdDecompressor zstd.Decoder

func (z *zstdDecompressor) Name() string { return "zstd" }

func (z *zstdDecompressor) Decompress(src, dst []byte) error {
	ret, err := (*zstd.Decoder)(z).DecodeAll(src, dst[:0:len(dst)])
	if err != nil {
		return err
	}
	if len(ret) != len(dst) {
		return fmt.Errorf("expected %d bytes decompressed; got %d", len(dst), len(ret))
	}
	// the decoder should not have had to
	// realloc the buffer
	if &ret[0] != &dst[0] {
		return fmt.Errorf("zstd decompress: output buffer realloc'd")
	}
	return nil
}

type s2Compressor struct{}

func (s2Compressor) Compress(src, dst []byte) []byte {
	// s2 requires non-overlapping src and dst,
	// so encode into fresh space
	return append(dst, s2.Encode(nil, src)...)
}

func (s2Compressor) Decompress(src, dst []byte) error {
	ret, err := s2.Decode(dst[:0:len(dst)], src)
	if err != nil {
		return err
	}
	if len(ret) != len(dst) {
		return fmt.Errorf("expected %d bytes decompressed; got %d", len(dst), len(ret))
	}
	if &ret[0] != &dst[0] {
		return fmt.Errorf("s2 decompress: output buffer realloc'd")
	}
	return nil
}

func (s2Compressor) Name() string { return "s2" }

// Compression selects a compression algorithm by name.
// The returned Compressor will return the same value
// for Compressor.Name as the specified name.
func Compression(name string) Compressor {
	switch name {
	case "zstd-better":
		z, _ := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
			zstd.WithEncoderConcurrency(1))
		return zstdCompressor{z}
	case "zstd":
		z, _ := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		return zstdCompressor{z}
	case "s2":
		return s2Compressor{}
	default:
		return nil
	}
}

// Decompression selects a decompression algorithm by name.
func Decompression(name string) Decompressor {
	switch name {
	case "zstd":
		return (*zstdDecompressor)(zstdDecoder)
	case "s2":
		return s2Compressor{}
	default:
		return nil
	}
}

// EncodeFrame compresses src with c and prepends the
// original length so that DecodeFrame can size its output
// buffer without external bookkeeping.
func EncodeFrame(c Compressor, src []byte) []byte {
	dst := binary.BigEndian.AppendUint64(nil, uint64(len(src)))
	return c.Compress(src, dst)
}

// maxDecodedFrame bounds the decompressed size a frame
// may declare; larger values are treated as corrupt.
const maxDecodedFrame = 1 << 32

// DecodeFrame reverses EncodeFrame.
func DecodeFrame(d Decompressor, src []byte) ([]byte, error) {
	if len(src) < 8 {
		return nil, fmt.Errorf("compr: frame too short: %d bytes", len(src))
	}
	size := binary.BigEndian.Uint64(src)
	if size > maxDecodedFrame {
		return nil, fmt.Errorf("compr: frame declares %d decompressed bytes", size)
	}
	if size == 0 {
		return nil, nil
	}
	dst := make([]byte, size)
	if err := d.Decompress(src[8:], dst); err != nil {
		return nil, err
	}
	return dst, nil
}
