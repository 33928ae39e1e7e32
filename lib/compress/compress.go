// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress wraps the two compressors the sensor uses: LZ4 block
// compression for payload blobs stored in the ring buffer database (cheap
// on the enqueue path), and zstd for delivery request bodies (better ratio
// for the network, where bytes cost more than CPU).
package compress

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Tag identifies how a stored blob was compressed. Tags are persisted
// alongside the blob; the values are format constants.
type Tag uint8

const (
	// None stores the bytes as-is. Used when compression does not shrink
	// the input (tiny payloads).
	None Tag = 0

	// LZ4 is LZ4 block compression.
	LZ4 Tag = 1

	// Zstd is zstd at the default level.
	Zstd Tag = 2
)

// String returns the tag's name.
func (tag Tag) String() string {
	switch tag {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// ParseTag parses a tag name as used in configuration.
func ParseTag(name string) (Tag, error) {
	switch name {
	case "none", "":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	default:
		return 0, fmt.Errorf("compress: unknown algorithm %q", name)
	}
}

// errIncompressible is returned internally when the compressed form is not
// smaller than the input.
var errIncompressible = errors.New("compress: data is incompressible")

// Compress compresses data with the requested algorithm. When the result
// would not be smaller it returns the input unchanged tagged None, so the
// returned tag is the one to persist.
func Compress(data []byte, tag Tag) ([]byte, Tag, error) {
	var (
		compressed []byte
		err        error
	)
	switch tag {
	case None:
		return data, None, nil
	case LZ4:
		compressed, err = compressLZ4(data)
	case Zstd:
		compressed, err = compressZstd(data)
	default:
		return nil, 0, fmt.Errorf("compress: unsupported tag %d", tag)
	}
	if errors.Is(err, errIncompressible) {
		return data, None, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return compressed, tag, nil
}

// Decompress reverses Compress. uncompressedSize must be the original
// length; a mismatch is reported as an error because it means the stored
// blob is corrupt.
func Decompress(compressed []byte, tag Tag, uncompressedSize int) ([]byte, error) {
	switch tag {
	case None:
		if len(compressed) != uncompressedSize {
			return nil, fmt.Errorf("compress: stored size %d does not match expected %d",
				len(compressed), uncompressedSize)
		}
		return compressed, nil
	case LZ4:
		return decompressLZ4(compressed, uncompressedSize)
	case Zstd:
		return decompressZstd(compressed, uncompressedSize)
	default:
		return nil, fmt.Errorf("compress: unsupported tag %d", tag)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock reports 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, uncompressedSize)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != uncompressedSize {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
	}
	return destination, nil
}

// zstd.Encoder and zstd.Decoder are safe for concurrent EncodeAll and
// DecodeAll calls, so one of each serves the whole process.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(64<<20))
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, uncompressedSize int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, uncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != uncompressedSize {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)
	}
	return result, nil
}

// EncodeZstd compresses a request body. Unlike Compress it always returns
// zstd framing, because the receiver decides from the Content-Encoding
// header alone.
func EncodeZstd(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, nil)
}

// DecodeZstd decompresses a zstd frame of unknown size, refusing output
// larger than limit.
func DecodeZstd(compressed []byte, limit int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	if len(result) > limit {
		return nil, fmt.Errorf("zstd decode: %d bytes exceeds limit %d", len(result), limit)
	}
	return result, nil
}
