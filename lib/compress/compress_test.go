// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compress

import (
	"bytes"
	"strings"
	"testing"
)

func TestCompressRoundtrip(t *testing.T) {
	data := []byte(strings.Repeat("site=s&app=a&pos=12&dur=3600;", 64))

	for _, tag := range []Tag{None, LZ4, Zstd} {
		t.Run(tag.String(), func(t *testing.T) {
			compressed, used, err := Compress(data, tag)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			if used != tag {
				t.Fatalf("used tag %v, want %v for compressible input", used, tag)
			}
			if tag != None && len(compressed) >= len(data) {
				t.Fatalf("compressed size %d not smaller than %d", len(compressed), len(data))
			}
			restored, err := Decompress(compressed, used, len(data))
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(restored, data) {
				t.Fatal("roundtrip mismatch")
			}
		})
	}
}

func TestCompressFallsBackToNone(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03}
	for _, tag := range []Tag{LZ4, Zstd} {
		compressed, used, err := Compress(data, tag)
		if err != nil {
			t.Fatalf("Compress(%v): %v", tag, err)
		}
		if used != None {
			t.Fatalf("Compress(%v) of 3 bytes used %v, want none", tag, used)
		}
		if !bytes.Equal(compressed, data) {
			t.Fatalf("Compress(%v) altered incompressible data", tag)
		}
	}
}

func TestDecompressSizeMismatch(t *testing.T) {
	data := []byte(strings.Repeat("a", 512))
	compressed, used, err := Compress(data, LZ4)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if _, err := Decompress(compressed, used, 100); err == nil {
		t.Fatal("Decompress accepted a wrong uncompressed size")
	}
}

func TestZstdFraming(t *testing.T) {
	data := []byte(strings.Repeat("event", 100))
	frame := EncodeZstd(data)

	restored, err := DecodeZstd(frame, 1<<20)
	if err != nil {
		t.Fatalf("DecodeZstd: %v", err)
	}
	if !bytes.Equal(restored, data) {
		t.Fatal("roundtrip mismatch")
	}
	if _, err := DecodeZstd(frame, 10); err == nil {
		t.Fatal("DecodeZstd ignored its limit")
	}
}

func TestParseTag(t *testing.T) {
	for name, want := range map[string]Tag{"": None, "none": None, "lz4": LZ4, "zstd": Zstd} {
		got, err := ParseTag(name)
		if err != nil || got != want {
			t.Errorf("ParseTag(%q) = %v, %v; want %v", name, got, err, want)
		}
	}
	if _, err := ParseTag("gzip"); err == nil {
		t.Error("ParseTag accepted gzip")
	}
}
