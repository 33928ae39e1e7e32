// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ringbuffer

import (
	"testing"

	"github.com/bureau-foundation/streamsensor/lib/codec"
)

func TestValueString(t *testing.T) {
	tests := []struct {
		value Value
		want  string
	}{
		{String("live"), "live"},
		{Int(3600), "3600"},
		{Number(-12), "-12"},
		{Number(0.5), "0.5"},
	}
	for _, test := range tests {
		if got := test.value.String(); got != test.want {
			t.Errorf("String() = %q, want %q", got, test.want)
		}
	}
}

func TestPayloadCBOR(t *testing.T) {
	payload := Payload{
		"name": String("episode-1"),
		"pos":  Int(42),
		"dur":  Int(1 << 40),
		"rate": Number(1.25),
		"neg":  Int(-7),
	}
	data, err := codec.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded Payload
	if err := codec.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(decoded) != len(payload) {
		t.Fatalf("decoded %d keys, want %d", len(decoded), len(payload))
	}
	for key, want := range payload {
		got := decoded[key]
		if got != want {
			t.Errorf("%s = %#v, want %#v", key, got, want)
		}
	}
}

func TestIntegralNumbersEncodeAsIntegers(t *testing.T) {
	data, err := codec.Marshal(Int(10))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	// CBOR major type 0, value 10 fits in the initial byte.
	if len(data) != 1 || data[0] != 0x0a {
		t.Errorf("Int(10) encoded as %x, want 0a", data)
	}
}

func TestValueRejectsUnsupportedTypes(t *testing.T) {
	data, err := codec.Marshal(map[string]any{"nested": []int{1, 2}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded Payload
	if err := codec.Unmarshal(data, &decoded); err == nil {
		t.Fatal("Unmarshal accepted an array value")
	}
}

func TestPayloadClone(t *testing.T) {
	original := Payload{"pos": Int(1)}
	clone := original.Clone()
	clone["pos"] = Int(2)
	if original["pos"].Float() != 1 {
		t.Error("Clone shares storage with the original")
	}
	if rendered := original.Strings(); rendered["pos"] != "1" {
		t.Errorf("Strings = %v", rendered)
	}
}
