// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ringbuffer

import (
	"fmt"
	"maps"
	"math"
	"strconv"

	"github.com/bureau-foundation/streamsensor/lib/codec"
)

// Value is a payload value: a string or a number.
type Value struct {
	text     string
	number   float64
	isNumber bool
}

// String returns a string Value.
func String(s string) Value {
	return Value{text: s}
}

// Number returns a numeric Value.
func Number(n float64) Value {
	return Value{number: n, isNumber: true}
}

// Int returns a numeric Value from an integer.
func Int(n int64) Value {
	return Number(float64(n))
}

// IsNumber reports whether the value is numeric.
func (v Value) IsNumber() bool {
	return v.isNumber
}

// Text returns the string content, or "" for numbers.
func (v Value) Text() string {
	return v.text
}

// Float returns the numeric content, or 0 for strings.
func (v Value) Float() float64 {
	return v.number
}

// String formats the value for display. Integral numbers print without
// a fractional part.
func (v Value) String() string {
	if !v.isNumber {
		return v.text
	}
	if integral(v.number) {
		return strconv.FormatInt(int64(v.number), 10)
	}
	return strconv.FormatFloat(v.number, 'g', -1, 64)
}

// MarshalCBOR encodes strings as text and numbers as integers when
// integral, floats otherwise.
func (v Value) MarshalCBOR() ([]byte, error) {
	if !v.isNumber {
		return codec.Marshal(v.text)
	}
	if integral(v.number) {
		return codec.Marshal(int64(v.number))
	}
	return codec.Marshal(v.number)
}

// UnmarshalCBOR accepts text, integers and floats.
func (v *Value) UnmarshalCBOR(data []byte) error {
	var decoded any
	if err := codec.Unmarshal(data, &decoded); err != nil {
		return err
	}
	switch typed := decoded.(type) {
	case string:
		*v = String(typed)
	case uint64:
		*v = Number(float64(typed))
	case int64:
		*v = Number(float64(typed))
	case float64:
		*v = Number(typed)
	default:
		return fmt.Errorf("ringbuffer: payload value has unsupported type %T", decoded)
	}
	return nil
}

// integral reports whether n is a whole number exactly representable
// as an int64 through float64.
func integral(n float64) bool {
	return n == math.Trunc(n) && math.Abs(n) <= 1<<53
}

// Payload is the content of a measurement event.
type Payload map[string]Value

// Clone returns an independent copy.
func (p Payload) Clone() Payload {
	return maps.Clone(p)
}

// Strings renders the payload with every value formatted as a string.
func (p Payload) Strings() map[string]string {
	rendered := make(map[string]string, len(p))
	for key, value := range p {
		rendered[key] = value.String()
	}
	return rendered
}
