// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the sensor's single CBOR configuration.
//
// CBOR is used wherever the sensor serializes data it owns: event payloads
// stored in the ring buffer database, the body of every delivery request,
// and the identifier envelope sealed for export. The encoder uses Core
// Deterministic Encoding (RFC 8949 §4.2), so a payload always produces the
// same bytes; the collector can deduplicate retried requests by hashing
// the body.
//
//	data, err := codec.Marshal(payload)
//	err = codec.Unmarshal(data, &payload)
//
// Decoding into an untyped target yields map[string]any, never
// map[any]any, so decoded payloads can be handed to encoding/json.
package codec
