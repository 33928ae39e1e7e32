// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity derives the hashed device identifiers attached to
// measurement events.
//
// Three identifiers exist, keyed the way the measurement backend expects:
//
//   - "mid": derived from the first non-loopback hardware address, or
//     from the vendor id on hosts without one.
//   - "ai": the advertising id, only when the host supplied one and
//     enabled its use. An all-zero id means the user limited ad
//     tracking and counts as absent.
//   - "ifv": the vendor id, an HKDF-SHA256 derivation of a random
//     per-install secret and the site name. The same install reports
//     different vendor ids to different sites.
//
// Every value is hashed with BLAKE3 in keyed mode under a fixed ASCII
// domain key, truncated to 16 bytes and hex-encoded. Plain identifiers
// never leave the [Provider].
//
// The install secret is the only persisted state. It is written
// atomically with lib/statefile and held in a lib/secret buffer only
// while the vendor id is derived.
package identity
