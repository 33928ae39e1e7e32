// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ringbuffer is the sensor's durable, bounded event queue.
//
// A [Buffer] holds at most Capacity events in FIFO order. Enqueue on a
// full buffer evicts the oldest event in the same store commit that
// appends the new one, so the persisted state never exceeds capacity
// and never loses the newest events. Every mutation (enqueue,
// acknowledge, failure accounting, clear) is applied to the [Store]
// before the in-memory copy changes; a failed commit leaves both
// untouched.
//
// Sequence numbers are assigned at enqueue, strictly increasing, and
// survive restarts through the store's recorded last sequence.
//
// Readers get copies. PeekBatch never removes anything; delivery
// acknowledges by sequence once the collector has accepted an event.
// Unknown sequences are ignored, so acknowledging twice is harmless.
//
// Two stores exist. [MemoryStore] keeps state for the life of the
// process. [SQLiteStore] keeps it in a WAL-mode SQLite database (via
// lib/sqlitepool) with CBOR payloads compressed by lib/compress, and
// takes an exclusive flock on a sibling lock file so two processes
// never share one buffer.
//
// When stored state cannot be read, [Open] clears it and publishes
// notify.KindPersistenceReset: the sensor keeps measuring with an
// empty buffer rather than refusing to start.
package ringbuffer
