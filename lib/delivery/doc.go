// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package delivery drains the ring buffer to the measurement endpoint.
//
// A [Worker] wakes every delivery interval, skips the cycle while the
// [connectivity.Monitor] reports offline or offline mode is on, and
// otherwise delivers the oldest events in order through a [Transport].
// Delivered events are acknowledged. A failed event stays queued with
// its attempt count raised; once it reaches the attempt limit it is
// evicted and counted as permanently failed. A cycle stops at its first
// failure and the worker backs off exponentially, capped, until a
// delivery succeeds again.
//
// Network calls work on copies from [ringbuffer.Buffer.PeekBatch], so
// the buffer lock is never held across I/O. Every attempt is published
// to the debug sink as a [notify.KindRequest] event.
//
// [HTTPTransport] is the production Transport: one CBOR-encoded POST
// per event, optionally zstd-compressed, over HTTP/2 when the endpoint
// speaks TLS.
package delivery
