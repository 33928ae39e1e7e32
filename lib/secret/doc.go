// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds key material outside the Go heap.
//
// [Buffer] allocates an anonymous mmap region, tries to mlock it and to
// exclude it from core dumps, and zeroes and unmaps it on Close. The
// sensor keeps its per-install identifier secret and any age identity
// read by the CLI in a Buffer, so the garbage collector never copies
// them around.
//
// mlock is best-effort: unprivileged processes often have a small
// RLIMIT_MEMLOCK, and an embedded sensor must keep working anyway.
// [Buffer.Locked] reports whether the lock succeeded.
package secret
