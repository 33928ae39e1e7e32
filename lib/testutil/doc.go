// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for streamsensor packages.
//
// [RequireReceive], [RequireClosed], [RequireNoReceive] and [WaitFor]
// encapsulate the timeout safety valve pattern (select with a wall-clock
// fallback) so individual tests do not need direct time.After calls.
// Cadence in the sensor runs on lib/clock; these helpers only bound how
// long a broken test can hang.
//
// All helpers call t.Fatalf on failure rather than returning errors.
package testutil
