// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package connectivity tracks whether the measurement endpoint is
// reachable.
//
// A [Monitor] combines three inputs: an active [Probe] polled on a fixed
// interval, reachability pushed by the platform through [Monitor.Set],
// and passive results reported by the delivery loop. The state is
// eventually consistent. A false "online" costs one failed delivery
// attempt, which the retry policy absorbs; a false "offline" only
// delays delivery until the next probe.
//
// Every probe and reported result is kept in a one-hour call history
// from which [Monitor.Snapshot] derives a success rate and a
// healthy/degraded/unhealthy status.
package connectivity
