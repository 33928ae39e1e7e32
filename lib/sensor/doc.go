// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sensor is the entry point for streaming measurement.
//
// A host application creates one [Sensor] per process, either as an
// explicit value with [New] or through the process-wide [Initialize] and
// [Instance] pair, which refuses a second initialization for the life of
// the process. [Sensor.Track] starts a [Session] for one piece of
// content. While a session is active the sensor samples its
// [StreamAdapter] every sample interval and enqueues measurement events
// into a durable ring buffer; a delivery worker drains the buffer to
// the measurement endpoint when the network is reachable.
//
// No caller-facing method performs network I/O. Errors from background
// work (storage, delivery, probing) are logged and published to the
// debug sink returned by [Sensor.Subscribe], never returned. The only
// errors callers see are the programming errors [ErrAlreadyInitialized],
// [ErrNotInitialized], [ErrInvalidArgument] and
// [ErrMissingMandatoryField], plus the outcome of an explicit
// [Sensor.Flush] or [Sensor.Clear].
//
// Host lifecycle events map to [Sensor.EnterBackground], which pauses
// sampling and flushes immediately, and [Sensor.EnterForeground].
// [Sensor.Unload] ends every session, stops the background goroutines
// and makes a final bounded flush.
package sensor
