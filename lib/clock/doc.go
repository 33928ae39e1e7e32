// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source used by the sensor's
// background loops.
//
// The delivery worker, the connectivity monitor, and the session sampler
// never call time.Now or time.NewTicker directly. They hold a
// Clock: Real() in production, Fake() in tests. With a FakeClock a test can
// let a 10-second delivery cadence elapse instantly and deterministically:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	worker := delivery.New(delivery.Config{Clock: c, ...})
//	go worker.Run(ctx)
//	c.WaitForTimers(1)          // the worker's ticker is registered
//	c.Advance(10 * time.Second) // one delivery tick
//
// WaitForTimers closes the race between a goroutine registering its ticker
// and the test advancing time.
package clock
