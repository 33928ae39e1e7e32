// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// FakeClock is a Clock that moves only when Advance is called. Safe for
// concurrent use.
type FakeClock struct {
	mutex   sync.Mutex
	changed *sync.Cond
	now     time.Time
	tickers []*fakeTicker
}

type fakeTicker struct {
	next   time.Time
	period time.Duration
	ticks  chan time.Time
}

// Fake returns a FakeClock reading start.
func Fake(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.changed = sync.NewCond(&c.mutex)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()

	ticker := &fakeTicker{next: c.now.Add(d), period: d, ticks: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, ticker)
	c.changed.Broadcast()
	return &Ticker{C: ticker.ticks, stop: func() { c.remove(ticker) }}
}

func (c *FakeClock) remove(target *fakeTicker) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.tickers = slices.DeleteFunc(c.tickers, func(ticker *fakeTicker) bool {
		return ticker == target
	})
	c.changed.Broadcast()
}

// Advance moves the clock forward by d. Each ticker that came due gets
// one tick stamped with the new time, however many periods elapsed; a
// ticker whose channel is still full misses it.
func (c *FakeClock) Advance(d time.Duration) {
	c.mutex.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var due []*fakeTicker
	for _, ticker := range c.tickers {
		if ticker.next.After(now) {
			continue
		}
		for !ticker.next.After(now) {
			ticker.next = ticker.next.Add(ticker.period)
		}
		due = append(due, ticker)
	}
	c.mutex.Unlock()

	for _, ticker := range due {
		select {
		case ticker.ticks <- now:
		default:
		}
	}
}

// WaitForTimers blocks until at least n tickers are running. Tests call
// it before Advance so a goroutine's ticker cannot miss the tick.
func (c *FakeClock) WaitForTimers(n int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for len(c.tickers) < n {
		c.changed.Wait()
	}
}
