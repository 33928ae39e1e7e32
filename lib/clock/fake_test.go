// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClockNow(t *testing.T) {
	clock := Fake(epoch)
	if got := clock.Now(); !got.Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", got, epoch)
	}
	clock.Advance(5 * time.Second)
	if got, want := clock.Now(), epoch.Add(5*time.Second); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeClockTicker(t *testing.T) {
	clock := Fake(epoch)
	ticker := clock.NewTicker(10 * time.Second)
	defer ticker.Stop()

	clock.Advance(9 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("ticker fired before its period")
	default:
	}

	for i := 1; i <= 3; i++ {
		clock.Advance(10 * time.Second)
		select {
		case fired := <-ticker.C:
			if !fired.Equal(clock.Now()) {
				t.Fatalf("tick %d stamped %v, want %v", i, fired, clock.Now())
			}
		default:
			t.Fatalf("tick %d missing", i)
		}
	}
}

func TestFakeClockTickerDropsWhenFull(t *testing.T) {
	clock := Fake(epoch)
	ticker := clock.NewTicker(time.Second)
	defer ticker.Stop()

	clock.Advance(5 * time.Second)
	clock.Advance(time.Second)

	<-ticker.C
	select {
	case <-ticker.C:
		t.Fatal("ticker queued more than one tick")
	default:
	}
}

func TestFakeClockTickerStop(t *testing.T) {
	clock := Fake(epoch)
	ticker := clock.NewTicker(time.Second)

	ticker.Stop()
	clock.Advance(2 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
	if len(clock.tickers) != 0 {
		t.Fatalf("%d tickers registered after Stop, want 0", len(clock.tickers))
	}
}

func TestFakeClockWaitForTimers(t *testing.T) {
	clock := Fake(epoch)
	ticked := make(chan struct{})

	go func() {
		ticker := clock.NewTicker(time.Minute)
		defer ticker.Stop()
		<-ticker.C
		close(ticked)
	}()

	clock.WaitForTimers(1)
	clock.Advance(time.Minute)
	<-ticked
}
