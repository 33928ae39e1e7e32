// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

// recorder captures Fatalf instead of stopping the test. Fatalf panics
// so that helpers stop at the same point they would under testing.T.
type recorder struct {
	message string
}

type fatal struct{}

func (r *recorder) Helper() {}

func (r *recorder) Fatalf(format string, args ...any) {
	r.message = fmt.Sprintf(format, args...)
	panic(fatal{})
}

func capture(fn func(r *recorder)) (message string) {
	r := &recorder{}
	defer func() {
		if recovered := recover(); recovered != nil {
			if _, ok := recovered.(fatal); !ok {
				panic(recovered)
			}
		}
		message = r.message
	}()
	fn(r)
	return ""
}

func TestRequireReceive(t *testing.T) {
	ch := make(chan int, 1)
	ch <- 7
	if got := RequireReceive(t, ch, time.Second, "value"); got != 7 {
		t.Errorf("RequireReceive = %d, want 7", got)
	}

	message := capture(func(r *recorder) {
		RequireReceive(r, make(chan int), 10*time.Millisecond, "waiting for %s", "nothing")
	})
	if !strings.Contains(message, "waiting for nothing") {
		t.Errorf("timeout message = %q", message)
	}

	closed := make(chan int)
	close(closed)
	message = capture(func(r *recorder) {
		RequireReceive(r, closed, time.Second)
	})
	if !strings.Contains(message, "channel closed") {
		t.Errorf("closed-channel message = %q", message)
	}
}

func TestRequireNoReceive(t *testing.T) {
	RequireNoReceive(t, make(chan int), 5*time.Millisecond)

	ch := make(chan int, 1)
	ch <- 1
	message := capture(func(r *recorder) {
		RequireNoReceive(r, ch, time.Second, "quiet")
	})
	if !strings.Contains(message, "unexpected value 1") {
		t.Errorf("message = %q", message)
	}
}

func TestWaitFor(t *testing.T) {
	ch := make(chan int, 4)
	for _, v := range []int{1, 2, 3, 4} {
		ch <- v
	}
	got := WaitFor(t, ch, time.Second, func(v int) bool { return v%3 == 0 }, "multiple of three")
	if got != 3 {
		t.Errorf("WaitFor = %d, want 3", got)
	}
	if next := RequireReceive(t, ch, time.Second); next != 4 {
		t.Errorf("value after match = %d, want 4", next)
	}
}

func TestRequireClosed(t *testing.T) {
	done := make(chan struct{})
	close(done)
	RequireClosed(t, done, time.Second, "closed")

	message := capture(func(r *recorder) {
		RequireClosed(r, make(chan struct{}), 10*time.Millisecond, "never")
	})
	if !strings.Contains(message, "never") {
		t.Errorf("message = %q", message)
	}
}
