// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/bureau-foundation/streamsensor/lib/clock"
	"github.com/bureau-foundation/streamsensor/lib/connectivity"
	"github.com/bureau-foundation/streamsensor/lib/notify"
	"github.com/bureau-foundation/streamsensor/lib/ringbuffer"
	"github.com/bureau-foundation/streamsensor/lib/testutil"
)

const interval = 10 * time.Second

// mockTransport records delivered sequences. respond, when set,
// decides each attempt's outcome.
type mockTransport struct {
	mutex     sync.Mutex
	delivered []uint64
	attempts  int
	respond   func(ringbuffer.Event) (int, error)
}

func (m *mockTransport) Deliver(ctx context.Context, event ringbuffer.Event) (Result, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.attempts++
	status, err := 200, error(nil)
	if m.respond != nil {
		status, err = m.respond(event)
	}
	if err == nil {
		m.delivered = append(m.delivered, event.Sequence)
	}
	return Result{StatusCode: status, Request: "POST mock"}, err
}

func (m *mockTransport) setRespond(respond func(ringbuffer.Event) (int, error)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.respond = respond
}

func (m *mockTransport) snapshot() ([]uint64, int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]uint64(nil), m.delivered...), m.attempts
}

func serverError(ringbuffer.Event) (int, error) {
	return 503, &StatusError{StatusCode: 503}
}

func refused(ringbuffer.Event) (int, error) {
	return 0, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
}

type harness struct {
	clock     *clock.FakeClock
	buffer    *ringbuffer.Buffer
	transport *mockTransport
	monitor   *connectivity.Monitor
	worker    *Worker
	events    <-chan notify.Event
	offline   atomic.Bool
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{clock: clock.Fake(epoch), transport: &mockTransport{}}
	sink := notify.NewSink(h.clock.Now)
	events, cancel := sink.Subscribe(256)
	t.Cleanup(cancel)
	h.events = events

	buffer, err := ringbuffer.Open(context.Background(), ringbuffer.Config{Clock: h.clock, Sink: sink})
	if err != nil {
		t.Fatalf("ringbuffer.Open: %v", err)
	}
	t.Cleanup(func() { buffer.Close() })
	h.buffer = buffer
	h.monitor = connectivity.New(connectivity.Config{Clock: h.clock, Sink: sink})

	cfg.Buffer = buffer
	cfg.Transport = h.transport
	cfg.Monitor = h.monitor
	cfg.OfflineMode = h.offline.Load
	cfg.Interval = interval
	cfg.Clock = h.clock
	cfg.Sink = sink
	worker, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { worker.Close() })
	h.worker = worker
	return h
}

// start runs the worker until the test ends and waits for its ticker.
func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.worker.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "Run did not return")
	})
	h.clock.WaitForTimers(1)
}

func (h *harness) enqueue(t *testing.T, count int) {
	t.Helper()
	for index := range count {
		payload := ringbuffer.Payload{"ev": ringbuffer.String("sample"), "n": ringbuffer.Int(int64(index))}
		if _, err := h.buffer.Enqueue(context.Background(), payload); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
}

// tick advances one interval and returns the tick outcome.
func (h *harness) tick(t *testing.T) string {
	t.Helper()
	h.clock.Advance(interval)
	return h.nextTick(t)
}

func (h *harness) nextTick(t *testing.T) string {
	t.Helper()
	event := testutil.WaitFor(t, h.events, 5*time.Second, func(event notify.Event) bool {
		return event.Kind == notify.KindTick
	}, "tick outcome")
	return event.Detail
}

func equalSequences(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for index := range a {
		if a[index] != b[index] {
			return false
		}
	}
	return true
}

func TestTickDeliversInOrder(t *testing.T) {
	h := newHarness(t, Config{})
	h.enqueue(t, 3)
	h.start(t)

	if outcome := h.tick(t); outcome != "delivered 3" {
		t.Fatalf("tick outcome = %q", outcome)
	}
	delivered, _ := h.transport.snapshot()
	if !equalSequences(delivered, []uint64{1, 2, 3}) {
		t.Errorf("delivered %v, want [1 2 3]", delivered)
	}
	if h.buffer.Len() != 0 {
		t.Errorf("Len = %d after delivery", h.buffer.Len())
	}
	if stats := h.worker.Stats(); stats.Delivered != 3 || stats.Failed != 0 {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestNothingBeforeFirstTick(t *testing.T) {
	h := newHarness(t, Config{})
	h.enqueue(t, 2)
	h.start(t)

	h.clock.Advance(interval - time.Second)
	testutil.RequireNoReceive(t, h.events, 50*time.Millisecond, "worker acted before its interval")
	if _, attempts := h.transport.snapshot(); attempts != 0 {
		t.Fatalf("attempts = %d before the first tick", attempts)
	}
}

func TestBatchSizeBoundsATick(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 2})
	h.enqueue(t, 5)
	h.start(t)

	if outcome := h.tick(t); outcome != "delivered 2" {
		t.Fatalf("first tick = %q", outcome)
	}
	if h.buffer.Len() != 3 {
		t.Errorf("Len = %d, want 3", h.buffer.Len())
	}
}

func TestOfflineTicksThenDrain(t *testing.T) {
	h := newHarness(t, Config{})
	h.monitor.Set(false)
	h.enqueue(t, 5)
	h.start(t)

	for range 3 {
		if outcome := h.tick(t); outcome != "offline" {
			t.Fatalf("offline tick = %q", outcome)
		}
	}
	if _, attempts := h.transport.snapshot(); attempts != 0 {
		t.Fatalf("attempts = %d while offline, want 0", attempts)
	}
	if h.buffer.Len() != 5 {
		t.Fatalf("Len = %d while offline, want 5", h.buffer.Len())
	}

	h.monitor.Set(true)
	if outcome := h.tick(t); outcome != "delivered 5" {
		t.Fatalf("tick after reconnect = %q", outcome)
	}
	delivered, _ := h.transport.snapshot()
	if !equalSequences(delivered, []uint64{1, 2, 3, 4, 5}) {
		t.Errorf("delivered %v", delivered)
	}
}

func TestOfflineModeSuspendsDelivery(t *testing.T) {
	h := newHarness(t, Config{})
	h.offline.Store(true)
	h.enqueue(t, 2)
	h.start(t)

	if outcome := h.tick(t); outcome != "offline" {
		t.Fatalf("tick in offline mode = %q", outcome)
	}
	if err := h.worker.Flush(context.Background()); !errors.Is(err, ErrOffline) {
		t.Fatalf("Flush in offline mode = %v, want ErrOffline", err)
	}

	h.offline.Store(false)
	if outcome := h.tick(t); outcome != "delivered 2" {
		t.Fatalf("tick after leaving offline mode = %q", outcome)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	h := newHarness(t, Config{BackoffMax: 40 * time.Second, MaxAttempts: 100})
	h.transport.setRespond(serverError)
	h.enqueue(t, 1)
	h.start(t)

	// Each entry is one tick: whether it attempted delivery and the
	// back-off in force afterwards.
	steps := []struct {
		attempted bool
		backoff   time.Duration
	}{
		{true, 10 * time.Second},  // t=10, retry at 20
		{true, 20 * time.Second},  // t=20, retry at 40
		{false, 20 * time.Second}, // t=30
		{true, 40 * time.Second},  // t=40, retry at 80
		{false, 40 * time.Second}, // t=50
		{false, 40 * time.Second}, // t=60
		{false, 40 * time.Second}, // t=70
		{true, 40 * time.Second},  // t=80, capped, retry at 120
		{false, 40 * time.Second}, // t=90
	}
	previous := 0
	for index, step := range steps {
		outcome := h.tick(t)
		_, attempts := h.transport.snapshot()
		if attempted := attempts > previous; attempted != step.attempted {
			t.Fatalf("tick %d (%q): attempted = %v, want %v", index+1, outcome, attempted, step.attempted)
		}
		previous = attempts
		if !step.attempted && outcome != "backoff" {
			t.Errorf("tick %d outcome = %q, want backoff", index+1, outcome)
		}
		if backoff := h.worker.Stats().Backoff; backoff != step.backoff {
			t.Errorf("tick %d backoff = %v, want %v", index+1, backoff, step.backoff)
		}
	}
}

func TestSuccessResetsBackoff(t *testing.T) {
	h := newHarness(t, Config{})
	h.transport.setRespond(serverError)
	h.enqueue(t, 1)
	h.start(t)

	h.tick(t) // t=10 fails, retry at 20
	h.tick(t) // t=20 fails, retry at 40
	h.transport.setRespond(nil)
	if outcome := h.tick(t); outcome != "backoff" { // t=30
		t.Fatalf("t=30 outcome = %q, want backoff", outcome)
	}
	if outcome := h.tick(t); outcome != "delivered 1" { // t=40
		t.Fatalf("t=40 outcome = %q", outcome)
	}
	if stats := h.worker.Stats(); stats.Backoff != 0 || !stats.RetryAt.IsZero() {
		t.Errorf("Stats after success = %+v, want no back-off", stats)
	}
}

func TestFailureStopsTheCycle(t *testing.T) {
	h := newHarness(t, Config{})
	h.transport.setRespond(func(event ringbuffer.Event) (int, error) {
		if event.Sequence == 2 {
			return serverError(event)
		}
		return 200, nil
	})
	h.enqueue(t, 3)
	h.start(t)

	outcome := h.tick(t)
	if !strings.HasPrefix(outcome, "delivered 1, failed") {
		t.Fatalf("outcome = %q", outcome)
	}
	events := h.buffer.PeekBatch(0)
	if len(events) != 2 || events[0].Sequence != 2 || events[0].Attempts != 1 || events[1].Attempts != 0 {
		t.Errorf("remaining events = %+v, want 2 (1 attempt) and 3 (untouched)", events)
	}
}

func TestPermanentFailureEvicts(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 2})
	h.transport.setRespond(serverError)
	h.enqueue(t, 2)
	h.start(t)

	h.tick(t) // t=10: event 1 attempt 1, retry at 20
	h.tick(t) // t=20: event 1 attempt 2, evicted

	permanent := testutil.WaitFor(t, h.events, 5*time.Second, func(event notify.Event) bool {
		return event.Kind == notify.KindPermanentFailure
	}, "permanent failure notification")
	if permanent.Sequence != 1 || permanent.StatusCode != 503 {
		t.Errorf("notification = %+v", permanent)
	}
	if stats := h.worker.Stats(); stats.PermanentlyFailed != 1 || stats.Failed != 2 {
		t.Errorf("Stats = %+v", stats)
	}
	if events := h.buffer.PeekBatch(0); len(events) != 1 || events[0].Sequence != 2 {
		t.Errorf("remaining = %+v, want only event 2", events)
	}
}

func TestNetworkErrorsUseLargerBudget(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 3})
	h.transport.setRespond(refused)
	h.enqueue(t, 2)

	// The endpoint accepts connections but every request dies on the
	// wire, so the monitor is told it is online before each flush.
	for attempt := 1; attempt < 6; attempt++ {
		h.monitor.Set(true)
		if err := h.worker.Flush(context.Background()); err == nil {
			t.Fatalf("Flush %d succeeded", attempt)
		}
		if events := h.buffer.PeekBatch(1); len(events) != 1 || events[0].Sequence != 1 || events[0].Attempts != attempt {
			t.Fatalf("after %d failures head = %+v", attempt, events)
		}
	}

	h.monitor.Set(true)
	if err := h.worker.Flush(context.Background()); err == nil {
		t.Fatal("final Flush succeeded")
	}
	permanent := testutil.WaitFor(t, h.events, 5*time.Second, func(event notify.Event) bool {
		return event.Kind == notify.KindPermanentFailure
	}, "permanent failure notification")
	if permanent.Sequence != 1 || !strings.Contains(permanent.Detail, "connection refused") {
		t.Errorf("notification = %+v", permanent)
	}
	if stats := h.worker.Stats(); stats.PermanentlyFailed != 1 || stats.Failed != 6 {
		t.Errorf("Stats = %+v", stats)
	}
	if events := h.buffer.PeekBatch(0); len(events) != 1 || events[0].Sequence != 2 || events[0].Attempts != 0 {
		t.Errorf("remaining = %+v, want only event 2, untouched", events)
	}
}

func TestTrialDeliveryRecoversWithoutProbe(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 1})
	h.transport.setRespond(refused)
	h.enqueue(t, 1)
	h.start(t)

	// t=10: online, refused. Charged against the network budget of 2.
	if outcome := h.tick(t); !strings.HasPrefix(outcome, "delivered 0, failed") {
		t.Fatalf("first tick = %q", outcome)
	}
	if h.monitor.Online() {
		t.Fatal("monitor still online after connection refused")
	}
	if !h.monitor.AwaitingTrial() {
		t.Fatal("monitor without a probe is not awaiting a trial")
	}

	// t=20: back-off of 10s expired; the trial fails, attempts unchanged.
	if outcome := h.tick(t); !strings.HasPrefix(outcome, "trial: delivered 0, failed") {
		t.Fatalf("trial tick = %q", outcome)
	}
	if events := h.buffer.PeekBatch(0); len(events) != 1 || events[0].Attempts != 1 {
		t.Fatalf("events = %+v, want one event with one attempt", events)
	}

	// t=30: back-off is now 20s, retry at 40.
	if outcome := h.tick(t); outcome != "backoff" {
		t.Fatalf("tick during back-off = %q", outcome)
	}

	h.transport.setRespond(nil)
	if outcome := h.tick(t); outcome != "trial: delivered 1" {
		t.Fatalf("recovering tick = %q", outcome)
	}
	if !h.monitor.Online() {
		t.Error("monitor offline after a successful trial")
	}
	if h.worker.Stats().PermanentlyFailed != 0 {
		t.Error("an outage caused a permanent failure")
	}
}

func TestPlatformOfflineBlocksTrials(t *testing.T) {
	h := newHarness(t, Config{})
	h.enqueue(t, 1)
	h.start(t)

	h.monitor.Set(false)
	if h.monitor.AwaitingTrial() {
		t.Fatal("platform-reported outage allows trials")
	}
	if outcome := h.tick(t); outcome != "offline" {
		t.Fatalf("tick = %q, want offline", outcome)
	}
}

func TestRequestNotifications(t *testing.T) {
	h := newHarness(t, Config{})
	h.enqueue(t, 1)
	h.start(t)
	h.clock.Advance(interval)

	request := testutil.WaitFor(t, h.events, 5*time.Second, func(event notify.Event) bool {
		return event.Kind == notify.KindRequest
	}, "request notification")
	if request.Sequence != 1 || request.StatusCode != 200 || request.Request != "POST mock" {
		t.Errorf("request notification = %+v", request)
	}
	delivered := testutil.WaitFor(t, h.events, 5*time.Second, func(event notify.Event) bool {
		return event.Kind == notify.KindDelivered
	}, "delivered notification")
	if delivered.Sequence != 1 {
		t.Errorf("delivered notification = %+v", delivered)
	}
}

func TestFlushNowIgnoresBackoff(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 2})
	h.transport.setRespond(serverError)
	h.enqueue(t, 1)
	h.start(t)
	h.tick(t) // t=10 fails
	h.tick(t) // t=20 fails, retry at 40

	h.transport.setRespond(nil)
	h.enqueue(t, 4)
	h.worker.FlushNow()
	if outcome := h.nextTick(t); outcome != "requested flush: delivered 5" {
		t.Fatalf("flush outcome = %q", outcome)
	}
	if h.buffer.Len() != 0 {
		t.Errorf("Len = %d after flush", h.buffer.Len())
	}
}

func TestFlushNowOffline(t *testing.T) {
	h := newHarness(t, Config{})
	h.monitor.Set(false)
	h.enqueue(t, 1)
	h.start(t)

	h.worker.FlushNow()
	if outcome := h.nextTick(t); outcome != "requested flush: offline" {
		t.Fatalf("flush outcome = %q", outcome)
	}
	if _, attempts := h.transport.snapshot(); attempts != 0 {
		t.Errorf("attempts = %d while offline", attempts)
	}
}

func TestFlushDrainsEverything(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 3})
	h.enqueue(t, 10)

	if err := h.worker.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if h.buffer.Len() != 0 {
		t.Errorf("Len = %d after Flush", h.buffer.Len())
	}
	if delivered, _ := h.transport.snapshot(); len(delivered) != 10 {
		t.Errorf("delivered %d events, want 10", len(delivered))
	}
}

func TestFlushReportsFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.transport.setRespond(serverError)
	h.enqueue(t, 2)

	var statusErr *StatusError
	if err := h.worker.Flush(context.Background()); !errors.As(err, &statusErr) {
		t.Fatalf("Flush = %v, want *StatusError", err)
	}
	if h.buffer.Len() != 2 {
		t.Errorf("Len = %d, want both events kept", h.buffer.Len())
	}
}

func TestReconnectClearsBackoff(t *testing.T) {
	h := newHarness(t, Config{})
	h.transport.setRespond(refused)
	h.enqueue(t, 1)
	h.start(t)
	h.tick(t) // t=10 refused: offline, retry at 20
	if h.worker.Stats().Backoff == 0 {
		t.Fatal("no back-off after a refused connection")
	}

	h.transport.setRespond(nil)
	h.monitor.Set(true)
	deadline := time.Now().Add(5 * time.Second)
	for h.worker.Stats().Backoff != 0 {
		if time.Now().After(deadline) {
			t.Fatal("back-off not cleared after reconnect")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNewRequiresBufferAndTransport(t *testing.T) {
	if _, err := New(Config{Transport: &mockTransport{}}); err == nil {
		t.Error("New without a buffer succeeded")
	}
	buffer, err := ringbuffer.Open(context.Background(), ringbuffer.Config{})
	if err != nil {
		t.Fatalf("ringbuffer.Open: %v", err)
	}
	defer buffer.Close()
	if _, err := New(Config{Buffer: buffer}); err == nil {
		t.Error("New without a transport succeeded")
	}
}

func TestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	h := newHarness(t, Config{MaxAttempts: 1, MeterProvider: provider})
	h.transport.setRespond(func(event ringbuffer.Event) (int, error) {
		if event.Sequence == 1 {
			return serverError(event)
		}
		return 200, nil
	})
	h.enqueue(t, 3)

	// Event 1 fails and is evicted at once; the flush stops there.
	if err := h.worker.Flush(context.Background()); err == nil {
		t.Fatal("first Flush succeeded")
	}
	if err := h.worker.Flush(context.Background()); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	h.enqueue(t, 1)

	var collected metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &collected); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	want := map[string]int64{
		MetricDelivered:         2,
		MetricFailed:            1,
		MetricPermanentFailures: 1,
		MetricBufferLength:      1,
		MetricBufferDropped:     0,
		MetricLatency:           3,
	}
	got := map[string]int64{}
	for _, scope := range collected.ScopeMetrics {
		if scope.Scope.Name != MeterName {
			continue
		}
		for _, instrument := range scope.Metrics {
			switch data := instrument.Data.(type) {
			case metricdata.Sum[int64]:
				for _, point := range data.DataPoints {
					got[instrument.Name] += point.Value
				}
			case metricdata.Gauge[int64]:
				for _, point := range data.DataPoints {
					got[instrument.Name] += point.Value
				}
			case metricdata.Histogram[float64]:
				for _, point := range data.DataPoints {
					got[instrument.Name] += int64(point.Count)
				}
			}
		}
	}
	for name, value := range want {
		if got[name] != value {
			t.Errorf("%s = %d, want %d", name, got[name], value)
		}
	}
}
