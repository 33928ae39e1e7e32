// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/bureau-foundation/streamsensor/lib/clock"
	"github.com/bureau-foundation/streamsensor/lib/connectivity"
	"github.com/bureau-foundation/streamsensor/lib/netutil"
	"github.com/bureau-foundation/streamsensor/lib/notify"
	"github.com/bureau-foundation/streamsensor/lib/ringbuffer"
)

// Defaults applied to zero Config fields.
const (
	DefaultInterval    = 10 * time.Second
	DefaultTimeout     = 5 * time.Second
	DefaultBackoffMax  = 5 * time.Minute
	DefaultMaxAttempts = 5
	DefaultBatchSize   = 50

	// networkAttemptFactor scales MaxAttempts for failures that never
	// got an answer from the endpoint.
	networkAttemptFactor = 2
)

// ErrOffline is returned by Flush when the monitor reports offline or
// offline mode is on.
var ErrOffline = errors.New("delivery: offline")

// Config configures a Worker.
type Config struct {
	Buffer    *ringbuffer.Buffer
	Transport Transport

	// Monitor gates delivery and receives attempt results. Nil means
	// always online.
	Monitor *connectivity.Monitor

	// OfflineMode, when it returns true, suspends delivery while
	// events keep accumulating.
	OfflineMode func() bool

	// Interval is the delivery cadence and the first back-off step.
	Interval time.Duration

	// Timeout bounds a requested flush.
	Timeout time.Duration

	// BackoffMax caps the wait between failed cycles.
	BackoffMax time.Duration

	// MaxAttempts is how many answered-but-failed attempts an event
	// gets before it is evicted. Network failures while the monitor
	// reports online count too, against twice this budget.
	MaxAttempts int

	// BatchSize is the number of events one cycle tries.
	BatchSize int

	// MeterProvider supplies the worker's instruments. Nil uses the
	// global provider.
	MeterProvider metric.MeterProvider

	Clock  clock.Clock
	Sink   *notify.Sink
	Logger *slog.Logger
}

// Stats are the worker's lifetime counters.
type Stats struct {
	Delivered         uint64
	Failed            uint64
	PermanentlyFailed uint64

	// Backoff is the current back-off step, zero when healthy.
	Backoff time.Duration

	// RetryAt is when the next cycle may run; zero when healthy.
	RetryAt time.Time
}

// Worker delivers buffered events. Create with New, start with Run.
type Worker struct {
	buffer      *ringbuffer.Buffer
	transport   Transport
	monitor     *connectivity.Monitor
	offlineMode func() bool
	interval    time.Duration
	timeout     time.Duration
	backoffMax  time.Duration
	maxAttempts int
	batchSize   int
	clock       clock.Clock
	sink        *notify.Sink
	logger      *slog.Logger
	metrics     *instruments

	flushRequests chan struct{}

	// cycle serializes delivery passes so a caller's Flush and the Run
	// loop never send the same event concurrently.
	cycle sync.Mutex

	stateMutex sync.Mutex
	backoff    time.Duration
	retryAt    time.Time

	delivered atomic.Uint64
	failed    atomic.Uint64
	permanent atomic.Uint64
}

// New validates cfg and registers the worker's metric instruments.
// Call Close to unregister them.
func New(cfg Config) (*Worker, error) {
	if cfg.Buffer == nil {
		return nil, fmt.Errorf("delivery: Buffer is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("delivery: Transport is required")
	}

	worker := &Worker{
		buffer:        cfg.Buffer,
		transport:     cfg.Transport,
		monitor:       cfg.Monitor,
		offlineMode:   cfg.OfflineMode,
		interval:      orDefault(cfg.Interval, DefaultInterval),
		timeout:       orDefault(cfg.Timeout, DefaultTimeout),
		backoffMax:    orDefault(cfg.BackoffMax, DefaultBackoffMax),
		maxAttempts:   orDefault(cfg.MaxAttempts, DefaultMaxAttempts),
		batchSize:     orDefault(cfg.BatchSize, DefaultBatchSize),
		clock:         cfg.Clock,
		sink:          cfg.Sink,
		logger:        cfg.Logger,
		flushRequests: make(chan struct{}, 1),
	}
	if worker.clock == nil {
		worker.clock = clock.Real()
	}
	if worker.logger == nil {
		worker.logger = slog.New(slog.DiscardHandler)
	}

	metrics, err := newInstruments(cfg.MeterProvider, cfg.Buffer)
	if err != nil {
		return nil, err
	}
	worker.metrics = metrics
	return worker, nil
}

// orDefault returns value when positive, otherwise fallback.
func orDefault[T int | time.Duration](value, fallback T) T {
	if value > 0 {
		return value
	}
	return fallback
}

// Run delivers on every Interval tick and on FlushNow requests until
// ctx is cancelled. A requested flush already in progress is allowed
// to finish, bounded by Timeout, even if ctx is cancelled meanwhile.
func (w *Worker) Run(ctx context.Context) {
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	var reconnected <-chan struct{}
	if w.monitor != nil {
		reconnected = w.monitor.Reconnected()
	}

	w.logger.Info("delivery worker started",
		"interval", w.interval,
		"batch_size", w.batchSize,
		"max_attempts", w.maxAttempts,
	)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("delivery worker stopped", "pending", w.buffer.Len())
			return
		case <-ticker.C:
			w.tick(ctx)
		case <-w.flushRequests:
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout)
			w.flush(flushCtx, "requested flush")
			cancel()
		case <-reconnected:
			w.resetBackoff()
		}
	}
}

// FlushNow asks Run to flush the whole buffer immediately, ignoring
// back-off. It never blocks; requests made while one is pending
// coalesce.
func (w *Worker) FlushNow() {
	select {
	case w.flushRequests <- struct{}{}:
	default:
	}
}

// Flush delivers the whole buffer synchronously, ignoring back-off,
// until it is empty, an attempt fails or ctx is done. It returns
// ErrOffline without attempting anything while offline.
func (w *Worker) Flush(ctx context.Context) error {
	_, err := w.flush(ctx, "flush")
	return err
}

func (w *Worker) flush(ctx context.Context, reason string) (int, error) {
	if !w.online() {
		w.publishTick(reason + ": offline")
		return 0, ErrOffline
	}

	w.cycle.Lock()
	defer w.cycle.Unlock()

	total := 0
	for {
		delivered, err := w.deliverBatch(ctx)
		total += delivered
		if err != nil {
			if ctx.Err() == nil {
				w.failedCycle()
			}
			w.publishTick(fmt.Sprintf("%s: delivered %d, failed: %v", reason, total, err))
			return total, err
		}
		if delivered == 0 {
			break
		}
	}
	w.publishTick(fmt.Sprintf("%s: delivered %d", reason, total))
	return total, nil
}

func (w *Worker) tick(ctx context.Context) {
	trial := false
	if !w.online() {
		if !w.trialAllowed() {
			w.publishTick("offline")
			return
		}
		trial = true
	}
	w.stateMutex.Lock()
	retryAt := w.retryAt
	w.stateMutex.Unlock()
	if w.clock.Now().Before(retryAt) {
		w.publishTick("backoff")
		return
	}

	w.cycle.Lock()
	defer w.cycle.Unlock()

	prefix := ""
	if trial {
		prefix = "trial: "
	}
	delivered, err := w.deliverBatch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.failedCycle()
		}
		w.publishTick(fmt.Sprintf("%sdelivered %d, failed: %v", prefix, delivered, err))
		return
	}
	w.publishTick(fmt.Sprintf("%sdelivered %d", prefix, delivered))
}

// trialAllowed reports whether a tick may deliver although the monitor
// is offline: offline mode is off and nothing but a failed delivery can
// bring the monitor back.
func (w *Worker) trialAllowed() bool {
	if w.offlineMode != nil && w.offlineMode() {
		return false
	}
	return w.monitor != nil && w.monitor.AwaitingTrial()
}

func (w *Worker) online() bool {
	if w.offlineMode != nil && w.offlineMode() {
		return false
	}
	return w.monitor == nil || w.monitor.Online()
}

// deliverBatch sends up to BatchSize of the oldest events in order and
// stops at the first failure. It returns how many were delivered.
func (w *Worker) deliverBatch(ctx context.Context) (int, error) {
	events := w.buffer.PeekBatch(w.batchSize)
	for index, event := range events {
		if err := w.attempt(ctx, event); err != nil {
			return index, err
		}
	}
	return len(events), nil
}

func (w *Worker) attempt(ctx context.Context, event ringbuffer.Event) error {
	wasOnline := w.monitor == nil || w.monitor.Online()
	start := w.clock.Now()
	result, err := w.transport.Deliver(ctx, event)
	latency := w.clock.Now().Sub(start)

	// Bookkeeping must land even when shutdown cancels ctx after the
	// endpoint already accepted the event.
	storeCtx := context.WithoutCancel(ctx)

	notification := notify.Event{
		Kind:       notify.KindRequest,
		Sequence:   event.Sequence,
		Request:    result.Request,
		StatusCode: result.StatusCode,
	}
	if err != nil {
		notification.Detail = err.Error()
	}
	w.sink.Publish(notification)

	if err == nil {
		if ackErr := w.buffer.Acknowledge(storeCtx, event.Sequence); ackErr != nil {
			return fmt.Errorf("delivery: acknowledging event %d: %w", event.Sequence, ackErr)
		}
		w.delivered.Add(1)
		w.metrics.delivered.Add(storeCtx, 1)
		w.metrics.latency.Record(storeCtx, latency.Seconds(), metric.WithAttributes(outcomeSuccess))
		if w.monitor != nil {
			w.monitor.ReportSuccess(latency)
		}
		w.resetBackoff()
		w.sink.Publish(notify.Event{Kind: notify.KindDelivered, Sequence: event.Sequence, StatusCode: result.StatusCode})
		w.logger.Debug("event delivered",
			"sequence", event.Sequence,
			"status", result.StatusCode,
			"latency", latency,
		)
		return nil
	}

	w.failed.Add(1)
	w.metrics.failed.Add(storeCtx, 1)
	w.metrics.latency.Record(storeCtx, latency.Seconds(), metric.WithAttributes(outcomeFailure))
	if ctx.Err() != nil {
		return err
	}
	if w.monitor != nil {
		w.monitor.ReportFailure(latency, err)
	}
	limit := w.maxAttempts
	if netutil.IsNetworkError(err) {
		if !wasOnline {
			// A trial while offline; the outage is not the event's fault.
			w.logger.Debug("endpoint still unreachable", "sequence", event.Sequence, "error", err)
			return err
		}
		limit = networkAttemptFactor * w.maxAttempts
	}

	evicted, recordErr := w.buffer.RecordFailure(storeCtx, event.Sequence, limit)
	if recordErr != nil {
		return errors.Join(err, fmt.Errorf("delivery: recording failure of event %d: %w", event.Sequence, recordErr))
	}
	if evicted {
		w.permanent.Add(1)
		w.metrics.permanent.Add(storeCtx, 1)
		w.sink.Publish(notify.Event{
			Kind:       notify.KindPermanentFailure,
			Sequence:   event.Sequence,
			StatusCode: result.StatusCode,
			Detail:     err.Error(),
		})
		w.logger.Warn("event discarded after repeated delivery failures",
			"sequence", event.Sequence,
			"attempts", limit,
			"error", err,
		)
		return err
	}
	w.logger.Warn("event delivery failed, will retry",
		"sequence", event.Sequence,
		"attempts", event.Attempts+1,
		"status", result.StatusCode,
		"error", err,
	)
	return err
}

func (w *Worker) failedCycle() {
	w.stateMutex.Lock()
	if w.backoff == 0 {
		w.backoff = w.interval
	} else {
		w.backoff *= 2
	}
	if w.backoff > w.backoffMax {
		w.backoff = w.backoffMax
	}
	w.retryAt = w.clock.Now().Add(w.backoff)
	backoff := w.backoff
	w.stateMutex.Unlock()

	w.logger.Info("delivery backing off",
		"backoff", backoff,
		"pending", w.buffer.Len(),
	)
}

func (w *Worker) resetBackoff() {
	w.stateMutex.Lock()
	defer w.stateMutex.Unlock()
	w.backoff = 0
	w.retryAt = time.Time{}
}

func (w *Worker) publishTick(detail string) {
	w.sink.Publish(notify.Event{Kind: notify.KindTick, Detail: detail})
}

// Stats returns the counters and back-off state.
func (w *Worker) Stats() Stats {
	w.stateMutex.Lock()
	defer w.stateMutex.Unlock()
	return Stats{
		Delivered:         w.delivered.Load(),
		Failed:            w.failed.Load(),
		PermanentlyFailed: w.permanent.Load(),
		Backoff:           w.backoff,
		RetryAt:           w.retryAt,
	}
}

// Close unregisters the buffer gauges. The worker must not be used
// afterwards.
func (w *Worker) Close() error {
	return w.metrics.registration.Unregister()
}
