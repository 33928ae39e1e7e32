// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bureau-foundation/streamsensor/lib/ringbuffer"
)

// MeterName is the instrumentation scope of the worker's instruments.
const MeterName = "github.com/bureau-foundation/streamsensor/lib/delivery"

// Instrument names.
const (
	MetricDelivered         = "streamsensor.delivery.delivered"
	MetricFailed            = "streamsensor.delivery.failed"
	MetricPermanentFailures = "streamsensor.delivery.permanent_failures"
	MetricLatency           = "streamsensor.delivery.latency"
	MetricBufferLength      = "streamsensor.buffer.length"
	MetricBufferDropped     = "streamsensor.buffer.dropped"
)

var (
	outcomeSuccess = attribute.String("outcome", "success")
	outcomeFailure = attribute.String("outcome", "failure")
)

type instruments struct {
	delivered    metric.Int64Counter
	failed       metric.Int64Counter
	permanent    metric.Int64Counter
	latency      metric.Float64Histogram
	registration metric.Registration
}

func newInstruments(provider metric.MeterProvider, buffer *ringbuffer.Buffer) (*instruments, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(MeterName)

	delivered, err := meter.Int64Counter(MetricDelivered,
		metric.WithDescription("Events accepted by the endpoint."),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, fmt.Errorf("delivery: creating %s: %w", MetricDelivered, err)
	}
	failed, err := meter.Int64Counter(MetricFailed,
		metric.WithDescription("Delivery attempts that did not succeed."),
		metric.WithUnit("{attempt}"))
	if err != nil {
		return nil, fmt.Errorf("delivery: creating %s: %w", MetricFailed, err)
	}
	permanent, err := meter.Int64Counter(MetricPermanentFailures,
		metric.WithDescription("Events evicted after exhausting their attempts."),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, fmt.Errorf("delivery: creating %s: %w", MetricPermanentFailures, err)
	}
	latency, err := meter.Float64Histogram(MetricLatency,
		metric.WithDescription("Time from sending an event to its outcome."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("delivery: creating %s: %w", MetricLatency, err)
	}
	length, err := meter.Int64ObservableGauge(MetricBufferLength,
		metric.WithDescription("Events waiting in the buffer."),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, fmt.Errorf("delivery: creating %s: %w", MetricBufferLength, err)
	}
	dropped, err := meter.Int64ObservableCounter(MetricBufferDropped,
		metric.WithDescription("Events evicted because the buffer was full."),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, fmt.Errorf("delivery: creating %s: %w", MetricBufferDropped, err)
	}

	registration, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		observer.ObserveInt64(length, int64(buffer.Len()))
		observer.ObserveInt64(dropped, int64(buffer.Dropped()))
		return nil
	}, length, dropped)
	if err != nil {
		return nil, fmt.Errorf("delivery: registering buffer callback: %w", err)
	}

	return &instruments{
		delivered:    delivered,
		failed:       failed,
		permanent:    permanent,
		latency:      latency,
		registration: registration,
	}, nil
}
