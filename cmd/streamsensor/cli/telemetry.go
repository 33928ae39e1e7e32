// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"

	"github.com/bureau-foundation/streamsensor/lib/config"
	"github.com/bureau-foundation/streamsensor/lib/version"
)

// MeterProvider builds the process meter provider and installs it as
// the global one. An empty OTLP endpoint yields a provider without
// readers. The endpoint may be host:port or a URL; only the host and
// port are dialed, and TLS is used for https URLs.
func MeterProvider(ctx context.Context, cfg config.TelemetryConfig, serviceName string) (*sdkmetric.MeterProvider, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	if endpoint == "" {
		provider := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	target, insecure, err := otlpTarget(endpoint)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(version.Short()),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	options := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(target)}
	if insecure {
		options = append(options, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP metric exporter: %w", err)
	}

	var readerOptions []sdkmetric.PeriodicReaderOption
	if interval := cfg.ExportInterval.Std(); interval > 0 {
		readerOptions = append(readerOptions, sdkmetric.WithInterval(interval))
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOptions...)),
	)
	otel.SetMeterProvider(provider)
	return provider, nil
}

// otlpTarget reduces endpoint to the host:port to dial and whether the
// connection is plaintext.
func otlpTarget(endpoint string) (string, bool, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}
	if parsed.Host == "" {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: missing host", endpoint)
	}
	return parsed.Host, parsed.Scheme != "https", nil
}
