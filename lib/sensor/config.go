// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sensor

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/bureau-foundation/streamsensor/lib/clock"
	"github.com/bureau-foundation/streamsensor/lib/compress"
	"github.com/bureau-foundation/streamsensor/lib/config"
	"github.com/bureau-foundation/streamsensor/lib/connectivity"
	"github.com/bureau-foundation/streamsensor/lib/delivery"
	"github.com/bureau-foundation/streamsensor/lib/ringbuffer"
)

// DefaultEndpoint is the local collector address.
const DefaultEndpoint = "http://127.0.0.1:8470/v1/events"

// Config holds the construction parameters. Only Site and App are
// required: zero durations and sizes fall back to their defaults and a
// zero Config records events.
type Config struct {
	Site string
	App  string

	// TrackingDisabled starts the sensor with event recording off.
	TrackingDisabled bool
	Debug            bool
	OfflineMode      bool

	// Timeout bounds each delivery request, a requested flush and
	// Unload's final drain.
	Timeout time.Duration

	BufferCapacity   int
	DeliveryInterval time.Duration

	// Endpoint receives events. Ignored when WithTransport is used.
	Endpoint string

	// StoragePath is the buffer database. Empty keeps events in memory.
	StoragePath string

	// StateDir holds the install secret behind the vendor id. Empty
	// makes the vendor id change on every start.
	StateDir string

	AdvertisingID        string
	AdvertisingIDEnabled bool

	MaxAttempts    int
	BackoffMax     time.Duration
	BatchSize      int
	SampleInterval time.Duration
	ProbeInterval  time.Duration

	// Compression applies to request bodies: compress.None or
	// compress.Zstd.
	Compression compress.Tag

	// PlayerName and PlayerVersion fill in for adapters whose
	// metadata leaves them empty.
	PlayerName    string
	PlayerVersion string
}

// DefaultConfig returns the defaults for site and app.
func DefaultConfig(site, app string) Config {
	return Config{
		Site:             site,
		App:              app,
		Timeout:          5 * time.Second,
		BufferCapacity:   ringbuffer.DefaultCapacity,
		DeliveryInterval: delivery.DefaultInterval,
		Endpoint:         DefaultEndpoint,
		MaxAttempts:      delivery.DefaultMaxAttempts,
		BackoffMax:       delivery.DefaultBackoffMax,
		BatchSize:        delivery.DefaultBatchSize,
		SampleInterval:   10 * time.Second,
		ProbeInterval:    connectivity.DefaultInterval,
		Compression:      compress.Zstd,
	}
}

// ConfigFromFile converts the sensor section of a loaded config file.
func ConfigFromFile(file config.SensorConfig) (Config, error) {
	compression, err := compress.ParseTag(file.Compression)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return Config{
		Site:                 file.Site,
		App:                  file.App,
		TrackingDisabled:     !file.TrackingEnabled,
		Debug:                file.Debug,
		OfflineMode:          file.OfflineMode,
		Timeout:              file.Timeout.Std(),
		BufferCapacity:       file.BufferCapacity,
		DeliveryInterval:     file.DeliveryInterval.Std(),
		Endpoint:             file.Endpoint,
		StoragePath:          file.StoragePath,
		StateDir:             file.StateDir,
		AdvertisingID:        file.AdvertisingID,
		AdvertisingIDEnabled: file.AdvertisingIDEnabled,
		MaxAttempts:          file.MaxAttempts,
		BackoffMax:           file.BackoffMax.Std(),
		BatchSize:            file.BatchSize,
		SampleInterval:       file.SampleInterval.Std(),
		ProbeInterval:        file.ProbeInterval.Std(),
		Compression:          compression,
		PlayerName:           file.PlayerName,
		PlayerVersion:        file.PlayerVersion,
	}, nil
}

func (c *Config) applyDefaults() {
	defaults := DefaultConfig(c.Site, c.App)
	if c.Timeout <= 0 {
		c.Timeout = defaults.Timeout
	}
	if c.BufferCapacity == 0 {
		c.BufferCapacity = defaults.BufferCapacity
	}
	if c.DeliveryInterval <= 0 {
		c.DeliveryInterval = defaults.DeliveryInterval
	}
	if c.Endpoint == "" {
		c.Endpoint = defaults.Endpoint
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaults.BackoffMax
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = defaults.SampleInterval
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = defaults.ProbeInterval
	}
}

func (c *Config) validate() error {
	if c.Site == "" || c.App == "" {
		return fmt.Errorf("%w: site and app are required", ErrInvalidArgument)
	}
	if c.BufferCapacity < 0 {
		return fmt.Errorf("%w: buffer capacity %d", ErrInvalidArgument, c.BufferCapacity)
	}
	if c.Compression != compress.None && c.Compression != compress.Zstd {
		return fmt.Errorf("%w: request compression must be none or zstd, got %s", ErrInvalidArgument, c.Compression)
	}
	return nil
}

// Option customizes collaborators. Production callers usually need
// only WithLogger.
type Option func(*options)

type options struct {
	clock         clock.Clock
	logger        *slog.Logger
	logLevel      *slog.LevelVar
	transport     delivery.Transport
	store         ringbuffer.Store
	probe         connectivity.Probe
	meterProvider metric.MeterProvider
	interfaces    func() ([]net.Interface, error)
}

// WithClock replaces the real clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger. The default discards.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithLogLevel lets SetDebug switch level between Debug and Info.
// Pass the LevelVar the logger's handler was built with.
func WithLogLevel(level *slog.LevelVar) Option {
	return func(o *options) { o.logLevel = level }
}

// WithTransport replaces the HTTP transport. No connectivity probe
// runs unless WithProbe is also given.
func WithTransport(transport delivery.Transport) Option {
	return func(o *options) { o.transport = transport }
}

// WithStore replaces the store derived from StoragePath.
func WithStore(store ringbuffer.Store) Option {
	return func(o *options) { o.store = store }
}

// WithProbe replaces the connectivity probe.
func WithProbe(probe connectivity.Probe) Option {
	return func(o *options) { o.probe = probe }
}

// WithMeterProvider supplies the delivery metrics provider. The
// default is the global provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = provider }
}

// WithInterfaces replaces net.Interfaces for the mid identifier.
func WithInterfaces(list func() ([]net.Interface, error)) Option {
	return func(o *options) { o.interfaces = list }
}
