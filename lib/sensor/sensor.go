// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/streamsensor/lib/clock"
	"github.com/bureau-foundation/streamsensor/lib/connectivity"
	"github.com/bureau-foundation/streamsensor/lib/delivery"
	"github.com/bureau-foundation/streamsensor/lib/identity"
	"github.com/bureau-foundation/streamsensor/lib/notify"
	"github.com/bureau-foundation/streamsensor/lib/ringbuffer"
)

var (
	instanceMutex sync.Mutex
	instance      *Sensor
)

// Initialize creates the process-wide sensor. It succeeds at most once
// per process: later calls return ErrAlreadyInitialized, including
// after Unload. A call that fails validation does not count.
func Initialize(cfg Config, opts ...Option) (*Sensor, error) {
	instanceMutex.Lock()
	defer instanceMutex.Unlock()
	if instance != nil {
		return nil, ErrAlreadyInitialized
	}
	sensor, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	instance = sensor
	return sensor, nil
}

// Instance returns the sensor created by Initialize.
func Instance() (*Sensor, error) {
	instanceMutex.Lock()
	defer instanceMutex.Unlock()
	if instance == nil {
		return nil, ErrNotInitialized
	}
	return instance, nil
}

// Stats is a snapshot of the sensor's counters.
type Stats struct {
	Buffered          int
	Dropped           uint64
	LastSequence      uint64
	Delivered         uint64
	Failed            uint64
	PermanentlyFailed uint64
	Backoff           time.Duration
	Online            bool
	Background        bool
	ActiveSessions    int

	// Durable is false when events are buffered in memory only.
	Durable bool

	Connectivity connectivity.Snapshot
}

// Sensor coordinates sessions, buffering and delivery. Create with New
// or Initialize. All methods are safe for concurrent use.
type Sensor struct {
	config   Config
	clock    clock.Clock
	logger   *slog.Logger
	logLevel *slog.LevelVar
	sink     *notify.Sink

	// baseLevel is restored when debug is switched off.
	baseLevel slog.Level

	identity *identity.Provider
	buffer   *ringbuffer.Buffer
	monitor  *connectivity.Monitor
	worker   *delivery.Worker
	durable  bool

	tracking   atomic.Bool
	debug      atomic.Bool
	offline    atomic.Bool
	background atomic.Bool

	cancel     context.CancelFunc
	goroutines sync.WaitGroup

	mutex    sync.Mutex
	sessions map[string]*Session
	unloaded bool
}

// New builds a sensor and starts its background goroutines. Most
// programs use Initialize instead; New suits tests and hosts that
// manage the sensor's lifetime themselves.
func New(cfg Config, opts ...Option) (*Sensor, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	logger := o.logger.With("site", cfg.Site, "app", cfg.App)

	sensor := &Sensor{
		config:   cfg,
		clock:    o.clock,
		logger:   logger,
		logLevel: o.logLevel,
		sink:     notify.NewSink(o.clock.Now),
		sessions: make(map[string]*Session),
	}
	if o.logLevel != nil {
		sensor.baseLevel = o.logLevel.Level()
	}
	sensor.tracking.Store(!cfg.TrackingDisabled)
	sensor.offline.Store(cfg.OfflineMode)
	if cfg.Debug {
		sensor.SetDebug(true)
	}

	provider, err := identity.NewProvider(identity.Config{
		Site:                 cfg.Site,
		StateDir:             cfg.StateDir,
		AdvertisingID:        cfg.AdvertisingID,
		AdvertisingIDEnabled: cfg.AdvertisingIDEnabled,
		Interfaces:           o.interfaces,
		Logger:               logger,
	})
	if err != nil {
		return nil, fmt.Errorf("sensor: %w", err)
	}
	sensor.identity = provider

	transport := o.transport
	probe := o.probe
	if transport == nil {
		httpTransport, err := delivery.NewHTTPTransport(delivery.HTTPConfig{
			Endpoint:    cfg.Endpoint,
			Timeout:     cfg.Timeout,
			Compression: cfg.Compression,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		transport = httpTransport
		if probe == nil {
			address, err := connectivity.EndpointAddress(cfg.Endpoint)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
			}
			probe = connectivity.DialProbe(address)
		}
	}

	store := o.store
	if store == nil {
		store = sensor.openStore()
	}
	_, isMemory := store.(*ringbuffer.MemoryStore)
	sensor.durable = !isMemory
	buffer, err := ringbuffer.Open(context.Background(), ringbuffer.Config{
		Capacity: cfg.BufferCapacity,
		Store:    store,
		Clock:    o.clock,
		Sink:     sensor.sink,
		Logger:   logger,
	})
	if err != nil {
		// The store could not be read at all. Measurement continues
		// in memory rather than failing the host.
		store.Close()
		sensor.reportStorageFallback(err)
		sensor.durable = false
		buffer, err = ringbuffer.Open(context.Background(), ringbuffer.Config{
			Capacity: cfg.BufferCapacity,
			Clock:    o.clock,
			Sink:     sensor.sink,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("sensor: opening buffer: %w", err)
		}
	}
	sensor.buffer = buffer

	sensor.monitor = connectivity.New(connectivity.Config{
		Target:   cfg.Endpoint,
		Probe:    probe,
		Interval: cfg.ProbeInterval,
		Timeout:  cfg.Timeout,
		Clock:    o.clock,
		Sink:     sensor.sink,
		Logger:   logger,
	})

	worker, err := delivery.New(delivery.Config{
		Buffer:        buffer,
		Transport:     transport,
		Monitor:       sensor.monitor,
		OfflineMode:   sensor.offline.Load,
		Interval:      cfg.DeliveryInterval,
		Timeout:       cfg.Timeout,
		BackoffMax:    cfg.BackoffMax,
		MaxAttempts:   cfg.MaxAttempts,
		BatchSize:     cfg.BatchSize,
		MeterProvider: o.meterProvider,
		Clock:         o.clock,
		Sink:          sensor.sink,
		Logger:        logger,
	})
	if err != nil {
		buffer.Close()
		return nil, fmt.Errorf("sensor: %w", err)
	}
	sensor.worker = worker

	ctx, cancel := context.WithCancel(context.Background())
	sensor.cancel = cancel
	sensor.goroutines.Add(3)
	go func() {
		defer sensor.goroutines.Done()
		sensor.worker.Run(ctx)
	}()
	go func() {
		defer sensor.goroutines.Done()
		sensor.monitor.Run(ctx)
	}()
	go func() {
		defer sensor.goroutines.Done()
		sensor.runSampler(ctx)
	}()

	logger.Info("sensor started",
		"tracking", !cfg.TrackingDisabled,
		"offline_mode", cfg.OfflineMode,
		"buffered", buffer.Len(),
		"capacity", buffer.Capacity(),
		"delivery_interval", cfg.DeliveryInterval,
	)
	return sensor, nil
}

// openStore opens the SQLite store at StoragePath, or returns a memory
// store when there is no path or the database is unavailable.
func (s *Sensor) openStore() ringbuffer.Store {
	if s.config.StoragePath == "" {
		return ringbuffer.NewMemoryStore()
	}
	if err := os.MkdirAll(filepath.Dir(s.config.StoragePath), 0o700); err != nil {
		s.reportStorageFallback(err)
		return ringbuffer.NewMemoryStore()
	}
	store, err := ringbuffer.OpenSQLiteStore(ringbuffer.SQLiteConfig{
		Path:   s.config.StoragePath,
		Logger: s.logger,
	})
	if err != nil {
		s.reportStorageFallback(err)
		return ringbuffer.NewMemoryStore()
	}
	return store
}

func (s *Sensor) reportStorageFallback(err error) {
	s.logger.Warn("durable buffer unavailable, buffering in memory",
		"storage_path", s.config.StoragePath,
		"error", err,
	)
	s.sink.Publish(notify.Event{Kind: notify.KindStorageFallback, Detail: err.Error()})
}

// NextUID returns a fresh session UID for TrackWithUID.
func (s *Sensor) NextUID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Track starts measuring the stream behind adapter. attributes must
// contain a non-empty "name". The returned session is active until
// Stop or Unload.
func (s *Sensor) Track(adapter StreamAdapter, attributes map[string]string) (*Session, error) {
	return s.TrackWithUID(adapter, attributes, s.NextUID())
}

// TrackWithUID is Track with a UID reserved earlier through NextUID.
func (s *Sensor) TrackWithUID(adapter StreamAdapter, attributes map[string]string, uid string) (*Session, error) {
	if adapter == nil {
		return nil, fmt.Errorf("%w: adapter is nil", ErrInvalidArgument)
	}
	if attributes == nil {
		return nil, fmt.Errorf("%w: attributes are nil", ErrInvalidArgument)
	}
	if uid == "" {
		return nil, fmt.Errorf("%w: uid is empty", ErrInvalidArgument)
	}
	name := attributes[AttributeName]
	if name == "" {
		return nil, fmt.Errorf("%w: %q attribute", ErrMissingMandatoryField, AttributeName)
	}

	session := newSession(s, uid, adapter, attributes)
	s.mutex.Lock()
	if s.unloaded {
		s.mutex.Unlock()
		return nil, ErrNotInitialized
	}
	if _, exists := s.sessions[uid]; exists {
		s.mutex.Unlock()
		return nil, fmt.Errorf("%w: session %s is already active", ErrInvalidArgument, uid)
	}
	s.sessions[uid] = session
	s.mutex.Unlock()

	s.logger.Info("session started", "uid", uid, "name", name)
	session.sample(eventStart)
	return session, nil
}

func (s *Sensor) removeSession(uid string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.sessions, uid)
}

func (s *Sensor) activeSessions() []*Session {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

func (s *Sensor) runSampler(ctx context.Context) {
	ticker := s.clock.NewTicker(s.config.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.background.Load() {
				continue
			}
			for _, session := range s.activeSessions() {
				session.sample(eventSample)
			}
		}
	}
}

// enqueue stores payload unless tracking is off. Failures are logged:
// they are never the caller's problem.
func (s *Sensor) enqueue(payload ringbuffer.Payload) {
	if !s.tracking.Load() {
		return
	}
	if _, err := s.buffer.Enqueue(context.Background(), payload); err != nil {
		if errors.Is(err, ringbuffer.ErrClosed) {
			return
		}
		s.logger.Warn("buffering event failed", "error", err)
	}
}

// EnterBackground signals that the host is moving to the background:
// sampling pauses and the buffer is flushed immediately, bounded by
// Timeout, without waiting for the next delivery tick.
func (s *Sensor) EnterBackground() {
	if s.isUnloaded() {
		return
	}
	s.background.Store(true)
	s.sink.Publish(notify.Event{Kind: notify.KindLifecycle, Detail: "background"})
	s.logger.Debug("entered background", "buffered", s.buffer.Len())
	s.worker.FlushNow()
}

// EnterForeground resumes sampling.
func (s *Sensor) EnterForeground() {
	if s.isUnloaded() {
		return
	}
	s.background.Store(false)
	s.sink.Publish(notify.Event{Kind: notify.KindLifecycle, Detail: "foreground"})
	s.logger.Debug("entered foreground")
}

// Flush delivers the whole buffer now, bounded by ctx. It returns
// delivery.ErrOffline while offline.
func (s *Sensor) Flush(ctx context.Context) error {
	if s.isUnloaded() {
		return ErrNotInitialized
	}
	return s.worker.Flush(ctx)
}

// Clear discards every buffered event.
func (s *Sensor) Clear(ctx context.Context) error {
	if s.isUnloaded() {
		return ErrNotInitialized
	}
	return s.buffer.Clear(ctx)
}

// SetTracking enables or disables event recording. Sessions can still
// be created while tracking is off; they record nothing.
func (s *Sensor) SetTracking(enabled bool) { s.tracking.Store(enabled) }

// Tracking reports whether events are recorded.
func (s *Sensor) Tracking() bool { return s.tracking.Load() }

// SetDebug marks subsequent events with the debug flag and, when a
// LevelVar was supplied, lowers the log level to Debug. Switching it
// off restores the level the LevelVar had at construction.
func (s *Sensor) SetDebug(enabled bool) {
	s.debug.Store(enabled)
	if s.logLevel == nil {
		return
	}
	if enabled {
		s.logLevel.Set(slog.LevelDebug)
	} else {
		s.logLevel.Set(s.baseLevel)
	}
}

// Debug reports the debug flag.
func (s *Sensor) Debug() bool { return s.debug.Load() }

// SetOfflineMode suspends or resumes delivery. Events keep buffering
// while delivery is suspended; leaving offline mode flushes at once.
func (s *Sensor) SetOfflineMode(enabled bool) {
	was := s.offline.Swap(enabled)
	if was && !enabled && !s.isUnloaded() {
		s.worker.FlushNow()
	}
}

// OfflineMode reports whether delivery is suspended.
func (s *Sensor) OfflineMode() bool { return s.offline.Load() }

// SetReachable records network reachability reported by the host
// platform.
func (s *Sensor) SetReachable(reachable bool) { s.monitor.Set(reachable) }

// SetAdvertisingID updates the advertising identifier and whether it
// may be reported.
func (s *Sensor) SetAdvertisingID(id string, enabled bool) {
	s.identity.SetAdvertisingID(id, enabled)
}

// EncryptedIdentifiers returns the hashed device identifiers keyed
// mid, ai and ifv. ai is absent when no advertising id is available
// or it is disabled.
func (s *Sensor) EncryptedIdentifiers() map[string]string {
	return s.identity.EncryptedIdentifiers()
}

// SealedIdentifiers returns the hashed identifiers age-encrypted to
// the given recipients.
func (s *Sensor) SealedIdentifiers(recipients ...string) (string, error) {
	envelope, err := s.identity.Sealed(recipients...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return envelope, nil
}

// Subscribe returns debug events. Call the returned function to
// unsubscribe. A subscriber that falls more than buffer events behind
// misses events.
func (s *Sensor) Subscribe(buffer int) (<-chan notify.Event, func()) {
	return s.sink.Subscribe(buffer)
}

// Stats returns current counters.
func (s *Sensor) Stats() Stats {
	workerStats := s.worker.Stats()
	s.mutex.Lock()
	active := len(s.sessions)
	s.mutex.Unlock()
	return Stats{
		Buffered:          s.buffer.Len(),
		Dropped:           s.buffer.Dropped(),
		LastSequence:      s.buffer.LastSequence(),
		Delivered:         workerStats.Delivered,
		Failed:            workerStats.Failed,
		PermanentlyFailed: workerStats.PermanentlyFailed,
		Backoff:           workerStats.Backoff,
		Online:            s.monitor.Online(),
		Background:        s.background.Load(),
		ActiveSessions:    active,
		Durable:           s.durable,
		Connectivity:      s.monitor.Snapshot(),
	}
}

func (s *Sensor) isUnloaded() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.unloaded
}

// Unload ends every active session, stops the background goroutines
// (waiting at most Timeout for an in-flight flush), makes one final
// flush bounded by Timeout and closes the buffer. Buffered events that
// could not be delivered stay in durable storage for the next start.
// Idempotent.
func (s *Sensor) Unload() {
	s.mutex.Lock()
	if s.unloaded {
		s.mutex.Unlock()
		return
	}
	s.unloaded = true
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mutex.Unlock()

	for _, session := range sessions {
		session.Stop()
	}

	s.cancel()
	stopped := make(chan struct{})
	go func() {
		s.goroutines.Wait()
		close(stopped)
	}()
	wait, cancelWait := context.WithTimeout(context.Background(), s.config.Timeout)
	select {
	case <-stopped:
	case <-wait.Done():
		s.logger.Warn("background work did not stop within the timeout", "timeout", s.config.Timeout)
	}
	cancelWait()

	drain, cancelDrain := context.WithTimeout(context.Background(), s.config.Timeout)
	err := s.worker.Flush(drain)
	cancelDrain()
	if err != nil && !errors.Is(err, delivery.ErrOffline) {
		s.logger.Warn("final flush incomplete", "pending", s.buffer.Len(), "error", err)
	}

	s.sink.Publish(notify.Event{Kind: notify.KindLifecycle, Detail: "unload"})
	if err := s.worker.Close(); err != nil {
		s.logger.Debug("unregistering metrics", "error", err)
	}
	if err := s.buffer.Close(); err != nil {
		s.logger.Warn("closing buffer", "error", err)
	}
	s.logger.Info("sensor unloaded", "pending", s.buffer.Len())
}
