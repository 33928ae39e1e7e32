// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package connectivity

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/streamsensor/lib/clock"
	"github.com/bureau-foundation/streamsensor/lib/netutil"
	"github.com/bureau-foundation/streamsensor/lib/notify"
)

const (
	// DefaultInterval is the probe cadence when Config.Interval is zero.
	DefaultInterval = 10 * time.Second

	// DefaultTimeout bounds a single probe when Config.Timeout is zero.
	DefaultTimeout = 5 * time.Second

	historyWindow  = time.Hour
	historyLimit   = 1024
	recentErrorMax = 5

	sourceDelivery = "delivery"
)

// Status summarizes the call history.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Config configures a Monitor.
type Config struct {
	// Target names what is being monitored in logs and snapshots,
	// usually the endpoint URL.
	Target string

	// Probe is polled by Run. Without one, Run only waits for ctx and
	// the state changes through Set and the Report methods.
	Probe Probe

	Interval time.Duration
	Timeout  time.Duration

	// Offline starts the monitor in the offline state. The default is
	// to assume the network is up until something says otherwise.
	Offline bool

	Clock  clock.Clock
	Sink   *notify.Sink
	Logger *slog.Logger
}

type call struct {
	time    time.Time
	success bool
	latency time.Duration
	err     string
}

// Monitor holds the current online state. All methods are safe for
// concurrent use.
type Monitor struct {
	target   string
	probe    Probe
	interval time.Duration
	timeout  time.Duration
	clock    clock.Clock
	sink     *notify.Sink
	logger   *slog.Logger

	reconnected chan struct{}

	mutex   sync.Mutex
	online  bool
	source  string
	changed time.Time
	calls   []call
}

// New returns a Monitor. Call Run to start probing.
func New(cfg Config) *Monitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Monitor{
		target:      cfg.Target,
		probe:       cfg.Probe,
		interval:    interval,
		timeout:     timeout,
		clock:       clk,
		sink:        cfg.Sink,
		logger:      logger,
		reconnected: make(chan struct{}, 1),
		online:      !cfg.Offline,
		changed:     clk.Now(),
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.online
}

// AwaitingTrial reports whether the monitor is offline only because a
// delivery failed and has no probe that could notice the recovery. The
// delivery worker then makes trial deliveries at its back-off pace; the
// first success brings the monitor back online.
func (m *Monitor) AwaitingTrial() bool {
	if m.probe != nil {
		return false
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return !m.online && m.source == sourceDelivery
}

// Reconnected receives a signal each time the state changes from
// offline to online. Signals coalesce.
func (m *Monitor) Reconnected() <-chan struct{} {
	return m.reconnected
}

// Set records reachability pushed by the platform.
func (m *Monitor) Set(online bool) {
	m.transition(online, "platform")
}

// ReportSuccess records a delivery that reached the endpoint.
func (m *Monitor) ReportSuccess(latency time.Duration) {
	m.record(call{time: m.clock.Now(), success: true, latency: latency})
	m.transition(true, sourceDelivery)
}

// ReportFailure records a failed delivery. Only network-level errors
// (see [netutil.IsNetworkError]) move the monitor offline: an error
// status from the server means the path is up.
func (m *Monitor) ReportFailure(latency time.Duration, err error) {
	entry := call{time: m.clock.Now(), latency: latency}
	if err != nil {
		entry.err = err.Error()
	}
	m.record(entry)
	if netutil.IsNetworkError(err) {
		m.transition(false, sourceDelivery)
	}
}

// Run probes immediately and then every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	if m.probe == nil {
		<-ctx.Done()
		return
	}

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Debug("connectivity monitor started",
		"target", m.target,
		"interval", m.interval,
	)
	for {
		m.probeOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CheckNow runs the probe once and returns the resulting state.
func (m *Monitor) CheckNow(ctx context.Context) bool {
	if m.probe != nil {
		m.probeOnce(ctx)
	}
	return m.Online()
}

func (m *Monitor) probeOnce(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := m.clock.Now()
	err := m.probe.Check(probeCtx)
	latency := m.clock.Now().Sub(start)
	if ctx.Err() != nil {
		// Shutdown interrupted the probe; its result says nothing.
		return
	}

	entry := call{time: m.clock.Now(), success: err == nil, latency: latency}
	if err != nil {
		entry.err = err.Error()
	}
	m.record(entry)
	m.transition(err == nil, "probe")
	if err != nil {
		m.logger.Debug("connectivity probe failed", "target", m.target, "error", err)
	}
}

func (m *Monitor) transition(online bool, source string) {
	m.mutex.Lock()
	if m.online == online {
		m.mutex.Unlock()
		return
	}
	m.online = online
	m.source = source
	m.changed = m.clock.Now()
	m.mutex.Unlock()

	m.logger.Info("connectivity changed",
		"target", m.target,
		"online", online,
		"source", source,
	)
	m.sink.Publish(notify.Event{Kind: notify.KindConnectivity, Online: online, Detail: source})
	if online {
		select {
		case m.reconnected <- struct{}{}:
		default:
		}
	}
}

func (m *Monitor) record(entry call) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.calls = append(m.calls, entry)
	m.pruneLocked(entry.time)
}

func (m *Monitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-historyWindow)
	drop := 0
	for drop < len(m.calls) && !m.calls[drop].time.After(cutoff) {
		drop++
	}
	if excess := len(m.calls) - drop - historyLimit; excess > 0 {
		drop += excess
	}
	if drop > 0 {
		m.calls = slices.Delete(m.calls, 0, drop)
	}
}

// Snapshot is a point-in-time view of the monitor.
type Snapshot struct {
	Target       string
	Online       bool
	Since        time.Time
	Status       Status
	TotalCalls   int
	SuccessRate  float64
	LastCall     time.Time
	LatencyP50   time.Duration
	LatencyP95   time.Duration
	LatencyP99   time.Duration
	RecentErrors []string
}

// Snapshot summarizes the last hour of probes and delivery results.
// Status is unhealthy below a 90% success rate, degraded below 95%,
// and unknown with no history.
func (m *Monitor) Snapshot() Snapshot {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.pruneLocked(m.clock.Now())

	snapshot := Snapshot{
		Target:     m.target,
		Online:     m.online,
		Since:      m.changed,
		Status:     StatusUnknown,
		TotalCalls: len(m.calls),
	}
	if len(m.calls) == 0 {
		return snapshot
	}

	successes := 0
	latencies := make([]time.Duration, 0, len(m.calls))
	for index := len(m.calls) - 1; index >= 0; index-- {
		entry := m.calls[index]
		if entry.success {
			successes++
		} else if entry.err != "" && len(snapshot.RecentErrors) < recentErrorMax {
			snapshot.RecentErrors = append(snapshot.RecentErrors, entry.err)
		}
		latencies = append(latencies, entry.latency)
		if entry.time.After(snapshot.LastCall) {
			snapshot.LastCall = entry.time
		}
	}
	snapshot.SuccessRate = float64(successes) / float64(len(m.calls))
	switch {
	case snapshot.SuccessRate < 0.90:
		snapshot.Status = StatusUnhealthy
	case snapshot.SuccessRate < 0.95:
		snapshot.Status = StatusDegraded
	default:
		snapshot.Status = StatusHealthy
	}

	slices.Sort(latencies)
	snapshot.LatencyP50 = percentile(latencies, 0.50)
	snapshot.LatencyP95 = percentile(latencies, 0.95)
	snapshot.LatencyP99 = percentile(latencies, 0.99)
	return snapshot
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}
