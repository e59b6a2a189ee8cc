// Package healthcheck performs an active end-to-end probe of the broadcast
// pipeline: it connects to the service's own stream endpoint exactly as a
// listener would, decodes real audio out of the container, and declares the
// pipeline unhealthy when no usable audio arrives in time.
//
// This is deliberately distinct from passive error counting elsewhere — a
// pipeline can be wedged without any component reporting an error, and only
// a listener's-eye view catches that.
package healthcheck

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Defaults for [Config] fields left at their zero value.
const (
	DefaultInterval         = 30 * time.Second
	DefaultFailureThreshold = 2
)

// Prober performs one synthetic end-to-end check. Implementations must
// respect context cancellation.
type Prober interface {
	Probe(ctx context.Context) error
}

// Status is the monitor's externally visible state.
type Status int

const (
	StatusIdle Status = iota
	StatusChecking
	StatusHealthy
	StatusUnhealthy
)

// String returns the human-readable name of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusChecking:
		return "checking"
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Config holds the monitor's tuning knobs. Zero-value fields are replaced
// with package defaults; Prober and OnUnhealthy are required.
type Config struct {
	// Prober runs the actual check.
	Prober Prober

	// Interval is the pause between scheduled checks.
	Interval time.Duration

	// FailureThreshold is the number of consecutive failures that triggers
	// the OnUnhealthy signal.
	FailureThreshold int

	// OnUnhealthy is invoked (on the monitor's goroutine) once the failure
	// threshold is reached. The monitor resets its counter and resumes
	// scheduling afterwards.
	OnUnhealthy func()
}

// Monitor schedules periodic probes and tracks consecutive failures. A
// cancelled in-flight probe (via [Monitor.Stop]) is a neutral result, never
// counted as a failure. [Monitor.Pause] suspends scheduling without tearing
// the monitor down; the pipeline supervisor uses it around restarts.
//
// All exported methods are safe for concurrent use.
type Monitor struct {
	cfg Config

	mu       sync.Mutex
	status   Status
	fails    int
	checks   uint64
	failures uint64
	paused   bool
	cancel   context.CancelFunc // in-flight probe, nil when none

	started  bool
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a Monitor. Call [Monitor.Start] to begin scheduling checks.
func New(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	return &Monitor{
		cfg:     cfg,
		status:  StatusIdle,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start begins the check schedule. The first check runs after one interval.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	go m.run()
}

// Stop aborts any in-flight check and halts scheduling. Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.mu.Lock()
		if m.cancel != nil {
			m.cancel()
		}
		started := m.started
		m.mu.Unlock()
		if !started {
			close(m.stopped)
		}
	})
	<-m.stopped
}

// Pause suspends scheduled checks until [Monitor.Resume]. An in-flight check
// is allowed to finish.
func (m *Monitor) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
}

// Resume re-enables scheduled checks after [Monitor.Pause].
func (m *Monitor) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
}

// Status returns the current monitor status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// ConsecutiveFailures returns the current consecutive-failure count.
func (m *Monitor) ConsecutiveFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fails
}

// Checks returns the total number of completed (non-skipped) checks.
func (m *Monitor) Checks() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checks
}

// Failures returns the total number of failed checks.
func (m *Monitor) Failures() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

func (m *Monitor) run() {
	defer close(m.stopped)

	timer := time.NewTimer(m.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-timer.C:
		}

		m.mu.Lock()
		paused := m.paused
		m.mu.Unlock()
		if !paused {
			m.check()
		}

		timer.Reset(m.cfg.Interval)
	}
}

// check runs one probe and applies the outcome to the failure counter.
func (m *Monitor) check() {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.status = StatusChecking
	m.cancel = cancel
	m.mu.Unlock()

	err := m.cfg.Prober.Probe(ctx)

	// Only Stop cancels this context, so its state must be read before the
	// deferred-cleanup cancel below makes it indistinguishable from an abort.
	aborted := ctx.Err() != nil

	m.mu.Lock()
	m.cancel = nil
	m.mu.Unlock()
	cancel()

	// An abort via Stop is a skipped check, not a failure.
	if aborted {
		m.mu.Lock()
		m.status = StatusIdle
		m.mu.Unlock()
		return
	}

	if err == nil {
		m.mu.Lock()
		m.status = StatusHealthy
		m.fails = 0
		m.checks++
		m.mu.Unlock()
		slog.Debug("health check passed")
		return
	}

	m.mu.Lock()
	m.status = StatusUnhealthy
	m.fails++
	m.checks++
	m.failures++
	fails := m.fails
	fire := fails >= m.cfg.FailureThreshold
	if fire {
		m.fails = 0
	}
	m.mu.Unlock()

	slog.Warn("health check failed", "err", err,
		"consecutive", fails, "threshold", m.cfg.FailureThreshold)

	if fire && m.cfg.OnUnhealthy != nil {
		slog.Error("pipeline unhealthy, signalling restart",
			"consecutive_failures", fails)
		m.cfg.OnUnhealthy()
	}
}
