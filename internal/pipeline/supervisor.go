package pipeline

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// Pauser suspends and resumes a schedule. The health monitor implements it;
// the supervisor pauses checking while a restart is in flight so the rebuilt
// pair is not probed mid-construction.
type Pauser interface {
	Pause()
	Resume()
}

// Option configures a [Supervisor].
type Option func(*Supervisor)

// WithFatalHook replaces the handler invoked when a rebuilt pipeline fails
// to start. The default logs the error and exits the process.
func WithFatalHook(fn func(error)) Option {
	return func(s *Supervisor) { s.fatal = fn }
}

// WithMonitor attaches the health monitor whose schedule is paused during
// restarts.
func WithMonitor(p Pauser) Option {
	return func(s *Supervisor) { s.monitor = p }
}

// Supervisor owns the live pipeline generation. Restarts are serialized:
// an unhealthy signal arriving while a restart is already in flight is
// dropped. A failed rebuild is fatal, there is no automatic recovery above
// this level.
//
// All exported methods are safe for concurrent use.
type Supervisor struct {
	build   Builder
	fatal   func(error)
	monitor Pauser

	current    atomic.Pointer[Pipeline]
	restarting atomic.Bool
	restarts   atomic.Uint64

	mu     sync.Mutex // serializes start, restart and stop transitions
	closed bool
}

// NewSupervisor creates a Supervisor around build. Call [Supervisor.Start]
// to construct the first generation.
func NewSupervisor(build Builder, opts ...Option) *Supervisor {
	s := &Supervisor{
		build: build,
		fatal: func(err error) {
			slog.Error("unrecoverable pipeline failure", "err", err)
			os.Exit(1)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start builds the first pipeline generation. A failure here is returned to
// the caller rather than routed through the fatal hook, so startup errors
// surface normally.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("pipeline: supervisor already stopped")
	}
	p, err := s.build()
	if err != nil {
		return fmt.Errorf("pipeline: build: %w", err)
	}
	s.current.Store(p)
	slog.Info("pipeline started")
	return nil
}

// Current returns the live pipeline generation, or nil before Start or
// after Stop. Callers must not retain the pointer across restarts.
func (s *Supervisor) Current() *Pipeline {
	return s.current.Load()
}

// Restarts returns the number of completed supervised restarts.
func (s *Supervisor) Restarts() uint64 {
	return s.restarts.Load()
}

// NotifyUnhealthy requests a full pipeline restart. The restart runs
// asynchronously; signals arriving while one is in flight are dropped.
func (s *Supervisor) NotifyUnhealthy() {
	if !s.restarting.CompareAndSwap(false, true) {
		slog.Warn("pipeline restart already in flight, dropping unhealthy signal")
		return
	}
	go s.restart()
}

func (s *Supervisor) restart() {
	defer s.restarting.Store(false)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if s.monitor != nil {
		s.monitor.Pause()
		defer s.monitor.Resume()
	}

	slog.Info("tearing down unhealthy pipeline")
	if cur := s.current.Load(); cur != nil {
		cur.Close()
	}

	next, err := s.build()
	if err != nil {
		s.fatal(fmt.Errorf("pipeline: rebuild: %w", err))
		return
	}

	s.current.Store(next)
	s.restarts.Add(1)
	slog.Info("pipeline rebuilt", "restarts", s.restarts.Load())
}

// Stop tears down the live generation and prevents further restarts.
// Idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if cur := s.current.Load(); cur != nil {
		cur.Close()
	}
	s.current.Store(nil)
	slog.Info("pipeline stopped")
}
