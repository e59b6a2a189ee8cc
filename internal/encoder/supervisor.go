// Package encoder keeps exactly one audio encoder subprocess alive, feeds it
// the mixer's PCM frames, and fans the encoded Ogg/Opus byte stream out to
// every connected listener.
//
// Subprocess crashes are expected: the supervisor restarts the encoder after
// a short delay (with a longer delay for spawn errors, to avoid hot-looping
// on a missing or broken binary) and recaptures the container header for the
// new process lifetime. While no process is live, incoming PCM frames are
// drained and discarded so the mixer upstream never stalls against a dead
// pipe.
//
// The subprocess lifecycle is an explicit state machine
// (Starting → Running → Exited → Restarting) driven by a single owner
// goroutine; the [Spawner] abstraction lets tests exercise every transition
// without launching real processes.
package encoder

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults for [Config] fields left at their zero value.
const (
	DefaultHeaderByteCap    = 16 * 1024
	DefaultExitRestartDelay = 800 * time.Millisecond
	DefaultSpawnRetryDelay  = 2 * time.Second
	DefaultPCMQueueFrames   = 16
	DefaultTapQueueChunks   = 128

	readBufSize = 4096
)

// State is the encoder subprocess lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateExited
	StateRestarting
	StateStopped
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config holds the supervisor's tuning knobs. Zero-value fields are replaced
// with the package defaults; only Spawner is required.
type Config struct {
	// Spawner creates encoder processes.
	Spawner Spawner

	// HeaderByteCap bounds the container header capture. If the header
	// boundary is not found within this many bytes, capture stops anyway.
	HeaderByteCap int

	// ExitRestartDelay is the pause before respawning after a process exit.
	ExitRestartDelay time.Duration

	// SpawnRetryDelay is the pause before retrying after a spawn error.
	// Kept longer than ExitRestartDelay: a spawn error usually means a
	// persistent problem.
	SpawnRetryDelay time.Duration

	// PCMQueueFrames is the capacity of the mixer-facing PCM queue.
	PCMQueueFrames int

	// TapQueueChunks is the per-listener fan-out queue capacity.
	TapQueueChunks int
}

// Supervisor owns the encoder subprocess and the listener fan-out. It
// implements the mixer's Sink contract (TryWrite/Drained) on its PCM queue.
//
// All exported methods are safe for concurrent use.
type Supervisor struct {
	cfg Config

	pcm   chan []byte
	space chan struct{}

	mu         sync.Mutex
	taps       map[*Tap]struct{}
	header     []byte
	headerDone bool
	pid        int
	state      State

	restarts atomic.Uint64

	started atomic.Bool
	done    chan struct{}
	stopped chan struct{}

	stopOnce sync.Once
}

// New creates a Supervisor. Call [Supervisor.Start] to spawn the first
// process and [Supervisor.Stop] to tear everything down.
func New(cfg Config) *Supervisor {
	if cfg.HeaderByteCap <= 0 {
		cfg.HeaderByteCap = DefaultHeaderByteCap
	}
	if cfg.ExitRestartDelay <= 0 {
		cfg.ExitRestartDelay = DefaultExitRestartDelay
	}
	if cfg.SpawnRetryDelay <= 0 {
		cfg.SpawnRetryDelay = DefaultSpawnRetryDelay
	}
	if cfg.PCMQueueFrames <= 0 {
		cfg.PCMQueueFrames = DefaultPCMQueueFrames
	}
	if cfg.TapQueueChunks <= 0 {
		cfg.TapQueueChunks = DefaultTapQueueChunks
	}
	return &Supervisor{
		cfg:     cfg,
		pcm:     make(chan []byte, cfg.PCMQueueFrames),
		space:   make(chan struct{}, 1),
		taps:    make(map[*Tap]struct{}),
		state:   StateIdle,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start launches the supervision loop. Subsequent calls are no-ops.
func (s *Supervisor) Start() {
	if s.started.CompareAndSwap(false, true) {
		go s.run()
	}
}

// Stop closes the subprocess's input, terminates it, closes every fan-out
// tap, and waits for the supervision loop to exit. Idempotent.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	if s.started.Load() {
		<-s.stopped
	}
}

// TryWrite enqueues one PCM frame for encoding without blocking. It reports
// false when the queue is full; the mixer suspends its tick timer and waits
// for [Supervisor.Drained]. The supervisor takes ownership of the slice.
func (s *Supervisor) TryWrite(frame []byte) bool {
	select {
	case s.pcm <- frame:
		return true
	default:
		return false
	}
}

// Drained returns a channel signalled whenever a frame is dequeued, meaning
// space is available again after TryWrite reported false.
func (s *Supervisor) Drained() <-chan struct{} { return s.space }

// Subscribe attaches a new fan-out tap to the encoded stream. Release it
// with [Supervisor.Unsubscribe] when the listener disconnects.
func (s *Supervisor) Subscribe() *Tap {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := newTap(s.cfg.TapQueueChunks)
	s.taps[t] = struct{}{}
	return t
}

// Unsubscribe detaches a tap and closes its channel. Detaching one tap never
// disturbs the others. Unsubscribing an already-released tap is a no-op.
func (s *Supervisor) Unsubscribe(t *Tap) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.taps[t]; ok {
		delete(s.taps, t)
		close(t.ch)
	}
}

// HeaderBytes returns a copy of the cached container header for the current
// process lifetime. It may still be growing (capture in progress) or empty
// (no process output yet).
func (s *Supervisor) HeaderBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]byte, len(s.header))
	copy(out, s.header)
	return out
}

// Pid returns the current subprocess pid, or 0 when none is live.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return 0
	}
	return s.pid
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Restarts returns how many times the subprocess has been restarted
// (including spawn retries).
func (s *Supervisor) Restarts() uint64 { return s.restarts.Load() }

// Listeners returns the number of attached fan-out taps.
func (s *Supervisor) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.taps)
}

// run is the single-owner supervision loop.
func (s *Supervisor) run() {
	defer close(s.stopped)
	defer s.closeTaps()
	defer s.setState(StateStopped)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.setState(StateStarting)
		proc, err := s.cfg.Spawner.Spawn()
		if err != nil {
			slog.Error("encoder spawn failed", "err", err,
				"retry_in", s.cfg.SpawnRetryDelay)
			s.restarts.Add(1)
			s.setState(StateRestarting)
			if !s.idleDrain(s.cfg.SpawnRetryDelay) {
				return
			}
			continue
		}

		s.beginProcess(proc.Pid())
		slog.Info("encoder process started", "pid", proc.Pid())

		exitCh := make(chan error, 1)
		go func() { exitCh <- proc.Wait() }()

		readerDone := make(chan struct{})
		go s.readLoop(proc.Stdout(), readerDone)

		stopping := s.feed(proc, exitCh)
		<-readerDone

		if stopping {
			return
		}

		slog.Warn("encoder process exited, scheduling restart",
			"pid", proc.Pid(), "restart_in", s.cfg.ExitRestartDelay)
		s.restarts.Add(1)
		s.setState(StateExited)
		if !s.idleDrain(s.cfg.ExitRestartDelay) {
			return
		}
		s.setState(StateRestarting)
	}
}

// feed pumps PCM frames into the process stdin until the process exits or
// the supervisor stops. Returns true on the stop path.
func (s *Supervisor) feed(proc Process, exitCh <-chan error) (stopping bool) {
	stdin := proc.Stdin()
	for {
		select {
		case <-s.done:
			_ = stdin.Close()
			if err := proc.Terminate(); err != nil {
				slog.Debug("encoder terminate", "err", err)
			}
			<-exitCh
			return true

		case frame := <-s.pcm:
			s.signalSpace()
			if _, err := stdin.Write(frame); err != nil {
				// Broken pipe: the process is on its way out. Keep
				// draining until Wait reports the exit.
				slog.Debug("encoder stdin write failed", "err", err)
			}

		case err := <-exitCh:
			if err != nil {
				slog.Warn("encoder process exit", "err", err)
			}
			return false
		}
	}
}

// idleDrain sleeps for d while draining (and discarding) incoming PCM so the
// mixer never blocks against a dead encoder. Returns false if the supervisor
// was stopped during the sleep.
func (s *Supervisor) idleDrain(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return false
		case <-s.pcm:
			s.signalSpace()
		case <-t.C:
			return true
		}
	}
}

// readLoop copies encoder output into the header capture and the fan-out
// taps until stdout reaches EOF (process exit).
func (s *Supervisor) readLoop(r io.Reader, done chan struct{}) {
	defer close(done)
	buf := make([]byte, readBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.ingest(chunk)
		}
		if err != nil {
			return
		}
	}
}

// ingest captures header bytes for this process lifetime and broadcasts the
// chunk to every tap.
func (s *Supervisor) ingest(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.headerDone {
		s.header = append(s.header, chunk...)
		if n, ok := ScanHeaderBoundary(s.header); ok {
			s.header = s.header[:n]
			s.headerDone = true
		} else if len(s.header) >= s.cfg.HeaderByteCap {
			s.header = s.header[:s.cfg.HeaderByteCap]
			s.headerDone = true
			slog.Warn("header capture hit byte cap before the Ogg comment page",
				"cap", s.cfg.HeaderByteCap)
		}
	}

	for t := range s.taps {
		t.push(chunk)
	}
}

// beginProcess resets per-process state: a new process means a new header
// capture cycle.
func (s *Supervisor) beginProcess(pid int) {
	s.mu.Lock()
	s.pid = pid
	s.header = nil
	s.headerDone = false
	s.state = StateRunning
	s.mu.Unlock()
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Supervisor) closeTaps() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for t := range s.taps {
		close(t.ch)
		delete(s.taps, t)
	}
}

func (s *Supervisor) signalSpace() {
	select {
	case s.space <- struct{}{}:
	default:
	}
}
