package encoder_test

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mvarrel/voxcast/internal/encoder"
)

// fakeProcess is an in-memory encoder process. Tests feed its stdout through
// a pipe and trigger exits explicitly.
type fakeProcess struct {
	pid     int
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	mu          sync.Mutex
	stdin       bytes.Buffer
	stdinClosed bool

	exitCh     chan error
	exitOnce   sync.Once
	terminated bool
}

func newFakeProcess(pid int) *fakeProcess {
	r, w := io.Pipe()
	return &fakeProcess{
		pid:     pid,
		stdoutR: r,
		stdoutW: w,
		exitCh:  make(chan error, 1),
	}
}

func (p *fakeProcess) Stdin() io.WriteCloser { return &fakeStdin{p: p} }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Wait() error           { return <-p.exitCh }

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.exit(nil)
	return nil
}

// exit simulates process termination: stdout reaches EOF and Wait returns.
func (p *fakeProcess) exit(err error) {
	p.exitOnce.Do(func() {
		p.stdoutW.Close()
		p.exitCh <- err
	})
}

// emit writes encoded output bytes; blocks until the read loop consumes them.
func (p *fakeProcess) emit(t *testing.T, b []byte) {
	t.Helper()
	if _, err := p.stdoutW.Write(b); err != nil {
		t.Fatalf("emit: %v", err)
	}
}

func (p *fakeProcess) stdinBytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.stdin.Bytes()...)
}

func (p *fakeProcess) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// fakeStdin gives the process a distinct io.WriteCloser identity.
type fakeStdin struct{ p *fakeProcess }

func (s *fakeStdin) Write(b []byte) (int, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if s.p.stdinClosed {
		return 0, io.ErrClosedPipe
	}
	return s.p.stdin.Write(b)
}

func (s *fakeStdin) Close() error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	s.p.stdinClosed = true
	return nil
}

// fakeSpawner hands out a scripted sequence of processes and spawn errors.
type fakeSpawner struct {
	mu     sync.Mutex
	script []func() (encoder.Process, error)
	spawns int
}

func (f *fakeSpawner) push(fn func() (encoder.Process, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, fn)
}

func (f *fakeSpawner) Spawn() (encoder.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawns++
	if len(f.script) == 0 {
		return nil, errors.New("fake spawner: script exhausted")
	}
	fn := f.script[0]
	f.script = f.script[1:]
	return fn()
}

func testConfig(sp encoder.Spawner) encoder.Config {
	return encoder.Config{
		Spawner:          sp,
		ExitRestartDelay: 10 * time.Millisecond,
		SpawnRetryDelay:  10 * time.Millisecond,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fullHeader() ([]byte, []byte, []byte) {
	head := opusHeadPage()
	tags := opusTagsPage(8)
	return head, tags, append(append([]byte{}, head...), tags...)
}

func TestHeaderCaptureStopsAtTagsPage(t *testing.T) {
	t.Parallel()

	proc := newFakeProcess(101)
	sp := &fakeSpawner{}
	sp.push(func() (encoder.Process, error) { return proc, nil })

	s := encoder.New(testConfig(sp))
	s.Start()
	defer s.Stop()

	head, tags, want := fullHeader()
	proc.emit(t, head)
	proc.emit(t, tags)
	proc.emit(t, oggPage(bytes.Repeat([]byte{0xCD}, 64))) // first audio page

	waitFor(t, "header capture", func() bool {
		return bytes.Equal(s.HeaderBytes(), want)
	})

	// Idempotent per process lifetime: more output must not grow the header.
	proc.emit(t, oggPage(bytes.Repeat([]byte{0xEF}, 64)))
	if got := s.HeaderBytes(); !bytes.Equal(got, want) {
		t.Fatalf("header changed after capture: %d bytes, want %d", len(got), len(want))
	}
}

func TestRestartOnExitRecapturesHeader(t *testing.T) {
	t.Parallel()

	proc1 := newFakeProcess(101)
	proc2 := newFakeProcess(102)
	sp := &fakeSpawner{}
	sp.push(func() (encoder.Process, error) { return proc1, nil })
	sp.push(func() (encoder.Process, error) { return proc2, nil })

	s := encoder.New(testConfig(sp))
	s.Start()
	defer s.Stop()

	_, _, header1 := fullHeader()
	proc1.emit(t, header1)
	waitFor(t, "first header", func() bool { return bytes.Equal(s.HeaderBytes(), header1) })
	waitFor(t, "first pid", func() bool { return s.Pid() == 101 })

	proc1.exit(errors.New("killed"))

	waitFor(t, "second process", func() bool { return s.Pid() == 102 })
	if s.Restarts() != 1 {
		t.Errorf("Restarts = %d, want 1", s.Restarts())
	}

	// A new process means a new capture cycle; serve it a different header.
	head2 := opusHeadPage()
	tags2 := opusTagsPage(42)
	header2 := append(append([]byte{}, head2...), tags2...)
	proc2.emit(t, head2)
	proc2.emit(t, tags2)
	waitFor(t, "second header", func() bool { return bytes.Equal(s.HeaderBytes(), header2) })
}

func TestSpawnErrorRetries(t *testing.T) {
	t.Parallel()

	proc := newFakeProcess(77)
	sp := &fakeSpawner{}
	sp.push(func() (encoder.Process, error) { return nil, errors.New("no such binary") })
	sp.push(func() (encoder.Process, error) { return proc, nil })

	s := encoder.New(testConfig(sp))
	s.Start()
	defer s.Stop()

	waitFor(t, "recovery from spawn error", func() bool { return s.Pid() == 77 })
	if s.Restarts() != 1 {
		t.Errorf("Restarts = %d, want 1", s.Restarts())
	}
}

func TestPCMFramesReachProcessStdin(t *testing.T) {
	t.Parallel()

	proc := newFakeProcess(101)
	sp := &fakeSpawner{}
	sp.push(func() (encoder.Process, error) { return proc, nil })

	s := encoder.New(testConfig(sp))
	s.Start()
	defer s.Stop()

	waitFor(t, "process start", func() bool { return s.Pid() == 101 })

	frame := bytes.Repeat([]byte{0x01, 0x02}, 100)
	if !s.TryWrite(append([]byte(nil), frame...)) {
		t.Fatal("TryWrite = false on an empty queue")
	}

	waitFor(t, "frame on stdin", func() bool {
		return bytes.Contains(proc.stdinBytes(), frame)
	})
}

func TestReleasingOneTapKeepsOthersDelivering(t *testing.T) {
	t.Parallel()

	proc := newFakeProcess(101)
	sp := &fakeSpawner{}
	sp.push(func() (encoder.Process, error) { return proc, nil })

	s := encoder.New(testConfig(sp))
	s.Start()
	defer s.Stop()

	a := s.Subscribe()
	b := s.Subscribe()
	if s.Listeners() != 2 {
		t.Fatalf("Listeners = %d, want 2", s.Listeners())
	}

	s.Unsubscribe(a)

	if _, open := <-a.Chunks(); open {
		t.Error("released tap's channel still open")
	}

	payload := oggPage(bytes.Repeat([]byte{0x55}, 32))
	proc.emit(t, payload)

	select {
	case chunk := <-b.Chunks():
		if !bytes.Equal(chunk, payload) {
			t.Errorf("surviving tap got %d bytes, want %d", len(chunk), len(payload))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("surviving tap received nothing after the other was released")
	}

	// Releasing twice must be harmless.
	s.Unsubscribe(a)
}

func TestStopTerminatesProcessAndClosesTaps(t *testing.T) {
	t.Parallel()

	proc := newFakeProcess(101)
	sp := &fakeSpawner{}
	sp.push(func() (encoder.Process, error) { return proc, nil })

	s := encoder.New(testConfig(sp))
	s.Start()
	tap := s.Subscribe()

	waitFor(t, "process start", func() bool { return s.Pid() == 101 })

	s.Stop()

	if !proc.wasTerminated() {
		t.Error("process was not terminated on Stop")
	}
	if got := s.State(); got != encoder.StateStopped {
		t.Errorf("State = %v, want %v", got, encoder.StateStopped)
	}
	// Tap channel must be closed (possibly after buffered chunks).
	for {
		if _, open := <-tap.Chunks(); !open {
			break
		}
	}

	s.Stop() // idempotent
}

func TestTryWriteReportsBackpressure(t *testing.T) {
	t.Parallel()

	// Unstarted supervisor: nothing drains the queue.
	s := encoder.New(encoder.Config{Spawner: &fakeSpawner{}, PCMQueueFrames: 1})

	if !s.TryWrite([]byte{1}) {
		t.Fatal("first TryWrite = false, want true")
	}
	if s.TryWrite([]byte{2}) {
		t.Fatal("second TryWrite = true on a full queue")
	}
}
