package encoder

import (
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/mvarrel/voxcast/pkg/audio"
)

// Process is a live encoder subprocess: raw PCM in on stdin, encoded
// container bytes out on stdout.
type Process interface {
	// Stdin is the PCM input pipe.
	Stdin() io.WriteCloser

	// Stdout is the encoded output stream.
	Stdout() io.Reader

	// Pid returns the operating-system process id.
	Pid() int

	// Wait blocks until the process exits and returns its exit error.
	Wait() error

	// Terminate asks the process to stop. Safe to call while Wait is pending.
	Terminate() error
}

// Spawner creates encoder processes. The supervisor holds a Spawner rather
// than spawning directly so restart logic can be tested without launching
// real subprocesses.
type Spawner interface {
	Spawn() (Process, error)
}

// Compile-time interface assertion.
var _ Spawner = (*FFmpegSpawner)(nil)

// FFmpegSpawner spawns ffmpeg configured to read signed 16-bit little-endian
// PCM from stdin and emit a streamable Ogg/Opus container on stdout.
type FFmpegSpawner struct {
	// Path is the ffmpeg executable. Empty means "ffmpeg" from $PATH.
	Path string

	// Format is the PCM input format.
	Format audio.Format

	// Bitrate is the Opus output bitrate in ffmpeg notation (e.g., "96k").
	// Empty means "96k".
	Bitrate string
}

// Args returns the full ffmpeg argument list. Exposed for logging and tests.
func (f *FFmpegSpawner) Args() []string {
	bitrate := f.Bitrate
	if bitrate == "" {
		bitrate = "96k"
	}
	frameMs := int(f.Format.FrameDuration.Milliseconds())
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(f.Format.SampleRate),
		"-ac", strconv.Itoa(f.Format.Channels),
		"-i", "pipe:0",
		"-c:a", "libopus",
		"-b:a", bitrate,
		"-vbr", "on",
		"-frame_duration", strconv.Itoa(frameMs),
		"-application", "audio",
		"-f", "ogg",
		"pipe:1",
	}
}

// Spawn starts a new ffmpeg process and wires up its pipes.
func (f *FFmpegSpawner) Spawn() (Process, error) {
	path := f.Path
	if path == "" {
		path = "ffmpeg"
	}
	cmd := exec.Command(path, f.Args()...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("encoder: start %s: %w", path, err)
	}

	return &osProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// osProcess adapts an exec.Cmd to the [Process] interface.
type osProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (p *osProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *osProcess) Stdout() io.Reader     { return p.stdout }
func (p *osProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *osProcess) Wait() error           { return p.cmd.Wait() }

// Terminate sends SIGTERM so ffmpeg can flush and exit cleanly.
func (p *osProcess) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}
