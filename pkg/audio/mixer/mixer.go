// Package mixer blends the PCM streams of all active speakers in a voice
// channel into a single continuous frame stream.
//
// One frame is produced per tick (20 ms by default), always exactly one
// frame in size: silence is an explicit all-zero frame, never a gap. Late
// or missing per-speaker data is concealed by replaying the speaker's last
// completed frame for a bounded number of ticks, after which the speaker's
// envelope gain is faded to zero without removing the speaker. An envelope
// ramp on speech start avoids audible pops.
//
// The mixer never raises user-visible errors; every edge case (unknown
// speaker, buffer underrun, downstream backpressure) degrades to silence or
// concealment and is reflected in the [Stats] counters instead.
package mixer

import (
	"math"
	"sync"
	"time"

	"github.com/mvarrel/voxcast/pkg/audio"
)

const (
	// DefaultFadeInTicks is the number of ticks for a speaker's envelope to
	// ramp from 0 to full gain.
	DefaultFadeInTicks = 2

	// DefaultConcealmentBudget is the number of consecutive concealment
	// frames served before a starved speaker starts fading out.
	DefaultConcealmentBudget = 5

	// DefaultRMSThreshold is the normalised loudness below which a speaker
	// is excluded from the normalisation count. Near-silent sources would
	// otherwise dilute the mix as the divisor grows.
	DefaultRMSThreshold = 0.002

	// DefaultSourceBufferFrames caps each speaker's ingest buffer.
	DefaultSourceBufferFrames = 200

	// activeWindow is the number of recent ticks over which the active
	// speaker average is computed.
	activeWindow = 50
)

// Sink receives mixed frames. The encoder supervisor implements it on top of
// a bounded PCM queue.
type Sink interface {
	// TryWrite delivers one mixed frame without blocking. It reports false
	// when the sink's buffer is full.
	TryWrite(frame []byte) bool

	// Drained returns a channel that receives a signal once space becomes
	// available again after TryWrite reported false.
	Drained() <-chan struct{}
}

// Stats is a point-in-time snapshot of the mixer's observability counters.
type Stats struct {
	// Ticks is the total number of mixing ticks processed.
	Ticks uint64

	// ConcealmentFrames is the total number of frames served from a
	// speaker's last known-good frame instead of fresh data.
	ConcealmentFrames uint64

	// BackpressurePauses counts how often the tick timer was suspended
	// because the downstream sink was full.
	BackpressurePauses uint64

	// ActiveSpeakers is the rolling average of speakers contributing audio
	// per tick over the recent tick window.
	ActiveSpeakers float64

	// Sources is the current number of registered speakers.
	Sources int

	// DroppedBytes is the total PCM discarded by source buffer overflow.
	DroppedBytes uint64
}

// Option configures a [Mixer] during construction.
type Option func(*Mixer)

// WithFadeInTicks sets the number of ticks for the envelope gain to reach
// full scale. The same per-tick increment is used for fade-out.
func WithFadeInTicks(n int) Option {
	return func(m *Mixer) {
		if n > 0 {
			m.fadeStep = 1 / float64(n)
		}
	}
}

// WithConcealmentBudget sets how many consecutive ticks a starved speaker is
// served from its last frame before fading out.
func WithConcealmentBudget(n int) Option {
	return func(m *Mixer) {
		if n >= 0 {
			m.budget = n
		}
	}
}

// WithRMSThreshold sets the normalised loudness below which a speaker does
// not count towards the normalisation divisor.
func WithRMSThreshold(v float64) Option {
	return func(m *Mixer) {
		if v >= 0 {
			m.rmsThreshold = v
		}
	}
}

// WithSourceBufferFrames caps each speaker's ingest buffer to n frames.
func WithSourceBufferFrames(n int) Option {
	return func(m *Mixer) {
		if n > 0 {
			m.bufFrames = n
		}
	}
}

// WithTickSource replaces the internal 20 ms ticker with an external tick
// channel. Intended for tests that need to advance the mixer tick by tick.
func WithTickSource(ch <-chan time.Time) Option {
	return func(m *Mixer) {
		m.tickC = ch
	}
}

// Mixer owns all per-speaker state and drives the mixing tick loop. Exported
// methods are safe for concurrent use; buffer reads during a tick and writes
// via [Mixer.PushToSource] are serialised by an internal lock scoped to the
// critical section, keeping tick latency predictable.
type Mixer struct {
	format   audio.Format
	sink     Sink
	fadeStep float64
	budget   int

	rmsThreshold float64
	bufFrames    int
	tickC        <-chan time.Time

	mu      sync.Mutex
	sources map[string]*source
	scratch []byte // per-tick frame read buffer, reused across sources

	ticks             uint64
	concealmentFrames uint64
	backpressure      uint64
	activeHistory     [activeWindow]int
	activeCount       int // ticks recorded into activeHistory, capped at activeWindow

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// New creates a Mixer emitting one mixed frame per tick to sink and starts
// the tick loop immediately. Call [Mixer.Close] to stop it.
func New(format audio.Format, sink Sink, opts ...Option) *Mixer {
	m := &Mixer{
		format:       format,
		sink:         sink,
		fadeStep:     1 / float64(DefaultFadeInTicks),
		budget:       DefaultConcealmentBudget,
		rmsThreshold: DefaultRMSThreshold,
		bufFrames:    DefaultSourceBufferFrames,
		sources:      make(map[string]*source),
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	m.scratch = make([]byte, format.FrameBytes())
	go m.run()
	return m
}

// AddSource registers a speaker with an empty buffer, zero gain, and no last
// frame. Adding an already-registered speaker is a no-op.
func (m *Mixer) AddSource(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sources[id]; ok {
		return
	}
	m.sources[id] = newSource(m.bufFrames * m.format.FrameBytes())
}

// RemoveSource discards all state for a speaker immediately. Any in-flight
// partial frame is lost; the source is revived on the next speaking event.
// Removing an unknown speaker is a no-op.
func (m *Mixer) RemoveSource(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sources, id)
}

// PushToSource appends raw PCM to a speaker's buffer. Pushes for unknown
// speakers are dropped silently; this guards against races with removal.
func (m *Mixer) PushToSource(id string, pcm []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sources[id]
	if !ok {
		return
	}
	s.buf.Write(pcm)
}

// Stats returns a snapshot of the mixer's counters.
func (m *Mixer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dropped uint64
	for _, s := range m.sources {
		dropped += s.buf.Dropped()
	}

	// Once the window has wrapped, every slot holds a recent value.
	var avg float64
	if n := min(m.activeCount, activeWindow); n > 0 {
		sum := 0
		for i := 0; i < n; i++ {
			sum += m.activeHistory[i]
		}
		avg = float64(sum) / float64(n)
	}

	return Stats{
		Ticks:              m.ticks,
		ConcealmentFrames:  m.concealmentFrames,
		BackpressurePauses: m.backpressure,
		ActiveSpeakers:     avg,
		Sources:            len(m.sources),
		DroppedBytes:       dropped,
	}
}

// Close stops the tick loop and waits for it to exit. Idempotent.
func (m *Mixer) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	<-m.stopped
	return nil
}

// run is the tick loop. When the sink reports backpressure the timer is
// suspended entirely until the sink drains; the mixer never buffers output.
func (m *Mixer) run() {
	defer close(m.stopped)

	tickC := m.tickC
	var ticker *time.Ticker
	if tickC == nil {
		ticker = time.NewTicker(m.format.FrameDuration)
		defer ticker.Stop()
		tickC = ticker.C
	}

	for {
		select {
		case <-m.done:
			return
		case <-tickC:
			frame := m.mixOnce()
			if m.sink.TryWrite(frame) {
				continue
			}

			// Sink is full: suspend ticking until it drains.
			if ticker != nil {
				ticker.Stop()
			}
			m.mu.Lock()
			m.backpressure++
			m.mu.Unlock()

			for !m.sink.TryWrite(frame) {
				select {
				case <-m.done:
					return
				case <-m.sink.Drained():
				}
			}
			if ticker != nil {
				ticker.Reset(m.format.FrameDuration)
			}
		}
	}
}

// mixOnce produces exactly one mixed frame from all registered speakers.
func (m *Mixer) mixOnce() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ticks++

	samplesPerFrame := m.format.SamplesPerFrame()
	sum := make([]int32, samplesPerFrame)
	active := 0 // speakers that contributed samples this tick
	loud := 0   // speakers above the RMS threshold (normalisation count)

	for _, s := range m.sources {
		var data []byte

		switch {
		case s.buf.ReadFull(m.scratch):
			// Fresh frame: record it for concealment and ramp the envelope up.
			if s.lastFrame == nil {
				s.lastFrame = make([]byte, len(m.scratch))
			}
			copy(s.lastFrame, m.scratch)
			s.fallback = 0
			s.gain = math.Min(1, s.gain+m.fadeStep)
			data = m.scratch

		case s.lastFrame != nil:
			// Underrun: conceal with the last frame, but not forever.
			s.fallback++
			if s.fallback > m.budget {
				s.gain = math.Max(0, s.gain-m.fadeStep)
			}
			if s.gain == 0 {
				continue // silenced, but kept until RemoveSource
			}
			data = s.lastFrame
			m.concealmentFrames++

		default:
			// Nothing buffered and nothing to conceal with.
			continue
		}

		var sqSum float64
		for i := 0; i < samplesPerFrame; i++ {
			raw := int16(data[i*2]) | int16(data[i*2+1])<<8
			scaled := float64(raw) * s.gain
			sum[i] += int32(scaled)
			n := scaled / 32768.0
			sqSum += n * n
		}

		active++
		if math.Sqrt(sqSum/float64(samplesPerFrame)) >= m.rmsThreshold {
			loud++
		}
	}

	m.activeHistory[int(m.ticks-1)%activeWindow] = active
	m.activeCount++

	// Normalise by the loud-speaker count so quiet sources don't dilute the
	// mix, then clamp into the int16 range.
	div := int32(1)
	if loud > 1 {
		div = int32(loud)
	}
	out := make([]byte, m.format.FrameBytes())
	for i, v := range sum {
		clamped := audio.ClampInt16(v / div)
		out[i*2] = byte(clamped)
		out[i*2+1] = byte(clamped >> 8)
	}
	return out
}
