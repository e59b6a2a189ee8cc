package mixer

import "github.com/mvarrel/voxcast/pkg/audio"

// source holds the mixing state for a single speaker. All fields are owned
// exclusively by the mixer and accessed under its lock.
type source struct {
	// buf accumulates raw PCM pushed by the platform layer. Overflow drops
	// the oldest bytes (deliberate lossy policy for runaway producers).
	buf *audio.Ring

	// lastFrame is a copy of the most recently completed frame, reused for
	// packet-loss concealment when the buffer underruns.
	lastFrame []byte

	// gain is the envelope gain in [0, 1], ramped up on speech start and
	// down once the concealment budget is exhausted.
	gain float64

	// fallback counts consecutive ticks served from lastFrame.
	fallback int
}

func newSource(bufferBytes int) *source {
	return &source{buf: audio.NewRing(bufferBytes)}
}
