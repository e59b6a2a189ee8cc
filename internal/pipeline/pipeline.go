// Package pipeline assembles the mixer and encoder supervisor into one unit
// and owns its lifecycle: construction, graceful teardown and full
// restart-on-unhealthy. Only one pipeline generation is ever live at a time.
package pipeline

import (
	"errors"

	"github.com/mvarrel/voxcast/internal/encoder"
	"github.com/mvarrel/voxcast/pkg/audio"
	"github.com/mvarrel/voxcast/pkg/audio/mixer"
)

// Pipeline is one generation of the mixer/encoder pair. The mixer writes
// PCM frames into the encoder supervisor, which implements the mixer's
// sink contract.
type Pipeline struct {
	Mixer   *mixer.Mixer
	Encoder *encoder.Supervisor
}

// Close tears the pair down in flow order: the mixer first so no more
// frames are produced, then the encoder and its subprocess and taps.
func (p *Pipeline) Close() {
	if p.Mixer != nil {
		p.Mixer.Close()
	}
	if p.Encoder != nil {
		p.Encoder.Stop()
	}
}

// Builder constructs a fresh pipeline generation. It is invoked at startup
// and again on every supervised restart.
type Builder func() (*Pipeline, error)

// BuildConfig carries everything needed to construct a pipeline generation.
type BuildConfig struct {
	// Format is the PCM frame format shared by mixer and encoder. Zero
	// value means [audio.DefaultFormat].
	Format audio.Format

	// MixerOptions tune the mixer's envelope, concealment and buffering.
	MixerOptions []mixer.Option

	// Encoder configures the encoder supervisor. Spawner is required.
	Encoder encoder.Config
}

// NewBuilder returns a Builder that wires a mixer into a started encoder
// supervisor per cfg.
func NewBuilder(cfg BuildConfig) Builder {
	return func() (*Pipeline, error) {
		if cfg.Encoder.Spawner == nil {
			return nil, errors.New("pipeline: encoder spawner not configured")
		}
		format := cfg.Format
		if !format.Valid() {
			format = audio.DefaultFormat
		}

		enc := encoder.New(cfg.Encoder)
		enc.Start()
		mx := mixer.New(format, enc, cfg.MixerOptions...)

		return &Pipeline{Mixer: mx, Encoder: enc}, nil
	}
}
