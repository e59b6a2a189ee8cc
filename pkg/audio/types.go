// Package audio provides the PCM primitives shared by the voxcast pipeline:
// the stream format description, frame-size math, int16 sample conversion,
// and the fixed-capacity ring buffer used for per-speaker ingest.
//
// All PCM in the pipeline is signed 16-bit little-endian interleaved.
package audio

import "time"

// Format describes the sample rate and channel layout of a PCM stream.
// The format is fixed at configuration time and invariant for the process
// lifetime.
type Format struct {
	// SampleRate in Hz (e.g., 48000).
	SampleRate int

	// Channels is the number of interleaved channels (1 = mono, 2 = stereo).
	Channels int

	// FrameDuration is the length of one mixing tick (commonly 20 ms).
	FrameDuration time.Duration
}

// DefaultFormat is the voice-platform native format: 48 kHz stereo with
// 20 ms frames.
var DefaultFormat = Format{
	SampleRate:    48000,
	Channels:      2,
	FrameDuration: 20 * time.Millisecond,
}

// SamplesPerFrame returns the number of interleaved int16 samples in one frame.
func (f Format) SamplesPerFrame() int {
	return f.SampleRate * int(f.FrameDuration/time.Millisecond) / 1000 * f.Channels
}

// FrameBytes returns the byte size of one frame (two bytes per sample).
func (f Format) FrameBytes() int {
	return f.SamplesPerFrame() * 2
}

// Valid reports whether the format describes a usable PCM stream.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0 && f.FrameDuration > 0
}
