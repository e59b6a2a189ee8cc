// Package config provides the configuration schema and loader for the
// Voxcast broadcast service.
package config

import (
	"time"

	"github.com/mvarrel/voxcast/pkg/audio"
)

// LogLevel controls log verbosity for the Voxcast server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Voxcast.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Audio   AudioConfig    `yaml:"audio"`
	Mixer   MixerConfig    `yaml:"mixer"`
	Encoder EncoderConfig  `yaml:"encoder"`
	Health  HealthConfig   `yaml:"health"`
	Discord *DiscordConfig `yaml:"discord"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AudioConfig describes the PCM frame format flowing from the mixer into
// the encoder. Zero values fall back to 48 kHz stereo 20 ms frames.
type AudioConfig struct {
	// SampleRate in Hz. Must be an Opus-supported rate.
	SampleRate int `yaml:"sample_rate"`

	// Channels is 1 (mono) or 2 (stereo).
	Channels int `yaml:"channels"`

	// FrameDurationMS is the mixing tick length in milliseconds.
	FrameDurationMS int `yaml:"frame_duration_ms"`
}

// Format converts the audio block to an [audio.Format], applying defaults
// for unset fields.
func (a AudioConfig) Format() audio.Format {
	f := audio.DefaultFormat
	if a.SampleRate > 0 {
		f.SampleRate = a.SampleRate
	}
	if a.Channels > 0 {
		f.Channels = a.Channels
	}
	if a.FrameDurationMS > 0 {
		f.FrameDuration = time.Duration(a.FrameDurationMS) * time.Millisecond
	}
	return f
}

// MixerConfig holds the mixer's envelope and concealment tuning. These are
// tunable parameters, not load-bearing constants; zero values use the mixer
// package defaults.
type MixerConfig struct {
	// FadeInTicks is the number of ticks over which a reviving speaker
	// ramps from silence to full gain.
	FadeInTicks int `yaml:"fade_in_ticks"`

	// ConcealmentBudget is how many consecutive underrun ticks are bridged
	// by repeating a speaker's last frame before fading it out.
	ConcealmentBudget int `yaml:"concealment_budget"`

	// RMSThreshold is the normalized loudness below which a speaker does
	// not count toward the normalization divisor.
	RMSThreshold float64 `yaml:"rms_threshold"`

	// SourceBufferFrames is the per-speaker ring buffer capacity in frames.
	SourceBufferFrames int `yaml:"source_buffer_frames"`
}

// EncoderConfig holds the ffmpeg subprocess settings. Zero values use the
// encoder package defaults.
type EncoderConfig struct {
	// FFmpegPath is the ffmpeg executable. Default: "ffmpeg" from PATH.
	FFmpegPath string `yaml:"ffmpeg_path"`

	// Bitrate is the Opus output bitrate passed to ffmpeg (e.g., "96k").
	Bitrate string `yaml:"bitrate"`

	// HeaderByteCap bounds the container header capture.
	HeaderByteCap int `yaml:"header_byte_cap"`

	// ExitRestartDelayMS is the pause before respawning ffmpeg after it
	// exits.
	ExitRestartDelayMS int `yaml:"exit_restart_delay_ms"`

	// SpawnRetryDelayMS is the pause before retrying a spawn that failed
	// outright.
	SpawnRetryDelayMS int `yaml:"spawn_retry_delay_ms"`

	// PCMQueueFrames is the mixer-facing PCM queue capacity.
	PCMQueueFrames int `yaml:"pcm_queue_frames"`

	// TapQueueChunks is the per-listener fan-out queue capacity.
	TapQueueChunks int `yaml:"tap_queue_chunks"`
}

// HealthConfig holds the active stream probe settings. Zero values use the
// healthcheck package defaults.
type HealthConfig struct {
	// StreamURL is the public stream endpoint the probe fetches. When
	// empty, it is derived from the server listen address.
	StreamURL string `yaml:"stream_url"`

	// IntervalSeconds is the pause between scheduled probes.
	IntervalSeconds int `yaml:"interval_seconds"`

	// ConnectTimeoutSeconds bounds TCP connection establishment.
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`

	// PlaybackTimeoutSeconds bounds one whole fetch-and-decode attempt.
	PlaybackTimeoutSeconds int `yaml:"playback_timeout_seconds"`

	// FailureThreshold is the consecutive-failure count that triggers a
	// pipeline restart.
	FailureThreshold int `yaml:"failure_threshold"`

	// MinDecodedBytes is the decoded PCM amount that proves the stream
	// carries real audio.
	MinDecodedBytes int `yaml:"min_decoded_bytes"`
}

// DiscordConfig enables the Discord voice-channel ingest. When the block is
// absent the service runs without an ingest source (speakers can only be
// silence), which is useful for smoke testing the pipeline itself.
type DiscordConfig struct {
	// Token is the bot token.
	Token string `yaml:"token"`

	// GuildID is the server to join.
	GuildID string `yaml:"guild_id"`

	// ChannelID is the voice channel to join.
	ChannelID string `yaml:"channel_id"`
}
