package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// opusSampleRates lists the sample rates libopus accepts for encoding.
var opusSampleRates = []int{8000, 12000, 16000, 24000, 48000}

// opusFrameDurationsMS lists the frame durations libopus accepts, in ms.
var opusFrameDurationsMS = []int{10, 20, 40, 60}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Audio — the encoder hands these straight to ffmpeg/libopus, so reject
	// combinations libopus cannot encode.
	if cfg.Audio.SampleRate != 0 && !slices.Contains(opusSampleRates, cfg.Audio.SampleRate) {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is not an Opus rate; valid values: %v", cfg.Audio.SampleRate, opusSampleRates))
	}
	if cfg.Audio.Channels != 0 && cfg.Audio.Channels != 1 && cfg.Audio.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; valid values: 1, 2", cfg.Audio.Channels))
	}
	if cfg.Audio.FrameDurationMS != 0 && !slices.Contains(opusFrameDurationsMS, cfg.Audio.FrameDurationMS) {
		errs = append(errs, fmt.Errorf("audio.frame_duration_ms %d is not an Opus frame duration; valid values: %v", cfg.Audio.FrameDurationMS, opusFrameDurationsMS))
	}

	// Mixer
	if cfg.Mixer.FadeInTicks < 0 {
		errs = append(errs, fmt.Errorf("mixer.fade_in_ticks %d must not be negative", cfg.Mixer.FadeInTicks))
	}
	if cfg.Mixer.ConcealmentBudget < 0 {
		errs = append(errs, fmt.Errorf("mixer.concealment_budget %d must not be negative", cfg.Mixer.ConcealmentBudget))
	}
	if cfg.Mixer.RMSThreshold < 0 || cfg.Mixer.RMSThreshold >= 1 {
		errs = append(errs, fmt.Errorf("mixer.rms_threshold %.4f is out of range [0, 1)", cfg.Mixer.RMSThreshold))
	}
	if cfg.Mixer.SourceBufferFrames < 0 {
		errs = append(errs, fmt.Errorf("mixer.source_buffer_frames %d must not be negative", cfg.Mixer.SourceBufferFrames))
	}

	// Encoder
	if cfg.Encoder.HeaderByteCap < 0 {
		errs = append(errs, fmt.Errorf("encoder.header_byte_cap %d must not be negative", cfg.Encoder.HeaderByteCap))
	}
	if cfg.Encoder.ExitRestartDelayMS < 0 {
		errs = append(errs, fmt.Errorf("encoder.exit_restart_delay_ms %d must not be negative", cfg.Encoder.ExitRestartDelayMS))
	}
	if cfg.Encoder.SpawnRetryDelayMS < 0 {
		errs = append(errs, fmt.Errorf("encoder.spawn_retry_delay_ms %d must not be negative", cfg.Encoder.SpawnRetryDelayMS))
	}

	// Health
	if cfg.Health.FailureThreshold < 0 {
		errs = append(errs, fmt.Errorf("health.failure_threshold %d must not be negative", cfg.Health.FailureThreshold))
	}
	if cfg.Health.IntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("health.interval_seconds %d must not be negative", cfg.Health.IntervalSeconds))
	}
	if cfg.Health.PlaybackTimeoutSeconds != 0 && cfg.Health.IntervalSeconds != 0 &&
		cfg.Health.PlaybackTimeoutSeconds > cfg.Health.IntervalSeconds {
		slog.Warn("health.playback_timeout_seconds exceeds health.interval_seconds; probes may overlap their schedule",
			"playback_timeout_seconds", cfg.Health.PlaybackTimeoutSeconds,
			"interval_seconds", cfg.Health.IntervalSeconds,
		)
	}

	// Discord ingest
	if cfg.Discord != nil {
		if cfg.Discord.Token == "" {
			errs = append(errs, errors.New("discord.token is required when the discord block is set"))
		}
		if cfg.Discord.GuildID == "" {
			errs = append(errs, errors.New("discord.guild_id is required when the discord block is set"))
		}
		if cfg.Discord.ChannelID == "" {
			errs = append(errs, errors.New("discord.channel_id is required when the discord block is set"))
		}
	} else {
		slog.Warn("no discord block configured; the broadcast will carry silence until an ingest source is attached")
	}

	return errors.Join(errs...)
}
