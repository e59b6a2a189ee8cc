package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mvarrel/voxcast/internal/config"
)

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":9090"
  log_level: debug
audio:
  sample_rate: 48000
  channels: 2
  frame_duration_ms: 20
mixer:
  fade_in_ticks: 3
  concealment_budget: 5
  rms_threshold: 0.002
  source_buffer_frames: 200
encoder:
  ffmpeg_path: /usr/bin/ffmpeg
  bitrate: 96k
  header_byte_cap: 16384
  exit_restart_delay_ms: 500
  spawn_retry_delay_ms: 3000
health:
  stream_url: http://127.0.0.1:9090/stream
  interval_seconds: 30
  failure_threshold: 2
  min_decoded_bytes: 96000
discord:
  token: abc123
  guild_id: "1111"
  channel_id: "2222"
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := &config.Config{
		Server: config.ServerConfig{
			ListenAddr: ":9090",
			LogLevel:   config.LogDebug,
		},
		Audio: config.AudioConfig{
			SampleRate:      48000,
			Channels:        2,
			FrameDurationMS: 20,
		},
		Mixer: config.MixerConfig{
			FadeInTicks:        3,
			ConcealmentBudget:  5,
			RMSThreshold:       0.002,
			SourceBufferFrames: 200,
		},
		Encoder: config.EncoderConfig{
			FFmpegPath:         "/usr/bin/ffmpeg",
			Bitrate:            "96k",
			HeaderByteCap:      16384,
			ExitRestartDelayMS: 500,
			SpawnRetryDelayMS:  3000,
		},
		Health: config.HealthConfig{
			StreamURL:        "http://127.0.0.1:9090/stream",
			IntervalSeconds:  30,
			FailureThreshold: 2,
			MinDecodedBytes:  96000,
		},
		Discord: &config.DiscordConfig{
			Token:     "abc123",
			GuildID:   "1111",
			ChannelID: "2222",
		},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	f := cfg.Audio.Format()
	if f.SampleRate != 48000 || f.Channels != 2 || f.FrameDuration != 20*time.Millisecond {
		t.Errorf("Format() = %+v", f)
	}
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_address: ":8080"
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: verbose
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_NonOpusSampleRate(t *testing.T) {
	t.Parallel()
	yaml := `
audio:
  sample_rate: 44100
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for 44100 Hz, got nil")
	}
	if !strings.Contains(err.Error(), "sample_rate") {
		t.Errorf("error should mention sample_rate, got: %v", err)
	}
}

func TestValidate_InvalidFrameDuration(t *testing.T) {
	t.Parallel()
	yaml := `
audio:
  frame_duration_ms: 25
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for 25 ms frames, got nil")
	}
}

func TestValidate_RMSThresholdOutOfRange(t *testing.T) {
	t.Parallel()
	yaml := `
mixer:
  rms_threshold: 1.5
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for rms_threshold 1.5, got nil")
	}
}

func TestValidate_NegativeEncoderDelays(t *testing.T) {
	t.Parallel()
	yaml := `
encoder:
  exit_restart_delay_ms: -1
  spawn_retry_delay_ms: -100
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative encoder delays, got nil")
	}
	if !strings.Contains(err.Error(), "exit_restart_delay_ms") {
		t.Errorf("error should mention exit_restart_delay_ms, got: %v", err)
	}
	if !strings.Contains(err.Error(), "spawn_retry_delay_ms") {
		t.Errorf("error should mention spawn_retry_delay_ms, got: %v", err)
	}
}

func TestValidate_DiscordBlockRequiresAllFields(t *testing.T) {
	t.Parallel()
	yaml := `
discord:
  token: abc123
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for incomplete discord block, got nil")
	}
	if !strings.Contains(err.Error(), "guild_id") {
		t.Errorf("error should mention guild_id, got: %v", err)
	}
	if !strings.Contains(err.Error(), "channel_id") {
		t.Errorf("error should mention channel_id, got: %v", err)
	}
}

func TestValidate_TLSRequiresBothFiles(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  tls:
    cert_file: /etc/voxcast/cert.pem
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for TLS without key file, got nil")
	}
	if !strings.Contains(err.Error(), "key_file") {
		t.Errorf("error should mention key_file, got: %v", err)
	}
}

func TestValidate_EmptyConfigIsValid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f := cfg.Audio.Format()
	if !f.Valid() {
		t.Errorf("default Format() = %+v, want valid", f)
	}
}
