// Command voxcast runs the voice-channel web radio: it mixes per-speaker
// PCM from a Discord voice channel, encodes the mix through a supervised
// ffmpeg subprocess into Ogg/Opus, and serves the result as a live HTTP
// stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/sync/errgroup"

	"github.com/mvarrel/voxcast/internal/config"
	"github.com/mvarrel/voxcast/internal/encoder"
	"github.com/mvarrel/voxcast/internal/health"
	"github.com/mvarrel/voxcast/internal/healthcheck"
	"github.com/mvarrel/voxcast/internal/observe"
	"github.com/mvarrel/voxcast/internal/pipeline"
	discordingest "github.com/mvarrel/voxcast/internal/platform/discord"
	"github.com/mvarrel/voxcast/internal/web"
	"github.com/mvarrel/voxcast/pkg/audio/mixer"
)

// version is injected at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxcast: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxcast: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	listenAddr := cfg.Server.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	slog.Info("voxcast starting",
		"version", version,
		"config", *configPath,
		"listen_addr", listenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOtel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxcast",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Pipeline supervisor ───────────────────────────────────────────────────
	format := cfg.Audio.Format()
	builder := pipeline.NewBuilder(pipeline.BuildConfig{
		Format:       format,
		MixerOptions: mixerOptions(cfg.Mixer),
		Encoder: encoder.Config{
			Spawner: &encoder.FFmpegSpawner{
				Path:    cfg.Encoder.FFmpegPath,
				Format:  format,
				Bitrate: cfg.Encoder.Bitrate,
			},
			HeaderByteCap:    cfg.Encoder.HeaderByteCap,
			ExitRestartDelay: millisOr(cfg.Encoder.ExitRestartDelayMS, 0),
			SpawnRetryDelay:  millisOr(cfg.Encoder.SpawnRetryDelayMS, 0),
			PCMQueueFrames:   cfg.Encoder.PCMQueueFrames,
			TapQueueChunks:   cfg.Encoder.TapQueueChunks,
		},
	})

	streamURL := cfg.Health.StreamURL
	if streamURL == "" {
		streamURL = deriveStreamURL(listenAddr, cfg.Server.TLS != nil)
	}

	var sup *pipeline.Supervisor
	monitor := healthcheck.New(healthcheck.Config{
		Prober: &healthcheck.StreamProber{
			URL:             streamURL,
			Format:          format,
			ConnectTimeout:  secondsOr(cfg.Health.ConnectTimeoutSeconds, 0),
			PlaybackTimeout: secondsOr(cfg.Health.PlaybackTimeoutSeconds, 0),
			MinDecodedBytes: cfg.Health.MinDecodedBytes,
		},
		Interval:         secondsOr(cfg.Health.IntervalSeconds, 0),
		FailureThreshold: cfg.Health.FailureThreshold,
		OnUnhealthy: func() {
			metrics.RecordHealthCheckFailure(context.Background())
			metrics.RecordPipelineRestart(context.Background())
			sup.NotifyUnhealthy()
		},
	})
	sup = pipeline.NewSupervisor(builder, pipeline.WithMonitor(monitor))

	if err := sup.Start(); err != nil {
		slog.Error("failed to start pipeline", "err", err)
		return 1
	}
	defer sup.Stop()

	monitor.Start()
	defer monitor.Stop()
	slog.Info("health monitor started", "stream_url", streamURL)

	// ── Pipeline metrics ──────────────────────────────────────────────────────
	reg, err := metrics.ObservePipeline(func() (observe.PipelineStats, bool) {
		p := sup.Current()
		if p == nil {
			return observe.PipelineStats{}, false
		}
		ms := p.Mixer.Stats()
		return observe.PipelineStats{
			MixerTicks:         ms.Ticks,
			ConcealmentFrames:  ms.ConcealmentFrames,
			BackpressureEvents: ms.BackpressurePauses,
			ActiveSpeakers:     ms.ActiveSpeakers,
			Sources:            ms.Sources,
			EncoderRestarts:    p.Encoder.Restarts(),
			Listeners:          p.Encoder.Listeners(),
		}, true
	})
	if err != nil {
		slog.Warn("failed to register pipeline metrics", "err", err)
	} else {
		defer func() { _ = reg.Unregister() }()
	}

	// ── Discord ingest (optional) ─────────────────────────────────────────────
	if cfg.Discord != nil {
		session, err := discordgo.New("Bot " + cfg.Discord.Token)
		if err != nil {
			slog.Error("failed to create discord session", "err", err)
			return 1
		}
		session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
		if err := session.Open(); err != nil {
			slog.Error("failed to connect to discord", "err", err)
			return 1
		}
		defer session.Close()

		ingest := discordingest.New(session, cfg.Discord.GuildID, cfg.Discord.ChannelID,
			liveMixer{sup: sup}, format)
		if err := ingest.Start(ctx); err != nil {
			slog.Error("failed to join voice channel", "err", err)
			return 1
		}
		defer func() { _ = ingest.Close() }()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	web.NewHandler(sup, metrics).Register(mux)
	health.New([]health.Checker{
		{Name: "pipeline", Check: func(context.Context) error {
			if sup.Current() == nil {
				return errors.New("no pipeline generation live")
			}
			return nil
		}},
		{Name: "encoder", Check: func(context.Context) error {
			p := sup.Current()
			if p == nil {
				return errors.New("no pipeline generation live")
			}
			if st := p.Encoder.State(); st != encoder.StateRunning {
				return fmt.Errorf("encoder subprocess is %s", st)
			}
			return nil
		}},
	}).Register(mux)

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shCtx)
	})

	slog.Info("voxcast ready — press Ctrl+C to shut down", "stream", streamURL)

	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// liveMixer routes ingest calls to whatever mixer generation is currently
// live, so a supervised restart never strands the voice bridge on a dead
// mixer.
type liveMixer struct {
	sup *pipeline.Supervisor
}

func (l liveMixer) AddSource(id string) {
	if p := l.sup.Current(); p != nil {
		p.Mixer.AddSource(id)
	}
}

func (l liveMixer) RemoveSource(id string) {
	if p := l.sup.Current(); p != nil {
		p.Mixer.RemoveSource(id)
	}
}

func (l liveMixer) PushToSource(id string, pcm []byte) {
	if p := l.sup.Current(); p != nil {
		p.Mixer.PushToSource(id, pcm)
	}
}

// deriveStreamURL points the health probe at the local server when no
// explicit stream URL is configured.
func deriveStreamURL(listenAddr string, tls bool) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		port = "8080"
		host = ""
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	scheme := "http"
	if tls {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(host, port) + "/stream"
}

// secondsOr converts a config value in whole seconds, with 0 meaning "use
// the package default".
func secondsOr(s int, def time.Duration) time.Duration {
	if s <= 0 {
		return def
	}
	return time.Duration(s) * time.Second
}

// millisOr converts a config value in whole milliseconds, with 0 meaning
// "use the package default".
func millisOr(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// mixerOptions maps the config block onto mixer options, leaving package
// defaults in place for unset values.
func mixerOptions(mc config.MixerConfig) []mixer.Option {
	var opts []mixer.Option
	if mc.FadeInTicks > 0 {
		opts = append(opts, mixer.WithFadeInTicks(mc.FadeInTicks))
	}
	if mc.ConcealmentBudget > 0 {
		opts = append(opts, mixer.WithConcealmentBudget(mc.ConcealmentBudget))
	}
	if mc.RMSThreshold > 0 {
		opts = append(opts, mixer.WithRMSThreshold(mc.RMSThreshold))
	}
	if mc.SourceBufferFrames > 0 {
		opts = append(opts, mixer.WithSourceBufferFrames(mc.SourceBufferFrames))
	}
	return opts
}
