package healthcheck

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/jonas747/ogg"
	"layeh.com/gopus"

	"github.com/mvarrel/voxcast/pkg/audio"
)

// Defaults for [StreamProber] fields left at their zero value.
const (
	DefaultConnectTimeout  = 5 * time.Second
	DefaultPlaybackTimeout = 10 * time.Second

	// DefaultMinDecodedBytes is half a second of 48 kHz stereo s16le audio.
	DefaultMinDecodedBytes = 48000 * 2 * 2 / 2
)

// maxOpusFrameSamples is the largest Opus frame (120 ms at 48 kHz) per channel.
const maxOpusFrameSamples = 5760

// StreamProber checks the pipeline end to end by fetching the service's own
// stream URL and Opus-decoding what comes back, exactly as a listener would.
// The check passes once MinDecodedBytes of PCM have been decoded within
// PlaybackTimeout.
type StreamProber struct {
	// URL is the stream endpoint to fetch, e.g. http://127.0.0.1:8080/stream.
	URL string

	// Format is the expected decoded audio format. Zero value means
	// [audio.DefaultFormat].
	Format audio.Format

	// ConnectTimeout bounds TCP connection establishment.
	ConnectTimeout time.Duration

	// PlaybackTimeout bounds the whole fetch-and-decode attempt.
	PlaybackTimeout time.Duration

	// MinDecodedBytes is the amount of decoded PCM that proves the stream
	// carries real audio.
	MinDecodedBytes int

	// Client overrides the HTTP client, used in tests. When nil a client
	// with ConnectTimeout dialing is built per probe.
	Client *http.Client
}

var _ Prober = (*StreamProber)(nil)

// Probe fetches the stream and decodes audio from it. It returns nil once
// enough PCM has been decoded, and an error when the endpoint is unreachable,
// answers non-2xx, or the stream does not yield decodable audio in time.
func (p *StreamProber) Probe(ctx context.Context) error {
	connectTimeout := p.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	playbackTimeout := p.PlaybackTimeout
	if playbackTimeout <= 0 {
		playbackTimeout = DefaultPlaybackTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, playbackTimeout)
	defer cancel()

	client := p.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("healthcheck: build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("healthcheck: fetch stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("healthcheck: stream returned status %d", resp.StatusCode)
	}

	return p.decodeStream(resp.Body)
}

// decodeStream demuxes Ogg packets from r, skips the Opus header packets and
// decodes audio packets until the decoded-byte threshold is met.
func (p *StreamProber) decodeStream(r io.Reader) error {
	format := p.Format
	if !format.Valid() {
		format = audio.DefaultFormat
	}
	min := p.MinDecodedBytes
	if min <= 0 {
		min = DefaultMinDecodedBytes
	}

	opusDec, err := gopus.NewDecoder(format.SampleRate, format.Channels)
	if err != nil {
		return fmt.Errorf("healthcheck: create opus decoder: %w", err)
	}

	packets := ogg.NewPacketDecoder(ogg.NewDecoder(r))

	decoded := 0
	for decoded < min {
		packet, _, err := packets.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("healthcheck: stream ended after %d decoded bytes (want %d)", decoded, min)
			}
			return fmt.Errorf("healthcheck: demux stream: %w", err)
		}

		// Header packets carry no audio.
		if bytes.HasPrefix(packet, []byte("OpusHead")) || bytes.HasPrefix(packet, []byte("OpusTags")) {
			continue
		}

		pcm, err := opusDec.Decode(packet, maxOpusFrameSamples, false)
		if err != nil {
			return fmt.Errorf("healthcheck: opus decode: %w", err)
		}
		decoded += len(pcm) * 2
	}
	return nil
}
