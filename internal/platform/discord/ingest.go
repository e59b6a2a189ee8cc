// Package discord bridges a Discord voice channel into the mixer via the
// bwmarrin/discordgo library. Incoming Opus packets are demuxed by SSRC,
// decoded to PCM, and pushed as per-speaker chunks; participants leaving the
// channel are deregistered from the mix.
//
// The bridge only listens. Voxcast never transmits audio back into the
// channel, so the bot joins muted.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/bwmarrin/discordgo"
	"layeh.com/gopus"

	"github.com/mvarrel/voxcast/pkg/audio"
)

// Sink receives per-speaker registration and PCM pushes. The service wires
// this to whatever mixer generation is currently live.
type Sink interface {
	AddSource(id string)
	RemoveSource(id string)
	PushToSource(id string, pcm []byte)
}

// Ingest joins one voice channel and feeds decoded speaker audio into a
// [Sink]. Safe for concurrent use.
type Ingest struct {
	session   *discordgo.Session
	guildID   string
	channelID string
	sink      Sink
	format    audio.Format

	vc      *discordgo.VoiceConnection
	packets <-chan *discordgo.Packet

	mu       sync.Mutex
	ssrcUser map[uint32]string // SSRC -> user ID, from speaking updates
	userSSRC map[string]uint32
	sources  map[uint32]string // SSRC -> registered source ID

	removeHandler func()

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// New creates an Ingest for the given voice channel. format is the PCM
// format the sink expects; speaker audio is Opus-decoded straight into it.
func New(session *discordgo.Session, guildID, channelID string, sink Sink, format audio.Format) *Ingest {
	if !format.Valid() {
		format = audio.DefaultFormat
	}
	return &Ingest{
		session:   session,
		guildID:   guildID,
		channelID: channelID,
		sink:      sink,
		format:    format,
		ssrcUser:  make(map[uint32]string),
		userSSRC:  make(map[string]uint32),
		sources:   make(map[uint32]string),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Start joins the voice channel and begins demuxing speaker audio. The ctx
// governs the join phase only; once started, the bridge runs until
// [Ingest.Close].
func (g *Ingest) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// mute=true: we only receive. deaf=false so voice packets arrive.
	vc, err := g.session.ChannelVoiceJoin(g.guildID, g.channelID, true, false)
	if err != nil {
		return fmt.Errorf("discord: join voice channel %q: %w", g.channelID, err)
	}
	g.vc = vc
	g.packets = vc.OpusRecv

	// Speaking updates carry the SSRC to user mapping.
	vc.AddHandler(g.handleSpeakingUpdate)
	g.removeHandler = g.session.AddHandler(g.handleVoiceStateUpdate)

	go g.recvLoop()

	slog.Info("joined discord voice channel",
		"guild_id", g.guildID, "channel_id", g.channelID)
	return nil
}

// Close leaves the voice channel and stops the demux loop. Idempotent.
func (g *Ingest) Close() error {
	var err error
	g.closeOnce.Do(func() {
		close(g.done)
		if g.removeHandler != nil {
			g.removeHandler()
		}
		if g.vc != nil {
			err = g.vc.Disconnect()
		}
		<-g.stopped
	})
	return err
}

// recvLoop demuxes incoming Opus packets by SSRC and pushes decoded PCM to
// the sink. Each SSRC keeps its own decoder so codec state survives across
// consecutive frames.
func (g *Ingest) recvLoop() {
	defer close(g.stopped)

	decoders := make(map[uint32]*gopus.Decoder)
	frameSamples := g.format.SamplesPerFrame() / g.format.Channels

	for {
		select {
		case <-g.done:
			return
		case pkt, ok := <-g.packets:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}

			id, fresh := g.registerSSRC(pkt.SSRC)
			if fresh {
				g.sink.AddSource(id)
				slog.Debug("speaker registered", "source", id)
			}

			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				dec, err = gopus.NewDecoder(g.format.SampleRate, g.format.Channels)
				if err != nil {
					slog.Error("create opus decoder", "source", id, "err", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}

			pcm, err := dec.Decode(pkt.Opus, frameSamples, false)
			if err != nil {
				slog.Warn("opus decode error", "source", id, "err", err)
				continue
			}

			g.sink.PushToSource(id, audio.Int16sToBytes(pcm))
		}
	}
}

// registerSSRC returns the stable source ID for a speaker, creating it on
// first sight. The ID is fixed at registration time: the user ID when the
// speaking-update mapping has already arrived, the SSRC otherwise. fresh is
// true when the caller must announce the new source to the sink.
func (g *Ingest) registerSSRC(ssrc uint32) (id string, fresh bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id, ok := g.sources[ssrc]; ok {
		return id, false
	}
	id, ok := g.ssrcUser[ssrc]
	if !ok {
		id = strconv.FormatUint(uint64(ssrc), 10)
	}
	g.sources[ssrc] = id
	return id, true
}

// handleSpeakingUpdate records the SSRC to user mapping Discord announces
// before a participant's audio starts.
func (g *Ingest) handleSpeakingUpdate(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
	if su == nil || su.UserID == "" {
		return
	}
	g.mu.Lock()
	g.ssrcUser[uint32(su.SSRC)] = su.UserID
	g.userSSRC[su.UserID] = uint32(su.SSRC)
	g.mu.Unlock()
}

// handleVoiceStateUpdate deregisters participants that leave the channel.
func (g *Ingest) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.GuildID != g.guildID {
		return
	}

	left := vsu.BeforeUpdate != nil &&
		vsu.BeforeUpdate.ChannelID == g.channelID &&
		vsu.ChannelID != g.channelID
	if !left {
		return
	}

	// Resolve the ID the speaker was registered under; it may be the raw
	// SSRC when no speaking update preceded the first packet.
	id := vsu.UserID
	g.mu.Lock()
	if ssrc, ok := g.userSSRC[vsu.UserID]; ok {
		if reg, ok := g.sources[ssrc]; ok {
			id = reg
		}
		delete(g.sources, ssrc)
		delete(g.userSSRC, vsu.UserID)
		delete(g.ssrcUser, ssrc)
	}
	g.mu.Unlock()

	g.sink.RemoveSource(id)
	slog.Debug("speaker left channel", "source", id)
}
