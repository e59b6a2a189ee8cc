package discord

import (
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/mvarrel/voxcast/pkg/audio"
)

// recordingSink records mixer calls.
type recordingSink struct {
	mu      sync.Mutex
	added   []string
	removed []string
	pushes  map[string]int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{pushes: make(map[string]int)}
}

func (s *recordingSink) AddSource(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, id)
}

func (s *recordingSink) RemoveSource(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, id)
}

func (s *recordingSink) PushToSource(id string, _ []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushes[id]++
}

func (s *recordingSink) addedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.added...)
}

func (s *recordingSink) removedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.removed...)
}

// newTestIngest wires an Ingest to an in-memory packet channel without a
// Discord session.
func newTestIngest(t *testing.T, sink Sink) (*Ingest, chan *discordgo.Packet) {
	t.Helper()
	g := New(nil, "guild-1", "chan-1", sink, audio.DefaultFormat)
	pkts := make(chan *discordgo.Packet)
	g.packets = pkts
	go g.recvLoop()
	t.Cleanup(func() { _ = g.Close() })
	return g, pkts
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRecvLoop_RegistersSpeakerBySSRC(t *testing.T) {
	sink := newRecordingSink()
	_, pkts := newTestIngest(t, sink)

	// Undecodable payload still announces the speaker; only the push is
	// skipped.
	pkts <- &discordgo.Packet{SSRC: 7, Opus: []byte{0x01, 0x02}}

	waitFor(t, "source registration", func() bool { return len(sink.addedIDs()) == 1 })
	if got := sink.addedIDs()[0]; got != "7" {
		t.Fatalf("AddSource(%q), want %q", got, "7")
	}

	sink.mu.Lock()
	pushes := sink.pushes["7"]
	sink.mu.Unlock()
	if pushes != 0 {
		t.Fatalf("pushes = %d, want 0 for undecodable packet", pushes)
	}
}

func TestRecvLoop_RegistersOnlyOncePerSSRC(t *testing.T) {
	sink := newRecordingSink()
	_, pkts := newTestIngest(t, sink)

	pkts <- &discordgo.Packet{SSRC: 7, Opus: []byte{0x01}}
	pkts <- &discordgo.Packet{SSRC: 7, Opus: []byte{0x02}}
	pkts <- &discordgo.Packet{SSRC: 9, Opus: []byte{0x03}}

	waitFor(t, "two registrations", func() bool { return len(sink.addedIDs()) == 2 })
	time.Sleep(10 * time.Millisecond)
	if got := len(sink.addedIDs()); got != 2 {
		t.Fatalf("AddSource calls = %d, want 2", got)
	}
}

func TestSpeakingUpdate_MapsSSRCToUserID(t *testing.T) {
	sink := newRecordingSink()
	g, pkts := newTestIngest(t, sink)

	g.handleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "alice", SSRC: 7})
	pkts <- &discordgo.Packet{SSRC: 7, Opus: []byte{0x01}}

	waitFor(t, "source registration", func() bool { return len(sink.addedIDs()) == 1 })
	if got := sink.addedIDs()[0]; got != "alice" {
		t.Fatalf("AddSource(%q), want %q", got, "alice")
	}
}

func TestVoiceStateUpdate_LeaveRemovesSource(t *testing.T) {
	sink := newRecordingSink()
	g, pkts := newTestIngest(t, sink)

	g.handleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "alice", SSRC: 7})
	pkts <- &discordgo.Packet{SSRC: 7, Opus: []byte{0x01}}
	waitFor(t, "source registration", func() bool { return len(sink.addedIDs()) == 1 })

	g.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState:   &discordgo.VoiceState{GuildID: "guild-1", ChannelID: "", UserID: "alice"},
		BeforeUpdate: &discordgo.VoiceState{ChannelID: "chan-1"},
	})

	if got := sink.removedIDs(); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("RemoveSource calls = %v, want [alice]", got)
	}
}

func TestVoiceStateUpdate_IgnoresOtherGuildsAndChannels(t *testing.T) {
	sink := newRecordingSink()
	g, _ := newTestIngest(t, sink)

	// Different guild.
	g.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState:   &discordgo.VoiceState{GuildID: "other", ChannelID: "", UserID: "bob"},
		BeforeUpdate: &discordgo.VoiceState{ChannelID: "chan-1"},
	})
	// Movement between unrelated channels in our guild.
	g.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState:   &discordgo.VoiceState{GuildID: "guild-1", ChannelID: "chan-9", UserID: "bob"},
		BeforeUpdate: &discordgo.VoiceState{ChannelID: "chan-8"},
	})

	if got := sink.removedIDs(); len(got) != 0 {
		t.Fatalf("RemoveSource calls = %v, want none", got)
	}
}
