package encoder

import "sync/atomic"

// Tap is one independent fan-out copy of the encoded byte stream. Each
// connected listener owns exactly one tap; a slow listener only ever loses
// its own chunks and never affects other taps or the encoder's input.
//
// Chunks are delivered through a fixed-capacity queue with a drop-oldest
// overflow policy, so a stalled consumer bounds memory instead of growing it.
type Tap struct {
	ch      chan []byte
	dropped atomic.Uint64
}

func newTap(capacity int) *Tap {
	return &Tap{ch: make(chan []byte, capacity)}
}

// Chunks returns the stream of encoded byte chunks. The channel is closed
// when the tap is released or the supervisor stops.
func (t *Tap) Chunks() <-chan []byte { return t.ch }

// Dropped returns how many chunks were discarded because the consumer fell
// behind. Safe to call from the consumer goroutine while the supervisor is
// still pushing.
func (t *Tap) Dropped() uint64 { return t.dropped.Load() }

// push enqueues a chunk, evicting the oldest queued chunk when full. Only
// the supervisor's read loop calls push, under the supervisor's lock, so no
// other goroutine races the eviction.
func (t *Tap) push(chunk []byte) {
	for {
		select {
		case t.ch <- chunk:
			return
		default:
		}
		select {
		case <-t.ch:
			t.dropped.Add(1)
		default:
		}
	}
}
