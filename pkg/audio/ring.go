package audio

// Ring is a fixed-capacity byte ring buffer with a drop-oldest overflow
// policy. Writes never fail and never grow the buffer: when a write exceeds
// the remaining space, the oldest bytes are discarded to make room. This
// keeps memory bounds an invariant rather than an emergent property of
// producer behaviour.
//
// Ring is not safe for concurrent use; callers serialise access.
type Ring struct {
	buf     []byte
	start   int
	length  int
	dropped uint64
}

// NewRing creates a ring buffer holding at most capacity bytes.
// Capacity must be > 0.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		panic("audio: ring capacity must be positive")
	}
	return &Ring{buf: make([]byte, capacity)}
}

// Len returns the number of buffered bytes.
func (r *Ring) Len() int { return r.length }

// Cap returns the fixed capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Dropped returns the total number of bytes discarded by overflow so far.
func (r *Ring) Dropped() uint64 { return r.dropped }

// Write appends p, discarding the oldest buffered bytes if p does not fit.
// If p alone exceeds the capacity only its trailing capacity bytes are kept.
func (r *Ring) Write(p []byte) {
	if len(p) > len(r.buf) {
		r.dropped += uint64(len(p) - len(r.buf))
		p = p[len(p)-len(r.buf):]
	}

	// Make room by dropping the oldest bytes.
	if overflow := r.length + len(p) - len(r.buf); overflow > 0 {
		r.start = (r.start + overflow) % len(r.buf)
		r.length -= overflow
		r.dropped += uint64(overflow)
	}

	end := (r.start + r.length) % len(r.buf)
	n := copy(r.buf[end:], p)
	copy(r.buf, p[n:])
	r.length += len(p)
}

// ReadFull copies exactly len(dst) bytes into dst and consumes them.
// It reports false, leaving the buffer untouched, when fewer than len(dst)
// bytes are buffered.
func (r *Ring) ReadFull(dst []byte) bool {
	if r.length < len(dst) {
		return false
	}
	n := copy(dst, r.buf[r.start:])
	if n < len(dst) {
		copy(dst[n:], r.buf)
	}
	r.start = (r.start + len(dst)) % len(r.buf)
	r.length -= len(dst)
	return true
}

// Reset discards all buffered bytes without touching the drop counter.
func (r *Ring) Reset() {
	r.start = 0
	r.length = 0
}
