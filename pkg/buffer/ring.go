package buffer

import (
	"errors"
	"math/bits"
)

var (
	// ErrFull is returned by Put when the ring has no free slots.
	ErrFull = errors.New("buffer: ring full")
	// ErrClosed is returned by Put once the ring has been put-closed.
	// Get and Peek on a get-closed ring report (nil, false) instead.
	ErrClosed = errors.New("buffer: ring closed")
	// ErrBadCapacity is returned by NewRing for a non-power-of-two size.
	ErrBadCapacity = errors.New("buffer: ring capacity must be a power of two")
)

// Ring is a bounded, single-producer/single-consumer FIFO of buffer
// headers. Beyond head/tail it carries a close position on each side:
// PutClose freezes the tail so further Puts fail at once, while the
// buffers already queued stay gettable until drained; GetClose freezes
// the head so further
// Gets fail immediately and Empty reports true even if buffers remain
// (spec §3 "FIFO", §4.1).
//
// A Ring is touched by exactly one worker thread at a time and is not
// internally synchronized.
type Ring struct {
	buf  []*Header
	mask uint64

	head uint64 // count of completed Gets
	tail uint64 // count of completed Puts

	putClosed  bool
	putClosePos uint64 // tail value frozen at PutClose

	getClosed  bool
	getClosePos uint64 // head value frozen at GetClose
}

// NewRing creates a ring with the given power-of-two capacity.
func NewRing(capacity int) (*Ring, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, ErrBadCapacity
	}
	return &Ring{
		buf:  make([]*Header, capacity),
		mask: uint64(capacity - 1),
	}, nil
}

// NewRingPow2 rounds up to the next power of two >= n and constructs a
// ring of that capacity. Convenience for callers sizing off a count
// that need not itself be a power of two.
func NewRingPow2(n int) *Ring {
	if n <= 1 {
		n = 1
	}
	capacity := 1 << bits.Len(uint(n-1))
	r, _ := NewRing(capacity)
	return r
}

// Cap returns the ring's fixed capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Len returns the number of buffers currently queued, ignoring close
// state (use Empty for the close-aware predicate).
func (r *Ring) Len() int { return int(r.tail - r.head) }

// Full reports whether the ring has no free slot.
func (r *Ring) Full() bool { return r.tail-r.head == uint64(len(r.buf)) }

// Empty reports whether there is nothing more to Get. This is true
// both when the ring is physically empty and, per spec, after
// GetClose even if buffers remain queued.
func (r *Ring) Empty() bool {
	if r.getClosed {
		return true
	}
	return r.head == r.tail
}

// Put inserts h at the tail. Fails with ErrFull if the ring has no
// free slot, or ErrClosed once PutClose has been called.
func (r *Ring) Put(h *Header) error {
	if r.putClosed {
		return ErrClosed
	}
	if r.Full() {
		return ErrFull
	}
	r.buf[r.tail&r.mask] = h
	r.tail++
	return nil
}

// PutUnchecked inserts ignoring put-close, used while flushing posted
// operations during cancellation. Still fails with ErrFull if no slot
// is free.
func (r *Ring) PutUnchecked(h *Header) error {
	if r.Full() {
		return ErrFull
	}
	r.buf[r.tail&r.mask] = h
	r.tail++
	return nil
}

// Get removes and returns the head buffer. Returns (nil, false) if
// Empty (including the get-closed case).
func (r *Ring) Get() (*Header, bool) {
	if r.Empty() {
		return nil, false
	}
	return r.getUnchecked(), true
}

// GetUnchecked removes and returns the head buffer ignoring
// get-close, used while flushing during cancellation. Returns
// (nil, false) only if physically empty.
func (r *Ring) GetUnchecked() (*Header, bool) {
	if r.head == r.tail {
		return nil, false
	}
	return r.getUnchecked(), true
}

func (r *Ring) getUnchecked() *Header {
	h := r.buf[r.head&r.mask]
	r.buf[r.head&r.mask] = nil
	r.head++
	return h
}

// Peek returns the head buffer without removing it. Respects
// get-close like Get.
func (r *Ring) Peek() (*Header, bool) {
	if r.Empty() {
		return nil, false
	}
	return r.buf[r.head&r.mask], true
}

// PutClose freezes the tail: subsequent Puts fail, but buffers already
// queued remain gettable until naturally drained.
func (r *Ring) PutClose() {
	if r.putClosed {
		return
	}
	r.putClosed = true
	r.putClosePos = r.tail
}

// GetClose freezes the head: subsequent Gets fail immediately and
// Empty reports true even if buffers remain queued. This is consumer
// abort, distinct from PutClose's drain-then-stop.
func (r *Ring) GetClose() {
	if r.getClosed {
		return
	}
	r.getClosed = true
	r.getClosePos = r.head
}

// IsPutClosed reports whether PutClose has been called.
func (r *Ring) IsPutClosed() bool { return r.putClosed }

// IsGetClosed reports whether GetClose has been called.
func (r *Ring) IsGetClosed() bool { return r.getClosed }

// EOPut (end-of-put) reports whether the consumer has drained the
// ring all the way up to the position PutClose froze the tail at:
// i.e. every buffer the producer ever put has now been read.
//
// Note this is a deliberate divergence from the literal wording of the
// put/get-closed predicate in terms of "tail reached close": here
// eoput holds only once the *consumer* has caught up to that position,
// not the instant PutClose is called. A caller downstream of the ring
// (sender termination, Open Question 4) needs "nothing left to read",
// not "nothing left to write" — so the drained reading is what's
// actually useful and is what every caller in this tree relies on.
func (r *Ring) EOPut() bool {
	return r.putClosed && r.head >= r.putClosePos
}

// EOGet (end-of-get) reports whether GetClose has been called and the
// tail is at or past the head position GetClose froze. The tail never
// trails the head, so unlike EOPut this holds from the instant
// GetClose is called; it does not wait for the producer.
func (r *Ring) EOGet() bool {
	return r.getClosed && r.tail >= r.getClosePos
}

// Reset clears the ring to its initial empty, unclosed state. Used by
// pool-backed rings that are recycled across connections.
func (r *Ring) Reset() {
	for i := range r.buf {
		r.buf[i] = nil
	}
	r.head, r.tail = 0, 0
	r.putClosed, r.getClosed = false, false
	r.putClosePos, r.getClosePos = 0, 0
}
