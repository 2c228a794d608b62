// Package fork fans inbound call audio out to multiple consumers through a
// bounded ring buffer. The producer (the RTP receive loop) must never block:
// a slow or dead consumer costs dropped frames for that consumer only, never
// jitter on the call leg.
package fork

import (
	"sync"

	"github.com/voxbridge/voxbridge/pkg/audio"
)

// Ring is a bounded FIFO of audio frames with a monotonically increasing
// sequence number per slot. Push is non-blocking and allocation-free; on
// overflow the oldest frame is overwritten and the drop counter increments.
//
// Consumers do not take frames out of the ring. Each consumer tracks its own
// cursor (the next sequence it wants) and copies frames out with ReadFrom;
// a cursor that falls behind the retained window skips forward and accounts
// the missed frames as drops for that consumer.
type Ring struct {
	mu    sync.Mutex
	slots []audio.Frame
	mask  uint64

	// head is the sequence number the next Push will receive. Valid retained
	// sequences are [head-len(slots), head) once the ring has wrapped.
	head    uint64
	dropped uint64
}

// NewRing creates a ring with at least the given capacity, rounded up to the
// next power of two so slot lookup is a mask instead of a modulo.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	size := 1
	for size < capacity {
		size <<= 1
	}
	return &Ring{
		slots: make([]audio.Frame, size),
		mask:  uint64(size - 1),
	}
}

// Capacity returns the number of slots.
func (r *Ring) Capacity() int { return len(r.slots) }

// Push stores one frame, stamping it with the next sequence number. When the
// ring is full the oldest frame is overwritten and counted as dropped.
func (r *Ring) Push(f audio.Frame) {
	r.mu.Lock()
	f.Seq = r.head
	r.slots[r.head&r.mask] = f
	if r.head >= uint64(len(r.slots)) {
		r.dropped++
	}
	r.head++
	r.mu.Unlock()
}

// Head returns the sequence number the next Push will receive.
func (r *Ring) Head() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head
}

// Dropped returns the total number of producer-side overwrites.
func (r *Ring) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// ReadFrom copies frames starting at the given cursor into dst. It returns
// the number of frames copied, the cursor to use for the next read, and how
// many frames between cursor and the read start were already overwritten
// (skipped). A consumer that keeps up always sees skipped == 0.
func (r *Ring) ReadFrom(cursor uint64, dst []audio.Frame) (n int, next uint64, skipped uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cursor >= r.head {
		return 0, cursor, 0
	}

	oldest := uint64(0)
	if r.head > uint64(len(r.slots)) {
		oldest = r.head - uint64(len(r.slots))
	}
	if cursor < oldest {
		skipped = oldest - cursor
		cursor = oldest
	}

	for cursor < r.head && n < len(dst) {
		dst[n] = r.slots[cursor&r.mask]
		n++
		cursor++
	}
	return n, cursor, skipped
}

// FillRatio reports how far the given cursor lags the head, normalised to
// the ring capacity and clamped to [0, 1]. A consumer that keeps up reads
// near 0; a consumer about to lose frames reads near 1.
func (r *Ring) FillRatio(cursor uint64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cursor >= r.head {
		return 0
	}
	lag := float64(r.head - cursor)
	ratio := lag / float64(len(r.slots))
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}
