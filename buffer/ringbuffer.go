// Package buffer provides a lock-free ring buffer used to fan recent frames to
// console clients without blocking the ingest pipeline. Each slot stores an
// atomic pointer so readers either see a complete frame or the previous one,
// never a partially written structure.
package buffer

import (
	"sync/atomic"
	"unsafe"

	"canwatch/frame"
)

// RingBuffer is a thread-safe circular buffer for storing recent frames.
// Writers atomically publish completed *frame.Frame values, and readers walk
// backwards from the newest index to gather a snapshot for SHOW/RECENT
// requests.
type RingBuffer struct {
	// Each slot is an atomic pointer so writers can publish a fully built frame in one step.
	// Combined with the monotonic ID counter, this removes the need for a global mutex.
	slots    []atomic.Pointer[frame.Frame]
	capacity int
	total    atomic.Uint64 // Total frames added (may exceed capacity)
}

// NewRingBuffer allocates a ring buffer with the specified capacity. Capacity
// bounds the number of frames retained for console queries; the dedup and
// archive pipeline run independently of this storage.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{
		slots:    make([]atomic.Pointer[frame.Frame], capacity),
		capacity: capacity,
	}
}

// Add appends a frame to the ring, assigning a monotonic sequence ID so
// readers can skip over stale entries when the buffer wraps.
func (rb *RingBuffer) Add(f *frame.Frame) {
	newID := rb.total.Add(1)
	f.ID = newID

	idx := (newID - 1) % uint64(rb.capacity)
	// Publishing via atomic.Store ensures readers either see the previous frame or this one, never partial state
	rb.slots[idx].Store(f)
}

// GetRecent returns the N most recent frames (up to capacity). Readers walk
// the ID-ordered ring backward to avoid taking locks or disturbing writers.
func (rb *RingBuffer) GetRecent(n int) []*frame.Frame {
	if n <= 0 {
		return []*frame.Frame{}
	}

	total := rb.total.Load()
	available := int(total)
	if available > rb.capacity {
		available = rb.capacity
	}

	if n > available {
		n = available
	}

	result := make([]*frame.Frame, 0, n)
	if total == 0 {
		return result
	}
	minIndex := total - uint64(available)
	for idx := total; idx > minIndex && len(result) < n; {
		idx--
		slot := idx % uint64(rb.capacity)
		// ID check skips over slots that have been overwritten after wraparound
		if f := rb.slots[slot].Load(); f != nil && f.ID == idx+1 {
			result = append(result, f)
		}
	}

	return result
}

// GetRecentByCANID returns up to N recent frames carrying the given CAN ID,
// newest first. Used by the console to inspect a single message stream.
func (rb *RingBuffer) GetRecentByCANID(canID uint32, n int) []*frame.Frame {
	if n <= 0 {
		return []*frame.Frame{}
	}

	total := rb.total.Load()
	available := int(total)
	if available > rb.capacity {
		available = rb.capacity
	}

	result := make([]*frame.Frame, 0, n)
	if total == 0 {
		return result
	}
	minIndex := total - uint64(available)
	for idx := total; idx > minIndex && len(result) < n; {
		idx--
		slot := idx % uint64(rb.capacity)
		if f := rb.slots[slot].Load(); f != nil && f.ID == idx+1 && f.CANID == canID {
			result = append(result, f)
		}
	}

	return result
}

// GetPosition returns the current write position in the ring buffer.
func (rb *RingBuffer) GetPosition() int {
	total := rb.total.Load()
	return int(total % uint64(rb.capacity))
}

// GetCount returns the total number of frames added (may be > capacity).
func (rb *RingBuffer) GetCount() int {
	// total is atomic; no need to lock
	return int(rb.total.Load())
}

// GetSizeKB returns an approximate size of the ring buffer in kilobytes.
// The estimate includes the backing slice of pointers and an approximation
// of the memory retained by the Frame objects. Frames are mostly fixed-size
// with short bus/source strings, so the per-frame estimate is small.
func (rb *RingBuffer) GetSizeKB() int {
	ptrSize := int(unsafe.Sizeof(uintptr(0)))

	backingBytes := rb.capacity * ptrSize

	estimatePerFrame := 160 // bytes per frame (approx)
	totalAdded := int(rb.total.Load())
	stored := totalAdded
	if stored > rb.capacity {
		stored = rb.capacity
	}
	frameBytes := stored * estimatePerFrame

	totalBytes := backingBytes + frameBytes
	return totalBytes / 1024
}
