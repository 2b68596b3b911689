// Package ratelimit provides lightweight counters for throttling log emission.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counter tracks a total count and the last time a log was emitted.
// It is safe for concurrent use.
type Counter struct {
	interval time.Duration
	lastLog  atomic.Int64
	total    atomic.Uint64
}

// NewCounter constructs a Counter that allows a log at most once per interval.
// A zero or negative interval disables throttling (always logs).
func NewCounter(interval time.Duration) Counter {
	return Counter{interval: interval}
}

// Inc increments the counter and reports whether logging is allowed.
func (c *Counter) Inc() (uint64, bool) {
	if c == nil {
		return 0, false
	}
	total := c.total.Add(1)
	if c.interval <= 0 {
		return total, true
	}
	now := time.Now().UTC().UnixNano()
	last := c.lastLog.Load()
	if now-last < c.interval.Nanoseconds() {
		return total, false
	}
	if c.lastLog.CompareAndSwap(last, now) {
		return total, true
	}
	return total, false
}

// Total returns the number of events seen so far.
func (c *Counter) Total() uint64 {
	if c == nil {
		return 0
	}
	return c.total.Load()
}

// Keyed throttles independently per CAN ID so a chatty message cannot
// silence warnings about the others.
type Keyed struct {
	interval time.Duration
	total    atomic.Uint64
	mu       sync.Mutex
	last     map[uint32]int64
}

// NewKeyed constructs a Keyed limiter with one throttle window per ID.
func NewKeyed(interval time.Duration) *Keyed {
	return &Keyed{
		interval: interval,
		last:     make(map[uint32]int64),
	}
}

// Inc records an event for the ID and reports whether logging is allowed.
func (k *Keyed) Inc(id uint32) (uint64, bool) {
	if k == nil {
		return 0, false
	}
	total := k.total.Add(1)
	if k.interval <= 0 {
		return total, true
	}
	now := time.Now().UTC().UnixNano()
	k.mu.Lock()
	defer k.mu.Unlock()
	if now-k.last[id] < k.interval.Nanoseconds() {
		return total, false
	}
	k.last[id] = now
	return total, true
}

// Total returns the number of events seen across all IDs.
func (k *Keyed) Total() uint64 {
	if k == nil {
		return 0
	}
	return k.total.Load()
}
