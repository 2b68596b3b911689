// Package dedup also provides a late-stage broadcast throttle used to thin
// console/dashboard volume without altering the main ring buffer or archive.
// It shares the same CPU-efficient hashing approach as the primary dedupe
// engine but keys on the message identity (CAN ID + bus) instead of the full
// payload, so repeated cycles of a periodic message collapse into one line
// per window.
package dedup

import (
	"encoding/binary"
	"sync"
	"time"

	"canwatch/frame"

	"github.com/zeebo/xxh3"
)

// throttleShardCount is kept small and power-of-two for fast masking.
const throttleShardCount = 64

const (
	throttleCompactMinPeak     = 1024
	throttleCompactShrinkRatio = 0.5
)

// Throttle drops repeat frames of the same message within a time window so a
// 100 Hz stream renders as a readable trickle. When forwardOnChange is set, a
// frame whose payload differs from the cached one passes immediately even
// inside the window, which keeps on-change signals visible while heartbeats
// are thinned.
//
// It is intended to run after dedup and archiving, just before console
// broadcast, so history remains complete.
type Throttle struct {
	window          time.Duration
	forwardOnChange bool
	shards          []throttleShard
	cleanupInterval time.Duration
	shutdown        chan struct{}
}

type throttleShard struct {
	mu              sync.Mutex
	cache           map[uint32]throttleEntry
	processedCount  uint64
	suppressedCount uint64
	peak            int
}

type throttleEntry struct {
	when    time.Time
	dataSig uint64
	dlc     uint8
}

// Purpose: Construct a broadcast throttle for console-only thinning.
// Key aspects: Initializes shard maps and window settings.
// Upstream: main startup when console throttling is enabled.
// Downstream: shard allocation and state init.
// NewThrottle builds a throttle. A non-positive window disables
// suppression (ShouldForward always returns true).
func NewThrottle(window time.Duration, forwardOnChange bool) *Throttle {
	shards := make([]throttleShard, throttleShardCount)
	for i := range shards {
		shards[i].cache = make(map[uint32]throttleEntry)
	}
	return &Throttle{
		window:          window,
		forwardOnChange: forwardOnChange,
		shards:          shards,
		cleanupInterval: 60 * time.Second,
		shutdown:        make(chan struct{}),
	}
}

// Purpose: Start the cleanup loop for the throttle cache.
// Key aspects: Spawns a goroutine that prunes expired entries.
// Upstream: main startup.
// Downstream: cleanupLoop goroutine.
// Start launches a periodic cleanup loop to bound memory.
func (t *Throttle) Start() {
	go t.cleanupLoop()
}

// Purpose: Stop the cleanup loop.
// Key aspects: Closing shutdown unblocks cleanupLoop.
// Upstream: main shutdown.
// Downstream: channel close only.
// Stop terminates the cleanup loop.
func (t *Throttle) Stop() {
	close(t.shutdown)
}

// Purpose: Determine whether a frame should reach the console stream.
// Key aspects: Keys on CAN ID + bus; payload changes bypass the window.
// Upstream: console broadcast stage.
// Downstream: throttleHash and shard cache.
// ShouldForward returns true when the message has not been forwarded within
// the configured window, or when its payload changed and forwardOnChange is
// enabled.
func (t *Throttle) ShouldForward(f *frame.Frame) bool {
	if t == nil || t.window <= 0 || f == nil {
		return true
	}

	hash := throttleHash(f)
	shard := t.shardFor(hash)
	sig := dataSignature(f)

	shard.mu.Lock()
	shard.processedCount++

	last, exists := shard.cache[hash]
	if exists {
		age := f.Time.Sub(last.when)
		if age < 0 {
			age = -age
		}
		if age < t.window {
			if t.forwardOnChange && (sig != last.dataSig || f.DLC != last.dlc) {
				// Payload changed: forward and restart the window from here.
				shard.cache[hash] = throttleEntry{when: f.Time, dataSig: sig, dlc: f.DLC}
				updateThrottlePeakLocked(shard)
				shard.mu.Unlock()
				return true
			}
			shard.suppressedCount++
			shard.mu.Unlock()
			return false
		}
	}

	shard.cache[hash] = throttleEntry{when: f.Time, dataSig: sig, dlc: f.DLC}
	updateThrottlePeakLocked(shard)
	shard.mu.Unlock()
	return true
}

// Purpose: Return throttle stats across shards.
// Key aspects: Aggregates processed/suppressed counts and cache size.
// Upstream: stats display.
// Downstream: shard counters under lock.
// GetStats returns processed, suppressed, and cache size totals.
func (t *Throttle) GetStats() (processed uint64, suppressed uint64, cacheSize int) {
	for i := range t.shards {
		shard := &t.shards[i]
		shard.mu.Lock()
		processed += shard.processedCount
		suppressed += shard.suppressedCount
		cacheSize += len(shard.cache)
		shard.mu.Unlock()
	}
	return processed, suppressed, cacheSize
}

// Purpose: Pick the shard for a given hash.
// Key aspects: Uses bitmask with power-of-two shard count.
// Upstream: ShouldForward.
// Downstream: shard selection only.
func (t *Throttle) shardFor(hash uint32) *throttleShard {
	idx := hash & (throttleShardCount - 1)
	return &t.shards[idx]
}

func updateThrottlePeakLocked(shard *throttleShard) {
	if size := len(shard.cache); size > shard.peak {
		shard.peak = size
	}
}

func maybeCompactThrottleLocked(shard *throttleShard) {
	if shard.peak < throttleCompactMinPeak {
		return
	}
	threshold := int(float64(shard.peak) * throttleCompactShrinkRatio)
	if len(shard.cache) >= threshold {
		return
	}
	next := make(map[uint32]throttleEntry, len(shard.cache))
	for k, v := range shard.cache {
		next[k] = v
	}
	shard.cache = next
	shard.peak = len(next)
}

// Purpose: Periodically purge expired throttle entries.
// Key aspects: Ticker-driven loop until shutdown.
// Upstream: goroutine started in Start.
// Downstream: cleanup.
func (t *Throttle) cleanupLoop() {
	ticker := time.NewTicker(t.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.shutdown:
			return
		case <-ticker.C:
			t.cleanup()
		}
	}
}

// Purpose: Remove expired entries from the throttle cache.
// Key aspects: Iterates shards and deletes old entries.
// Upstream: cleanupLoop.
// Downstream: shard cache mutation.
func (t *Throttle) cleanup() {
	if t.window <= 0 {
		return
	}
	now := time.Now().UTC()
	for i := range t.shards {
		shard := &t.shards[i]
		shard.mu.Lock()
		removed := false
		for hash, entry := range shard.cache {
			age := now.Sub(entry.when)
			if age > t.window {
				delete(shard.cache, hash)
				removed = true
			}
		}
		if removed {
			maybeCompactThrottleLocked(shard)
		}
		shard.mu.Unlock()
	}
}

// Purpose: Hash a frame into the throttle keyspace.
// Key aspects: Includes CAN ID, bus, and frame flags; omits payload and time.
// Upstream: ShouldForward.
// Downstream: writeFixedBus.
// throttleHash mirrors the primary hash structure but keys on message
// identity only. The time window is enforced by the cache itself and payload
// changes are detected separately via dataSignature, so consecutive cycles of
// one message map to a single bucket.
func throttleHash(f *frame.Frame) uint32 {
	var buf [18]byte
	binary.LittleEndian.PutUint32(buf[0:4], f.CANID)
	writeFixedBus(buf[4:16], f.Bus)
	if f.Extended {
		buf[16] = 1
	}
	if f.Remote {
		buf[17] = 1
	}
	return uint32(xxh3.Hash(buf[:]))
}

// dataSignature packs the payload array into a comparable word. DLC is
// compared separately so 01 00 and 01 remain distinct.
func dataSignature(f *frame.Frame) uint64 {
	return binary.LittleEndian.Uint64(f.Data[:])
}

// Purpose: Write a bus name into a fixed-width buffer.
// Key aspects: Zero-pads to 12 bytes; truncates longer names.
// Upstream: throttleHash.
// Downstream: None.
func writeFixedBus(dst []byte, bus string) {
	const maxLen = 12
	n := 0
	for i := 0; i < len(bus) && n < maxLen; i++ {
		dst[n] = bus[i]
		n++
	}
	for n < maxLen {
		dst[n] = 0
		n++
	}
}
