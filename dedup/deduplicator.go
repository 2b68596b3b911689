// Package dedup implements a shard-locked deduplication cache that suppresses
// identical frames within a configurable time window. All feed sources pass
// through this component before entering the shared ring buffer.
package dedup

import (
	"log"
	"sync"
	"time"

	"canwatch/frame"
)

// Deduplicator removes duplicate frames within a time window. Two gateways
// watching the same bus segment deliver byte-identical frames with the same
// bus timestamp; only the first copy continues down the pipeline. A zero or
// negative window effectively disables filtering while keeping the pipeline
// topology intact (the component simply never flags duplicates).
type Deduplicator struct {
	window          time.Duration
	shards          []cacheShard
	inputChan       chan *frame.Frame
	outputChan      chan *frame.Frame
	shutdown        chan struct{}
	cleanupInterval time.Duration
}

// cacheShard keeps a portion of the dedup cache guarded by its own lock.
// Sharding the map eliminates the single global mutex on the hot path.
type cacheShard struct {
	mu             sync.Mutex
	cache          map[uint32]cachedEntry
	processedCount uint64
	duplicateCount uint64
	peak           int
}

// cachedEntry tracks when we last saw a hash so expired entries can be pruned.
type cachedEntry struct {
	when time.Time
}

// shardCount must remain a power of two so we can use bit masking for fast shard selection.
const shardCount = 64

const (
	dedupCompactMinPeak     = 1024
	dedupCompactShrinkRatio = 0.5
)

// NewDeduplicator creates a new deduplicator with the specified window. Passing
// a zero window disables suppression but still allows metrics/visibility.
func NewDeduplicator(window time.Duration, outputBuffer int) *Deduplicator {
	if outputBuffer <= 0 {
		outputBuffer = 1000
	}
	shards := make([]cacheShard, shardCount)
	for i := range shards {
		shards[i].cache = make(map[uint32]cachedEntry)
	}
	return &Deduplicator{
		window:          window,
		shards:          shards,
		inputChan:       make(chan *frame.Frame, 1000),
		outputChan:      make(chan *frame.Frame, outputBuffer),
		shutdown:        make(chan struct{}),
		cleanupInterval: 60 * time.Second, // Clean cache every 60 seconds
	}
}

// Start begins the deduplication processing loop and the background cleanup
// goroutine. Safe to call once during startup.
func (d *Deduplicator) Start() {
	log.Println("Deduplicator: Starting unified processing loop for all feeds")

	go d.process()
	go d.cleanupLoop()
}

// Stop signals the processing and cleanup loops to exit.
func (d *Deduplicator) Stop() {
	log.Println("Deduplicator: Stopping...")
	close(d.shutdown)
}

// GetInputChannel returns the input channel for frames. Each frame is checked
// against the windowed cache and either forwarded or dropped.
func (d *Deduplicator) GetInputChannel() chan<- *frame.Frame {
	return d.inputChan
}

// GetOutputChannel returns the output channel for deduplicated frames.
// Consumers read from this to continue the pipeline (ring buffer, archive,
// console broadcast).
func (d *Deduplicator) GetOutputChannel() <-chan *frame.Frame {
	return d.outputChan
}

// process is the main processing loop
func (d *Deduplicator) process() {
	for {
		select {
		case <-d.shutdown:
			log.Println("Deduplicator: Process loop stopped")
			return
		case f := <-d.inputChan:
			hash := f.Hash32()
			shard := d.shardFor(hash)

			shard.mu.Lock()
			shard.processedCount++

			if isDuplicateLocked(shard.cache, hash, f.Time, d.window) {
				shard.duplicateCount++
				shard.mu.Unlock()
				continue // Skip duplicate (logging handled by stats display)
			}
			shard.cache[hash] = cachedEntry{when: f.Time}
			updateShardPeakLocked(shard)
			shard.mu.Unlock()

			select {
			case d.outputChan <- f:
				// Successfully sent
			default:
				log.Println("Deduplicator: Output channel full, dropping frame")
			}
		}
	}
}

// isDuplicateLocked checks if a frame is a duplicate within a shard.
// Caller must hold the shard mutex. When the window is zero the function
// always returns false, effectively bypassing deduplication.
func isDuplicateLocked(cache map[uint32]cachedEntry, hash uint32, frameTime time.Time, window time.Duration) bool {
	lastSeen, exists := cache[hash]
	if !exists {
		return false
	}

	// Check if within dedup window
	age := frameTime.Sub(lastSeen.when)
	if age < 0 {
		age = -age // Handle out-of-order frames
	}

	return age < window
}

// cleanupLoop periodically removes expired entries from the cache so the
// footprint stays bounded when dedup is enabled.
func (d *Deduplicator) cleanupLoop() {
	ticker := time.NewTicker(d.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			log.Println("Deduplicator: Cleanup loop stopped")
			return
		case <-ticker.C:
			d.cleanup()
		}
	}
}

// cleanup removes expired entries from the cache and shrinks shard maps that
// ballooned during a traffic burst.
func (d *Deduplicator) cleanup() {
	now := time.Now().UTC()
	for i := range d.shards {
		shard := &d.shards[i]
		shard.mu.Lock()
		removed := false
		for hash, lastSeen := range shard.cache {
			age := now.Sub(lastSeen.when)
			if age > d.window {
				delete(shard.cache, hash)
				removed = true
			}
		}
		if removed {
			maybeCompactShardLocked(shard)
		}
		shard.mu.Unlock()
	}
}

func updateShardPeakLocked(shard *cacheShard) {
	if size := len(shard.cache); size > shard.peak {
		shard.peak = size
	}
}

func maybeCompactShardLocked(shard *cacheShard) {
	if shard.peak < dedupCompactMinPeak {
		return
	}
	threshold := int(float64(shard.peak) * dedupCompactShrinkRatio)
	if len(shard.cache) >= threshold {
		return
	}
	next := make(map[uint32]cachedEntry, len(shard.cache))
	for k, v := range shard.cache {
		next[k] = v
	}
	shard.cache = next
	shard.peak = len(next)
}

// GetStats returns current deduplication statistics
func (d *Deduplicator) GetStats() (processed uint64, duplicates uint64, cacheSize int) {
	for i := range d.shards {
		shard := &d.shards[i]
		shard.mu.Lock()
		processed += shard.processedCount
		duplicates += shard.duplicateCount
		cacheSize += len(shard.cache)
		shard.mu.Unlock()
	}
	return processed, duplicates, cacheSize
}

func (d *Deduplicator) shardFor(hash uint32) *cacheShard {
	idx := hash & (shardCount - 1)
	return &d.shards[idx]
}
