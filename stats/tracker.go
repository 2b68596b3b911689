// Package stats tracks per-source and per-bus frame counters plus pipeline
// metrics for display in the dashboard and periodic console output.
package stats

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Tracker tracks frame statistics by source and bus.
type Tracker struct {
	// counters live in sync.Map + atomic.Uint64 so per-frame increments don't fight over a mutex
	busCounts       sync.Map // string -> *atomic.Uint64
	sourceCounts    sync.Map // string -> *atomic.Uint64
	sourceBusCounts sync.Map // "source|bus" -> *atomic.Uint64
	start           atomic.Int64
	parseErrors     atomic.Uint64
	duplicates      atomic.Uint64
	archived        atomic.Uint64
	analyses        atomic.Uint64
	consoleLogins   atomic.Uint64
}

// NewTracker creates a new stats tracker.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.start.Store(time.Now().UnixNano())
	return t
}

// IncrementBus increases the count for a bus (can0, can1, vcan0, etc.)
func (t *Tracker) IncrementBus(bus string) {
	incrementCounter(&t.busCounts, bus)
}

// IncrementSource increases the count for a feed source (GATEWAY, MQTT, REPLAY, GENERATED).
func (t *Tracker) IncrementSource(source string) {
	incrementCounter(&t.sourceCounts, source)
}

// IncrementSourceBus counts one frame from a source/bus pair. It feeds the
// per-source and per-bus views too, so the capture clients only make one
// tracker call per frame.
func (t *Tracker) IncrementSourceBus(source, bus string) {
	source = strings.ToUpper(strings.TrimSpace(source))
	bus = strings.TrimSpace(bus)
	if source == "" || bus == "" {
		return
	}
	incrementCounter(&t.sourceCounts, source)
	incrementCounter(&t.busCounts, bus)
	incrementCounter(&t.sourceBusCounts, source+"|"+bus)
}

// GetBusCounts returns a copy of bus counts.
func (t *Tracker) GetBusCounts() map[string]uint64 {
	counts := make(map[string]uint64)
	t.busCounts.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

// GetSourceCounts returns a copy of feed source counts.
func (t *Tracker) GetSourceCounts() map[string]uint64 {
	counts := make(map[string]uint64)
	t.sourceCounts.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

// GetSourceBusCounts returns a copy of source/bus combination counts.
func (t *Tracker) GetSourceBusCounts() map[string]uint64 {
	counts := make(map[string]uint64)
	t.sourceBusCounts.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

// GetTotal returns the total frame count across all sources (sum of sourceCounts).
func (t *Tracker) GetTotal() uint64 {
	var total uint64
	t.sourceCounts.Range(func(_, value any) bool {
		total += value.(*atomic.Uint64).Load()
		return true
	})
	return total
}

// GetUptime returns how long the tracker has been running.
func (t *Tracker) GetUptime() time.Duration {
	start := t.start.Load()
	return time.Since(time.Unix(0, start))
}

// Reset resets all counters.
func (t *Tracker) Reset() {
	t.busCounts.Range(func(key, _ any) bool {
		t.busCounts.Delete(key)
		return true
	})
	t.sourceCounts.Range(func(key, _ any) bool {
		t.sourceCounts.Delete(key)
		return true
	})
	t.sourceBusCounts.Range(func(key, _ any) bool {
		t.sourceBusCounts.Delete(key)
		return true
	})
	t.parseErrors.Store(0)
	t.duplicates.Store(0)
	t.archived.Store(0)
	t.analyses.Store(0)
	t.start.Store(time.Now().UnixNano())
}

// SnapshotLines returns human-readable stats ready for console display.
func (t *Tracker) SnapshotLines() []string {
	lines := make([]string, 0, 3)
	lines = append(lines, formatMapCounts("Frames by source", &t.sourceCounts))
	lines = append(lines, formatMapCounts("Frames by bus", &t.busCounts))
	lines = append(lines, fmt.Sprintf("Pipeline: parse_errors=%s, duplicates=%s, archived=%s, analyses=%s",
		humanize.Comma(int64(t.parseErrors.Load())),
		humanize.Comma(int64(t.duplicates.Load())),
		humanize.Comma(int64(t.archived.Load())),
		humanize.Comma(int64(t.analyses.Load()))))
	return lines
}

// IncrementParseErrors increments the number of unparseable feed lines.
func (t *Tracker) IncrementParseErrors() {
	t.parseErrors.Add(1)
}

// IncrementDuplicates increments the number of frames dropped as duplicates.
func (t *Tracker) IncrementDuplicates() {
	t.duplicates.Add(1)
}

// AddDuplicates adds a batch of duplicate drops. The stats ticker uses it to
// fold the dedup engine's own counters into the tracker.
func (t *Tracker) AddDuplicates(n uint64) {
	t.duplicates.Add(n)
}

// AddArchived adds a batch of frames to the archived counter.
func (t *Tracker) AddArchived(n uint64) {
	t.archived.Add(n)
}

// IncrementAnalyses increments the number of completed analysis passes.
func (t *Tracker) IncrementAnalyses() {
	t.analyses.Add(1)
}

// IncrementConsoleLogins increments the number of console sessions opened.
func (t *Tracker) IncrementConsoleLogins() {
	t.consoleLogins.Add(1)
}

// ParseErrors returns the cumulative number of unparseable feed lines.
func (t *Tracker) ParseErrors() uint64 {
	return t.parseErrors.Load()
}

// Duplicates returns the cumulative number of frames dropped as duplicates.
func (t *Tracker) Duplicates() uint64 {
	return t.duplicates.Load()
}

// Archived returns the cumulative number of frames written to the archive.
func (t *Tracker) Archived() uint64 {
	return t.archived.Load()
}

// Analyses returns the cumulative number of completed analysis passes.
func (t *Tracker) Analyses() uint64 {
	return t.analyses.Load()
}

// ConsoleLogins returns the cumulative number of console sessions opened.
func (t *Tracker) ConsoleLogins() uint64 {
	return t.consoleLogins.Load()
}

func formatMapCounts(label string, counts *sync.Map) string {
	var builder strings.Builder
	builder.WriteString(label)
	builder.WriteString(": ")
	first := true
	counts.Range(func(key, value any) bool {
		if !first {
			builder.WriteString(", ")
		}
		fmt.Fprintf(&builder, "%s=%s", key.(string), humanize.Comma(int64(value.(*atomic.Uint64).Load())))
		first = false
		return true
	})
	if first {
		builder.WriteString("(none)")
	}
	return builder.String()
}

func incrementCounter(m *sync.Map, key string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	if value, ok := m.Load(key); ok {
		value.(*atomic.Uint64).Add(1)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := m.LoadOrStore(key, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(1)
		return
	}
	counter.Add(1)
}
