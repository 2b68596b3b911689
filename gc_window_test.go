package main

import (
	"runtime"
	"testing"
	"time"
)

func TestGCPauseWindowFirstSampleBaselines(t *testing.T) {
	var mem runtime.MemStats
	mem.NumGC = 3
	mem.PauseNs[0] = 100
	mem.PauseNs[1] = 200

	var window gcPauseWindow
	if p99, count, truncated := window.sample(&mem); count != 0 || truncated || p99 != 0 {
		t.Fatalf("expected the priming sample to report nothing; got p99=%v count=%d truncated=%v", p99, count, truncated)
	}
	// Same NumGC again means no new pauses.
	if p99, count, truncated := window.sample(&mem); count != 0 || truncated || p99 != 0 {
		t.Fatalf("expected no new GCs; got p99=%v count=%d truncated=%v", p99, count, truncated)
	}
}

func TestGCPauseWindowDeltaP99(t *testing.T) {
	var mem runtime.MemStats
	mem.NumGC = 4
	mem.PauseNs[2] = 40
	mem.PauseNs[3] = 60

	var window gcPauseWindow
	_, _, _ = window.sample(&mem)

	mem.NumGC = 8
	mem.PauseNs[4] = 150
	mem.PauseNs[5] = 400
	mem.PauseNs[6] = 250
	mem.PauseNs[7] = 100

	p99, count, truncated := window.sample(&mem)
	if truncated {
		t.Fatalf("unexpected truncation")
	}
	if count != 4 {
		t.Fatalf("expected 4 pauses; got %d", count)
	}
	// Nearest-rank over [100 150 250 400] lands on 250.
	if want := 250 * time.Nanosecond; p99 != want {
		t.Fatalf("expected p99 %v; got %v", want, p99)
	}
}

func TestGCPauseWindowTruncatesToRing(t *testing.T) {
	var mem runtime.MemStats
	mem.NumGC = 0

	var window gcPauseWindow
	_, _, _ = window.sample(&mem)

	mem.NumGC = 512
	for i := range mem.PauseNs {
		mem.PauseNs[i] = 75
	}

	p99, count, truncated := window.sample(&mem)
	if !truncated {
		t.Fatalf("expected truncation when GC count outruns the pause ring")
	}
	if count != len(mem.PauseNs) {
		t.Fatalf("expected %d pauses; got %d", len(mem.PauseNs), count)
	}
	if want := 75 * time.Nanosecond; p99 != want {
		t.Fatalf("expected p99 %v; got %v", want, p99)
	}
}
