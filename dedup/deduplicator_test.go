package dedup

import (
	"testing"
	"time"

	"canwatch/frame"
)

func makeDedupFrame(canID uint32, tsMillis float64, data []byte, at time.Time) *frame.Frame {
	f := frame.New(canID, "can0", data)
	f.Time = at
	f.Timestamp = tsMillis
	return f
}

func readFrame(t *testing.T, ch <-chan *frame.Frame) *frame.Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
		return nil
	}
}

func TestDeduplicatorDropsDuplicateFrames(t *testing.T) {
	d := NewDeduplicator(time.Minute, 10)
	d.Start()
	defer d.Stop()

	now := time.Unix(1_700_000_000, 0).UTC()
	first := makeDedupFrame(0x100, 1000, []byte{1, 2}, now)
	duplicate := makeDedupFrame(0x100, 1000, []byte{1, 2}, now.Add(time.Millisecond))
	distinct := makeDedupFrame(0x2A5, 1000, []byte{1, 2}, now)

	in := d.GetInputChannel()
	in <- first
	in <- duplicate
	in <- distinct

	out := d.GetOutputChannel()
	if got := readFrame(t, out); got.CANID != 0x100 {
		t.Fatalf("expected first frame 0x100, got 0x%X", got.CANID)
	}
	if got := readFrame(t, out); got.CANID != 0x2A5 {
		t.Fatalf("expected distinct frame 0x2A5, got 0x%X", got.CANID)
	}

	processed, duplicates, cacheSize := d.GetStats()
	if processed != 3 {
		t.Fatalf("expected 3 processed, got %d", processed)
	}
	if duplicates != 1 {
		t.Fatalf("expected 1 duplicate, got %d", duplicates)
	}
	if cacheSize != 2 {
		t.Fatalf("expected 2 cached hashes, got %d", cacheSize)
	}
}

func TestDeduplicatorPassesDistinctTimestamps(t *testing.T) {
	d := NewDeduplicator(time.Minute, 10)
	d.Start()
	defer d.Stop()

	now := time.Unix(1_700_000_100, 0).UTC()
	in := d.GetInputChannel()
	// Same message in consecutive cycles carries a new bus timestamp, so it
	// must never be treated as a duplicate.
	in <- makeDedupFrame(0x100, 1000, []byte{1}, now)
	in <- makeDedupFrame(0x100, 1010, []byte{1}, now.Add(10*time.Millisecond))

	out := d.GetOutputChannel()
	readFrame(t, out)
	readFrame(t, out)

	_, duplicates, _ := d.GetStats()
	if duplicates != 0 {
		t.Fatalf("expected no duplicates across cycles, got %d", duplicates)
	}
}

func TestDeduplicatorZeroWindowForwardsAll(t *testing.T) {
	d := NewDeduplicator(0, 10)
	d.Start()
	defer d.Stop()

	now := time.Unix(1_700_000_200, 0).UTC()
	in := d.GetInputChannel()
	in <- makeDedupFrame(0x100, 1000, []byte{1}, now)
	in <- makeDedupFrame(0x100, 1000, []byte{1}, now)

	out := d.GetOutputChannel()
	readFrame(t, out)
	readFrame(t, out)

	_, duplicates, _ := d.GetStats()
	if duplicates != 0 {
		t.Fatalf("expected zero window to disable suppression, got %d duplicates", duplicates)
	}
}
