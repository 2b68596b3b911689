package buffer

import (
	"testing"

	"canwatch/frame"
)

func TestAddAssignsMonotonicIDs(t *testing.T) {
	rb := NewRingBuffer(8)
	for i := 0; i < 3; i++ {
		rb.Add(frame.New(0x100, "can0", []byte{byte(i)}))
	}
	recent := rb.GetRecent(3)
	if len(recent) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(recent))
	}
	if recent[0].ID != 3 || recent[1].ID != 2 || recent[2].ID != 1 {
		t.Fatalf("expected newest-first IDs 3,2,1, got %d,%d,%d",
			recent[0].ID, recent[1].ID, recent[2].ID)
	}
}

func TestGetRecentLimitsToRequested(t *testing.T) {
	rb := NewRingBuffer(8)
	for i := 0; i < 5; i++ {
		rb.Add(frame.New(0x100, "can0", nil))
	}
	recent := rb.GetRecent(2)
	if len(recent) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(recent))
	}
	if recent[0].ID != 5 {
		t.Fatalf("expected newest frame first, got ID %d", recent[0].ID)
	}
}

func TestGetRecentAfterWraparound(t *testing.T) {
	rb := NewRingBuffer(4)
	for i := 0; i < 10; i++ {
		rb.Add(frame.New(0x100, "can0", nil))
	}
	recent := rb.GetRecent(10)
	if len(recent) != 4 {
		t.Fatalf("expected capacity-bounded 4 frames, got %d", len(recent))
	}
	want := []uint64{10, 9, 8, 7}
	for i, f := range recent {
		if f.ID != want[i] {
			t.Fatalf("expected ID %d at position %d, got %d", want[i], i, f.ID)
		}
	}
}

func TestGetRecentEmptyAndZero(t *testing.T) {
	rb := NewRingBuffer(4)
	if got := rb.GetRecent(5); len(got) != 0 {
		t.Fatalf("expected no frames from empty buffer, got %d", len(got))
	}
	rb.Add(frame.New(0x100, "can0", nil))
	if got := rb.GetRecent(0); len(got) != 0 {
		t.Fatalf("expected no frames for n=0, got %d", len(got))
	}
}

func TestGetRecentByCANID(t *testing.T) {
	rb := NewRingBuffer(16)
	for i := 0; i < 4; i++ {
		rb.Add(frame.New(0x100, "can0", nil))
		rb.Add(frame.New(0x2A5, "can0", nil))
	}
	matches := rb.GetRecentByCANID(0x2A5, 10)
	if len(matches) != 4 {
		t.Fatalf("expected 4 matching frames, got %d", len(matches))
	}
	for _, f := range matches {
		if f.CANID != 0x2A5 {
			t.Fatalf("expected CAN ID 0x2A5, got 0x%X", f.CANID)
		}
	}
	if matches[0].ID < matches[1].ID {
		t.Fatalf("expected newest-first ordering")
	}
	limited := rb.GetRecentByCANID(0x2A5, 2)
	if len(limited) != 2 {
		t.Fatalf("expected 2 frames when limited, got %d", len(limited))
	}
}

func TestPositionAndCount(t *testing.T) {
	rb := NewRingBuffer(4)
	for i := 0; i < 6; i++ {
		rb.Add(frame.New(0x100, "can0", nil))
	}
	if rb.GetCount() != 6 {
		t.Fatalf("expected count 6, got %d", rb.GetCount())
	}
	if rb.GetPosition() != 2 {
		t.Fatalf("expected position 2, got %d", rb.GetPosition())
	}
	if rb.GetSizeKB() < 0 {
		t.Fatalf("expected non-negative size estimate")
	}
}
