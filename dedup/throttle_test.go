package dedup

import (
	"testing"
	"time"

	"canwatch/frame"
)

// Purpose: Build a frame with fixed capture time for throttle tests.
// Key aspects: Sets bus, payload, and wall-clock time explicitly.
// Upstream: throttle tests.
// Downstream: frame.New.
func makeThrottleFrame(canID uint32, bus string, data []byte, at time.Time) *frame.Frame {
	f := frame.New(canID, bus, data)
	f.Time = at
	return f
}

// Purpose: Verify repeat cycles of one message are suppressed within the window.
// Key aspects: Identical ID/bus/payload collapses to a single forwarded frame.
// Upstream: go test execution.
// Downstream: NewThrottle and ShouldForward.
func TestThrottleSuppressesRepeatCycles(t *testing.T) {
	th := NewThrottle(time.Minute, false)
	now := time.Unix(1_700_000_000, 0).UTC()

	if !th.ShouldForward(makeThrottleFrame(0x100, "can0", []byte{1, 2}, now)) {
		t.Fatal("expected first cycle to pass")
	}
	if th.ShouldForward(makeThrottleFrame(0x100, "can0", []byte{1, 2}, now.Add(10*time.Millisecond))) {
		t.Fatal("expected repeat cycle to be suppressed within window")
	}
	if !th.ShouldForward(makeThrottleFrame(0x100, "can0", []byte{1, 2}, now.Add(2*time.Minute))) {
		t.Fatal("expected cycle after window to pass")
	}
}

// Purpose: Verify payload changes bypass the throttle window.
// Key aspects: forwardOnChange forwards changed data and restarts the window.
// Upstream: go test execution.
// Downstream: Throttle.ShouldForward.
func TestThrottleForwardsPayloadChange(t *testing.T) {
	th := NewThrottle(time.Minute, true)
	now := time.Unix(1_700_000_100, 0).UTC()

	if !th.ShouldForward(makeThrottleFrame(0x2A5, "can0", []byte{0x00}, now)) {
		t.Fatal("expected first cycle to pass")
	}
	if !th.ShouldForward(makeThrottleFrame(0x2A5, "can0", []byte{0x01}, now.Add(10*time.Millisecond))) {
		t.Fatal("expected changed payload to pass inside window")
	}
	if th.ShouldForward(makeThrottleFrame(0x2A5, "can0", []byte{0x01}, now.Add(20*time.Millisecond))) {
		t.Fatal("expected repeat of changed payload to be suppressed")
	}
}

// Purpose: Verify payload changes stay suppressed when change detection is off.
// Key aspects: forwardOnChange=false treats any repeat of the message as noise.
// Upstream: go test execution.
// Downstream: Throttle.ShouldForward.
func TestThrottleIgnoresPayloadChangeWhenDisabled(t *testing.T) {
	th := NewThrottle(time.Minute, false)
	now := time.Unix(1_700_000_200, 0).UTC()

	if !th.ShouldForward(makeThrottleFrame(0x2A5, "can0", []byte{0x00}, now)) {
		t.Fatal("expected first cycle to pass")
	}
	if th.ShouldForward(makeThrottleFrame(0x2A5, "can0", []byte{0x01}, now.Add(10*time.Millisecond))) {
		t.Fatal("expected changed payload to be suppressed when detection is off")
	}
}

// Purpose: Verify the same CAN ID on different buses throttles independently.
// Key aspects: Bus name participates in the throttle key.
// Upstream: go test execution.
// Downstream: throttleHash.
func TestThrottleSplitsByBus(t *testing.T) {
	th := NewThrottle(time.Minute, false)
	now := time.Unix(1_700_000_300, 0).UTC()

	if !th.ShouldForward(makeThrottleFrame(0x100, "can0", []byte{1}, now)) {
		t.Fatal("expected can0 frame to pass")
	}
	if !th.ShouldForward(makeThrottleFrame(0x100, "can1", []byte{1}, now)) {
		t.Fatal("expected can1 frame to pass despite same CAN ID")
	}
}

// Purpose: Verify a disabled throttle forwards everything.
// Key aspects: Zero window and nil receiver both mean pass-through.
// Upstream: go test execution.
// Downstream: Throttle.ShouldForward.
func TestThrottleDisabled(t *testing.T) {
	th := NewThrottle(0, true)
	now := time.Unix(1_700_000_400, 0).UTC()
	for i := 0; i < 3; i++ {
		if !th.ShouldForward(makeThrottleFrame(0x100, "can0", []byte{1}, now)) {
			t.Fatal("expected zero-window throttle to forward everything")
		}
	}

	var nilTh *Throttle
	if !nilTh.ShouldForward(makeThrottleFrame(0x100, "can0", []byte{1}, now)) {
		t.Fatal("expected nil throttle to forward everything")
	}
}

// Purpose: Verify throttle statistics count processed and suppressed frames.
// Key aspects: Stats aggregate across shards.
// Upstream: go test execution.
// Downstream: Throttle.GetStats.
func TestThrottleStats(t *testing.T) {
	th := NewThrottle(time.Minute, false)
	now := time.Unix(1_700_000_500, 0).UTC()

	th.ShouldForward(makeThrottleFrame(0x100, "can0", []byte{1}, now))
	th.ShouldForward(makeThrottleFrame(0x100, "can0", []byte{1}, now.Add(time.Millisecond)))
	th.ShouldForward(makeThrottleFrame(0x200, "can0", []byte{1}, now))

	processed, suppressed, cacheSize := th.GetStats()
	if processed != 3 {
		t.Fatalf("expected 3 processed, got %d", processed)
	}
	if suppressed != 1 {
		t.Fatalf("expected 1 suppressed, got %d", suppressed)
	}
	if cacheSize != 2 {
		t.Fatalf("expected 2 cached messages, got %d", cacheSize)
	}
}
