package frame

import (
	"strings"
	"testing"
	"time"
)

func TestParseCandumpStandard(t *testing.T) {
	f, err := ParseCandump("(1699555555.123456) can0 123#DEADBEEF")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.CANID != 0x123 {
		t.Fatalf("expected CAN ID 0x123, got 0x%X", f.CANID)
	}
	if f.Extended {
		t.Fatalf("expected standard identifier")
	}
	if f.Bus != "can0" {
		t.Fatalf("expected bus can0, got %q", f.Bus)
	}
	if f.DLC != 4 {
		t.Fatalf("expected DLC 4, got %d", f.DLC)
	}
	want := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	for i, b := range want {
		if f.Data[i] != b {
			t.Fatalf("expected payload % X, got % X", want, f.Payload())
		}
	}
	if f.Timestamp < 1699555555123.4 || f.Timestamp > 1699555555123.5 {
		t.Fatalf("expected timestamp near 1699555555123.456 ms, got %v", f.Timestamp)
	}
}

func TestParseCandumpExtended(t *testing.T) {
	f, err := ParseCandump("(10.500000) can1 18DAF110#01020304")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.Extended {
		t.Fatalf("expected extended identifier")
	}
	if f.CANID != 0x18DAF110 {
		t.Fatalf("expected CAN ID 0x18DAF110, got 0x%X", f.CANID)
	}
	if f.Timestamp != 10500.0 {
		t.Fatalf("expected 10500 ms, got %v", f.Timestamp)
	}
}

func TestParseCandumpRemote(t *testing.T) {
	f, err := ParseCandump("(1.000000) can0 7FF#R4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.Remote || f.DLC != 4 {
		t.Fatalf("expected remote frame with DLC 4, got remote=%v dlc=%d", f.Remote, f.DLC)
	}
	f, err = ParseCandump("(1.000000) can0 100#R")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.Remote || f.DLC != 0 {
		t.Fatalf("expected remote frame with DLC 0, got remote=%v dlc=%d", f.Remote, f.DLC)
	}
}

func TestParseCandumpRejectsMalformed(t *testing.T) {
	lines := []string{
		"",
		"can0 123#00",
		"(1.0) can0 123",
		"(abc) can0 123#00",
		"(1.0) can0 XYZ#00",
		"(1.0) can0 123#GG",
		"(1.0) can0 123#000102030405060708",
		"(1.0) can0 FFFFFFFF#00",
		"(1.0) can0 123#R9",
	}
	for _, line := range lines {
		if _, err := ParseCandump(line); err == nil {
			t.Fatalf("expected error for %q", line)
		}
	}
}

func TestCandumpRendering(t *testing.T) {
	f := &Frame{
		CANID:     0x123,
		Bus:       "can0",
		Timestamp: 1000000.0,
	}
	f.SetData([]byte{0xDE, 0xAD})
	want := "(1000.000000) can0 123#DEAD"
	if got := f.Candump(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	f.Remote = true
	f.DLC = 2
	if got := f.Candump(); got != "(1000.000000) can0 123#R2" {
		t.Fatalf("expected remote rendering, got %q", got)
	}
}

func TestCandumpRoundTrip(t *testing.T) {
	f := &Frame{
		CANID:     0x18DAF110,
		Extended:  true,
		Bus:       "can1",
		Timestamp: 42125.0,
	}
	f.SetData([]byte{0x01, 0x02, 0x03})
	parsed, err := ParseCandump(f.Candump())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.CANID != f.CANID || !parsed.Extended || parsed.Bus != f.Bus {
		t.Fatalf("round trip lost identity: %+v", parsed)
	}
	if parsed.Timestamp != f.Timestamp {
		t.Fatalf("expected timestamp %v, got %v", f.Timestamp, parsed.Timestamp)
	}
	if parsed.DLC != 3 || parsed.Data != f.Data {
		t.Fatalf("round trip lost payload: % X", parsed.Payload())
	}
}

func TestHash32Identity(t *testing.T) {
	base := func() *Frame {
		f := &Frame{
			CANID:     0x2A0,
			Bus:       "can0",
			Timestamp: 5000.25,
		}
		f.SetData([]byte{1, 2, 3, 4})
		return f
	}

	a := base()
	b := base()
	b.SourceType = SourceMQTT // source must not affect dedup identity
	if a.Hash32() != b.Hash32() {
		t.Fatalf("expected identical hashes for the same physical frame")
	}

	c := base()
	c.CANID = 0x2A1
	if a.Hash32() == c.Hash32() {
		t.Fatalf("expected different hash for different identifier")
	}

	d := base()
	d.Timestamp = 5010.0
	if a.Hash32() == d.Hash32() {
		t.Fatalf("expected different hash for a later cycle")
	}
}

func TestIsValid(t *testing.T) {
	cases := []struct {
		name  string
		frame Frame
		want  bool
	}{
		{name: "standard ok", frame: Frame{CANID: 0x700, Bus: "can0", DLC: 8}, want: true},
		{name: "extended ok", frame: Frame{CANID: 0x1FFFFFFF, Extended: true, Bus: "can0"}, want: true},
		{name: "standard out of range", frame: Frame{CANID: 0x800, Bus: "can0"}, want: false},
		{name: "missing bus", frame: Frame{CANID: 0x100}, want: false},
		{name: "dlc too large", frame: Frame{CANID: 0x100, Bus: "can0", DLC: 9}, want: false},
	}
	for _, tc := range cases {
		if got := tc.frame.IsValid(); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestMillisOf(t *testing.T) {
	if got := MillisOf(time.UnixMicro(1_000_000)); got != 1000.0 {
		t.Fatalf("expected 1000 ms, got %v", got)
	}
	if got := MillisOf(time.UnixMicro(1_500)); got != 1.5 {
		t.Fatalf("expected 1.5 ms, got %v", got)
	}
}

func TestStringMentionsBusAndID(t *testing.T) {
	f := New(0x123, "can0", []byte{0xAA})
	s := f.String()
	if !strings.Contains(s, "can0") || !strings.Contains(s, "123") {
		t.Fatalf("expected bus and id in %q", s)
	}
}
