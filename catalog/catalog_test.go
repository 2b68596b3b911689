package catalog

import (
	"strings"
	"testing"
)

const samplePLIST = `<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0">
<dict>
<key>0x100</key>
	<dict>
		<key>Name</key>
		<string>EngineSpeed</string>
		<key>CycleMs</key>
		<integer>10</integer>
		<key>Sender</key>
		<string>ECM</string>
		<key>DLC</key>
		<integer>8</integer>
	</dict>
<key>0x2A5</key>
	<dict>
		<key>Name</key>
		<string>WheelSpeeds</string>
		<key>CycleMs</key>
		<integer>20</integer>
		<key>Sender</key>
		<string>ABS</string>
		<key>DLC</key>
		<integer>8</integer>
	</dict>
<key>18DAF110</key>
	<dict>
		<key>Name</key>
		<string>DiagResponse</string>
		<key>CycleMs</key>
		<integer>0</integer>
		<key>Sender</key>
		<string>ECM</string>
		<key>DLC</key>
		<integer>8</integer>
		<key>Extended</key>
		<true/>
	</dict>
</dict>
</plist>`

func loadSampleCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := LoadFromReader(strings.NewReader(samplePLIST))
	if err != nil {
		t.Fatalf("load sample catalog: %v", err)
	}
	return c
}

func TestLookupKnownID(t *testing.T) {
	c := loadSampleCatalog(t)
	e, ok := c.Lookup(0x100)
	if !ok {
		t.Fatalf("expected 0x100 to resolve")
	}
	if e.Name != "EngineSpeed" {
		t.Fatalf("expected EngineSpeed, got %q", e.Name)
	}
	if e.CycleMs != 10 {
		t.Fatalf("expected cycle 10, got %d", e.CycleMs)
	}
	if e.Sender != "ECM" {
		t.Fatalf("expected sender ECM, got %q", e.Sender)
	}
}

func TestLookupUnknownID(t *testing.T) {
	c := loadSampleCatalog(t)
	if _, ok := c.Lookup(0x7FF); ok {
		t.Fatalf("expected 0x7FF to be unknown")
	}
}

func TestLookupExtendedID(t *testing.T) {
	c := loadSampleCatalog(t)
	e, ok := c.Lookup(0x18DAF110)
	if !ok {
		t.Fatalf("expected 18DAF110 to resolve")
	}
	if !e.Extended {
		t.Fatalf("expected extended flag")
	}
	if e.Periodic() {
		t.Fatalf("expected event-driven entry, got periodic")
	}
}

func TestPeriodMapExcludesEventDriven(t *testing.T) {
	c := loadSampleCatalog(t)
	periods := c.PeriodMap()
	if len(periods) != 2 {
		t.Fatalf("expected 2 periodic entries, got %d", len(periods))
	}
	if periods[0x100] != 10 || periods[0x2A5] != 20 {
		t.Fatalf("unexpected period map: %v", periods)
	}
	if _, ok := periods[0x18DAF110]; ok {
		t.Fatalf("event-driven id leaked into period map")
	}
}

func TestIDsSortedAscending(t *testing.T) {
	c := loadSampleCatalog(t)
	ids := c.IDs()
	want := []uint32{0x100, 0x2A5, 0x18DAF110}
	if len(ids) != len(want) {
		t.Fatalf("expected %d ids, got %d", len(want), len(ids))
	}
	for i, id := range want {
		if ids[i] != id {
			t.Fatalf("expected ids[%d]=0x%X, got 0x%X", i, id, ids[i])
		}
	}
}

func TestName(t *testing.T) {
	c := loadSampleCatalog(t)
	if got := c.Name(0x100); got != "EngineSpeed" {
		t.Fatalf("expected EngineSpeed, got %q", got)
	}
	if got := c.Name(0x123); got != "0x123" {
		t.Fatalf("expected hex fallback, got %q", got)
	}
	if got := c.Name(0x18FF0000); got != "0x18FF0000" {
		t.Fatalf("expected extended hex fallback, got %q", got)
	}
}

func TestRejectsBadIDKey(t *testing.T) {
	const bad = `<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0">
<dict>
<key>notanid</key>
	<dict>
		<key>Name</key>
		<string>Broken</string>
	</dict>
</dict>
</plist>`
	if _, err := LoadFromReader(strings.NewReader(bad)); err == nil {
		t.Fatalf("expected error for non-hex id key")
	}
}

func TestRejectsOutOfRangeIDKey(t *testing.T) {
	const bad = `<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0">
<dict>
<key>FFFFFFFF</key>
	<dict>
		<key>Name</key>
		<string>TooBig</string>
	</dict>
</dict>
</plist>`
	if _, err := LoadFromReader(strings.NewReader(bad)); err == nil {
		t.Fatalf("expected error for id above 29 bits")
	}
}

func TestLookupMetrics(t *testing.T) {
	c := loadSampleCatalog(t)
	c.Lookup(0x100)
	c.Lookup(0x100)
	c.Lookup(0x7FF)
	m := c.Metrics()
	if m.TotalLookups != 3 {
		t.Fatalf("expected 3 lookups, got %d", m.TotalLookups)
	}
	if m.Hits != 2 {
		t.Fatalf("expected 2 hits, got %d", m.Hits)
	}
}

func TestNilCatalog(t *testing.T) {
	var c *Catalog
	if _, ok := c.Lookup(1); ok {
		t.Fatalf("expected miss on nil catalog")
	}
	if c.Size() != 0 {
		t.Fatalf("expected empty size on nil catalog")
	}
	if got := len(c.PeriodMap()); got != 0 {
		t.Fatalf("expected empty period map, got %d entries", got)
	}
}
