// Package catalog loads and queries the message catalog so frames can be
// enriched with name/sender/cycle-time metadata and so the analyzer knows
// which IDs are expected to be periodic.
package catalog

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"howett.net/plist"

	"canwatch/frame"
)

// Entry describes the metadata stored for each catalog message.
type Entry struct {
	Name     string `plist:"Name"`
	CycleMs  int64  `plist:"CycleMs"`
	Sender   string `plist:"Sender"`
	DLC      int    `plist:"DLC"`
	Extended bool   `plist:"Extended"`
}

// Periodic reports whether the entry declares a transmit cycle. Event-driven
// messages carry CycleMs 0 and are excluded from timing analysis.
func (e Entry) Periodic() bool {
	return e.CycleMs > 0
}

// Catalog holds the plist data keyed by CAN ID.
type Catalog struct {
	Data map[uint32]Entry
	ids  []uint32
	// metrics track lookup behavior for stats reporting.
	totalLookups atomic.Uint64
	hits         atomic.Uint64
}

// LookupMetrics summarizes catalog lookup behavior.
type LookupMetrics struct {
	TotalLookups uint64
	Hits         uint64
}

// Load loads a catalog plist into a lookup database.
func Load(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog plist: %w", err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader decodes catalog data from an io.ReadSeeker (exposed for
// testing). Dict keys are CAN IDs in hex, with or without a 0x prefix; they
// are normalized to uint32 and pre-sorted ascending.
func LoadFromReader(r io.ReadSeeker) (*Catalog, error) {
	data, err := decodeCatalogData(r)
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, 0, len(data))
	for id := range data {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return &Catalog{Data: data, ids: ids}, nil
}

func decodeCatalogData(r io.ReadSeeker) (map[uint32]Entry, error) {
	var raw map[string]Entry
	decoder := plist.NewDecoder(r)
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode plist: %w", err)
	}
	data := make(map[uint32]Entry, len(raw))
	for k, v := range raw {
		id, err := parseIDKey(k)
		if err != nil {
			return nil, err
		}
		data[id] = v
	}
	return data, nil
}

func parseIDKey(k string) (uint32, error) {
	s := strings.TrimSpace(k)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	id, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("parse catalog id %q: %w", k, err)
	}
	if id > frame.MaxExtendedID {
		return 0, fmt.Errorf("parse catalog id %q: out of range", k)
	}
	return uint32(id), nil
}

// Lookup returns metadata for the CAN ID or false if unknown.
func (c *Catalog) Lookup(id uint32) (Entry, bool) {
	if c == nil {
		return Entry{}, false
	}
	c.totalLookups.Add(1)
	e, ok := c.Data[id]
	if ok {
		c.hits.Add(1)
	}
	return e, ok
}

// Name returns the catalog name for the ID, or a hex rendering when the ID
// is not cataloged. Handy for console and report output.
func (c *Catalog) Name(id uint32) string {
	if e, ok := c.Lookup(id); ok && e.Name != "" {
		return e.Name
	}
	if id > frame.MaxStandardID {
		return fmt.Sprintf("0x%08X", id)
	}
	return fmt.Sprintf("0x%03X", id)
}

// PeriodMap returns the expected cycle time per periodic ID. Event-driven
// entries (CycleMs 0) are left out so they never enter timing analysis.
func (c *Catalog) PeriodMap() map[uint32]int64 {
	if c == nil {
		return map[uint32]int64{}
	}
	out := make(map[uint32]int64, len(c.Data))
	for id, e := range c.Data {
		if e.Periodic() {
			out[id] = e.CycleMs
		}
	}
	return out
}

// IDs returns all cataloged CAN IDs in ascending order. The slice is shared;
// callers must not modify it.
func (c *Catalog) IDs() []uint32 {
	if c == nil {
		return nil
	}
	return c.ids
}

// Size returns the number of cataloged messages.
func (c *Catalog) Size() int {
	if c == nil {
		return 0
	}
	return len(c.Data)
}

// Metrics returns a snapshot of lookup counters.
func (c *Catalog) Metrics() LookupMetrics {
	if c == nil {
		return LookupMetrics{}
	}
	return LookupMetrics{
		TotalLookups: c.totalLookups.Load(),
		Hits:         c.hits.Load(),
	}
}
