package report

import (
	"fmt"
	"sort"
	"strings"
)

// DriftEntry compares one ID between a baseline run and a newer run.
// Delta is new accuracy minus old, so positive values mean the stream
// drifted further from its expected cycle since the baseline.
type DriftEntry struct {
	ID          uint32
	Name        string
	OldAccuracy float64
	NewAccuracy float64
	Delta       float64
	InOld       bool
	InNew       bool
}

// Diff computes per-ID accuracy drift between a baseline and a current
// run. IDs present in only one run are still listed so a vanished or
// newly observed stream stays visible; their Delta is zero because there
// is nothing to subtract. Rows order worst regression first, ties by ID.
// Either report may be nil.
func Diff(base, curr *Report) []DriftEntry {
	merged := make(map[uint32]*DriftEntry)
	order := make([]uint32, 0)
	row := func(id uint32) *DriftEntry {
		if d, ok := merged[id]; ok {
			return d
		}
		d := &DriftEntry{ID: id}
		merged[id] = d
		order = append(order, id)
		return d
	}
	if base != nil {
		for _, e := range base.Entries {
			d := row(e.ID)
			d.Name = e.Name
			d.OldAccuracy = e.Accuracy
			d.InOld = true
		}
	}
	if curr != nil {
		for _, e := range curr.Entries {
			d := row(e.ID)
			d.Name = e.Name
			d.NewAccuracy = e.Accuracy
			d.InNew = true
		}
	}
	out := make([]DriftEntry, 0, len(order))
	for _, id := range order {
		d := merged[id]
		if d.InOld && d.InNew {
			d.Delta = d.NewAccuracy - d.OldAccuracy
		}
		out = append(out, *d)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Delta != out[j].Delta {
			return out[i].Delta > out[j].Delta
		}
		return out[i].ID < out[j].ID
	})
	return out
}

const (
	driftHeaderFormat = "%-12s %-22s %10s %10s %10s %s\n"
	driftRowFormat    = "%-12s %-22s %10.3f %10.3f %+10.3f %s\n"
)

// RenderDrift renders a drift table, worst regressions first. One-sided
// IDs carry a marker instead of a delta so a reader can tell a silenced
// stream from a stable one.
func RenderDrift(rows []DriftEntry) string {
	if len(rows) == 0 {
		return "No overlap between baseline and current run.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, driftHeaderFormat, "ID", "NAME", "BASE", "NOW", "DELTA", "")
	for _, d := range rows {
		note := ""
		switch {
		case !d.InOld:
			note = "(new)"
		case !d.InNew:
			note = "(gone)"
		}
		fmt.Fprintf(&b, driftRowFormat,
			FormatID(d.ID), clipName(d.Name), d.OldAccuracy, d.NewAccuracy, d.Delta, note)
	}
	return b.String()
}
