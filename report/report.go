// Package report derives the per-message timing summary from a built
// message index: one ranked entry per CAN ID with its accuracy score and
// gap statistics. Reports are what the console serves, the history store
// persists, and the drift tooling compares.
package report

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"
	"gonum.org/v1/gonum/stat"

	"canwatch/catalog"
	"canwatch/frame"
	"canwatch/msgtree"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Meta carries the run context recorded alongside the computed entries.
type Meta struct {
	Bus       string
	WindowSec int
}

// Entry is the timing summary for one message ID. All gap figures are in
// milliseconds; MeanGap keeps its sign while the quantile fields are over
// absolute deviations.
type Entry struct {
	ID          uint32  `json:"id"`
	Name        string  `json:"name"`
	PeriodMS    int64   `json:"period_ms"`
	Frequency   int     `json:"frequency"`
	Accuracy    float64 `json:"accuracy"`
	MeanGap     float64 `json:"mean_gap"`
	StdDev      float64 `json:"std_dev"`
	P95AbsGap   float64 `json:"p95_abs_gap"`
	WorstAbsGap float64 `json:"worst_abs_gap"`
}

// Report is one analysis run. Entries are ranked best accuracy first,
// ties broken by ascending ID, matching the index's own ordering.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	Bus         string    `json:"bus,omitempty"`
	WindowSec   int       `json:"window_sec"`
	Entries     []Entry   `json:"entries"`
}

// Build derives the report for every stream indexed in the tree. Names
// resolve through the catalog when one is provided; the nil catalog falls
// back to hex IDs. The empty tree yields a report with no entries.
func Build(tree *msgtree.Tree, cat *catalog.Catalog, meta Meta) *Report {
	rep := &Report{
		GeneratedAt: time.Now().UTC(),
		Bus:         meta.Bus,
		WindowSec:   meta.WindowSec,
	}
	ids := tree.SortedByAccuracy()
	rep.Entries = make([]Entry, 0, len(ids))
	for _, id := range ids {
		period, _ := tree.Period(id)
		freq, _ := tree.Frequency(id)
		acc, _ := tree.Accuracy(id)
		gaps, _ := tree.Gaps(id)
		e := Entry{
			ID:        id,
			Name:      cat.Name(id),
			PeriodMS:  period,
			Frequency: freq,
			Accuracy:  acc,
		}
		fillGapStats(&e, gaps)
		rep.Entries = append(rep.Entries, e)
	}
	return rep
}

// fillGapStats computes the descriptive statistics over one stream's gap
// deviations. Quantile wants ascending input, so the absolute gaps are
// sorted before the P95 lookup.
func fillGapStats(e *Entry, gaps []float64) {
	if len(gaps) == 0 {
		return
	}
	e.MeanGap = stat.Mean(gaps, nil)
	if len(gaps) > 1 {
		e.StdDev = stat.StdDev(gaps, nil)
	}
	abs := make([]float64, len(gaps))
	for i, g := range gaps {
		abs[i] = math.Abs(g)
	}
	sort.Float64s(abs)
	e.P95AbsGap = stat.Quantile(0.95, stat.Empirical, abs, nil)
	e.WorstAbsGap = abs[len(abs)-1]
}

// Find returns the entry for id, or false when the run has none.
func (r *Report) Find(id uint32) (Entry, bool) {
	if r == nil {
		return Entry{}, false
	}
	for _, e := range r.Entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// Encode serializes a report for the history store.
func Encode(r *Report) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("report: encode: %w", err)
	}
	return data, nil
}

// Decode reverses Encode.
func Decode(data []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("report: decode: %w", err)
	}
	return &r, nil
}

// AccuracyMap returns id -> accuracy for the CSV writer.
func (r *Report) AccuracyMap() map[uint32]float64 {
	if r == nil {
		return map[uint32]float64{}
	}
	out := make(map[uint32]float64, len(r.Entries))
	for _, e := range r.Entries {
		out[e.ID] = e.Accuracy
	}
	return out
}

// FrequencyMap returns id -> observation count for the CSV writer.
func (r *Report) FrequencyMap() map[uint32]int {
	if r == nil {
		return map[uint32]int{}
	}
	out := make(map[uint32]int, len(r.Entries))
	for _, e := range r.Entries {
		out[e.ID] = e.Frequency
	}
	return out
}

const (
	reportHeaderFormat = "%-12s %-22s %9s %9s %9s %9s %9s %9s %9s\n"
	reportRowFormat    = "%-12s %-22s %7dms %9s %9.3f %+9.3f %9.3f %9.3f %9.3f\n"
	maxNameWidth       = 22
)

// RenderText renders the ranked table for the console and log output.
// Best-scoring streams come first; all gap columns are milliseconds.
func (r *Report) RenderText() string {
	return r.RenderTop(0)
}

// RenderTop renders the table truncated to the n best-scoring entries.
// n <= 0 renders every entry.
func (r *Report) RenderTop(n int) string {
	if r == nil || len(r.Entries) == 0 {
		return "No analysis report available yet.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Cycle report generated %s", r.GeneratedAt.Format("2006-01-02 15:04:05 UTC"))
	if r.Bus != "" {
		fmt.Fprintf(&b, "  bus=%s", r.Bus)
	}
	if r.WindowSec > 0 {
		fmt.Fprintf(&b, "  window=%ds", r.WindowSec)
	}
	fmt.Fprintf(&b, "  messages=%s\n", humanize.Comma(int64(len(r.Entries))))
	fmt.Fprintf(&b, reportHeaderFormat,
		"ID", "NAME", "PERIOD", "FRAMES", "ACC", "MEAN", "STDDEV", "P95", "WORST")
	rows := r.Entries
	if n > 0 && n < len(rows) {
		rows = rows[:n]
	}
	for i := range rows {
		b.WriteString(renderEntry(&rows[i]))
	}
	if len(rows) < len(r.Entries) {
		fmt.Fprintf(&b, "(%d more not shown)\n", len(r.Entries)-len(rows))
	}
	return b.String()
}

func renderEntry(e *Entry) string {
	return fmt.Sprintf(reportRowFormat,
		FormatID(e.ID), clipName(e.Name), e.PeriodMS,
		humanize.Comma(int64(e.Frequency)),
		e.Accuracy, e.MeanGap, e.StdDev, e.P95AbsGap, e.WorstAbsGap)
}

// clipName truncates overly long names so the columns to the right stay
// aligned.
func clipName(name string) string {
	if len(name) > maxNameWidth {
		return name[:maxNameWidth]
	}
	return name
}

// FormatID renders a CAN ID in the conventional hex widths: three digits
// for 11-bit IDs, eight for 29-bit.
func FormatID(id uint32) string {
	if id <= frame.MaxStandardID {
		return fmt.Sprintf("0x%03X", id)
	}
	return fmt.Sprintf("0x%08X", id)
}
