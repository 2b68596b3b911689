package msgtree

import (
	"math"
	"testing"
)

func buildFixture(t *testing.T) *Tree {
	t.Helper()
	periods := map[uint32]int64{1: 100, 2: 200, 3: 150}
	stamps := map[uint32][]float64{
		1: {0, 100, 200},
		2: {0, 205, 395},
		3: {},
	}
	tree, err := Build(periods, stamps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return tree
}

func TestPeriodAndTimestamps(t *testing.T) {
	tree := buildFixture(t)
	if p, ok := tree.Period(2); !ok || p != 200 {
		t.Fatalf("expected period 200, got %d ok=%v", p, ok)
	}
	ts, ok := tree.Timestamps(1)
	if !ok || len(ts) != 3 || ts[2] != 200 {
		t.Fatalf("expected [0 100 200], got %v ok=%v", ts, ok)
	}
	if _, ok := tree.Period(99); ok {
		t.Fatalf("expected absent period for unknown id")
	}
	if _, ok := tree.Timestamps(99); ok {
		t.Fatalf("expected absent timestamps for unknown id")
	}
}

func TestGaps(t *testing.T) {
	tree := buildFixture(t)
	cases := []struct {
		id   uint32
		want []float64
	}{
		{id: 1, want: []float64{0, 0}},
		{id: 2, want: []float64{5, -10}},
		{id: 3, want: []float64{}},
	}
	for _, tc := range cases {
		got, ok := tree.Gaps(tc.id)
		if !ok {
			t.Fatalf("id %d: expected gaps to be present", tc.id)
		}
		if len(got) != len(tc.want) {
			t.Fatalf("id %d: expected %v, got %v", tc.id, tc.want, got)
		}
		for i := range tc.want {
			if got[i] != tc.want[i] {
				t.Fatalf("id %d: expected %v, got %v", tc.id, tc.want, got)
			}
		}
	}
	if _, ok := tree.Gaps(42); ok {
		t.Fatalf("expected absent gaps for unknown id")
	}
}

func TestGapsLengthMatchesFrequency(t *testing.T) {
	tree := buildFixture(t)
	for _, id := range tree.AllMessageIDs() {
		freq, _ := tree.Frequency(id)
		gaps, _ := tree.Gaps(id)
		if freq >= 2 && len(gaps) != freq-1 {
			t.Fatalf("id %d: expected %d gaps for %d observations, got %d", id, freq-1, freq, len(gaps))
		}
	}
}

func TestAccuracy(t *testing.T) {
	tree := buildFixture(t)
	// Stream 1 hits its period exactly; stream 2 has gaps +5 and -10 for a
	// mean absolute deviation of 7.5; stream 3 has no observations.
	cases := []struct {
		id   uint32
		want float64
	}{
		{id: 1, want: 0},
		{id: 2, want: 7.5},
		{id: 3, want: 0},
	}
	for _, tc := range cases {
		got, ok := tree.Accuracy(tc.id)
		if !ok {
			t.Fatalf("id %d: expected accuracy to be present", tc.id)
		}
		if got != tc.want {
			t.Fatalf("id %d: expected accuracy %v, got %v", tc.id, tc.want, got)
		}
	}
	if _, ok := tree.Accuracy(42); ok {
		t.Fatalf("expected absent accuracy for unknown id")
	}
}

func TestAccuracyIsMeanOfAbsoluteGaps(t *testing.T) {
	periods := map[uint32]int64{7: 200}
	stamps := map[uint32][]float64{7: {0, 205, 405}}
	tree, err := Build(periods, stamps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gaps, _ := tree.Gaps(7)
	var sum float64
	for _, g := range gaps {
		sum += math.Abs(g)
	}
	want := sum / float64(len(gaps))
	got, _ := tree.Accuracy(7)
	if got != want {
		t.Fatalf("expected accuracy %v, got %v", want, got)
	}
	if got != 2.5 {
		t.Fatalf("expected 2.5 for gaps +5 and 0, got %v", got)
	}
}

func TestDegeneratePolicySingleObservation(t *testing.T) {
	periods := map[uint32]int64{5: 50}
	stamps := map[uint32][]float64{5: {10.0}}
	tree, err := Build(periods, stamps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gaps, ok := tree.Gaps(5)
	if !ok || gaps == nil || len(gaps) != 0 {
		t.Fatalf("expected empty gaps for a single observation, got %v ok=%v", gaps, ok)
	}
	acc, ok := tree.Accuracy(5)
	if !ok || acc != 0 {
		t.Fatalf("expected zero accuracy for a single observation, got %v ok=%v", acc, ok)
	}
}

func TestAccuracyReport(t *testing.T) {
	tree := buildFixture(t)
	report := tree.AccuracyReport()
	if len(report) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(report))
	}
	want := map[uint32]float64{1: 0, 2: 7.5, 3: 0}
	for id, score := range want {
		if report[id] != score {
			t.Fatalf("id %d: expected %v, got %v", id, score, report[id])
		}
	}
}

func TestAllFrequencies(t *testing.T) {
	tree := buildFixture(t)
	freqs := tree.AllFrequencies()
	want := map[uint32]int{1: 3, 2: 3, 3: 0}
	if len(freqs) != len(want) {
		t.Fatalf("expected %v, got %v", want, freqs)
	}
	for id, n := range want {
		if freqs[id] != n {
			t.Fatalf("id %d: expected frequency %d, got %d", id, n, freqs[id])
		}
	}
}

func TestSortedByAccuracyOrdering(t *testing.T) {
	// Scores come out as 3 for id 5, 1 for id 9, and 0 for id 12, so the
	// ranking inverts the natural ID order.
	periods := map[uint32]int64{5: 100, 9: 100, 12: 100}
	stamps := map[uint32][]float64{
		5:  {0, 103},
		9:  {0, 101},
		12: {0, 100, 200},
	}
	tree, err := Build(periods, stamps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := tree.SortedByAccuracy()
	want := []uint32{12, 9, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestSortedByAccuracyKeepsTiedScores(t *testing.T) {
	// Streams 1 and 2 share an identical score; both must survive ranking.
	periods := map[uint32]int64{1: 100, 2: 100, 3: 100}
	stamps := map[uint32][]float64{
		1: {0, 100},
		2: {0, 100},
		3: {0, 110},
	}
	tree, err := Build(periods, stamps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := tree.SortedByAccuracy()
	if len(got) != 3 {
		t.Fatalf("expected all 3 IDs in ranking, got %v", got)
	}
	want := []uint32{1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestSortedByAccuracyIsPermutationOfAllIDs(t *testing.T) {
	tree := buildFixture(t)
	ranked := tree.SortedByAccuracy()
	all := tree.AllMessageIDs()
	if len(ranked) != len(all) {
		t.Fatalf("expected %d ranked IDs, got %d", len(all), len(ranked))
	}
	seen := make(map[uint32]bool, len(ranked))
	for _, id := range ranked {
		seen[id] = true
	}
	for _, id := range all {
		if !seen[id] {
			t.Fatalf("id %d missing from ranking %v", id, ranked)
		}
	}
}

func TestSelfMetricsOnFoundNode(t *testing.T) {
	tree := buildFixture(t)
	n := tree.Find(2)
	if n == nil {
		t.Fatalf("expected to find 2")
	}
	if acc, ok := n.Accuracy(n.ID()); !ok || acc != 7.5 {
		t.Fatalf("expected self accuracy 7.5, got %v ok=%v", acc, ok)
	}
	if p, ok := n.Period(n.ID()); !ok || p != 200 {
		t.Fatalf("expected self period 200, got %d ok=%v", p, ok)
	}
}

func TestMetricsOnEmptyTree(t *testing.T) {
	var tree *Tree
	if _, ok := tree.Accuracy(1); ok {
		t.Fatalf("expected absent accuracy on empty tree")
	}
	if report := tree.AccuracyReport(); len(report) != 0 {
		t.Fatalf("expected empty report, got %v", report)
	}
	if ranked := tree.SortedByAccuracy(); len(ranked) != 0 {
		t.Fatalf("expected empty ranking, got %v", ranked)
	}
	if freqs := tree.AllFrequencies(); len(freqs) != 0 {
		t.Fatalf("expected no frequencies, got %v", freqs)
	}
}
