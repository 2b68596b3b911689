package msgtree

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Keyed metric queries report absence with a false second return, never an
// error: asking about an unindexed ID is a normal outcome. Each query
// resolves the ID through Find, so calling one on a node Find already
// returned short-circuits at the first comparison.

// Period returns the expected cycle time in milliseconds for id.
func (t *Tree) Period(id uint32) (int64, bool) {
	n := t.Find(id)
	if n == nil {
		return 0, false
	}
	return n.period, true
}

// Timestamps returns the observed arrival times for id in capture order.
// The slice is the tree's own backing data; callers must not modify it.
func (t *Tree) Timestamps(id uint32) ([]float64, bool) {
	n := t.Find(id)
	if n == nil {
		return nil, false
	}
	return n.stamps, true
}

// Gaps returns the signed deviation of each observed inter-arrival interval
// from the expected period: stamps[i+1] - stamps[i] - period. A stream with
// fewer than two observations has no consecutive pairs, so it yields an
// empty slice rather than an error.
func (t *Tree) Gaps(id uint32) ([]float64, bool) {
	n := t.Find(id)
	if n == nil {
		return nil, false
	}
	return n.gaps(), true
}

func (n *Tree) gaps() []float64 {
	if len(n.stamps) < 2 {
		return []float64{}
	}
	out := make([]float64, len(n.stamps)-1)
	period := float64(n.period)
	for i := range out {
		out[i] = n.stamps[i+1] - n.stamps[i] - period
	}
	return out
}

// Accuracy returns the stream's accuracy score: the mean absolute gap
// deviation in milliseconds. Lower is better; zero means every observed
// interval matched the expected period exactly. A stream with fewer than
// two observations has no measurable deviation and scores zero; consumers
// that need to tell "perfect" from "unobserved" check Frequency.
func (t *Tree) Accuracy(id uint32) (float64, bool) {
	n := t.Find(id)
	if n == nil {
		return 0, false
	}
	return n.accuracy(), true
}

func (n *Tree) accuracy() float64 {
	g := n.gaps()
	if len(g) == 0 {
		return 0
	}
	abs := make([]float64, len(g))
	for i, d := range g {
		abs[i] = math.Abs(d)
	}
	return stat.Mean(abs, nil)
}

// Frequency returns the number of observations recorded for id.
func (t *Tree) Frequency(id uint32) (int, bool) {
	n := t.Find(id)
	if n == nil {
		return 0, false
	}
	return len(n.stamps), true
}

// AccuracyReport maps every indexed ID to its accuracy score.
func (t *Tree) AccuracyReport() map[uint32]float64 {
	out := make(map[uint32]float64, t.Size())
	t.walk(func(n *Tree) { out[n.id] = n.accuracy() })
	return out
}

// AllFrequencies maps every indexed ID to its observation count.
func (t *Tree) AllFrequencies() map[uint32]int {
	out := make(map[uint32]int, t.Size())
	t.walk(func(n *Tree) { out[n.id] = len(n.stamps) })
	return out
}

// AllMessageIDs returns every indexed ID ascending. The in-order walk
// yields the sorted order directly from the BST invariant.
func (t *Tree) AllMessageIDs() []uint32 {
	out := make([]uint32, 0, t.Size())
	t.walk(func(n *Tree) { out = append(out, n.id) })
	return out
}

// SortedByAccuracy returns every indexed ID ordered from most accurate
// (lowest score) to least. Ties are broken by ascending ID so the ranking
// is a deterministic total order, and IDs sharing a score are all retained.
func (t *Tree) SortedByAccuracy() []uint32 {
	type ranked struct {
		id    uint32
		score float64
	}
	rows := make([]ranked, 0, t.Size())
	t.walk(func(n *Tree) { rows = append(rows, ranked{id: n.id, score: n.accuracy()}) })
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].score != rows[j].score {
			return rows[i].score < rows[j].score
		}
		return rows[i].id < rows[j].id
	})
	out := make([]uint32, len(rows))
	for i, r := range rows {
		out[i] = r.id
	}
	return out
}
