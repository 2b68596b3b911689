// Package msgtree implements the balanced binary search tree that indexes
// periodic message streams by CAN identifier and scores their cycle-time
// accuracy. A tree is built once from a pair of ID-keyed mappings and is
// immutable afterwards, so any number of readers can share one instance
// without locking.
package msgtree

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrPartialInput is returned by Build when exactly one of the two input
// mappings is nil. Callers must supply both mappings or neither.
var ErrPartialInput = errors.New("msgtree: period and timestamp mappings must both be present or both be nil")

// Tree is one node of the message index. The nil *Tree is the empty
// sentinel: it is the base case of construction, the terminal of a failed
// lookup, and the representation of a tree built from no streams. Every
// method is safe to call on a nil receiver.
type Tree struct {
	id     uint32
	period int64
	stamps []float64
	left   *Tree
	right  *Tree
}

// Build constructs a balanced tree from an ID-to-period mapping and an
// ID-to-timestamps mapping. Periods are expected cycle times in
// milliseconds; timestamps are observed arrival times in milliseconds,
// ordered as captured. Both mappings nil yields the empty tree. Exactly one
// nil yields ErrPartialInput. The key sets must match; a mismatch aborts the
// build with no partial tree.
//
// The shape is deterministic: IDs are sorted ascending and the median
// (index len/2) becomes each subtree's root, so N streams produce a tree of
// depth O(log N) regardless of map iteration order. For two IDs the higher
// one is the root and the lower its left child, which follows from the same
// floor(len/2) rule.
func Build(periods map[uint32]int64, stamps map[uint32][]float64) (*Tree, error) {
	if periods == nil && stamps == nil {
		return nil, nil
	}
	if periods == nil || stamps == nil {
		return nil, ErrPartialInput
	}
	if err := matchKeys(periods, stamps); err != nil {
		return nil, err
	}

	ids := make([]uint32, 0, len(periods))
	for id := range periods {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return build(ids, periods, stamps), nil
}

// matchKeys verifies the two mappings describe the same ID set.
func matchKeys(periods map[uint32]int64, stamps map[uint32][]float64) error {
	for id := range periods {
		if _, ok := stamps[id]; !ok {
			return fmt.Errorf("msgtree: id %d has a period but no timestamp entry", id)
		}
	}
	for id := range stamps {
		if _, ok := periods[id]; !ok {
			return fmt.Errorf("msgtree: id %d has timestamps but no period entry", id)
		}
	}
	return nil
}

// build recurses over a sorted ID slice. The element at len/2 becomes the
// node; the halves on either side become the children. Timestamp slices are
// copied so later caller-side mutation of the input mapping cannot reach
// into the built tree.
func build(ids []uint32, periods map[uint32]int64, stamps map[uint32][]float64) *Tree {
	if len(ids) == 0 {
		return nil
	}
	mid := len(ids) / 2
	id := ids[mid]
	return &Tree{
		id:     id,
		period: periods[id],
		stamps: append([]float64(nil), stamps[id]...),
		left:   build(ids[:mid], periods, stamps),
		right:  build(ids[mid+1:], periods, stamps),
	}
}

// IsEmpty reports whether the tree holds no streams.
func (t *Tree) IsEmpty() bool { return t == nil }

// ID returns the message ID at this node, or zero for the empty tree.
func (t *Tree) ID() uint32 {
	if t == nil {
		return 0
	}
	return t.id
}

// Contains reports whether id is indexed anywhere in the tree.
func (t *Tree) Contains(id uint32) bool {
	switch {
	case t == nil:
		return false
	case id == t.id:
		return true
	case id < t.id:
		return t.left.Contains(id)
	default:
		return t.right.Contains(id)
	}
}

// Find returns the subtree rooted at id, or nil when id is not indexed.
// The returned node is the tree's own subtree, not a copy, so metric
// queries against it read the stream's data directly. A nil result is the
// normal absent-ID outcome, not an error.
func (t *Tree) Find(id uint32) *Tree {
	switch {
	case t == nil:
		return nil
	case id == t.id:
		return t
	case id < t.id:
		return t.left.Find(id)
	default:
		return t.right.Find(id)
	}
}

// Size returns the number of streams indexed.
func (t *Tree) Size() int {
	if t == nil {
		return 0
	}
	return 1 + t.left.Size() + t.right.Size()
}

// Depth returns the number of node levels; zero for the empty tree.
func (t *Tree) Depth() int {
	if t == nil {
		return 0
	}
	l := t.left.Depth()
	r := t.right.Depth()
	if l > r {
		return l + 1
	}
	return r + 1
}

// walk visits every node in order, ascending by ID.
func (t *Tree) walk(fn func(*Tree)) {
	if t == nil {
		return
	}
	t.left.walk(fn)
	fn(t)
	t.right.walk(fn)
}

// String renders the tree shape for diagnostics: one ID per line, each
// child indented one ":   " step below its parent, node before children.
func (t *Tree) String() string {
	var b strings.Builder
	t.render(&b, 0)
	return b.String()
}

func (t *Tree) render(b *strings.Builder, depth int) {
	if t == nil {
		return
	}
	for i := 0; i < depth; i++ {
		b.WriteString(":   ")
	}
	fmt.Fprintf(b, "%d\n", t.id)
	t.left.render(b, depth+1)
	t.right.render(b, depth+1)
}
