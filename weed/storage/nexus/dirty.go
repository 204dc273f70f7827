package nexus

import (
	"github.com/google/btree"
)

// dirtySet is the ordered set of rebuild segments that took a write the
// rebuild target did not see.
type dirtySet struct {
	segs *btree.BTreeG[uint64]
}

func newDirtySet() *dirtySet {
	return &dirtySet{segs: btree.NewOrderedG[uint64](8)}
}

// markRange adds every segment touched by blocks [first, end).
func (d *dirtySet) markRange(first, end, segBlks uint64) {
	if end <= first {
		return
	}
	lo, hi := segmentSpan(first, end, segBlks)
	for s := lo; s <= hi; s++ {
		d.segs.ReplaceOrInsert(s)
	}
}

func (d *dirtySet) has(seg uint64) bool {
	return d.segs.Has(seg)
}

func (d *dirtySet) len() int {
	return d.segs.Len()
}

// min returns the lowest segment without removing it.
func (d *dirtySet) min() (uint64, bool) {
	return d.segs.Min()
}

func (d *dirtySet) remove(seg uint64) {
	d.segs.Delete(seg)
}

// segmentSpan lists the segment indices touched by blocks [first, end).
func segmentSpan(first, end, segBlks uint64) (lo, hi uint64) {
	return first / segBlks, (end - 1) / segBlks
}
