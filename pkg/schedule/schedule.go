// Package schedule enumerates the work items of a pairwise run.
package schedule

import (
	"fmt"
	"iter"

	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

// All yields every combination-with-replacement of batches:
// (0,0), (0,1), ..., (0,n-1), (1,1), ... Each unordered batch pair appears
// once; diagonal items are masked by the kernel.
func All(batches []*types.Batch) iter.Seq[types.WorkItem] {
	return func(yield func(types.WorkItem) bool) {
		var seq int64
		for i := range batches {
			for j := i; j < len(batches); j++ {
				seq++
				if !yield(types.WorkItem{A: batches[i], B: batches[j], Seq: seq}) {
					return
				}
			}
		}
	}
}

// Cross yields the cartesian product left × right.
func Cross(left, right []*types.Batch) iter.Seq[types.WorkItem] {
	return func(yield func(types.WorkItem) bool) {
		var seq int64
		for _, a := range left {
			for _, b := range right {
				seq++
				if !yield(types.WorkItem{A: a, B: b, Seq: seq}) {
					return
				}
			}
		}
	}
}

// Pairs returns the work item sequence for a pairing mode. right is ignored
// in ModeAll.
func Pairs(mode types.PairMode, left, right []*types.Batch) (iter.Seq[types.WorkItem], error) {
	switch mode {
	case types.ModeAll:
		return All(left), nil
	case types.ModeCross:
		return Cross(left, right), nil
	default:
		return nil, fmt.Errorf("unsupported pairing mode %q", mode)
	}
}

// Total returns how many work items Pairs yields for the given batch counts.
func Total(mode types.PairMode, nLeft, nRight int) int64 {
	switch mode {
	case types.ModeAll:
		n := int64(nLeft)
		return n * (n + 1) / 2
	case types.ModeCross:
		return int64(nLeft) * int64(nRight)
	}
	return 0
}
