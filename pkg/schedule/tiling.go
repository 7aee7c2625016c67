package schedule

import (
	"iter"

	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

// Slice is a half-open range [Lo, Hi) of batch indices owned by one rank.
type Slice struct {
	Lo, Hi int
}

// Len returns the number of batches in the slice.
func (s Slice) Len() int {
	return s.Hi - s.Lo
}

// Slices splits n batches into world contiguous slices. The first n%world
// slices get one extra batch. Slices are empty when world exceeds n. Batch
// offsets index the full key list, so with null keys present a slice boundary
// can fall inside a dense-dataset chunk and two ranks may patch the same
// chunk; chunk locking keeps those writes consistent.
func Slices(n, world int) []Slice {
	if world <= 0 {
		return nil
	}
	out := make([]Slice, world)
	base, extra := n/world, n%world
	lo := 0
	for r := range out {
		size := base
		if r < extra {
			size++
		}
		out[r] = Slice{Lo: lo, Hi: lo + size}
		lo += size
	}
	return out
}

// Tile is one unit of distributed work: a row slice against a column slice
// of the upper triangle. Step numbers the collective flush that follows it.
// An idle tile yields nothing but its rank still takes part in the flush.
type Tile struct {
	Step int
	Rows Slice
	Cols Slice
	Idle bool
}

// Own reports whether the tile pairs a slice with itself.
func (t Tile) Own() bool {
	return t.Rows == t.Cols
}

// Owner returns the rank that computes the unordered slice pair {r, s}.
// Ownership alternates with the parity of r+s so every rank gets a similar
// share of the off-diagonal work.
func Owner(r, s int) int {
	lo, hi := min(r, s), max(r, s)
	if (lo+hi)%2 == 0 {
		return lo
	}
	return hi
}

// Tiles returns rank's tiles, one per slice in slice order: step s pairs the
// rank's slice with slice s. Rows always come from the lower-numbered slice
// so only the upper triangle is produced; the pair is computed by Owner and
// idle on the other rank. Every rank gets len(slices) tiles, even when its
// slice is empty, so that all ranks take part in the same number of flushes.
func Tiles(rank int, slices []Slice) []Tile {
	if rank < 0 || rank >= len(slices) {
		return nil
	}
	tiles := make([]Tile, len(slices))
	for s := range slices {
		lo, hi := min(rank, s), max(rank, s)
		tiles[s] = Tile{
			Step: s + 1,
			Rows: slices[lo],
			Cols: slices[hi],
			Idle: Owner(rank, s) != rank,
		}
	}
	return tiles
}

// Items yields the batch pairs of the tile. The own-slice tile enumerates
// combinations-with-replacement so its diagonal batches are masked like ALL;
// other tiles enumerate the full rectangle.
func (t Tile) Items(batches []*types.Batch) iter.Seq[types.WorkItem] {
	return func(yield func(types.WorkItem) bool) {
		if t.Idle {
			return
		}
		var seq int64
		for i := t.Rows.Lo; i < t.Rows.Hi; i++ {
			lo := t.Cols.Lo
			if t.Own() {
				lo = i
			}
			for j := lo; j < t.Cols.Hi; j++ {
				seq++
				if !yield(types.WorkItem{A: batches[i], B: batches[j], Seq: seq}) {
					return
				}
			}
		}
	}
}

// Count returns the number of items the tile yields.
func (t Tile) Count() int64 {
	if t.Idle {
		return 0
	}
	r, c := int64(t.Rows.Len()), int64(t.Cols.Len())
	if t.Own() {
		return r * (r + 1) / 2
	}
	return r * c
}
