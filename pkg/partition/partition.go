// Package partition cuts a sorted key universe into fixed-size batches.
package partition

import (
	"iter"

	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

// Count returns the number of batches produced for n keys at the given size.
func Count(n, size int) int {
	if n <= 0 || size <= 0 {
		return 0
	}
	return (n + size - 1) / size
}

// Batches lazily yields contiguous batches of at most size valid keys, in
// key order. Every valid key appears in exactly one batch; the last batch may
// be short. Null keys never reach a batch. Batches share u's backing arrays.
func Batches(u *types.Universe, side, size int) iter.Seq[*types.Batch] {
	return func(yield func(*types.Batch) bool) {
		if size <= 0 {
			return
		}
		n := len(u.Valid)
		for idx, lo := 0, 0; lo < n; idx, lo = idx+1, lo+size {
			hi := min(lo+size, n)
			b := &types.Batch{
				Side:    side,
				Index:   idx,
				Start:   lo,
				Keys:    u.Valid[lo:hi:hi],
				Offsets: u.Offsets[lo:hi:hi],
				Data:    u.Data[lo*u.Dim : hi*u.Dim : hi*u.Dim],
				Dim:     u.Dim,
			}
			if !yield(b) {
				return
			}
		}
	}
}

// Collect materializes the batch sequence. Batches are views, so this only
// allocates headers.
func Collect(u *types.Universe, side, size int) []*types.Batch {
	out := make([]*types.Batch, 0, Count(len(u.Valid), size))
	for b := range Batches(u, side, size) {
		out = append(out, b)
	}
	return out
}
