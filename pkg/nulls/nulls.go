// Package nulls emits zero-score placeholder records for every pair that
// involves a key without a usable vector, so the output covers the whole key
// universe.
package nulls

import (
	"context"
	"fmt"
	"iter"

	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

// DefaultChunk is the number of records handed to the writer at once.
const DefaultChunk = 4096

// RecordWriter receives placeholder records.
type RecordWriter interface {
	WriteRecords(ctx context.Context, records []types.Record) error
}

// Pairs enumerates the null-involving pairs of a run.
//
// In ModeAll every null key is paired with every valid key and with every
// other null key once, smaller key first. In ModeCross every left null is
// paired with every right key, and every valid left key with every right
// null, left key first.
func Pairs(mode types.PairMode, left, right *types.Universe) (iter.Seq[types.Record], error) {
	switch mode {
	case types.ModeAll:
		return allPairs(left), nil
	case types.ModeCross:
		if right == nil {
			return nil, fmt.Errorf("nulls: cross mode needs a right universe")
		}
		return crossPairs(left, right), nil
	}
	return nil, fmt.Errorf("nulls: unsupported pair mode %q", mode)
}

// Count returns the number of records Pairs yields.
func Count(mode types.PairMode, left, right *types.Universe) int64 {
	switch mode {
	case types.ModeAll:
		n, v := int64(len(left.Nulls)), int64(len(left.Valid))
		return n*v + n*(n-1)/2
	case types.ModeCross:
		if right == nil {
			return 0
		}
		ln, lv := int64(len(left.Nulls)), int64(len(left.Valid))
		rn, rv := int64(len(right.Nulls)), int64(len(right.Valid))
		return ln*(rn+rv) + lv*rn
	}
	return 0
}

func placeholder(a, b types.Key) types.Record {
	return types.Record{Left: a, Right: b, Placeholder: true}
}

func allPairs(u *types.Universe) iter.Seq[types.Record] {
	return func(yield func(types.Record) bool) {
		for i, n := range u.Nulls {
			for _, v := range u.Valid {
				lo, hi := types.MinMax(n, v)
				if !yield(placeholder(lo, hi)) {
					return
				}
			}
			for _, m := range u.Nulls[i+1:] {
				lo, hi := types.MinMax(n, m)
				if !yield(placeholder(lo, hi)) {
					return
				}
			}
		}
	}
}

func crossPairs(left, right *types.Universe) iter.Seq[types.Record] {
	return func(yield func(types.Record) bool) {
		for _, l := range left.Nulls {
			for _, r := range right.All {
				if !yield(placeholder(l, r)) {
					return
				}
			}
		}
		for _, l := range left.Valid {
			for _, r := range right.Nulls {
				if !yield(placeholder(l, r)) {
					return
				}
			}
		}
	}
}

// Reconcile streams the placeholders of a run into w in chunks of at most
// chunk records and returns how many were written.
func Reconcile(ctx context.Context, mode types.PairMode, left, right *types.Universe, w RecordWriter, chunk int) (int64, error) {
	pairs, err := Pairs(mode, left, right)
	if err != nil {
		return 0, err
	}
	if chunk <= 0 {
		chunk = DefaultChunk
	}

	var written int64
	buf := make([]types.Record, 0, chunk)
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if err := w.WriteRecords(ctx, buf); err != nil {
			return err
		}
		written += int64(len(buf))
		buf = buf[:0]
		return ctx.Err()
	}

	for rec := range pairs {
		buf = append(buf, rec)
		if len(buf) == chunk {
			if err := flush(); err != nil {
				return written, err
			}
		}
	}
	if err := flush(); err != nil {
		return written, err
	}
	return written, nil
}
