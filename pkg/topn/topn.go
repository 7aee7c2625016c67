// Package topn keeps the N best-scoring right keys per left key.
//
// Selection is a partial quickselect rather than a full sort, and is
// deterministic: higher scores win, equal scores go to the smaller right key.
package topn

import (
	"slices"

	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

// Entry is one candidate right key and its score.
type Entry struct {
	Key   types.Key
	Score float32
}

// better reports whether a ranks before b.
func better(a, b Entry) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return types.Compare(a.Key, b.Key) < 0
}

func rank(a, b Entry) int {
	switch {
	case better(a, b):
		return -1
	case better(b, a):
		return 1
	}
	return 0
}

// Select reorders entries so that the n best come first and returns them in
// rank order. The input slice is modified. When len(entries) <= n all
// entries are returned, ranked.
func Select(entries []Entry, n int) []Entry {
	if n <= 0 {
		return nil
	}
	if len(entries) > n {
		quickselect(entries, n)
		entries = entries[:n]
	}
	slices.SortFunc(entries, rank)
	return entries
}

// quickselect partitions s so that s[:k] holds the k best entries.
func quickselect(s []Entry, k int) {
	lo, hi := 0, len(s)-1
	for lo < hi {
		p := partition(s, lo, hi)
		switch {
		case p == k-1:
			return
		case p < k-1:
			lo = p + 1
		default:
			hi = p - 1
		}
	}
}

// partition is a Lomuto partition around the median-of-three pivot,
// placing better entries to the left. Returns the pivot's final index.
func partition(s []Entry, lo, hi int) int {
	mid := lo + (hi-lo)/2
	if better(s[mid], s[lo]) {
		s[mid], s[lo] = s[lo], s[mid]
	}
	if better(s[hi], s[lo]) {
		s[hi], s[lo] = s[lo], s[hi]
	}
	if better(s[hi], s[mid]) {
		s[hi], s[mid] = s[mid], s[hi]
	}
	// Median now at mid; move it to hi.
	s[mid], s[hi] = s[hi], s[mid]
	pivot := s[hi]

	i := lo
	for j := lo; j < hi; j++ {
		if better(s[j], pivot) {
			s[i], s[j] = s[j], s[i]
			i++
		}
	}
	s[i], s[hi] = s[hi], s[i]
	return i
}

// Merge folds incoming candidates into current and truncates to the n best.
// A right key already present is overwritten by the incoming score, so
// delivering the same candidates twice leaves the result unchanged.
func Merge(current map[types.Key]float32, incoming []Entry, n int) map[types.Key]float32 {
	merged := make(map[types.Key]float32, len(current)+len(incoming))
	for k, v := range current {
		merged[k] = v
	}
	for _, e := range incoming {
		merged[e.Key] = e.Score
	}
	if len(merged) <= n {
		return merged
	}

	entries := make([]Entry, 0, len(merged))
	for k, v := range merged {
		entries = append(entries, Entry{Key: k, Score: v})
	}
	kept := Select(entries, n)

	out := make(map[types.Key]float32, len(kept))
	for _, e := range kept {
		out[e.Key] = e.Score
	}
	return out
}

// Ranked returns the mapping as entries in rank order.
func Ranked(m map[types.Key]float32) []Entry {
	entries := make([]Entry, 0, len(m))
	for k, v := range m {
		entries = append(entries, Entry{Key: k, Score: v})
	}
	slices.SortFunc(entries, rank)
	return entries
}

// Group buckets records by left key. With mirror set, each record is also
// offered to its right key's bucket.
func Group(records []types.Record, mirror bool) map[types.Key][]Entry {
	groups := make(map[types.Key][]Entry)
	for _, r := range records {
		groups[r.Left] = append(groups[r.Left], Entry{Key: r.Right, Score: r.Score})
		if mirror {
			groups[r.Right] = append(groups[r.Right], Entry{Key: r.Left, Score: r.Score})
		}
	}
	return groups
}
