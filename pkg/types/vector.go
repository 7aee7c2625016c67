package types

import (
	"cmp"
	"slices"
	"strconv"
)

// Key identifies one input item. Keys that parse as base-10 integers order
// numerically and sort before all other keys; the rest order lexically.
type Key string

// Compare orders two keys. Returns -1, 0 or +1.
func Compare(a, b Key) int {
	if a == b {
		return 0
	}
	an, aerr := strconv.ParseInt(string(a), 10, 64)
	bn, berr := strconv.ParseInt(string(b), 10, 64)
	switch {
	case aerr == nil && berr == nil:
		if an != bn {
			return cmp.Compare(an, bn)
		}
		// "01" and "1" parse the same; fall back to text so the order stays total.
		return cmp.Compare(a, b)
	case aerr == nil:
		return -1
	case berr == nil:
		return 1
	}
	return cmp.Compare(a, b)
}

// Less reports whether k orders before o.
func (k Key) Less(o Key) bool {
	return Compare(k, o) < 0
}

// SortKeys sorts keys in place using Compare.
func SortKeys(keys []Key) {
	slices.SortFunc(keys, Compare)
}

// MinMax returns the two keys in ascending order.
func MinMax(a, b Key) (Key, Key) {
	if Compare(a, b) <= 0 {
		return a, b
	}
	return b, a
}

// Valid reports whether the vector is usable in a space of dimensionality dim.
// Absent vectors and vectors of the wrong length are null.
func Valid(values []float32, dim int) bool {
	return values != nil && len(values) == dim
}

// Universe is the fully loaded input of one side of a run: every key, split
// into keys with a valid vector and null keys, and the valid vectors packed
// row-major in key order.
type Universe struct {
	// All holds every key, sorted.
	All []Key

	// Valid holds keys with a usable vector, sorted.
	Valid []Key

	// Nulls holds keys whose vector was absent or malformed, sorted.
	Nulls []Key

	// Offsets[i] is the position of Valid[i] within All.
	Offsets []int

	// Data holds len(Valid)*Dim values.
	Data []float32

	Dim int
}

// Row returns the vector of Valid[i].
func (u *Universe) Row(i int) []float32 {
	return u.Data[i*u.Dim : (i+1)*u.Dim]
}

// NewUniverse sorts keys, splits valid from null vectors and packs the valid
// ones. vectors may omit keys; missing keys are null.
func NewUniverse(keys []Key, vectors map[Key][]float32, dim int) *Universe {
	all := slices.Clone(keys)
	SortKeys(all)
	all = slices.Compact(all)

	u := &Universe{All: all, Dim: dim}
	for pos, k := range all {
		v := vectors[k]
		if !Valid(v, dim) {
			u.Nulls = append(u.Nulls, k)
			continue
		}
		u.Valid = append(u.Valid, k)
		u.Offsets = append(u.Offsets, pos)
		u.Data = append(u.Data, v...)
	}
	return u
}
