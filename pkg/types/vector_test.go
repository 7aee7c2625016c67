package types

import (
	"slices"
	"testing"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b Key
		want int
	}{
		{"1", "2", -1},
		{"2", "10", -1},
		{"10", "2", 1},
		{"7", "7", 0},
		{"-3", "1", -1},
		{"9", "a", -1},
		{"a", "9", 1},
		{"apple", "banana", -1},
		{"01", "1", -1},
	}

	for _, tt := range tests {
		if got := Compare(tt.a, tt.b); got != tt.want {
			t.Errorf("Compare(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSortKeys(t *testing.T) {
	keys := []Key{"b", "10", "2", "a", "1"}
	SortKeys(keys)

	want := []Key{"1", "2", "10", "a", "b"}
	if !slices.Equal(keys, want) {
		t.Errorf("SortKeys = %v, want %v", keys, want)
	}
}

func TestMinMax(t *testing.T) {
	lo, hi := MinMax("4", "2")
	if lo != "2" || hi != "4" {
		t.Errorf("MinMax(4, 2) = (%s, %s)", lo, hi)
	}
}

func TestNewUniverse(t *testing.T) {
	vectors := map[Key][]float32{
		"1": {1, 0},
		"2": {0, 1},
		"3": {1, 1, 1}, // wrong length
		"5": {1, 1},
	}
	u := NewUniverse([]Key{"5", "3", "1", "2", "4", "1"}, vectors, 2)

	if !slices.Equal(u.All, []Key{"1", "2", "3", "4", "5"}) {
		t.Errorf("All = %v", u.All)
	}
	if !slices.Equal(u.Valid, []Key{"1", "2", "5"}) {
		t.Errorf("Valid = %v", u.Valid)
	}
	if !slices.Equal(u.Nulls, []Key{"3", "4"}) {
		t.Errorf("Nulls = %v", u.Nulls)
	}
	if !slices.Equal(u.Offsets, []int{0, 1, 4}) {
		t.Errorf("Offsets = %v", u.Offsets)
	}
	if !slices.Equal(u.Row(2), []float32{1, 1}) {
		t.Errorf("Row(2) = %v", u.Row(2))
	}
}

func TestWorkItemDiagonal(t *testing.T) {
	a := &Batch{Side: SideLeft, Start: 0, Keys: []Key{"1", "2"}}
	b := &Batch{Side: SideLeft, Start: 2, Keys: []Key{"3"}}
	r := &Batch{Side: SideRight, Start: 0, Keys: []Key{"1", "2"}}

	if !(WorkItem{A: a, B: a}).Diagonal() {
		t.Error("batch paired with itself should be diagonal")
	}
	if (WorkItem{A: a, B: b}).Diagonal() {
		t.Error("different batches should not be diagonal")
	}
	if (WorkItem{A: a, B: r}).Diagonal() {
		t.Error("batches from different sides should not be diagonal")
	}
}
