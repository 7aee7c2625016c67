package schedule

import (
	"testing"

	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

func batches(side, n int) []*types.Batch {
	out := make([]*types.Batch, n)
	for i := range out {
		out[i] = &types.Batch{Side: side, Index: i, Start: i * 10, Keys: make([]types.Key, 10)}
	}
	return out
}

func TestAll_CombinationsWithReplacement(t *testing.T) {
	bs := batches(types.SideLeft, 4)

	type pair struct{ a, b int }
	var got []pair
	var lastSeq int64
	for item := range All(bs) {
		if item.Seq != lastSeq+1 {
			t.Errorf("seq %d follows %d", item.Seq, lastSeq)
		}
		lastSeq = item.Seq
		got = append(got, pair{item.A.Index, item.B.Index})
		if item.Diagonal() != (item.A.Index == item.B.Index) {
			t.Errorf("item (%d,%d) diagonal = %v", item.A.Index, item.B.Index, item.Diagonal())
		}
	}

	want := []pair{{0, 0}, {0, 1}, {0, 2}, {0, 3}, {1, 1}, {1, 2}, {1, 3}, {2, 2}, {2, 3}, {3, 3}}
	if len(got) != len(want) {
		t.Fatalf("got %d items, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("item %d = %v, want %v", i, got[i], want[i])
		}
	}
	if Total(types.ModeAll, 4, 0) != int64(len(want)) {
		t.Errorf("Total(all) = %d", Total(types.ModeAll, 4, 0))
	}
}

func TestCross_CartesianNeverDiagonal(t *testing.T) {
	left, right := batches(types.SideLeft, 3), batches(types.SideRight, 2)

	count := 0
	for item := range Cross(left, right) {
		count++
		if item.Diagonal() {
			t.Errorf("cross item (%d,%d) reported diagonal", item.A.Index, item.B.Index)
		}
	}
	if count != 6 || Total(types.ModeCross, 3, 2) != 6 {
		t.Errorf("expected 6 items, got %d", count)
	}
}

func TestPairs_RejectsList(t *testing.T) {
	if _, err := Pairs(types.ModeList, nil, nil); err == nil {
		t.Error("expected error for list mode")
	}
}

func TestSlices(t *testing.T) {
	tests := []struct {
		n, world int
		want     []Slice
	}{
		{10, 3, []Slice{{0, 4}, {4, 7}, {7, 10}}},
		{4, 4, []Slice{{0, 1}, {1, 2}, {2, 3}, {3, 4}}},
		{2, 3, []Slice{{0, 1}, {1, 2}, {2, 2}}},
		{0, 2, []Slice{{0, 0}, {0, 0}}},
	}

	for _, tt := range tests {
		got := Slices(tt.n, tt.world)
		if len(got) != len(tt.want) {
			t.Fatalf("Slices(%d, %d) returned %d slices", tt.n, tt.world, len(got))
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("Slices(%d, %d)[%d] = %v, want %v", tt.n, tt.world, i, got[i], tt.want[i])
			}
		}
	}
}

func TestTiles_CoverUpperTriangleOnce(t *testing.T) {
	for _, tc := range []struct{ n, world int }{{7, 3}, {10, 4}, {2, 5}, {1, 1}} {
		bs := batches(types.SideLeft, tc.n)
		slices := Slices(tc.n, tc.world)

		seen := make(map[[2]int]int)
		for rank := 0; rank < tc.world; rank++ {
			tiles := Tiles(rank, slices)
			if len(tiles) != tc.world {
				t.Fatalf("rank %d: got %d tiles", rank, len(tiles))
			}
			for i, tile := range tiles {
				if tile.Step != i+1 {
					t.Errorf("rank %d tile %d step = %d", rank, i, tile.Step)
				}
				var count int64
				for item := range tile.Items(bs) {
					count++
					seen[[2]int{item.A.Index, item.B.Index}]++
					if item.Diagonal() && !tile.Own() {
						t.Errorf("diagonal item in foreign tile")
					}
				}
				if count != tile.Count() {
					t.Errorf("tile count = %d, yielded %d", tile.Count(), count)
				}
			}
		}

		// Every batch pair with i <= j is produced exactly once, like ALL mode.
		for i := 0; i < tc.n; i++ {
			for j := 0; j < tc.n; j++ {
				want := 0
				if i <= j {
					want = 1
				}
				if got := seen[[2]int{i, j}]; got != want {
					t.Errorf("n=%d world=%d: pair (%d,%d) seen %d times, want %d", tc.n, tc.world, i, j, got, want)
				}
			}
		}
	}
}

func TestOwner(t *testing.T) {
	for r := 0; r < 6; r++ {
		for s := 0; s < 6; s++ {
			o := Owner(r, s)
			if o != r && o != s {
				t.Errorf("Owner(%d, %d) = %d", r, s, o)
			}
			if o != Owner(s, r) {
				t.Errorf("Owner not symmetric for (%d, %d)", r, s)
			}
		}
	}
	// Off-diagonal work is spread: with 4 ranks nobody owns more than 2 of
	// the 6 foreign pairs.
	owned := make([]int, 4)
	for r := 0; r < 4; r++ {
		for s := r + 1; s < 4; s++ {
			owned[Owner(r, s)]++
		}
	}
	for r, n := range owned {
		if n > 2 {
			t.Errorf("rank %d owns %d pairs", r, n)
		}
	}
}
