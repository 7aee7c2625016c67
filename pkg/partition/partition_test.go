package partition

import (
	"fmt"
	"slices"
	"testing"

	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

func universe(n, dim int) *types.Universe {
	keys := make([]types.Key, n)
	vectors := make(map[types.Key][]float32, n)
	for i := range keys {
		keys[i] = types.Key(fmt.Sprint(i + 1))
		v := make([]float32, dim)
		for d := range v {
			v[d] = float32(i*dim + d)
		}
		vectors[keys[i]] = v
	}
	return types.NewUniverse(keys, vectors, dim)
}

func TestBatches_CoverEveryKeyOnce(t *testing.T) {
	for _, n := range []int{0, 1, 2, 7, 10, 101} {
		for _, size := range []int{1, 3, 10, 100} {
			u := universe(n, 2)
			batches := Collect(u, types.SideLeft, size)

			if len(batches) != Count(n, size) {
				t.Fatalf("n=%d size=%d: got %d batches, want %d", n, size, len(batches), Count(n, size))
			}

			var joined []types.Key
			for i, b := range batches {
				if b.Len() > size {
					t.Errorf("batch %d has %d keys, size %d", i, b.Len(), size)
				}
				if !slices.IsSortedFunc(b.Keys, types.Compare) {
					t.Errorf("batch %d keys not sorted: %v", i, b.Keys)
				}
				if b.Index != i || b.Start != len(joined) {
					t.Errorf("batch %d: index=%d start=%d", i, b.Index, b.Start)
				}
				joined = append(joined, b.Keys...)
			}
			if !slices.Equal(joined, u.Valid) {
				t.Errorf("n=%d size=%d: concatenated keys differ from input", n, size)
			}
		}
	}
}

func TestBatches_RowsMatchKeys(t *testing.T) {
	u := universe(5, 3)
	for b := range Batches(u, types.SideLeft, 2) {
		for i, k := range b.Keys {
			pos := slices.Index(u.Valid, k)
			if !slices.Equal(b.Row(i), u.Row(pos)) {
				t.Errorf("key %s: row mismatch", k)
			}
		}
	}
}

func TestBatches_SkipNulls(t *testing.T) {
	vectors := map[types.Key][]float32{"1": {1, 0}, "2": {0, 1}, "3": {1, 1}}
	u := types.NewUniverse([]types.Key{"1", "2", "3", "4"}, vectors, 2)

	batches := Collect(u, types.SideLeft, 2)
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	if !slices.Equal(batches[1].Keys, []types.Key{"3"}) {
		t.Errorf("second batch = %v", batches[1].Keys)
	}
	if batches[1].Offsets[0] != 2 {
		t.Errorf("offset of key 3 = %d, want 2", batches[1].Offsets[0])
	}
}

func TestBatches_StopEarly(t *testing.T) {
	u := universe(10, 1)
	seen := 0
	for range Batches(u, types.SideLeft, 2) {
		seen++
		if seen == 2 {
			break
		}
	}
	if seen != 2 {
		t.Errorf("expected to stop after 2 batches, saw %d", seen)
	}
}
