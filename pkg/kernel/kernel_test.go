package kernel

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Siddhant-K-code/pairwise/pkg/partition"
	"github.com/Siddhant-K-code/pairwise/pkg/schedule"
	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

func scenario() *types.Universe {
	return types.NewUniverse(
		[]types.Key{"1", "2", "3"},
		map[types.Key][]float32{"1": {1, 0}, "2": {0, 1}, "3": {1, 1}},
		2,
	)
}

func TestCosine_ScenarioAllPairs(t *testing.T) {
	u := scenario()
	batches := partition.Collect(u, types.SideLeft, 2)

	got := make(map[[2]types.Key]float32)
	for item := range schedule.All(batches) {
		m, err := Cosine(item.A, item.B, item.Diagonal())
		require.NoError(t, err)
		m.Each(func(i, j int, s float32) {
			pair := [2]types.Key{item.A.Keys[i], item.B.Keys[j]}
			_, dup := got[pair]
			assert.False(t, dup, "pair %v emitted twice", pair)
			got[pair] = s
		})
	}

	assert.Len(t, got, 3)
	assert.InDelta(t, 0.0, got[[2]types.Key{"1", "2"}], 1e-6)
	assert.InDelta(t, 0.7071, got[[2]types.Key{"1", "3"}], 1e-4)
	assert.InDelta(t, 0.7071, got[[2]types.Key{"2", "3"}], 1e-4)
	for pair := range got {
		assert.NotEqual(t, pair[0], pair[1], "self pair emitted")
		assert.True(t, pair[0].Less(pair[1]), "pair %v emitted in descending order", pair)
	}
}

func TestCosine_DiagonalMask(t *testing.T) {
	u := scenario()
	b := partition.Collect(u, types.SideLeft, 3)[0]

	m, err := Cosine(b, b, true)
	require.NoError(t, err)
	assert.Equal(t, 3, m.Cells())

	for i := 0; i < m.Rows; i++ {
		for j := 0; j <= i; j++ {
			assert.False(t, m.Valid(i, j))
			assert.Zero(t, m.At(i, j))
		}
	}
}

func TestCosine_ZeroNormIsZero(t *testing.T) {
	u := types.NewUniverse(
		[]types.Key{"a", "b"},
		map[types.Key][]float32{"a": {0, 0}, "b": {1, 2}},
		2,
	)
	b := partition.Collect(u, types.SideLeft, 2)[0]

	m, err := Cosine(b, b, false)
	require.NoError(t, err)
	for _, v := range m.Data {
		assert.False(t, math.IsNaN(float64(v)))
	}
	assert.Zero(t, m.At(0, 1))
	assert.Zero(t, m.At(0, 0))
}

func TestCosine_EmptyBlock(t *testing.T) {
	empty := &types.Batch{Dim: 2}
	b := &types.Batch{Keys: []types.Key{"1"}, Data: []float32{1, 0}, Dim: 2}

	m, err := Cosine(empty, b, false)
	require.NoError(t, err)
	assert.Zero(t, m.Cells())
}

func TestAbsDifference_Layout(t *testing.T) {
	a := &types.Batch{Keys: []types.Key{"1", "2"}, Data: []float32{1, 5, 3, -1}, Dim: 2}
	b := &types.Batch{Side: 0, Start: 2, Keys: []types.Key{"3", "4", "5"}, Data: []float32{0, 0, 2, 2, -1, 4}, Dim: 2}

	tt, err := AbsDifference(a, b, false)
	require.NoError(t, err)
	require.Equal(t, 2*2*3, len(tt.Data))

	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			for d := 0; d < 2; d++ {
				want := float32(math.Abs(float64(a.Row(i)[d] - b.Row(j)[d])))
				assert.Equal(t, want, tt.At(i, d, j), "(%d,%d,%d)", i, d, j)
			}
		}
	}
}

func TestAbsDifference_Symmetric(t *testing.T) {
	u := types.NewUniverse(
		[]types.Key{"1", "2", "3", "4"},
		map[types.Key][]float32{"1": {1, 2, 3}, "2": {-1, 0, 4}, "3": {2, 2, 2}, "4": {0, 9, 1}},
		3,
	)
	b := partition.Collect(u, types.SideLeft, 4)[0]

	full, err := AbsDifference(b, b, false)
	require.NoError(t, err)
	masked, err := AbsDifference(b, b, true)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			for d := 0; d < 3; d++ {
				assert.Equal(t, full.At(i, d, j), full.At(j, d, i))
				if j > i {
					assert.Equal(t, full.At(i, d, j), masked.At(i, d, j))
				} else {
					assert.Zero(t, masked.At(i, d, j))
				}
			}
		}
	}
}
