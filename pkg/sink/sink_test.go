package sink

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Siddhant-K-code/pairwise/pkg/dataset"
	"github.com/Siddhant-K-code/pairwise/pkg/kernel"
	"github.com/Siddhant-K-code/pairwise/pkg/kv"
	"github.com/Siddhant-K-code/pairwise/pkg/partition"
	"github.com/Siddhant-K-code/pairwise/pkg/schedule"
	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

func universe() *types.Universe {
	return types.NewUniverse(
		[]types.Key{"1", "2", "3", "4"},
		map[types.Key][]float32{"1": {1, 0}, "2": {0, 1}, "3": {1, 1}},
		2,
	)
}

// compute runs every ALL-mode item round-robin over the sink's writers.
func compute(t *testing.T, s Sink, u *types.Universe, batch, workers int, metric types.Metric) {
	t.Helper()
	ctx := context.Background()

	writers := make([]Writer, workers)
	for i := range writers {
		w, err := s.Open(i)
		require.NoError(t, err)
		writers[i] = w
	}

	n := 0
	for item := range schedule.All(partition.Collect(u, types.SideLeft, batch)) {
		w := writers[n%workers]
		n++
		if metric == types.MetricAbsDifference {
			tensor, err := kernel.AbsDifference(item.A, item.B, item.Diagonal())
			require.NoError(t, err)
			require.NoError(t, w.(TensorWriter).WriteTensor(ctx, item, tensor))
			continue
		}
		m, err := kernel.Cosine(item.A, item.B, item.Diagonal())
		require.NoError(t, err)
		require.NoError(t, w.WriteScores(ctx, item, m))
	}
	for _, w := range writers {
		require.NoError(t, w.Close())
	}
}

func TestSharded_MergesShards(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "pairs.csv")
	s, err := NewSharded(out, "run1", nil)
	require.NoError(t, err)

	u := universe()
	compute(t, s, u, 1, 2, types.MetricCosine)

	w, err := s.Open(2)
	require.NoError(t, err)
	require.NoError(t, w.WriteRecords(context.Background(), []types.Record{
		{Left: "1", Right: "4", Placeholder: true},
	}))
	require.NoError(t, w.Close())

	require.NoError(t, s.Finalize(context.Background()))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	slices.Sort(lines)
	assert.Equal(t, []string{
		"1,2,0.0000",
		"1,3,0.7071",
		"1,4,0.0",
		"2,3,0.7071",
	}, lines)

	_, err = os.Stat(s.Dir())
	assert.True(t, os.IsNotExist(err), "shard directory should be removed")
}

func TestSharded_RequiresOutput(t *testing.T) {
	_, err := NewSharded("", "run", nil)
	assert.Error(t, err)
}

func TestShardedIn_UsesTempDir(t *testing.T) {
	tmp := t.TempDir()
	out := filepath.Join(t.TempDir(), "pairs.csv")
	s, err := NewShardedIn(out, tmp, "run2", nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tmp, "pairs.csv.shards-run2"), s.Dir())

	compute(t, s, universe(), 2, 1, types.MetricCosine)
	require.NoError(t, s.Finalize(context.Background()))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 3)
}

func TestFormatScore(t *testing.T) {
	assert.Equal(t, "0.7071", string(FormatScore(nil, 0.70710678, ScoreDecimals)))
	assert.Equal(t, "-1.000", string(FormatScore(nil, -1, ConvertedDecimals)))
}

func TestTopN_KeepsBest(t *testing.T) {
	store, err := kv.NewBadger(kv.BadgerOptions{InMemory: true})
	require.NoError(t, err)

	s, err := NewTopN(store, 1, true)
	require.NoError(t, err)
	defer s.Close()

	u := universe()
	compute(t, s, u, 1, 3, types.MetricCosine)

	ctx := context.Background()
	got, err := store.Get(ctx, "1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 0.7071, got["3"], 1e-4)

	// Key 3 sees 1 and 2 at the same score through mirroring; 1 wins the tie.
	got, err = store.Get(ctx, "3")
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Contains(t, got, types.Key("1"))

	assert.Positive(t, s.Updates())
}

func TestTopN_Validation(t *testing.T) {
	store, err := kv.NewBadger(kv.BadgerOptions{InMemory: true})
	require.NoError(t, err)
	defer store.Close()

	_, err = NewTopN(store, 0, false)
	assert.Error(t, err)
	_, err = NewTopN(nil, 5, false)
	assert.Error(t, err)
}

func TestDense_Matrix(t *testing.T) {
	dir := t.TempDir()
	u := universe()
	cfg := DenseConfig{Path: dir, Label: "lsa", Metric: types.MetricCosine, Chunk: 2, Codec: dataset.CodecZstd}

	d, err := CreateDense(cfg, u)
	require.NoError(t, err)
	compute(t, d, u, 2, 2, types.MetricCosine)
	require.NoError(t, d.Finalize(context.Background()))
	require.NoError(t, d.Close())

	f, err := dataset.Open(dir, dataset.Options{ReadOnly: true})
	require.NoError(t, err)
	ids, err := f.ReadKeys(dataset.RegionIDs)
	require.NoError(t, err)
	assert.Equal(t, []types.Key{"1", "2", "3", "4"}, ids)

	arr, err := f.Array(dataset.SimPrefix + "lsa")
	require.NoError(t, err)
	got, err := arr.ReadBlock(dataset.Span(0, 4), dataset.Span(0, 4))
	require.NoError(t, err)

	want := []float32{
		0, 0, 0.70710677, 0,
		0, 0, 0.70710677, 0,
		0, 0, 0, 0,
		0, 0, 0, 0,
	}
	assert.InDeltaSlice(t, want, got, 1e-6)
}

func TestDense_RerunClearsStaleCells(t *testing.T) {
	dir := t.TempDir()
	cfg := DenseConfig{Path: dir, Label: "lsa", Metric: types.MetricCosine, Chunk: 2, Codec: dataset.CodecZstd}
	keys := []types.Key{"1", "2", "3"}

	first := types.NewUniverse(keys, map[types.Key][]float32{"1": {1, 0}, "2": {1, 1}, "3": {0, 1}}, 2)
	d, err := CreateDense(cfg, first)
	require.NoError(t, err)
	compute(t, d, first, 2, 1, types.MetricCosine)
	require.NoError(t, d.Close())

	// Key 2 has lost its vector; its cells must read as 0 again.
	second := types.NewUniverse(keys, map[types.Key][]float32{"1": {1, 0}, "3": {0, 1}}, 2)
	d, err = CreateDense(cfg, second)
	require.NoError(t, err)
	compute(t, d, second, 2, 1, types.MetricCosine)
	require.NoError(t, d.Close())

	f, err := dataset.Open(dir, dataset.Options{ReadOnly: true})
	require.NoError(t, err)
	arr, err := f.Array(dataset.SimPrefix + "lsa")
	require.NoError(t, err)
	got, err := arr.ReadRows(0, 3)
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 9), got)

	nulls, err := f.ReadKeys(dataset.RegionNulls)
	require.NoError(t, err)
	assert.Equal(t, []types.Key{"2"}, nulls)
}

func TestDense_Tensor(t *testing.T) {
	dir := t.TempDir()
	u := universe()
	cfg := DenseConfig{Path: dir, Label: "lsa", Metric: types.MetricAbsDifference, Chunk: 3, Codec: dataset.CodecLZ4}

	d, err := CreateDense(cfg, u)
	require.NoError(t, err)
	compute(t, d, u, 2, 1, types.MetricAbsDifference)
	require.NoError(t, d.Close())

	other, err := OpenDense(cfg)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 2, 4}, other.Array().Shape())

	// Row of key 1 against column of key 3: |(1,0) - (1,1)| = (0,1).
	got, err := other.Array().ReadBlock([]int{0}, []int{2})
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, got)

	// Lower triangle stays empty.
	got, err = other.Array().ReadBlock([]int{2}, []int{0})
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0}, got)
}

func TestDense_RejectsWrongShape(t *testing.T) {
	dir := t.TempDir()
	u := universe()
	d, err := CreateDense(DenseConfig{Path: dir, Label: "x", Metric: types.MetricAbsDifference, Chunk: 2}, u)
	require.NoError(t, err)
	defer d.Close()

	w, err := d.Open(0)
	require.NoError(t, err)
	batches := partition.Collect(u, types.SideLeft, 2)
	item := types.WorkItem{A: batches[0], B: batches[0]}
	m, err := kernel.Cosine(item.A, item.B, true)
	require.NoError(t, err)
	assert.ErrorIs(t, w.WriteScores(context.Background(), item, m), ErrUnsupported)
}

func TestConvertDense(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out.ds")
	u := universe()
	cfg := DenseConfig{Path: dir, Label: "lsa", Metric: types.MetricCosine, Chunk: 3, Codec: dataset.CodecZstd}

	d, err := CreateDense(cfg, u)
	require.NoError(t, err)
	compute(t, d, u, 2, 2, types.MetricCosine)
	require.NoError(t, d.Finalize(context.Background()))
	require.NoError(t, d.Close())

	out := filepath.Join(t.TempDir(), "pairs.csv")
	n, err := ConvertDense(context.Background(), dir, "lsa", out)
	require.NoError(t, err)
	assert.EqualValues(t, 6, n)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, strings.Join([]string{
		"1,2,0.000",
		"1,3,0.707",
		"1,4,0.000",
		"2,3,0.707",
		"2,4,0.000",
		"3,4,0.000",
	}, "\n")+"\n", string(data))
}

func TestConvertDense_MissingLabel(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out.ds")
	u := universe()
	d, err := CreateDense(DenseConfig{Path: dir, Label: "lsa", Metric: types.MetricCosine, Chunk: 2}, u)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	_, err = ConvertDense(context.Background(), dir, "other", filepath.Join(t.TempDir(), "x.csv"))
	assert.Error(t, err)
}

func TestExportCSV_RejectsTensor(t *testing.T) {
	dir := t.TempDir()
	u := universe()
	d, err := CreateDense(DenseConfig{Path: dir, Label: "t", Metric: types.MetricAbsDifference, Chunk: 2}, u)
	require.NoError(t, err)
	defer d.Close()

	var buf strings.Builder
	_, err = ExportCSV(context.Background(), d.Array(), u.All, &buf, ConvertedDecimals)
	assert.ErrorIs(t, err, ErrUnsupported)
}
