package dataset

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

func TestCodecRoundTrip(t *testing.T) {
	values := make([]float32, 1000)
	for i := range values {
		values[i] = float32(i%7) * 0.25
	}
	noisy := []float32{0.1, -3.5, 42, 7e-9}

	for _, codec := range []Codec{CodecNone, CodecLZ4, CodecZstd} {
		for _, in := range [][]float32{values, noisy} {
			enc, err := encodeChunk(in, codec)
			require.NoError(t, err)

			out := make([]float32, len(in))
			require.NoError(t, decodeChunk(enc, codec, out), codec.String())
			assert.Equal(t, in, out, codec.String())
		}
	}
}

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec("lz4")
	require.NoError(t, err)
	assert.Equal(t, CodecLZ4, c)

	c, err = ParseCodec("")
	require.NoError(t, err)
	assert.Equal(t, CodecZstd, c)

	_, err = ParseCodec("brotli")
	assert.Error(t, err)
}

func TestCreateOpenKeys(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ds")
	f, err := Create(dir, DefaultOptions())
	require.NoError(t, err)

	keys := []types.Key{"1", "2", "10"}
	require.NoError(t, f.WriteKeys(RegionIDs, keys))
	require.NoError(t, f.Close())

	g, err := Open(dir, Options{ReadOnly: true})
	require.NoError(t, err)
	got, err := g.ReadKeys(RegionIDs)
	require.NoError(t, err)
	assert.Equal(t, keys, got)
	assert.Equal(t, CodecZstd, g.Codec())

	_, err = g.ReadKeys(RegionNulls)
	assert.ErrorIs(t, err, ErrNotExist)

	_, err = Open(filepath.Join(t.TempDir(), "missing"), Options{})
	assert.ErrorIs(t, err, ErrNotExist)

	_, err = g.CreateArray("sim/x", []int{2, 2}, []int{1, 1})
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestInvalidRegion(t *testing.T) {
	f, err := Create(t.TempDir(), DefaultOptions())
	require.NoError(t, err)
	assert.Error(t, f.WriteKeys("../escape", nil))
	_, err = f.CreateArray("/abs", []int{1, 1}, []int{1, 1})
	assert.Error(t, err)
}

func TestCreateArrayReopen(t *testing.T) {
	dir := t.TempDir()
	f, err := Create(dir, DefaultOptions())
	require.NoError(t, err)

	_, err = f.CreateArray(SimPrefix+"a", []int{5, 5}, []int{2, 2})
	require.NoError(t, err)

	g, err := Open(dir, DefaultOptions())
	require.NoError(t, err)
	a, err := g.CreateArray(SimPrefix+"a", []int{5, 5}, []int{2, 2})
	require.NoError(t, err)
	assert.Equal(t, []int{5, 5}, a.Shape())

	_, err = g.CreateArray(SimPrefix+"a", []int{6, 6}, []int{2, 2})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = g.CreateArray(DiffPrefix+"bad", []int{4, 3, 4}, []int{2, 2, 2})
	assert.Error(t, err, "middle axis must not be chunked")

	// 5000×300×5000 float32 cells do not fit a uint32 block header.
	_, err = g.CreateArray(DiffPrefix+"huge", []int{10000, 300, 10000}, []int{5000, 300, 5000})
	assert.ErrorContains(t, err, "bytes per chunk")
	_, err = g.CreateArray(DiffPrefix+"fits", []int{10000, 300, 10000}, []int{1000, 300, 1000})
	assert.NoError(t, err)
}

func TestResetArray(t *testing.T) {
	f, err := Create(t.TempDir(), DefaultOptions())
	require.NoError(t, err)
	a, err := f.CreateArray(SimPrefix+"r", []int{3, 3}, []int{2, 2})
	require.NoError(t, err)
	require.NoError(t, a.WriteBlock(Block{Rows: []int{0, 2}, Cols: []int{1, 2}, Data: []float32{1, 2, 3, 4}}))
	require.NoError(t, f.Sync())

	b, err := f.ResetArray(SimPrefix+"r", []int{3, 3}, []int{2, 2})
	require.NoError(t, err)
	got, err := b.ReadRows(0, 3)
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 9), got)

	// A reset may also change the geometry.
	c, err := f.ResetArray(SimPrefix+"r", []int{4, 4}, []int{2, 2})
	require.NoError(t, err)
	assert.Equal(t, []int{4, 4}, c.Shape())
}

func TestMatrixWriteRead(t *testing.T) {
	f, err := Create(t.TempDir(), Options{Codec: CodecLZ4})
	require.NoError(t, err)
	a, err := f.CreateArray(SimPrefix+"m", []int{5, 5}, []int{2, 2})
	require.NoError(t, err)

	// Non-contiguous rows and columns straddling chunk boundaries.
	rows := []int{0, 3, 4}
	cols := []int{1, 2}
	data := []float32{1, 2, 3, 4, 5, 6}
	require.NoError(t, a.WriteBlock(Block{Rows: rows, Cols: cols, Data: data}))

	full, err := a.ReadRows(0, 5)
	require.NoError(t, err)

	want := make([]float32, 25)
	for i, r := range rows {
		for j, c := range cols {
			want[r*5+c] = data[i*2+j]
		}
	}
	assert.Equal(t, want, full)

	// Untouched chunk files are never created.
	_, err = os.Stat(filepath.Join(f.Path(), "sim", "m", "c.1.2"))
	assert.True(t, os.IsNotExist(err))
}

func TestTensorWriteSkip(t *testing.T) {
	f, err := Create(t.TempDir(), DefaultOptions())
	require.NoError(t, err)
	a, err := f.CreateArray(DiffPrefix+"t", []int{3, 2, 3}, []int{2, 2, 2})
	require.NoError(t, err)
	assert.Equal(t, 2, a.Depth())

	rows := Span(0, 3)
	data := make([]float32, 3*2*3)
	for i := range data {
		data[i] = float32(i + 1)
	}
	skip := func(i, j int) bool { return j <= i }
	require.NoError(t, a.WriteBlock(Block{Rows: rows, Cols: rows, Data: data, Skip: skip}))
	require.NoError(t, a.Sync())

	got, err := a.ReadBlock(rows, rows)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		for d := 0; d < 2; d++ {
			for j := 0; j < 3; j++ {
				idx := (i*2+d)*3 + j
				if j > i {
					assert.Equal(t, data[idx], got[idx])
				} else {
					assert.Zero(t, got[idx])
				}
			}
		}
	}
}

func TestConcurrentWritersShareChunks(t *testing.T) {
	dir := t.TempDir()
	f, err := Create(dir, DefaultOptions())
	require.NoError(t, err)
	_, err = f.CreateArray(SimPrefix+"c", []int{8, 8}, []int{4, 4})
	require.NoError(t, err)

	// Each writer opens its own handle, as separate ranks do, and writes one
	// row. All rows of a chunk row share the same chunk files.
	var wg sync.WaitGroup
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			h, err := Open(dir, DefaultOptions())
			if !assert.NoError(t, err) {
				return
			}
			a, err := h.Array(SimPrefix + "c")
			if !assert.NoError(t, err) {
				return
			}
			row := make([]float32, 8)
			for j := range row {
				row[j] = float32(r*10 + j)
			}
			assert.NoError(t, a.WriteBlock(Block{Rows: []int{r}, Cols: Span(0, 8), Data: row}))
			assert.NoError(t, h.Close())
		}(r)
	}
	wg.Wait()

	g, err := Open(dir, Options{ReadOnly: true, CacheChunks: 4})
	require.NoError(t, err)
	a, err := g.Array(SimPrefix + "c")
	require.NoError(t, err)
	got, err := a.ReadRows(0, 8)
	require.NoError(t, err)
	for r := 0; r < 8; r++ {
		for j := 0; j < 8; j++ {
			assert.Equal(t, float32(r*10+j), got[r*8+j], "cell (%d,%d)", r, j)
		}
	}
}

func TestWriteBlockValidation(t *testing.T) {
	f, err := Create(t.TempDir(), DefaultOptions())
	require.NoError(t, err)
	a, err := f.CreateArray(SimPrefix+"v", []int{2, 2}, []int{2, 2})
	require.NoError(t, err)

	assert.Error(t, a.WriteBlock(Block{Rows: []int{0}, Cols: []int{0}, Data: []float32{1, 2}}))
	assert.Error(t, a.WriteBlock(Block{Rows: []int{2}, Cols: []int{0}, Data: []float32{1}}))
}
