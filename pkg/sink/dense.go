package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Siddhant-K-code/pairwise/pkg/dataset"
	"github.com/Siddhant-K-code/pairwise/pkg/kernel"
	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

// DenseConfig describes the result array of a dense run.
type DenseConfig struct {
	// Path is the dataset directory.
	Path string

	// Label names the result array: sim/<label> or difference/<label>.
	Label string

	Metric types.Metric

	// Chunk is the chunk extent along both key axes.
	Chunk int

	Codec  dataset.Codec
	Logger *slog.Logger
}

// ArrayName returns the region the metric writes to.
func (c DenseConfig) ArrayName() string {
	if c.Metric == types.MetricAbsDifference {
		return dataset.DiffPrefix + c.Label
	}
	return dataset.SimPrefix + c.Label
}

// Dense writes scores into an N×N matrix or N×D×N tensor indexed by the
// position of each key in the full sorted universe. Cells of null keys and
// the lower triangle are never written and read as 0.
type Dense struct {
	cfg  DenseConfig
	file *dataset.File
	arr  *dataset.Array
}

// CreateDense prepares the dataset for u: it stores the key lists and
// creates the result array. The dataset is created when absent and reused
// otherwise, so vectors stored alongside are kept. A result array left by an
// earlier run under the same label is discarded.
func CreateDense(cfg DenseConfig, u *types.Universe) (*Dense, error) {
	if cfg.Label == "" {
		return nil, fmt.Errorf("sink: dataset label is required")
	}
	if cfg.Chunk <= 0 {
		return nil, fmt.Errorf("sink: chunk size must be positive, got %d", cfg.Chunk)
	}
	opts := dataset.Options{Codec: cfg.Codec, Logger: cfg.Logger}

	f, err := dataset.Open(cfg.Path, opts)
	if errors.Is(err, dataset.ErrNotExist) {
		f, err = dataset.Create(cfg.Path, opts)
	}
	if err != nil {
		return nil, err
	}

	if err := f.WriteKeys(dataset.RegionIDs, u.All); err != nil {
		return nil, err
	}
	if err := f.WriteKeys(dataset.RegionNulls, u.Nulls); err != nil {
		return nil, err
	}

	n := len(u.All)
	shape, chunks := []int{n, n}, []int{cfg.Chunk, cfg.Chunk}
	if cfg.Metric == types.MetricAbsDifference {
		shape = []int{n, u.Dim, n}
		chunks = []int{cfg.Chunk, u.Dim, cfg.Chunk}
	}
	arr, err := f.ResetArray(cfg.ArrayName(), shape, chunks)
	if err != nil {
		return nil, err
	}
	return &Dense{cfg: cfg, file: f, arr: arr}, nil
}

// OpenDense attaches to a result array created by CreateDense, typically
// from another process.
func OpenDense(cfg DenseConfig) (*Dense, error) {
	f, err := dataset.Open(cfg.Path, dataset.Options{Codec: cfg.Codec, Logger: cfg.Logger})
	if err != nil {
		return nil, err
	}
	arr, err := f.Array(cfg.ArrayName())
	if err != nil {
		return nil, err
	}
	return &Dense{cfg: cfg, file: f, arr: arr}, nil
}

// Array returns the result array.
func (d *Dense) Array() *dataset.Array {
	return d.arr
}

// Open returns a writer. Writers share the array; chunk locking keeps
// concurrent patches of the same chunk consistent.
func (d *Dense) Open(int) (Writer, error) {
	return &denseWriter{arr: d.arr}, nil
}

// Finalize syncs the dataset.
func (d *Dense) Finalize(context.Context) error {
	return d.file.Sync()
}

// Close syncs whatever was written.
func (d *Dense) Close() error {
	return d.file.Close()
}

type denseWriter struct {
	arr *dataset.Array
}

// masked reports the diagonal and lower-triangle cells of a diagonal block.
func masked(i, j int) bool { return j <= i }

func (w *denseWriter) WriteScores(_ context.Context, item types.WorkItem, m *kernel.Matrix) error {
	if w.arr.Depth() != 1 || len(w.arr.Shape()) != 2 {
		return fmt.Errorf("%w: score matrix into a tensor array", ErrUnsupported)
	}
	b := dataset.Block{Rows: item.A.Offsets, Cols: item.B.Offsets, Data: m.Data}
	if m.Triangular {
		b.Skip = masked
	}
	return w.arr.WriteBlock(b)
}

func (w *denseWriter) WriteTensor(_ context.Context, item types.WorkItem, t *kernel.Tensor) error {
	if len(w.arr.Shape()) != 3 || w.arr.Depth() != t.Dim {
		return fmt.Errorf("%w: tensor of depth %d into array %v", ErrUnsupported, t.Dim, w.arr.Shape())
	}
	b := dataset.Block{Rows: item.A.Offsets, Cols: item.B.Offsets, Data: t.Data}
	if t.Triangular {
		b.Skip = masked
	}
	return w.arr.WriteBlock(b)
}

// WriteRecords ignores null placeholders: unwritten cells already read as 0.
func (w *denseWriter) WriteRecords(context.Context, []types.Record) error {
	return nil
}

func (w *denseWriter) Close() error {
	return nil
}
