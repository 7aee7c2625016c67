package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/Siddhant-K-code/pairwise/pkg/dataset"
	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

// Dataset reads vectors/<label> of a dataset written by the import command.
// Row i of the vectors array belongs to key i of input/id; keys listed in
// input/null have no vector.
type Dataset struct {
	file  *dataset.File
	arr   *dataset.Array
	keys  []types.Key
	pos   map[types.Key]int
	nulls map[types.Key]struct{}
	dim   int
}

// OpenDataset opens label's vectors in the dataset at path, read-only.
func OpenDataset(path, label string) (*Dataset, error) {
	f, err := dataset.Open(path, dataset.Options{ReadOnly: true, CacheChunks: 16})
	if err != nil {
		return nil, err
	}
	keys, err := f.ReadKeys(dataset.RegionIDs)
	if err != nil {
		return nil, err
	}
	arr, err := f.Array(dataset.VectorsPrefix + label)
	if err != nil {
		return nil, err
	}
	shape := arr.Shape()
	if len(shape) != 2 || shape[0] != len(keys) {
		return nil, fmt.Errorf("source: vectors/%s has shape %v for %d keys", label, shape, len(keys))
	}

	nullKeys, err := f.ReadKeys(dataset.RegionNulls)
	if err != nil && !errors.Is(err, dataset.ErrNotExist) {
		return nil, err
	}

	d := &Dataset{
		file:  f,
		arr:   arr,
		keys:  keys,
		pos:   make(map[types.Key]int, len(keys)),
		nulls: make(map[types.Key]struct{}, len(nullKeys)),
		dim:   shape[1],
	}
	for i, k := range keys {
		d.pos[k] = i
	}
	for _, k := range nullKeys {
		d.nulls[k] = struct{}{}
	}
	return d, nil
}

func (d *Dataset) Keys(context.Context) ([]types.Key, error) {
	return append([]types.Key(nil), d.keys...), nil
}

// Vectors reads the requested rows. Rows are gathered in one block read so
// chunks shared by neighbouring keys are decoded once.
func (d *Dataset) Vectors(ctx context.Context, keys []types.Key) (map[types.Key][]float32, error) {
	rows := make([]int, 0, len(keys))
	wanted := make([]types.Key, 0, len(keys))
	for _, k := range keys {
		if _, null := d.nulls[k]; null {
			continue
		}
		if p, ok := d.pos[k]; ok {
			rows = append(rows, p)
			wanted = append(wanted, k)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := d.arr.ReadBlock(rows, dataset.Span(0, d.dim))
	if err != nil {
		return nil, err
	}
	out := make(map[types.Key][]float32, len(wanted))
	for i, k := range wanted {
		out[k] = data[i*d.dim : (i+1)*d.dim : (i+1)*d.dim]
	}
	return out, nil
}

func (d *Dataset) Dimensionality() int { return d.dim }

func (d *Dataset) Close() error { return d.file.Close() }

// ImportDataset stores u as label's vectors in the dataset at path, creating
// the dataset when absent. Rows of null keys stay at the fill value and the
// keys are listed in input/null. Vectors are written chunk rows at a time.
func ImportDataset(path, label string, u *types.Universe, opts dataset.Options, chunk int) error {
	if label == "" {
		return fmt.Errorf("source: dataset label is required")
	}
	if chunk <= 0 {
		return fmt.Errorf("source: chunk size must be positive, got %d", chunk)
	}
	if u.Dim <= 0 {
		return ErrNoDimensionality
	}

	f, err := dataset.Open(path, opts)
	if errors.Is(err, dataset.ErrNotExist) {
		f, err = dataset.Create(path, opts)
	}
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.WriteKeys(dataset.RegionIDs, u.All); err != nil {
		return err
	}
	if err := f.WriteKeys(dataset.RegionNulls, u.Nulls); err != nil {
		return err
	}
	arr, err := f.CreateArray(dataset.VectorsPrefix+label, []int{len(u.All), u.Dim}, []int{chunk, u.Dim})
	if err != nil {
		return err
	}

	cols := dataset.Span(0, u.Dim)
	for lo := 0; lo < len(u.Valid); lo += chunk {
		hi := min(lo+chunk, len(u.Valid))
		if err := arr.WriteBlock(dataset.Block{
			Rows: u.Offsets[lo:hi],
			Cols: cols,
			Data: u.Data[lo*u.Dim : hi*u.Dim],
		}); err != nil {
			return err
		}
	}
	return f.Sync()
}
