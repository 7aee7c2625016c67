package sink

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/Siddhant-K-code/pairwise/pkg/dataset"
	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

// ExportCSV writes the strict upper triangle of a dense score matrix as
// left,right,score lines. keys label both axes. Rows are read one chunk
// stripe at a time.
func ExportCSV(ctx context.Context, arr *dataset.Array, keys []types.Key, w io.Writer, decimals int) (int64, error) {
	shape := arr.Shape()
	if len(shape) != 2 || shape[0] != len(keys) || shape[1] != len(keys) {
		return 0, fmt.Errorf("%w: array %v for %d keys", ErrUnsupported, shape, len(keys))
	}
	n := len(keys)
	stripe := arr.Chunks()[0]

	bw := bufio.NewWriterSize(w, 1<<20)
	var (
		lines int64
		line  []byte
	)
	for lo := 0; lo < n; lo += stripe {
		if err := ctx.Err(); err != nil {
			return lines, err
		}
		hi := min(lo+stripe, n)
		rows, err := arr.ReadRows(lo, hi)
		if err != nil {
			return lines, err
		}
		for i := lo; i < hi; i++ {
			row := rows[(i-lo)*n : (i-lo+1)*n]
			for j := i + 1; j < n; j++ {
				line = append(line[:0], keys[i]...)
				line = append(line, ',')
				line = append(line, keys[j]...)
				line = append(line, ',')
				line = FormatScore(line, row[j], decimals)
				line = append(line, '\n')
				if _, err := bw.Write(line); err != nil {
					return lines, err
				}
				lines++
			}
		}
	}
	return lines, bw.Flush()
}

// ConvertDense exports sim/<label> of the dataset at path to a CSV file with
// ConvertedDecimals places.
func ConvertDense(ctx context.Context, path, label, output string) (int64, error) {
	f, err := dataset.Open(path, dataset.Options{ReadOnly: true})
	if err != nil {
		return 0, err
	}
	defer f.Close()

	keys, err := f.ReadKeys(dataset.RegionIDs)
	if err != nil {
		return 0, err
	}
	arr, err := f.Array(dataset.SimPrefix + label)
	if err != nil {
		return 0, err
	}

	out, err := os.Create(output)
	if err != nil {
		return 0, fmt.Errorf("create output: %w", err)
	}
	n, err := ExportCSV(ctx, arr, keys, out, ConvertedDecimals)
	if err != nil {
		out.Close()
		return n, err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return n, err
	}
	return n, out.Close()
}
