// Package sink persists pairwise results.
//
// A Sink hands out one Writer per worker. Writers are used by a single
// goroutine and never shared, so strategies only coordinate where workers
// target the same physical storage.
package sink

import (
	"context"
	"errors"

	"github.com/Siddhant-K-code/pairwise/pkg/kernel"
	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

// ErrUnsupported is returned when a writer cannot store a result shape.
var ErrUnsupported = errors.New("sink: unsupported result")

// Writer receives the results of one worker.
type Writer interface {
	// WriteScores stores the valid cells of a score matrix computed for item.
	WriteScores(ctx context.Context, item types.WorkItem, m *kernel.Matrix) error

	// WriteRecords stores individual records.
	WriteRecords(ctx context.Context, records []types.Record) error

	// Close flushes the writer. The writer must not be used afterwards.
	Close() error
}

// TensorWriter is implemented by writers that can store difference tensors.
type TensorWriter interface {
	WriteTensor(ctx context.Context, item types.WorkItem, t *kernel.Tensor) error
}

// Sink creates writers and finalizes the output once every writer closed.
type Sink interface {
	// Open returns the writer for worker id.
	Open(id int) (Writer, error)

	// Finalize completes the output after all writers are closed. It is
	// called only for successful runs.
	Finalize(ctx context.Context) error

	// Close releases sink resources. Partial output is left in place.
	Close() error
}

// Records converts the valid cells of m into records.
func Records(item types.WorkItem, m *kernel.Matrix) []types.Record {
	out := make([]types.Record, 0, m.Cells())
	m.Each(func(i, j int, score float32) {
		out = append(out, types.Record{Left: item.A.Keys[i], Right: item.B.Keys[j], Score: score})
	})
	return out
}

// Kind returns the configuration name of s.
func Kind(s Sink) types.SinkKind {
	switch s.(type) {
	case *Sharded:
		return types.SinkShardedFile
	case *TopN:
		return types.SinkTopNStore
	case *Dense:
		return types.SinkDenseDataset
	}
	return ""
}
