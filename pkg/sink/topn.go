package sink

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/Siddhant-K-code/pairwise/pkg/kernel"
	"github.com/Siddhant-K-code/pairwise/pkg/kv"
	"github.com/Siddhant-K-code/pairwise/pkg/topn"
	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

// TopN keeps the N best right keys per left key in a keyed store.
type TopN struct {
	store  kv.Store
	n      int
	mirror bool

	updates atomic.Int64
}

// NewTopN wraps store. With mirror set, every pair is also offered to the
// right key's mapping.
func NewTopN(store kv.Store, n int, mirror bool) (*TopN, error) {
	if store == nil {
		return nil, fmt.Errorf("sink: top-n store is required")
	}
	if n <= 0 {
		return nil, fmt.Errorf("sink: top-n count must be positive, got %d", n)
	}
	return &TopN{store: store, n: n, mirror: mirror}, nil
}

// Updates returns the number of store updates performed so far.
func (t *TopN) Updates() int64 {
	return t.updates.Load()
}

// Open returns a writer; all writers share the store.
func (t *TopN) Open(int) (Writer, error) {
	return &topNWriter{sink: t}, nil
}

// Finalize has nothing to merge: the store is always up to date.
func (t *TopN) Finalize(context.Context) error {
	return nil
}

// Close closes the store.
func (t *TopN) Close() error {
	return t.store.Close()
}

type topNWriter struct {
	sink *TopN
}

func (w *topNWriter) WriteScores(ctx context.Context, item types.WorkItem, m *kernel.Matrix) error {
	return w.WriteRecords(ctx, Records(item, m))
}

func (w *topNWriter) WriteRecords(ctx context.Context, records []types.Record) error {
	n := w.sink.n
	for left, entries := range topn.Group(records, w.sink.mirror) {
		// Local truncation keeps the update payload bounded.
		best := topn.Select(entries, n)
		err := w.sink.store.Update(ctx, left, func(cur kv.Scores) kv.Scores {
			return topn.Merge(cur, best, n)
		})
		if err != nil {
			return fmt.Errorf("sink: update %s: %w", left, err)
		}
		w.sink.updates.Add(1)
	}
	return nil
}

func (w *topNWriter) Close() error {
	return nil
}
