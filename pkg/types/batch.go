package types

import "fmt"

// PairMode selects how keys are paired.
type PairMode string

const (
	// ModeAll pairs every key of one universe with every other key once.
	ModeAll PairMode = "all"
	// ModeCross pairs every left key with every right key.
	ModeCross PairMode = "cross"
	// ModeList pairs explicitly listed keys. Accepted by configuration, not implemented.
	ModeList PairMode = "list"
)

// Metric selects the kernel applied to a pair of batches.
type Metric string

const (
	MetricCosine        Metric = "cosine"
	MetricAbsDifference Metric = "abs-difference"
	// MetricR is recognised so that configuration can reject it explicitly.
	MetricR Metric = "r"
)

// SinkKind selects where results go.
type SinkKind string

const (
	SinkShardedFile  SinkKind = "sharded-file"
	SinkTopNStore    SinkKind = "top-n-store"
	SinkDenseDataset SinkKind = "dense-dataset"
)

// Side tags which universe a batch was cut from.
const (
	SideLeft  = 0
	SideRight = 1
)

// Batch is a contiguous run of sorted valid keys and their vectors. Data is
// a view into the owning Universe and must not be modified.
type Batch struct {
	// Side is SideLeft or SideRight.
	Side int

	// Index is the position of this batch in its partition sequence.
	Index int

	// Start is the index of Keys[0] in the universe's Valid slice.
	Start int

	Keys []Key

	// Offsets[i] is the dense-dataset coordinate of Keys[i].
	Offsets []int

	// Data holds len(Keys)*Dim values, row-major.
	Data []float32

	Dim int
}

// Len returns the number of rows in the batch.
func (b *Batch) Len() int {
	return len(b.Keys)
}

// Row returns the vector of Keys[i].
func (b *Batch) Row(i int) []float32 {
	return b.Data[i*b.Dim : (i+1)*b.Dim]
}

// Same reports whether a and b cover the same keys of the same universe.
func Same(a, b *Batch) bool {
	return a.Side == b.Side && a.Start == b.Start && a.Len() == b.Len()
}

func (b *Batch) String() string {
	return fmt.Sprintf("batch(side=%d start=%d len=%d)", b.Side, b.Start, b.Len())
}

// WorkItem is one kernel invocation: batch A against batch B. Seq numbers
// increase in enumeration order and are used for progress only.
type WorkItem struct {
	A   *Batch
	B   *Batch
	Seq int64
}

// Diagonal reports whether the item pairs a batch with itself, in which case
// cells with j <= i must be masked.
func (w WorkItem) Diagonal() bool {
	return Same(w.A, w.B)
}

// Record is one scored pair.
type Record struct {
	Left  Key
	Right Key
	Score float32

	// Placeholder marks a zero-score record emitted for a pair involving a
	// null vector.
	Placeholder bool
}
