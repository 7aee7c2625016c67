// Package kernel computes pairwise scores between two batches.
//
// Both kernels mask the diagonal and lower triangle when a batch is paired
// with itself, by comparing row and column indices directly: cell (i, j) is
// kept only when j > i.
package kernel

import (
	"fmt"

	vmath "github.com/Siddhant-K-code/pairwise/pkg/math"
	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

// Matrix is a |A|×|B| score block.
type Matrix struct {
	Rows, Cols int
	Data       []float32

	// Triangular is set when the block pairs a batch with itself.
	Triangular bool
}

// At returns the score of cell (i, j).
func (m *Matrix) At(i, j int) float32 {
	return m.Data[i*m.Cols+j]
}

// Valid reports whether cell (i, j) carries a real score.
func (m *Matrix) Valid(i, j int) bool {
	return !m.Triangular || j > i
}

// Each calls fn for every valid cell in row-major order.
func (m *Matrix) Each(fn func(i, j int, score float32)) {
	for i := 0; i < m.Rows; i++ {
		j := 0
		if m.Triangular {
			j = i + 1
		}
		for ; j < m.Cols; j++ {
			fn(i, j, m.Data[i*m.Cols+j])
		}
	}
}

// Cells returns the number of valid cells.
func (m *Matrix) Cells() int {
	if m.Triangular {
		return m.Rows * (m.Rows - 1) / 2
	}
	return m.Rows * m.Cols
}

// Tensor is a |A|×D×|B| block with the feature axis in the middle, so
// element (i, d, j) lives at Data[(i*Dim+d)*Cols+j].
type Tensor struct {
	Rows, Dim, Cols int
	Data            []float32
	Triangular      bool
}

// At returns element (i, d, j).
func (t *Tensor) At(i, d, j int) float32 {
	return t.Data[(i*t.Dim+d)*t.Cols+j]
}

// Valid reports whether column j of row i was computed.
func (t *Tensor) Valid(i, j int) bool {
	return !t.Triangular || j > i
}

// Cells returns the number of computed row/column pairs.
func (t *Tensor) Cells() int {
	if t.Triangular {
		return t.Rows * (t.Rows - 1) / 2
	}
	return t.Rows * t.Cols
}

// Cosine computes the cosine similarity of every row of a against every row
// of b. Zero-magnitude rows score 0. Masked cells hold 0.
func Cosine(a, b *types.Batch, diagonal bool) (*Matrix, error) {
	if a.Len() == 0 || b.Len() == 0 {
		return &Matrix{Triangular: diagonal}, nil
	}
	if a.Dim != b.Dim {
		return nil, fmt.Errorf("dimension mismatch: %d vs %d", a.Dim, b.Dim)
	}

	normsA := vmath.Norms(a.Data, a.Dim)
	normsB := normsA
	if !diagonal {
		normsB = vmath.Norms(b.Data, b.Dim)
	}

	m := &Matrix{
		Rows:       a.Len(),
		Cols:       b.Len(),
		Data:       make([]float32, a.Len()*b.Len()),
		Triangular: diagonal,
	}
	for i := 0; i < m.Rows; i++ {
		row := a.Row(i)
		j := 0
		if diagonal {
			j = i + 1
		}
		for ; j < m.Cols; j++ {
			m.Data[i*m.Cols+j] = float32(vmath.CosineWithNorms(row, b.Row(j), normsA[i], normsB[j]))
		}
	}
	return m, nil
}

// AbsDifference computes |A[i,d] - B[j,d]| for every row pair and feature.
// Masked cells hold 0.
func AbsDifference(a, b *types.Batch, diagonal bool) (*Tensor, error) {
	if a.Len() == 0 || b.Len() == 0 {
		return &Tensor{Dim: a.Dim, Triangular: diagonal}, nil
	}
	if a.Dim != b.Dim {
		return nil, fmt.Errorf("dimension mismatch: %d vs %d", a.Dim, b.Dim)
	}

	t := &Tensor{
		Rows:       a.Len(),
		Dim:        a.Dim,
		Cols:       b.Len(),
		Data:       make([]float32, a.Len()*a.Dim*b.Len()),
		Triangular: diagonal,
	}
	for i := 0; i < t.Rows; i++ {
		row := a.Row(i)
		base := i * t.Dim * t.Cols
		j := 0
		if diagonal {
			j = i + 1
		}
		for ; j < t.Cols; j++ {
			// Feature d of column j sits Cols apart.
			vmath.AbsDiff(t.Data[base+j:], t.Cols, row, b.Row(j))
		}
	}
	return t, nil
}
