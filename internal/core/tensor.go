package core

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Epsilon guards divisions by vector norms.
const Epsilon = 1e-8

// FromRows - builds a dense matrix from equally sized rows
func FromRows(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("empty batch: %w", ErrDimensionMismatch)
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, r := range rows {
		if len(r) != cols {
			return nil, fmt.Errorf("row %d has %d columns, want %d: %w", i, len(r), cols, ErrDimensionMismatch)
		}
		data = append(data, r...)
	}
	return mat.NewDense(len(rows), cols, data), nil
}

// SliceRows returns a view over rows [from, to).
func SliceRows(m *mat.Dense, from, to int) *mat.Dense {
	_, c := m.Dims()
	return m.Slice(from, to, 0, c).(*mat.Dense)
}

// SliceCols - copy of columns [from, to)
func SliceCols(m *mat.Dense, from, to int) *mat.Dense {
	r, _ := m.Dims()
	return mat.DenseCopyOf(m.Slice(0, r, from, to))
}

// ConcatCols stacks matrices with the same row count side by side.
func ConcatCols(ms ...*mat.Dense) *mat.Dense {
	if len(ms) == 1 {
		return ms[0]
	}
	rows, total := ms[0].Dims()
	for _, m := range ms[1:] {
		_, c := m.Dims()
		total += c
	}
	out := mat.NewDense(rows, total, nil)
	offset := 0
	for _, m := range ms {
		_, c := m.Dims()
		out.Slice(0, rows, offset, offset+c).(*mat.Dense).Copy(m)
		offset += c
	}
	return out
}

// AddCols adds src into dst starting at column offset.
func AddCols(dst *mat.Dense, offset int, src *mat.Dense) {
	r, c := src.Dims()
	view := dst.Slice(0, r, offset, offset+c).(*mat.Dense)
	view.Add(view, src)
}

// RowNorms - L2 norm of every row
func RowNorms(m *mat.Dense) []float64 {
	r, _ := m.Dims()
	norms := make([]float64, r)
	for i := 0; i < r; i++ {
		norms[i] = floats.Norm(m.RawRowView(i), 2)
	}
	return norms
}

// NormalizeRows returns a copy with every row scaled to unit L2 norm.
func NormalizeRows(m *mat.Dense) *mat.Dense {
	out := mat.DenseCopyOf(m)
	r, _ := out.Dims()
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		floats.Scale(1/(floats.Norm(row, 2)+Epsilon), row)
	}
	return out
}

// Normalize - unit L2 copy of a vector
func Normalize(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	floats.Scale(1/(floats.Norm(out, 2)+Epsilon), out)
	return out
}

// TopK returns the indices of the k largest values, highest first. Ties keep index order.
func TopK(row []float64, k int) []int {
	idx := make([]int, len(row))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return row[idx[a]] > row[idx[b]] })
	if k > len(idx) {
		k = len(idx)
	}
	return idx[:k]
}

// BottomK is TopK on the negated row, used for nearest-mean ranking.
func BottomK(row []float64, k int) []int {
	neg := make([]float64, len(row))
	for i, v := range row {
		neg[i] = -v
	}
	return TopK(neg, k)
}

// MeanRows - column-wise mean of all rows
func MeanRows(m *mat.Dense) []float64 {
	r, c := m.Dims()
	mean := make([]float64, c)
	for i := 0; i < r; i++ {
		floats.Add(mean, m.RawRowView(i))
	}
	floats.Scale(1/float64(r), mean)
	return mean
}
