// Copyright 2026 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sparse

import (
	"cmp"
	"slices"

	"github.com/juju/errors"
	"golang.org/x/exp/constraints"
)

// ErrShapeShrunk is returned when a matrix would have to lose rows or columns.
const ErrShapeShrunk = errors.ConstError("matrix shape shrunk")

// DefaultBlockSize is the number of rows copied at once when a matrix grows.
const DefaultBlockSize = 10000

// Matrix is a compressed sparse row matrix. Column indices of every row are
// strictly increasing and no stored value is zero.
type Matrix[T constraints.Float] struct {
	Rows    int
	Cols    int
	IndPtr  []int64
	Indices []int32
	Data    []T
}

// Zeros creates an empty matrix of the given shape.
func Zeros[T constraints.Float](rows, cols int) *Matrix[T] {
	return &Matrix[T]{
		Rows:   rows,
		Cols:   cols,
		IndPtr: make([]int64, rows+1),
	}
}

// Build creates a matrix from coordinate triples. Duplicate coordinates are
// summed and zeros are dropped.
func Build[T constraints.Float](rows, cols []int32, weights []T, nRows, nCols int) (*Matrix[T], error) {
	if len(rows) != len(cols) || len(rows) != len(weights) {
		return nil, errors.NotValidf("coordinate lengths %d, %d, %d", len(rows), len(cols), len(weights))
	}
	if nRows < 0 || nCols < 0 {
		return nil, errors.NotValidf("shape (%d, %d)", nRows, nCols)
	}
	order := make([]int, len(rows))
	for i := range order {
		if rows[i] < 0 || int(rows[i]) >= nRows || cols[i] < 0 || int(cols[i]) >= nCols {
			return nil, errors.NotValidf("coordinate (%d, %d) in shape (%d, %d)", rows[i], cols[i], nRows, nCols)
		}
		order[i] = i
	}
	slices.SortFunc(order, func(a, b int) int {
		if c := cmp.Compare(rows[a], rows[b]); c != 0 {
			return c
		}
		return cmp.Compare(cols[a], cols[b])
	})
	m := Zeros[T](nRows, nCols)
	m.Indices = make([]int32, 0, len(order))
	m.Data = make([]T, 0, len(order))
	for k := 0; k < len(order); {
		r, c := rows[order[k]], cols[order[k]]
		var sum T
		for ; k < len(order) && rows[order[k]] == r && cols[order[k]] == c; k++ {
			sum += weights[order[k]]
		}
		if sum != 0 {
			m.Indices = append(m.Indices, c)
			m.Data = append(m.Data, sum)
			m.IndPtr[r+1]++
		}
	}
	for i := 0; i < nRows; i++ {
		m.IndPtr[i+1] += m.IndPtr[i]
	}
	return m, nil
}

// Shape returns the number of rows and columns.
func (m *Matrix[T]) Shape() (int, int) {
	return m.Rows, m.Cols
}

// Nnz returns the number of stored values.
func (m *Matrix[T]) Nnz() int {
	return len(m.Data)
}

// Row returns the column indices and values of row i. The slices alias the matrix.
func (m *Matrix[T]) Row(i int) ([]int32, []T) {
	begin, end := m.IndPtr[i], m.IndPtr[i+1]
	return m.Indices[begin:end], m.Data[begin:end]
}

// At returns the value at (i, j).
func (m *Matrix[T]) At(i, j int) T {
	indices, data := m.Row(i)
	if k, found := slices.BinarySearch(indices, int32(j)); found {
		return data[k]
	}
	return 0
}

// EliminateZeros returns a copy without explicitly stored zeros.
func (m *Matrix[T]) EliminateZeros() *Matrix[T] {
	out := Zeros[T](m.Rows, m.Cols)
	out.Indices = make([]int32, 0, len(m.Indices))
	out.Data = make([]T, 0, len(m.Data))
	for i := 0; i < m.Rows; i++ {
		indices, data := m.Row(i)
		for k, v := range data {
			if v != 0 {
				out.Indices = append(out.Indices, indices[k])
				out.Data = append(out.Data, v)
			}
		}
		out.IndPtr[i+1] = int64(len(out.Data))
	}
	return out
}

// Add sums two matrices of equal shape. Cells that cancel out are dropped.
func Add[T constraints.Float](a, b *Matrix[T]) (*Matrix[T], error) {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		return nil, errors.NotValidf("add (%d, %d) to (%d, %d)", b.Rows, b.Cols, a.Rows, a.Cols)
	}
	out := Zeros[T](a.Rows, a.Cols)
	out.Indices = make([]int32, 0, a.Nnz()+b.Nnz())
	out.Data = make([]T, 0, a.Nnz()+b.Nnz())
	push := func(c int32, v T) {
		if v != 0 {
			out.Indices = append(out.Indices, c)
			out.Data = append(out.Data, v)
		}
	}
	for i := 0; i < a.Rows; i++ {
		ai, av := a.Row(i)
		bi, bv := b.Row(i)
		p, q := 0, 0
		for p < len(ai) && q < len(bi) {
			switch {
			case ai[p] < bi[q]:
				push(ai[p], av[p])
				p++
			case ai[p] > bi[q]:
				push(bi[q], bv[q])
				q++
			default:
				push(ai[p], av[p]+bv[q])
				p++
				q++
			}
		}
		for ; p < len(ai); p++ {
			push(ai[p], av[p])
		}
		for ; q < len(bi); q++ {
			push(bi[q], bv[q])
		}
		out.IndPtr[i+1] = int64(len(out.Data))
	}
	return out, nil
}

// Resize copies m into a zero matrix of a larger shape, blockSize rows at a
// time. Shrinking fails with ErrShapeShrunk.
func Resize[T constraints.Float](m *Matrix[T], rows, cols, blockSize int) (*Matrix[T], error) {
	if rows < m.Rows || cols < m.Cols {
		return nil, errors.Annotatef(ErrShapeShrunk, "resize (%d, %d) to (%d, %d)", m.Rows, m.Cols, rows, cols)
	}
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	out := Zeros[T](rows, cols)
	out.Indices = make([]int32, 0, m.Nnz())
	out.Data = make([]T, 0, m.Nnz())
	for begin := 0; begin < m.Rows; begin += blockSize {
		end := min(begin+blockSize, m.Rows)
		lo, hi := m.IndPtr[begin], m.IndPtr[end]
		out.Indices = append(out.Indices, m.Indices[lo:hi]...)
		out.Data = append(out.Data, m.Data[lo:hi]...)
		copy(out.IndPtr[begin+1:end+1], m.IndPtr[begin+1:end+1])
	}
	for i := m.Rows + 1; i <= rows; i++ {
		out.IndPtr[i] = int64(len(out.Data))
	}
	return out.EliminateZeros(), nil
}

// Merge adds newer into older. The result has the shape of newer; older must
// not be larger than newer in either dimension. A nil older is treated as empty.
func Merge[T constraints.Float](older, newer *Matrix[T], blockSize int) (*Matrix[T], error) {
	if older == nil {
		return newer.EliminateZeros(), nil
	}
	if older.Rows > newer.Rows || older.Cols > newer.Cols {
		return nil, errors.Annotatef(ErrShapeShrunk, "merge (%d, %d) into (%d, %d)", older.Rows, older.Cols, newer.Rows, newer.Cols)
	}
	if older.Rows == newer.Rows && older.Cols == newer.Cols {
		return Add(older, newer)
	}
	resized, err := Resize(older, newer.Rows, newer.Cols, blockSize)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return Add(resized, newer)
}

// Relabel moves every stored cell (i, j) to (rowMap[i], colMap[j]) in a matrix
// of the given shape. A nil map keeps the indices of that dimension.
func Relabel[T constraints.Float](m *Matrix[T], rowMap, colMap []int32, rows, cols int) (*Matrix[T], error) {
	if rowMap != nil && len(rowMap) != m.Rows {
		return nil, errors.NotValidf("row mapping of length %d for %d rows", len(rowMap), m.Rows)
	}
	if colMap != nil && len(colMap) != m.Cols {
		return nil, errors.NotValidf("column mapping of length %d for %d columns", len(colMap), m.Cols)
	}
	rs := make([]int32, 0, m.Nnz())
	cs := make([]int32, 0, m.Nnz())
	for i := 0; i < m.Rows; i++ {
		r := int32(i)
		if rowMap != nil {
			r = rowMap[i]
		}
		indices, _ := m.Row(i)
		for _, j := range indices {
			c := j
			if colMap != nil {
				c = colMap[j]
			}
			rs = append(rs, r)
			cs = append(cs, c)
		}
	}
	return Build(rs, cs, slices.Clone(m.Data), rows, cols)
}

// Transpose returns the transposed matrix.
func (m *Matrix[T]) Transpose() *Matrix[T] {
	out := Zeros[T](m.Cols, m.Rows)
	out.Indices = make([]int32, m.Nnz())
	out.Data = make([]T, m.Nnz())
	for _, j := range m.Indices {
		out.IndPtr[j+1]++
	}
	for j := 0; j < m.Cols; j++ {
		out.IndPtr[j+1] += out.IndPtr[j]
	}
	next := slices.Clone(out.IndPtr[:m.Cols])
	for i := 0; i < m.Rows; i++ {
		indices, data := m.Row(i)
		for k, j := range indices {
			out.Indices[next[j]] = int32(i)
			out.Data[next[j]] = data[k]
			next[j]++
		}
	}
	return out
}

// ColumnSums sums every column.
func (m *Matrix[T]) ColumnSums() []T {
	sums := make([]T, m.Cols)
	for k, j := range m.Indices {
		sums[j] += m.Data[k]
	}
	return sums
}

// Map applies f to every stored value and drops values that become zero.
func Map[T, U constraints.Float](m *Matrix[T], f func(T) U) *Matrix[U] {
	out := &Matrix[U]{
		Rows:    m.Rows,
		Cols:    m.Cols,
		IndPtr:  slices.Clone(m.IndPtr),
		Indices: slices.Clone(m.Indices),
		Data:    make([]U, len(m.Data)),
	}
	for k, v := range m.Data {
		out.Data[k] = f(v)
	}
	return out.EliminateZeros()
}

// Equal reports whether two matrices have the same shape and cells.
func Equal[T constraints.Float](a, b *Matrix[T]) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Rows == b.Rows && a.Cols == b.Cols &&
		slices.Equal(a.IndPtr, b.IndPtr) &&
		slices.Equal(a.Indices, b.Indices) &&
		slices.Equal(a.Data, b.Data)
}
