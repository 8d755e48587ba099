/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package gf

import "errors"

// ErrSingular is returned by Invert when the matrix has no inverse over
// GF(2^8) (e.g. it was built from duplicate packet offsets).
var ErrSingular = errors.New("gf: matrix is singular")

// Matrix is a row-major n-by-n (or m-by-n, for MatMul) matrix over GF(2^8).
type Matrix struct {
	Rows, Cols int
	Data       []uint8
}

// NewMatrix allocates a zeroed rows-by-cols matrix.
func NewMatrix(rows, cols int) *Matrix {
	return &Matrix{Rows: rows, Cols: cols, Data: make([]uint8, rows*cols)}
}

// At returns the element at (r, c).
func (m *Matrix) At(r, c int) uint8 { return m.Data[r*m.Cols+c] }

// Set assigns the element at (r, c).
func (m *Matrix) Set(r, c int, v uint8) { m.Data[r*m.Cols+c] = v }

// Row returns a slice aliasing row r.
func (m *Matrix) Row(r int) []uint8 { return m.Data[r*m.Cols : (r+1)*m.Cols] }

// Clone returns a deep copy.
func (m *Matrix) Clone() *Matrix {
	c := &Matrix{Rows: m.Rows, Cols: m.Cols, Data: make([]uint8, len(m.Data))}
	copy(c.Data, m.Data)
	return c
}

// MatMul computes c = a . b over GF(2^8): c[j,i] = sum_k a[j,k] . b[k,i].
func MatMul(a, b *Matrix) *Matrix {
	if a.Cols != b.Rows {
		panic("gf: MatMul dimension mismatch")
	}
	c := NewMatrix(a.Rows, b.Cols)
	for j := 0; j < a.Rows; j++ {
		for i := 0; i < b.Cols; i++ {
			var sum uint8
			for k := 0; k < a.Cols; k++ {
				sum ^= Mul(a.At(j, k), b.At(k, i))
			}
			c.Set(j, i, sum)
		}
	}
	return c
}

// Invert inverts M in place using Gauss-Jordan elimination with full
// pivoting: locate a non-zero pivot (diagonal preferred), swap the chosen
// row/column into place, scale the pivot row to 1, eliminate every other
// row with a vector FMA, then undo the pivot swaps in reverse order.
func (m *Matrix) Invert() error {
	n := m.Rows
	if m.Cols != n {
		panic("gf: Invert requires a square matrix")
	}
	pivotRows := make([]int, n)
	pivotCols := make([]int, n)
	pivoted := make([]bool, n)

	for i := 0; i < n; i++ {
		row, col := -1, -1
		if !pivoted[i] && m.At(i, i) != 0 {
			row, col = i, i
		} else {
			for j := 0; j < n && row < 0; j++ {
				if pivoted[j] {
					continue
				}
				for x := 0; x < n; x++ {
					if !pivoted[x] && m.At(j, x) != 0 {
						row, col = j, x
						break
					}
				}
			}
		}
		if row < 0 {
			return ErrSingular
		}
		pivoted[col] = true

		if row != col {
			for x := 0; x < n; x++ {
				m.Data[row*n+x], m.Data[col*n+x] = m.Data[col*n+x], m.Data[row*n+x]
			}
		}

		pivotRows[i] = row
		pivotCols[i] = col

		if pv := m.At(col, col); pv != 1 {
			m.Set(col, col, 1)
			for x := 0; x < n; x++ {
				m.Set(col, x, Div(m.At(col, x), pv))
			}
		}

		pivotRow := m.Row(col)
		for y := 0; y < n; y++ {
			if y == col {
				continue
			}
			c := m.At(y, col)
			if c == 0 {
				continue
			}
			m.Set(y, col, 0)
			VecAddMul(m.Row(y), c, pivotRow)
		}
	}

	for i := n - 1; i >= 0; i-- {
		if pivotRows[i] != pivotCols[i] {
			for j := 0; j < n; j++ {
				a, b := j*n+pivotRows[i], j*n+pivotCols[i]
				m.Data[a], m.Data[b] = m.Data[b], m.Data[a]
			}
		}
	}
	return nil
}

// InvertVandermonde inverts an n-by-n Vandermonde matrix in place using the
// specialised synthetic-division method: it builds the degree-(n-1)
// polynomial P(alpha) = prod(alpha - alpha_m) from the matrix's unique
// second column, then obtains each column of the inverse by synthetic
// division. This is the O(n^2) path the reference implementation uses for
// generator-matrix construction instead of general Gauss-Jordan.
func (m *Matrix) InvertVandermonde() {
	n := m.Rows
	if n == 1 {
		return
	}

	p := make([]uint8, n)
	for i := 0; i < n; i++ {
		p[i] = m.At(i, 1)
	}

	alpha := make([]uint8, n)
	alpha[n-1] = p[0]
	for i := 1; i < n; i++ {
		for j := n - i; j < n-1; j++ {
			alpha[j] ^= Mul(p[i], alpha[j+1])
		}
		alpha[n-1] ^= p[i]
	}

	b := make([]uint8, n)
	for j := 0; j < n; j++ {
		xx := p[j]
		var t uint8 = 1
		b[n-1] = 1
		for i := n - 2; i >= 0; i-- {
			b[i] = alpha[i+1] ^ Mul(xx, b[i+1])
			t = Mul(xx, t) ^ b[i]
		}
		for i := 0; i < n; i++ {
			m.Set(i, j, Div(b[i], t))
		}
	}
}
