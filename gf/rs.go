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

// ErrInsufficientPackets is returned by Decode when fewer than k valid
// packets were supplied.
var ErrInsufficientPackets = errors.New("gf: fewer than k packets supplied")

// ErrSingularRecovery is returned by Decode when the recovery matrix built
// from the supplied offsets is singular (e.g. a duplicate offset).
var ErrSingularRecovery = errors.New("gf: singular recovery matrix")

// RS is a systematic Reed-Solomon (n,k) codec over GF(2^8). Create one per
// (n,k) pair and reuse it -- the generator matrix is expensive to build and
// is cached for the codec's lifetime, exactly as the reference
// implementation caches rs_t::GM per transport.
type RS struct {
	N, K int
	gm   *Matrix // n-by-k generator matrix; rows [0,k) are the identity
}

// New builds the generator matrix for RS(n, k): GM = V(k,k)^-1 . V(k,n),
// which yields a systematic code (the first k rows of GM are the identity,
// rows [k,n) are the parity coefficients).
func New(n, k int) (*RS, error) {
	if k <= 0 || n <= k || n > 256 {
		return nil, errors.New("gf: invalid RS(n,k) parameters")
	}

	// V is k-by-n: v[i,j] = alpha^(i*j).
	v := NewMatrix(k, n)
	for i := 0; i < k; i++ {
		for j := 0; j < n; j++ {
			v.Set(i, j, antilogTable[(i*j)%Max])
		}
	}

	// V_kk = first k columns of V; V_kn = remaining n-k columns.
	vkk := NewMatrix(k, k)
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			vkk.Set(i, j, v.At(i, j))
		}
	}
	vkn := NewMatrix(k, n-k)
	for i := 0; i < k; i++ {
		for j := 0; j < n-k; j++ {
			vkn.Set(i, j, v.At(i, k+j))
		}
	}

	vkk.InvertVandermonde()

	// parity rows = V_kn^T-shaped multiply: GM[k:n, :] = (V_kk^-1 . V_kn)^T
	// matches matmul(V_kn, V_kk, GM+k*k, n-k, k, k) in the reference: treats
	// V_kn (n-k rows via transposition) times V_kk as the parity block.
	parity := matMulTransposed(vkn, vkk)

	gm := NewMatrix(n, k)
	for i := 0; i < k; i++ {
		gm.Set(i, i, 1)
	}
	for i := 0; i < n-k; i++ {
		copy(gm.Row(k+i), parity.Row(i))
	}

	return &RS{N: n, K: k, gm: gm}, nil
}

// matMulTransposed computes, for each column i of vkn treated as a 1-by-k
// row vector, its product with vkk (already inverted in place by the
// caller), yielding an (n-k)-by-k result: out[row,col] = sum_t vkn[t,row] .
// vkk[t,col]. Because alpha^(i*j) = alpha^(j*i), the k-by-n matrix V built
// in New is the transpose of the n-by-k Vandermonde the generator matrix is
// defined over, so this is exactly GM's parity block.
func matMulTransposed(vkn, vkk *Matrix) *Matrix {
	nk := vkn.Cols
	k := vkk.Rows
	out := NewMatrix(nk, k)
	for row := 0; row < nk; row++ {
		for col := 0; col < k; col++ {
			var sum uint8
			for t := 0; t < k; t++ {
				sum ^= Mul(vkn.At(t, row), vkk.At(t, col))
			}
			out.Set(row, col, sum)
		}
	}
	return out
}

// Encode produces the parity packet at block offset p in [k, n) from the k
// source packets, all of the same length.
func (rs *RS) Encode(src [][]byte, p int) ([]byte, error) {
	if p < rs.K || p >= rs.N {
		return nil, errors.New("gf: parity offset out of range")
	}
	if len(src) != rs.K {
		return nil, errors.New("gf: Encode requires exactly k source packets")
	}
	var length int
	if len(src) > 0 {
		length = len(src[0])
	}
	dst := make([]byte, length)
	row := rs.gm.Row(p)
	for i := 0; i < rs.K; i++ {
		c := row[i]
		if c == 0 {
			continue
		}
		VecAddMul(dst, c, src[i])
	}
	return dst, nil
}

// Decode reconstructs the k original packets of a block given exactly k
// packets and the block offset each one occupies (offsets[i] < k means
// block[i] is an original packet; offsets[i] >= k means it is a parity
// packet at that offset). Returns a new slice of k packets in original
// order.
func Decode(rs *RS, block [][]byte, offsets []int) ([][]byte, error) {
	if len(block) != rs.K || len(offsets) != rs.K {
		return nil, ErrInsufficientPackets
	}

	rm := NewMatrix(rs.K, rs.K)
	for i, off := range offsets {
		if off < rs.K {
			rm.Set(i, off, 1)
		} else {
			copy(rm.Row(i), rs.gm.Row(off))
		}
	}

	if err := rm.Invert(); err != nil {
		return nil, ErrSingularRecovery
	}

	length := 0
	if len(block) > 0 {
		length = len(block[0])
	}

	out := make([][]byte, rs.K)
	for j := 0; j < rs.K; j++ {
		dst := make([]byte, length)
		for i := 0; i < rs.K; i++ {
			c := rm.At(j, i)
			if c == 0 {
				continue
			}
			VecAddMul(dst, c, block[i])
		}
		out[j] = dst
	}
	return out, nil
}
