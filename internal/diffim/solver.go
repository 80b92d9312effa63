// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package diffim

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// The solver tier that produced a solution
type SolveTier int

const (
	TierLDLT  SolveTier = iota // Cholesky LDL^T
	TierLLT                    // Cholesky LL^T
	TierLU                     // LU with partial pivoting
	TierEigen                  // symmetric eigendecomposition pseudo-inverse
)

func (t SolveTier) String() string {
	switch t {
	case TierLDLT:
		return "LDL^T"
	case TierLLT:
		return "LL^T"
	case TierLU:
		return "LU"
	case TierEigen:
		return "EIG"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// SolveCascade solves the normal equations M x = B for symmetric M,
// cascading through progressively more robust factorizations: Cholesky
// LDL^T, Cholesky LL^T, LU, and finally a symmetric eigendecomposition
// pseudo-inverse which maps zero eigenvalues to zero (Moore-Penrose). The
// cheapest method that succeeds wins; the eigen tier returns the
// minimum-norm solution even for rank-deficient M
func SolveCascade(m *mat.Dense, b []float64) (x []float64, tier SolveTier, err error) {
	n, c := m.Dims()
	if n != c || n != len(b) {
		return nil, 0, fmt.Errorf("%w: %dx%d matrix with length %d vector", ErrDomain, n, c, len(b))
	}
	for i := 0; i < n; i++ {
		if math.IsNaN(b[i]) {
			return nil, 0, fmt.Errorf("%w: NaN in right-hand side", ErrNumerical)
		}
		for j := 0; j < n; j++ {
			if math.IsNaN(m.At(i, j)) {
				return nil, 0, fmt.Errorf("%w: NaN in normal matrix", ErrNumerical)
			}
		}
	}

	if x = solveLDLT(m, b); x != nil {
		return x, TierLDLT, nil
	}
	if x = solveLLT(m, b); x != nil {
		return x, TierLLT, nil
	}
	if x = solveLU(m, b); x != nil {
		return x, TierLU, nil
	}
	if x = solveEigenPinv(m, b); x != nil {
		return x, TierEigen, nil
	}
	return nil, 0, ErrSolve
}

// Direct LDL^T factorization with unit lower triangle; no third-party
// routine exposes this tier. Returns nil on zero or invalid pivots
func solveLDLT(m *mat.Dense, b []float64) []float64 {
	n := len(b)
	l := make([][]float64, n)
	for i := range l {
		l[i] = make([]float64, n)
	}
	d := make([]float64, n)

	maxDiag := float64(0)
	for i := 0; i < n; i++ {
		if v := math.Abs(m.At(i, i)); v > maxDiag {
			maxDiag = v
		}
	}
	pivotMin := maxDiag * 1e-13
	if pivotMin == 0 {
		return nil
	}

	for j := 0; j < n; j++ {
		sum := m.At(j, j)
		for k := 0; k < j; k++ {
			sum -= l[j][k] * l[j][k] * d[k]
		}
		d[j] = sum
		if math.IsNaN(sum) || math.Abs(sum) < pivotMin {
			return nil
		}
		l[j][j] = 1
		for i := j + 1; i < n; i++ {
			sum := m.At(i, j)
			for k := 0; k < j; k++ {
				sum -= l[i][k] * l[j][k] * d[k]
			}
			l[i][j] = sum / d[j]
		}
	}

	// forward substitution L z = b, then scale by 1/d, then back L^T x = z
	x := make([]float64, n)
	for i := 0; i < n; i++ {
		sum := b[i]
		for k := 0; k < i; k++ {
			sum -= l[i][k] * x[k]
		}
		x[i] = sum
	}
	for i := 0; i < n; i++ {
		x[i] /= d[i]
	}
	for i := n - 1; i >= 0; i-- {
		sum := x[i]
		for k := i + 1; k < n; k++ {
			sum -= l[k][i] * x[k]
		}
		x[i] = sum
	}
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
	}
	return x
}

func symmetrized(m *mat.Dense) *mat.SymDense {
	n, _ := m.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}
	return sym
}

func solveLLT(m *mat.Dense, b []float64) []float64 {
	var chol mat.Cholesky
	if ok := chol.Factorize(symmetrized(m)); !ok {
		return nil
	}
	x := mat.NewVecDense(len(b), nil)
	if err := chol.SolveVecTo(x, mat.NewVecDense(len(b), b)); err != nil {
		return nil
	}
	return vecValues(x)
}

func solveLU(m *mat.Dense, b []float64) []float64 {
	var lu mat.LU
	lu.Factorize(m)
	x := mat.NewVecDense(len(b), nil)
	if err := lu.SolveVecTo(x, false, mat.NewVecDense(len(b), b)); err != nil {
		return nil
	}
	return vecValues(x)
}

func solveEigenPinv(m *mat.Dense, b []float64) []float64 {
	var eig mat.EigenSym
	if ok := eig.Factorize(symmetrized(m), true); !ok {
		return nil
	}
	n := len(b)
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	// zero eigenvalues invert to zero, in line with the pseudo-inverse;
	// treat eigenvalues below the numerical noise floor as zero
	maxAbs := float64(0)
	for _, v := range values {
		if a := math.Abs(v); a > maxAbs {
			maxAbs = a
		}
	}
	cutoff := maxAbs * 1e-13

	x := make([]float64, n)
	for k := 0; k < n; k++ {
		if math.Abs(values[k]) <= cutoff {
			continue
		}
		dot := float64(0)
		for i := 0; i < n; i++ {
			dot += vectors.At(i, k) * b[i]
		}
		dot /= values[k]
		for i := 0; i < n; i++ {
			x[i] += vectors.At(i, k) * dot
		}
	}
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
	}
	return x
}

func vecValues(v *mat.VecDense) []float64 {
	out := make([]float64, v.Len())
	for i := range out {
		val := v.AtVec(i)
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil
		}
		out[i] = val
	}
	return out
}
