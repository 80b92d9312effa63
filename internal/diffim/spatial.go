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

	"gonum.org/v1/gonum/mat"

	"github.com/mlnoga/diffimage/internal/kernel"
	"github.com/mlnoga/diffimage/internal/spatialfn"
)

// SpatialKernelSolution assembles the global normal equations for the
// spatially varying kernel and background: every candidate's (M, B) is
// spread over the spatial polynomial terms evaluated at the candidate's
// position and summed. With constantFirstTerm, the first basis kernel is
// held spatially constant, which conserves the kernel sum across the image
type SpatialKernelSolution struct {
	basis    []kernel.Kernel
	kernelFn spatialfn.Function2D
	bgFn     spatialfn.Function2D

	constantFirstTerm bool
	nBases            int
	nkt, nbt, nt      int

	m           *mat.Dense
	b           []float64
	soln        []float64
	tier        SolveTier
	nConstraint int
}

func NewSpatialKernelSolution(basis []kernel.Kernel, kernelFn, bgFn spatialfn.Function2D,
	constantFirstTerm bool) (*SpatialKernelSolution, error) {
	if len(basis) == 0 {
		return nil, fmt.Errorf("%w: empty basis", ErrDomain)
	}
	nBases := len(basis)
	nkt := kernelFn.NumParameters()
	nbt := bgFn.NumParameters()

	// With a constant first term the input matrices shrink by nkt-1 rows and
	// columns, rather than carrying empty spatial terms for the first basis
	nt := nBases*nkt + nbt
	if constantFirstTerm {
		nt = (nBases-1)*nkt + 1 + nbt
	}

	return &SpatialKernelSolution{
		basis:             basis,
		kernelFn:          kernelFn,
		bgFn:              bgFn,
		constantFirstTerm: constantFirstTerm,
		nBases:            nBases,
		nkt:               nkt,
		nbt:               nbt,
		nt:                nt,
		m:                 mat.NewDense(nt, nt, nil),
		b:                 make([]float64, nt),
	}, nil
}

func (s *SpatialKernelSolution) NTerms() int       { return s.nt }
func (s *SpatialKernelSolution) NConstraints() int { return s.nConstraint }

// evaluates the value of each term of the function at (x,y) by switching on
// unit parameter vectors
func evalTerms(fn spatialfn.Function2D, x, y float64) []float64 {
	n := fn.NumParameters()
	scratch := fn.Clone()
	params := make([]float64, n)
	terms := make([]float64, n)
	for i := 0; i < n; i++ {
		params[i] = 1
		scratch.SetParameters(params)
		terms[i] = scratch.Evaluate(x, y)
		params[i] = 0
	}
	return terms
}

// AddConstraint accumulates one candidate's normal equations, taken at the
// candidate position (x,y), into the global system. Only the upper triangle
// of the diagonal blocks is filled; Solve symmetrizes once
func (s *SpatialKernelSolution) AddConstraint(x, y float64, q *mat.Dense, w []float64) error {
	qr, qc := q.Dims()
	if qr != s.nBases+1 || qc != s.nBases+1 || len(w) != s.nBases+1 {
		return fmt.Errorf("%w: candidate normal equations are %dx%d with %d vector, want %d",
			ErrDomain, qr, qc, len(w), s.nBases+1)
	}

	pk := evalTerms(s.kernelFn, x, y)
	pb := evalTerms(s.bgFn, x, y)
	nkt, nbt := s.nkt, s.nbt

	// first index to start the spatial blocks, and the row/column shift due
	// to the constant first term
	m0, dm := 0, 0
	mb := s.nt - nbt // where the background terms start
	if s.constantFirstTerm {
		m0 = 1
		dm = nkt - 1

		s.m.Set(0, 0, s.m.At(0, 0)+q.At(0, 0))
		for m2 := 1; m2 < s.nBases; m2++ {
			for j := 0; j < nkt; j++ {
				col := m2*nkt - dm + j
				s.m.Set(0, col, s.m.At(0, col)+q.At(0, m2)*pk[j])
			}
		}
		for j := 0; j < nbt; j++ {
			s.m.Set(0, mb+j, s.m.At(0, mb+j)+q.At(0, s.nBases)*pb[j])
		}
		s.b[0] += w[0]
	}

	// spatial blocks for the kernel terms
	for m1 := m0; m1 < s.nBases; m1++ {
		r0 := m1*nkt - dm

		// diagonal kernel-kernel block, upper triangle only
		for i := 0; i < nkt; i++ {
			for j := i; j < nkt; j++ {
				s.m.Set(r0+i, r0+j, s.m.At(r0+i, r0+j)+q.At(m1, m1)*pk[i]*pk[j])
			}
		}

		// off-diagonal kernel-kernel blocks
		for m2 := m1 + 1; m2 < s.nBases; m2++ {
			c0 := m2*nkt - dm
			for i := 0; i < nkt; i++ {
				for j := 0; j < nkt; j++ {
					s.m.Set(r0+i, c0+j, s.m.At(r0+i, c0+j)+q.At(m1, m2)*pk[i]*pk[j])
				}
			}
		}

		// kernel cross terms with the background
		for i := 0; i < nkt; i++ {
			for j := 0; j < nbt; j++ {
				s.m.Set(r0+i, mb+j, s.m.At(r0+i, mb+j)+q.At(m1, s.nBases)*pk[i]*pb[j])
			}
		}

		for i := 0; i < nkt; i++ {
			s.b[r0+i] += w[m1] * pk[i]
		}
	}

	// background-background block, upper triangle only
	for i := 0; i < nbt; i++ {
		for j := i; j < nbt; j++ {
			s.m.Set(mb+i, mb+j, s.m.At(mb+i, mb+j)+q.At(s.nBases, s.nBases)*pb[i]*pb[j])
		}
		s.b[mb+i] += w[s.nBases] * pb[i]
	}

	s.nConstraint++
	return nil
}

// Solve symmetrizes the accumulated system and runs the cascading solver.
// Failures here are fatal for the pipeline
func (s *SpatialKernelSolution) Solve() error {
	if s.nConstraint == 0 {
		return fmt.Errorf("%w: no constraints for spatial fit", ErrNoCandidates)
	}

	// fill in the other half of M
	for i := 0; i < s.nt; i++ {
		for j := i + 1; j < s.nt; j++ {
			s.m.Set(j, i, s.m.At(i, j))
		}
	}

	soln, tier, err := SolveCascade(s.m, s.b)
	if err != nil {
		return fmt.Errorf("unable to determine spatial kernel solution: %w", err)
	}
	s.soln, s.tier = soln, tier
	return nil
}

func (s *SpatialKernelSolution) Tier() SolveTier { return s.tier }

// SolutionPair distributes the solution vector into a spatially varying
// kernel over the basis plus a spatial background function
func (s *SpatialKernelSolution) SolutionPair() (*kernel.LinearCombinationKernel, spatialfn.Function2D, error) {
	if s.soln == nil {
		return nil, nil, fmt.Errorf("%w: spatial system not solved", ErrNumerical)
	}

	// kernel coefficients; the first term may not vary spatially
	kCoeffs := make([][]float64, s.nBases)
	idx := 0
	for i := 0; i < s.nBases; i++ {
		kCoeffs[i] = make([]float64, s.nkt)
		if i == 0 && s.constantFirstTerm {
			kCoeffs[i][0] = s.soln[idx]
			idx++
		} else {
			for j := 0; j < s.nkt; j++ {
				kCoeffs[i][j] = s.soln[idx]
				idx++
			}
		}
	}

	bgCoeffs := make([]float64, s.nbt)
	for i := 0; i < s.nbt; i++ {
		bgCoeffs[i] = s.soln[s.nt-s.nbt+i]
	}

	spatialFns := make([]spatialfn.Function2D, s.nBases)
	for i := range spatialFns {
		spatialFns[i] = s.kernelFn.Clone()
	}
	spatialKernel, err := kernel.NewSpatiallyVaryingKernel(s.basis, spatialFns)
	if err != nil {
		return nil, nil, err
	}
	if err := spatialKernel.SetSpatialParameters(kCoeffs); err != nil {
		return nil, nil, err
	}

	bgFn := s.bgFn.Clone()
	if err := bgFn.SetParameters(bgCoeffs); err != nil {
		return nil, nil, err
	}
	return spatialKernel, bgFn, nil
}
