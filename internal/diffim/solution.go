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

	"github.com/mlnoga/diffimage/internal/fits"
	"github.com/mlnoga/diffimage/internal/kernel"
)

// StaticKernelSolution fits a single PSF matching kernel plus scalar
// background to one stamp pair: express the kernel on the basis, build the
// weighted normal equations over the stamp interior, and solve with the
// cascading solver. M and B are kept for the downstream spatial fit
type StaticKernelSolution struct {
	basis       []kernel.Kernel
	basisImages []*kernel.Image

	m    *mat.Dense // (nBasis+1)^2 normal matrix; background in the last row/column
	b    []float64  // nBasis+1 right-hand side
	soln []float64
	tier SolveTier
}

func NewStaticKernelSolution(basis []kernel.Kernel) (*StaticKernelSolution, error) {
	if len(basis) == 0 {
		return nil, fmt.Errorf("%w: empty basis", ErrDomain)
	}
	width, height := basis[0].Dimensions()
	images := make([]*kernel.Image, len(basis))
	for i, bk := range basis {
		w, h := bk.Dimensions()
		if w != width || h != height {
			return nil, fmt.Errorf("%w: basis kernel %d is %dx%d, want %dx%d", ErrDomain, i, w, h, width, height)
		}
		im, _, err := bk.ComputeImage(false)
		if err != nil {
			return nil, err
		}
		images[i] = im
	}
	return &StaticKernelSolution{basis: basis, basisImages: images}, nil
}

func (s *StaticKernelSolution) NBasis() int            { return len(s.basis) }
func (s *StaticKernelSolution) Basis() []kernel.Kernel { return s.basis }

// Build constructs and solves the normal equations for the given template
// stamp, science stamp and per-pixel variance estimate. If h is non-nil,
// Tikhonov regularization with the smoothness matrix h and the given
// scaling is applied before solving
func (s *StaticKernelSolution) Build(timg, simg, varimg *fits.Image, h *mat.Dense, regScaling float64) error {
	width, height := timg.Width(), timg.Height()
	if simg.Width() != width || simg.Height() != height ||
		varimg.Width() != width || varimg.Height() != height {
		return fmt.Errorf("%w: stamp planes disagree in size", ErrDomain)
	}

	nKernel := len(s.basis)
	nParams := nKernel + 1 // plus differential background

	// Ignore buffers around the edge of the convolved stamp: with kernel
	// width w and center c, the first usable column is c and the last is
	// width-(w-c)+1 exclusive
	startCol, startRow, endCol, endRow := kernel.Interior(s.basis[0], width, height)
	if startCol >= endCol || startRow >= endRow {
		return fmt.Errorf("%w: stamp %dx%d smaller than kernel", ErrDomain, width, height)
	}
	nInterior := int(endCol-startCol) * int(endRow-startRow)
	if nInterior < nParams {
		return fmt.Errorf("%w: %d interior pixels for %d parameters", ErrDomain, nInterior, nParams)
	}
	ctrX, ctrY := s.basis[0].Center()

	// C_i in the formalism of Alard & Lupton: each basis kernel convolved
	// with the template, flattened over the interior. The last column is
	// all ones for the background
	c := make([][]float64, nParams)
	for i := range c {
		c[i] = make([]float64, nInterior)
	}
	for ki, kimg := range s.basisImages {
		ci := c[ki]
		idx := 0
		for y := startRow; y < endRow; y++ {
			for x := startCol; x < endCol; x++ {
				sum := float64(0)
				for v := int32(0); v < kimg.Height; v++ {
					inRow := (y + v - ctrY) * width
					kRow := v * kimg.Width
					for u := int32(0); u < kimg.Width; u++ {
						sum += kimg.Data[kRow+u] * float64(timg.Data[inRow+x+u-ctrX])
					}
				}
				ci[idx] = sum
				idx++
			}
		}
	}
	for i := range c[nKernel] {
		c[nKernel][i] = 1
	}

	// inverse variance weights and weighted science pixels over the interior
	weights := make([]float64, nInterior)
	wSci := make([]float64, nInterior)
	idx := 0
	for y := startRow; y < endRow; y++ {
		for x := startCol; x < endCol; x++ {
			v := float64(varimg.Data[x+y*width])
			if v <= 0 || math.IsNaN(v) {
				return fmt.Errorf("%w: non-positive variance %g at (%d,%d)", ErrNumerical, v, x, y)
			}
			weights[idx] = 1 / v
			wSci[idx] = weights[idx] * float64(simg.Data[x+y*width])
			idx++
		}
	}

	// M = C^T diag(w) C and B = C^T (w * s); M is symmetric by construction
	m := mat.NewDense(nParams, nParams, nil)
	b := make([]float64, nParams)
	for i := 0; i < nParams; i++ {
		ci := c[i]
		for j := i; j < nParams; j++ {
			cj := c[j]
			sum := float64(0)
			for p, w := range weights {
				sum += ci[p] * w * cj[p]
			}
			m.Set(i, j, sum)
			m.Set(j, i, sum)
		}
		sum := float64(0)
		for p, ws := range wSci {
			sum += ci[p] * ws
		}
		b[i] = sum
	}

	// Tikhonov regularization per N.R. 18.5: M -> M^T M + lambda H with
	// lambda = tr(M)/tr(H) * scaling, B -> M^T B. Skipped entirely when
	// not regularizing, where M is already symmetric
	if h != nil {
		hr, hc := h.Dims()
		if hr != nParams || hc != nParams {
			return fmt.Errorf("%w: regularization matrix is %dx%d, want %dx%d", ErrDomain, hr, hc, nParams, nParams)
		}
		mtm := mat.NewDense(nParams, nParams, nil)
		mtm.Mul(m.T(), m)

		trH := kernel.Trace(h)
		if trH == 0 {
			return fmt.Errorf("%w: regularization matrix has zero trace", ErrNumerical)
		}
		lambda := kernel.Trace(m) / trH * regScaling

		mtb := make([]float64, nParams)
		for i := 0; i < nParams; i++ {
			sum := float64(0)
			for j := 0; j < nParams; j++ {
				sum += m.At(j, i) * b[j]
			}
			mtb[i] = sum
		}
		for i := 0; i < nParams; i++ {
			for j := 0; j < nParams; j++ {
				mtm.Set(i, j, mtm.At(i, j)+lambda*h.At(i, j))
			}
		}
		m, b = mtm, mtb
	}

	s.m, s.b = m, b
	s.soln = nil
	return s.solve()
}

func (s *StaticKernelSolution) solve() error {
	soln, tier, err := SolveCascade(s.m, s.b)
	if err != nil {
		return err
	}
	for _, v := range soln {
		if math.IsNaN(v) {
			return fmt.Errorf("%w: NaN in solution", ErrNumerical)
		}
	}
	s.soln, s.tier = soln, tier
	return nil
}

func (s *StaticKernelSolution) IsSolved() bool { return s.soln != nil }

func (s *StaticKernelSolution) Tier() SolveTier { return s.tier }

// The solved PSF matching kernel as a linear combination over the basis
func (s *StaticKernelSolution) Kernel() (*kernel.LinearCombinationKernel, error) {
	if s.soln == nil {
		return nil, fmt.Errorf("%w: no solution available", ErrNumerical)
	}
	return kernel.NewLinearCombinationKernel(s.basis, s.soln[:len(s.basis)])
}

// The solved kernel rendered to an image, and its sum
func (s *StaticKernelSolution) KernelImage() (*kernel.Image, float64, error) {
	k, err := s.Kernel()
	if err != nil {
		return nil, 0, err
	}
	return k.ComputeImage(false)
}

// The solved differential background
func (s *StaticKernelSolution) Background() (float64, error) {
	if s.soln == nil {
		return 0, fmt.Errorf("%w: no solution available", ErrNumerical)
	}
	return s.soln[len(s.soln)-1], nil
}

// The sum of the solved kernel; the photometric scaling between the images
func (s *StaticKernelSolution) Ksum() (float64, error) {
	_, sum, err := s.KernelImage()
	return sum, err
}

// Per-parameter standard deviations from the Cholesky factorization of
// M^T M. Fails on invalid variances
func (s *StaticKernelSolution) Uncertainty() ([]float64, error) {
	if s.soln == nil {
		return nil, fmt.Errorf("%w: no solution available", ErrNumerical)
	}
	n := len(s.b)
	cov := mat.NewDense(n, n, nil)
	cov.Mul(s.m.T(), s.m)

	var chol mat.Cholesky
	if ok := chol.Factorize(symmetrized(cov)); !ok {
		return nil, fmt.Errorf("%w: covariance matrix is not positive definite", ErrNumerical)
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNumerical, err.Error())
	}

	sigmas := make([]float64, n)
	for i := 0; i < n; i++ {
		v := inv.At(i, i)
		if math.IsNaN(v) || v < 0 {
			return nil, fmt.Errorf("%w: variance %g for parameter %d", ErrNumerical, v, i)
		}
		sigmas[i] = math.Sqrt(v)
	}
	return sigmas, nil
}

// The per-parameter uncertainties composed into a kernel-shaped image, plus
// the background uncertainty
func (s *StaticKernelSolution) KernelUncertainty() (*kernel.Image, float64, error) {
	sigmas, err := s.Uncertainty()
	if err != nil {
		return nil, 0, err
	}
	k, err := kernel.NewLinearCombinationKernel(s.basis, sigmas[:len(s.basis)])
	if err != nil {
		return nil, 0, err
	}
	im, _, err := k.ComputeImage(false)
	if err != nil {
		return nil, 0, err
	}
	return im, sigmas[len(sigmas)-1], nil
}

// The normal equations, for accumulation into the spatial fit
func (s *StaticKernelSolution) MB() (*mat.Dense, []float64) {
	return s.m, s.b
}
