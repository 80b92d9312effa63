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

package kernel

import (
	"fmt"
	"math"
)

// Generates the complete delta function basis for a kernel grid: one kernel
// per pixel, enumerated in row-major order
func GenerateDeltaFunctionBasis(width, height int32) ([]Kernel, error) {
	if width < 1 || height < 1 {
		return nil, fmt.Errorf("basis dimensions %dx%d must be positive", width, height)
	}
	basis := make([]Kernel, 0, width*height)
	for row := int32(0); row < height; row++ {
		for col := int32(0); col < width; col++ {
			k, err := NewDeltaFunctionKernel(width, height, col, row)
			if err != nil {
				return nil, err
			}
			basis = append(basis, k)
		}
	}
	return basis, nil
}

// Generates an Alard-Lupton basis: for each Gaussian width, the Gaussian
// modulated by all monomials x^j y^k with j+k <= degree, on a grid of
// (2*halfWidth+1)^2 pixels with x,y mapped to [-1,1] over the half width.
// The resulting list is renormalized for kernel sum conservation
func GenerateAlardLuptonBasis(halfWidth int32, sigGauss []float64, degGauss []int32) ([]Kernel, error) {
	if halfWidth < 1 {
		return nil, fmt.Errorf("half width %d must be positive", halfWidth)
	}
	if len(sigGauss) == 0 {
		return nil, fmt.Errorf("no gaussian widths given")
	}
	if len(sigGauss) != len(degGauss) {
		return nil, fmt.Errorf("got %d gaussian widths but %d polynomial degrees",
			len(sigGauss), len(degGauss))
	}
	fullWidth := 2*halfWidth + 1

	var raw []Kernel
	for i, sig := range sigGauss {
		if sig <= 0 {
			return nil, fmt.Errorf("gaussian width %g must be positive", sig)
		}
		deg := degGauss[i]
		if deg < 0 {
			return nil, fmt.Errorf("polynomial degree %d must not be negative", deg)
		}

		gauss, err := NewGaussianKernel(fullWidth, fullWidth, sig, sig)
		if err != nil {
			return nil, err
		}
		gaussImage, _, err := gauss.ComputeImage(true)
		if err != nil {
			return nil, err
		}

		// enumerate monomials by total degree: 1, x, y, x^2, xy, y^2, ...
		for o := int32(0); o <= deg; o++ {
			for yPow := int32(0); yPow <= o; yPow++ {
				xPow := o - yPow
				im := NewImage(fullWidth, fullWidth)
				for y := int32(0); y < fullWidth; y++ {
					v := float64(y-halfWidth) / float64(halfWidth)
					for x := int32(0); x < fullWidth; x++ {
						u := float64(x-halfWidth) / float64(halfWidth)
						mono := math.Pow(u, float64(xPow)) * math.Pow(v, float64(yPow))
						im.Set(x, y, gaussImage.At(x, y)*mono)
					}
				}
				raw = append(raw, NewFixedKernel(im))
			}
		}
	}
	return RenormalizeKernelList(raw)
}

// Rescales a basis list for kernel sum conservation across the image: the
// first kernel is normalized to unit sum; every subsequent kernel with a
// nonzero sum is normalized to unit sum and has the first kernel subtracted,
// and every subsequent kernel is rescaled to unit inner product. All power then sits in the first term, which a
// spatial fit can hold constant
func RenormalizeKernelList(in []Kernel) ([]Kernel, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("basis list is empty")
	}

	image0, _, err := in[0].ComputeImage(true)
	if err != nil {
		return nil, err
	}
	out := make([]Kernel, 0, len(in))
	out = append(out, NewFixedKernel(image0))

	for i := 1; i < len(in); i++ {
		im, sum, err := in[i].ComputeImage(false)
		if err != nil {
			return nil, err
		}
		// odd monomial modulations cancel to zero sum on the symmetric grid;
		// those already conserve flux and skip the sum normalization
		if math.Abs(sum) > 1e-10*math.Sqrt(im.InnerProduct(im)) {
			im.Scale(1 / sum)
			im.Subtract(image0)
		}

		ksq := im.InnerProduct(im)
		if ksq == 0 {
			return nil, fmt.Errorf("basis kernel %d is degenerate after renormalization", i)
		}
		im.Scale(1 / math.Sqrt(ksq))
		out = append(out, NewFixedKernel(im))
	}
	return out, nil
}
