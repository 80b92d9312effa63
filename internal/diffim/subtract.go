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
	"github.com/mlnoga/diffimage/internal/fits"
	"github.com/mlnoga/diffimage/internal/kernel"
)

// Mask plane name for pixels invalidated by convolution boundaries
const EdgePlane = "diffimEdge"

// A differential background model evaluated at image coordinates. Scalar
// backgrounds wrap a constant
type BackgroundFunc func(x, y float64) float64

func ScalarBackground(b float64) BackgroundFunc {
	return func(x, y float64) float64 { return b }
}

// ConvolveAndSubtract implements the fundamental difference imaging step
// D = S - (K*T + bg) where * denotes convolution of the template T. Mask
// bits of both inputs are or-ed; variances add, with the template variance
// propagated through the kernel. Convolution boundary pixels are flagged
// with the edge plane. If invert, the sign of D is flipped
func ConvolveAndSubtract(templ, sci *fits.MaskedImage, k kernel.Kernel, bg BackgroundFunc, invert bool) (*fits.MaskedImage, error) {
	width, height := templ.Width(), templ.Height()

	conv := fits.NewImageFromNaxisn(templ.Image.Naxisn, nil)
	conv.X0, conv.Y0 = templ.Image.X0, templ.Image.Y0
	if err := kernel.Convolve(conv, templ.Image, k, false); err != nil {
		return nil, err
	}
	convVar := fits.NewImageFromNaxisn(templ.Variance.Naxisn, nil)
	if err := kernel.ConvolveVariance(convVar, templ.Variance, k); err != nil {
		return nil, err
	}

	mask := sci.Mask.Clone()
	for i, b := range templ.Mask.Bits {
		mask.Bits[i] |= b
	}
	edgeBit, err := mask.AddPlane(EdgePlane)
	if err != nil {
		return nil, err
	}
	edgeMask := uint32(1) << edgeBit
	startCol, startRow, endCol, endRow := kernel.Interior(k, width, height)
	for y := int32(0); y < height; y++ {
		for x := int32(0); x < width; x++ {
			if x < startCol || x >= endCol || y < startRow || y >= endRow {
				mask.Bits[x+y*width] |= edgeMask
			}
		}
	}

	diff := fits.NewImageFromNaxisn(sci.Image.Naxisn, nil)
	diff.X0, diff.Y0 = sci.Image.X0, sci.Image.Y0
	diffVar := fits.NewImageFromNaxisn(sci.Variance.Naxisn, nil)
	diffVar.X0, diffVar.Y0 = sci.Variance.X0, sci.Variance.Y0

	sign := float32(1)
	if invert {
		sign = -1
	}
	for y := int32(0); y < height; y++ {
		// background functions are evaluated in parent image coordinates
		yPos := float64(y + sci.Image.Y0)
		for x := int32(0); x < width; x++ {
			i := x + y*width
			b := float32(bg(float64(x+sci.Image.X0), yPos))
			diff.Data[i] = sign * (sci.Image.Data[i] - (conv.Data[i] + b))
			diffVar.Data[i] = sci.Variance.Data[i] + convVar.Data[i]
		}
	}
	return fits.NewMaskedImageFromPlanes(diff, diffVar, mask), nil
}
