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

	"github.com/mlnoga/diffimage/internal/fits"
)

// Interior reports the first and one-past-last usable column and row when
// convolving an image of the given dimensions with this kernel: pixel (i,j)
// of the result needs T(i+u-ctrX, j+v-ctrY) for all kernel pixels (u,v)
func Interior(k Kernel, width, height int32) (startCol, startRow, endCol, endRow int32) {
	kw, kh := k.Dimensions()
	ctrX, ctrY := k.Center()
	return ctrX, ctrY, width - (kw - ctrX) + 1, height - (kh - ctrY) + 1
}

// Convolve computes out(i,j) = sum_{u,v} K(u,v) * in(i+u-ctrX, j+v-ctrY) on
// the interior of the image. Boundary pixels keep the input values. If
// doNormalize, the kernel is scaled to unit sum first
func Convolve(out, in *fits.Image, k Kernel, doNormalize bool) error {
	width, height := in.Width(), in.Height()
	if out.Width() != width || out.Height() != height {
		return fmt.Errorf("output image is %dx%d, want %dx%d", out.Width(), out.Height(), width, height)
	}
	kimg, _, err := k.ComputeImage(doNormalize)
	if err != nil {
		return err
	}
	ctrX, ctrY := k.Center()
	startCol, startRow, endCol, endRow := Interior(k, width, height)
	if startCol >= endCol || startRow >= endRow {
		return fmt.Errorf("%dx%d kernel leaves no interior on %dx%d image", kimg.Width, kimg.Height, width, height)
	}

	copy(out.Data, in.Data)
	for y := startRow; y < endRow; y++ {
		for x := startCol; x < endCol; x++ {
			sum := float64(0)
			for v := int32(0); v < kimg.Height; v++ {
				inRow := (y + v - ctrY) * width
				kRow := v * kimg.Width
				for u := int32(0); u < kimg.Width; u++ {
					sum += kimg.Data[kRow+u] * float64(in.Data[inRow+x+u-ctrX])
				}
			}
			out.Data[x+y*width] = float32(sum)
		}
	}
	return nil
}

// ConvolveVariance propagates a variance plane through the convolution:
// var_out(i,j) = sum_{u,v} K(u,v)^2 * var_in(i+u-ctrX, j+v-ctrY)
func ConvolveVariance(out, in *fits.Image, k Kernel) error {
	width, height := in.Width(), in.Height()
	if out.Width() != width || out.Height() != height {
		return fmt.Errorf("output image is %dx%d, want %dx%d", out.Width(), out.Height(), width, height)
	}
	kimg, _, err := k.ComputeImage(false)
	if err != nil {
		return err
	}
	ctrX, ctrY := k.Center()
	startCol, startRow, endCol, endRow := Interior(k, width, height)

	copy(out.Data, in.Data)
	for y := startRow; y < endRow; y++ {
		for x := startCol; x < endCol; x++ {
			sum := float64(0)
			for v := int32(0); v < kimg.Height; v++ {
				inRow := (y + v - ctrY) * width
				kRow := v * kimg.Width
				for u := int32(0); u < kimg.Width; u++ {
					kv := kimg.Data[kRow+u]
					sum += kv * kv * float64(in.Data[inRow+x+u-ctrX])
				}
			}
			out.Data[x+y*width] = float32(sum)
		}
	}
	return nil
}
