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

	"github.com/mlnoga/diffimage/internal/spatialfn"
)

// A small 2-D image used as a convolution operator, in float64 precision.
// Indexed by x + Width*y
type Image struct {
	Width, Height int32
	Data          []float64
}

func NewImage(width, height int32) *Image {
	return &Image{Width: width, Height: height, Data: make([]float64, width*height)}
}

func (im *Image) At(x, y int32) float64     { return im.Data[x+y*im.Width] }
func (im *Image) Set(x, y int32, v float64) { im.Data[x+y*im.Width] = v }

func (im *Image) Clone() *Image {
	return &Image{Width: im.Width, Height: im.Height, Data: append([]float64(nil), im.Data...)}
}

// Sum of all pixel values
func (im *Image) Sum() (sum float64) {
	for _, v := range im.Data {
		sum += v
	}
	return sum
}

// Inner product with another image of the same dimensions
func (im *Image) InnerProduct(other *Image) (sum float64) {
	for i, v := range im.Data {
		sum += v * other.Data[i]
	}
	return sum
}

// Scales all pixels in place
func (im *Image) Scale(s float64) {
	for i := range im.Data {
		im.Data[i] *= s
	}
}

// Subtracts the other image in place
func (im *Image) Subtract(other *Image) {
	for i := range im.Data {
		im.Data[i] -= other.Data[i]
	}
}

// Minimum and maximum pixel value
func (im *Image) MinMax() (min, max float64) {
	min, max = math.Inf(1), math.Inf(-1)
	for _, v := range im.Data {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

// A convolution kernel that can be rendered to an Image
type Kernel interface {
	Dimensions() (width, height int32)
	Center() (ctrX, ctrY int32)
	// Renders the kernel. If doNormalize, the result is scaled to unit sum.
	// Returns the kernel sum before normalization
	ComputeImage(doNormalize bool) (*Image, float64, error)
}

// Default kernel center: the middle pixel, rounding down
func center(width, height int32) (int32, int32) {
	return width / 2, height / 2
}

// A kernel given by a fixed image
type FixedKernel struct {
	image      *Image
	ctrX, ctrY int32
}

func NewFixedKernel(image *Image) *FixedKernel {
	ctrX, ctrY := center(image.Width, image.Height)
	return &FixedKernel{image: image.Clone(), ctrX: ctrX, ctrY: ctrY}
}

func (k *FixedKernel) Dimensions() (int32, int32) { return k.image.Width, k.image.Height }
func (k *FixedKernel) Center() (int32, int32)     { return k.ctrX, k.ctrY }

func (k *FixedKernel) ComputeImage(doNormalize bool) (*Image, float64, error) {
	im := k.image.Clone()
	sum := im.Sum()
	if doNormalize {
		if sum == 0 {
			return nil, 0, fmt.Errorf("cannot normalize kernel with zero sum")
		}
		im.Scale(1 / sum)
	}
	return im, sum, nil
}

// A kernel which is 1 at pixel (px,py) and 0 elsewhere
type DeltaFunctionKernel struct {
	width, height int32
	px, py        int32
}

func NewDeltaFunctionKernel(width, height, px, py int32) (*DeltaFunctionKernel, error) {
	if width < 1 || height < 1 {
		return nil, fmt.Errorf("delta function kernel dimensions %dx%d must be positive", width, height)
	}
	if px < 0 || px >= width || py < 0 || py >= height {
		return nil, fmt.Errorf("delta function pixel (%d,%d) outside %dx%d kernel", px, py, width, height)
	}
	return &DeltaFunctionKernel{width: width, height: height, px: px, py: py}, nil
}

func (k *DeltaFunctionKernel) Dimensions() (int32, int32) { return k.width, k.height }
func (k *DeltaFunctionKernel) Center() (int32, int32)     { return center(k.width, k.height) }
func (k *DeltaFunctionKernel) Pixel() (int32, int32)      { return k.px, k.py }

func (k *DeltaFunctionKernel) ComputeImage(doNormalize bool) (*Image, float64, error) {
	im := NewImage(k.width, k.height)
	im.Set(k.px, k.py, 1)
	return im, 1, nil
}

// A kernel defined by an analytic function of the pixel offsets from center
type AnalyticKernel struct {
	width, height int32
	fn            func(dx, dy float64) float64
}

func NewAnalyticKernel(width, height int32, fn func(dx, dy float64) float64) (*AnalyticKernel, error) {
	if width < 1 || height < 1 {
		return nil, fmt.Errorf("analytic kernel dimensions %dx%d must be positive", width, height)
	}
	return &AnalyticKernel{width: width, height: height, fn: fn}, nil
}

// An elliptical Gaussian kernel with the given widths along x and y
func NewGaussianKernel(width, height int32, sigmaX, sigmaY float64) (*AnalyticKernel, error) {
	if sigmaX <= 0 || sigmaY <= 0 {
		return nil, fmt.Errorf("gaussian widths (%g,%g) must be positive", sigmaX, sigmaY)
	}
	return NewAnalyticKernel(width, height, func(dx, dy float64) float64 {
		return math.Exp(-0.5 * (dx*dx/(sigmaX*sigmaX) + dy*dy/(sigmaY*sigmaY)))
	})
}

func (k *AnalyticKernel) Dimensions() (int32, int32) { return k.width, k.height }
func (k *AnalyticKernel) Center() (int32, int32)     { return center(k.width, k.height) }

func (k *AnalyticKernel) ComputeImage(doNormalize bool) (*Image, float64, error) {
	im := NewImage(k.width, k.height)
	ctrX, ctrY := k.Center()
	for y := int32(0); y < k.height; y++ {
		for x := int32(0); x < k.width; x++ {
			im.Set(x, y, k.fn(float64(x-ctrX), float64(y-ctrY)))
		}
	}
	sum := im.Sum()
	if doNormalize {
		if sum == 0 {
			return nil, 0, fmt.Errorf("cannot normalize kernel with zero sum")
		}
		im.Scale(1 / sum)
	}
	return im, sum, nil
}

// A linear combination of basis kernels. Either fixed coefficients, or one
// spatial function per basis kernel for spatially varying combinations
type LinearCombinationKernel struct {
	basis      []Kernel
	images     []*Image // basis kernels rendered once
	coeffs     []float64
	spatialFns []spatialfn.Function2D
}

func NewLinearCombinationKernel(basis []Kernel, coeffs []float64) (*LinearCombinationKernel, error) {
	if len(basis) == 0 {
		return nil, fmt.Errorf("basis list is empty")
	}
	if len(coeffs) != len(basis) {
		return nil, fmt.Errorf("basis size %d does not match coefficient count %d", len(basis), len(coeffs))
	}
	k := &LinearCombinationKernel{basis: basis, coeffs: append([]float64(nil), coeffs...)}
	if err := k.renderBasis(); err != nil {
		return nil, err
	}
	return k, nil
}

// Creates a spatially varying linear combination with one spatial function
// per basis kernel
func NewSpatiallyVaryingKernel(basis []Kernel, spatialFns []spatialfn.Function2D) (*LinearCombinationKernel, error) {
	if len(basis) == 0 {
		return nil, fmt.Errorf("basis list is empty")
	}
	if len(spatialFns) != len(basis) {
		return nil, fmt.Errorf("basis size %d does not match spatial function count %d", len(basis), len(spatialFns))
	}
	k := &LinearCombinationKernel{basis: basis, spatialFns: spatialFns}
	if err := k.renderBasis(); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *LinearCombinationKernel) renderBasis() error {
	width, height := k.basis[0].Dimensions()
	k.images = make([]*Image, len(k.basis))
	for i, b := range k.basis {
		w, h := b.Dimensions()
		if w != width || h != height {
			return fmt.Errorf("basis kernel %d is %dx%d, want %dx%d", i, w, h, width, height)
		}
		im, _, err := b.ComputeImage(false)
		if err != nil {
			return err
		}
		k.images[i] = im
	}
	return nil
}

func (k *LinearCombinationKernel) Dimensions() (int32, int32) { return k.basis[0].Dimensions() }
func (k *LinearCombinationKernel) Center() (int32, int32)     { return k.basis[0].Center() }
func (k *LinearCombinationKernel) NBasis() int                { return len(k.basis) }
func (k *LinearCombinationKernel) Basis() []Kernel            { return k.basis }

func (k *LinearCombinationKernel) IsSpatiallyVarying() bool { return k.spatialFns != nil }

// Sets the spatial parameters, one parameter vector per basis kernel
func (k *LinearCombinationKernel) SetSpatialParameters(params [][]float64) error {
	if k.spatialFns == nil {
		return fmt.Errorf("kernel is not spatially varying")
	}
	if len(params) != len(k.spatialFns) {
		return fmt.Errorf("got %d parameter vectors for %d basis kernels", len(params), len(k.spatialFns))
	}
	for i, p := range params {
		if err := k.spatialFns[i].SetParameters(p); err != nil {
			return err
		}
	}
	return nil
}

// Renders the kernel with its fixed coefficients
func (k *LinearCombinationKernel) ComputeImage(doNormalize bool) (*Image, float64, error) {
	if k.spatialFns != nil {
		return k.ComputeImageAt(doNormalize, 0, 0)
	}
	return k.combine(k.coeffs, doNormalize)
}

// Renders the kernel at the given image position, evaluating the spatial
// function of each basis kernel
func (k *LinearCombinationKernel) ComputeImageAt(doNormalize bool, x, y float64) (*Image, float64, error) {
	coeffs := k.coeffs
	if k.spatialFns != nil {
		coeffs = make([]float64, len(k.basis))
		for i, fn := range k.spatialFns {
			coeffs[i] = fn.Evaluate(x, y)
		}
	}
	return k.combine(coeffs, doNormalize)
}

func (k *LinearCombinationKernel) combine(coeffs []float64, doNormalize bool) (*Image, float64, error) {
	width, height := k.Dimensions()
	im := NewImage(width, height)
	for i, c := range coeffs {
		for j, v := range k.images[i].Data {
			im.Data[j] += c * v
		}
	}
	sum := im.Sum()
	if doNormalize {
		if sum == 0 {
			return nil, 0, fmt.Errorf("cannot normalize kernel with zero sum")
		}
		im.Scale(1 / sum)
	}
	return im, sum, nil
}
