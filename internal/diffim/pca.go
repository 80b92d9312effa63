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
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/mlnoga/diffimage/internal/kernel"
)

// ImagePca computes a principal component analysis over a population of
// equally sized images. The decomposition runs on the n x n Gram matrix of
// the (weighted) images, so cost scales with the number of images, not
// with the pixel count
type ImagePca struct {
	images  []*kernel.Image
	weights []float64

	mean        *kernel.Image
	eigenImages []*kernel.Image
	eigenValues []float64
}

func NewImagePca() *ImagePca { return &ImagePca{} }

func (p *ImagePca) AddImage(im *kernel.Image, weight float64) error {
	if len(p.images) > 0 {
		if im.Width != p.images[0].Width || im.Height != p.images[0].Height {
			return fmt.Errorf("%w: image %dx%d does not match population %dx%d",
				ErrDomain, im.Width, im.Height, p.images[0].Width, p.images[0].Height)
		}
	}
	p.images = append(p.images, im)
	p.weights = append(p.weights, weight)
	return nil
}

func (p *ImagePca) NImages() int { return len(p.images) }

func (p *ImagePca) ImageList() []*kernel.Image { return p.images }

// Mean computes the weighted mean image of the population
func (p *ImagePca) Mean() (*kernel.Image, error) {
	if len(p.images) == 0 {
		return nil, fmt.Errorf("%w: no images for PCA", ErrNoCandidates)
	}
	mean := kernel.NewImage(p.images[0].Width, p.images[0].Height)
	wSum := float64(0)
	for i, im := range p.images {
		w := p.weights[i]
		wSum += w
		for j, v := range im.Data {
			mean.Data[j] += w * v
		}
	}
	if wSum == 0 {
		return nil, fmt.Errorf("%w: zero total weight for PCA mean", ErrNumerical)
	}
	mean.Scale(1 / wSum)
	p.mean = mean
	return mean, nil
}

// SubtractMean removes the population mean from every image in place.
// Without this, the first eigen component essentially reproduces the mean
// and crowds out the true variation
func (p *ImagePca) SubtractMean() (*kernel.Image, error) {
	mean, err := p.Mean()
	if err != nil {
		return nil, err
	}
	for _, im := range p.images {
		im.Subtract(mean)
	}
	return mean, nil
}

// Analyze performs the eigendecomposition of the image population and
// fills the eigen images and eigenvalues, sorted by decreasing eigenvalue
func (p *ImagePca) Analyze() error {
	n := len(p.images)
	if n == 0 {
		return fmt.Errorf("%w: no images for PCA", ErrNoCandidates)
	}

	// Gram matrix of the weighted images
	gram := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			dot := p.images[i].InnerProduct(p.images[j])
			gram.SetSym(i, j, dot*p.weights[i]*p.weights[j])
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(gram, true); !ok {
		return fmt.Errorf("%w: PCA eigendecomposition failed", ErrNumerical)
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	// sort eigenpairs by decreasing eigenvalue
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return values[order[a]] > values[order[b]] })

	p.eigenImages = make([]*kernel.Image, 0, n)
	p.eigenValues = make([]float64, 0, n)
	for _, k := range order {
		ev := values[k]
		if ev < 0 { // numerical noise on a PSD matrix
			ev = 0
		}
		eim := kernel.NewImage(p.images[0].Width, p.images[0].Height)
		for i := 0; i < n; i++ {
			c := vectors.At(i, k) * p.weights[i]
			for j, v := range p.images[i].Data {
				eim.Data[j] += c * v
			}
		}
		// normalize to unit norm in pixel space
		norm := math.Sqrt(eim.InnerProduct(eim))
		if norm > 0 {
			eim.Scale(1 / norm)
		}
		p.eigenImages = append(p.eigenImages, eim)
		p.eigenValues = append(p.eigenValues, ev)
	}
	return nil
}

func (p *ImagePca) EigenImages() []*kernel.Image { return p.eigenImages }
func (p *ImagePca) EigenValues() []float64       { return p.eigenValues }

// KernelPca is an ImagePca over kernel images which additionally rescales
// each eigen image so its extreme value is +-1. The mean-subtracted eigen
// images have zero mean, so the extreme is the only usable normalizer
type KernelPca struct {
	ImagePca
}

func NewKernelPca() *KernelPca { return &KernelPca{} }

func (p *KernelPca) Analyze() error {
	if err := p.ImagePca.Analyze(); err != nil {
		return err
	}
	for _, eim := range p.eigenImages {
		min, max := eim.MinMax()
		extreme := max
		if math.Abs(min) > max {
			extreme = min
		}
		if extreme != 0 {
			eim.Scale(1 / extreme)
		}
	}
	return nil
}
