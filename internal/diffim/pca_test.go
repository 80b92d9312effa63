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
	"math"
	"testing"

	"github.com/mlnoga/diffimage/internal/kernel"
)

func gaussianImage(t *testing.T, sigma float64) *kernel.Image {
	g, err := kernel.NewGaussianKernel(9, 9, sigma, sigma)
	if err != nil {
		t.Fatal(err)
	}
	im, _, err := g.ComputeImage(true)
	if err != nil {
		t.Fatal(err)
	}
	return im
}

func TestImagePcaMean(t *testing.T) {
	pca := NewImagePca()
	a := gaussianImage(t, 1.0)
	b := gaussianImage(t, 2.0)
	pca.AddImage(a.Clone(), 1)
	pca.AddImage(b.Clone(), 1)

	mean, err := pca.Mean()
	if err != nil {
		t.Fatal(err)
	}
	for i := range mean.Data {
		want := 0.5 * (a.Data[i] + b.Data[i])
		if math.Abs(mean.Data[i]-want) > 1e-12 {
			t.Fatalf("mean pixel %d is %g; want %g", i, mean.Data[i], want)
		}
	}
}

func TestImagePcaIdenticalImages(t *testing.T) {
	pca := NewKernelPca()
	base := gaussianImage(t, 1.5)
	for i := 0; i < 5; i++ {
		pca.AddImage(base.Clone(), 1)
	}
	if _, err := pca.SubtractMean(); err != nil {
		t.Fatal(err)
	}
	if err := pca.Analyze(); err != nil {
		t.Fatal(err)
	}
	// identical images carry no variance after mean subtraction
	for i, ev := range pca.EigenValues() {
		if ev > 1e-16 {
			t.Errorf("eigenvalue %d is %g; want about 0 for identical inputs", i, ev)
		}
	}
}

func TestKernelPcaExtremeNormalization(t *testing.T) {
	pca := NewKernelPca()
	sigmas := []float64{1.0, 1.2, 1.5, 1.8, 2.2}
	for _, s := range sigmas {
		pca.AddImage(gaussianImage(t, s), 1)
	}
	mean, err := pca.SubtractMean()
	if err != nil {
		t.Fatal(err)
	}
	if err := pca.Analyze(); err != nil {
		t.Fatal(err)
	}
	if mean.Sum() < 0.9 {
		t.Errorf("mean kernel sum %g; want about 1 for unit sum inputs", mean.Sum())
	}

	// leading eigen images are scaled so the extreme pixel is +-1
	for i, eim := range pca.EigenImages() {
		if pca.EigenValues()[i] < 1e-12 {
			continue
		}
		min, max := eim.MinMax()
		extreme := max
		if math.Abs(min) > max {
			extreme = min
		}
		if math.Abs(math.Abs(extreme)-1) > 1e-9 {
			t.Errorf("eigen image %d extreme %g; want +-1", i, extreme)
		}
	}

	// eigenvalues are sorted by decreasing magnitude
	evs := pca.EigenValues()
	for i := 1; i < len(evs); i++ {
		if evs[i] > evs[i-1]+1e-15 {
			t.Errorf("eigenvalues not sorted: %v", evs)
		}
	}
}

func TestGetEigenKernels(t *testing.T) {
	pca := NewKernelPca()
	for _, s := range []float64{1.0, 1.3, 1.7, 2.1} {
		pca.AddImage(gaussianImage(t, s), 1)
	}
	mean, err := pca.SubtractMean()
	if err != nil {
		t.Fatal(err)
	}
	if err := pca.Analyze(); err != nil {
		t.Fatal(err)
	}

	basis, err := GetEigenKernels(pca, mean, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(basis) != 3 { // mean plus two components
		t.Fatalf("got %d basis kernels, want 3", len(basis))
	}
	w, h := basis[0].Dimensions()
	if w != 9 || h != 9 {
		t.Errorf("basis kernels are %dx%d; want 9x9", w, h)
	}

	// keep all components
	basis, err = GetEigenKernels(pca, mean, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(basis) != 5 {
		t.Errorf("got %d basis kernels, want 5 for nEigenComponents <= 0", len(basis))
	}
}

func TestImagePcaDimensionMismatch(t *testing.T) {
	pca := NewImagePca()
	pca.AddImage(kernel.NewImage(5, 5), 1)
	if err := pca.AddImage(kernel.NewImage(7, 7), 1); err == nil {
		t.Errorf("expected error for mismatched image dimensions")
	}
}

func TestImagePcaEmpty(t *testing.T) {
	pca := NewImagePca()
	if err := pca.Analyze(); err == nil {
		t.Errorf("expected error analyzing an empty population")
	}
}
