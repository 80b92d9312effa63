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
	"math"
	"testing"
)

func TestGenerateDeltaFunctionBasis(t *testing.T) {
	basis, err := GenerateDeltaFunctionBasis(3, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(basis) != 6 {
		t.Fatalf("got %d kernels, want 6", len(basis))
	}
	// row-major enumeration: kernel k is 1 at pixel (k%3, k/3)
	for k, b := range basis {
		im, sum, err := b.ComputeImage(false)
		if err != nil {
			t.Fatal(err)
		}
		if sum != 1 {
			t.Errorf("kernel %d sum %g; want 1", k, sum)
		}
		for i, v := range im.Data {
			want := float64(0)
			if i == k {
				want = 1
			}
			if v != want {
				t.Errorf("kernel %d pixel %d is %g; want %g", k, i, v, want)
			}
		}
	}
}

func TestGenerateDeltaFunctionBasisInvalid(t *testing.T) {
	if _, err := GenerateDeltaFunctionBasis(0, 5); err == nil {
		t.Errorf("expected error for zero width")
	}
	if _, err := GenerateDeltaFunctionBasis(5, 0); err == nil {
		t.Errorf("expected error for zero height")
	}
}

func TestGenerateAlardLuptonBasis(t *testing.T) {
	basis, err := GenerateAlardLuptonBasis(5, []float64{1.0, 2.5}, []int32{2, 1})
	if err != nil {
		t.Fatal(err)
	}
	// (2+1)(2+2)/2 + (1+1)(1+2)/2 = 6 + 3 terms
	if len(basis) != 9 {
		t.Fatalf("got %d kernels, want 9", len(basis))
	}

	epsilon := 1e-10
	for i, b := range basis {
		im, sum, err := b.ComputeImage(false)
		if err != nil {
			t.Fatal(err)
		}
		if im.Width != 11 || im.Height != 11 {
			t.Errorf("kernel %d is %dx%d; want 11x11", i, im.Width, im.Height)
		}
		if i == 0 {
			if math.Abs(sum-1) > epsilon {
				t.Errorf("kernel 0 sum %g; want 1", sum)
			}
			continue
		}
		if math.Abs(sum) > epsilon {
			t.Errorf("kernel %d sum %g; want 0", i, sum)
		}
		if ip := im.InnerProduct(im); math.Abs(ip-1) > epsilon {
			t.Errorf("kernel %d inner product %g; want 1", i, ip)
		}
	}
}

func TestGenerateAlardLuptonBasisInvalid(t *testing.T) {
	if _, err := GenerateAlardLuptonBasis(0, []float64{1}, []int32{1}); err == nil {
		t.Errorf("expected error for half width 0")
	}
	if _, err := GenerateAlardLuptonBasis(5, []float64{1, 2}, []int32{1}); err == nil {
		t.Errorf("expected error for mismatched config lists")
	}
	if _, err := GenerateAlardLuptonBasis(5, nil, nil); err == nil {
		t.Errorf("expected error for empty config lists")
	}
}

func TestRenormalizeKernelListEmpty(t *testing.T) {
	if _, err := RenormalizeKernelList(nil); err == nil {
		t.Errorf("expected error for empty basis list")
	}
}

func TestRenormalizeKernelList(t *testing.T) {
	// two distinct gaussians
	g1, _ := NewGaussianKernel(9, 9, 1.0, 1.0)
	g2, _ := NewGaussianKernel(9, 9, 2.0, 2.0)
	out, err := RenormalizeKernelList([]Kernel{g1, g2})
	if err != nil {
		t.Fatal(err)
	}
	_, sum0, _ := out[0].ComputeImage(false)
	if math.Abs(sum0-1) > 1e-10 {
		t.Errorf("first kernel sum %g; want 1", sum0)
	}
	im1, sum1, _ := out[1].ComputeImage(false)
	if math.Abs(sum1) > 1e-10 {
		t.Errorf("second kernel sum %g; want 0", sum1)
	}
	if ip := im1.InnerProduct(im1); math.Abs(ip-1) > 1e-10 {
		t.Errorf("second kernel inner product %g; want 1", ip)
	}
}
