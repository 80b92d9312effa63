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
	"io"
	"math"
	"testing"

	"github.com/mlnoga/diffimage/internal/kernel"
	"github.com/mlnoga/diffimage/internal/spatialfn"
)

// Three candidates with an identical PSF and a constant spatial model: the
// spatial fit must reproduce the common kernel at every position
func TestSpatialFitConstantKernel(t *testing.T) {
	cfg := testConfig()
	truth := gaussianTruth(t, 1.3)
	positions := [][2]float64{{1010, 2375}, {404, 573}, {1686, 1880}}
	var cands []*KernelCandidate
	for i, p := range positions {
		cands = append(cands, makeCandidate(i, p[0], p[1], truth, 17, int64(30+i)))
	}
	cells, err := NewSpatialCellSet(0, 0, 2048, 2560, 512, 512)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range cands {
		cells.InsertCandidate(c)
	}

	basis, _ := kernel.GenerateDeltaFunctionBasis(7, 7)
	bv, _ := NewBuildSingleKernelVisitor(basis, nil, cfg, io.Discard)
	if err := cells.VisitCandidates(bv, 0); err != nil {
		t.Fatal(err)
	}

	// the three per-candidate kernels agree within residual tolerances
	im0, err := cands[0].KernelImage()
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range cands[1:] {
		im, err := c.KernelImage()
		if err != nil {
			t.Fatal(err)
		}
		for i := range im.Data {
			if math.Abs(im.Data[i]-im0.Data[i]) > 1e-4 {
				t.Fatalf("per-candidate kernels disagree at pixel %d: %g vs %g", i, im.Data[i], im0.Data[i])
			}
		}
	}

	// spatial fit at order 0
	kernelFn, _ := spatialfn.NewPolynomial2D(0)
	bgFn, _ := spatialfn.NewPolynomial2D(0)
	sv, err := NewBuildSpatialKernelVisitor(basis, kernelFn, bgFn, false, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if err := cells.VisitCandidates(sv, 0); err != nil {
		t.Fatal(err)
	}
	if sv.NCandidates() != 3 {
		t.Fatalf("accumulated %d candidates; want 3", sv.NCandidates())
	}
	if err := sv.SolveLinearEquation(); err != nil {
		t.Fatal(err)
	}
	spatialKernel, spatialBg, err := sv.SolutionPair()
	if err != nil {
		t.Fatal(err)
	}

	for _, p := range positions {
		im, ksum, err := spatialKernel.ComputeImageAt(false, p[0], p[1])
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(ksum-1) > 0.01 {
			t.Errorf("spatial kernel sum %g at (%g,%g); want about 1", ksum, p[0], p[1])
		}
		for i := range im.Data {
			if math.Abs(im.Data[i]-im0.Data[i]) > 1e-3 {
				t.Errorf("spatial kernel differs from candidate kernel at pixel %d", i)
				break
			}
		}
		if bg := spatialBg.Evaluate(p[0], p[1]); math.Abs(bg-17) > 0.5 {
			t.Errorf("spatial background %g at (%g,%g); want about 17", bg, p[0], p[1])
		}
	}
}

// With constant first term, the parameter count is 1 + (nb-1)*nkt + nbt
func TestSpatialSolutionParameterCount(t *testing.T) {
	basis, _ := kernel.GenerateDeltaFunctionBasis(3, 3) // 9 bases
	kernelFn, _ := spatialfn.NewPolynomial2D(1)         // 3 terms
	bgFn, _ := spatialfn.NewPolynomial2D(1)             // 3 terms

	s, err := NewSpatialKernelSolution(basis, kernelFn, bgFn, true)
	if err != nil {
		t.Fatal(err)
	}
	if s.NTerms() != 1+8*3+3 {
		t.Errorf("constant first term: %d terms; want %d", s.NTerms(), 1+8*3+3)
	}

	s, err = NewSpatialKernelSolution(basis, kernelFn, bgFn, false)
	if err != nil {
		t.Fatal(err)
	}
	if s.NTerms() != 9*3+3 {
		t.Errorf("free first term: %d terms; want %d", s.NTerms(), 9*3+3)
	}
}

// A linear background gradient across the image is recovered by a first
// order spatial background fit
func TestSpatialFitBackgroundGradient(t *testing.T) {
	cfg := testConfig()
	truth := gaussianTruth(t, 1.3)

	bgOf := func(x, y float64) float64 { return 20 + 0.01*x - 0.005*y }
	var cands []*KernelCandidate
	positions := [][2]float64{
		{100, 100}, {400, 120}, {700, 80},
		{120, 400}, {390, 410}, {680, 420},
		{90, 700}, {410, 690}, {710, 720},
	}
	for i, p := range positions {
		cands = append(cands, makeCandidate(i, p[0], p[1], truth, float32(bgOf(p[0], p[1])), int64(40+i)))
	}
	cells, _ := NewSpatialCellSet(0, 0, 800, 800, 256, 256)
	for _, c := range cands {
		cells.InsertCandidate(c)
	}

	basis, _ := kernel.GenerateDeltaFunctionBasis(7, 7)
	bv, _ := NewBuildSingleKernelVisitor(basis, nil, cfg, io.Discard)
	if err := cells.VisitCandidates(bv, 0); err != nil {
		t.Fatal(err)
	}

	kernelFn, _ := spatialfn.NewPolynomial2D(0)
	bgFn, _ := spatialfn.NewPolynomial2D(1)
	sv, _ := NewBuildSpatialKernelVisitor(basis, kernelFn, bgFn, false, io.Discard)
	if err := cells.VisitCandidates(sv, 0); err != nil {
		t.Fatal(err)
	}
	if err := sv.SolveLinearEquation(); err != nil {
		t.Fatal(err)
	}
	_, spatialBg, err := sv.SolutionPair()
	if err != nil {
		t.Fatal(err)
	}

	for _, p := range [][2]float64{{0, 0}, {800, 0}, {0, 800}, {350, 620}} {
		want := bgOf(p[0], p[1])
		if got := spatialBg.Evaluate(p[0], p[1]); math.Abs(got-want) > 0.5 {
			t.Errorf("background at (%g,%g) is %g; want %g", p[0], p[1], got, want)
		}
	}
}

// A linear gradient in kernel width across the image: a first order spatial
// kernel recovers the width at both ends within 10 percent
func TestSpatialFitKernelWidthGradient(t *testing.T) {
	cfg := testConfig()
	const fieldW = 1000.0
	sigmaOf := func(x float64) float64 { return 1.0 + 0.5*x/fieldW }

	var cands []*KernelCandidate
	id := 0
	for gy := 0; gy < 5; gy++ {
		for gx := 0; gx < 5; gx++ {
			x := 100 + 200*float64(gx)
			y := 100 + 200*float64(gy)
			if x > fieldW {
				x = fieldW
			}
			truth := gaussianTruth(t, sigmaOf(x))
			cands = append(cands, makeCandidate(id, x, y, truth, 0, int64(100+id)))
			id++
		}
	}
	cells, _ := NewSpatialCellSet(0, 0, 1000, 1000, 200, 200)
	for _, c := range cands {
		cells.InsertCandidate(c)
	}

	basis, _ := kernel.GenerateDeltaFunctionBasis(7, 7)
	bv, _ := NewBuildSingleKernelVisitor(basis, nil, cfg, io.Discard)
	if err := cells.VisitCandidates(bv, 0); err != nil {
		t.Fatal(err)
	}

	kernelFn, _ := spatialfn.NewPolynomial2D(1)
	bgFn, _ := spatialfn.NewPolynomial2D(0)
	sv, _ := NewBuildSpatialKernelVisitor(basis, kernelFn, bgFn, false, io.Discard)
	if err := cells.VisitCandidates(sv, 0); err != nil {
		t.Fatal(err)
	}
	if err := sv.SolveLinearEquation(); err != nil {
		t.Fatal(err)
	}
	spatialKernel, _, err := sv.SolutionPair()
	if err != nil {
		t.Fatal(err)
	}

	widthAt := func(x float64) float64 {
		im, sum, err := spatialKernel.ComputeImageAt(false, x, 500)
		if err != nil {
			t.Fatal(err)
		}
		// second moment about the center
		var m2 float64
		for y := int32(0); y < im.Height; y++ {
			for xx := int32(0); xx < im.Width; xx++ {
				dx := float64(xx - im.Width/2)
				m2 += dx * dx * im.At(xx, y)
			}
		}
		return math.Sqrt(m2 / sum)
	}

	// compare against the truth kernel's own truncated moments, which fold
	// in the 7x7 rendering exactly like the fit does
	truthWidthAt := func(x float64) float64 {
		im, sum, err := gaussianTruth(t, sigmaOf(x)).ComputeImage(false)
		if err != nil {
			t.Fatal(err)
		}
		var m2 float64
		for y := int32(0); y < im.Height; y++ {
			for xx := int32(0); xx < im.Width; xx++ {
				dx := float64(xx - im.Width/2)
				m2 += dx * dx * im.At(xx, y)
			}
		}
		return math.Sqrt(m2 / sum)
	}

	for _, x := range []float64{100, 500, 900} {
		got, want := widthAt(x), truthWidthAt(x)
		if math.Abs(got-want) > 0.1*want {
			t.Errorf("kernel width at x=%g is %g; want %g within 10%%", x, got, want)
		}
	}

	// the recovered gradient slope matches within 10 percent
	gotSlope := (widthAt(900) - widthAt(100)) / 800
	wantSlope := (truthWidthAt(900) - truthWidthAt(100)) / 800
	if math.Abs(gotSlope-wantSlope) > 0.1*math.Abs(wantSlope) {
		t.Errorf("width gradient %g; want %g within 10%%", gotSlope, wantSlope)
	}
}
