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

	"github.com/mlnoga/diffimage/internal/fits"
	"github.com/mlnoga/diffimage/internal/kernel"
)

func testContext() *Context {
	ctx := NewContext(io.Discard)
	return ctx
}

func TestFitSpatialKernelFromCandidates(t *testing.T) {
	cfg := testConfig()
	truth := gaussianTruth(t, 1.4)
	var cands []*KernelCandidate
	id := 0
	for gy := 0; gy < 3; gy++ {
		for gx := 0; gx < 3; gx++ {
			x := 80 + 170*float64(gx)
			y := 80 + 170*float64(gy)
			cands = append(cands, makeCandidate(id, x, y, truth, 100, int64(60+id)))
			id++
		}
	}
	cells, _ := NewSpatialCellSet(0, 0, 512, 512, 128, 128)
	for _, c := range cands {
		cells.InsertCandidate(c)
	}

	basis, _ := kernel.GenerateDeltaFunctionBasis(7, 7)
	spatialKernel, spatialBg, err := FitSpatialKernelFromCandidates(cells, basis, nil, cfg, testContext())
	if err != nil {
		t.Fatal(err)
	}

	truthImage, _, _ := truth.ComputeImage(false)
	for _, p := range [][2]float64{{80, 80}, {250, 420}, {420, 250}} {
		im, ksum, err := spatialKernel.ComputeImageAt(false, p[0], p[1])
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(ksum-1) > 0.01 {
			t.Errorf("kernel sum %g at (%g,%g); want about 1", ksum, p[0], p[1])
		}
		var sumSq float64
		for i := range im.Data {
			d := im.Data[i] - truthImage.Data[i]
			sumSq += d * d
		}
		if rms := math.Sqrt(sumSq / float64(len(im.Data))); rms > 0.05*0.081 {
			t.Errorf("kernel rms error %g at (%g,%g)", rms, p[0], p[1])
		}
		if bg := spatialBg.Evaluate(p[0], p[1]); math.Abs(bg-100) > 1 {
			t.Errorf("background %g at (%g,%g); want 100 +- 1", bg, p[0], p[1])
		}
	}

	if cells.CountCandidates(StatusGood) == 0 {
		t.Errorf("no candidates assessed good")
	}
}

func TestFitSpatialKernelWithPca(t *testing.T) {
	cfg := testConfig()
	cfg.UsePcaForSpatialKernel = true
	cfg.NEigenComponents = 3
	cfg.SpatialKernelOrder = 1 // track the planted width gradient

	var cands []*KernelCandidate
	id := 0
	for gy := 0; gy < 3; gy++ {
		for gx := 0; gx < 3; gx++ {
			x := 80 + 170*float64(gx)
			y := 80 + 170*float64(gy)
			// mild width variation, so the PCA has signal beyond the mean
			truth := gaussianTruth(t, 1.3+0.05*float64(gx))
			cands = append(cands, makeCandidate(id, x, y, truth, 50, int64(80+id)))
			id++
		}
	}
	cells, _ := NewSpatialCellSet(0, 0, 512, 512, 128, 128)
	for _, c := range cands {
		cells.InsertCandidate(c)
	}

	basis, _ := kernel.GenerateDeltaFunctionBasis(7, 7)
	spatialKernel, spatialBg, err := FitSpatialKernelFromCandidates(cells, basis, nil, cfg, testContext())
	if err != nil {
		t.Fatal(err)
	}
	if spatialKernel.NBasis() != 4 { // mean plus three components
		t.Errorf("spatial kernel has %d bases; want 4 after PCA", spatialKernel.NBasis())
	}

	// after the PCA rebuild, the delta-function kernels stay on candidates
	for _, c := range cands {
		if c.Status() != StatusGood {
			continue
		}
		im, err := c.KernelImage()
		if err != nil {
			t.Fatal(err)
		}
		if im.Width != 7 || im.Height != 7 {
			t.Errorf("candidate kernel is %dx%d", im.Width, im.Height)
		}
	}

	_, ksum, err := spatialKernel.ComputeImageAt(false, 250, 250)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(ksum-1) > 0.05 {
		t.Errorf("spatial kernel sum %g; want about 1", ksum)
	}
	if bg := spatialBg.Evaluate(250, 250); math.Abs(bg-50) > 2 {
		t.Errorf("background %g; want about 50", bg)
	}
}

// End to end: detection, candidate fits, spatial model and subtraction on a
// synthetic star field blurred with a known kernel plus 100 counts
func TestPsfMatchEndToEnd(t *testing.T) {
	const width, height = 256, 256
	templ := fits.NewImageFromNaxisn([]int32{width, height}, nil)
	for gy := 0; gy < 4; gy++ {
		for gx := 0; gx < 4; gx++ {
			cx := int32(40 + 58*gx)
			cy := int32(40 + 58*gy)
			for y := int32(0); y < height; y++ {
				for x := int32(0); x < width; x++ {
					dx, dy := float64(x-cx), float64(y-cy)
					templ.Data[x+y*width] += float32(1000 * math.Exp(-0.5*(dx*dx+dy*dy)/2.25))
				}
			}
		}
	}

	truth := gaussianTruth(t, 1.4)
	sci := makeScience(templ, truth, 100)

	templMi := fits.NewMaskedImage(templ)
	sciMi := fits.NewMaskedImage(sci)
	for i := range templMi.Variance.Data {
		templMi.Variance.Data[i] = 1
		sciMi.Variance.Data[i] = 1
	}

	cfg := testConfig()
	cfg.DetThresholdType = "value"
	cfg.DetThreshold = 50
	cfg.DetThresholdMin = 10
	cfg.MinCleanFp = 5
	cfg.FpNpixMin = 1
	cfg.SizeCellX, cfg.SizeCellY = 64, 64
	cfg.NStarPerCell = 3

	res, err := PsfMatch(templMi, sciMi, cfg, testContext())
	if err != nil {
		t.Fatal(err)
	}
	if res.NGood == 0 {
		t.Fatalf("no good candidates in end to end run")
	}

	// the difference image is consistent with zero on its interior
	var st ImageStatistics
	if err := st.Apply(res.Difference); err != nil {
		t.Fatal(err)
	}
	if math.Abs(st.Mean()) > 0.1 || st.Rms() > 0.5 {
		t.Errorf("difference residuals %.3f +/- %.3f sigma; want consistent with zero",
			st.Mean(), st.Rms())
	}

	if bg := res.SpatialBackground.Evaluate(128, 128); math.Abs(bg-100) > 1 {
		t.Errorf("spatial background %g; want 100 +- 1", bg)
	}
}
