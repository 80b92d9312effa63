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

package detect

import (
	"io"
	"math"
	"testing"

	"github.com/mlnoga/diffimage/internal/fits"
)

// adds a gaussian star of the given amplitude and width
func addStar(img *fits.Image, cx, cy int32, amplitude, sigma float32) {
	for y := int32(0); y < img.Height(); y++ {
		for x := int32(0); x < img.Width(); x++ {
			dx, dy := float64(x-cx), float64(y-cy)
			v := float64(amplitude) * math.Exp(-0.5*(dx*dx+dy*dy)/float64(sigma*sigma))
			img.Set(x, y, img.At(x, y)+float32(v))
		}
	}
}

func testConfig() *Config {
	return &Config{
		FpNpixMin:           1,
		FpNpixMax:           500,
		FpGrowKsize:         1.0,
		DetThreshold:        50,
		DetThresholdScaling: 0.5,
		DetThresholdMin:     10,
		DetThresholdType:    ThresholdValue,
		MinCleanFp:          1,
		KernelCols:          7,
		KernelRows:          7,
	}
}

func testImages(width, height int32) (*fits.MaskedImage, *fits.MaskedImage) {
	templ := fits.NewMaskedImage(fits.NewImageFromNaxisn([]int32{width, height}, nil))
	sci := fits.NewMaskedImage(fits.NewImageFromNaxisn([]int32{width, height}, nil))
	for i := range templ.Variance.Data {
		templ.Variance.Data[i] = 1
		sci.Variance.Data[i] = 1
	}
	return templ, sci
}

func TestGetCollectionOfFootprints(t *testing.T) {
	templ, sci := testImages(128, 128)
	addStar(templ.Image, 40, 40, 1000, 1.5)
	addStar(templ.Image, 90, 80, 800, 1.5)

	fps, err := GetCollectionOfFootprints(templ, sci, testConfig(), io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if len(fps) != 2 {
		t.Fatalf("got %d footprints, want 2", len(fps))
	}
	for _, fp := range fps {
		if fp.X0 < 0 || fp.Y0 < 0 || fp.X0+fp.Width > 128 || fp.Y0+fp.Height > 128 {
			t.Errorf("footprint %+v crosses the image edge", fp)
		}
		if fp.Flux <= 0 {
			t.Errorf("footprint has non-positive flux %g", fp.Flux)
		}
	}
	// the brighter star should rate higher
	if fps[0].Flux < fps[1].Flux && fps[0].PeakX == 40 {
		t.Errorf("flux ordering inconsistent with amplitudes")
	}
}

func TestFootprintRejectedAtEdge(t *testing.T) {
	templ, sci := testImages(128, 128)
	addStar(templ.Image, 3, 64, 1000, 1.5)  // too close to the left edge
	addStar(templ.Image, 64, 64, 1000, 1.5) // clean

	fps, err := GetCollectionOfFootprints(templ, sci, testConfig(), io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	for _, fp := range fps {
		if fp.PeakX < 10 {
			t.Errorf("edge-crossing footprint at (%d,%d) not rejected", fp.PeakX, fp.PeakY)
		}
	}
	if len(fps) != 1 {
		t.Errorf("got %d footprints, want 1", len(fps))
	}
}

func TestFootprintRejectedOnMaskedPixels(t *testing.T) {
	templ, sci := testImages(128, 128)
	addStar(templ.Image, 40, 40, 1000, 1.5)
	addStar(templ.Image, 90, 80, 1000, 1.5)

	// mark bad pixels over the first star in the science mask
	bit, err := sci.Mask.AddPlane("BAD")
	if err != nil {
		t.Fatal(err)
	}
	sci.Mask.SetRect(38, 38, 4, 4, 1<<bit)

	fps, err := GetCollectionOfFootprints(templ, sci, testConfig(), io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if len(fps) != 1 {
		t.Fatalf("got %d footprints, want 1 after mask rejection", len(fps))
	}
	if fps[0].PeakX != 90 {
		t.Errorf("kept footprint at (%d,%d); want the unmasked star", fps[0].PeakX, fps[0].PeakY)
	}
}

func TestThresholdRelaxation(t *testing.T) {
	templ, sci := testImages(128, 128)
	addStar(templ.Image, 64, 64, 30, 1.5) // below the starting threshold of 50

	cfg := testConfig()
	cfg.DetThresholdMin = 5
	fps, err := GetCollectionOfFootprints(templ, sci, cfg, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if len(fps) != 1 {
		t.Fatalf("got %d footprints, want 1 after threshold relaxation", len(fps))
	}
}

func TestNoFootprints(t *testing.T) {
	templ, sci := testImages(64, 64)
	if _, err := GetCollectionOfFootprints(templ, sci, testConfig(), io.Discard); err == nil {
		t.Errorf("expected error for blank image")
	}
}
