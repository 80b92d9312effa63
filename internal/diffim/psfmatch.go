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

	"gonum.org/v1/gonum/mat"

	"github.com/mlnoga/diffimage/internal/detect"
	"github.com/mlnoga/diffimage/internal/fits"
	"github.com/mlnoga/diffimage/internal/kernel"
	"github.com/mlnoga/diffimage/internal/spatialfn"
)

// The result of matching and subtracting an image pair
type PsfMatchResult struct {
	SpatialKernel     *kernel.LinearCombinationKernel
	SpatialBackground spatialfn.Function2D
	Difference        *fits.MaskedImage
	NCandidates       int
	NGood             int
}

// PsfMatch runs the full difference imaging pipeline: extract stamps around
// detected sources on the template, fit the spatially varying PSF matching
// kernel and differential background, and form the difference image
// D = S - (K*T + bg) over the whole frame
func PsfMatch(templ, sci *fits.MaskedImage, cfg *Config, ctx *Context) (*PsfMatchResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	basis, err := cfg.MakeBasis()
	if err != nil {
		return nil, err
	}

	var h *mat.Dense
	if cfg.UseRegularization {
		boundary, err := cfg.regularizationBoundary()
		if err != nil {
			return nil, err
		}
		difference, err := cfg.regularizationDifference()
		if err != nil {
			return nil, err
		}
		h, err = kernel.GenerateFiniteDifferenceRegularization(cfg.KernelCols, cfg.KernelRows,
			cfg.RegularizationOrder, boundary, difference)
		if err != nil {
			return nil, err
		}
	}

	footprints, err := detect.GetCollectionOfFootprints(templ, sci, cfg.DetectConfig(), ctx.Log)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoCandidates, err.Error())
	}

	cells, err := MakeCandidateCells(templ, sci, footprints, cfg)
	if err != nil {
		return nil, err
	}

	// each candidate pins its stamp pair and normal equations for the whole
	// run; flag the budget early for big candidate populations
	stampMB := estimateCandidateMemoryMB(footprints, len(basis))
	fmt.Fprintf(ctx.Log, "Holding %d candidates, about %d MB of %d MB physical memory\n",
		len(footprints), stampMB, ctx.MemoryMB)

	spatialKernel, spatialBg, err := FitSpatialKernelFromCandidates(cells, basis, h, cfg, ctx)
	if err != nil {
		return nil, err
	}

	// flag the stamps that ended up constraining the fit
	usedBit := templ.Mask.PlaneBitMask(detect.StampUsedPlane)
	sciUsedBit := sci.Mask.PlaneBitMask(detect.StampUsedPlane)
	nGood := 0
	for _, c := range cells.Candidates() {
		if c.Status() != StatusGood {
			continue
		}
		nGood++
		st := c.MiToConvolve.Image
		templ.Mask.SetRect(st.X0, st.Y0, st.Width(), st.Height(), usedBit)
		sci.Mask.SetRect(st.X0, st.Y0, st.Width(), st.Height(), sciUsedBit)
	}

	diff, err := ConvolveAndSubtract(templ, sci, spatialKernel, spatialBg.Evaluate, false)
	if err != nil {
		return nil, err
	}

	return &PsfMatchResult{
		SpatialKernel:     spatialKernel,
		SpatialBackground: spatialBg,
		Difference:        diff,
		NCandidates:       len(footprints),
		NGood:             nGood,
	}, nil
}

// MakeCandidateCells cuts the stamp pairs for all footprints and inserts
// the resulting candidates into a fresh cell grid over the image
func MakeCandidateCells(templ, sci *fits.MaskedImage, footprints []detect.Footprint, cfg *Config) (*SpatialCellSet, error) {
	cells, err := NewSpatialCellSet(templ.Image.X0, templ.Image.Y0,
		templ.Width(), templ.Height(), cfg.SizeCellX, cfg.SizeCellY)
	if err != nil {
		return nil, err
	}
	for i, fp := range footprints {
		templStamp, err := templ.SubImage(fp.X0, fp.Y0, fp.Width, fp.Height)
		if err != nil {
			return nil, err
		}
		sciStamp, err := sci.SubImage(fp.X0, fp.Y0, fp.Width, fp.Height)
		if err != nil {
			return nil, err
		}
		cx, cy := fp.Center()
		c := NewKernelCandidate(i, float64(cx)+float64(templ.Image.X0), float64(cy)+float64(templ.Image.Y0),
			float64(fp.Flux), templStamp, sciStamp)
		cells.InsertCandidate(c)
	}
	return cells, nil
}

// rough working set estimate: three float32 planes plus a mask per stamp
// and image, and the (nBasis+1)^2 normal equations per candidate
func estimateCandidateMemoryMB(footprints []detect.Footprint, nBasis int) int {
	bytes := 0
	for _, fp := range footprints {
		bytes += int(fp.Width) * int(fp.Height) * 4 * 4 * 2
	}
	bytes += len(footprints) * (nBasis + 1) * (nBasis + 1) * 8
	return bytes / 1024 / 1024
}
