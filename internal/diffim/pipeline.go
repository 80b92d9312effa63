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
	"path/filepath"

	"gonum.org/v1/gonum/mat"

	"github.com/mlnoga/diffimage/internal/fits"
	"github.com/mlnoga/diffimage/internal/kernel"
	"github.com/mlnoga/diffimage/internal/spatialfn"
)

// FitSpatialKernelFromCandidates runs the iterative spatial fit over the
// cell grid: build single kernels until no more rejections, reject kernel
// sum outliers, optionally swap in a PCA basis and rebuild, assemble and
// solve the spatial system, then assess the spatial model at every
// candidate. Iterates until an assessment pass rejects nothing or the
// iteration limit is reached
func FitSpatialKernelFromCandidates(cells *SpatialCellSet, basis []kernel.Kernel, h *mat.Dense,
	cfg *Config, ctx *Context) (*kernel.LinearCombinationKernel, spatialfn.Function2D, error) {

	log := ctx.Log
	x0, y0, width, height := cells.Bounds()
	bounds := [4]float64{float64(x0), float64(y0), float64(x0 + width), float64(y0 + height)}

	var spatialKernel *kernel.LinearCombinationKernel
	var spatialBg spatialfn.Function2D

	for iter := 0; iter < cfg.MaxSpatialIterations; iter++ {
		fmt.Fprintf(log, "Spatial iteration %d\n", iter)

		// single kernel fits; re-visit to build replacement candidates until
		// a pass rejects nothing
		singleFitter, err := NewBuildSingleKernelVisitor(basis, h, cfg, log)
		if err != nil {
			return nil, nil, err
		}
		for {
			if err := cells.VisitCandidates(singleFitter, cfg.NStarPerCell); err != nil {
				return nil, nil, err
			}
			if singleFitter.NRejected() == 0 {
				break
			}
		}
		if cells.CountCandidates(StatusGood) == 0 {
			return nil, nil, fmt.Errorf("%w: no good candidates after single kernel fits", ErrNoCandidates)
		}

		// kernel sum outliers
		ksumVisitor := NewKernelSumVisitor(cfg, log)
		ksumVisitor.SetMode(KernelSumAggregate)
		if err := cells.VisitCandidates(ksumVisitor, cfg.NStarPerCell); err != nil {
			return nil, nil, err
		}
		if err := ksumVisitor.ProcessKsumDistribution(); err != nil {
			return nil, nil, err
		}
		ksumVisitor.SetMode(KernelSumReject)
		if err := cells.VisitCandidates(ksumVisitor, cfg.NStarPerCell); err != nil {
			return nil, nil, err
		}
		if n := ksumVisitor.NRejected(); n > 0 {
			fmt.Fprintf(log, "Kernel sum clipping rejected %d candidates\n", n)
		}

		// the spatial basis; either the fitting basis or its PCA reduction
		basisToUse := basis
		constantFirstTerm := cfg.KernelBasisSet == BasisAlardLupton || cfg.UsePcaForSpatialKernel

		if cfg.UsePcaForSpatialKernel {
			basisToUse, err = buildPcaBasis(cells, basis, cfg, ctx)
			if err != nil {
				return nil, nil, err
			}
			fmt.Fprintf(log, "Rebuilt candidates on %d component PCA basis\n", len(basisToUse))
		}

		// assemble and solve the global system
		kernelFn, err := MakeSpatialFn(cfg.SpatialKernelType, cfg.SpatialKernelOrder,
			bounds[0], bounds[1], bounds[2], bounds[3])
		if err != nil {
			return nil, nil, err
		}
		bgFn, err := MakeSpatialFn(cfg.SpatialBgType, cfg.SpatialBgOrder,
			bounds[0], bounds[1], bounds[2], bounds[3])
		if err != nil {
			return nil, nil, err
		}
		spatialFitter, err := NewBuildSpatialKernelVisitor(basisToUse, kernelFn, bgFn, constantFirstTerm, log)
		if err != nil {
			return nil, nil, err
		}
		if err := cells.VisitCandidates(spatialFitter, cfg.NStarPerCell); err != nil {
			return nil, nil, err
		}
		if err := spatialFitter.SolveLinearEquation(); err != nil {
			return nil, nil, err
		}
		spatialKernel, spatialBg, err = spatialFitter.SolutionPair()
		if err != nil {
			return nil, nil, err
		}
		fmt.Fprintf(log, "Solved spatial model from %d candidates via %s\n",
			spatialFitter.NCandidates(), spatialFitter.Solution().Tier())

		// assess the spatial model at every candidate
		assessor := NewAssessSpatialKernelVisitor(spatialKernel, spatialBg, cfg, log)
		if err := cells.VisitCandidates(assessor, cfg.NStarPerCell); err != nil {
			return nil, nil, err
		}
		fmt.Fprintf(log, "Spatial kernel iteration %d, %d good, %d rejected\n",
			iter, assessor.NGood(), assessor.NRejected())
		if assessor.NRejected() == 0 {
			break
		}
	}

	if ctx.DebugDir != "" {
		dumpCandidates(cells, ctx)
	}
	return spatialKernel, spatialBg, nil
}

// buildPcaBasis collects the current kernels into a PCA and refits every
// candidate's normal equations on the reduced basis, keeping the original
// kernel images on the candidates
func buildPcaBasis(cells *SpatialCellSet, basis []kernel.Kernel, cfg *Config, ctx *Context) ([]kernel.Kernel, error) {
	pca := NewKernelPca()
	pcaVisitor := NewKernelPcaVisitor(pca, ctx.Log)
	if err := cells.VisitCandidates(pcaVisitor, cfg.NStarPerCell); err != nil {
		return nil, err
	}
	mean, err := pca.SubtractMean()
	if err != nil {
		return nil, err
	}
	if err := pca.Analyze(); err != nil {
		return nil, err
	}
	for i, ev := range pca.EigenValues() {
		fmt.Fprintf(ctx.Log, "Eigenvalue %d : %g\n", i, ev)
	}
	pcaBasis, err := GetEigenKernels(pca, mean, cfg.NEigenComponents)
	if err != nil {
		return nil, err
	}

	// refit M and B on the PCA basis without touching the candidate kernels
	pcaFitter, err := NewBuildSingleKernelVisitor(pcaBasis, nil, cfg, ctx.Log)
	if err != nil {
		return nil, err
	}
	pcaFitter.SetSkipBuilt(false)
	pcaFitter.SetCandidateKernel(false)
	for {
		if err := cells.VisitCandidates(pcaFitter, cfg.NStarPerCell); err != nil {
			return nil, err
		}
		if pcaFitter.NRejected() == 0 {
			break
		}
	}
	return pcaBasis, nil
}

// dumpCandidates writes the kernel image and difference stamp of every
// remaining candidate into the debug directory
func dumpCandidates(cells *SpatialCellSet, ctx *Context) {
	for _, c := range cells.Candidates() {
		if !c.HasKernel() {
			continue
		}
		kim, err := c.KernelImage()
		if err != nil {
			continue
		}
		kfits := KernelImageToFits(kim)
		min, max := kim.MinMax()
		name := filepath.Join(ctx.DebugDir, fmt.Sprintf("kernel%04d.tiff", c.ID))
		if err := kfits.WriteTIFF16ToFile(name, float32(min), float32(max)); err != nil {
			fmt.Fprintf(ctx.Log, "Error writing %s: %s\n", name, err.Error())
		}

		diffim, err := c.OwnDifferenceImage()
		if err != nil {
			continue
		}
		name = filepath.Join(ctx.DebugDir, fmt.Sprintf("diffim%04d.jpg", c.ID))
		limit := 5 * float32(c.Chi2())
		if limit <= 0 {
			limit = 1
		}
		if err := diffim.Image.WriteResidualJPGToFile(name, limit, 95); err != nil {
			fmt.Fprintf(ctx.Log, "Error writing %s: %s\n", name, err.Error())
		}
	}
}

// KernelImageToFits converts a kernel image to a float32 FITS image for export
func KernelImageToFits(im *kernel.Image) *fits.Image {
	out := fits.NewImageFromNaxisn([]int32{im.Width, im.Height}, nil)
	for i, v := range im.Data {
		out.Data[i] = float32(v)
	}
	return out
}
