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

package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/cpuid"
	"github.com/pbnjay/memory"

	nl "github.com/mlnoga/diffimage/internal"
	"github.com/mlnoga/diffimage/internal/diffim"
	"github.com/mlnoga/diffimage/internal/fits"
	"github.com/mlnoga/diffimage/internal/rest"
)

const version = "0.1.0"

var totalMiBs = memory.TotalMemory() / 1024 / 1024

var templ = flag.String("t", "", "template FITS image from `file`")
var sci = flag.String("s", "", "science FITS image from `file`")
var out = flag.String("out", "out.fits", "save difference image to `file`")
var jpg = flag.String("jpg", "", "save 8-bit preview of the difference image as JPEG to `file`")
var kernelOut = flag.String("kernel", "", "save the kernel at the image center as FITS to `file`")
var logF = flag.String("log", "", "save log output to `file`")
var debugDir = flag.String("debugDir", "", "dump per-candidate kernels and difference stamps into `dir`")
var serve = flag.Bool("serve", false, "run the REST API server instead of a one-shot subtraction")

var kernelSize = flag.Int64("kernelSize", 19, "PSF matching kernel grid size in pixels")
var basisSet = flag.String("basis", "alard-lupton", "kernel basis set, one of alard-lupton, delta-function")
var alardSig = flag.String("alardSig", "0.7,1.5,3.0", "comma separated Gaussian widths of the alard-lupton basis")
var alardDeg = flag.String("alardDeg", "4,3,2", "comma separated polynomial degrees per Gaussian")

var usePca = flag.Bool("pca", false, "reduce the fitting basis with a PCA before the spatial fit")
var nEigen = flag.Int64("nEigen", 3, "PCA components to keep, <=0 keeps all")

var spatialKernelOrder = flag.Int64("spatialKernelOrder", 2, "spatial polynomial order of the kernel variation")
var spatialBgOrder = flag.Int64("spatialBgOrder", 1, "spatial polynomial order of the background variation")
var spatialType = flag.String("spatialType", "polynomial", "spatial function family, one of polynomial, chebyshev1")
var fitForBackground = flag.Bool("fitBg", true, "fit a differential background term")

var constantVarWeight = flag.Bool("constantVarWeight", false, "weight with w=1 instead of inverse variance")
var iterateSingle = flag.Bool("iterateSingle", false, "refit each candidate with its first-pass diffim variance")

var singleClip = flag.Bool("singleClip", true, "reject candidates on single kernel residuals")
var spatialClip = flag.Bool("spatialClip", true, "reject candidates on spatial kernel residuals")
var ksumClip = flag.Bool("ksumClip", true, "reject candidates on kernel sum outliers")
var residualMeanMax = flag.Float64("residualMeanMax", 0.25, "reject when absolute mean residual exceeds this, in sigma")
var residualStdMax = flag.Float64("residualStdMax", 1.5, "reject when residual rms exceeds this, in sigma")
var maxKsumSigma = flag.Float64("maxKsumSigma", 3.0, "reject kernel sums deviating by this many clipped sigmas")

var regularize = flag.Bool("regularize", false, "apply Tikhonov regularization to the delta function basis")
var regOrder = flag.Int64("regOrder", 1, "regularization derivative order 0..2")
var regBoundary = flag.String("regBoundary", "wrapped", "regularization boundary, one of unwrapped, wrapped, tapered")
var regDifference = flag.String("regDifference", "central", "regularization stencil, one of forward, central")
var regScaling = flag.Float64("regScaling", 1.0, "multiplier on the regularization strength lambda")

var detThreshold = flag.Float64("detThreshold", 10, "detection threshold for candidate sources")
var detThresholdType = flag.String("detThresholdType", "stdev", "threshold interpretation, one of value, stdev")
var detThresholdMin = flag.Float64("detThresholdMin", 3, "do not relax the detection threshold below this")
var minCleanFp = flag.Int64("minCleanFp", 10, "relax the detection threshold until this many clean footprints")
var fpNpixMin = flag.Int64("fpNpixMin", 5, "minimum footprint size in pixels")
var fpNpixMax = flag.Int64("fpNpixMax", 500, "maximum footprint size in pixels")
var fpGrowKsize = flag.Float64("fpGrowKsize", 1.0, "grow footprints by this multiple of the kernel size")

var maxSpatialIter = flag.Int64("maxSpatialIter", 3, "maximum spatial fitting iterations")
var nStarPerCell = flag.Int64("nStarPerCell", 3, "candidates per spatial cell")
var sizeCell = flag.Int64("sizeCell", 256, "spatial cell size in pixels")

func main() {
	start := time.Now()
	flag.Usage = func() {
		nl.LogPrintf(`diffimage v%s Copyright (c) 2020 Markus L. Noga
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.

Usage: %s [-flags] -t template.fits -s science.fits -out diff.fits

Flags:
`, version, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *logF != "" {
		if err := nl.LogAlsoToFile(*logF); err != nil {
			nl.LogFatalf("Unable to open log file %s: %s\n", *logF, err.Error())
		}
	}
	defer nl.LogSync()

	nl.LogPrintf("diffimage v%s on %s with %d cores and %d MiB of memory\n",
		version, cpuid.CPU.BrandName, runtime.NumCPU(), totalMiBs)

	if *serve {
		rest.Serve()
		return
	}

	if *templ == "" || *sci == "" {
		flag.Usage()
		nl.LogFatal("Error: template and science images are required")
	}

	cfg, err := configFromFlags()
	if err != nil {
		nl.LogFatalf("Error: %s\n", err.Error())
	}

	logWriter := nl.LogWriter()
	templImage, err := fits.NewImageFromFile(*templ, 0, logWriter)
	if err != nil {
		nl.LogFatalf("Error reading template %s: %s\n", *templ, err.Error())
	}
	nl.LogPrintf("0: Read template %s, %dx%d pixels\n", *templ, templImage.Width(), templImage.Height())

	sciImage, err := fits.NewImageFromFile(*sci, 1, logWriter)
	if err != nil {
		nl.LogFatalf("Error reading science image %s: %s\n", *sci, err.Error())
	}
	nl.LogPrintf("1: Read science image %s, %dx%d pixels\n", *sci, sciImage.Width(), sciImage.Height())

	ctx := diffim.NewContext(logWriter)
	ctx.DebugDir = *debugDir
	if *debugDir != "" {
		if err := os.MkdirAll(*debugDir, 0755); err != nil {
			nl.LogFatalf("Error creating debug directory %s: %s\n", *debugDir, err.Error())
		}
	}

	res, err := diffim.PsfMatch(fits.NewMaskedImage(templImage), fits.NewMaskedImage(sciImage), cfg, ctx)
	if err != nil {
		nl.LogFatalf("Error: %s\n", err.Error())
	}
	nl.LogPrintf("Matched with %d of %d candidates good\n", res.NGood, res.NCandidates)

	if err := res.Difference.Image.WriteFile(*out); err != nil {
		nl.LogFatalf("Error writing %s: %s\n", *out, err.Error())
	}
	nl.LogPrintf("Wrote difference image to %s\n", *out)

	if *jpg != "" {
		diff := res.Difference.Image
		// scale the preview to +-5 sigma of the mean residual noise
		mean := float64(0)
		for _, v := range res.Difference.Variance.Data {
			mean += float64(v)
		}
		sigma := float32(1)
		if n := len(res.Difference.Variance.Data); n > 0 && mean > 0 {
			sigma = float32(5 * math.Sqrt(mean/float64(n)))
		}
		if err := diff.WriteResidualJPGToFile(*jpg, sigma, 95); err != nil {
			nl.LogFatalf("Error writing %s: %s\n", *jpg, err.Error())
		}
		nl.LogPrintf("Wrote preview to %s\n", *jpg)
	}

	if *kernelOut != "" {
		cx := float64(sciImage.Width()) / 2
		cy := float64(sciImage.Height()) / 2
		kim, ksum, err := res.SpatialKernel.ComputeImageAt(false, cx, cy)
		if err != nil {
			nl.LogFatalf("Error rendering kernel: %s\n", err.Error())
		}
		if err := diffim.KernelImageToFits(kim).WriteFile(*kernelOut); err != nil {
			nl.LogFatalf("Error writing %s: %s\n", *kernelOut, err.Error())
		}
		nl.LogPrintf("Wrote central kernel (sum %.3f) to %s\n", ksum, *kernelOut)
	}

	nl.LogPrintf("Done in %.2fs\n", time.Since(start).Seconds())
}

func configFromFlags() (*diffim.Config, error) {
	cfg := diffim.NewConfig()
	cfg.KernelCols = int32(*kernelSize)
	cfg.KernelRows = int32(*kernelSize)
	cfg.KernelBasisSet = *basisSet

	sigs, err := parseFloats(*alardSig)
	if err != nil {
		return nil, fmt.Errorf("invalid -alardSig: %s", err.Error())
	}
	degs, err := parseInts(*alardDeg)
	if err != nil {
		return nil, fmt.Errorf("invalid -alardDeg: %s", err.Error())
	}
	cfg.AlardSigGauss, cfg.AlardDegGauss = sigs, degs

	cfg.UsePcaForSpatialKernel = *usePca
	cfg.NEigenComponents = int(*nEigen)
	cfg.SpatialKernelOrder = int(*spatialKernelOrder)
	cfg.SpatialBgOrder = int(*spatialBgOrder)
	cfg.SpatialKernelType = *spatialType
	cfg.SpatialBgType = *spatialType
	cfg.FitForBackground = *fitForBackground
	cfg.ConstantVarianceWeighting = *constantVarWeight
	cfg.IterateSingleKernel = *iterateSingle
	cfg.SingleKernelClipping = *singleClip
	cfg.SpatialKernelClipping = *spatialClip
	cfg.KernelSumClipping = *ksumClip
	cfg.CandidateResidualMeanMax = *residualMeanMax
	cfg.CandidateResidualStdMax = *residualStdMax
	cfg.MaxKsumSigma = *maxKsumSigma
	cfg.UseRegularization = *regularize
	cfg.RegularizationOrder = int(*regOrder)
	cfg.RegularizationBoundary = *regBoundary
	cfg.RegularizationDifference = *regDifference
	cfg.RegularizationScaling = *regScaling
	cfg.DetThreshold = float32(*detThreshold)
	cfg.DetThresholdType = *detThresholdType
	cfg.DetThresholdMin = float32(*detThresholdMin)
	cfg.MinCleanFp = int(*minCleanFp)
	cfg.FpNpixMin = int32(*fpNpixMin)
	cfg.FpNpixMax = int32(*fpNpixMax)
	cfg.FpGrowKsize = float32(*fpGrowKsize)
	cfg.MaxSpatialIterations = int(*maxSpatialIter)
	cfg.NStarPerCell = int(*nStarPerCell)
	cfg.SizeCellX = int32(*sizeCell)
	cfg.SizeCellY = int32(*sizeCell)
	return cfg, cfg.Validate()
}

func parseFloats(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func parseInts(s string) ([]int32, error) {
	parts := strings.Split(s, ",")
	out := make([]int32, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, err
		}
		out = append(out, int32(v))
	}
	return out, nil
}
