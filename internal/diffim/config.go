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
	"io"
	"os"
	"runtime"

	"github.com/pbnjay/memory"

	"github.com/mlnoga/diffimage/internal/detect"
	"github.com/mlnoga/diffimage/internal/kernel"
	"github.com/mlnoga/diffimage/internal/spatialfn"
)

// Kernel basis families
const (
	BasisDeltaFunction = "delta-function"
	BasisAlardLupton   = "alard-lupton"
)

// Spatial function families
const (
	SpatialPolynomial = "polynomial"
	SpatialChebyshev1 = "chebyshev1"
)

// Controls for the PSF matching pipeline. JSON tags allow configs to be
// stored and posted to the REST API
type Config struct {
	KernelCols int32 `json:"kernelCols"`
	KernelRows int32 `json:"kernelRows"`

	KernelBasisSet string    `json:"kernelBasisSet"` // "delta-function" or "alard-lupton"
	AlardSigGauss  []float64 `json:"alardSigGauss"`  // Gaussian widths of the Alard-Lupton basis
	AlardDegGauss  []int32   `json:"alardDegGauss"`  // polynomial degrees per Gaussian

	UsePcaForSpatialKernel bool `json:"usePcaForSpatialKernel"`
	NEigenComponents       int  `json:"nEigenComponents"` // PCA components kept; <=0 keeps all

	SpatialKernelOrder int    `json:"spatialKernelOrder"`
	SpatialBgOrder     int    `json:"spatialBgOrder"`
	SpatialKernelType  string `json:"spatialKernelType"` // "polynomial" or "chebyshev1"
	SpatialBgType      string `json:"spatialBgType"`
	FitForBackground   bool   `json:"fitForBackground"`

	ConstantVarianceWeighting bool `json:"constantVarianceWeighting"`
	IterateSingleKernel       bool `json:"iterateSingleKernel"`

	SingleKernelClipping  bool `json:"singleKernelClipping"`
	SpatialKernelClipping bool `json:"spatialKernelClipping"`
	KernelSumClipping     bool `json:"kernelSumClipping"`

	CandidateResidualMeanMax float64 `json:"candidateResidualMeanMax"`
	CandidateResidualStdMax  float64 `json:"candidateResidualStdMax"`
	MaxKsumSigma             float64 `json:"maxKsumSigma"`

	UseRegularization        bool    `json:"useRegularization"`
	RegularizationOrder      int     `json:"regularizationOrder"`      // derivative order 0..2
	RegularizationBoundary   string  `json:"regularizationBoundary"`   // "unwrapped", "wrapped", "tapered"
	RegularizationDifference string  `json:"regularizationDifference"` // "forward", "central"
	RegularizationScaling    float64 `json:"regularizationScaling"`

	FpNpixMin           int32   `json:"fpNpixMin"`
	FpNpixMax           int32   `json:"fpNpixMax"`
	FpGrowKsize         float32 `json:"fpGrowKsize"`
	DetThreshold        float32 `json:"detThreshold"`
	DetThresholdScaling float32 `json:"detThresholdScaling"`
	DetThresholdMin     float32 `json:"detThresholdMin"`
	DetThresholdType    string  `json:"detThresholdType"` // "value" or "stdev"
	MinCleanFp          int     `json:"minCleanFp"`

	MaxSpatialIterations int   `json:"maxSpatialIterations"`
	NStarPerCell         int   `json:"nStarPerCell"`
	SizeCellX            int32 `json:"sizeCellX"`
	SizeCellY            int32 `json:"sizeCellY"`
}

// The pipeline defaults
func NewConfig() *Config {
	return &Config{
		KernelCols: 19,
		KernelRows: 19,

		KernelBasisSet: BasisAlardLupton,
		AlardSigGauss:  []float64{0.7, 1.5, 3.0},
		AlardDegGauss:  []int32{4, 3, 2},

		UsePcaForSpatialKernel: false,
		NEigenComponents:       3,

		SpatialKernelOrder: 2,
		SpatialBgOrder:     1,
		SpatialKernelType:  SpatialPolynomial,
		SpatialBgType:      SpatialPolynomial,
		FitForBackground:   true,

		ConstantVarianceWeighting: false,
		IterateSingleKernel:       false,

		SingleKernelClipping:  true,
		SpatialKernelClipping: true,
		KernelSumClipping:     true,

		CandidateResidualMeanMax: 0.25,
		CandidateResidualStdMax:  1.50,
		MaxKsumSigma:             3.0,

		UseRegularization:        false,
		RegularizationOrder:      1,
		RegularizationBoundary:   "wrapped",
		RegularizationDifference: "central",
		RegularizationScaling:    1.0,

		FpNpixMin:           5,
		FpNpixMax:           500,
		FpGrowKsize:         1.0,
		DetThreshold:        10.0,
		DetThresholdScaling: 0.75,
		DetThresholdMin:     3.0,
		DetThresholdType:    detect.ThresholdStdev,
		MinCleanFp:          10,

		MaxSpatialIterations: 3,
		NStarPerCell:         3,
		SizeCellX:            256,
		SizeCellY:            256,
	}
}

// Validate rejects inconsistent settings and normalizes the background
// order when background fitting is off
func (c *Config) Validate() error {
	if c.KernelCols < 1 || c.KernelRows < 1 {
		return fmt.Errorf("%w: kernel grid %dx%d", ErrDomain, c.KernelCols, c.KernelRows)
	}
	switch c.KernelBasisSet {
	case BasisDeltaFunction:
	case BasisAlardLupton:
		if len(c.AlardSigGauss) == 0 || len(c.AlardSigGauss) != len(c.AlardDegGauss) {
			return fmt.Errorf("%w: %d alard-lupton widths for %d degrees",
				ErrConfig, len(c.AlardSigGauss), len(c.AlardDegGauss))
		}
	default:
		return fmt.Errorf("%w: unknown kernel basis set %q", ErrConfig, c.KernelBasisSet)
	}
	switch c.SpatialKernelType {
	case SpatialPolynomial, SpatialChebyshev1:
	default:
		return fmt.Errorf("%w: unknown spatial kernel type %q", ErrConfig, c.SpatialKernelType)
	}
	switch c.SpatialBgType {
	case SpatialPolynomial, SpatialChebyshev1:
	default:
		return fmt.Errorf("%w: unknown spatial background type %q", ErrConfig, c.SpatialBgType)
	}
	if c.SpatialKernelOrder < 0 || c.SpatialBgOrder < 0 {
		return fmt.Errorf("%w: negative spatial orders %d/%d", ErrConfig, c.SpatialKernelOrder, c.SpatialBgOrder)
	}
	// no background fit: the background is reduced to a single constant
	// term, which is still solved for like any other parameter; its
	// coefficient is not forced to zero
	if !c.FitForBackground {
		c.SpatialBgOrder = 0
	}
	if c.UseRegularization {
		if c.KernelBasisSet != BasisDeltaFunction {
			return fmt.Errorf("%w: regularization requires the delta function basis", ErrConfig)
		}
		if c.RegularizationOrder < 0 || c.RegularizationOrder > 2 {
			return fmt.Errorf("%w: regularization order %d", ErrConfig, c.RegularizationOrder)
		}
		if _, err := c.regularizationBoundary(); err != nil {
			return err
		}
		if _, err := c.regularizationDifference(); err != nil {
			return err
		}
	}
	if c.MaxSpatialIterations < 1 {
		return fmt.Errorf("%w: maxSpatialIterations %d", ErrConfig, c.MaxSpatialIterations)
	}
	return nil
}

func (c *Config) regularizationBoundary() (kernel.BoundaryStyle, error) {
	switch c.RegularizationBoundary {
	case "unwrapped":
		return kernel.BoundaryUnwrapped, nil
	case "wrapped":
		return kernel.BoundaryWrapped, nil
	case "tapered":
		return kernel.BoundaryOrderTapered, nil
	}
	return 0, fmt.Errorf("%w: unknown regularization boundary %q", ErrConfig, c.RegularizationBoundary)
}

func (c *Config) regularizationDifference() (kernel.DifferenceStyle, error) {
	switch c.RegularizationDifference {
	case "forward":
		return kernel.ForwardDifference, nil
	case "central":
		return kernel.CentralDifference, nil
	}
	return 0, fmt.Errorf("%w: unknown regularization difference %q", ErrConfig, c.RegularizationDifference)
}

// MakeBasis constructs the kernel basis selected by the config
func (c *Config) MakeBasis() ([]kernel.Kernel, error) {
	switch c.KernelBasisSet {
	case BasisDeltaFunction:
		return kernel.GenerateDeltaFunctionBasis(c.KernelCols, c.KernelRows)
	case BasisAlardLupton:
		halfWidth := c.KernelCols / 2
		if c.KernelRows/2 < halfWidth {
			halfWidth = c.KernelRows / 2
		}
		return kernel.GenerateAlardLuptonBasis(halfWidth, c.AlardSigGauss, c.AlardDegGauss)
	}
	return nil, fmt.Errorf("%w: unknown kernel basis set %q", ErrConfig, c.KernelBasisSet)
}

// MakeSpatialFn constructs a spatial function of the given family and order
// over the bounding box
func MakeSpatialFn(family string, order int, x0, y0, x1, y1 float64) (spatialfn.Function2D, error) {
	switch family {
	case SpatialPolynomial:
		return spatialfn.NewPolynomial2D(order)
	case SpatialChebyshev1:
		return spatialfn.NewChebyshev2D(order, x0, y0, x1, y1)
	}
	return nil, fmt.Errorf("%w: unknown spatial function family %q", ErrConfig, family)
}

// DetectConfig derives the stamp extractor controls
func (c *Config) DetectConfig() *detect.Config {
	return &detect.Config{
		FpNpixMin:           c.FpNpixMin,
		FpNpixMax:           c.FpNpixMax,
		FpGrowKsize:         c.FpGrowKsize,
		DetThreshold:        c.DetThreshold,
		DetThresholdScaling: c.DetThresholdScaling,
		DetThresholdMin:     c.DetThresholdMin,
		DetThresholdType:    c.DetThresholdType,
		MinCleanFp:          c.MinCleanFp,
		KernelCols:          c.KernelCols,
		KernelRows:          c.KernelRows,
	}
}

// An execution context for the pipeline
type Context struct {
	Log        io.Writer
	MemoryMB   int    // total physical memory, for stamp retention accounting
	MaxThreads int    // parallelism budget for per-request jobs
	DebugDir   string // when set, per-candidate kernels and diffims are dumped here
}

func NewContext(log io.Writer) *Context {
	if log == nil {
		log = os.Stdout
	}
	return &Context{
		Log:        log,
		MemoryMB:   int(memory.TotalMemory() / 1024 / 1024),
		MaxThreads: runtime.GOMAXPROCS(0),
	}
}
