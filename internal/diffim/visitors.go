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
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/mlnoga/diffimage/internal/fits"
	"github.com/mlnoga/diffimage/internal/kernel"
	"github.com/mlnoga/diffimage/internal/spatialfn"
	"github.com/mlnoga/diffimage/internal/stats"
)

// KernelSumVisitor modes
type KernelSumMode int

const (
	KernelSumAggregate KernelSumMode = iota
	KernelSumReject
)

// KernelSumVisitor finds outliers in the kernel sum distribution. A first
// pass in aggregate mode collects every candidate's kernel sum; after
// computing the clipped distribution, a second pass in reject mode marks
// candidates deviating by more than maxKsumSigma clipped sigmas as bad
type KernelSumVisitor struct {
	mode      KernelSumMode
	kSums     []float64
	kSumMean  float64
	kSumStd   float64
	dkSumMax  float64
	kSumNpts  int
	nRejected int
	cfg       *Config
	log       io.Writer
}

func NewKernelSumVisitor(cfg *Config, log io.Writer) *KernelSumVisitor {
	return &KernelSumVisitor{cfg: cfg, log: log}
}

func (v *KernelSumVisitor) SetMode(mode KernelSumMode) { v.mode = mode }

func (v *KernelSumVisitor) NRejected() int    { return v.nRejected }
func (v *KernelSumVisitor) KsumMean() float64 { return v.kSumMean }
func (v *KernelSumVisitor) KsumStd() float64  { return v.kSumStd }
func (v *KernelSumVisitor) KsumNpts() int     { return v.kSumNpts }

func (v *KernelSumVisitor) Reset() {
	if v.mode == KernelSumAggregate {
		v.kSums = v.kSums[:0]
	}
	v.nRejected = 0
}

func (v *KernelSumVisitor) ProcessCandidate(c *KernelCandidate) error {
	switch v.mode {
	case KernelSumAggregate:
		if c.HasKernel() {
			v.kSums = append(v.kSums, c.Ksum())
		}
	case KernelSumReject:
		if !v.cfg.KernelSumClipping {
			return nil
		}
		if c.HasKernel() && math.Abs(c.Ksum()-v.kSumMean) > v.dkSumMax {
			c.SetStatus(StatusBad)
			v.nRejected++
			fmt.Fprintf(v.log, "Rejecting candidate %d due to bad source kernel sum : (%.2f)\n",
				c.ID, c.Ksum())
		}
	}
	return nil
}

// ProcessKsumDistribution computes the clipped mean and sigma of the
// aggregated kernel sums and the resulting rejection threshold
func (v *KernelSumVisitor) ProcessKsumDistribution() error {
	if len(v.kSums) == 0 {
		return fmt.Errorf("%w: no kernel sums to aggregate", ErrNoCandidates)
	}
	mean, stdDev, n := stats.SigmaClippedMeanStdDev(v.kSums, 3, 3)
	v.kSumMean, v.kSumStd, v.kSumNpts = mean, stdDev, n
	v.dkSumMax = v.cfg.MaxKsumSigma * v.kSumStd
	fmt.Fprintf(v.log, "Kernel Sum Distribution : %.3f +/- %.3f (%d points)\n",
		v.kSumMean, v.kSumStd, v.kSumNpts)
	return nil
}

// BuildSingleKernelVisitor runs the single-stamp kernel fit on each
// candidate it visits and applies the residual rejection limits
type BuildSingleKernelVisitor struct {
	sol        *StaticKernelSolution
	cfg        *Config
	log        io.Writer
	h          *mat.Dense // regularization, nil when off
	imstats    ImageStatistics
	skipBuilt  bool
	setKernel  bool
	nRejected  int
	nProcessed int
}

func NewBuildSingleKernelVisitor(basis []kernel.Kernel, h *mat.Dense, cfg *Config, log io.Writer) (*BuildSingleKernelVisitor, error) {
	sol, err := NewStaticKernelSolution(basis)
	if err != nil {
		return nil, err
	}
	return &BuildSingleKernelVisitor{
		sol:       sol,
		cfg:       cfg,
		log:       log,
		h:         h,
		skipBuilt: true,
		setKernel: true,
	}, nil
}

// Candidates that already have a kernel are skipped when set. Re-visiting
// all cells after rejections then only builds the replacement candidates
func (v *BuildSingleKernelVisitor) SetSkipBuilt(skip bool) { v.skipBuilt = skip }

// When false, M and B are updated on the candidate but its kernel is left
// alone. Used when fitting a PCA basis derived from the original
// delta-function kernels, whose images must stay in place
func (v *BuildSingleKernelVisitor) SetCandidateKernel(set bool) { v.setKernel = set }

func (v *BuildSingleKernelVisitor) NRejected() int  { return v.nRejected }
func (v *BuildSingleKernelVisitor) NProcessed() int { return v.nProcessed }

func (v *BuildSingleKernelVisitor) Reset() { v.nRejected, v.nProcessed = 0, 0 }

func (v *BuildSingleKernelVisitor) ProcessCandidate(c *KernelCandidate) error {
	if v.skipBuilt && c.HasKernel() {
		return nil
	}
	v.nProcessed++

	templ := c.MiToConvolve
	sci := c.MiToNotConvolve

	// an entirely masked stamp cannot constrain anything
	allMasked := true
	for _, b := range sci.Mask.Bits {
		if b == 0 {
			allMasked = false
			break
		}
	}
	if allMasked {
		c.SetStatus(StatusBad)
		v.nRejected++
		fmt.Fprintf(v.log, "Unable to process candidate %d: all pixels masked\n", c.ID)
		return nil
	}

	variance := v.varianceEstimate(templ, sci)
	if err := v.buildAndMeasure(c, variance); err != nil {
		c.SetStatus(StatusBad)
		v.nRejected++
		fmt.Fprintf(v.log, "Unable to process candidate %d: %s\n", c.ID, err.Error())
		return nil
	}
	return nil
}

// Estimate of the per-pixel variance: either constant weighting, or the
// variance of the straight difference of the stamps
func (v *BuildSingleKernelVisitor) varianceEstimate(templ, sci *fits.MaskedImage) *fits.Image {
	variance := fits.NewImageFromNaxisn(sci.Variance.Naxisn, nil)
	if v.cfg.ConstantVarianceWeighting {
		for i := range variance.Data {
			variance.Data[i] = 1
		}
		return variance
	}
	for i := range variance.Data {
		variance.Data[i] = sci.Variance.Data[i] + templ.Variance.Data[i]
	}
	return variance
}

func (v *BuildSingleKernelVisitor) buildAndMeasure(c *KernelCandidate, variance *fits.Image) error {
	if err := v.sol.Build(c.MiToConvolve.Image, c.MiToNotConvolve.Image, variance, v.regularization(), v.cfg.RegularizationScaling); err != nil {
		return err
	}
	k, err := v.sol.Kernel()
	if err != nil {
		return err
	}
	background, err := v.sol.Background()
	if err != nil {
		return err
	}

	diffim, err := v.applySolution(c, k, background)
	if err != nil {
		return err
	}

	// refit with the first-pass difference image variance as a better
	// estimate of the true diffim variance; pointless with constant weights
	if v.cfg.IterateSingleKernel && !v.cfg.ConstantVarianceWeighting {
		if err := v.sol.Build(c.MiToConvolve.Image, c.MiToNotConvolve.Image, diffim.Variance, v.regularization(), v.cfg.RegularizationScaling); err != nil {
			return err
		}
		if k, err = v.sol.Kernel(); err != nil {
			return err
		}
		if background, err = v.sol.Background(); err != nil {
			return err
		}
		if diffim, err = v.applySolution(c, k, background); err != nil {
			return err
		}
	}

	if err := v.imstats.Apply(diffim); err != nil {
		return err
	}
	c.SetChi2(v.imstats.Variance())

	mean, rms := v.imstats.Mean(), v.imstats.Rms()
	fmt.Fprintf(v.log, "Candidate %d at (%.1f,%.1f): chi2 %.2f ksum %.3f bg %.3f residuals %.2f +/- %.2f sigma\n",
		c.ID, c.XCenter, c.YCenter, c.Chi2(), v.sol.mustKsum(), background, mean, rms)

	if v.cfg.SingleKernelClipping {
		if math.Abs(mean) > v.cfg.CandidateResidualMeanMax {
			c.SetStatus(StatusBad)
			v.nRejected++
			fmt.Fprintf(v.log, "Rejecting candidate %d due to bad mean residuals : |%.2f| > %.2f\n",
				c.ID, mean, v.cfg.CandidateResidualMeanMax)
			return nil
		}
		if rms > v.cfg.CandidateResidualStdMax {
			c.SetStatus(StatusBad)
			v.nRejected++
			fmt.Fprintf(v.log, "Rejecting candidate %d due to bad residual rms : %.2f > %.2f\n",
				c.ID, rms, v.cfg.CandidateResidualStdMax)
			return nil
		}
	}
	c.SetStatus(StatusGood)
	return nil
}

// records solution and normal equations on the candidate, and returns the
// difference image of the new fit. M and B are always updated since the
// spatial fit consumes them; the kernel itself only when configured
func (v *BuildSingleKernelVisitor) applySolution(c *KernelCandidate, k kernel.Kernel, background float64) (*fits.MaskedImage, error) {
	if v.setKernel {
		if err := c.SetKernel(k, background); err != nil {
			return nil, err
		}
	}
	m, b := v.sol.MB()
	c.SetMB(m, b)
	return c.DifferenceImage(k, background)
}

func (v *BuildSingleKernelVisitor) regularization() *mat.Dense {
	if !v.cfg.UseRegularization {
		return nil
	}
	return v.h
}

// kernel sum of the current solution, for logging only
func (s *StaticKernelSolution) mustKsum() float64 {
	sum, err := s.Ksum()
	if err != nil {
		return math.NaN()
	}
	return sum
}

// KernelPcaVisitor feeds each visited candidate's kernel image, normalized
// to unit sum, into a KernelPca collector with equal weight. Kernels should
// not carry more weight for being brighter
type KernelPcaVisitor struct {
	pca *KernelPca
	log io.Writer
}

func NewKernelPcaVisitor(pca *KernelPca, log io.Writer) *KernelPcaVisitor {
	return &KernelPcaVisitor{pca: pca, log: log}
}

func (v *KernelPcaVisitor) Reset() {}

func (v *KernelPcaVisitor) ProcessCandidate(c *KernelCandidate) error {
	if !c.HasKernel() {
		return nil
	}
	im, err := c.KernelImage()
	if err != nil {
		return nil
	}
	sum := im.Sum()
	if sum == 0 {
		return nil
	}
	im = im.Clone()
	im.Scale(1 / sum)
	return v.pca.AddImage(im, 1.0)
}

// GetEigenKernels assembles the PCA basis: the mean kernel followed by the
// leading eigen images. nEigenComponents <= 0 keeps all components
func GetEigenKernels(pca *KernelPca, mean *kernel.Image, nEigenComponents int) ([]kernel.Kernel, error) {
	eigenImages := pca.EigenImages()
	nEigen := len(eigenImages)
	nComp := nEigen
	if nEigenComponents > 0 && nEigenComponents < nComp {
		nComp = nEigenComponents
	}
	if mean == nil || nComp == 0 {
		return nil, fmt.Errorf("%w: PCA produced no usable basis", ErrNoCandidates)
	}
	basis := make([]kernel.Kernel, 0, nComp+1)
	basis = append(basis, kernel.NewFixedKernel(mean))
	for i := 0; i < nComp; i++ {
		basis = append(basis, kernel.NewFixedKernel(eigenImages[i]))
	}
	return basis, nil
}

// BuildSpatialKernelVisitor accumulates the global spatial normal equations
// from every initialized candidate it visits
type BuildSpatialKernelVisitor struct {
	sol         *SpatialKernelSolution
	log         io.Writer
	nCandidates int
}

func NewBuildSpatialKernelVisitor(basis []kernel.Kernel, kernelFn, bgFn spatialfn.Function2D,
	constantFirstTerm bool, log io.Writer) (*BuildSpatialKernelVisitor, error) {
	sol, err := NewSpatialKernelSolution(basis, kernelFn, bgFn, constantFirstTerm)
	if err != nil {
		return nil, err
	}
	return &BuildSpatialKernelVisitor{sol: sol, log: log}, nil
}

func (v *BuildSpatialKernelVisitor) Reset()                           { v.nCandidates = 0 }
func (v *BuildSpatialKernelVisitor) NCandidates() int                 { return v.nCandidates }
func (v *BuildSpatialKernelVisitor) Solution() *SpatialKernelSolution { return v.sol }

func (v *BuildSpatialKernelVisitor) ProcessCandidate(c *KernelCandidate) error {
	if !c.IsInitialized() {
		c.SetStatus(StatusBad)
		fmt.Fprintf(v.log, "Cannot process candidate %d without normal equations, continuing\n", c.ID)
		return nil
	}
	m, b := c.MB()
	if err := v.sol.AddConstraint(c.XCenter, c.YCenter, m, b); err != nil {
		return err
	}
	v.nCandidates++
	return nil
}

func (v *BuildSpatialKernelVisitor) SolveLinearEquation() error {
	return v.sol.Solve()
}

func (v *BuildSpatialKernelVisitor) SolutionPair() (*kernel.LinearCombinationKernel, spatialfn.Function2D, error) {
	return v.sol.SolutionPair()
}

// AssessSpatialKernelVisitor evaluates the spatial model at each
// candidate's position and re-checks the residual limits there
type AssessSpatialKernelVisitor struct {
	spatialKernel *kernel.LinearCombinationKernel
	spatialBg     spatialfn.Function2D
	cfg           *Config
	log           io.Writer
	imstats       ImageStatistics
	nGood         int
	nRejected     int
}

func NewAssessSpatialKernelVisitor(spatialKernel *kernel.LinearCombinationKernel,
	spatialBg spatialfn.Function2D, cfg *Config, log io.Writer) *AssessSpatialKernelVisitor {
	return &AssessSpatialKernelVisitor{
		spatialKernel: spatialKernel,
		spatialBg:     spatialBg,
		cfg:           cfg,
		log:           log,
	}
}

func (v *AssessSpatialKernelVisitor) Reset()         { v.nGood, v.nRejected = 0, 0 }
func (v *AssessSpatialKernelVisitor) NGood() int     { return v.nGood }
func (v *AssessSpatialKernelVisitor) NRejected() int { return v.nRejected }

func (v *AssessSpatialKernelVisitor) ProcessCandidate(c *KernelCandidate) error {
	if !c.HasKernel() {
		fmt.Fprintf(v.log, "Cannot assess candidate %d without a kernel, continuing\n", c.ID)
		return nil
	}

	// render a local constant kernel from the spatial model
	kImage, _, err := v.spatialKernel.ComputeImageAt(false, c.XCenter, c.YCenter)
	if err != nil {
		return err
	}
	localKernel := kernel.NewFixedKernel(kImage)
	background := v.spatialBg.Evaluate(c.XCenter, c.YCenter)

	diffim, err := c.DifferenceImage(localKernel, background)
	if err != nil {
		return err
	}
	if err := v.imstats.Apply(diffim); err != nil {
		c.SetStatus(StatusBad)
		v.nRejected++
		fmt.Fprintf(v.log, "Rejecting candidate %d: %s\n", c.ID, err.Error())
		return nil
	}
	c.SetChi2(v.imstats.Variance())

	mean, rms := v.imstats.Mean(), v.imstats.Rms()
	fmt.Fprintf(v.log, "Candidate %d spatial residuals %.2f +/- %.2f sigma\n", c.ID, mean, rms)

	if !v.cfg.SpatialKernelClipping {
		c.SetStatus(StatusGood)
		v.nGood++
		return nil
	}
	if math.Abs(mean) > v.cfg.CandidateResidualMeanMax {
		c.SetStatus(StatusBad)
		v.nRejected++
		fmt.Fprintf(v.log, "Rejecting candidate %d due to bad spatial kernel mean residuals : |%.2f| > %.2f\n",
			c.ID, mean, v.cfg.CandidateResidualMeanMax)
	} else if rms > v.cfg.CandidateResidualStdMax {
		c.SetStatus(StatusBad)
		v.nRejected++
		fmt.Fprintf(v.log, "Rejecting candidate %d due to bad spatial kernel residual rms : %.2f > %.2f\n",
			c.ID, rms, v.cfg.CandidateResidualStdMax)
	} else {
		c.SetStatus(StatusGood)
		v.nGood++
	}
	return nil
}
