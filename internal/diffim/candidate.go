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

	"github.com/mlnoga/diffimage/internal/fits"
	"github.com/mlnoga/diffimage/internal/kernel"
)

// Candidate fitness for the spatial model
type CandidateStatus int

const (
	StatusUnknown CandidateStatus = iota
	StatusGood
	StatusBad // terminal
)

func (s CandidateStatus) String() string {
	switch s {
	case StatusUnknown:
		return "UNKNOWN"
	case StatusGood:
		return "GOOD"
	case StatusBad:
		return "BAD"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// A KernelCandidate owns one co-located stamp pair and the state of its
// single-kernel fit: the current kernel and background, the normal
// equations for the spatial fit, the fit chi2 and the candidate status.
// Candidates are created from footprints and mutated only by visitors
type KernelCandidate struct {
	ID               int
	XCenter, YCenter float64 // center in parent image coordinates
	Rating           float64 // template flux of the originating footprint

	MiToConvolve    *fits.MaskedImage // template stamp T
	MiToNotConvolve *fits.MaskedImage // science stamp S

	status     CandidateStatus
	kernel     kernel.Kernel
	background float64
	ksum       float64
	m          *mat.Dense
	b          []float64
	chi2       float64
}

func NewKernelCandidate(id int, xCenter, yCenter, rating float64, templStamp, sciStamp *fits.MaskedImage) *KernelCandidate {
	return &KernelCandidate{
		ID:              id,
		XCenter:         xCenter,
		YCenter:         yCenter,
		Rating:          rating,
		MiToConvolve:    templStamp,
		MiToNotConvolve: sciStamp,
		status:          StatusUnknown,
	}
}

func (c *KernelCandidate) Status() CandidateStatus { return c.status }

// Bad status is terminal; a candidate marked bad stays bad
func (c *KernelCandidate) SetStatus(s CandidateStatus) {
	if c.status == StatusBad {
		return
	}
	c.status = s
}

func (c *KernelCandidate) HasKernel() bool { return c.kernel != nil }

// True once M and B from a successful build are present
func (c *KernelCandidate) IsInitialized() bool { return c.m != nil }

func (c *KernelCandidate) Kernel() kernel.Kernel { return c.kernel }
func (c *KernelCandidate) Background() float64   { return c.background }
func (c *KernelCandidate) Ksum() float64         { return c.ksum }
func (c *KernelCandidate) Chi2() float64         { return c.chi2 }

func (c *KernelCandidate) SetKernel(k kernel.Kernel, background float64) error {
	_, sum, err := k.ComputeImage(false)
	if err != nil {
		return err
	}
	c.kernel = k
	c.background = background
	c.ksum = sum
	return nil
}

func (c *KernelCandidate) SetChi2(chi2 float64) { c.chi2 = chi2 }

// The normal equations from the most recent build, for the spatial fit
func (c *KernelCandidate) MB() (*mat.Dense, []float64) { return c.m, c.b }

func (c *KernelCandidate) SetMB(m *mat.Dense, b []float64) { c.m, c.b = m, b }

// The current kernel rendered to an image
func (c *KernelCandidate) KernelImage() (*kernel.Image, error) {
	if c.kernel == nil {
		return nil, fmt.Errorf("%w: candidate %d has no kernel", ErrNumerical, c.ID)
	}
	im, _, err := c.kernel.ComputeImage(false)
	return im, err
}

// DifferenceImage forms D = S - (K*T + bg) over the candidate's stamps
// with the given kernel and background
func (c *KernelCandidate) DifferenceImage(k kernel.Kernel, background float64) (*fits.MaskedImage, error) {
	if k == nil {
		return nil, fmt.Errorf("%w: candidate %d has no kernel for difference image", ErrNumerical, c.ID)
	}
	return ConvolveAndSubtract(c.MiToConvolve, c.MiToNotConvolve, k, ScalarBackground(background), false)
}

// The candidate's own difference image from its current kernel fit
func (c *KernelCandidate) OwnDifferenceImage() (*fits.MaskedImage, error) {
	return c.DifferenceImage(c.kernel, c.background)
}
