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
	"math"

	"github.com/mlnoga/diffimage/internal/fits"
)

// ImageStatistics accumulates the distribution of difference image pixels
// in units of their expected noise: d = diff / sqrt(variance), over all
// unmasked pixels. For a good kernel fit d is N(0,1)
type ImageStatistics struct {
	xSum, x2Sum float64
	nPix        int
}

func (s *ImageStatistics) Reset() {
	s.xSum, s.x2Sum, s.nPix = 0, 0, 0
}

// Apply accumulates the statistics over the unmasked pixels of the given
// difference image, replacing any previous accumulation
func (s *ImageStatistics) Apply(diffim *fits.MaskedImage) error {
	s.Reset()
	data := diffim.Image.Data
	variance := diffim.Variance.Data
	bits := diffim.Mask.Bits
	for i := range data {
		if bits[i] != 0 {
			continue
		}
		v := float64(variance[i])
		if v <= 0 {
			continue
		}
		d := float64(data[i]) / math.Sqrt(v)
		if math.IsNaN(d) || math.IsInf(d, 0) {
			return fmt.Errorf("%w: invalid residual at pixel %d", ErrNumerical, i)
		}
		s.xSum += d
		s.x2Sum += d * d
		s.nPix++
	}
	if s.nPix == 0 {
		return fmt.Errorf("%w: no unmasked pixels in difference image", ErrNumerical)
	}
	return nil
}

func (s *ImageStatistics) NPix() int { return s.nPix }

// Mean residual in units of sigma
func (s *ImageStatistics) Mean() float64 {
	if s.nPix == 0 {
		return 0
	}
	return s.xSum / float64(s.nPix)
}

// Variance of the residuals in units of sigma
func (s *ImageStatistics) Variance() float64 {
	if s.nPix < 2 {
		return 0
	}
	n := float64(s.nPix)
	return (s.x2Sum - s.xSum*s.xSum/n) / (n - 1)
}

// Root mean square residual about zero, in units of sigma
func (s *ImageStatistics) Rms() float64 {
	if s.nPix == 0 {
		return 0
	}
	return math.Sqrt(s.x2Sum / float64(s.nPix))
}
