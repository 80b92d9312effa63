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

package stats

import (
	"fmt"
	"math"
	"sort"

	"github.com/valyala/fastrand"
	"gonum.org/v1/gonum/stat"
)

// Basic statistics of a data array
type Basic struct {
	Min    float32
	Max    float32
	Mean   float32
	StdDev float32
}

func (s *Basic) String() string {
	return fmt.Sprintf("Min %.6g Max %.6g Mean %.6g StdDev %.6g", s.Min, s.Max, s.Mean, s.StdDev)
}

// Calculate basic statistics for the data
func CalcBasic(data []float32) (s *Basic) {
	min, max := float32(math.MaxFloat32), float32(-math.MaxFloat32)
	sum := float64(0)
	for _, v := range data {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += float64(v)
	}
	mean := sum / float64(len(data))

	sumSqDiff := float64(0)
	for _, v := range data {
		d := float64(v) - mean
		sumSqDiff += d * d
	}
	variance := sumSqDiff / float64(len(data))

	return &Basic{
		Min:    min,
		Max:    max,
		Mean:   float32(mean),
		StdDev: float32(math.Sqrt(variance)),
	}
}

// Iteratively sigma-clipped mean and standard deviation of the data.
// Discards values beyond sigmaLow/sigmaHigh standard deviations from the
// mean and repeats until the set no longer shrinks
func SigmaClippedMeanStdDev(data []float64, sigmaLow, sigmaHigh float64) (mean, stdDev float64, n int) {
	work := append([]float64(nil), data...)
	for {
		mean, stdDev = stat.MeanStdDev(work, nil)
		if math.IsNaN(stdDev) { // single point
			stdDev = 0
		}
		lowBound := mean - sigmaLow*stdDev
		highBound := mean + sigmaHigh*stdDev
		kept := work[:0]
		for _, v := range work {
			if v >= lowBound && v <= highBound {
				kept = append(kept, v)
			}
		}
		if len(kept) == len(work) || len(kept) < 2 {
			return mean, stdDev, len(work)
		}
		work = kept
	}
}

// Median of the data. Sorts a copy
func Median(data []float32) float32 {
	work := append([]float32(nil), data...)
	sort.Slice(work, func(i, j int) bool { return work[i] < work[j] })
	return work[len(work)/2]
}

// Approximate median of the data based on randomized sampling
func FastApproxMedian(data []float32, samples []float32) float32 {
	rng := fastrand.RNG{}
	for i := range samples {
		index := rng.Uint32n(uint32(len(data)))
		samples[i] = data[index]
	}
	return Median(samples)
}

// Approximate standard deviation around the given location, based on
// randomized sampling
func FastApproxStdDev(data []float32, location float32, numSamples int) float32 {
	rng := fastrand.RNG{}
	sumSqDiff := float64(0)
	for i := 0; i < numSamples; i++ {
		index := rng.Uint32n(uint32(len(data)))
		d := float64(data[index] - location)
		sumSqDiff += d * d
	}
	return float32(math.Sqrt(sumSqDiff / float64(numSamples)))
}

// Estimate background location and scale of an image plane. Uses exact
// statistics for small planes and randomized sampling above sampleThreshold
// pixels, with the location refined by a histogram peak fit
func LocationScale(data []float32, width int32) (location, scale float32) {
	const sampleThreshold = 128 * 1024
	const numSamples = 32 * 1024

	if len(data) <= sampleThreshold {
		location = Median(data)
		b := CalcBasic(data)
		scale = b.StdDev
	} else {
		samples := make([]float32, numSamples)
		location = FastApproxMedian(data, samples)
		scale = FastApproxStdDev(data, location, numSamples)
	}

	// refine location via histogram peak fit; fall back to the median when
	// the fit does not converge
	if loc, sc, err := HistogramScaleLoc(data, location-3*scale, location+3*scale, 1024); err == nil {
		location, scale = loc, sc
	}
	return location, scale
}
