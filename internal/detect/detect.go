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

// Package detect finds candidate sources on the template image and turns
// them into clean stamp footprints for kernel fitting.
package detect

import (
	"fmt"
	"io"

	"github.com/mlnoga/diffimage/internal/fits"
	"github.com/mlnoga/diffimage/internal/stats"
)

// Names of the mask planes reserved by the stamp extractor
const (
	StampCandidatePlane = "diffimStampCandidate" // grown footprints of considered candidates
	StampUsedPlane      = "diffimStampUsed"      // footprints used in the final fit
)

// Detection threshold interpretation
const (
	ThresholdValue = "value" // threshold is an absolute pixel value
	ThresholdStdev = "stdev" // threshold is in standard deviations above background
)

// Extraction controls
type Config struct {
	FpNpixMin           int32   `json:"fpNpixMin"`           // minimum pixels above threshold per footprint
	FpNpixMax           int32   `json:"fpNpixMax"`           // maximum pixels above threshold per footprint
	FpGrowKsize         float32 `json:"fpGrowKsize"`         // grow footprints by this multiple of the kernel size
	DetThreshold        float32 `json:"detThreshold"`        // starting detection threshold
	DetThresholdScaling float32 `json:"detThresholdScaling"` // threshold multiplier per relaxation round
	DetThresholdMin     float32 `json:"detThresholdMin"`     // do not relax the threshold below this
	DetThresholdType    string  `json:"detThresholdType"`    // "value" or "stdev"
	MinCleanFp          int     `json:"minCleanFp"`          // relax the threshold until this many clean footprints
	KernelCols          int32   `json:"kernelCols"`
	KernelRows          int32   `json:"kernelRows"`
}

// A rectangular stamp region grown from a source detection. Bounds are
// inclusive of X0,Y0 and exclusive of X0+Width, Y0+Height
type Footprint struct {
	X0, Y0        int32
	Width, Height int32
	PeakX, PeakY  int32   // detection peak position
	Npix          int32   // pixels above threshold in the raw detection
	Flux          float32 // summed pixel values above threshold; candidate rating
}

func (fp *Footprint) Center() (x, y float32) {
	return float32(fp.X0) + 0.5*float32(fp.Width-1), float32(fp.Y0) + 0.5*float32(fp.Height-1)
}

// GetCollectionOfFootprints runs detection on the template image, filters
// and grows the footprints, and rejects any that touch the image edge or a
// set mask bit in either image. If fewer than MinCleanFp clean footprints
// result, the detection threshold is relaxed by DetThresholdScaling and the
// search repeated, down to DetThresholdMin
func GetCollectionOfFootprints(templ, sci *fits.MaskedImage, cfg *Config, logWriter io.Writer) ([]Footprint, error) {
	width, height := templ.Width(), templ.Height()
	if sci.Width() != width || sci.Height() != height {
		return nil, fmt.Errorf("template is %dx%d but science image is %dx%d",
			width, height, sci.Width(), sci.Height())
	}

	// candidate stamps must not overlap prior mask bits in either image
	if _, err := templ.Mask.AddPlane(StampCandidatePlane); err != nil {
		return nil, err
	}
	if _, err := sci.Mask.AddPlane(StampCandidatePlane); err != nil {
		return nil, err
	}
	if _, err := templ.Mask.AddPlane(StampUsedPlane); err != nil {
		return nil, err
	}
	if _, err := sci.Mask.AddPlane(StampUsedPlane); err != nil {
		return nil, err
	}
	candidateBit := templ.Mask.PlaneBitMask(StampCandidatePlane)
	usedBit := templ.Mask.PlaneBitMask(StampUsedPlane)
	ignoreBits := ^(candidateBit | usedBit) // pre-existing bad pixel planes
	// the science mask may hold other planes, so its bit positions can differ
	sciCandidateBit := sci.Mask.PlaneBitMask(StampCandidatePlane)
	sciUsedBit := sci.Mask.PlaneBitMask(StampUsedPlane)
	sciIgnoreBits := ^(sciCandidateBit | sciUsedBit)

	templ.Mask.ClearPlane(candidateBit | usedBit)
	sci.Mask.ClearPlane(sciCandidateBit | sciUsedBit)

	// number of pixels to grow each footprint, based on the kernel size
	kMax := cfg.KernelCols
	if cfg.KernelRows > kMax {
		kMax = cfg.KernelRows
	}
	fpGrowPix := int32(cfg.FpGrowKsize * float32(kMax))

	// resolve the threshold against the image background where requested
	threshold := cfg.DetThreshold
	var location, scale float32
	if cfg.DetThresholdType == ThresholdStdev {
		location, scale = stats.LocationScale(templ.Image.Data, width)
		fmt.Fprintf(logWriter, "Template background location %.4g scale %.4g\n", location, scale)
	} else if cfg.DetThresholdType != ThresholdValue {
		return nil, fmt.Errorf("unknown detection threshold type %s", cfg.DetThresholdType)
	}

	var footprints []Footprint
	for {
		templ.Mask.ClearPlane(candidateBit)
		sci.Mask.ClearPlane(sciCandidateBit)
		footprints = footprints[:0]

		absThreshold := threshold
		if cfg.DetThresholdType == ThresholdStdev {
			absThreshold = location + threshold*scale
		}

		peaks := findPeaks(templ.Image, absThreshold, fpGrowPix)
		fmt.Fprintf(logWriter, "Found %d peaks above threshold %.3f\n", len(peaks), absThreshold)

		for _, p := range peaks {
			fp, ok := growFootprint(templ.Image, p, absThreshold, fpGrowPix, cfg)
			if !ok {
				continue
			}
			// reject footprints crossing the image edge
			if fp.X0 < 0 || fp.Y0 < 0 || fp.X0+fp.Width > width || fp.Y0+fp.Height > height {
				continue
			}
			// reject footprints touching bad pixels in either mask
			if templ.Mask.AnySetInRect(fp.X0, fp.Y0, fp.Width, fp.Height, ignoreBits|candidateBit) {
				continue
			}
			if sci.Mask.AnySetInRect(fp.X0, fp.Y0, fp.Width, fp.Height, sciIgnoreBits|sciCandidateBit) {
				continue
			}

			footprints = append(footprints, fp)
			templ.Mask.SetRect(fp.X0, fp.Y0, fp.Width, fp.Height, candidateBit)
			sci.Mask.SetRect(fp.X0, fp.Y0, fp.Width, fp.Height, sciCandidateBit)
		}

		if len(footprints) >= cfg.MinCleanFp {
			break
		}
		threshold *= cfg.DetThresholdScaling
		if threshold <= cfg.DetThresholdMin {
			break
		}
		fmt.Fprintf(logWriter, "Only %d clean footprints, relaxing threshold to %.3f\n",
			len(footprints), threshold)
	}

	// the candidate bits only guard against overlapping footprints while
	// searching; leave the images clean for the fit
	templ.Mask.ClearPlane(candidateBit)
	sci.Mask.ClearPlane(sciCandidateBit)

	if len(footprints) == 0 {
		return nil, fmt.Errorf("unable to find any footprints for PSF matching")
	}
	fmt.Fprintf(logWriter, "Found %d clean footprints\n", len(footprints))
	return footprints, nil
}

type peak struct {
	x, y  int32
	value float32
}

// Find pixels above the threshold, keeping only the brightest within the
// blocking radius along each row to limit allocations
func findPeaks(img *fits.Image, threshold float32, radius int32) []peak {
	width := img.Width()
	peaks := make([]peak, 0, len(img.Data)/100)

	for i, v := range img.Data {
		if v <= threshold {
			continue
		}
		p := peak{x: int32(i) % width, y: int32(i) / width, value: v}

		if len(peaks) > 0 {
			old := peaks[len(peaks)-1]
			if old.y == p.y && old.x >= p.x-radius {
				if old.value >= p.value {
					continue // keep old peak, it is brighter
				}
				peaks[len(peaks)-1] = p
				continue // replace old peak with brighter new one
			}
		}
		peaks = append(peaks, p)
	}

	// block fainter peaks within radius of a brighter one across rows
	kept := peaks[:0]
	for _, p := range peaks {
		blocked := false
		for _, q := range kept {
			dx, dy := p.x-q.x, p.y-q.y
			if dx < 0 {
				dx = -dx
			}
			if dy < 0 {
				dy = -dy
			}
			if dx <= radius && dy <= radius {
				if q.value >= p.value {
					blocked = true
				}
				break
			}
		}
		if !blocked {
			kept = append(kept, p)
		}
	}
	return kept
}

// Collects the above-threshold pixels around the peak, applies the npix
// filter, and returns the tight bounding box grown by growPix pixels
func growFootprint(img *fits.Image, p peak, threshold float32, growPix int32, cfg *Config) (Footprint, bool) {
	width, height := img.Width(), img.Height()

	// scan the detection box around the peak for member pixels
	boxR := growPix
	if boxR < 2 {
		boxR = 2
	}
	x0, x1 := p.x, p.x
	y0, y1 := p.y, p.y
	npix, flux := int32(0), float32(0)
	for y := maxInt32(0, p.y-boxR); y <= minInt32(height-1, p.y+boxR); y++ {
		for x := maxInt32(0, p.x-boxR); x <= minInt32(width-1, p.x+boxR); x++ {
			if img.At(x, y) > threshold {
				npix++
				flux += img.At(x, y)
				if x < x0 {
					x0 = x
				}
				if x > x1 {
					x1 = x
				}
				if y < y0 {
					y0 = y
				}
				if y > y1 {
					y1 = y
				}
			}
		}
	}

	if npix < cfg.FpNpixMin || npix > cfg.FpNpixMax {
		return Footprint{}, false
	}

	return Footprint{
		X0:     x0 - growPix,
		Y0:     y0 - growPix,
		Width:  x1 - x0 + 1 + 2*growPix,
		Height: y1 - y0 + 1 + 2*growPix,
		PeakX:  p.x,
		PeakY:  p.y,
		Npix:   npix,
		Flux:   flux,
	}, true
}

func minInt32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

func maxInt32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
