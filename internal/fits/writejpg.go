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

package fits

import (
	"bufio"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"
	"os"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Write a monochrome FITS image to JPG, using the given min, max and gamma
func (f *Image) WriteJPGToFile(fileName string, min, max, gamma float32, quality int) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	defer writer.Flush()

	return f.WriteJPG(writer, min, max, gamma, quality)
}

// Write a monochrome FITS image to JPG, using the given min, max and gamma
func (f *Image) WriteJPG(writer io.Writer, min, max, gamma float32, quality int) error {
	width, height := int(f.Naxisn[0]), int(f.Naxisn[1])
	img := image.NewGray(image.Rectangle{image.Point{0, 0}, image.Point{width, height}})
	scale := 1.0 / (max - min)
	gammaInv := float64(1.0 / gamma)
	for y := 0; y < height; y++ {
		yoffset := y * width
		for x := 0; x < width; x++ {
			v := (f.Data[yoffset+x] - min) * scale
			// replace NaNs with zeros for export, else JPG output breaks
			if math.IsNaN(float64(v)) || v < 0 {
				v = 0
			}
			if v > 1 {
				v = 1
			}
			if gammaInv != 1.0 {
				v = float32(math.Pow(float64(v), gammaInv))
			}
			img.SetGray(x, y, color.Gray{uint8(v * 255)})
		}
	}
	return jpeg.Encode(writer, img, &jpeg.Options{Quality: quality})
}

// Diverging colormap endpoints for residual maps, blended in Lab space so
// equal value steps read as equal color steps
var residualNeg = colorful.Color{R: 0.230, G: 0.299, B: 0.754}
var residualPos = colorful.Color{R: 0.706, G: 0.016, B: 0.150}
var residualMid = colorful.Color{R: 0.865, G: 0.865, B: 0.865}

// Write a signed residual image to JPG with a diverging colormap. Values are
// scaled by limit, so that -limit maps to full blue and +limit to full red
func (f *Image) WriteResidualJPGToFile(fileName string, limit float32, quality int) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	defer writer.Flush()

	return f.WriteResidualJPG(writer, limit, quality)
}

func (f *Image) WriteResidualJPG(writer io.Writer, limit float32, quality int) error {
	width, height := int(f.Naxisn[0]), int(f.Naxisn[1])
	img := image.NewRGBA(image.Rectangle{image.Point{0, 0}, image.Point{width, height}})
	for y := 0; y < height; y++ {
		yoffset := y * width
		for x := 0; x < width; x++ {
			v := f.Data[yoffset+x] / limit
			if math.IsNaN(float64(v)) {
				v = 0
			}
			if v < -1 {
				v = -1
			}
			if v > 1 {
				v = 1
			}
			var c colorful.Color
			if v < 0 {
				c = residualMid.BlendLab(residualNeg, float64(-v))
			} else {
				c = residualMid.BlendLab(residualPos, float64(v))
			}
			r, g, b := c.Clamped().RGB255()
			img.SetRGBA(x, y, color.RGBA{r, g, b, 255})
		}
	}
	return jpeg.Encode(writer, img, &jpeg.Options{Quality: quality})
}
