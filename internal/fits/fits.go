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
	"fmt"
	"math"
)

// A FITS image plane.
// Spec here:   https://fits.gsfc.nasa.gov/standard40/fits_standard40aa-le.pdf
// Primer here: https://fits.gsfc.nasa.gov/fits_primer.html
type Image struct {
	ID       int    // Sequential ID number, for log output. Counted upwards from 0
	FileName string // Original file name, if any, for log output

	Header Header  // The header with all keys, values, comments, history entries etc.
	Bitpix int32   // Bits per pixel value from the header. Positive values are integral, negative floating
	Bzero  float32 // Zero offset. True pixel value is Bzero + Bscale * Data[i]
	Bscale float32 // Value scaler. True pixel value is Bzero + Bscale * Data[i]

	X0, Y0 int32 // Origin of this image in parent image coordinates, for subimages. (0,0) for full images

	Naxisn []int32 // Axis dimensions. Most quickly varying dimension first (i.e. X,Y)
	Pixels int32   // Number of pixels in the image. Product of Naxisn[]

	Data []float32 // The image data, indexed by x + Naxisn[0]*y
}

// Creates a FITS image initialized with empty header
func NewImage() *Image {
	return &Image{
		Header: NewHeader(),
		Bscale: 1,
	}
}

// Creates a FITS image of the given dimensions. Data is not copied, allocated if nil
func NewImageFromNaxisn(naxisn []int32, data []float32) *Image {
	numPixels := int32(1)
	for _, naxis := range naxisn {
		numPixels *= naxis
	}
	if data == nil {
		data = make([]float32, numPixels)
	}
	return &Image{
		Header: NewHeader(),
		Bitpix: -32,
		Bzero:  0,
		Bscale: 1,
		Naxisn: append([]int32(nil), naxisn...),
		Pixels: numPixels,
		Data:   data,
	}
}

func (f *Image) Width() int32  { return f.Naxisn[0] }
func (f *Image) Height() int32 { return f.Naxisn[1] }

// Pixel accessor in image-local coordinates
func (f *Image) At(x, y int32) float32 { return f.Data[x+y*f.Naxisn[0]] }

func (f *Image) Set(x, y int32, v float32) { f.Data[x+y*f.Naxisn[0]] = v }

// Returns a deep copy of the image
func (f *Image) Clone() *Image {
	c := *f
	c.Naxisn = append([]int32(nil), f.Naxisn...)
	c.Data = append([]float32(nil), f.Data...)
	return &c
}

// Extracts the rectangle of given width and height anchored at (x0,y0) as a
// deep copy. The origin of the subimage records its position in the parent.
func (f *Image) SubImage(x0, y0, width, height int32) (*Image, error) {
	if x0 < 0 || y0 < 0 || x0+width > f.Naxisn[0] || y0+height > f.Naxisn[1] {
		return nil, fmt.Errorf("%d: subimage [%d,%d) x [%d,%d) exceeds %dx%d image",
			f.ID, x0, x0+width, y0, y0+height, f.Naxisn[0], f.Naxisn[1])
	}
	sub := NewImageFromNaxisn([]int32{width, height}, nil)
	sub.ID, sub.FileName = f.ID, f.FileName
	sub.X0, sub.Y0 = f.X0+x0, f.Y0+y0
	for y := int32(0); y < height; y++ {
		copy(sub.Data[y*width:(y+1)*width], f.Data[(y0+y)*f.Naxisn[0]+x0:(y0+y)*f.Naxisn[0]+x0+width])
	}
	return sub, nil
}

// Reports whether the image contains NaN or infinite pixels
func (f *Image) HasInvalidPixels() bool {
	for _, v := range f.Data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return true
		}
	}
	return false
}

// A FITS image with variance and mask planes, all sharing dimensions and origin
type MaskedImage struct {
	Image    *Image
	Variance *Image
	Mask     *Mask
}

func NewMaskedImage(im *Image) *MaskedImage {
	variance := NewImageFromNaxisn(im.Naxisn, nil)
	variance.X0, variance.Y0 = im.X0, im.Y0
	return &MaskedImage{
		Image:    im,
		Variance: variance,
		Mask:     NewMask(im.Naxisn[0], im.Naxisn[1]),
	}
}

func NewMaskedImageFromPlanes(im, variance *Image, mask *Mask) *MaskedImage {
	return &MaskedImage{Image: im, Variance: variance, Mask: mask}
}

func (mi *MaskedImage) Width() int32  { return mi.Image.Naxisn[0] }
func (mi *MaskedImage) Height() int32 { return mi.Image.Naxisn[1] }

func (mi *MaskedImage) Clone() *MaskedImage {
	return &MaskedImage{
		Image:    mi.Image.Clone(),
		Variance: mi.Variance.Clone(),
		Mask:     mi.Mask.Clone(),
	}
}

func (mi *MaskedImage) SubImage(x0, y0, width, height int32) (*MaskedImage, error) {
	im, err := mi.Image.SubImage(x0, y0, width, height)
	if err != nil {
		return nil, err
	}
	variance, err := mi.Variance.SubImage(x0, y0, width, height)
	if err != nil {
		return nil, err
	}
	mask, err := mi.Mask.SubMask(x0, y0, width, height)
	if err != nil {
		return nil, err
	}
	return &MaskedImage{Image: im, Variance: variance, Mask: mask}, nil
}

// Subtracts the other image in place, propagating variances as the sum and
// or-ing the mask planes
func (mi *MaskedImage) Subtract(other *MaskedImage) error {
	if mi.Width() != other.Width() || mi.Height() != other.Height() {
		return fmt.Errorf("cannot subtract %dx%d image from %dx%d image",
			other.Width(), other.Height(), mi.Width(), mi.Height())
	}
	for i := range mi.Image.Data {
		mi.Image.Data[i] -= other.Image.Data[i]
		mi.Variance.Data[i] += other.Variance.Data[i]
		mi.Mask.Bits[i] |= other.Mask.Bits[i]
	}
	return nil
}

// A bit mask plane with named bit assignments
type Mask struct {
	Width, Height int32
	Bits          []uint32
	Planes        map[string]uint // plane name -> bit position
}

func NewMask(width, height int32) *Mask {
	return &Mask{
		Width:  width,
		Height: height,
		Bits:   make([]uint32, width*height),
		Planes: map[string]uint{},
	}
}

func (m *Mask) Clone() *Mask {
	planes := make(map[string]uint, len(m.Planes))
	for k, v := range m.Planes {
		planes[k] = v
	}
	return &Mask{
		Width:  m.Width,
		Height: m.Height,
		Bits:   append([]uint32(nil), m.Bits...),
		Planes: planes,
	}
}

// Registers a named mask plane, or returns the existing bit position
func (m *Mask) AddPlane(name string) (uint, error) {
	if bit, ok := m.Planes[name]; ok {
		return bit, nil
	}
	used := uint32(0)
	for _, bit := range m.Planes {
		used |= 1 << bit
	}
	for bit := uint(0); bit < 32; bit++ {
		if used&(1<<bit) == 0 {
			m.Planes[name] = bit
			return bit, nil
		}
	}
	return 0, fmt.Errorf("all 32 mask planes in use, cannot add %s", name)
}

// Returns the bit mask for a named plane, 0 if not registered
func (m *Mask) PlaneBitMask(name string) uint32 {
	if bit, ok := m.Planes[name]; ok {
		return 1 << bit
	}
	return 0
}

// Clears the given bits on every mask pixel
func (m *Mask) ClearPlane(bitMask uint32) {
	for i := range m.Bits {
		m.Bits[i] &^= bitMask
	}
}

// Sets the given bits on every mask pixel inside the rectangle
func (m *Mask) SetRect(x0, y0, width, height int32, bitMask uint32) {
	for y := y0; y < y0+height; y++ {
		for x := x0; x < x0+width; x++ {
			m.Bits[x+y*m.Width] |= bitMask
		}
	}
}

// Reports whether any pixel inside the rectangle has one of the given bits set
func (m *Mask) AnySetInRect(x0, y0, width, height int32, bitMask uint32) bool {
	for y := y0; y < y0+height; y++ {
		for x := x0; x < x0+width; x++ {
			if m.Bits[x+y*m.Width]&bitMask != 0 {
				return true
			}
		}
	}
	return false
}

func (m *Mask) SubMask(x0, y0, width, height int32) (*Mask, error) {
	if x0 < 0 || y0 < 0 || x0+width > m.Width || y0+height > m.Height {
		return nil, fmt.Errorf("submask [%d,%d) x [%d,%d) exceeds %dx%d mask",
			x0, x0+width, y0, y0+height, m.Width, m.Height)
	}
	sub := NewMask(width, height)
	for k, v := range m.Planes {
		sub.Planes[k] = v
	}
	for y := int32(0); y < height; y++ {
		copy(sub.Bits[y*width:(y+1)*width], m.Bits[(y0+y)*m.Width+x0:(y0+y)*m.Width+x0+width])
	}
	return sub, nil
}

// FITS header data
type Header struct {
	Bools    map[string]bool
	Ints     map[string]int32
	Floats   map[string]float32
	Strings  map[string]string
	Dates    map[string]string
	Comments []string
	History  []string
	End      bool
	Length   int32
}

// Creates a FITS header initialized with empty maps
func NewHeader() Header {
	return Header{
		Bools:   make(map[string]bool),
		Ints:    make(map[string]int32),
		Floats:  make(map[string]float32),
		Strings: make(map[string]string),
		Dates:   make(map[string]string),
	}
}

const fitsBlockSize int = 2880 // Block size of FITS header and data units
const headerLineSize int = 80  // Line size of a FITS header
