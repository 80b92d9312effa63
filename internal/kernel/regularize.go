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

package kernel

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Finite difference stencil style
type DifferenceStyle int

const (
	ForwardDifference DifferenceStyle = iota
	CentralDifference
)

// Boundary handling for the finite difference operator
type BoundaryStyle int

const (
	BoundaryUnwrapped    BoundaryStyle = iota // drop terms outside the grid
	BoundaryWrapped                           // toroidal wrap-around
	BoundaryOrderTapered                      // lower the order towards the edges
)

// GenerateFiniteDifferenceRegularization builds the smoothness matrix H for
// a width x height kernel grid: a finite difference operator L of the given
// derivative order is laid out row per kernel pixel, and H = L^T L. The
// matrix has one extra empty row and column for the differential background
// term. Each interior row of L sums to zero
func GenerateFiniteDifferenceRegularization(width, height int32, order int,
	boundary BoundaryStyle, difference DifferenceStyle) (*mat.Dense, error) {
	if order < 0 || order > 2 {
		return nil, fmt.Errorf("only derivative orders 0..2 supported, got %d", order)
	}
	if width < 1 || height < 1 {
		return nil, fmt.Errorf("kernel grid %dx%d must be positive", width, height)
	}
	if boundary < BoundaryUnwrapped || boundary > BoundaryOrderTapered {
		return nil, fmt.Errorf("unknown boundary style %d", boundary)
	}
	if difference < ForwardDifference || difference > CentralDifference {
		return nil, fmt.Errorf("unknown difference style %d", difference)
	}

	// Hard-coded expansions of the 1st through 3rd derivative stencils,
	// enforcing smoothness of the 0th through 2nd derivatives. Stored 2-D to
	// leave room for cross terms. Rows of the resulting operator sum to zero
	// on interior pixels
	var coeffs [3][5][5]float64
	var xCen, yCen int32   // center of requested order stencil
	var xCen1, yCen1 int32 // center of order 1 stencil
	var xCen2, yCen2 int32 // center of order 2 stencil
	var xSize, ySize int32

	if difference == ForwardDifference {
		xCen, yCen = 0, 0
		xCen1, yCen1 = 0, 0
		xCen2, yCen2 = 0, 0
		xSize = int32(order) + 2
		ySize = xSize

		// 0th order
		coeffs[0][0][0], coeffs[0][0][1] = -2, 1
		coeffs[0][1][0], coeffs[0][1][1] = 1, 0

		// 1st order
		coeffs[1][0][0], coeffs[1][0][1], coeffs[1][0][2] = -2, 2, -1
		coeffs[1][1][0], coeffs[1][1][1], coeffs[1][1][2] = 2, 0, 0
		coeffs[1][2][0], coeffs[1][2][1], coeffs[1][2][2] = -1, 0, 0

		// 2nd order
		coeffs[2][0][0], coeffs[2][0][1], coeffs[2][0][2], coeffs[2][0][3] = -2, 3, -3, 1
		coeffs[2][1][0], coeffs[2][1][1], coeffs[2][1][2], coeffs[2][1][3] = 3, 0, 0, 0
		coeffs[2][2][0], coeffs[2][2][1], coeffs[2][2][2], coeffs[2][2][3] = -3, 0, 0, 0
		coeffs[2][3][0], coeffs[2][3][1], coeffs[2][3][2], coeffs[2][3][3] = 1, 0, 0, 0
	} else {
		// central difference stencils, from
		// http://www.holoborodko.com/pavel/?page_id=239
		switch order {
		case 0:
			xCen, yCen = 1, 1
			xSize, ySize = 3, 3
		case 1:
			xCen, yCen = 1, 1
			xSize, ySize = 3, 3
		case 2:
			xCen, yCen = 2, 2
			xSize, ySize = 5, 5
		}
		xCen1, yCen1 = 1, 1
		xCen2, yCen2 = 2, 2

		coeffs[0][0][1] = -1
		coeffs[0][1][0], coeffs[0][1][2] = -1, 1
		coeffs[0][2][1] = 1

		coeffs[1][0][1] = 1
		coeffs[1][1][0], coeffs[1][1][1], coeffs[1][1][2] = 1, -4, 1
		coeffs[1][2][1] = 1

		coeffs[2][0][2] = -1
		coeffs[2][1][2] = 2
		coeffs[2][2][0], coeffs[2][2][1], coeffs[2][2][3], coeffs[2][2][4] = -1, 2, -2, 1
		coeffs[2][3][2] = -2
		coeffs[2][4][2] = 1
	}

	// one extra empty term for the differential background
	nPix := width * height
	l := mat.NewDense(int(nPix)+1, int(nPix)+1, nil)

	for i := int32(0); i < nPix; i++ {
		x0 := i % width // pixel coords in the kernel image
		y0 := i / width

		xEdgeDistance := x0
		if width-x0-1 < xEdgeDistance {
			xEdgeDistance = width - x0 - 1
		}
		yEdgeDistance := y0
		if height-y0-1 < yEdgeDistance {
			yEdgeDistance = height - y0 - 1
		}
		edgeDistance := xEdgeDistance
		if yEdgeDistance < edgeDistance {
			edgeDistance = yEdgeDistance
		}

		for dx := int32(0); dx < xSize; dx++ {
			for dy := int32(0); dy < ySize; dy++ {
				var x, y int32
				thisCoeff := float64(0)

				switch boundary {
				case BoundaryUnwrapped:
					x = x0 + dx - xCen
					y = y0 + dy - yCen
					if y < 0 || y > height-1 || x < 0 || x > width-1 {
						continue
					}
					thisCoeff = coeffs[order][dx][dy]

				case BoundaryWrapped:
					x = (width + x0 + dx - xCen) % width
					y = (height + y0 + dy - yCen) % height
					thisCoeff = coeffs[order][dx][dy]

				case BoundaryOrderTapered:
					// use the lowest order stencil that fits the distance to
					// the edge; edge rows and columns are held constant
					if edgeDistance == 0 {
						x, y = x0, y0
						thisCoeff = 1
					} else if edgeDistance == 1 && order > 0 {
						x = (width + x0 + dx - xCen1) % width
						y = (height + y0 + dy - yCen1) % height
						if dx < 3 && dy < 3 {
							thisCoeff = coeffs[1][dx][dy]
						}
					} else if edgeDistance == 2 && order > 1 {
						x = (width + x0 + dx - xCen2) % width
						y = (height + y0 + dy - yCen2) % height
						if dx < 5 && dy < 5 {
							thisCoeff = coeffs[2][dx][dy]
						}
					} else if int(edgeDistance) > order {
						x = (width + x0 + dx - xCen) % width
						y = (height + y0 + dy - yCen) % height
						thisCoeff = coeffs[order][dx][dy]
					} else {
						continue
					}
				}

				l.Set(int(i), int(y*width+x), thisCoeff)
			}
		}
	}

	h := mat.NewDense(int(nPix)+1, int(nPix)+1, nil)
	h.Mul(l.T(), l)
	return h, nil
}

// Trace of a square matrix
func Trace(m *mat.Dense) float64 {
	r, _ := m.Dims()
	sum := float64(0)
	for i := 0; i < r; i++ {
		sum += m.At(i, i)
	}
	return sum
}
