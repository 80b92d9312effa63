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

// Package spatialfn provides 2-D scalar functions over image coordinates,
// used to interpolate kernel and background coefficients across an image.
package spatialfn

import (
	"fmt"
)

// A 2-D scalar function over image coordinates with settable parameters
type Function2D interface {
	Evaluate(x, y float64) float64
	NumParameters() int
	Parameters() []float64
	SetParameters(params []float64) error
	Clone() Function2D
}

// Number of terms of a 2-D function family of given total order:
// (order+1)(order+2)/2
func NumTerms(order int) int {
	return (order + 1) * (order + 2) / 2
}

// A 2-D polynomial of given total order. Terms are ordered by total degree:
// 1, x, y, x^2, xy, y^2, x^3, x^2 y, ...
type Polynomial2D struct {
	order  int
	params []float64
}

func NewPolynomial2D(order int) (*Polynomial2D, error) {
	if order < 0 {
		return nil, fmt.Errorf("polynomial order %d must not be negative", order)
	}
	return &Polynomial2D{order: order, params: make([]float64, NumTerms(order))}, nil
}

func (p *Polynomial2D) Order() int            { return p.order }
func (p *Polynomial2D) NumParameters() int    { return len(p.params) }
func (p *Polynomial2D) Parameters() []float64 { return append([]float64(nil), p.params...) }

func (p *Polynomial2D) SetParameters(params []float64) error {
	if len(params) != len(p.params) {
		return fmt.Errorf("got %d parameters for order %d polynomial, want %d",
			len(params), p.order, len(p.params))
	}
	copy(p.params, params)
	return nil
}

func (p *Polynomial2D) Evaluate(x, y float64) float64 {
	sum, idx := 0.0, 0
	xPowers := powers(x, p.order)
	yPowers := powers(y, p.order)
	for o := 0; o <= p.order; o++ {
		for yPow := 0; yPow <= o; yPow++ {
			sum += p.params[idx] * xPowers[o-yPow] * yPowers[yPow]
			idx++
		}
	}
	return sum
}

func (p *Polynomial2D) Clone() Function2D {
	c := &Polynomial2D{order: p.order, params: append([]float64(nil), p.params...)}
	return c
}

func powers(x float64, order int) []float64 {
	pows := make([]float64, order+1)
	pows[0] = 1
	for i := 1; i <= order; i++ {
		pows[i] = pows[i-1] * x
	}
	return pows
}

// A 2-D Chebyshev function of the first kind of given total order over a
// bounding box. Coordinates are mapped to [-1,1] over the box; terms are
// products T_i(x')T_j(y') with i+j <= order, ordered by total degree
type Chebyshev2D struct {
	order          int
	x0, y0, x1, y1 float64
	params         []float64
}

func NewChebyshev2D(order int, x0, y0, x1, y1 float64) (*Chebyshev2D, error) {
	if order < 0 {
		return nil, fmt.Errorf("chebyshev order %d must not be negative", order)
	}
	if x1 <= x0 || y1 <= y0 {
		return nil, fmt.Errorf("invalid chebyshev bounding box [%g,%g] x [%g,%g]", x0, x1, y0, y1)
	}
	return &Chebyshev2D{
		order: order,
		x0:    x0, y0: y0, x1: x1, y1: y1,
		params: make([]float64, NumTerms(order)),
	}, nil
}

func (c *Chebyshev2D) Order() int            { return c.order }
func (c *Chebyshev2D) NumParameters() int    { return len(c.params) }
func (c *Chebyshev2D) Parameters() []float64 { return append([]float64(nil), c.params...) }

func (c *Chebyshev2D) SetParameters(params []float64) error {
	if len(params) != len(c.params) {
		return fmt.Errorf("got %d parameters for order %d chebyshev, want %d",
			len(params), c.order, len(c.params))
	}
	copy(c.params, params)
	return nil
}

func (c *Chebyshev2D) Evaluate(x, y float64) float64 {
	xs := 2*(x-c.x0)/(c.x1-c.x0) - 1
	ys := 2*(y-c.y0)/(c.y1-c.y0) - 1
	tx := chebyshevT(xs, c.order)
	ty := chebyshevT(ys, c.order)

	sum, idx := 0.0, 0
	for o := 0; o <= c.order; o++ {
		for yPow := 0; yPow <= o; yPow++ {
			sum += c.params[idx] * tx[o-yPow] * ty[yPow]
			idx++
		}
	}
	return sum
}

func (c *Chebyshev2D) Clone() Function2D {
	clone := *c
	clone.params = append([]float64(nil), c.params...)
	return &clone
}

// Chebyshev polynomials of the first kind T_0..T_order at x, via the
// three-term recurrence
func chebyshevT(x float64, order int) []float64 {
	t := make([]float64, order+1)
	t[0] = 1
	if order >= 1 {
		t[1] = x
	}
	for i := 2; i <= order; i++ {
		t[i] = 2*x*t[i-1] - t[i-2]
	}
	return t
}
