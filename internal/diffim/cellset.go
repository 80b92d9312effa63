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
	"sort"
)

// A visitor over the candidates of a spatial cell grid. ProcessCandidate is
// the only operation that mutates candidate state
type CandidateVisitor interface {
	Reset()
	ProcessCandidate(c *KernelCandidate) error
}

// one cell of the grid, with its candidates sorted by rating descending
type spatialCell struct {
	candidates []*KernelCandidate
}

// SpatialCellSet partitions candidates into a grid of cells over the image,
// so that a bounded number of the best candidates per region feeds the fit.
// Within a cell, candidates are visited by descending rating; candidates
// marked bad are skipped in favor of the next-best survivor
type SpatialCellSet struct {
	x0, y0         int32
	width, height  int32
	cellSizeX      int32
	cellSizeY      int32
	nCellX, nCellY int32
	cells          []*spatialCell
}

func NewSpatialCellSet(x0, y0, width, height, cellSizeX, cellSizeY int32) (*SpatialCellSet, error) {
	if width < 1 || height < 1 || cellSizeX < 1 || cellSizeY < 1 {
		return nil, fmt.Errorf("%w: cell grid %dx%d with cells %dx%d", ErrDomain, width, height, cellSizeX, cellSizeY)
	}
	nCellX := (width + cellSizeX - 1) / cellSizeX
	nCellY := (height + cellSizeY - 1) / cellSizeY
	cells := make([]*spatialCell, nCellX*nCellY)
	for i := range cells {
		cells[i] = &spatialCell{}
	}
	return &SpatialCellSet{
		x0: x0, y0: y0,
		width: width, height: height,
		cellSizeX: cellSizeX, cellSizeY: cellSizeY,
		nCellX: nCellX, nCellY: nCellY,
		cells: cells,
	}, nil
}

// Inserts a candidate into the cell holding its center. Candidates outside
// the grid are clamped to the border cells
func (s *SpatialCellSet) InsertCandidate(c *KernelCandidate) {
	cx := (int32(c.XCenter) - s.x0) / s.cellSizeX
	cy := (int32(c.YCenter) - s.y0) / s.cellSizeY
	if cx < 0 {
		cx = 0
	}
	if cx >= s.nCellX {
		cx = s.nCellX - 1
	}
	if cy < 0 {
		cy = 0
	}
	if cy >= s.nCellY {
		cy = s.nCellY - 1
	}
	cell := s.cells[cx+cy*s.nCellX]
	cell.candidates = append(cell.candidates, c)
	sort.SliceStable(cell.candidates, func(i, j int) bool {
		return cell.candidates[i].Rating > cell.candidates[j].Rating
	})
}

// VisitCandidates resets the visitor, then sweeps the grid cell by cell,
// visiting up to nPerCell candidates per cell in rating order. Candidates
// already marked bad do not count against the limit and are not visited;
// nPerCell <= 0 visits all remaining candidates. The sweep stops on the
// first visitor error
func (s *SpatialCellSet) VisitCandidates(v CandidateVisitor, nPerCell int) error {
	v.Reset()
	for _, cell := range s.cells {
		visited := 0
		for _, c := range cell.candidates {
			if c.Status() == StatusBad {
				continue
			}
			if nPerCell > 0 && visited >= nPerCell {
				break
			}
			if err := v.ProcessCandidate(c); err != nil {
				return err
			}
			visited++
		}
	}
	return nil
}

// CountCandidates returns the number of candidates with the given status
func (s *SpatialCellSet) CountCandidates(status CandidateStatus) int {
	n := 0
	for _, cell := range s.cells {
		for _, c := range cell.candidates {
			if c.Status() == status {
				n++
			}
		}
	}
	return n
}

// Candidates returns all candidates in cell sweep order
func (s *SpatialCellSet) Candidates() []*KernelCandidate {
	var out []*KernelCandidate
	for _, cell := range s.cells {
		out = append(out, cell.candidates...)
	}
	return out
}

// Bounds returns the grid region in parent image coordinates
func (s *SpatialCellSet) Bounds() (x0, y0, width, height int32) {
	return s.x0, s.y0, s.width, s.height
}
