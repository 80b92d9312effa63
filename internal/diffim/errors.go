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
	"errors"
)

// Failure kinds of the PSF matching pipeline. Candidate-scope failures are
// absorbed by marking the candidate bad; the same kind at pipeline scope
// aborts the run
var (
	ErrConfig       = errors.New("inconsistent configuration")
	ErrDomain       = errors.New("invalid dimensions")
	ErrSolve        = errors.New("all linear solver tiers failed")
	ErrNumerical    = errors.New("numerically invalid result")
	ErrNoCandidates = errors.New("no clean candidates")
)
