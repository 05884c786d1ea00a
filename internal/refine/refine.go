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

// Package refine places control points for a pair of spline mappings between two
// coordinate planes, by recursive quad subdivision of the source plane until the
// round-trip error at every block center is within tolerance.
package refine

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	nl "github.com/mlnoga/splinealign/internal"
	"github.com/mlnoga/splinealign/internal/geom"
	"github.com/mlnoga/splinealign/internal/spline"
)

const (
	DefaultGridColumns = 10
	DefaultMaxPerRound = 50
	DefaultMaxPoints   = 2000

	maxGridCells = 1 << 30
)

// Tuning knobs for the optimizer. Zero values select the defaults.
type Options struct {
	GridColumns int              `json:"gridColumns"` // columns of the initial grid. Rows follow from square cells
	MaxPerRound int              `json:"maxPerRound"` // blocks eligible for refinement per round, by sorted position
	MaxPoints   int              `json:"maxPoints"`   // hard cap on total control points
	Log         io.Writer        `json:"-"`           // progress log, defaults to the global log
	Progress    func(Round) bool `json:"-"`           // called after every round. Returning false aborts
}

// Statistics of one refinement round
type Round struct {
	Index         int     `json:"index"`
	ControlPoints int     `json:"controlPoints"`
	Blocks        int     `json:"blocks"`
	Refined       int     `json:"refined"`
	MaxError      float64 `json:"maxError"`
}

// Outcome of an optimization run. MaxError may exceed the tolerance if
// the control point cap was hit; check Converged.
type Result struct {
	AtoB           geom.Transformer `json:"-"`
	BtoA           geom.Transformer `json:"-"`
	ControlPointsA []geom.Point2D   `json:"controlPointsA"`
	ControlPointsB []geom.Point2D   `json:"controlPointsB"`
	Blocks         []geom.Block     `json:"blocks"`
	MaxError       float64          `json:"maxError"`
	Rounds         int              `json:"rounds"`
	Converged      bool             `json:"converged"`
	Aborted        bool             `json:"aborted"`
	History        []Round          `json:"history"`
}

func (o *Options) withDefaults() Options {
	res := Options{}
	if o != nil {
		res = *o
	}
	if res.GridColumns <= 0 {
		res.GridColumns = DefaultGridColumns
	}
	if res.MaxPerRound <= 0 {
		res.MaxPerRound = DefaultMaxPerRound
	}
	if res.MaxPoints <= 0 {
		res.MaxPoints = DefaultMaxPoints
	}
	if res.Log == nil {
		res.Log = nl.LogWriter()
	}
	return res
}

// Returns the initial grid of square cells for the plane: columns as given (or the default
// if not positive), rows to cover the height. The last row may extend beyond height
func InitialGrid(width, height float64, columns int) (numX, numY int, cellSize float64, err error) {
	if !(width > 0) || !(height > 0) || math.IsInf(width, 0) || math.IsInf(height, 0) {
		return 0, 0, 0, fmt.Errorf("invalid plane size %gx%g", width, height)
	}
	numX = columns
	if numX <= 0 {
		numX = DefaultGridColumns
	}
	cellSize = width / float64(numX)
	rows := math.Ceil(height / cellSize)
	if rows < 1 {
		rows = 1
	}
	if rows*float64(numX) > maxGridCells {
		return 0, 0, 0, fmt.Errorf("initial grid of %d columns on %gx%g plane is too large", numX, width, height)
	}
	return numX, int(rows), cellSize, nil
}

// Computes control points for a spline pair approximating refAtoB and its inverse refBtoA
// on the plane [0,width]x[0,height], refining until the round-trip error of every block
// is at most tolerance, or the control point cap is reached. Errors from the fitter abort
// the run and are returned.
func Optimize(width, height float64, refAtoB, refBtoA geom.Transformer, tolerance float64,
	fitter spline.Fitter, opts *Options) (*Result, error) {
	if !(width > 0) || !(height > 0) || math.IsInf(width, 0) || math.IsInf(height, 0) {
		return nil, fmt.Errorf("invalid plane size %gx%g", width, height)
	}
	if !(tolerance >= 0) || math.IsInf(tolerance, 0) {
		return nil, fmt.Errorf("invalid tolerance %g", tolerance)
	}
	if refAtoB == nil || refBtoA == nil || fitter == nil {
		return nil, errors.New("reference transforms and fitter are required")
	}
	o := opts.withDefaults()

	numX, numY, blockSize, err := InitialGrid(width, height, o.GridColumns)
	if err != nil {
		return nil, err
	}
	if n := (numX + 1) * (numY + 1); n > o.MaxPoints {
		return nil, fmt.Errorf("initial grid %dx%d needs %d control points, above the cap of %d", numX, numY, n, o.MaxPoints)
	}

	cpA := make([]geom.Point2D, 0, (numX+1)*(numY+1))
	cpB := make([]geom.Point2D, 0, (numX+1)*(numY+1))
	for y := 0; y <= numY; y++ {
		for x := 0; x <= numX; x++ {
			p := geom.Point2D{X: float64(x) * blockSize, Y: float64(y) * blockSize}
			cpA = append(cpA, p)
			cpB = append(cpB, refAtoB.Apply(p))
		}
	}

	blocks := make([]geom.Block, 0, numX*numY)
	for y := 0; y < numY; y++ {
		for x := 0; x < numX; x++ {
			x0, y0 := float64(x)*blockSize, float64(y)*blockSize
			blocks = append(blocks, geom.NewBlock(x0, y0, x0+blockSize, y0+blockSize))
		}
	}

	atob, err := fitter.Fit(cpA, cpB)
	if err != nil {
		return nil, fmt.Errorf("fitting initial spline with %d control points: %w", len(cpA), err)
	}
	maxErr := blockErrors(blocks, atob, refBtoA)
	fmt.Fprintf(o.Log, "Initial grid %dx%d cells of %.4g, %d control points, max error %.4g\n",
		numX, numY, blockSize, len(cpA), maxErr)

	res := &Result{}
	changed := true
	for changed && maxErr > tolerance && len(cpA) < o.MaxPoints {
		// Worst blocks first. Stable, so ties keep their current list order
		sort.SliceStable(blocks, func(i, j int) bool { return blocks[i].Err > blocks[j].Err })

		changed = false
		refined := 0
		newBlocks := make([]geom.Block, 0, len(blocks)+3*o.MaxPerRound)
		for i, b := range blocks {
			if i < o.MaxPerRound && b.Err > tolerance && len(cpA) < o.MaxPoints {
				c := b.Center()
				cpA = append(cpA, c)
				cpB = append(cpB, refAtoB.Apply(c))
				children := b.Split()
				newBlocks = append(newBlocks, children[:]...)
				changed = true
				refined++
			} else {
				newBlocks = append(newBlocks, b)
			}
		}
		blocks = newBlocks

		if changed {
			atob, err = fitter.Fit(cpA, cpB)
			if err != nil {
				return nil, fmt.Errorf("fitting spline with %d control points: %w", len(cpA), err)
			}
			maxErr = blockErrors(blocks, atob, refBtoA)
		}

		round := Round{
			Index:         len(res.History),
			ControlPoints: len(cpA),
			Blocks:        len(blocks),
			Refined:       refined,
			MaxError:      maxErr,
		}
		res.History = append(res.History, round)
		fmt.Fprintf(o.Log, "Round %d: %d control points, %d blocks, max error %.4g\n",
			round.Index, round.ControlPoints, round.Blocks, round.MaxError)

		if o.Progress != nil && !o.Progress(round) {
			res.Aborted = true
			fmt.Fprintf(o.Log, "Aborted after round %d\n", round.Index)
			break
		}
	}

	btoa, err := fitter.Fit(cpB, cpA)
	if err != nil {
		return nil, fmt.Errorf("fitting inverse spline with %d control points: %w", len(cpB), err)
	}

	res.AtoB, res.BtoA = atob, btoa
	res.ControlPointsA, res.ControlPointsB = cpA, cpB
	res.Blocks = blocks
	res.MaxError = maxErr
	res.Rounds = len(res.History)
	res.Converged = maxErr <= tolerance
	if !res.Converged && !res.Aborted {
		fmt.Fprintf(o.Log, "Stopped at %d control points with max error %.4g above tolerance %.4g\n",
			len(cpA), maxErr, tolerance)
	}
	return res, nil
}

// Updates the round-trip error of all blocks against the given mapping, returns the maximum
func blockErrors(blocks []geom.Block, atob, refBtoA geom.Transformer) (maxErr float64) {
	for i := range blocks {
		e := geom.RoundTripError(blocks[i].Center(), atob, refBtoA)
		blocks[i].Err = e
		if e > maxErr {
			maxErr = e
		}
	}
	return maxErr
}
