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

package refine

import (
	"errors"
	"io"
	"math"
	"testing"

	"github.com/mlnoga/splinealign/internal/geom"
	"github.com/mlnoga/splinealign/internal/spline"
)

// Fits a mapping whose error grows with the squared distance to the nearest control point.
// Cheap to evaluate, and adding control points never increases the error anywhere.
type decayFitter struct {
	Gain float64
}

func (f decayFitter) Fit(a, b []geom.Point2D) (geom.Transformer, error) {
	nodes := append([]geom.Point2D(nil), a...)
	return geom.TransformerFunc(func(p geom.Point2D) geom.Point2D {
		best := math.Inf(1)
		for _, n := range nodes {
			if d := geom.Dist2DSquared(p, n); d < best {
				best = d
			}
		}
		return geom.Point2D{X: p.X + f.Gain*best, Y: p.Y}
	}), nil
}

// Returns the same fixed mapping regardless of control points
type constFitter struct {
	T geom.Transformer
}

func (f constFitter) Fit(a, b []geom.Point2D) (geom.Transformer, error) { return f.T, nil }

var errFit = errors.New("fit failed")

// Fails on the n-th call
type failingFitter struct {
	Calls  int
	FailAt int
}

func (f *failingFitter) Fit(a, b []geom.Point2D) (geom.Transformer, error) {
	f.Calls++
	if f.Calls >= f.FailAt {
		return nil, errFit
	}
	return geom.Identity{}, nil
}

func quiet(o Options) *Options {
	o.Log = io.Discard
	return &o
}

func checkInvariants(t *testing.T, res *Result, minPoints, maxPoints int) {
	t.Helper()
	if len(res.ControlPointsA) != len(res.ControlPointsB) {
		t.Fatalf("len(cpA)=%d len(cpB)=%d; want equal", len(res.ControlPointsA), len(res.ControlPointsB))
	}
	if n := len(res.ControlPointsA); n < minPoints || n > maxPoints {
		t.Errorf("len(cpA)=%d; want in [%d,%d]", n, minPoints, maxPoints)
	}
	if res.Rounds != len(res.History) {
		t.Errorf("rounds=%d; want %d", res.Rounds, len(res.History))
	}
}

func TestOptimizeIdentityExample(t *testing.T) {
	res, err := Optimize(100, 50, geom.Identity{}, geom.Identity{}, 0.01, spline.ThinPlateFitter{}, quiet(Options{}))
	if err != nil {
		t.Fatalf("err=%v; want nil", err)
	}
	checkInvariants(t, res, 66, 66)
	if res.Rounds != 0 {
		t.Errorf("rounds=%d; want 0", res.Rounds)
	}
	if len(res.Blocks) != 50 {
		t.Errorf("blocks=%d; want 50", len(res.Blocks))
	}
	if res.MaxError > 1e-9 || !res.Converged {
		t.Errorf("maxError=%g converged=%v; want 0 true", res.MaxError, res.Converged)
	}
	for _, b := range res.Blocks {
		if b.Width() != 10 || b.Height() != 10 {
			t.Errorf("block %v is not a 10x10 square", b.Rect2D)
		}
	}
	last := res.ControlPointsA[len(res.ControlPointsA)-1]
	if last != (geom.Point2D{X: 100, Y: 50}) {
		t.Errorf("last control point %v; want (100, 50)", last)
	}
	p := geom.Point2D{X: 37, Y: 21}
	if d := geom.Dist2D(res.BtoA.Apply(res.AtoB.Apply(p)), p); d > 1e-9 {
		t.Errorf("returned splines round trip error %g; want 0", d)
	}
}

func TestOptimizeSquareCellsOvershootHeight(t *testing.T) {
	res, err := Optimize(100, 55, geom.Identity{}, geom.Identity{}, 0.01, spline.ThinPlateFitter{}, quiet(Options{}))
	if err != nil {
		t.Fatalf("err=%v; want nil", err)
	}
	checkInvariants(t, res, 77, 77)
	maxY := 0.0
	for _, p := range res.ControlPointsA {
		maxY = math.Max(maxY, p.Y)
	}
	if maxY != 60 {
		t.Errorf("max control point y=%g; want 60", maxY)
	}
}

func TestOptimizeExactInversePair(t *testing.T) {
	fwd := geom.Transform2D{A: 0.98, B: -0.17, C: 3.5, D: 0.17, E: 0.98, F: -12}
	inv, err := fwd.Invert()
	if err != nil {
		t.Fatalf("invert err=%v", err)
	}
	res, err := Optimize(640, 480, fwd, inv, 1e-6, constFitter{fwd}, quiet(Options{}))
	if err != nil {
		t.Fatalf("err=%v; want nil", err)
	}
	checkInvariants(t, res, 11*9, 11*9)
	if res.Rounds != 0 || res.MaxError > 1e-9 {
		t.Errorf("rounds=%d maxError=%g; want 0 rounds, zero error", res.Rounds, res.MaxError)
	}
	for i, p := range res.ControlPointsA {
		if res.ControlPointsB[i] != fwd.Apply(p) {
			t.Errorf("cpB[%d]=%v; want %v", i, res.ControlPointsB[i], fwd.Apply(p))
		}
	}
}

func TestOptimizeCap(t *testing.T) {
	res, err := Optimize(100, 100, geom.Identity{}, geom.Identity{}, 0, decayFitter{0.01}, quiet(Options{}))
	if err != nil {
		t.Fatalf("err=%v; want nil", err)
	}
	checkInvariants(t, res, 121, DefaultMaxPoints)
	if len(res.ControlPointsA) != DefaultMaxPoints {
		t.Errorf("len(cpA)=%d; want %d", len(res.ControlPointsA), DefaultMaxPoints)
	}
	if res.Converged {
		t.Errorf("converged=true; want false")
	}
	for i, r := range res.History {
		if r.ControlPoints >= DefaultMaxPoints && i != len(res.History)-1 {
			t.Errorf("round %d reached the cap but the loop continued", i)
		}
	}
	if want := 38; res.Rounds != want {
		t.Errorf("rounds=%d; want %d", res.Rounds, want)
	}
}

func TestOptimizePerRoundLimitAndMonotonicity(t *testing.T) {
	res, err := Optimize(200, 120, geom.Identity{}, geom.Identity{}, 0.05, decayFitter{0.01}, quiet(Options{}))
	if err != nil {
		t.Fatalf("err=%v; want nil", err)
	}
	checkInvariants(t, res, 11*7, DefaultMaxPoints)
	prevPoints := 11 * 7
	prevErr := math.Inf(1)
	for _, r := range res.History {
		if r.Refined > DefaultMaxPerRound {
			t.Errorf("round %d refined %d blocks; want at most %d", r.Index, r.Refined, DefaultMaxPerRound)
		}
		if r.ControlPoints-prevPoints != r.Refined {
			t.Errorf("round %d added %d points for %d refined blocks", r.Index, r.ControlPoints-prevPoints, r.Refined)
		}
		if r.MaxError > prevErr+1e-12 {
			t.Errorf("round %d max error %g; want <= %g", r.Index, r.MaxError, prevErr)
		}
		prevPoints, prevErr = r.ControlPoints, r.MaxError
	}
	if !res.Converged || res.MaxError > 0.05 {
		t.Errorf("converged=%v maxError=%g; want true <=0.05", res.Converged, res.MaxError)
	}
	for _, b := range res.Blocks {
		if b.Err > 0.05 {
			t.Errorf("block %v err %g exceeds tolerance", b.Rect2D, b.Err)
		}
	}
}

func TestOptimizeTiesFollowListOrder(t *testing.T) {
	shift := geom.Transform2D{A: 1, E: 1, C: 1}
	opts := Options{MaxPoints: 121 + 50}
	res, err := Optimize(100, 100, geom.Identity{}, geom.Identity{}, 0.5, constFitter{shift}, quiet(opts))
	if err != nil {
		t.Fatalf("err=%v; want nil", err)
	}
	checkInvariants(t, res, 171, 171)
	if res.Rounds != 1 {
		t.Fatalf("rounds=%d; want 1", res.Rounds)
	}
	// all blocks tie at error 1, so the first five rows of cells are refined in order
	for i := 0; i < 50; i++ {
		want := geom.Point2D{X: float64(i%10)*10 + 5, Y: float64(i/10)*10 + 5}
		if got := res.ControlPointsA[121+i]; got != want {
			t.Errorf("cpA[%d]=%v; want %v", 121+i, got, want)
		}
	}
	if len(res.Blocks) != 50*4+50 {
		t.Errorf("blocks=%d; want %d", len(res.Blocks), 250)
	}
}

// Separable quadratic distortion with closed form inverse
func quadratic(k float64) (fwd, inv geom.Transformer) {
	fwd = geom.TransformerFunc(func(p geom.Point2D) geom.Point2D {
		return geom.Point2D{X: p.X + k*p.X*p.X, Y: p.Y + k*p.Y*p.Y}
	})
	inv = geom.TransformerFunc(func(p geom.Point2D) geom.Point2D {
		return geom.Point2D{
			X: (math.Sqrt(1+4*k*p.X) - 1) / (2 * k),
			Y: (math.Sqrt(1+4*k*p.Y) - 1) / (2 * k),
		}
	})
	return fwd, inv
}

func TestOptimizeThinPlateDeterministic(t *testing.T) {
	fwd, inv := quadratic(1e-3)
	opts := Options{MaxPoints: 300}
	run := func() *Result {
		res, err := Optimize(200, 200, fwd, inv, 1e-4, spline.ThinPlateFitter{}, quiet(opts))
		if err != nil {
			t.Fatalf("err=%v; want nil", err)
		}
		return res
	}
	a, b := run(), run()
	checkInvariants(t, a, 121, 300)
	if len(a.ControlPointsA) != len(b.ControlPointsA) || a.MaxError != b.MaxError {
		t.Fatalf("runs differ: %d/%g vs %d/%g", len(a.ControlPointsA), a.MaxError, len(b.ControlPointsA), b.MaxError)
	}
	for i := range a.ControlPointsA {
		if a.ControlPointsA[i] != b.ControlPointsA[i] || a.ControlPointsB[i] != b.ControlPointsB[i] {
			t.Errorf("control point %d differs", i)
		}
	}
	if a.Converged != (a.MaxError <= 1e-4) {
		t.Errorf("converged=%v inconsistent with maxError=%g", a.Converged, a.MaxError)
	}
	// exact interpolation at the control points in both directions
	for i, p := range a.ControlPointsA {
		if d := geom.Dist2D(a.AtoB.Apply(p), a.ControlPointsB[i]); d > 1e-6 {
			t.Errorf("AtoB residual %g at control point %d", d, i)
		}
		if d := geom.Dist2D(a.BtoA.Apply(a.ControlPointsB[i]), p); d > 1e-6 {
			t.Errorf("BtoA residual %g at control point %d", d, i)
		}
	}
}

func TestOptimizeFitterErrorsPropagate(t *testing.T) {
	for _, failAt := range []int{1, 2} {
		f := &failingFitter{FailAt: failAt}
		shift := geom.Transform2D{A: 1, E: 1, C: 1}
		res, err := Optimize(100, 100, shift, geom.Identity{}, 0.1, f, quiet(Options{}))
		if !errors.Is(err, errFit) {
			t.Errorf("failAt=%d: err=%v; want errFit", failAt, err)
		}
		if res != nil {
			t.Errorf("failAt=%d: result non-nil on error", failAt)
		}
	}
}

func TestOptimizeInvalidInputs(t *testing.T) {
	id := geom.Identity{}
	fit := spline.ThinPlateFitter{}
	tcs := []struct {
		W, H, Tol float64
		Fitter    spline.Fitter
	}{
		{0, 10, 1, fit},
		{10, -1, 1, fit},
		{math.NaN(), 10, 1, fit},
		{math.Inf(1), 10, 1, fit},
		{10, 10, -0.1, fit},
		{10, 10, math.NaN(), fit},
		{10, 10, 1, nil},
	}
	for _, tc := range tcs {
		if _, err := Optimize(tc.W, tc.H, id, id, tc.Tol, tc.Fitter, quiet(Options{})); err == nil {
			t.Errorf("w=%g h=%g tol=%g: err=nil; want error", tc.W, tc.H, tc.Tol)
		}
	}
}

func TestOptimizeProgressAbort(t *testing.T) {
	calls := 0
	opts := Options{Progress: func(r Round) bool {
		calls++
		return r.Index < 1
	}}
	res, err := Optimize(100, 100, geom.Identity{}, geom.Identity{}, 0, decayFitter{0.01}, quiet(opts))
	if err != nil {
		t.Fatalf("err=%v; want nil", err)
	}
	if !res.Aborted || res.Rounds != 2 || calls != 2 {
		t.Errorf("aborted=%v rounds=%d calls=%d; want true 2 2", res.Aborted, res.Rounds, calls)
	}
	checkInvariants(t, res, 221, 221)
}

func TestInitialGrid(t *testing.T) {
	tcs := []struct {
		W, H       float64
		Cols       int
		NumX, NumY int
		Cell       float64
	}{
		{100, 50, 10, 10, 5, 10},
		{100, 55, 10, 10, 6, 10},
		{100, 1, 0, DefaultGridColumns, 1, 10},
		{30, 90, 3, 3, 9, 10},
	}
	for _, tc := range tcs {
		nx, ny, cell, err := InitialGrid(tc.W, tc.H, tc.Cols)
		if err != nil || nx != tc.NumX || ny != tc.NumY || cell != tc.Cell {
			t.Errorf("%gx%g cols=%d: got %d %d %g %v; want %d %d %g nil",
				tc.W, tc.H, tc.Cols, nx, ny, cell, err, tc.NumX, tc.NumY, tc.Cell)
		}
	}
	for _, tc := range []struct{ W, H float64 }{{1, 1e300}, {math.Inf(1), 1}, {0, 1}} {
		if _, _, _, err := InitialGrid(tc.W, tc.H, 10); err == nil {
			t.Errorf("%gx%g: err=nil; want error", tc.W, tc.H)
		}
	}
}

func TestOptimizeInitialGridAboveCap(t *testing.T) {
	tcs := []struct {
		W, H float64
		Opts Options
	}{
		{1, 2000, Options{MaxPoints: 2000}},                     // 11x20001 grid
		{100, 100, Options{MaxPoints: 120}},                     // 11x11 grid
		{100, 100, Options{GridColumns: 1000, MaxPoints: 2000}}, // 1001x1001 grid
	}
	for _, tc := range tcs {
		fit := &failingFitter{FailAt: 1}
		_, err := Optimize(tc.W, tc.H, geom.Identity{}, geom.Identity{}, 0, fit, quiet(tc.Opts))
		if err == nil || errors.Is(err, errFit) || fit.Calls != 0 {
			t.Errorf("%gx%g %+v: err=%v calls=%d; want cap error before fitting", tc.W, tc.H, tc.Opts, err, fit.Calls)
		}
	}
}
