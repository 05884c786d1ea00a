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

package spline

import (
	"errors"
	"fmt"
	"math"

	"github.com/mlnoga/splinealign/internal/geom"
	"gonum.org/v1/gonum/mat"
)

// Builds a coordinate mapping from control point correspondences a[i] -> b[i].
// Each call fits from scratch.
type Fitter interface {
	Fit(a, b []geom.Point2D) (geom.Transformer, error)
}

// Fits thin plate splines, i.e. surface splines with kernel r^2 log r and an affine part.
// Smoothness zero interpolates the control points exactly, larger values approximate.
type ThinPlateFitter struct {
	Smoothness float64 `json:"smoothness"`
}

// A fitted pair of thin plate splines, one per output coordinate.
// Nodes are stored in normalized coordinates (p-Center)/Scale.
type ThinPlateSpline struct {
	Center geom.Point2D   `json:"center"`
	Scale  float64        `json:"scale"`
	Nodes  []geom.Point2D `json:"nodes"`
	WX     []float64      `json:"wx"`
	WY     []float64      `json:"wy"`
	AX     [3]float64     `json:"ax"` // constant, x and y coefficients of the affine part for x'
	AY     [3]float64     `json:"ay"` // same for y'
}

var ErrTooFewPoints = errors.New("thin plate spline needs at least 3 control points")

func (f ThinPlateFitter) Fit(a, b []geom.Point2D) (geom.Transformer, error) {
	tps, err := FitThinPlate(a, b, f.Smoothness)
	if err != nil {
		return nil, err
	}
	return tps, nil
}

// Fits a thin plate spline mapping a onto b, with given smoothness
func FitThinPlate(a, b []geom.Point2D, smoothness float64) (*ThinPlateSpline, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("control point count mismatch: %d vs %d", len(a), len(b))
	}
	if len(a) < 3 {
		return nil, ErrTooFewPoints
	}
	if smoothness < 0 || math.IsNaN(smoothness) {
		return nil, fmt.Errorf("invalid smoothness %g", smoothness)
	}

	center, scale := normalization(a)
	n := len(a)
	nodes := make([]geom.Point2D, n)
	for i, p := range a {
		nodes[i] = geom.Point2D{X: (p.X - center.X) / scale, Y: (p.Y - center.Y) / scale}
	}

	// Assemble [K+sI P; P^T 0] with both coordinate right hand sides side by side
	m := n + 3
	lhs := mat.NewDense(m, m, nil)
	rhs := mat.NewDense(m, 2, nil)
	for i := 0; i < n; i++ {
		pi := nodes[i]
		for j := i + 1; j < n; j++ {
			k := kernel(geom.Dist2DSquared(pi, nodes[j]))
			lhs.Set(i, j, k)
			lhs.Set(j, i, k)
		}
		lhs.Set(i, i, smoothness)
		lhs.Set(i, n, 1)
		lhs.Set(i, n+1, pi.X)
		lhs.Set(i, n+2, pi.Y)
		lhs.Set(n, i, 1)
		lhs.Set(n+1, i, pi.X)
		lhs.Set(n+2, i, pi.Y)
		rhs.Set(i, 0, b[i].X)
		rhs.Set(i, 1, b[i].Y)
	}

	// QR rather than LU: the LU solver flags singularity from the determinant,
	// which underflows to zero for a few hundred nodes even when well conditioned
	var qr mat.QR
	qr.Factorize(lhs)
	var sol mat.Dense
	if err := qr.SolveTo(&sol, false, rhs); err != nil {
		return nil, fmt.Errorf("solving thin plate spline system with %d nodes: %w", n, err)
	}

	tps := &ThinPlateSpline{
		Center: center,
		Scale:  scale,
		Nodes:  nodes,
		WX:     make([]float64, n),
		WY:     make([]float64, n),
	}
	for i := 0; i < n; i++ {
		tps.WX[i] = sol.At(i, 0)
		tps.WY[i] = sol.At(i, 1)
	}
	for j := 0; j < 3; j++ {
		tps.AX[j] = sol.At(n+j, 0)
		tps.AY[j] = sol.At(n+j, 1)
	}
	return tps, nil
}

// Evaluates the spline at the given point
func (t *ThinPlateSpline) Apply(p geom.Point2D) geom.Point2D {
	q := geom.Point2D{X: (p.X - t.Center.X) / t.Scale, Y: (p.Y - t.Center.Y) / t.Scale}
	x := t.AX[0] + t.AX[1]*q.X + t.AX[2]*q.Y
	y := t.AY[0] + t.AY[1]*q.X + t.AY[2]*q.Y
	for i, node := range t.Nodes {
		k := kernel(geom.Dist2DSquared(q, node))
		x += t.WX[i] * k
		y += t.WY[i] * k
	}
	return geom.Point2D{X: x, Y: y}
}

// Number of control points the spline was fitted to
func (t *ThinPlateSpline) Len() int { return len(t.Nodes) }

// Thin plate kernel r^2 log r, expressed on the squared distance
func kernel(r2 float64) float64 {
	if r2 <= 0 {
		return 0
	}
	return 0.5 * r2 * math.Log(r2)
}

// Centroid and maximum absolute deviation of the given points, used to condition the system
func normalization(ps []geom.Point2D) (center geom.Point2D, scale float64) {
	for _, p := range ps {
		center.X += p.X
		center.Y += p.Y
	}
	center.X /= float64(len(ps))
	center.Y /= float64(len(ps))
	for _, p := range ps {
		scale = math.Max(scale, math.Max(math.Abs(p.X-center.X), math.Abs(p.Y-center.Y)))
	}
	if scale == 0 {
		scale = 1
	}
	return center, scale
}
