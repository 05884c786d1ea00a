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

package model

import (
	"fmt"
	"math"

	"github.com/mlnoga/splinealign/internal/geom"
	"gonum.org/v1/gonum/optimize"
)

// Brown-Conrady lens distortion with three radial and two tangential terms,
// in coordinates normalized by Radius around the optical center (CX, CY).
// The inverse has no closed form and is solved numerically per point.
type ModelRadial struct {
	ModelBase
	CX     float64 `json:"cx"`
	CY     float64 `json:"cy"`
	Radius float64 `json:"radius"`
	K1     float64 `json:"k1"`
	K2     float64 `json:"k2"`
	K3     float64 `json:"k3"`
	P1     float64 `json:"p1"`
	P2     float64 `json:"p2"`
}

const radialFixedPointIterations = 20

func init() { SetModelFactory(func() Model { return NewModelRadial(0, 0, 1, 0, 0, 0, 0, 0) }) }

func NewModelRadial(cx, cy, radius, k1, k2, k3, p1, p2 float64) *ModelRadial {
	return &ModelRadial{
		ModelBase: ModelBase{Type: "radial"},
		CX:        cx,
		CY:        cy,
		Radius:    radius,
		K1:        k1,
		K2:        k2,
		K3:        k3,
		P1:        p1,
		P2:        p2,
	}
}

func (m *ModelRadial) Init() error {
	if !(m.Radius > 0) || math.IsInf(m.Radius, 0) {
		return fmt.Errorf("normalization radius must be positive, got %g", m.Radius)
	}
	return nil
}

func (m *ModelRadial) Forward() geom.Transformer { return geom.TransformerFunc(m.distort) }
func (m *ModelRadial) Inverse() geom.Transformer { return geom.TransformerFunc(m.undistort) }

func (m *ModelRadial) distort(p geom.Point2D) geom.Point2D {
	x, y := (p.X-m.CX)/m.Radius, (p.Y-m.CY)/m.Radius
	xd, yd := m.distortNormalized(x, y)
	return geom.Point2D{X: m.CX + m.Radius*xd, Y: m.CY + m.Radius*yd}
}

func (m *ModelRadial) distortNormalized(x, y float64) (xd, yd float64) {
	r2 := x*x + y*y
	radial := 1 + r2*(m.K1+r2*(m.K2+r2*m.K3))
	xd = x*radial + 2*m.P1*x*y + m.P2*(r2+2*x*x)
	yd = y*radial + m.P1*(r2+2*y*y) + 2*m.P2*x*y
	return xd, yd
}

// Inverts the distortion: fixed point iteration for a starting value,
// then minimizes the squared forward residual
func (m *ModelRadial) undistort(p geom.Point2D) geom.Point2D {
	xd, yd := (p.X-m.CX)/m.Radius, (p.Y-m.CY)/m.Radius

	x, y := xd, yd
	for i := 0; i < radialFixedPointIterations; i++ {
		r2 := x*x + y*y
		radial := 1 + r2*(m.K1+r2*(m.K2+r2*m.K3))
		if radial == 0 {
			break
		}
		x, y = (xd-2*m.P1*x*y-m.P2*(r2+2*x*x))/radial, (yd-m.P1*(r2+2*y*y)-2*m.P2*x*y)/radial
	}

	residual := func(v []float64) float64 {
		fx, fy := m.distortNormalized(v[0], v[1])
		dx, dy := fx-xd, fy-yd
		return dx*dx + dy*dy
	}
	best := []float64{x, y}
	bestF := residual(best)
	if bestF > 1e-24 {
		problem := optimize.Problem{Func: residual}
		result, err := optimize.Minimize(problem, best, nil, &optimize.NelderMead{})
		if err == nil && result != nil && result.F < bestF {
			best = result.X
		}
	}
	return geom.Point2D{X: m.CX + m.Radius*best[0], Y: m.CY + m.Radius*best[1]}
}
