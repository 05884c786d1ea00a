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

package geom

import (
	"fmt"
	"math"
)

// A 2-dimensional point with floating point coordinates.
type Point2D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// A 2-dimensional axis-aligned rectangle. A is the top left corner, B the bottom right one.
type Rect2D struct {
	A Point2D `json:"a"`
	B Point2D `json:"b"`
}

// A coordinate transformation from one plane into another.
// Implementations must be pure and deterministic.
type Transformer interface {
	Apply(p Point2D) Point2D
}

// The identity transformation
type Identity struct{}

func (Identity) Apply(p Point2D) Point2D { return p }

// A function adapter for the Transformer interface
type TransformerFunc func(p Point2D) Point2D

func (f TransformerFunc) Apply(p Point2D) Point2D { return f(p) }

func (p Point2D) String() string {
	return fmt.Sprintf("(%.2f, %.2f)", p.X, p.Y)
}

func (r Rect2D) String() string {
	return fmt.Sprintf("(%v, %v)", r.A, r.B)
}

// Returns the center of the rectangle
func (r Rect2D) Center() Point2D {
	return Point2D{0.5 * (r.A.X + r.B.X), 0.5 * (r.A.Y + r.B.Y)}
}

func (r Rect2D) Width() float64  { return r.B.X - r.A.X }
func (r Rect2D) Height() float64 { return r.B.Y - r.A.Y }

// Returns the euclidian distance between the two given points
func Dist2D(a, b Point2D) float64 {
	return math.Sqrt(Dist2DSquared(a, b))
}

// Returns the squared euclidian distance between the two given points
func Dist2DSquared(a, b Point2D) float64 {
	dx, dy := a.X-b.X, a.Y-b.Y
	return dx*dx + dy*dy
}

// Returns the round-trip error of p when mapped forward through atob and back through btoa
func RoundTripError(p Point2D, atob, btoa Transformer) float64 {
	return Dist2D(p, btoa.Apply(atob.Apply(p)))
}

// An affine 2D coordinate transformation x'=ax+by+c, y'=dx+ey+f
type Transform2D struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
	C float64 `json:"c"`
	D float64 `json:"d"`
	E float64 `json:"e"`
	F float64 `json:"f"`
}

func (t Transform2D) String() string {
	return fmt.Sprintf("x'=%.5gx %+.5gy %+.2g, y'=%.5gx %+.5gy %+.2g",
		t.A, t.B, t.C, t.D, t.E, t.F)
}

func IdentityTransform2D() Transform2D {
	return Transform2D{1, 0, 0, 0, 1, 0}
}

// Apply given 2D transformation to the given coordinates
func (t Transform2D) Apply(p Point2D) Point2D {
	return Point2D{t.A*p.X + t.B*p.Y + t.C, t.D*p.X + t.E*p.Y + t.F}
}

// Apply given 2D transformation to many given coordinates
func (t Transform2D) ApplySlice(ps []Point2D) (pPs []Point2D) {
	pPs = make([]Point2D, len(ps))
	for i, p := range ps {
		pPs[i] = t.Apply(p)
	}
	return pPs
}

// Invert a given 2D transformation. Returns error if the matrix is singular
func (t Transform2D) Invert() (inv Transform2D, err error) {
	det := t.A*t.E - t.B*t.D
	if det < 1e-12 && -det < 1e-12 {
		return Transform2D{}, fmt.Errorf("matrix has no inverse, determinant=%g", det)
	}
	return Transform2D{
		A: t.E / det,
		B: -t.B / det,
		C: (t.B*t.F - t.C*t.E) / det,
		D: -t.D / det,
		E: t.A / det,
		F: (t.C*t.D - t.A*t.F) / det,
	}, nil
}
