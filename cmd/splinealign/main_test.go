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

package main

import (
	"testing"

	"github.com/mlnoga/splinealign/internal/geom"
	"github.com/mlnoga/splinealign/internal/model"
)

func TestParseAffine(t *testing.T) {
	got, err := parseAffine("1, 0.5,3,-0.5,1, 7")
	if err != nil {
		t.Fatalf("err=%v; want nil", err)
	}
	want := geom.Transform2D{A: 1, B: 0.5, C: 3, D: -0.5, E: 1, F: 7}
	if got != want {
		t.Errorf("got %v; want %v", got, want)
	}
	for _, bad := range []string{"1,2,3", "1,2,3,4,5,x"} {
		if _, err := parseAffine(bad); err == nil {
			t.Errorf("%q: err=nil; want error", bad)
		}
	}
}

func TestJobFromFlagsRadialDefaults(t *testing.T) {
	*width, *height, *modelType, *k1 = 400, 300, "radial", 0.02
	defer func() { *width, *height, *modelType, *k1 = 0, 0, "radial", 0 }()

	j, err := jobFromFlags()
	if err != nil {
		t.Fatalf("err=%v; want nil", err)
	}
	m, err := model.Decode(j.Model)
	if err != nil {
		t.Fatalf("decode err=%v", err)
	}
	r, ok := m.(*model.ModelRadial)
	if !ok {
		t.Fatalf("model %T; want *model.ModelRadial", m)
	}
	if r.CX != 200 || r.CY != 150 || r.Radius != 250 || r.K1 != 0.02 {
		t.Errorf("radial %+v; want center (200,150) radius 250 k1 0.02", r)
	}
}
