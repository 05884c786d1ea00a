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

package job

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestReadDefaults(t *testing.T) {
	j, err := Read(strings.NewReader(`{"width":100,"height":50}`))
	if err != nil {
		t.Fatalf("err=%v; want nil", err)
	}
	if j.Tolerance != 0.05 || j.MaxPoints != 2000 || j.MaxPerRound != 50 || j.GridColumns != 10 {
		t.Errorf("defaults not applied: %+v", j)
	}
	m, err := j.Init()
	if err != nil {
		t.Fatalf("init err=%v", err)
	}
	if m.GetType() != "identity" {
		t.Errorf("model %s; want identity", m.GetType())
	}
}

func TestReadRejects(t *testing.T) {
	tcs := []string{
		`{"width":100,"height":50,"colour":"red"}`,
		`{"width":100,`,
	}
	for _, tc := range tcs {
		if _, err := Read(strings.NewReader(tc)); err == nil {
			t.Errorf("%s: err=nil; want error", tc)
		}
	}
	inits := []string{
		`{"width":0,"height":50}`,
		`{"width":100,"height":50,"tolerance":-1}`,
		`{"width":100,"height":50,"model":{"type":"warp"}}`,
		`{"width":1,"height":2000,"maxPoints":2000}`,
		`{"width":100,"height":50,"gridColumns":100000}`,
		`{"width":100,"height":50,"maxPoints":100000}`,
		`{"width":1e9,"height":1e9,"gridColumns":1,"validation":{"gridStep":1}}`,
		`{"width":100,"height":50,"validation":{"randomSamples":-5}}`,
		`{"width":100,"height":50,"validation":{"randomSamples":100000000}}`,
		`{"width":1e6,"height":1e6,"gridColumns":1,"validation":{"gridStep":1000},"errorMap":"x.jpg","errorMapScale":1}`,
	}
	for _, tc := range inits {
		j, err := Read(strings.NewReader(tc))
		if err != nil {
			t.Fatalf("%s: read err=%v", tc, err)
		}
		if _, err := j.Run(io.Discard); err == nil {
			t.Errorf("%s: run err=nil; want error", tc)
		}
	}
}

func TestInitClampsThreads(t *testing.T) {
	j, err := Read(strings.NewReader(`{"width":100,"height":50,"validation":{"threads":1000000}}`))
	if err != nil {
		t.Fatalf("err=%v; want nil", err)
	}
	if _, err := j.Init(); err != nil {
		t.Fatalf("init err=%v", err)
	}
	if n := runtime.NumCPU(); j.Validation.Threads != n {
		t.Errorf("threads=%d; want %d", j.Validation.Threads, n)
	}
}

func TestRunIdentity(t *testing.T) {
	j, err := Read(strings.NewReader(`{"width":100,"height":50,"tolerance":0.01,"validation":{"gridStep":5}}`))
	if err != nil {
		t.Fatalf("err=%v; want nil", err)
	}
	rep, err := j.Run(io.Discard)
	if err != nil {
		t.Fatalf("run err=%v", err)
	}
	if len(rep.ControlPointsA) != 66 || rep.Rounds != 0 || !rep.Converged {
		t.Errorf("points=%d rounds=%d converged=%v; want 66 0 true", len(rep.ControlPointsA), rep.Rounds, rep.Converged)
	}
	if rep.Forward.Max > 1e-6 || rep.Inverse.Max > 1e-6 {
		t.Errorf("validation forward %v inverse %v; want zero error", rep.Forward, rep.Inverse)
	}
	if rep.SplineAtoB == nil || rep.SplineBtoA == nil {
		t.Errorf("splines missing from report")
	}
}

func TestRunRadialWithOutputs(t *testing.T) {
	dir := t.TempDir()
	result := filepath.Join(dir, "result.json")
	jpg := filepath.Join(dir, "errors.jpg")
	tif := filepath.Join(dir, "errors.tiff")
	js := fmt.Sprintf(`{
		"width": 300, "height": 200, "tolerance": 0.02, "maxPoints": 250,
		"model": {"type": "radial", "cx": 150, "cy": 100, "radius": 200, "k1": 0.04},
		"validation": {"gridStep": 10, "randomSamples": 50, "threads": 2},
		"errorMap": %q, "errorMapTIFF": %q, "errorMapScale": 5, "result": %q
	}`, jpg, tif, result)
	j, err := Read(strings.NewReader(js))
	if err != nil {
		t.Fatalf("err=%v; want nil", err)
	}
	rep, err := j.Run(io.Discard)
	if err != nil {
		t.Fatalf("run err=%v", err)
	}
	if n := len(rep.ControlPointsA); n < 11*8 || n > 250 || n != len(rep.ControlPointsB) {
		t.Errorf("control points %d/%d; want equal, in [88,250]", n, len(rep.ControlPointsB))
	}
	for _, f := range []string{jpg, tif} {
		if fi, err := os.Stat(f); err != nil || fi.Size() == 0 {
			t.Errorf("output %s missing: %v", f, err)
		}
	}

	buf, err := os.ReadFile(result)
	if err != nil {
		t.Fatalf("read result err=%v", err)
	}
	var back Report
	if err := json.Unmarshal(buf, &back); err != nil {
		t.Fatalf("decode result err=%v", err)
	}
	if len(back.ControlPointsA) != len(rep.ControlPointsA) || back.Rounds != rep.Rounds {
		t.Errorf("decoded report differs: %d/%d points, %d/%d rounds",
			len(back.ControlPointsA), len(rep.ControlPointsA), back.Rounds, rep.Rounds)
	}
	if back.SplineAtoB == nil || back.SplineAtoB.Len() != len(rep.ControlPointsA) {
		t.Errorf("decoded spline missing or wrong size")
	}
}
