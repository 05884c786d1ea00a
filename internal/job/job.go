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
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"runtime"
	"time"

	"github.com/mlnoga/splinealign/internal/geom"
	"github.com/mlnoga/splinealign/internal/model"
	"github.com/mlnoga/splinealign/internal/refine"
	"github.com/mlnoga/splinealign/internal/render"
	"github.com/mlnoga/splinealign/internal/spline"
	"github.com/mlnoga/splinealign/internal/validate"
)

// A complete spline optimization job: plane, distortion model, refinement settings and outputs
type Job struct {
	Width         float64          `json:"width"`
	Height        float64          `json:"height"`
	Tolerance     float64          `json:"tolerance"`
	Smoothness    float64          `json:"smoothness"`
	GridColumns   int              `json:"gridColumns"`
	MaxPerRound   int              `json:"maxPerRound"`
	MaxPoints     int              `json:"maxPoints"`
	Model         json.RawMessage  `json:"model"`
	Validation    validate.Options `json:"validation"`
	ErrorMap      string           `json:"errorMap"`      // save error map as JPG to this file, if given
	ErrorMapTIFF  string           `json:"errorMapTIFF"`  // save error map as 16-bit TIFF to this file, if given
	ErrorMapScale float64          `json:"errorMapScale"` // source pixels per error map pixel, default 4
	Result        string           `json:"result"`        // save the report as JSON to this file, if given
}

// Outcome of a job
type Report struct {
	ControlPointsA []geom.Point2D          `json:"controlPointsA"`
	ControlPointsB []geom.Point2D          `json:"controlPointsB"`
	MaxError       float64                 `json:"maxError"`
	Rounds         int                     `json:"rounds"`
	Converged      bool                    `json:"converged"`
	History        []refine.Round          `json:"history"`
	Forward        validate.Stats          `json:"forward"` // spline A to B, then reference B to A
	Inverse        validate.Stats          `json:"inverse"` // reference A to B, then spline B to A
	SplineAtoB     *spline.ThinPlateSpline `json:"splineAtoB,omitempty"`
	SplineBtoA     *spline.ThinPlateSpline `json:"splineBtoA,omitempty"`
	Elapsed        string                  `json:"elapsed"`
}

const defaultErrorMapScale = 4

// Upper bounds on the work a single job may request
const (
	MaxControlPoints = 10000   // each refinement round solves a dense system of this order
	MaxSamples       = 1 << 22 // validation grid plus random samples, per direction
)

func NewJobDefault() *Job {
	return &Job{
		Tolerance:     0.05,
		GridColumns:   refine.DefaultGridColumns,
		MaxPerRound:   refine.DefaultMaxPerRound,
		MaxPoints:     refine.DefaultMaxPoints,
		Model:         json.RawMessage(`{"type":"identity"}`),
		ErrorMapScale: defaultErrorMapScale,
	}
}

// Reads a job from a JSON file, on top of the defaults
func ReadFile(fileName string) (*Job, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Reads a job from JSON, on top of the defaults
func Read(r io.Reader) (*Job, error) {
	j := NewJobDefault()
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(j); err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	return j, nil
}

// Checks the job for consistency and returns the decoded model. Rejects non-finite sizes
// and bounds the work it requests. Clamps validation threads to the number of CPUs
func (j *Job) Init() (model.Model, error) {
	if !(j.Width > 0) || !(j.Height > 0) || math.IsInf(j.Width, 0) || math.IsInf(j.Height, 0) {
		return nil, fmt.Errorf("invalid plane size %gx%g", j.Width, j.Height)
	}
	if !(j.Tolerance >= 0) || math.IsInf(j.Tolerance, 0) {
		return nil, fmt.Errorf("invalid tolerance %g", j.Tolerance)
	}
	if j.MaxPoints > MaxControlPoints {
		return nil, fmt.Errorf("maxPoints %d above the limit of %d", j.MaxPoints, MaxControlPoints)
	}
	maxPoints := j.MaxPoints
	if maxPoints <= 0 {
		maxPoints = refine.DefaultMaxPoints
	}
	numX, numY, _, err := refine.InitialGrid(j.Width, j.Height, j.GridColumns)
	if err != nil {
		return nil, err
	}
	if n := (numX + 1) * (numY + 1); n > maxPoints {
		return nil, fmt.Errorf("initial grid %dx%d needs %d control points, above maxPoints %d", numX, numY, n, maxPoints)
	}

	if j.Validation.RandomSamples < 0 {
		return nil, fmt.Errorf("invalid number of random samples %d", j.Validation.RandomSamples)
	}
	step := j.Validation.GridStep
	if !(step > 0) {
		step = validate.DefaultGridStep
	}
	if n := validate.SampleCount(j.Width, j.Height, step, j.Validation.RandomSamples); n > MaxSamples {
		return nil, fmt.Errorf("validation needs %.0f samples, above the limit of %d", n, MaxSamples)
	}
	if cpus := runtime.NumCPU(); j.Validation.Threads > cpus {
		j.Validation.Threads = cpus
	}

	if j.ErrorMapScale <= 0 {
		j.ErrorMapScale = defaultErrorMapScale
	}
	if j.ErrorMap != "" || j.ErrorMapTIFF != "" {
		if n := render.PixelCount(j.Width, j.Height, j.ErrorMapScale); n > render.MaxPixels {
			return nil, fmt.Errorf("error map of %.0f pixels above the limit of %d, increase errorMapScale", n, render.MaxPixels)
		}
	}
	if len(j.Model) == 0 {
		return nil, errors.New("missing distortion model")
	}
	return model.Decode(j.Model)
}

// Runs the job, logging progress to the given writer
func (j *Job) Run(logWriter io.Writer) (*Report, error) {
	start := time.Now()
	m, err := j.Init()
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(logWriter, "Optimizing %s model on %gx%g plane to tolerance %g\n", m.GetType(), j.Width, j.Height, j.Tolerance)

	opts := &refine.Options{
		GridColumns: j.GridColumns,
		MaxPerRound: j.MaxPerRound,
		MaxPoints:   j.MaxPoints,
		Log:         logWriter,
	}
	fitter := spline.ThinPlateFitter{Smoothness: j.Smoothness}
	res, err := refine.Optimize(j.Width, j.Height, m.Forward(), m.Inverse(), j.Tolerance, fitter, opts)
	if err != nil {
		return nil, err
	}

	rep := &Report{
		ControlPointsA: res.ControlPointsA,
		ControlPointsB: res.ControlPointsB,
		MaxError:       res.MaxError,
		Rounds:         res.Rounds,
		Converged:      res.Converged,
		History:        res.History,
	}
	rep.SplineAtoB, _ = res.AtoB.(*spline.ThinPlateSpline)
	rep.SplineBtoA, _ = res.BtoA.(*spline.ThinPlateSpline)

	rep.Forward = validate.Validate(res.AtoB, m.Inverse(), j.Width, j.Height, j.Validation)
	rep.Inverse = validate.Validate(m.Forward(), res.BtoA, j.Width, j.Height, j.Validation)
	fmt.Fprintf(logWriter, "Forward validation: %v\n", rep.Forward)
	fmt.Fprintf(logWriter, "Inverse validation: %v\n", rep.Inverse)

	if j.ErrorMap != "" || j.ErrorMapTIFF != "" {
		em, err := render.ErrorMap(res.AtoB, m.Inverse(), j.Width, j.Height, j.ErrorMapScale)
		if err != nil {
			return nil, err
		}
		if j.ErrorMap != "" {
			fmt.Fprintf(logWriter, "Writing error map to %s\n", j.ErrorMap)
			if err := em.WriteJPGToFile(j.ErrorMap, 0, res.ControlPointsA, 95); err != nil {
				return nil, fmt.Errorf("writing error map: %w", err)
			}
		}
		if j.ErrorMapTIFF != "" {
			fmt.Fprintf(logWriter, "Writing 16-bit error map to %s\n", j.ErrorMapTIFF)
			if err := em.WriteTIFF16ToFile(j.ErrorMapTIFF, 0); err != nil {
				return nil, fmt.Errorf("writing error map: %w", err)
			}
		}
	}

	rep.Elapsed = time.Since(start).String()
	if j.Result != "" {
		fmt.Fprintf(logWriter, "Writing result to %s\n", j.Result)
		if err := rep.WriteFile(j.Result); err != nil {
			return nil, fmt.Errorf("writing result: %w", err)
		}
	}
	return rep, nil
}

// Writes the report as indented JSON
func (r *Report) Write(w io.Writer) error {
	m, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(m)
	return err
}

// Writes the report as indented JSON to the named file
func (r *Report) WriteFile(fileName string) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if err := r.Write(writer); err != nil {
		return err
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	return file.Close()
}
