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

package validate

import (
	"fmt"
	"math"
	"runtime"
	"sort"

	"github.com/mlnoga/splinealign/internal/geom"
	"github.com/valyala/fastrand"
	"gonum.org/v1/gonum/stat"
)

// Settings for a validation run. Zero values select defaults
type Options struct {
	GridStep      float64 `json:"gridStep"`      // spacing of the regular sample grid in pixels, default 16
	RandomSamples int     `json:"randomSamples"` // additional uniformly random samples
	Threads       int     `json:"threads"`       // worker goroutines, default GOMAXPROCS, at most NumCPU
}

// Round-trip error statistics over a set of sample points
type Stats struct {
	N      int          `json:"n"`
	Mean   float64      `json:"mean"`
	StdDev float64      `json:"stdDev"`
	RMS    float64      `json:"rms"`
	P95    float64      `json:"p95"`
	Max    float64      `json:"max"`
	MaxAt  geom.Point2D `json:"maxAt"`
}

func (s Stats) String() string {
	return fmt.Sprintf("n=%d mean=%.4g stddev=%.4g rms=%.4g p95=%.4g max=%.4g at %v",
		s.N, s.Mean, s.StdDev, s.RMS, s.P95, s.Max, s.MaxAt)
}

const DefaultGridStep = 16

// Evaluates the round-trip error atob then btoa over the plane [0,width]x[0,height]
// at grid and random sample points, in parallel
func Validate(atob, btoa geom.Transformer, width, height float64, opts Options) Stats {
	step := opts.GridStep
	if !(step > 0) {
		step = DefaultGridStep
	}
	threads := opts.Threads
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	if n := runtime.NumCPU(); threads > n {
		threads = n
	}

	points := SamplePoints(width, height, step, opts.RandomSamples)
	if len(points) == 0 {
		return Stats{}
	}
	errs := make([]float64, len(points))

	// Each worker owns a contiguous range of result slots
	limiter := make(chan bool, threads)
	chunk := (len(points) + threads - 1) / threads
	for start := 0; start < len(points); start += chunk {
		end := start + chunk
		if end > len(points) {
			end = len(points)
		}
		limiter <- true
		go func(start, end int) {
			defer func() { <-limiter }()
			for i := start; i < end; i++ {
				errs[i] = geom.RoundTripError(points[i], atob, btoa)
			}
		}(start, end)
	}
	for i := 0; i < cap(limiter); i++ { // wait for goroutines to finish
		limiter <- true
	}

	return statsOf(points, errs)
}

// Number of points SamplePoints returns for the given arguments, as float to avoid overflow
func SampleCount(width, height, step float64, n int) float64 {
	if !(width > 0) || !(height > 0) || !(step > 0) {
		return 0
	}
	return (math.Ceil(width/step)+1)*(math.Ceil(height/step)+1) + float64(n)
}

// Returns a regular grid with given step covering the plane including its far edges,
// followed by n uniformly random points
func SamplePoints(width, height, step float64, n int) []geom.Point2D {
	if !(width > 0) || !(height > 0) || !(step > 0) || n < 0 {
		return nil
	}
	nx, ny := int(math.Ceil(width/step)), int(math.Ceil(height/step))
	points := make([]geom.Point2D, 0, (nx+1)*(ny+1)+n)
	for y := 0; y <= ny; y++ {
		for x := 0; x <= nx; x++ {
			points = append(points, geom.Point2D{X: math.Min(float64(x)*step, width), Y: math.Min(float64(y)*step, height)})
		}
	}
	rng := fastrand.RNG{}
	const resolution = 1 << 24
	for i := 0; i < n; i++ {
		fx := float64(rng.Uint32n(resolution)) / resolution
		fy := float64(rng.Uint32n(resolution)) / resolution
		points = append(points, geom.Point2D{X: fx * width, Y: fy * height})
	}
	return points
}

func statsOf(points []geom.Point2D, errs []float64) Stats {
	s := Stats{N: len(errs)}
	sumSq := 0.0
	for i, e := range errs {
		sumSq += e * e
		if e > s.Max || i == 0 {
			s.Max, s.MaxAt = e, points[i]
		}
	}
	s.Mean, s.StdDev = stat.MeanStdDev(errs, nil)
	if len(errs) < 2 {
		s.StdDev = 0
	}
	s.RMS = math.Sqrt(sumSq / float64(len(errs)))

	sorted := append([]float64(nil), errs...)
	sort.Float64s(sorted)
	s.P95 = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	return s
}
