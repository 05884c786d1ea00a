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
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/cpuid"
	sl "github.com/mlnoga/splinealign/internal"
	"github.com/mlnoga/splinealign/internal/geom"
	"github.com/mlnoga/splinealign/internal/job"
	"github.com/mlnoga/splinealign/internal/model"
	"github.com/mlnoga/splinealign/internal/refine"
	"github.com/mlnoga/splinealign/internal/rest"
	"github.com/pbnjay/memory"
)

const version = "0.1.0"

var totalMiBs = memory.TotalMemory() / 1024 / 1024

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

var jobFile = flag.String("job", "", "read the complete job from JSON `file`, ignoring plane, model and refinement flags")
var out = flag.String("out", "out.json", "save result with control points and splines to JSON `file`")
var jpg = flag.String("jpg", "%auto", "save error map as JPEG to `file`. `%auto` replaces suffix of output file with .jpg")
var tif = flag.String("tiff", "", "save error map as 16-bit TIFF to `file`")
var log = flag.String("log", "%auto", "save log output to `file`. `%auto` replaces suffix of output file with .log")

var width = flag.Float64("width", 0, "width of the source plane in pixels")
var height = flag.Float64("height", 0, "height of the source plane in pixels")
var tol = flag.Float64("tol", 0.05, "round-trip error tolerance in pixels, 0=refine up to the control point cap")
var smooth = flag.Float64("smooth", 0, "thin plate spline smoothness, 0=exact interpolation")
var cols = flag.Int64("cols", refine.DefaultGridColumns, "columns of the initial control point grid. Rows follow from square cells")
var perRound = flag.Int64("perRound", refine.DefaultMaxPerRound, "maximum blocks refined per round")
var maxPoints = flag.Int64("maxPoints", refine.DefaultMaxPoints, "hard cap on the number of control points")

var modelType = flag.String("model", "radial", "distortion model, one of identity, affine, radial")
var affine = flag.String("affine", "1,0,0,0,1,0", "affine model coefficients a,b,c,d,e,f for x'=ax+by+c, y'=dx+ey+f")
var cx = flag.Float64("cx", -1, "radial model: optical center x, -1=plane center")
var cy = flag.Float64("cy", -1, "radial model: optical center y, -1=plane center")
var radius = flag.Float64("radius", -1, "radial model: normalization radius, -1=half the plane diagonal")
var k1 = flag.Float64("k1", 0, "radial model: 2nd order radial coefficient")
var k2 = flag.Float64("k2", 0, "radial model: 4th order radial coefficient")
var k3 = flag.Float64("k3", 0, "radial model: 6th order radial coefficient")
var p1 = flag.Float64("p1", 0, "radial model: 1st tangential coefficient")
var p2 = flag.Float64("p2", 0, "radial model: 2nd tangential coefficient")

var gridStep = flag.Float64("gridStep", 16, "validation: grid spacing in pixels")
var samples = flag.Int64("samples", 1000, "validation: number of additional random samples")
var threads = flag.Int64("threads", int64(runtime.GOMAXPROCS(0)), "validation: number of worker threads")
var mapScale = flag.Float64("mapScale", 4, "error map: source pixels per map pixel")

var addr = flag.String("addr", ":8080", "serve: address to listen on")
var chroot = flag.String("chroot", "", "serve: change filesystem root to `dir` before serving (requires root)")
var setuid = flag.Int64("setuid", -1, "serve: change user id after chroot, -1=keep")
var outDir = flag.String("outDir", "", "serve: write output files named in jobs to `dir`, by base name. Empty=write none")

func main() {
	logWriter := sl.LogWriter()
	start := time.Now()
	flag.Usage = func() {
		fmt.Fprintf(os.Stdout, `Splinealign Copyright (c) 2020 Markus L. Noga
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] (optimize|serve|legal|version|help)

Commands:
  optimize Place control points for a spline pair approximating the distortion model
  serve    Serve the REST API
  legal    Show license and attribution information
  version  Show version information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return
	}

	// Initialize logging to file in addition to stdout, if selected
	if *log == "%auto" {
		if *out != "" && args[0] == "optimize" {
			*log = strings.TrimSuffix(*out, filepath.Ext(*out)) + ".log"
		} else {
			*log = ""
		}
	}
	if *log != "" {
		if err := sl.LogAlsoToFile(*log); err != nil {
			sl.LogFatalf("Unable to open logfile '%s': %s\n", *log, err.Error())
		}
	}

	// Also auto-select JPEG output target
	if *jpg == "%auto" {
		if *out != "" {
			*jpg = strings.TrimSuffix(*out, filepath.Ext(*out)) + ".jpg"
		} else {
			*jpg = ""
		}
	}

	// Enable CPU profiling if flagged
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			sl.LogFatal("Could not create CPU profile: ", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			sl.LogFatal("Could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	var err error
	switch args[0] {
	case "optimize":
		logEnvironment(logWriter)
		err = cmdOptimize(logWriter)

	case "serve":
		logEnvironment(logWriter)
		if err = rest.MakeSandbox(logWriter, *chroot, int(*setuid)); err == nil {
			sl.LogPrintf("Serving on %s\n", *addr)
			err = rest.Serve(*addr, *outDir)
		}

	case "legal":
		fmt.Fprint(logWriter, legal)

	case "version":
		fmt.Fprintf(logWriter, "Version %s\n", version)

	case "help", "?":
		flag.Usage()

	default:
		fmt.Fprintf(logWriter, "Unknown command '%s'\n\n", args[0])
		flag.Usage()
		return
	}

	elapsed := time.Since(start)
	fmt.Fprintf(logWriter, "\nDone after %v\n", elapsed)

	// Store memory profile if flagged
	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			sl.LogFatal("Could not create memory profile: ", err)
		}
		defer f.Close()
		runtime.GC() // get up-to-date statistics
		if err := pprof.Lookup("allocs").WriteTo(f, 0); err != nil {
			sl.LogFatal("Could not write allocation profile: ", err)
		}
	}

	if err != nil {
		sl.LogFatalf("Error: %s\n", err.Error())
	}
	sl.LogSync()
}

// Logs version, memory and CPU capabilities
func logEnvironment(logWriter io.Writer) {
	fmt.Fprintf(logWriter, "Splinealign %s on %s, %d physical/%d logical cores, AVX2=%v, %d MiB memory, %d threads\n",
		version, strings.TrimSpace(cpuid.CPU.BrandName), cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores,
		cpuid.CPU.AVX2(), totalMiBs, *threads)
}

// Runs an optimization job, given as JSON file or via flags
func cmdOptimize(logWriter io.Writer) error {
	var j *job.Job
	var err error
	if *jobFile != "" {
		if j, err = job.ReadFile(*jobFile); err != nil {
			return err
		}
	} else if j, err = jobFromFlags(); err != nil {
		return err
	}

	// output flags apply to both cases, unless the job names its own
	if j.Result == "" {
		j.Result = *out
	}
	if j.ErrorMap == "" {
		j.ErrorMap = *jpg
	}
	if j.ErrorMapTIFF == "" {
		j.ErrorMapTIFF = *tif
	}

	m, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(logWriter, "\nRunning job with these settings:\n%s\n\n", string(m))

	rep, err := j.Run(logWriter)
	if err != nil {
		return err
	}
	if !rep.Converged {
		fmt.Fprintf(logWriter, "Warning: max error %.4g above tolerance %.4g with %d control points\n",
			rep.MaxError, j.Tolerance, len(rep.ControlPointsA))
	}
	return nil
}

// Builds a job from the command line flags
func jobFromFlags() (*job.Job, error) {
	if *width <= 0 || *height <= 0 {
		return nil, errors.New("need positive -width and -height, or a -job file")
	}
	j := job.NewJobDefault()
	j.Width, j.Height = *width, *height
	j.Tolerance = *tol
	j.Smoothness = *smooth
	j.GridColumns, j.MaxPerRound, j.MaxPoints = int(*cols), int(*perRound), int(*maxPoints)
	j.Validation.GridStep = *gridStep
	j.Validation.RandomSamples = int(*samples)
	j.Validation.Threads = int(*threads)
	j.ErrorMapScale = *mapScale

	var mod model.Model
	switch *modelType {
	case "identity":
		mod = model.NewModelIdentity()
	case "affine":
		t, err := parseAffine(*affine)
		if err != nil {
			return nil, err
		}
		mod = model.NewModelAffine(t)
	case "radial":
		c := geom.Point2D{X: *cx, Y: *cy}
		if c.X < 0 {
			c.X = *width / 2
		}
		if c.Y < 0 {
			c.Y = *height / 2
		}
		r := *radius
		if r <= 0 {
			r = geom.Dist2D(geom.Point2D{}, geom.Point2D{X: *width, Y: *height}) / 2
		}
		mod = model.NewModelRadial(c.X, c.Y, r, *k1, *k2, *k3, *p1, *p2)
	default:
		return nil, fmt.Errorf("unknown model '%s'", *modelType)
	}
	raw, err := json.Marshal(mod)
	if err != nil {
		return nil, err
	}
	j.Model = raw
	return j, nil
}

// Parses six comma-separated affine coefficients
func parseAffine(s string) (t geom.Transform2D, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 6 {
		return t, fmt.Errorf("need 6 affine coefficients, got %d", len(parts))
	}
	vals := make([]float64, 6)
	for i, p := range parts {
		if vals[i], err = strconv.ParseFloat(strings.TrimSpace(p), 64); err != nil {
			return t, fmt.Errorf("affine coefficient %d: %w", i, err)
		}
	}
	return geom.Transform2D{A: vals[0], B: vals[1], C: vals[2], D: vals[3], E: vals[4], F: vals[5]}, nil
}
