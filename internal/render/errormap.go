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

package render

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"
	"os"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/mlnoga/splinealign/internal/geom"
	"golang.org/x/image/tiff"
)

// A raster of round-trip errors, sampled at pixel centers of a downscaled plane.
// Pixel (x,y) covers source coordinates [x*Scale, (x+1)*Scale).
type Map struct {
	Width  int
	Height int
	Scale  float64
	Data   []float32
}

// Largest raster ErrorMap will allocate
const MaxPixels = 1 << 24

// Number of raster pixels for the given plane and scale, as float to avoid overflow
func PixelCount(width, height, scale float64) float64 {
	if !(width > 0) || !(height > 0) || !(scale > 0) {
		return 0
	}
	return math.Ceil(width/scale) * math.Ceil(height/scale)
}

// Samples the round-trip error of atob then btoa on a raster covering width x height,
// where each raster pixel covers scale x scale source pixels
func ErrorMap(atob, btoa geom.Transformer, width, height, scale float64) (*Map, error) {
	if !(width > 0) || !(height > 0) || !(scale > 0) {
		return nil, errors.New("error map needs positive width, height and scale")
	}
	if n := PixelCount(width, height, scale); n > MaxPixels {
		return nil, fmt.Errorf("error map of %.0f pixels exceeds the limit of %d", n, MaxPixels)
	}
	w, h := int(math.Ceil(width/scale)), int(math.Ceil(height/scale))
	m := &Map{Width: w, Height: h, Scale: scale, Data: make([]float32, w*h)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p := geom.Point2D{X: (float64(x) + 0.5) * scale, Y: (float64(y) + 0.5) * scale}
			m.Data[y*w+x] = float32(geom.RoundTripError(p, atob, btoa))
		}
	}
	return m, nil
}

// Returns the largest finite error in the map
func (m *Map) Max() float32 {
	max := float32(0)
	for _, v := range m.Data {
		if v > max && !math.IsInf(float64(v), 0) {
			max = v
		}
	}
	return max
}

var (
	colorLow  = colorful.Color{R: 0.05, G: 0.1, B: 0.6}
	colorHigh = colorful.Color{R: 1, G: 0.15, B: 0.05}
	colorMark = color.RGBA{255, 255, 255, 255}
)

// Maps error values in [0,max] onto a blue to red blend in HCL space. NaNs map to black
func ErrorColor(v, max float32) color.RGBA {
	if math.IsNaN(float64(v)) {
		return color.RGBA{0, 0, 0, 255}
	}
	t := 0.0
	if max > 0 {
		t = float64(v / max)
	}
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	r, g, b := colorLow.BlendHcl(colorHigh, t).Clamped().RGB255()
	return color.RGBA{r, g, b, 255}
}

// Converts the map to a color image with the given control points marked.
// Errors are scaled so max is fully red, or the map maximum if max<=0
func (m *Map) Image(max float32, controlPoints []geom.Point2D) *image.RGBA {
	if max <= 0 {
		max = m.Max()
	}
	img := image.NewRGBA(image.Rect(0, 0, m.Width, m.Height))
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			img.SetRGBA(x, y, ErrorColor(m.Data[y*m.Width+x], max))
		}
	}
	for _, p := range controlPoints {
		x, y := int(p.X/m.Scale), int(p.Y/m.Scale)
		if x >= 0 && x < m.Width && y >= 0 && y < m.Height {
			img.SetRGBA(x, y, colorMark)
		}
	}
	return img
}

// Write the error map as color JPG, with control points marked
func (m *Map) WriteJPG(writer io.Writer, max float32, controlPoints []geom.Point2D, quality int) error {
	return jpeg.Encode(writer, m.Image(max, controlPoints), &jpeg.Options{Quality: quality})
}

// Write the error map as color JPG to the named file
func (m *Map) WriteJPGToFile(fileName string, max float32, controlPoints []geom.Point2D, quality int) error {
	return writeFile(fileName, func(w io.Writer) error { return m.WriteJPG(w, max, controlPoints, quality) })
}

// Write the error map as 16-bit grayscale TIFF, mapping [0,max] to the full range.
// Uses the map maximum if max<=0
func (m *Map) WriteTIFF16(writer io.Writer, max float32) error {
	if max <= 0 {
		max = m.Max()
	}
	scale := float32(0)
	if max > 0 {
		scale = 65535 / max
	}
	img := image.NewGray16(image.Rect(0, 0, m.Width, m.Height))
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			v := m.Data[y*m.Width+x]*scale + 0.5
			if math.IsNaN(float64(v)) || v < 0 {
				v = 0
			} else if v > 65535 {
				v = 65535
			}
			img.SetGray16(x, y, color.Gray16{uint16(v)})
		}
	}
	return tiff.Encode(writer, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}

// Write the error map as 16-bit grayscale TIFF to the named file
func (m *Map) WriteTIFF16ToFile(fileName string, max float32) error {
	return writeFile(fileName, func(w io.Writer) error { return m.WriteTIFF16(w, max) })
}

func writeFile(fileName string, write func(w io.Writer) error) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if err := write(writer); err != nil {
		return err
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	return file.Close()
}
