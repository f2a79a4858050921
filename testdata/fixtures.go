// Package testdata generates synthetic frames for capture and pipeline tests.
package testdata

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

// Frame width and height used by the fixtures.
const (
	Width  = 640
	Height = 480
)

// NewFrame returns a BGR frame filled with a flat gray level and a bright
// square whose position depends on shade, so consecutive fixtures differ.
// The caller owns the Mat.
func NewFrame(shade uint8) *gocv.Mat {
	mat := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(float64(shade), float64(shade), float64(shade), 0), Height, Width, gocv.MatTypeCV8UC3)

	offset := int(shade) % (Width - 100)
	rect := image.Rect(offset, 100, offset+80, 180)
	gocv.Rectangle(&mat, rect, color.RGBA{255, 255, 255, 0}, -1)

	return &mat
}

// NewSequence returns n distinct frames. Close them with CloseAll.
func NewSequence(n int) []*gocv.Mat {
	frames := make([]*gocv.Mat, 0, n)
	for i := 0; i < n; i++ {
		frames = append(frames, NewFrame(uint8(i*16)))
	}
	return frames
}

// CloseAll releases every frame in frames.
func CloseAll(frames []*gocv.Mat) {
	for _, f := range frames {
		if f != nil {
			f.Close()
		}
	}
}
