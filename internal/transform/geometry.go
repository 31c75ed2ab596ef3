package transform

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

// Downsample shrinks an image to fit Width x Height while keeping its aspect
// ratio. A zero dimension is derived from the other one. Images already
// smaller than the target are returned as an unmodified copy; Downsample never
// upscales.
type Downsample struct {
	Width  int
	Height int
}

// IsZero reports whether no downsampling was requested.
func (d Downsample) IsZero() bool {
	return d.Width <= 0 && d.Height <= 0
}

// Key returns the downsample parameterization.
func (d Downsample) Key() string {
	return fmt.Sprintf("DownsampleTransformation,width=%d,height=%d", d.Width, d.Height)
}

// Transform resizes src using Lanczos resampling.
func (d Downsample) Transform(src image.Image) (image.Image, error) {
	b := src.Bounds()
	w, h := d.Width, d.Height
	if w < 0 || h < 0 {
		return nil, fmt.Errorf("invalid downsample size %dx%d", w, h)
	}
	if d.IsZero() {
		return imaging.Clone(src), nil
	}

	switch {
	case w > 0 && h > 0:
		return imaging.Fit(src, w, h, imaging.Lanczos), nil
	case w > 0:
		if b.Dx() <= w {
			return imaging.Clone(src), nil
		}
		return imaging.Resize(src, w, 0, imaging.Lanczos), nil
	default:
		if b.Dy() <= h {
			return imaging.Clone(src), nil
		}
		return imaging.Resize(src, 0, h, imaging.Lanczos), nil
	}
}

// Crop extracts a fixed rectangle from an image and optionally scales it.
//
// (X1, Y1) is inclusive and (X2, Y2) exclusive, in image coordinates. A Scale
// of 0 or 1 keeps the cropped size.
type Crop struct {
	X1, Y1, X2, Y2 int
	Scale          float64
}

// Key returns the crop rectangle and scale.
func (c Crop) Key() string {
	return fmt.Sprintf("CropTransformation,rect=%d,%d,%d,%d,scale=%g", c.X1, c.Y1, c.X2, c.Y2, c.Scale)
}

// Transform validates the region against src bounds and crops it.
func (c Crop) Transform(src image.Image) (image.Image, error) {
	bounds := src.Bounds()

	if c.X1 < bounds.Min.X || c.Y1 < bounds.Min.Y || c.X2 > bounds.Max.X || c.Y2 > bounds.Max.Y {
		return nil, fmt.Errorf("crop region (%d,%d)-(%d,%d) outside image bounds (%d,%d)-(%d,%d)",
			c.X1, c.Y1, c.X2, c.Y2, bounds.Min.X, bounds.Min.Y, bounds.Max.X, bounds.Max.Y)
	}
	if c.X1 >= c.X2 || c.Y1 >= c.Y2 {
		return nil, fmt.Errorf("invalid crop region: x1 must be < x2, y1 must be < y2")
	}

	cropped := imaging.Crop(src, image.Rect(c.X1, c.Y1, c.X2, c.Y2))

	if c.Scale != 1.0 && c.Scale > 0 {
		newWidth := int(float64(cropped.Bounds().Dx()) * c.Scale)
		newHeight := int(float64(cropped.Bounds().Dy()) * c.Scale)
		if newWidth < 1 || newHeight < 1 {
			return nil, fmt.Errorf("scale %g collapses %dx%d crop", c.Scale, cropped.Bounds().Dx(), cropped.Bounds().Dy())
		}
		cropped = imaging.Resize(cropped, newWidth, newHeight, imaging.Lanczos)
	}

	return cropped, nil
}

// CropRatio crops the centre of an image to the WidthRatio:HeightRatio aspect
// and then zooms in by Zoom (values <= 1 mean no zoom).
type CropRatio struct {
	WidthRatio  float64
	HeightRatio float64
	Zoom        float64
}

// Key returns the ratio and zoom parameters.
func (c CropRatio) Key() string {
	return fmt.Sprintf("CropRatioTransformation,ratio=%g:%g,zoom=%g", c.WidthRatio, c.HeightRatio, c.Zoom)
}

// Transform performs the centre crop.
func (c CropRatio) Transform(src image.Image) (image.Image, error) {
	if c.WidthRatio <= 0 || c.HeightRatio <= 0 {
		return nil, fmt.Errorf("invalid crop ratio %g:%g", c.WidthRatio, c.HeightRatio)
	}
	w, h := ratioSize(src.Bounds(), c.WidthRatio, c.HeightRatio)
	if c.Zoom > 1 {
		w /= c.Zoom
		h /= c.Zoom
	}
	return imaging.CropCenter(src, atLeastOne(w), atLeastOne(h)), nil
}

// ratioSize returns the largest width/height inside b having the given aspect.
func ratioSize(b image.Rectangle, widthRatio, heightRatio float64) (float64, float64) {
	w := float64(b.Dx())
	h := float64(b.Dy())
	desired := widthRatio / heightRatio
	current := w / h
	switch {
	case current > desired:
		w = widthRatio * h / heightRatio
	case current < desired:
		h = heightRatio * w / widthRatio
	}
	return w, h
}

func atLeastOne(v float64) int {
	n := int(math.Round(v))
	if n < 1 {
		return 1
	}
	return n
}

// FlipDirection selects the mirror axis for Flip.
type FlipDirection int

const (
	// FlipHorizontal mirrors left to right.
	FlipHorizontal FlipDirection = iota
	// FlipVertical mirrors top to bottom.
	FlipVertical
)

func (d FlipDirection) String() string {
	if d == FlipVertical {
		return "vertical"
	}
	return "horizontal"
}

// Flip mirrors an image along one axis.
type Flip struct {
	Direction FlipDirection
}

// Key returns the flip axis.
func (f Flip) Key() string {
	return "FlipTransformation,direction=" + f.Direction.String()
}

// Transform mirrors src.
func (f Flip) Transform(src image.Image) (image.Image, error) {
	if f.Direction == FlipVertical {
		return imaging.FlipV(src), nil
	}
	return imaging.FlipH(src), nil
}

// Rotate turns an image counter-clockwise by Degrees. Uncovered areas are
// transparent.
type Rotate struct {
	Degrees float64
}

// Key returns the rotation angle.
func (r Rotate) Key() string {
	return fmt.Sprintf("RotateTransformation,degrees=%g", r.Degrees)
}

// Transform rotates src.
func (r Rotate) Transform(src image.Image) (image.Image, error) {
	return imaging.Rotate(src, r.Degrees, color.Transparent), nil
}
