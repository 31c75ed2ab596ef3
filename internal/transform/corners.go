package transform

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// CornerType is a bit set describing how each corner is shaped.
// A corner with neither its Rounded nor its Cut bit set stays square.
type CornerType uint16

const (
	TopLeftRounded CornerType = 1 << iota
	TopLeftCut
	TopRightRounded
	TopRightCut
	BottomLeftRounded
	BottomLeftCut
	BottomRightRounded
	BottomRightCut

	AllRounded = TopLeftRounded | TopRightRounded | BottomLeftRounded | BottomRightRounded
	AllCut     = TopLeftCut | TopRightCut | BottomLeftCut | BottomRightCut
)

// Has reports whether every bit of flag is set.
func (t CornerType) Has(flag CornerType) bool {
	return t&flag == flag
}

// Corners rounds or cuts the corners of an image after an optional centre
// crop to CropWidthRatio:CropHeightRatio.
//
// Corner sizes are percentages of the mean of the cropped width and height,
// so the same transformation looks alike across image sizes. Zero crop ratios
// skip the crop; NewCorners uses 1:1 and therefore yields a square.
type Corners struct {
	TopLeft     float64
	TopRight    float64
	BottomLeft  float64
	BottomRight float64
	Type        CornerType

	CropWidthRatio  float64
	CropHeightRatio float64
}

// NewCorners returns a Corners transformation with one size for every corner
// and a square crop.
func NewCorners(size float64, t CornerType) Corners {
	return Corners{
		TopLeft:         size,
		TopRight:        size,
		BottomLeft:      size,
		BottomRight:     size,
		Type:            t,
		CropWidthRatio:  1,
		CropHeightRatio: 1,
	}
}

// Key returns every corner size, the corner type and the crop ratios.
func (c Corners) Key() string {
	return fmt.Sprintf("CornersTransformation,sizes=%g/%g/%g/%g,type=%d,cropWidthRatio=%g,cropHeightRatio=%g",
		c.TopLeft, c.TopRight, c.BottomRight, c.BottomLeft, c.Type, c.CropWidthRatio, c.CropHeightRatio)
}

func (c Corners) cropWidth() float64 {
	if c.CropWidthRatio <= 0 {
		return 1
	}
	return c.CropWidthRatio
}

func (c Corners) cropHeight() float64 {
	if c.CropHeightRatio <= 0 {
		return 1
	}
	return c.CropHeightRatio
}

// Transform crops src and masks its corners with anti-aliased edges.
func (c Corners) Transform(src image.Image) (image.Image, error) {
	fw, fh := src.Bounds().Dx(), src.Bounds().Dy()
	if fw == 0 || fh == 0 {
		return nil, fmt.Errorf("cannot shape corners of an empty image")
	}
	if c.CropWidthRatio != 0 || c.CropHeightRatio != 0 {
		w, h := ratioSize(src.Bounds(), c.cropWidth(), c.cropHeight())
		fw, fh = atLeastOne(w), atLeastOne(h)
	}

	dst := imaging.CropCenter(src, fw, fh)

	scale := float64(fw+fh) / 2 / 100
	shapes := [4]struct {
		radius       float64
		rounded, cut bool
		cx, cy       float64 // corner origin
		sx, sy       float64 // direction pointing into the image
	}{
		{c.TopLeft * scale, c.Type.Has(TopLeftRounded), c.Type.Has(TopLeftCut), 0, 0, 1, 1},
		{c.TopRight * scale, c.Type.Has(TopRightRounded), c.Type.Has(TopRightCut), float64(fw), 0, -1, 1},
		{c.BottomLeft * scale, c.Type.Has(BottomLeftRounded), c.Type.Has(BottomLeftCut), 0, float64(fh), 1, -1},
		{c.BottomRight * scale, c.Type.Has(BottomRightRounded), c.Type.Has(BottomRightCut), float64(fw), float64(fh), -1, -1},
	}

	for y := 0; y < fh; y++ {
		for x := 0; x < fw; x++ {
			px, py := float64(x)+0.5, float64(y)+0.5
			coverage := 1.0
			for _, s := range shapes {
				if s.radius <= 0 || (!s.rounded && !s.cut) {
					continue
				}
				// local coordinates measured from the corner into the image
				lx := (px - s.cx) * s.sx
				ly := (py - s.cy) * s.sy
				if lx >= s.radius || ly >= s.radius {
					continue
				}
				if s.cut {
					coverage = math.Min(coverage, clamp01((lx+ly-s.radius)/math.Sqrt2+0.5))
				} else {
					dist := math.Hypot(s.radius-lx, s.radius-ly)
					coverage = math.Min(coverage, clamp01(s.radius-dist+0.5))
				}
			}
			if coverage < 1 {
				i := dst.PixOffset(x, y) + 3
				dst.Pix[i] = uint8(float64(dst.Pix[i])*coverage + 0.5)
			}
		}
	}
	return dst, nil
}

// Circle crops the centre square of an image and masks it to a circle.
type Circle struct{}

// Key identifies the circle mask.
func (Circle) Key() string { return "CircleTransformation" }

// Transform returns a square NRGBA image whose outside-circle pixels are
// transparent.
func (Circle) Transform(src image.Image) (image.Image, error) {
	side := src.Bounds().Dx()
	if h := src.Bounds().Dy(); h < side {
		side = h
	}
	if side == 0 {
		return nil, fmt.Errorf("cannot mask an empty image")
	}
	dst := imaging.CropCenter(src, side, side)
	r := float64(side) / 2
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			dist := math.Hypot(float64(x)+0.5-r, float64(y)+0.5-r)
			coverage := clamp01(r - dist + 0.5)
			if coverage < 1 {
				i := dst.PixOffset(x, y) + 3
				dst.Pix[i] = uint8(float64(dst.Pix[i])*coverage + 0.5)
			}
		}
	}
	return dst, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
