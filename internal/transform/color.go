package transform

import (
	"fmt"
	"image"

	"github.com/anthonynsimon/bild/blur"
	"github.com/anthonynsimon/bild/effect"
	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
)

// Grayscale converts an image to luminance while preserving its alpha channel.
type Grayscale struct{}

// Key identifies the grayscale conversion.
func (Grayscale) Key() string { return "GrayscaleTransformation" }

// Transform returns an NRGBA image with equal R, G and B components.
func (Grayscale) Transform(src image.Image) (image.Image, error) {
	dst := imaging.Clone(src)
	gray := effect.Grayscale(dst)
	b := dst.Bounds()
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			v := gray.Pix[gray.PixOffset(x, y)]
			i := dst.PixOffset(x, y)
			dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2] = v, v, v
		}
	}
	return dst, nil
}

// Sepia applies a sepia tone.
type Sepia struct{}

// Key identifies the sepia conversion.
func (Sepia) Key() string { return "SepiaTransformation" }

// Transform returns a sepia-toned RGBA copy of src.
func (Sepia) Transform(src image.Image) (image.Image, error) {
	return effect.Sepia(src), nil
}

// Blur applies a gaussian blur with the given radius in pixels.
type Blur struct {
	Radius float64
}

// Key returns the blur radius.
func (b Blur) Key() string {
	return fmt.Sprintf("BlurredTransformation,radius=%g", b.Radius)
}

// Transform blurs src. A radius of zero returns an unmodified copy.
func (b Blur) Transform(src image.Image) (image.Image, error) {
	if b.Radius < 0 {
		return nil, fmt.Errorf("invalid blur radius %g", b.Radius)
	}
	if b.Radius == 0 {
		return imaging.Clone(src), nil
	}
	return blur.Gaussian(src, b.Radius), nil
}

// Tint blends every pixel toward Color by Strength (0..1) in CIE-L*a*b*
// space. Color is a "#RRGGBB" hex string.
type Tint struct {
	Color    string
	Strength float64
}

// Key returns the tint colour and strength.
func (t Tint) Key() string {
	return fmt.Sprintf("TintTransformation,color=%s,strength=%g", t.Color, t.Strength)
}

// Transform blends src toward the tint colour, leaving alpha untouched.
func (t Tint) Transform(src image.Image) (image.Image, error) {
	tint, err := colorful.Hex(t.Color)
	if err != nil {
		return nil, fmt.Errorf("invalid tint color %q: %w", t.Color, err)
	}
	if t.Strength < 0 || t.Strength > 1 {
		return nil, fmt.Errorf("tint strength %g outside [0,1]", t.Strength)
	}

	dst := imaging.Clone(src)
	cache := make(map[[3]uint8][3]uint8)
	for i := 0; i+3 < len(dst.Pix); i += 4 {
		in := [3]uint8{dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2]}
		out, ok := cache[in]
		if !ok {
			c := colorful.Color{R: float64(in[0]) / 255, G: float64(in[1]) / 255, B: float64(in[2]) / 255}
			r, g, b := c.BlendLab(tint, t.Strength).Clamped().RGB255()
			out = [3]uint8{r, g, b}
			cache[in] = out
		}
		dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2] = out[0], out[1], out[2]
	}
	return dst, nil
}
