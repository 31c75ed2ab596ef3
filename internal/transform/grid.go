package transform

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strconv"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
)

// GridOverlay draws a coordinate grid over an image, which helps when
// checking how other transformations place content.
type GridOverlay struct {
	Spacing         int
	ShowCoordinates bool
	// Color is "#RRGGBB" or "#RRGGBBAA". Unparseable values fall back to
	// semi-transparent red.
	Color string
}

// Key returns the grid parameters.
func (g GridOverlay) Key() string {
	return fmt.Sprintf("GridOverlayTransformation,spacing=%d,coordinates=%t,color=%s", g.Spacing, g.ShowCoordinates, g.Color)
}

// Transform returns an RGBA copy of src with the grid drawn on top.
func (g GridOverlay) Transform(src image.Image) (image.Image, error) {
	if g.Spacing <= 0 {
		return nil, fmt.Errorf("grid spacing must be positive, got %d", g.Spacing)
	}

	bounds := src.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	gridColor, err := parseHexColor(g.Color)
	if err != nil {
		gridColor = color.NRGBA{255, 0, 0, 128}
	}

	result := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(result, result.Bounds(), src, bounds.Min, draw.Src)

	for x := g.Spacing; x < width; x += g.Spacing {
		for y := 0; y < height; y++ {
			result.Set(x, y, gridColor)
		}
	}
	for y := g.Spacing; y < height; y += g.Spacing {
		for x := 0; x < width; x++ {
			result.Set(x, y, gridColor)
		}
	}

	if g.ShowCoordinates {
		labelColor := color.RGBA{255, 255, 255, 255}
		bgColor := color.RGBA{0, 0, 0, 180}

		for y := g.Spacing; y < height; y += g.Spacing {
			for x := g.Spacing; x < width; x += g.Spacing {
				drawLabel(result, x+2, y+2, strconv.Itoa(x)+","+strconv.Itoa(y), labelColor, bgColor)
			}
		}
	}

	return result, nil
}

// parseHexColor parses "#RRGGBB" or "#RRGGBBAA"; the leading '#' is optional.
func parseHexColor(hex string) (color.NRGBA, error) {
	s := strings.TrimPrefix(hex, "#")
	if s == "" {
		return color.NRGBA{}, fmt.Errorf("empty color string")
	}

	var a uint8 = 255
	switch len(s) {
	case 6:
	case 8:
		v, err := strconv.ParseUint(s[6:], 16, 8)
		if err != nil {
			return color.NRGBA{}, err
		}
		a = uint8(v)
		s = s[:6]
	default:
		return color.NRGBA{}, fmt.Errorf("invalid hex color length")
	}

	c, err := colorful.Hex("#" + s)
	if err != nil {
		return color.NRGBA{}, err
	}
	r, g, b := c.RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: a}, nil
}

// labelGlyphs is a 3x5 pixel font covering digits and the comma.
var labelGlyphs = map[rune][]string{
	'0': {"111", "101", "101", "101", "111"},
	'1': {"010", "110", "010", "010", "111"},
	'2': {"111", "001", "111", "100", "111"},
	'3': {"111", "001", "111", "001", "111"},
	'4': {"101", "101", "111", "001", "001"},
	'5': {"111", "100", "111", "001", "111"},
	'6': {"111", "100", "111", "101", "111"},
	'7': {"111", "001", "001", "001", "001"},
	'8': {"111", "101", "111", "101", "111"},
	'9': {"111", "101", "111", "001", "111"},
	',': {"000", "000", "000", "010", "010"},
}

// drawLabel renders text at (x, y) on a filled background box. Pixels
// outside img are skipped and unknown runes leave a blank cell.
func drawLabel(img *image.RGBA, x, y int, text string, fg, bg color.RGBA) {
	const charWidth, labelHeight = 4, 7
	bounds := img.Bounds()
	inside := func(px, py int) bool {
		return image.Pt(px, py).In(bounds)
	}

	labelWidth := len(text) * charWidth
	for dy := -1; dy < labelHeight; dy++ {
		for dx := -1; dx < labelWidth; dx++ {
			if inside(x+dx, y+dy) {
				img.Set(x+dx, y+dy, bg)
			}
		}
	}

	cx := x
	for _, ch := range text {
		for row, line := range labelGlyphs[ch] {
			for col, pixel := range line {
				if pixel == '1' && inside(cx+col, y+row) {
					img.Set(cx+col, y+row, fg)
				}
			}
		}
		cx += charWidth
	}
}
