package imaging

import (
	"bytes"
	"context"
	"image"
	"image/color"
	_ "image/gif"  // Register GIF format decoder
	_ "image/jpeg" // Register JPEG format decoder
	_ "image/png"  // Register PNG format decoder

	"github.com/disintegration/imaging"
	"github.com/jmgilman/go/errors"
	_ "golang.org/x/image/bmp"  // Register BMP format decoder
	_ "golang.org/x/image/tiff" // Register TIFF format decoder
	_ "golang.org/x/image/webp" // Register WebP format decoder
)

const (
	// CodeDecodeFailed marks bytes that are corrupt or in an unsupported format.
	CodeDecodeFailed errors.ErrorCode = "DECODE_FAILED"

	// CodeOutOfMemory marks a decode refused because of the memory budget.
	CodeOutOfMemory errors.ErrorCode = "OUT_OF_MEMORY"
)

var (
	// ErrOutOfMemory is matched with errors.Is by callers that need to react
	// to memory pressure.
	ErrOutOfMemory = errors.New(CodeOutOfMemory, "decoded image exceeds memory budget")

	// ErrEmptyData is returned when there are no bytes to decode.
	ErrEmptyData = errors.New(CodeDecodeFailed, "no image data")
)

// DecodeOptions controls a single decode.
type DecodeOptions struct {
	// Transparency keeps the alpha channel. When false, translucent pixels are
	// composited onto white.
	Transparency bool

	// MaxBytes bounds the decoded pixel buffer. Zero disables the check.
	MaxBytes int64
}

// Decoder turns raw bytes into a bitmap.
type Decoder interface {
	Decode(ctx context.Context, data []byte, opts DecodeOptions) (image.Image, error)
}

// DefaultDecoder decodes every format registered with the image package.
type DefaultDecoder struct{}

// Decode checks the header against the memory budget and then decodes the
// full image. The context is consulted between the two steps only; a decode
// in progress is never interrupted.
func (DefaultDecoder) Decode(ctx context.Context, data []byte, opts DecodeOptions) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyData
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, CodeDecodeFailed, "failed to read image header")
	}

	if need := Footprint(cfg); opts.MaxBytes > 0 && need > opts.MaxBytes {
		return nil, errors.WrapWithContext(ErrOutOfMemory, CodeOutOfMemory, "refusing to decode image", map[string]interface{}{
			"width":  cfg.Width,
			"height": cfg.Height,
			"format": format,
			"bytes":  need,
			"budget": opts.MaxBytes,
		})
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(err, CodeDecodeFailed, "failed to decode %s image", format)
	}

	if !opts.Transparency && !Opaque(img) {
		img = Flatten(img, color.White)
	}
	return img, nil
}

// Footprint estimates the decoded size in bytes of an image described by cfg.
// 16-bit colour models use eight bytes per pixel, everything else four.
func Footprint(cfg image.Config) int64 {
	bpp := int64(4)
	switch cfg.ColorModel {
	case color.RGBA64Model, color.NRGBA64Model, color.Gray16Model:
		bpp = 8
	}
	return int64(cfg.Width) * int64(cfg.Height) * bpp
}

// Flatten composites img onto an opaque background of colour bg.
func Flatten(img image.Image, bg color.Color) image.Image {
	b := img.Bounds()
	dst := imaging.New(b.Dx(), b.Dy(), bg)
	return imaging.Overlay(dst, img, image.Pt(0, 0), 1.0)
}
