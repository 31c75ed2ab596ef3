package transform

import (
	"context"
	"fmt"
	"image"
	"strings"
)

// Transformation is a pure pixel operation applied to a decoded image.
//
// Implementations must treat src as read-only: the engine may hold other
// references to the pre-transform decode, so Transform always returns a new
// image rather than editing src in place.
type Transformation interface {
	// Key identifies the transformation and its full parameterization.
	// Two transformations with equal keys must produce identical output.
	Key() string

	// Transform returns a new image derived from src.
	Transform(src image.Image) (image.Image, error)
}

// Chain is an ordered list of transformations applied first to last.
type Chain []Transformation

// keyEscaper keeps separator characters inside a single transformation key
// from being confused with the separators between keys.
var keyEscaper = strings.NewReplacer(`\`, `\\`, `;`, `\;`)

// Key returns the cache-key suffix for the chain: ";" followed by each
// transformation key joined with ";". An empty chain yields "".
func (c Chain) Key() string {
	if len(c) == 0 {
		return ""
	}
	var b strings.Builder
	for _, t := range c {
		b.WriteByte(';')
		b.WriteString(keyEscaper.Replace(t.Key()))
	}
	return b.String()
}

// Apply runs every transformation in order. The context is checked between
// stages so a cancelled request stops at the next boundary; a stage already
// running is never interrupted.
func (c Chain) Apply(ctx context.Context, src image.Image) (image.Image, error) {
	img := src
	for i, t := range c {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := t.Transform(img)
		if err != nil {
			return nil, fmt.Errorf("transformation %d (%s) failed: %w", i, t.Key(), err)
		}
		if out == nil {
			return nil, fmt.Errorf("transformation %d (%s) returned no image", i, t.Key())
		}
		img = out
	}
	return img, nil
}

// Func adapts a plain function into a Transformation with the given key.
type Func struct {
	ID string
	Fn func(src image.Image) (image.Image, error)
}

// Key returns the caller supplied identifier.
func (f Func) Key() string { return f.ID }

// Transform calls the wrapped function.
func (f Func) Transform(src image.Image) (image.Image, error) { return f.Fn(src) }

// CacheKey derives the memory-cache key for an identifier and its chain.
// The identifier is escaped like a transformation key. A non-zero downsample
// size takes the first position in the chain, matching the order in which it
// is applied.
func CacheKey(identifier string, chain Chain, downsample Downsample) string {
	identifier = keyEscaper.Replace(identifier)
	if downsample.IsZero() {
		return identifier + chain.Key()
	}
	full := make(Chain, 0, len(chain)+1)
	full = append(full, downsample)
	full = append(full, chain...)
	return identifier + full.Key()
}
