// Package transform provides the pixel transformations applied to decoded
// images before they enter the memory cache.
//
// Each Transformation exposes a Key describing its full parameterization and
// a Transform function that produces a new image without touching its input.
// A Chain applies transformations strictly in list order and composes their
// keys into the cache-key suffix:
//
//	identifier ";" key(t1) ";" key(t2) ...
//
// Order is significant: [Grayscale, Blur] and [Blur, Grayscale] produce
// different keys. Separator characters inside a single key are escaped so two
// different chains never serialize to the same suffix.
//
// # Available Transformations
//
// Geometry:
//   - Downsample: shrink to a bounding box, keeping aspect ratio
//   - Crop: fixed rectangle with optional scale
//   - CropRatio: centre crop to an aspect ratio with optional zoom
//   - Flip, Rotate
//
// Masks:
//   - Corners: rounded or cut corners, per corner
//   - Circle: centre square masked to a circle
//
// Colour:
//   - Grayscale, Sepia, Tint, Blur
//
// Debugging:
//   - GridOverlay: coordinate grid with optional labels
package transform
