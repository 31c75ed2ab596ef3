// Package imaging decodes raw image bytes into bitmaps and reports facts about
// them for the loader engine.
//
// Decoding is exposed as the Decoder capability so the engine can be driven by
// a fake in tests. DefaultDecoder understands PNG, JPEG and GIF from the
// standard library plus BMP, TIFF and WebP from golang.org/x/image.
//
// # Memory Budget
//
// Go cannot recover from a failed allocation, so the decoder reads the image
// header first and refuses any image whose decoded pixel buffer would exceed
// DecodeOptions.MaxBytes. That refusal is reported as ErrOutOfMemory, which the
// engine treats as memory pressure rather than a bad request.
//
// # Transparency
//
// When DecodeOptions.Transparency is false, images that carry an alpha channel
// are flattened onto an opaque white background.
//
// # Coordinate System
//
// All pixel coordinates are 0-based with (0,0) at the top-left corner, X
// increasing rightward and Y increasing downward.
package imaging
