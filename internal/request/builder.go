package request

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jmgilman/go/errors"

	"github.com/ironsheep/image-loader/internal/transform"
)

var streamIDs atomic.Uint64

// Builder assembles a Descriptor. Setters return the builder so calls can be
// chained; the last call wins for every option except Transform, which
// appends.
//
// Setters never panic. A rejected value is remembered and reported by Build.
type Builder struct {
	source     SourceKind
	path       string
	stream     StreamFactory
	cacheTTL   *time.Duration
	downsample transform.Downsample
	chain      transform.Chain
	retryCount int
	retryDelay time.Duration
	alpha      *bool
	fade       *bool
	target     string
	callbacks  Callbacks

	errs []string
}

// FromURL requests a remote image. Fetched bytes go through the disk cache.
func FromURL(url string) *Builder {
	return &Builder{source: SourceURL, path: url}
}

// FromFile requests an image from the local filesystem.
func FromFile(path string) *Builder {
	return &Builder{source: SourceFile, path: path}
}

// FromBundle requests an image packaged with the application.
func FromBundle(path string) *Builder {
	return &Builder{source: SourceBundle, path: path}
}

// FromCompiledResource requests a compiled resource by name, without its
// file extension.
func FromCompiledResource(name string) *Builder {
	return &Builder{source: SourceCompiledResource, path: name}
}

// FromStream requests an image read from a caller supplied stream. Every
// descriptor built from the returned builder shares one stream identity.
func FromStream(factory StreamFactory) *Builder {
	b := &Builder{
		source: SourceStream,
		path:   fmt.Sprintf("stream:%d", streamIDs.Add(1)),
		stream: factory,
	}
	if factory == nil {
		b.reject("nil stream factory")
	}
	return b
}

func (b *Builder) reject(format string, args ...any) {
	b.errs = append(b.errs, fmt.Sprintf(format, args...))
}

// CacheDuration overrides how long fetched bytes stay in the disk cache.
func (b *Builder) CacheDuration(d time.Duration) *Builder {
	if d <= 0 {
		b.reject("cache duration must be positive, got %s", d)
		return b
	}
	b.cacheTTL = &d
	return b
}

// DownSample shrinks the decoded image to fit width x height. Either
// dimension may be zero to keep the aspect ratio.
func (b *Builder) DownSample(width, height int) *Builder {
	if width < 0 || height < 0 {
		b.reject("negative downsample size %dx%d", width, height)
		return b
	}
	b.downsample = transform.Downsample{Width: width, Height: height}
	return b
}

// Transform appends transformations to the chain.
func (b *Builder) Transform(ts ...transform.Transformation) *Builder {
	for _, t := range ts {
		if t == nil {
			b.reject("nil transformation")
			continue
		}
		b.chain = append(b.chain, t)
	}
	return b
}

// Retry sets how many times a failed attempt is repeated and the pause
// between attempts.
func (b *Builder) Retry(count int, delay time.Duration) *Builder {
	if count < 0 || delay < 0 {
		b.reject("invalid retry policy count=%d delay=%s", count, delay)
		return b
	}
	b.retryCount, b.retryDelay = count, delay
	return b
}

// Transparency overrides whether the alpha channel is kept.
func (b *Builder) Transparency(on bool) *Builder {
	b.alpha = &on
	return b
}

// Fade overrides whether the renderer should fade the image in.
func (b *Builder) Fade(on bool) *Builder {
	b.fade = &on
	return b
}

// Target names the rendering slot the image is for. A later request for the
// same slot cancels this one.
func (b *Builder) Target(id string) *Builder {
	b.target = id
	return b
}

// OnSuccess sets the success callback.
func (b *Builder) OnSuccess(fn func(Success)) *Builder {
	if fn == nil {
		b.reject("nil success callback")
		return b
	}
	b.callbacks.OnSuccess = fn
	return b
}

// OnError sets the error callback.
func (b *Builder) OnError(fn func(error)) *Builder {
	if fn == nil {
		b.reject("nil error callback")
		return b
	}
	b.callbacks.OnError = fn
	return b
}

// OnFinish sets the callback that always fires last.
func (b *Builder) OnFinish(fn func(ScheduledWork)) *Builder {
	if fn == nil {
		b.reject("nil finish callback")
		return b
	}
	b.callbacks.OnFinish = fn
	return b
}

// Build returns a new read-only descriptor. It may be called any number of
// times; descriptors do not share mutable state with the builder or each
// other.
func (b *Builder) Build() (*Descriptor, error) {
	if len(b.errs) > 0 {
		return nil, errors.WithContext(
			errors.Wrapf(ErrInvalidArgument, errors.CodeInvalidInput, "%s", b.errs[0]),
			"rejected", len(b.errs))
	}
	if b.path == "" {
		return nil, errors.Wrap(ErrInvalidArgument, errors.CodeInvalidInput, "empty source identifier")
	}

	d := &Descriptor{
		source:     b.source,
		path:       b.path,
		downsample: b.downsample,
		retryCount: b.retryCount,
		retryDelay: b.retryDelay,
		target:     b.target,
		stream:     b.stream,
		chain:      append(transform.Chain(nil), b.chain...),
		callbacks:  b.callbacks,
	}
	if b.cacheTTL != nil {
		v := *b.cacheTTL
		d.cacheTTL = &v
	}
	if b.alpha != nil {
		v := *b.alpha
		d.alpha = &v
	}
	if b.fade != nil {
		v := *b.fade
		d.fade = &v
	}
	return d, nil
}
