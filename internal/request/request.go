// Package request describes what the engine should load.
//
// A Descriptor is built once through a fluent Builder and is read-only
// afterwards. The scheduler disposes it when the owning task finishes, which
// drops every callback and transformation reference it holds.
package request

import (
	"context"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"

	"github.com/ironsheep/image-loader/internal/transform"
)

// CodeDisposed marks use of a descriptor after its task finished.
const CodeDisposed errors.ErrorCode = "DISPOSED"

var (
	// ErrInvalidArgument is returned by Build when a setter received a value
	// it cannot accept, or when the source identifier is empty.
	ErrInvalidArgument = errors.New(errors.CodeInvalidInput, "invalid request argument")

	// ErrDisposed is returned when a disposed descriptor is handed to the
	// engine.
	ErrDisposed = errors.New(CodeDisposed, "request descriptor has been disposed")
)

// SourceKind selects the resolver for a request.
type SourceKind int

const (
	SourceURL SourceKind = iota + 1
	SourceFile
	SourceBundle
	SourceCompiledResource
	SourceStream
)

func (k SourceKind) String() string {
	switch k {
	case SourceURL:
		return "url"
	case SourceFile:
		return "file"
	case SourceBundle:
		return "bundle"
	case SourceCompiledResource:
		return "compiled_resource"
	case SourceStream:
		return "stream"
	default:
		return fmt.Sprintf("SourceKind(%d)", int(k))
	}
}

// StreamFactory opens the caller supplied byte stream. It is consumed once.
type StreamFactory func(ctx context.Context) (io.ReadCloser, error)

// LoadingResult tells the caller where a delivered image came from.
type LoadingResult int

const (
	Internet LoadingResult = iota + 1
	DiskCache
	MemoryCache
	Local
)

func (r LoadingResult) String() string {
	switch r {
	case Internet:
		return "internet"
	case DiskCache:
		return "disk_cache"
	case MemoryCache:
		return "memory_cache"
	case Local:
		return "local"
	default:
		return "unknown"
	}
}

// Success is delivered to OnSuccess.
type Success struct {
	Image  image.Image
	Size   int64 // decoded pixel footprint in bytes
	Result LoadingResult
	Fade   bool
}

// ScheduledWork is the unit of work handed to OnFinish. Cancelled reports
// whether it ended by cancellation rather than success or failure.
type ScheduledWork interface {
	Key() string
	Cancelled() bool
	Attempts() int
}

// Callbacks are the outcome sinks of a request. Any of them may be nil.
type Callbacks struct {
	OnSuccess func(Success)
	OnError   func(error)
	OnFinish  func(ScheduledWork)
}

// Descriptor is an immutable image request.
type Descriptor struct {
	source     SourceKind
	path       string
	cacheTTL   *time.Duration
	downsample transform.Downsample
	retryCount int
	retryDelay time.Duration
	alpha      *bool
	fade       *bool
	target     string

	mu        sync.Mutex
	stream    StreamFactory
	chain     transform.Chain
	callbacks Callbacks
	disposed  bool
}

// Source returns the kind of resource requested.
func (d *Descriptor) Source() SourceKind { return d.source }

// Identifier is the resolver-level identity: the path or URL, or
// "stream:<id>" for streams.
func (d *Descriptor) Identifier() string { return d.path }

// CacheDuration returns the disk-cache lifetime override, if any.
func (d *Descriptor) CacheDuration() (time.Duration, bool) {
	if d.cacheTTL == nil {
		return 0, false
	}
	return *d.cacheTTL, true
}

// DownSample returns the requested target size; the zero value means none.
func (d *Descriptor) DownSample() transform.Downsample { return d.downsample }

// Retry returns the retry count and the delay between attempts.
func (d *Descriptor) Retry() (int, time.Duration) { return d.retryCount, d.retryDelay }

// Transparency resolves the transparency-channel flag against def.
func (d *Descriptor) Transparency(def bool) bool {
	if d.alpha == nil {
		return def
	}
	return *d.alpha
}

// Fade resolves the fade-animation flag against def.
func (d *Descriptor) Fade(def bool) bool {
	if d.fade == nil {
		return def
	}
	return *d.fade
}

// Target is the identity of the rendering slot the request fills, or "".
func (d *Descriptor) Target() string { return d.target }

// Stream returns the stream factory, nil once disposed or for other sources.
func (d *Descriptor) Stream() StreamFactory {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stream
}

// Transformations returns a copy of the chain.
func (d *Descriptor) Transformations() transform.Chain {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append(transform.Chain(nil), d.chain...)
}

// Callbacks returns the outcome sinks. All are nil once disposed.
func (d *Descriptor) Callbacks() Callbacks {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.callbacks
}

// CacheKey derives the memory-cache key: identifier, downsample and then
// each transformation in application order. Callbacks never take part.
func (d *Descriptor) CacheKey() (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	return transform.CacheKey(d.path, d.Transformations(), d.downsample), nil
}

// Validate reports ErrDisposed or ErrInvalidArgument for descriptors the
// engine must not run.
func (d *Descriptor) Validate() error {
	if d == nil {
		return errors.Wrap(ErrInvalidArgument, errors.CodeInvalidInput, "nil descriptor")
	}
	if d.Disposed() {
		return ErrDisposed
	}
	if d.path == "" {
		return errors.Wrap(ErrInvalidArgument, errors.CodeInvalidInput, "empty identifier")
	}
	return nil
}

// Dispose drops callbacks, transformations and the stream factory. Calling
// it again has no effect.
func (d *Descriptor) Dispose() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disposed = true
	d.stream = nil
	d.chain = nil
	d.callbacks = Callbacks{}
}

// Disposed reports whether Dispose has been called.
func (d *Descriptor) Disposed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disposed
}
