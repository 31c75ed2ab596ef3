// Package resolver turns a request identifier into raw image bytes.
//
// Remote URLs go through the disk cache. Every other source is already local
// and is read again on each call.
package resolver

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/jmgilman/go/errors"
	slogctx "github.com/veqryn/slog-context"

	"github.com/ironsheep/image-loader/internal/diskcache"
	"github.com/ironsheep/image-loader/internal/request"
)

// Provenance records where resolved bytes came from.
type Provenance int

const (
	Disk Provenance = iota + 1
	Network
	Local
	Bundle
)

func (p Provenance) String() string {
	switch p {
	case Disk:
		return "disk"
	case Network:
		return "network"
	case Local:
		return "local"
	case Bundle:
		return "bundle"
	default:
		return "unknown"
	}
}

// Result maps provenance onto what the caller is told on success.
func (p Provenance) Result() request.LoadingResult {
	switch p {
	case Disk:
		return request.DiskCache
	case Network:
		return request.Internet
	default:
		return request.Local
	}
}

// Data is the outcome of a resolve.
type Data struct {
	Bytes      []byte
	Provenance Provenance
	Identifier string
}

// Resolver produces the bytes for an identifier.
type Resolver interface {
	Resolve(ctx context.Context, identifier string) (Data, error)
}

// DefaultExtensions are tried, in order, for compiled resources.
var DefaultExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp", ".tiff"}

var errEmptyIdentifier = errors.New(errors.CodeInvalidInput, "empty identifier")

// classify maps a read failure onto an error code, keeping its cause.
func classify(err error, identifier string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return errors.WrapWithContext(err, errors.CodeNotFound, "image resource not found",
			map[string]interface{}{"identifier": identifier})
	}
	if errors.Is(err, fs.ErrInvalid) {
		return errors.WrapWithContext(err, errors.CodeInvalidInput, "invalid resource path",
			map[string]interface{}{"identifier": identifier})
	}
	return errors.WrapWithContext(err, errors.CodeInternal, "failed to read image resource",
		map[string]interface{}{"identifier": identifier})
}

// URL resolves remote images through the disk cache.
type URL struct {
	Cache *diskcache.Cache
	TTL   *time.Duration
}

// Resolve returns the cached bytes, fetching them when absent or expired.
func (r URL) Resolve(ctx context.Context, identifier string) (Data, error) {
	if identifier == "" {
		return Data{}, errEmptyIdentifier
	}
	e, err := r.Cache.Get(ctx, identifier, r.TTL)
	if err != nil {
		return Data{}, err
	}
	p := Network
	if e.FromDisk {
		p = Disk
	}
	slogctx.FromCtx(ctx).Debug("resolved url", "identifier", identifier, "provenance", p, "bytes", len(e.Data))
	return Data{Bytes: e.Data, Provenance: p, Identifier: identifier}, nil
}

// File reads from a billy filesystem. A nil FS reads the host filesystem,
// with relative paths taken from the working directory.
type File struct {
	FS billy.Filesystem
}

// Resolve reads the file at identifier.
func (r File) Resolve(ctx context.Context, identifier string) (Data, error) {
	if identifier == "" {
		return Data{}, errEmptyIdentifier
	}
	fsys, name := r.FS, identifier
	if fsys == nil {
		abs, err := filepath.Abs(identifier)
		if err != nil {
			return Data{}, errors.Wrap(err, errors.CodeInvalidInput, "invalid file path")
		}
		fsys, name = osfs.New(string(filepath.Separator)), abs
	}

	info, err := fsys.Stat(name)
	if err != nil {
		return Data{}, classify(err, identifier)
	}
	if info.IsDir() {
		return Data{}, errors.WithContext(
			errors.New(errors.CodeInvalidInput, "image path is a directory"), "identifier", identifier)
	}
	data, err := util.ReadFile(fsys, name)
	if err != nil {
		return Data{}, classify(err, identifier)
	}
	return Data{Bytes: data, Provenance: Local, Identifier: identifier}, nil
}

// BundleFS reads resources packaged with the application, typically an
// embed.FS.
type BundleFS struct {
	FS fs.FS
}

// Resolve reads the resource at identifier. A leading slash is ignored.
func (r BundleFS) Resolve(ctx context.Context, identifier string) (Data, error) {
	name := strings.TrimPrefix(identifier, "/")
	if name == "" {
		return Data{}, errEmptyIdentifier
	}
	if r.FS == nil {
		return Data{}, errors.WithContext(
			errors.New(errors.CodeNotFound, "no application bundle configured"), "identifier", identifier)
	}
	data, err := fs.ReadFile(r.FS, name)
	if err != nil {
		return Data{}, classify(err, identifier)
	}
	return Data{Bytes: data, Provenance: Bundle, Identifier: identifier}, nil
}

// CompiledResource reads named resources, trying each extension in turn
// when the name has none of its own.
type CompiledResource struct {
	FS         fs.FS
	Extensions []string
}

// Resolve returns the first resource matching identifier.
func (r CompiledResource) Resolve(ctx context.Context, identifier string) (Data, error) {
	if identifier == "" {
		return Data{}, errEmptyIdentifier
	}
	exts := r.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}

	candidates := []string{identifier}
	if path.Ext(identifier) == "" {
		candidates = candidates[:0]
		for _, ext := range exts {
			candidates = append(candidates, identifier+ext)
		}
	}

	bundle := BundleFS{FS: r.FS}
	for _, name := range candidates {
		data, err := bundle.Resolve(ctx, name)
		if err == nil {
			data.Identifier = identifier
			return data, nil
		}
		if errors.GetCode(err) != errors.CodeNotFound {
			return Data{}, err
		}
	}
	return Data{}, errors.WithContext(
		errors.New(errors.CodeNotFound, "compiled resource not found"), "identifier", identifier)
}

// Stream consumes a caller supplied stream once.
type Stream struct {
	Open request.StreamFactory
}

// Resolve opens the stream and reads it to the end.
func (r Stream) Resolve(ctx context.Context, identifier string) (Data, error) {
	if r.Open == nil {
		return Data{}, request.ErrDisposed
	}
	rc, err := r.Open(ctx)
	if err != nil {
		return Data{}, errors.Wrap(err, errors.CodeInvalidInput, "failed to open image stream")
	}
	if rc == nil {
		return Data{}, errors.New(errors.CodeInvalidInput, "image stream factory returned no stream")
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, contextReader{ctx: ctx, r: rc}); err != nil {
		if ctx.Err() != nil {
			return Data{}, ctx.Err()
		}
		return Data{}, errors.Wrap(err, errors.CodeInvalidInput, "failed to read image stream")
	}
	return Data{Bytes: buf.Bytes(), Provenance: Local, Identifier: identifier}, nil
}

// contextReader stops a copy at the next read once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Deps are the shared stores resolvers read from.
type Deps struct {
	Disk       *diskcache.Cache
	Files      billy.Filesystem
	Bundle     fs.FS
	Resources  fs.FS
	Extensions []string
}

// For picks the resolver for desc.
func For(desc *request.Descriptor, deps Deps) (Resolver, error) {
	switch desc.Source() {
	case request.SourceURL:
		if deps.Disk == nil {
			return nil, errors.New(errors.CodeInvalidInput, "no disk cache configured for url requests")
		}
		r := URL{Cache: deps.Disk}
		if ttl, ok := desc.CacheDuration(); ok {
			r.TTL = &ttl
		}
		return r, nil
	case request.SourceFile:
		return File{FS: deps.Files}, nil
	case request.SourceBundle:
		return BundleFS{FS: deps.Bundle}, nil
	case request.SourceCompiledResource:
		return CompiledResource{FS: deps.Resources, Extensions: deps.Extensions}, nil
	case request.SourceStream:
		return Stream{Open: desc.Stream()}, nil
	default:
		return nil, errors.Newf(errors.CodeInvalidInput, "unsupported source kind %s", desc.Source())
	}
}
