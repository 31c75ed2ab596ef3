// Package diskcache persists raw image bytes keyed by resource identifier with
// a per-entry expiry, and coalesces concurrent fetches of one identifier into
// a single network operation.
//
// # Layout
//
// Each entry is two files in the "images" directory, named by the hex SHA-256 of
// the identifier: the payload itself and a "<name>.json" sidecar holding the
// identifier, expiry and payload size. Both are written to a temporary file
// and renamed into place, so readers never observe a partial write. A payload
// whose size disagrees with its sidecar is treated as absent.
package diskcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/jmgilman/go/errors"
	slogctx "github.com/veqryn/slog-context"

	"github.com/ironsheep/image-loader/internal/fetch"
	"github.com/ironsheep/image-loader/internal/observe"
)

// DefaultTTL applies when neither the cache nor the request sets a duration.
const DefaultTTL = 30 * 24 * time.Hour

const (
	entriesDir = "images"
	metaSuffix = ".json"
	tempPrefix = "tmp-"

	// tempMaxAge is how old a temp file must be before a sweep treats it
	// as abandoned rather than still being written.
	tempMaxAge = 10 * time.Minute
)

// ErrEmptyIdentifier is returned for a blank identifier.
var ErrEmptyIdentifier = errors.New(errors.CodeInvalidInput, "empty cache identifier")

// Entry is the result of Get. Data is shared between coalesced callers and
// must be treated as read-only.
type Entry struct {
	Data      []byte
	FromDisk  bool
	ExpiresAt time.Time
}

type meta struct {
	Identifier string    `json:"identifier"`
	ExpiresAt  time.Time `json:"expires_at"`
	Size       int64     `json:"size"`
}

// flight is one shared fetch. done is closed after entry and err are set.
type flight struct {
	done    chan struct{}
	entry   Entry
	err     error
	waiters int
	cancel  context.CancelFunc
}

// Cache is safe for concurrent use. Fetches write to the filesystem while
// other callers read it, so the billy.Filesystem given to New must itself be
// safe for concurrent use; osfs is, memfs is not.
type Cache struct {
	fs      billy.Filesystem
	fetcher fetch.Fetcher
	ttl     time.Duration
	now     func() time.Time
	metrics *observe.Metrics

	mu      sync.Mutex
	flights map[string]*flight
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the default entry lifetime.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMetrics records hits, misses and fetches.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a cache storing entries under fs and fetching misses
// with fetcher.
func New(fs billy.Filesystem, fetcher fetch.Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fs:      fs,
		fetcher: fetcher,
		ttl:     DefaultTTL,
		now:     time.Now,
		flights: make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the bytes for identifier, from disk when a fresh entry exists
// and from the fetcher otherwise. ttl overrides the default lifetime of a
// newly fetched entry.
//
// Concurrent callers for the same identifier share one fetch. Cancelling ctx
// abandons this caller's wait; the shared fetch is cancelled only when every
// waiter has gone. The lifetime of a shared fetch is taken from the caller
// that started it.
func (c *Cache) Get(ctx context.Context, identifier string, ttl *time.Duration) (Entry, error) {
	if identifier == "" {
		return Entry{}, ErrEmptyIdentifier
	}

	if e, ok := c.read(ctx, identifier); ok {
		c.metrics.DiskCacheLookup(ctx, true)
		return e, nil
	}
	c.metrics.DiskCacheLookup(ctx, false)

	return c.await(ctx, identifier, ttl)
}

func (c *Cache) await(ctx context.Context, identifier string, ttl *time.Duration) (Entry, error) {
	c.mu.Lock()
	f, ok := c.flights[identifier]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{done: make(chan struct{}), cancel: cancel}
		c.flights[identifier] = f
		go c.run(fctx, identifier, ttl, f)
	}
	f.waiters++
	c.mu.Unlock()

	select {
	case <-f.done:
		return f.entry, f.err
	case <-ctx.Done():
		c.mu.Lock()
		f.waiters--
		if f.waiters == 0 {
			f.cancel()
			if c.flights[identifier] == f {
				delete(c.flights, identifier)
			}
		}
		c.mu.Unlock()
		return Entry{}, ctx.Err()
	}
}

func (c *Cache) run(ctx context.Context, identifier string, ttl *time.Duration, f *flight) {
	defer f.cancel()

	entry, err := c.load(ctx, identifier, ttl)

	c.mu.Lock()
	if c.flights[identifier] == f {
		delete(c.flights, identifier)
	}
	f.entry, f.err = entry, err
	c.mu.Unlock()
	close(f.done)
}

// load re-checks the disk, since another flight may have persisted the entry
// after this caller's first read, and fetches on a miss.
func (c *Cache) load(ctx context.Context, identifier string, ttl *time.Duration) (Entry, error) {
	if e, ok := c.read(ctx, identifier); ok {
		return e, nil
	}

	data, err := c.fetcher.Fetch(ctx, identifier)
	c.metrics.DiskCacheFetch(ctx, err)
	if err != nil {
		return Entry{}, err
	}

	lifetime := c.ttl
	if ttl != nil && *ttl > 0 {
		lifetime = *ttl
	}
	expires := c.now().Add(lifetime)

	if err := c.write(identifier, data, expires); err != nil {
		slogctx.FromCtx(ctx).Warn("failed to persist image to disk cache",
			"identifier", identifier, "error", err)
	}
	return Entry{Data: data, ExpiresAt: expires}, nil
}

func (c *Cache) path(name string) string {
	return c.fs.Join(entriesDir, name)
}

// Name returns the file name used for identifier.
func Name(identifier string) string {
	sum := sha256.Sum256([]byte(identifier))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) readMeta(name string) (meta, error) {
	var m meta
	raw, err := util.ReadFile(c.fs, c.path(name+metaSuffix))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("corrupt sidecar %s: %w", name, err)
	}
	return m, nil
}

func (c *Cache) read(ctx context.Context, identifier string) (Entry, bool) {
	name := Name(identifier)
	m, err := c.readMeta(name)
	if err != nil {
		if !os.IsNotExist(err) {
			slogctx.FromCtx(ctx).Debug("disk cache sidecar unreadable", "identifier", identifier, "error", err)
		}
		return Entry{}, false
	}
	if m.Identifier != identifier || !c.now().Before(m.ExpiresAt) {
		return Entry{}, false
	}

	data, err := util.ReadFile(c.fs, c.path(name))
	if err != nil || int64(len(data)) != m.Size {
		return Entry{}, false
	}
	return Entry{Data: data, FromDisk: true, ExpiresAt: m.ExpiresAt}, true
}

func (c *Cache) write(identifier string, data []byte, expires time.Time) error {
	name := Name(identifier)
	raw, err := json.Marshal(meta{Identifier: identifier, ExpiresAt: expires, Size: int64(len(data))})
	if err != nil {
		return err
	}
	if err := c.writeAtomically(name, data); err != nil {
		return err
	}
	return c.writeAtomically(name+metaSuffix, raw)
}

func (c *Cache) writeAtomically(path string, data []byte) error {
	if err := c.fs.MkdirAll(entriesDir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	tmp, err := c.fs.TempFile(entriesDir, tempPrefix)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = c.fs.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := c.fs.Rename(tmpName, c.path(path)); err != nil {
		_ = c.fs.Remove(tmpName)
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}

// Remove deletes the entry for identifier. A missing entry is not an error.
func (c *Cache) Remove(identifier string) error {
	name := Name(identifier)
	for _, p := range []string{name + metaSuffix, name} {
		if err := c.fs.Remove(c.path(p)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, errors.CodeInternal, "failed to remove %s", p)
		}
	}
	return nil
}

// Clear deletes every entry and abandoned temporary file.
func (c *Cache) Clear(ctx context.Context) error {
	_, err := c.sweep(ctx, func(string) bool { return true })
	return err
}

// Purge deletes expired entries, orphaned payloads and abandoned temporary
// files. It returns the number of entries removed.
func (c *Cache) Purge(ctx context.Context) (int, error) {
	now := c.now()
	return c.sweep(ctx, func(name string) bool {
		m, err := c.readMeta(name)
		return err != nil || !now.Before(m.ExpiresAt)
	})
}

// sweep removes every entry for which drop returns true, plus temp files
// older than tempMaxAge. Younger temp files may belong to a running fetch.
func (c *Cache) sweep(ctx context.Context, drop func(name string) bool) (int, error) {
	infos, err := c.fs.ReadDir(entriesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, errors.CodeInternal, "failed to list disk cache")
	}

	removed := 0
	for _, fi := range infos {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		name := fi.Name()
		if fi.IsDir() {
			continue
		}
		switch {
		case strings.HasPrefix(name, tempPrefix):
			if time.Since(fi.ModTime()) >= tempMaxAge {
				_ = c.fs.Remove(c.path(name))
			}
		case strings.HasSuffix(name, metaSuffix):
			// handled with its payload
		default:
			if !drop(name) {
				continue
			}
			if err := c.fs.Remove(c.path(name + metaSuffix)); err != nil && !os.IsNotExist(err) {
				return removed, errors.Wrapf(err, errors.CodeInternal, "failed to remove %s", name)
			}
			if err := c.fs.Remove(c.path(name)); err != nil && !os.IsNotExist(err) {
				return removed, errors.Wrapf(err, errors.CodeInternal, "failed to remove %s", name)
			}
			removed++
		}
	}

	// sidecars whose payload is already gone
	for _, fi := range infos {
		name := fi.Name()
		if !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		if _, err := c.fs.Stat(c.path(strings.TrimSuffix(name, metaSuffix))); os.IsNotExist(err) {
			_ = c.fs.Remove(c.path(name))
		}
	}

	slogctx.FromCtx(ctx).Debug("swept disk cache", "removed", removed)
	return removed, nil
}

// Pending returns the number of fetches in flight.
func (c *Cache) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flights)
}
