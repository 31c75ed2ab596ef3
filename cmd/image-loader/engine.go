package main

import (
	"context"
	"os"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/jmgilman/go/errors"

	"github.com/ironsheep/image-loader/internal/config"
	"github.com/ironsheep/image-loader/internal/diskcache"
	"github.com/ironsheep/image-loader/internal/fetch"
	"github.com/ironsheep/image-loader/internal/memcache"
	"github.com/ironsheep/image-loader/internal/observe"
	"github.com/ironsheep/image-loader/internal/resolver"
	"github.com/ironsheep/image-loader/internal/work"
)

// engine is the wired set of caches and the scheduler behind fetch and
// serve.
type engine struct {
	memory *memcache.Cache
	disk   *diskcache.Cache
	sched  *work.Scheduler
}

// sources locates bundle and compiled-resource images. Empty fields leave
// that source kind unconfigured.
type sources struct {
	bundleDir   string
	resourceDir string
}

func openDiskCache(cfg *config.Config, metrics *observe.Metrics) (*diskcache.Cache, error) {
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, errors.WrapWithContext(err, errors.CodeInvalidConfig, "failed to create cache directory",
			map[string]interface{}{"cache_dir": cfg.CacheDir})
	}
	fetcher := fetch.NewHTTPFetcher(cfg.HTTP.Timeout, cfg.HTTP.UserAgent, cfg.HTTP.MaxBytes)
	return diskcache.New(osfs.New(cfg.CacheDir), fetcher,
		diskcache.WithTTL(cfg.DiskCacheTTL),
		diskcache.WithMetrics(metrics),
	), nil
}

func newEngine(cfg *config.Config, src sources) (*engine, error) {
	metrics := observe.DefaultMetrics()

	memory, err := memcache.New(memcache.Config{
		MaxEntries: cfg.MemoryCache.MaxEntries,
		MaxBytes:   cfg.MemoryCache.MaxBytes,
	}, memcache.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}
	disk, err := openDiskCache(cfg, metrics)
	if err != nil {
		return nil, err
	}

	deps := resolver.Deps{Disk: disk}
	if src.bundleDir != "" {
		deps.Bundle = os.DirFS(src.bundleDir)
	}
	if src.resourceDir != "" {
		deps.Resources = os.DirFS(src.resourceDir)
	}

	sched := work.NewScheduler(work.Config{
		MaxParallelTasks:    cfg.MaxParallelTasks,
		MaxDecodeBytes:      cfg.MaxDecodeBytes,
		TransparencyChannel: cfg.TransparencyChannel,
		FadeAnimation:       cfg.FadeAnimation,
	}, memory, deps, work.WithMetrics(metrics))

	return &engine{memory: memory, disk: disk, sched: sched}, nil
}

// Close cancels pending work and waits for it, bounded by ctx.
func (e *engine) Close(ctx context.Context) error {
	return e.sched.Close(ctx)
}
