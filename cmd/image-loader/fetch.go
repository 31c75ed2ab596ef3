package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"github.com/jmgilman/go/errors"
	"github.com/spf13/cobra"
	slogctx "github.com/veqryn/slog-context"
	"golang.org/x/sync/errgroup"

	"github.com/ironsheep/image-loader/internal/diskcache"
	"github.com/ironsheep/image-loader/internal/request"
	"github.com/ironsheep/image-loader/internal/transform"
	"github.com/ironsheep/image-loader/internal/work"
)

type fetchOptions struct {
	outDir       string
	width        int
	height       int
	retries      int
	retryDelay   time.Duration
	cacheTTL     time.Duration
	transparency bool
	transforms   []string
	sources
}

func (a *app) newFetchCmd() *cobra.Command {
	var o fetchOptions
	cmd := &cobra.Command{
		Use:   "fetch SOURCE...",
		Short: "Load one or more images and report the result",
		Long: `Load each SOURCE concurrently and print its provenance and size.

A SOURCE is an http(s) URL, a file path, bundle:NAME for a file in the
bundle directory, res:NAME for a compiled resource, or - for standard input.

Transformations are given as NAME or NAME=VALUE and apply in order:
  grayscale, sepia, circle, blur=RADIUS, rotate=DEGREES, flip=h|v,
  tint=#RRGGBB, grid=SPACING, corners=PERCENT, crop-ratio=W:H`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runFetch(cmd, o, args)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.outDir, "out", "o", "", "write each result as PNG into this directory")
	f.IntVar(&o.width, "width", 0, "downsample to fit this width")
	f.IntVar(&o.height, "height", 0, "downsample to fit this height")
	f.IntVar(&o.retries, "retries", 0, "retries after a failed attempt")
	f.DurationVar(&o.retryDelay, "retry-delay", time.Second, "wait between attempts")
	f.DurationVar(&o.cacheTTL, "cache-ttl", 0, "disk cache lifetime for URLs (default from configuration)")
	f.BoolVar(&o.transparency, "transparency", false, "keep the alpha channel")
	f.StringSliceVarP(&o.transforms, "transform", "t", nil, "transformation to apply, repeatable")
	f.StringVar(&o.bundleDir, "bundle-dir", "", "directory serving bundle: sources")
	f.StringVar(&o.resourceDir, "resource-dir", "", "directory serving res: sources")
	return cmd
}

func (a *app) runFetch(cmd *cobra.Command, o fetchOptions, args []string) error {
	ctx := cmd.Context()
	log := slogctx.FromCtx(ctx)

	chain, err := parseTransforms(o.transforms)
	if err != nil {
		return err
	}
	if o.outDir != "" {
		if err := os.MkdirAll(o.outDir, 0o755); err != nil {
			return errors.Wrap(err, errors.CodeInvalidInput, "failed to create output directory")
		}
	}

	eng, err := newEngine(a.cfg, o.sources)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := eng.Close(closeCtx); err != nil {
			log.Warn("pending loads did not stop in time", "error", err)
		}
	}()

	var (
		outMu  sync.Mutex
		failed int
		g      errgroup.Group
	)
	out := cmd.OutOrStdout()
	var stdinUsed atomic.Bool
	stdin := func(context.Context) (io.ReadCloser, error) {
		if stdinUsed.Swap(true) {
			return nil, errors.New(errors.CodeInvalidInput, "standard input was already read")
		}
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	for _, src := range args {
		g.Go(func() error {
			line, err := fetchOne(ctx, eng.sched, o, chain, src, stdin)
			outMu.Lock()
			defer outMu.Unlock()
			if err != nil {
				failed++
				log.Error("image load failed", "source", src, "error", err)
				fmt.Fprintf(out, "%s\terror\t%v\n", src, err)
				return nil
			}
			fmt.Fprintln(out, line)
			return nil
		})
	}
	_ = g.Wait()

	if failed > 0 {
		return errors.Newf(errors.CodeExecutionFailed, "%d of %d images failed", failed, len(args))
	}
	return nil
}

func fetchOne(ctx context.Context, sched *work.Scheduler, o fetchOptions, chain transform.Chain, src string, stdin request.StreamFactory) (string, error) {
	b, err := sourceBuilder(src, stdin)
	if err != nil {
		return "", err
	}
	b.DownSample(o.width, o.height).
		Transform(chain...).
		Retry(o.retries, o.retryDelay).
		Transparency(o.transparency)
	if o.cacheTTL > 0 {
		b.CacheDuration(o.cacheTTL)
	}
	desc, err := b.Build()
	if err != nil {
		return "", err
	}

	task, err := sched.Load(ctx, desc)
	if err != nil {
		return "", err
	}
	outcome, err := task.Wait(ctx)
	if err != nil {
		return "", err
	}

	switch res := outcome.(type) {
	case work.Success:
		bounds := res.Image.Bounds()
		line := fmt.Sprintf("%s\t%s\t%dx%d\t%d", src, res.Result, bounds.Dx(), bounds.Dy(), res.Size)
		if o.outDir != "" {
			path := filepath.Join(o.outDir, diskcache.Name(task.Key())+".png")
			if err := imaging.Save(res.Image, path); err != nil {
				return "", errors.Wrap(err, errors.CodeInternal, "failed to write image")
			}
			line += "\t" + path
		}
		return line, nil
	case work.Failure:
		return "", res.Err
	default:
		return "", context.Canceled
	}
}

// sourceBuilder starts a request for a command-line SOURCE.
func sourceBuilder(src string, stdin request.StreamFactory) (*request.Builder, error) {
	switch {
	case src == "-":
		return request.FromStream(stdin), nil
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		return request.FromURL(src), nil
	case strings.HasPrefix(src, "bundle:"):
		return request.FromBundle(strings.TrimPrefix(src, "bundle:")), nil
	case strings.HasPrefix(src, "res:"):
		return request.FromCompiledResource(strings.TrimPrefix(src, "res:")), nil
	}
	abs, err := filepath.Abs(src)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "invalid file path")
	}
	return request.FromFile(abs), nil
}

// parseTransforms turns NAME[=VALUE] arguments into a chain.
func parseTransforms(args []string) (transform.Chain, error) {
	chain := make(transform.Chain, 0, len(args))
	for _, arg := range args {
		name, value, _ := strings.Cut(arg, "=")
		num := func() (float64, error) {
			n, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return 0, errors.Wrapf(err, errors.CodeInvalidInput, "transformation %s needs a number", name)
			}
			return n, nil
		}

		var t transform.Transformation
		switch name {
		case "grayscale":
			t = transform.Grayscale{}
		case "sepia":
			t = transform.Sepia{}
		case "circle":
			t = transform.Circle{}
		case "blur":
			r, err := num()
			if err != nil {
				return nil, err
			}
			t = transform.Blur{Radius: r}
		case "rotate":
			d, err := num()
			if err != nil {
				return nil, err
			}
			t = transform.Rotate{Degrees: d}
		case "flip":
			dir := transform.FlipHorizontal
			if value == "v" || value == "vertical" {
				dir = transform.FlipVertical
			}
			t = transform.Flip{Direction: dir}
		case "tint":
			t = transform.Tint{Color: value, Strength: 0.5}
		case "grid":
			n, err := num()
			if err != nil {
				return nil, err
			}
			t = transform.GridOverlay{Spacing: int(n), ShowCoordinates: true}
		case "corners":
			n, err := num()
			if err != nil {
				return nil, err
			}
			t = transform.NewCorners(n, transform.AllRounded)
		case "crop-ratio":
			w, h, ok := strings.Cut(value, ":")
			wr, werr := strconv.ParseFloat(w, 64)
			hr, herr := strconv.ParseFloat(h, 64)
			if !ok || werr != nil || herr != nil {
				return nil, errors.Newf(errors.CodeInvalidInput, "crop-ratio needs W:H, got %q", value)
			}
			t = transform.CropRatio{WidthRatio: wr, HeightRatio: hr}
		default:
			return nil, errors.Newf(errors.CodeInvalidInput, "unknown transformation %q", name)
		}
		chain = append(chain, t)
	}
	return chain, nil
}
