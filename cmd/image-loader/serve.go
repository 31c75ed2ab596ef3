package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/spf13/cobra"
	slogctx "github.com/veqryn/slog-context"

	"github.com/ironsheep/image-loader/internal/server"
)

func (a *app) newServeCmd() *cobra.Command {
	var (
		src         sources
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the image tools as JSON-RPC over stdin and stdout",
		Long: `Serve reads one JSON-RPC 2.0 request per line from standard input and writes
responses to standard output. Logs go to standard error.

With --metrics prometheus the scrape endpoint is served on --metrics-addr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runServe(cmd, src, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&src.bundleDir, "bundle-dir", "", "directory serving bundle sources")
	cmd.Flags().StringVar(&src.resourceDir, "resource-dir", "", "directory serving compiled resources")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9464", "listen address for the Prometheus endpoint")
	return cmd
}

func (a *app) runServe(cmd *cobra.Command, src sources, metricsAddr string) error {
	ctx := cmd.Context()
	log := slogctx.FromCtx(ctx)

	eng, err := newEngine(a.cfg, src)
	if err != nil {
		return err
	}

	var metricsSrv *http.Server
	if h := a.telemetry.MetricsHandler(); h != nil {
		ln, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			return errors.WrapWithContext(err, errors.CodeUnavailable, "failed to listen for metrics",
				map[string]interface{}{"addr": metricsAddr})
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", h)
		metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Error("metrics endpoint stopped", "error", err)
			}
		}()
		log.Info("serving metrics", "addr", ln.Addr().String())
	}

	log.Info("image loader ready", "version", Version, "cache_dir", a.cfg.CacheDir)
	srv := server.New(eng.sched, eng.disk, server.WithVersion(Version))
	runErr := srv.Run(ctx, cmd.InOrStdin(), cmd.OutOrStdout())

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := eng.Close(shutdownCtx); err != nil {
		log.Warn("pending loads did not stop in time", "error", err)
	}
	log.Info("image loader stopped")
	return runErr
}
