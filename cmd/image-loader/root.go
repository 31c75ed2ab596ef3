package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	slogctx "github.com/veqryn/slog-context"

	"github.com/ironsheep/image-loader/internal/config"
	"github.com/ironsheep/image-loader/internal/observe"
)

const (
	flagConfig    = "config"
	flagLogLevel  = "log-level"
	flagLogFormat = "log-format"
	flagCacheDir  = "cache-dir"
	flagMetrics   = "metrics"
	flagTrace     = "trace"
)

// app carries state shared by every subcommand once the persistent pre-run
// has loaded configuration.
type app struct {
	v         *viper.Viper
	cfg       *config.Config
	telemetry *observe.Telemetry
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	cmd := &cobra.Command{
		Use:   "image-loader",
		Short: "Fetch, transform and cache images",
		Long: `image-loader loads images from URLs, local files and bundled resources,
applies transformations and keeps the results in a memory cache and the raw
bytes of remote images in a disk cache.

Configuration is read from image-loader.yaml, IMAGE_LOADER_* environment
variables and flags, in increasing order of precedence.`,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
		SilenceUsage:       true,
	}

	flags := cmd.PersistentFlags()
	flags.String(flagConfig, "", "config file (default: search ./image-loader.yaml and $HOME/.config/image-loader)")
	flags.String(flagLogLevel, "info", "log level: debug, info, warn or error")
	flags.String(flagLogFormat, "text", "log format: text or json")
	flags.String(flagCacheDir, "", "disk cache directory")
	flags.String(flagMetrics, "none", "metrics exporter: none, stdout or prometheus")
	flags.String(flagTrace, "none", "trace exporter: none or stdout")

	_ = a.v.BindPFlag("log_level", flags.Lookup(flagLogLevel))
	_ = a.v.BindPFlag("log_format", flags.Lookup(flagLogFormat))
	_ = a.v.BindPFlag("cache_dir", flags.Lookup(flagCacheDir))

	cmd.AddCommand(a.newFetchCmd())
	cmd.AddCommand(a.newServeCmd())
	cmd.AddCommand(a.newCacheCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// setup loads configuration, installs the logger in the command context and
// starts telemetry.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	file, _ := cmd.Flags().GetString(flagConfig)
	cfg, err := config.Load(a.v, file)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, err := observe.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = slogctx.NewCtx(ctx, logger)

	metrics, _ := cmd.Flags().GetString(flagMetrics)
	trace, _ := cmd.Flags().GetString(flagTrace)
	a.telemetry, err = observe.Setup(ctx, observe.TelemetryConfig{
		ServiceName: "image-loader",
		Version:     Version,
		Metrics:     metrics,
		Trace:       trace,
		Writer:      os.Stderr,
	})
	if err != nil {
		return err
	}

	cmd.SetContext(ctx)
	logger.Debug("configuration loaded", "file", a.v.ConfigFileUsed(), "cache_dir", cfg.CacheDir)
	return nil
}

func (a *app) teardown(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 5*time.Second)
	defer cancel()
	return a.telemetry.Shutdown(ctx)
}
