// Package config loads engine settings from a config file, the environment
// and command-line flags, in increasing order of precedence.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/spf13/viper"

	"github.com/ironsheep/image-loader/internal/observe"
)

// EnvPrefix prefixes every environment variable, e.g. IMAGE_LOADER_LOG_LEVEL.
const EnvPrefix = "IMAGE_LOADER"

// Config is the full engine configuration.
type Config struct {
	CacheDir            string        `mapstructure:"cache_dir"`
	DiskCacheTTL        time.Duration `mapstructure:"disk_cache_ttl"`
	MemoryCache         MemoryCache   `mapstructure:"memory_cache"`
	MaxParallelTasks    int           `mapstructure:"max_parallel_tasks"`
	MaxDecodeBytes      int64         `mapstructure:"max_decode_bytes"`
	HTTP                HTTP          `mapstructure:"http"`
	TransparencyChannel bool          `mapstructure:"transparency_channel"`
	FadeAnimation       bool          `mapstructure:"fade_animation"`
	LogLevel            string        `mapstructure:"log_level"`
	LogFormat           string        `mapstructure:"log_format"`
}

// MemoryCache bounds the decoded-bitmap cache. Zero disables a bound.
type MemoryCache struct {
	MaxEntries int   `mapstructure:"max_entries"`
	MaxBytes   int64 `mapstructure:"max_bytes"`
}

// HTTP configures the default fetcher.
type HTTP struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
	MaxBytes  int64         `mapstructure:"max_bytes"`
}

// DefaultCacheDir is the per-user cache location, or a temp directory when
// the platform has none.
func DefaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "image-loader")
	}
	return filepath.Join(os.TempDir(), "image-loader")
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("cache_dir", DefaultCacheDir())
	v.SetDefault("disk_cache_ttl", 30*24*time.Hour)
	v.SetDefault("memory_cache.max_entries", 256)
	v.SetDefault("memory_cache.max_bytes", 64<<20)
	v.SetDefault("max_parallel_tasks", runtime.NumCPU()*2)
	v.SetDefault("max_decode_bytes", 256<<20)
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.user_agent", "image-loader")
	v.SetDefault("http.max_bytes", 64<<20)
	v.SetDefault("transparency_channel", false)
	v.SetDefault("fade_animation", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// Load reads configuration into v and decodes it. An empty file searches
// for image-loader.yaml in the working directory and
// $HOME/.config/image-loader; finding none is not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("image-loader")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/image-loader")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, errors.CodeInvalidInput, "failed to read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.CacheDir) == "" {
		problems = append(problems, "cache_dir is empty")
	}
	if c.DiskCacheTTL <= 0 {
		problems = append(problems, "disk_cache_ttl must be positive")
	}
	if c.MemoryCache.MaxEntries < 0 {
		problems = append(problems, "memory_cache.max_entries is negative")
	}
	if c.MemoryCache.MaxBytes < 0 {
		problems = append(problems, "memory_cache.max_bytes is negative")
	}
	if c.MaxParallelTasks <= 0 {
		problems = append(problems, "max_parallel_tasks must be positive")
	}
	if c.MaxDecodeBytes < 0 {
		problems = append(problems, "max_decode_bytes is negative")
	}
	if c.HTTP.Timeout < 0 {
		problems = append(problems, "http.timeout is negative")
	}
	if c.HTTP.MaxBytes < 0 {
		problems = append(problems, "http.max_bytes is negative")
	}
	if _, err := observe.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		problems = append(problems, "log_format must be text or json")
	}

	if len(problems) > 0 {
		return errors.WithContext(
			errors.Newf(errors.CodeInvalidInput, "invalid configuration: %s", strings.Join(problems, "; ")),
			"problems", len(problems))
	}
	return nil
}
