package internal

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"github.com/tuannm99/novapage/internal/storage"
)

type NovaPageConfig struct {
	AppName string `mapstructure:"app_name"`

	Storage struct {
		Workdir string `mapstructure:"workdir"`
	} `mapstructure:"storage"`

	Cache struct {
		PageSize       int `mapstructure:"page_size"`
		MaxCachedPages int `mapstructure:"max_cached_pages"`
		// FlushIOPS caps page writes per second during flushes; 0 is unlimited.
		FlushIOPS int `mapstructure:"flush_iops"`
		// ReadOnly opens every store for reading only, e.g. on a backup copy.
		ReadOnly bool `mapstructure:"read_only"`
	} `mapstructure:"cache"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "novapage")
	v.SetDefault("storage.workdir", "./data")
	v.SetDefault("cache.page_size", storage.DefaultPageSize)
	v.SetDefault("cache.max_cached_pages", 1024)
	v.SetDefault("cache.flush_iops", 0)
	v.SetDefault("cache.read_only", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *NovaPageConfig {
	v := viper.New()
	setDefaults(v)

	var cfg NovaPageConfig
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func LoadConfig(path string) (*NovaPageConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NovaPageConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *NovaPageConfig) Validate() error {
	ps := c.Cache.PageSize
	if ps < storage.MinPageSize || ps&(ps-1) != 0 {
		return fmt.Errorf("config: cache.page_size must be a power of two >= %d, got %d", storage.MinPageSize, ps)
	}
	if c.Cache.MaxCachedPages <= 0 {
		return fmt.Errorf("config: cache.max_cached_pages must be positive, got %d", c.Cache.MaxCachedPages)
	}
	if c.Storage.Workdir == "" {
		return fmt.Errorf("config: storage.workdir is required")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("config: log.level: %w", err)
	}
	return lvl, nil
}

// NewLogger builds the process logger described by cfg.
func NewLogger(cfg *NovaPageConfig, w io.Writer) *slog.Logger {
	lvl, err := parseLevel(cfg.Log.Level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	if strings.EqualFold(cfg.Log.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h).With("app", cfg.AppName)
}
