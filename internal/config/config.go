// Package config loads the server's environment-variable configuration
// through viper's AutomaticEnv binding.
package config

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable named in the environment-variable table.
type Config struct {
	RedisURL string
	HTTPAddr string
	MetricsAddr string

	APIKey        string
	RateLimitRPS   float64
	RateLimitBurst int

	NGPUPerReplica   int
	MaxConcurrentJobs int
	ModelBinary      string
	OutputDir        string
	ModelCacheDir    string

	LeaseDuration       time.Duration
	ReconcileInterval   time.Duration
	ProgressMinInterval time.Duration
	RetentionAge        time.Duration
	JobMaxWallTime      time.Duration
	CancelGrace         time.Duration
	StoreRetryBudget    time.Duration
	NRetry              int

	LogFormat string
	LogLevel  string
}

// Load binds every recognized environment variable, applies defaults,
// and validates the result.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8000)
	v.SetDefault("METRICS_PORT", 9090)
	v.SetDefault("REDIS_URL", "redis://127.0.0.1:6379/0")
	v.SetDefault("RATE_LIMIT_RPS", 10.0)
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("N_GPU_PER_REPLICA", 1)
	v.SetDefault("MAX_CONCURRENT_JOBS", 2)
	v.SetDefault("MODEL_BINARY", "")
	v.SetDefault("OUTPUT_DIR", "/app/outputs")
	v.SetDefault("MODEL_CACHE_DIR", "/app/model_cache")
	v.SetDefault("LEASE_DURATION", "90s")
	v.SetDefault("RECONCILE_INTERVAL", "30s")
	v.SetDefault("PROGRESS_MIN_INTERVAL", "2s")
	v.SetDefault("RETENTION", "168h")
	v.SetDefault("JOB_MAX_WALL_TIME", "30m")
	v.SetDefault("CANCEL_GRACE", "10s")
	v.SetDefault("STORE_RETRY_BUDGET", "15s")
	v.SetDefault("N_RETRY", 3)
	v.SetDefault("LOG_FORMAT", "console")
	v.SetDefault("LOG_LEVEL", "info")

	for _, key := range []string{
		"HOST", "PORT", "METRICS_PORT", "REDIS_URL", "API_KEY",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "N_GPU_PER_REPLICA", "MAX_CONCURRENT_JOBS", "MODEL_BINARY",
		"OUTPUT_DIR", "MODEL_CACHE_DIR",
		"LEASE_DURATION", "RECONCILE_INTERVAL", "PROGRESS_MIN_INTERVAL",
		"RETENTION", "JOB_MAX_WALL_TIME", "CANCEL_GRACE", "STORE_RETRY_BUDGET",
		"N_RETRY", "LOG_FORMAT", "LOG_LEVEL",
	} {
		_ = v.BindEnv(key)
	}

	cfg := Config{
		RedisURL:       v.GetString("REDIS_URL"),
		HTTPAddr:       net.JoinHostPort(v.GetString("HOST"), v.GetString("PORT")),
		MetricsAddr:    ":" + v.GetString("METRICS_PORT"),
		APIKey:         v.GetString("API_KEY"),
		RateLimitRPS:   v.GetFloat64("RATE_LIMIT_RPS"),
		RateLimitBurst: v.GetInt("RATE_LIMIT_BURST"),
		NGPUPerReplica:    v.GetInt("N_GPU_PER_REPLICA"),
		MaxConcurrentJobs: v.GetInt("MAX_CONCURRENT_JOBS"),
		ModelBinary:       v.GetString("MODEL_BINARY"),
		OutputDir:         v.GetString("OUTPUT_DIR"),
		ModelCacheDir:     v.GetString("MODEL_CACHE_DIR"),
		NRetry:         v.GetInt("N_RETRY"),
		LogFormat:      v.GetString("LOG_FORMAT"),
		LogLevel:       v.GetString("LOG_LEVEL"),
	}

	durations := map[string]*time.Duration{
		"LEASE_DURATION":        &cfg.LeaseDuration,
		"RECONCILE_INTERVAL":    &cfg.ReconcileInterval,
		"PROGRESS_MIN_INTERVAL": &cfg.ProgressMinInterval,
		"RETENTION":             &cfg.RetentionAge,
		"JOB_MAX_WALL_TIME":     &cfg.JobMaxWallTime,
		"CANCEL_GRACE":          &cfg.CancelGrace,
		"STORE_RETRY_BUDGET":    &cfg.StoreRetryBudget,
	}
	for key, dst := range durations {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid %s: %w", key, err)
		}
		*dst = d
	}

	if cfg.NGPUPerReplica < 1 {
		return Config{}, fmt.Errorf("config: N_GPU_PER_REPLICA must be >= 1, got %d", cfg.NGPUPerReplica)
	}
	if cfg.MaxConcurrentJobs < 1 {
		return Config{}, fmt.Errorf("config: MAX_CONCURRENT_JOBS must be >= 1, got %d", cfg.MaxConcurrentJobs)
	}
	if cfg.NRetry < 0 {
		return Config{}, fmt.Errorf("config: N_RETRY must be >= 0, got %d", cfg.NRetry)
	}

	return cfg, nil
}
