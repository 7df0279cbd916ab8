// Package config loads the ingest settings from the environment and an
// optional config file.
package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Sternrassler/gw2tp-ingest/internal/gw2"
	"github.com/Sternrassler/gw2tp-ingest/pkg/client"
	"github.com/Sternrassler/gw2tp-ingest/pkg/store"
)

// FileEnv names the environment variable pointing at a config file.
const FileEnv = "GW2TP_CONFIG"

// Config is the complete run configuration.
type Config struct {
	Database store.Config

	APIBase   string
	UserAgent string
	Timeout   time.Duration

	RateBurst  int
	RateRefill float64

	ChunkSize   int
	MaxAttempts int

	// RedisURL enables quota telemetry when set.
	RedisURL string
	// PushgatewayURL enables pushing metrics at the end of a run.
	PushgatewayURL string
}

// keys maps config keys to their environment variables.
var keys = map[string]string{
	"database.host":       "PGHOST",
	"database.port":       "PGPORT",
	"database.name":       "PGDATABASE",
	"database.user":       "PGUSER",
	"database.password":   "PGPASSWORD",
	"api.base":            "GW2_API_BASE",
	"api.user_agent":      "GW2_USER_AGENT",
	"api.timeout":         "GW2_TIMEOUT",
	"rate.burst":          "GW2_RATE_BURST",
	"rate.refill":         "GW2_RATE_REFILL",
	"batch.chunk_size":    "GW2_CHUNK_SIZE",
	"retry.max_attempts":  "GW2_MAX_ATTEMPTS",
	"redis.url":           "REDIS_URL",
	"metrics.pushgateway": "PUSHGATEWAY_URL",
	"config_file":         FileEnv,
}

func setDefaults(v *viper.Viper) {
	db := store.DefaultConfig()
	v.SetDefault("database.host", db.Host)
	v.SetDefault("database.port", db.Port)
	v.SetDefault("database.name", db.Database)
	v.SetDefault("database.user", db.User)
	v.SetDefault("database.password", db.Password)
	v.SetDefault("api.base", gw2.DefaultBaseURL)
	v.SetDefault("api.user_agent", gw2.DefaultUserAgent)
	v.SetDefault("api.timeout", "60s")
	v.SetDefault("rate.burst", gw2.DefaultBurst)
	v.SetDefault("rate.refill", gw2.DefaultRefill)
	v.SetDefault("batch.chunk_size", gw2.MaxIDsPerRequest)
	v.SetDefault("retry.max_attempts", client.DefaultRetryConfig().MaxAttempts)
	v.SetDefault("redis.url", "")
	v.SetDefault("metrics.pushgateway", "")
}

// Load reads defaults, then the file named by GW2TP_CONFIG if set, then
// the environment. Later sources win.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range keys {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", env, err)
		}
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	db := store.DefaultConfig()
	db.Host = v.GetString("database.host")
	db.Port = v.GetInt("database.port")
	db.Database = v.GetString("database.name")
	db.User = v.GetString("database.user")
	db.Password = v.GetString("database.password")

	timeout, err := parseTimeout(v.GetString("api.timeout"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	cfg := Config{
		Database:       db,
		APIBase:        v.GetString("api.base"),
		UserAgent:      v.GetString("api.user_agent"),
		Timeout:        timeout,
		RateBurst:      v.GetInt("rate.burst"),
		RateRefill:     v.GetFloat64("rate.refill"),
		ChunkSize:      v.GetInt("batch.chunk_size"),
		MaxAttempts:    v.GetInt("retry.max_attempts"),
		RedisURL:       v.GetString("redis.url"),
		PushgatewayURL: v.GetString("metrics.pushgateway"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges. ChunkSize above the API maximum is clamped.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.Host == "" {
		errs = append(errs, errors.New("database host is required"))
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		errs = append(errs, fmt.Errorf("database port must be 1-65535 (got %d)", c.Database.Port))
	}
	if _, err := gw2.Endpoint(c.APIBase, "/"); err != nil {
		errs = append(errs, fmt.Errorf("api base: %w", err))
	}
	if c.UserAgent == "" {
		errs = append(errs, errors.New("user agent is required"))
	}
	if c.Timeout < time.Second {
		errs = append(errs, fmt.Errorf("timeout must be >= 1s (got %v)", c.Timeout))
	}
	if c.RateBurst < 1 {
		errs = append(errs, fmt.Errorf("rate burst must be >= 1 (got %d)", c.RateBurst))
	}
	if c.RateRefill <= 0 {
		errs = append(errs, fmt.Errorf("rate refill must be > 0 (got %v)", c.RateRefill))
	}
	if c.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("chunk size must be >= 1 (got %d)", c.ChunkSize))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be >= 1 (got %d)", c.MaxAttempts))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	c.ChunkSize = min(c.ChunkSize, gw2.MaxIDsPerRequest)
	return nil
}

// parseTimeout reads a bare number as seconds, anything else as a Go duration.
func parseTimeout(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		if math.IsNaN(seconds) || math.IsInf(seconds, 0) {
			return 0, fmt.Errorf("timeout %q is not a finite number of seconds", value)
		}
		return time.Duration(seconds * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("timeout %q is neither seconds nor a duration", value)
	}
	return d, nil
}

// Retry returns the retry settings with MaxAttempts applied.
func (c Config) Retry() client.RetryConfig {
	r := client.DefaultRetryConfig()
	r.MaxAttempts = c.MaxAttempts
	return r
}
