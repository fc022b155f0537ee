// Package config loads service configuration from defaults, an optional YAML
// file and STRAVAFETCH_ environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "STRAVAFETCH_"

type Config struct {
	Port      int             `koanf:"port"`
	LogLevel  string          `koanf:"log_level"`
	DryRun    bool            `koanf:"dry_run"`
	Dashboard DashboardConfig `koanf:"dashboard"`
	Redis     RedisConfig     `koanf:"redis"`
	Database  DatabaseConfig  `koanf:"database"`
	Strava    StravaConfig    `koanf:"strava"`
	AI        AIConfig        `koanf:"ai"`
	Schedule  ScheduleConfig  `koanf:"schedule"`
	Insight   InsightConfig   `koanf:"insight"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type RedisConfig struct {
	URL string `koanf:"url"`
}

type DatabaseConfig struct {
	URL string `koanf:"url"`
}

type DashboardConfig struct {
	Token string `koanf:"token"`
}

type StravaConfig struct {
	BaseURL      string        `koanf:"base_url"`
	AccessToken  string        `koanf:"access_token"`
	VerifyToken  string        `koanf:"verify_token"`
	ClientID     string        `koanf:"client_id"`
	ClientSecret string        `koanf:"client_secret"`
	CallbackURL  string        `koanf:"callback_url"`
	MetricsTTL   time.Duration `koanf:"metrics_ttl"`
}

type AIConfig struct {
	BaseURL            string        `koanf:"base_url"`
	APIKey             string        `koanf:"api_key"`
	ModelCheap         string        `koanf:"model_cheap"`
	ModelMid           string        `koanf:"model_mid"`
	ModelTop           string        `koanf:"model_top"`
	CacheTTL           time.Duration `koanf:"cache_ttl"`
	CallTimeout        time.Duration `koanf:"call_timeout"`
	ContextTokenBudget int           `koanf:"context_token_budget"`
}

type ScheduleConfig struct {
	ICalURL string `koanf:"ical_url"`
}

type InsightConfig struct {
	TrendDays   int `koanf:"trend_days"`
	CompareDays int `koanf:"compare_days"`
}

// TelemetryConfig turns on span export. Spans are written to stdout.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

var defaults = map[string]any{
	"port":                    8080,
	"log_level":               "info",
	"redis.url":               "redis://localhost:6379/0",
	"strava.base_url":         "https://www.strava.com",
	"strava.metrics_ttl":      "168h",
	"ai.base_url":             "https://api.openai.com/v1",
	"ai.model_cheap":          "gpt-5-nano",
	"ai.model_mid":            "gpt-5-mini",
	"ai.model_top":            "gpt-5.2",
	"ai.cache_ttl":            "24h",
	"ai.call_timeout":         "30s",
	"ai.context_token_budget": 3000,
	"insight.trend_days":      28,
	"insight.compare_days":    56,
	"telemetry.service_name":  "stravafetch",
}

// Load reads configuration. path may be empty, and a missing file is not an
// error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	for key, v := range defaults {
		if err := k.Set(key, v); err != nil {
			return nil, fmt.Errorf("setting default %s: %w", key, err)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}

	// STRAVAFETCH_AI__CACHE_TTL -> ai.cache_ttl
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}
