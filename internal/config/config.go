// Package config loads service configuration from an optional YAML file
// with environment variable overrides. Env always wins.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Geocoder struct {
	Disabled  bool   `yaml:"disabled"`
	BaseURL   string `yaml:"baseUrl"`
	UserAgent string `yaml:"userAgent"`
}

type Config struct {
	Port              string   `yaml:"port"`
	DatabaseURL       string   `yaml:"databaseUrl"`
	RedisURL          string   `yaml:"redisUrl"`
	OptimizeRPS       float64  `yaml:"optimizeRps"`
	MaxConcurrentRuns int      `yaml:"maxConcurrentRuns"`
	Geocoder          Geocoder `yaml:"geocoder"`
}

// Load reads path when it exists (empty path checks CONFIG_FILE, then
// config.yaml) and applies env overrides on top.
func Load(path string) (Config, error) {
	cfg := Config{Port: "8080", OptimizeRPS: 1, MaxConcurrentRuns: 4}

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("OPTIMIZE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.OptimizeRPS = f
		}
	}
	if v := os.Getenv("MAX_CONCURRENT_RUNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentRuns = n
		}
	}
	if v := os.Getenv("GEOCODER_DISABLED"); v == "true" || v == "1" {
		cfg.Geocoder.Disabled = true
	}
	if v := os.Getenv("GEOCODER_URL"); v != "" {
		cfg.Geocoder.BaseURL = v
	}
	if v := os.Getenv("GEOCODER_USER_AGENT"); v != "" {
		cfg.Geocoder.UserAgent = v
	}
	return cfg, nil
}
