package upstream

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config describes how to reach the upstream event-management API.
type Config struct {
	BaseURL  string
	Username string
	Password string

	Timeout    time.Duration
	BatchSize  int
	FetchDelay time.Duration

	HTTPMaxIdleConns    int
	HTTPIdleConnTimeout time.Duration
}

// Merge overlays non-zero fields from the override onto the base config.
func (c Config) Merge(override Config) Config {
	result := c
	if strings.TrimSpace(override.BaseURL) != "" {
		result.BaseURL = strings.TrimSpace(override.BaseURL)
	}
	if strings.TrimSpace(override.Username) != "" {
		result.Username = strings.TrimSpace(override.Username)
	}
	if override.Password != "" {
		result.Password = override.Password
	}
	if override.Timeout > 0 {
		result.Timeout = override.Timeout
	}
	if override.BatchSize > 0 {
		result.BatchSize = override.BatchSize
	}
	if override.FetchDelay > 0 {
		result.FetchDelay = override.FetchDelay
	}
	if override.HTTPMaxIdleConns > 0 {
		result.HTTPMaxIdleConns = override.HTTPMaxIdleConns
	}
	if override.HTTPIdleConnTimeout > 0 {
		result.HTTPIdleConnTimeout = override.HTTPIdleConnTimeout
	}
	return result
}

// LoadConfig builds a Config from UPSTREAM_* environment variables with
// defaults applied. The base URL is the only required setting.
func LoadConfig() (Config, error) {
	cfg := Config{
		BaseURL:  strings.TrimSpace(os.Getenv("UPSTREAM_BASE_URL")),
		Username: strings.TrimSpace(os.Getenv("UPSTREAM_USER")),
		Password: os.Getenv("UPSTREAM_PASSWORD"),
	}
	if cfg.BaseURL == "" {
		return Config{}, errors.New("UPSTREAM_BASE_URL required")
	}
	if v := strings.TrimSpace(os.Getenv("UPSTREAM_TIMEOUT")); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, errors.New("parse UPSTREAM_TIMEOUT: " + err.Error())
		}
		cfg.Timeout = parsed
	}
	if v := strings.TrimSpace(os.Getenv("UPSTREAM_BATCH_SIZE")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, errors.New("parse UPSTREAM_BATCH_SIZE: " + err.Error())
		}
		if parsed > 0 {
			cfg.BatchSize = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("UPSTREAM_FETCH_DELAY")); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, errors.New("parse UPSTREAM_FETCH_DELAY: " + err.Error())
		}
		cfg.FetchDelay = parsed
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.FetchDelay <= 0 {
		c.FetchDelay = 500 * time.Millisecond
	}
	if c.HTTPMaxIdleConns <= 0 {
		c.HTTPMaxIdleConns = 16
	}
	if c.HTTPIdleConnTimeout <= 0 {
		c.HTTPIdleConnTimeout = 90 * time.Second
	}
}
