// Package config resolves tada's settings from defaults, TOML files, the
// environment and command-line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

const (
	DefaultAPIURL    = "http://localhost:8000"
	DefaultAuthURL   = "http://localhost:3000"
	DefaultTimeout   = 10 * time.Second
	DefaultStaleTime = 60 * time.Second
	DefaultRetries   = 3
	DefaultLogLevel  = "warn"
	DefaultLogFormat = "text"
	DefaultTheme     = "classic"
)

// Config is the resolved configuration.
type Config struct {
	APIURL    string        `toml:"api_url" env:"TADA_API_URL"`
	AuthURL   string        `toml:"auth_url" env:"TADA_AUTH_URL"`
	Timeout   time.Duration `toml:"timeout" env:"TADA_TIMEOUT"`
	StaleTime time.Duration `toml:"stale_time" env:"TADA_STALE_TIME"`
	Retries   uint          `toml:"retries" env:"TADA_RETRIES"`

	LogLevel  string `toml:"log_level" env:"TADA_LOG_LEVEL"`
	LogFormat string `toml:"log_format" env:"TADA_LOG_FORMAT"`
	Theme     string `toml:"theme" env:"TADA_THEME"`

	// Dir holds credentials.json and the user config file. Empty means ~/.tada.
	Dir string `toml:"dir" env:"TADA_HOME"`
}

func setDefaults(cfg *Config) {
	cfg.APIURL = DefaultAPIURL
	cfg.AuthURL = DefaultAuthURL
	cfg.Timeout = DefaultTimeout
	cfg.StaleTime = DefaultStaleTime
	cfg.Retries = DefaultRetries
	cfg.LogLevel = DefaultLogLevel
	cfg.LogFormat = DefaultLogFormat
	cfg.Theme = DefaultTheme
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// Validate rejects settings the clients cannot work with.
func (c *Config) Validate() error {
	var errs []error
	for name, raw := range map[string]string{"api_url": c.APIURL, "auth_url": c.AuthURL} {
		u, err := url.Parse(raw)
		if raw == "" || err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s: %q is not an absolute URL", name, raw))
		}
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout: must be positive, got %s", c.Timeout))
	}
	if c.StaleTime <= 0 {
		errs = append(errs, fmt.Errorf("stale_time: must be positive, got %s", c.StaleTime))
	}
	if c.Retries > 10 {
		errs = append(errs, fmt.Errorf("retries: at most 10, got %d", c.Retries))
	}
	return errors.Join(errs...)
}
