package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateUploads(); err != nil {
		return err
	}
	if err := c.validateStaging(); err != nil {
		return err
	}
	if err := c.validateContentHost(); err != nil {
		return err
	}
	if err := c.validateProgress(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateUploads() error {
	if c.Uploads.MaxRetries < 0 {
		return errors.New("uploads.max_retries must be zero or positive")
	}
	return nil
}

func (c *Config) validateStaging() error {
	if c.Staging.OrphanMaxAgeHours < 0 {
		return errors.New("staging.orphan_max_age_hours must be zero or positive")
	}
	return nil
}

func (c *Config) validateContentHost() error {
	if c.ContentHost.BaseURL == "" {
		return nil
	}
	parsed, err := url.Parse(c.ContentHost.BaseURL)
	if err != nil {
		return fmt.Errorf("content_host.base_url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("content_host.base_url must use http or https, got %q", parsed.Scheme)
	}
	return nil
}

func (c *Config) validateProgress() error {
	switch c.Progress.Backend {
	case BackendSQLite:
	case BackendRedis:
		if c.Progress.RedisAddr == "" {
			return errors.New("progress.redis_addr must be set when progress.backend is redis")
		}
	default:
		return fmt.Errorf("progress.backend: unsupported value %q", c.Progress.Backend)
	}
	if c.Progress.ScanRatePerSecond < 0 {
		return errors.New("progress.scan_rate_per_second must be zero or positive")
	}
	if c.Progress.ReconcileIntervalMinutes < 0 {
		return errors.New("progress.reconcile_interval_minutes must be zero or positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
}
