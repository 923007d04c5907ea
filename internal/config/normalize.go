package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeUploads()
	c.normalizeStaging()
	c.normalizeContentHost()
	c.normalizeProgress()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StagingDir) == "" {
		c.Paths.StagingDir = defaultStagingDir
	}
	if c.Paths.StagingDir, err = expandPath(c.Paths.StagingDir); err != nil {
		return fmt.Errorf("paths.staging_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	return nil
}

func (c *Config) normalizeUploads() {
	if c.Uploads.RetryBackoffBaseSeconds <= 0 {
		c.Uploads.RetryBackoffBaseSeconds = defaultRetryBackoffBaseSeconds
	}
	if c.Uploads.RetryBackoffMaxSeconds < c.Uploads.RetryBackoffBaseSeconds {
		c.Uploads.RetryBackoffMaxSeconds = c.Uploads.RetryBackoffBaseSeconds
	}
	if c.Uploads.WorkerJoinTimeoutSeconds <= 0 {
		c.Uploads.WorkerJoinTimeoutSeconds = defaultWorkerJoinTimeoutSeconds
	}
	if c.Uploads.WorkerStaleSeconds <= 0 {
		c.Uploads.WorkerStaleSeconds = defaultWorkerStaleSeconds
	}
	if c.Uploads.HealthCheckIntervalSeconds <= 0 {
		c.Uploads.HealthCheckIntervalSeconds = defaultHealthCheckSeconds
	}
}

func (c *Config) normalizeStaging() {
	if c.Staging.SweepIntervalMinutes <= 0 {
		c.Staging.SweepIntervalMinutes = defaultSweepIntervalMinutes
	}
	if c.Staging.SweepErrorBackoffMinutes <= 0 {
		c.Staging.SweepErrorBackoffMinutes = defaultSweepErrorBackoffMinutes
	}
	if c.Staging.ChunkSizeKiB <= 0 {
		c.Staging.ChunkSizeKiB = defaultChunkSizeKiB
	}
}

func (c *Config) normalizeContentHost() {
	c.ContentHost.BaseURL = strings.TrimRight(strings.TrimSpace(c.ContentHost.BaseURL), "/")
	c.ContentHost.AppID = strings.TrimSpace(c.ContentHost.AppID)
	c.ContentHost.SecretKey = strings.TrimSpace(c.ContentHost.SecretKey)
	if c.ContentHost.TimeoutSeconds <= 0 {
		c.ContentHost.TimeoutSeconds = defaultContentHostTimeout
	}
}

func (c *Config) normalizeProgress() {
	c.Progress.Backend = strings.ToLower(strings.TrimSpace(c.Progress.Backend))
	if c.Progress.Backend == "" {
		c.Progress.Backend = defaultProgressBackend
	}
	c.Progress.RedisAddr = strings.TrimSpace(c.Progress.RedisAddr)
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
