package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// EnvPrefix is prepended to every environment override, e.g. SCORMSYNC_UPLOADS_MAX_RETRIES.
const EnvPrefix = "SCORMSYNC_"

// Paths contains directory and bind address configuration.
type Paths struct {
	StagingDir string `toml:"staging_dir" env:"STAGING_DIR"`
	StateDir   string `toml:"state_dir" env:"STATE_DIR"`
	APIBind    string `toml:"api_bind" env:"API_BIND"`
	APIToken   string `toml:"api_token" env:"API_TOKEN"`
}

// Uploads controls the background registration worker.
type Uploads struct {
	MaxRetries                 int `toml:"max_retries" env:"MAX_RETRIES"`
	RetryBackoffBaseSeconds    int `toml:"retry_backoff_base_seconds" env:"RETRY_BACKOFF_BASE_SECONDS"`
	RetryBackoffMaxSeconds     int `toml:"retry_backoff_max_seconds" env:"RETRY_BACKOFF_MAX_SECONDS"`
	WorkerJoinTimeoutSeconds   int `toml:"worker_join_timeout_seconds" env:"WORKER_JOIN_TIMEOUT_SECONDS"`
	WorkerStaleSeconds         int `toml:"worker_stale_seconds" env:"WORKER_STALE_SECONDS"`
	HealthCheckIntervalSeconds int `toml:"health_check_interval_seconds" env:"HEALTH_CHECK_INTERVAL_SECONDS"`
}

// Staging controls temporary upload storage and the orphan sweep.
type Staging struct {
	OrphanMaxAgeHours        int `toml:"orphan_max_age_hours" env:"ORPHAN_MAX_AGE_HOURS"`
	SweepIntervalMinutes     int `toml:"sweep_interval_minutes" env:"SWEEP_INTERVAL_MINUTES"`
	SweepErrorBackoffMinutes int `toml:"sweep_error_backoff_minutes" env:"SWEEP_ERROR_BACKOFF_MINUTES"`
	ChunkSizeKiB             int `toml:"chunk_size_kib" env:"CHUNK_SIZE_KIB"`
}

// ContentHost contains the Package Registration Service connection settings.
type ContentHost struct {
	BaseURL        string `toml:"base_url" env:"BASE_URL"`
	AppID          string `toml:"app_id" env:"APP_ID"`
	SecretKey      string `toml:"secret_key" env:"SECRET_KEY"`
	TimeoutSeconds int    `toml:"timeout_seconds" env:"TIMEOUT_SECONDS"`
}

// Progress selects the progress backend and the reconciliation schedule.
type Progress struct {
	Backend                  string  `toml:"backend" env:"BACKEND"`
	RedisAddr                string  `toml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword            string  `toml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB                  int     `toml:"redis_db" env:"REDIS_DB"`
	ScanRatePerSecond        float64 `toml:"scan_rate_per_second" env:"SCAN_RATE_PER_SECOND"`
	ReconcileIntervalMinutes int     `toml:"reconcile_interval_minutes" env:"RECONCILE_INTERVAL_MINUTES"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format" env:"FORMAT"`
	Level  string `toml:"level" env:"LEVEL"`
}

// Config encapsulates all configuration values for scormsync.
//
// Configuration sections by subsystem:
//   - Paths: staging/state directories and API bind address
//   - Uploads: registration worker retry policy and health checks
//   - Staging: temp upload chunking and orphan sweep timing
//   - ContentHost: Package Registration Service endpoint and credentials
//   - Progress: progress store backend and reconciliation schedule
//   - Logging: log format and level
type Config struct {
	Paths       Paths       `toml:"paths" envPrefix:"PATHS_"`
	Uploads     Uploads     `toml:"uploads" envPrefix:"UPLOADS_"`
	Staging     Staging     `toml:"staging" envPrefix:"STAGING_"`
	ContentHost ContentHost `toml:"content_host" envPrefix:"CONTENT_HOST_"`
	Progress    Progress    `toml:"progress" envPrefix:"PROGRESS_"`
	Logging     Logging     `toml:"logging" envPrefix:"LOGGING_"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized. Environment overrides are applied after the file.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, "", false, fmt.Errorf("apply environment overrides: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("scormsync.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StagingDir, c.Paths.StateDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.StateDir, "scormsync.db")
}

// SocketPath returns the daemon control socket location.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.StateDir, "scormsync.sock")
}

// WorkerLockPath returns the lock file that designates the worker-owning process.
func (c *Config) WorkerLockPath() string {
	return filepath.Join(c.Paths.StateDir, "worker.lock")
}

// LogPath returns the daemon log file location.
func (c *Config) LogPath() string {
	return filepath.Join(c.Paths.StateDir, "scormsync.log")
}

// OrphanMaxAge returns the sweep age threshold.
func (c *Config) OrphanMaxAge() time.Duration {
	return time.Duration(c.Staging.OrphanMaxAgeHours) * time.Hour
}

// SweepInterval returns the delay between orphan sweeps.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Staging.SweepIntervalMinutes) * time.Minute
}

// SweepErrorBackoff returns the delay after a failed sweep iteration.
func (c *Config) SweepErrorBackoff() time.Duration {
	return time.Duration(c.Staging.SweepErrorBackoffMinutes) * time.Minute
}

// RetryBackoffBase returns the first retry delay.
func (c *Config) RetryBackoffBase() time.Duration {
	return time.Duration(c.Uploads.RetryBackoffBaseSeconds) * time.Second
}

// RetryBackoffMax returns the retry delay cap.
func (c *Config) RetryBackoffMax() time.Duration {
	return time.Duration(c.Uploads.RetryBackoffMaxSeconds) * time.Second
}

// WorkerJoinTimeout bounds how long Stop waits for the worker goroutine.
func (c *Config) WorkerJoinTimeout() time.Duration {
	return time.Duration(c.Uploads.WorkerJoinTimeoutSeconds) * time.Second
}

// WorkerStaleAfter is the heartbeat age after which the worker is reported dead.
func (c *Config) WorkerStaleAfter() time.Duration {
	return time.Duration(c.Uploads.WorkerStaleSeconds) * time.Second
}

// HealthCheckInterval returns the delay between worker health checks.
func (c *Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.Uploads.HealthCheckIntervalSeconds) * time.Second
}

// ReconcileInterval returns the scheduled batch reconciliation period; zero disables it.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Progress.ReconcileIntervalMinutes) * time.Minute
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
