package config

const (
	defaultConfigPath               = "~/.config/scormsync/config.toml"
	defaultStagingDir               = "~/.local/share/scormsync/staging"
	defaultStateDir                 = "~/.local/share/scormsync"
	defaultAPIBind                  = "127.0.0.1:7591"
	defaultMaxRetries               = 3
	defaultRetryBackoffBaseSeconds  = 30
	defaultRetryBackoffMaxSeconds   = 600
	defaultWorkerJoinTimeoutSeconds = 10
	defaultWorkerStaleSeconds       = 120
	defaultHealthCheckSeconds       = 60
	defaultOrphanMaxAgeHours        = 2
	defaultSweepIntervalMinutes     = 30
	defaultSweepErrorBackoffMinutes = 5
	defaultChunkSizeKiB             = 1024
	defaultContentHostTimeout       = 900
	defaultProgressBackend          = BackendSQLite
	defaultLogFormat                = "console"
	defaultLogLevel                 = "info"
)

// Progress backend identifiers.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StagingDir: defaultStagingDir,
			StateDir:   defaultStateDir,
			APIBind:    defaultAPIBind,
		},
		Uploads: Uploads{
			MaxRetries:                 defaultMaxRetries,
			RetryBackoffBaseSeconds:    defaultRetryBackoffBaseSeconds,
			RetryBackoffMaxSeconds:     defaultRetryBackoffMaxSeconds,
			WorkerJoinTimeoutSeconds:   defaultWorkerJoinTimeoutSeconds,
			WorkerStaleSeconds:         defaultWorkerStaleSeconds,
			HealthCheckIntervalSeconds: defaultHealthCheckSeconds,
		},
		Staging: Staging{
			OrphanMaxAgeHours:        defaultOrphanMaxAgeHours,
			SweepIntervalMinutes:     defaultSweepIntervalMinutes,
			SweepErrorBackoffMinutes: defaultSweepErrorBackoffMinutes,
			ChunkSizeKiB:             defaultChunkSizeKiB,
		},
		ContentHost: ContentHost{
			TimeoutSeconds: defaultContentHostTimeout,
		},
		Progress: Progress{
			Backend: defaultProgressBackend,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
