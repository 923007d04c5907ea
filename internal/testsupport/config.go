package testsupport

import (
	"path/filepath"
	"testing"

	"scormsync/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StagingDir = filepath.Join(base, "staging")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.ContentHost.BaseURL = "http://127.0.0.1:1"
	cfgVal.Uploads.RetryBackoffBaseSeconds = 1
	cfgVal.Uploads.RetryBackoffMaxSeconds = 1

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithContentHost points the registration client at baseURL.
func WithContentHost(baseURL string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.ContentHost.BaseURL = baseURL
		b.cfg.ContentHost.AppID = "test-app"
		b.cfg.ContentHost.SecretKey = "test-secret"
	}
}

// WithRedisProgress selects the Redis progress backend at addr.
func WithRedisProgress(addr string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Progress.Backend = config.BackendRedis
		b.cfg.Progress.RedisAddr = addr
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StagingDir)
}
