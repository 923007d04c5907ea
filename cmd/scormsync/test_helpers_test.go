package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"scormsync/internal/config"
	"scormsync/internal/daemon"
	"scormsync/internal/ipc"
	"scormsync/internal/logging"
	"scormsync/internal/progress"
	"scormsync/internal/services/contenthost"
	"scormsync/internal/staging"
	"scormsync/internal/testsupport"
	"scormsync/internal/uploads"
)

type okRegistrar struct{}

func (okRegistrar) Register(_ context.Context, _ string, courseID, _ string) (contenthost.Course, error) {
	return contenthost.Course{RemoteID: courseID, EntryURL: "https://host.example/" + courseID}, nil
}

func (okRegistrar) DeleteCourse(context.Context, string) (bool, error) { return true, nil }

type cliTestEnv struct {
	cfg        *config.Config
	daemon     *daemon.Daemon
	socketPath string
	configPath string
}

// newCLIConfig writes a config file for a fresh temp tree and returns the
// env without a running daemon.
func newCLIConfig(t *testing.T) *cliTestEnv {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	t.Setenv("HOME", filepath.Join(testsupport.BaseDir(cfg), "home"))

	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	writeTestConfig(t, configPath, cfg)

	// Unix socket paths are length limited; keep this one short.
	sockDir, err := os.MkdirTemp("", "ss")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(sockDir) })

	return &cliTestEnv{
		cfg:        cfg,
		socketPath: filepath.Join(sockDir, "cli.sock"),
		configPath: configPath,
	}
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()
	env := newCLIConfig(t)
	cfg := env.cfg

	st := testsupport.MustOpenStore(t, cfg)
	logger := logging.NewNop()
	stage, err := staging.NewStore(staging.Options{Root: cfg.Paths.StagingDir, Logger: logger})
	if err != nil {
		t.Fatalf("staging.NewStore: %v", err)
	}
	coord, err := uploads.New(uploads.Options{
		Registrar:   okRegistrar{},
		Catalog:     st,
		Stager:      stage,
		Logger:      logger,
		JoinTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("uploads.New: %v", err)
	}
	rec, err := progress.New(progress.Options{Store: st, Mirror: st, Logger: logger})
	if err != nil {
		t.Fatalf("progress.New: %v", err)
	}
	d, err := daemon.New(daemon.Deps{Config: cfg, Logger: logger, Catalog: st, Staging: stage, Uploads: coord, Reconciler: rec})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv, err := ipc.NewServer(ctx, env.socketPath, d, logger)
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping CLI test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	t.Cleanup(srv.Close)

	env.daemon = d
	return env
}

func runCLI(t *testing.T, env *cliTestEnv, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	flags := []string{"--socket", env.socketPath, "--config", env.configPath}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("encode config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func waitFor(t *testing.T, duration time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", duration)
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
