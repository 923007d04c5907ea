package daemonrun

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"scormsync/internal/config"
	"scormsync/internal/ipc"
	"scormsync/internal/logging"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
	// SocketPath overrides the configured control socket location.
	SocketPath string
}

// Run starts the scormsync daemon and blocks until SIGINT/SIGTERM or a fatal
// error.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", cfg.LogPath()},
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	pidPath := filepath.Join(cfg.Paths.StateDir, "scormsync.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	rt, err := Build(signalCtx, cfg, logger)
	if err != nil {
		logging.ErrorWithContext(logger, "daemon wiring failed", "daemon_build_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check state_dir permissions, content_host settings and the progress backend"),
		)
		return err
	}
	defer rt.Close()

	socketPath := opts.SocketPath
	if socketPath == "" {
		socketPath = cfg.SocketPath()
	}
	ipcServer, err := ipc.NewServer(signalCtx, socketPath, rt.Daemon, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	logger.Info("configuration snapshot",
		logging.String(logging.FieldEventType, "config_snapshot"),
		logging.String("staging_dir", cfg.Paths.StagingDir),
		logging.String("state_dir", cfg.Paths.StateDir),
		logging.String("api_bind", cfg.Paths.APIBind),
		logging.Bool("api_token_set", cfg.Paths.APIToken != ""),
		logging.String("content_host", cfg.ContentHost.BaseURL),
		logging.String("progress_backend", cfg.Progress.Backend),
		logging.Int("max_retries", cfg.Uploads.MaxRetries),
	)

	g, ctx := errgroup.WithContext(signalCtx)
	g.Go(func() error {
		if err := rt.Daemon.Start(ctx); err != nil {
			return fmt.Errorf("start daemon: %w", err)
		}
		<-ctx.Done()
		return nil
	})
	g.Go(func() error {
		rt.Watch(ctx, cfg.HealthCheckInterval(), logger)
		return nil
	})
	if err := g.Wait(); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "another scormsync daemon may be running; check the lock files in state_dir"),
		)
		return err
	}
	logger.Info("scormsync daemon shutting down")
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
