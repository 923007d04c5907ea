package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"scormsync/internal/config"
	"scormsync/internal/daemon"
	"scormsync/internal/logging"
	"scormsync/internal/progress"
	"scormsync/internal/services/contenthost"
	"scormsync/internal/staging"
	"scormsync/internal/store"
	"scormsync/internal/store/redisprogress"
	"scormsync/internal/uploads"
)

// Runtime is a fully wired daemon plus the backends it does not own. The
// daemon closes the catalog itself.
type Runtime struct {
	Daemon   *daemon.Daemon
	Registry *prometheus.Registry

	closers []func() error
	checks  map[string]func(context.Context) error
}

// Watch pings each backend every interval until ctx ends, logging failures.
func (r *Runtime) Watch(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 || len(r.checks) == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for name, check := range r.checks {
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := check(checkCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				logging.WarnWithContext(logger, "backend health check failed", "backend_check_failed",
					logging.String("backend", name),
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check that the "+name+" backend is reachable"),
					logging.String(logging.FieldImpact, "progress reconciliation and package cataloguing may fail"),
				)
			}
		}
	}
}

// Close stops the daemon and releases every backend.
func (r *Runtime) Close() error {
	var err error
	if r.Daemon != nil {
		err = r.Daemon.Close()
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		err = errors.Join(err, r.closers[i]())
	}
	return err
}

// Build opens the catalog and the configured progress backend concurrently,
// then wires the staging store, upload coordinator, reconciler, and daemon.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	var (
		catalog  *store.Store
		redisSt  *redisprogress.Store
		registry = prometheus.NewRegistry()
	)
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		st, err := store.Open(cfg)
		if err != nil {
			return fmt.Errorf("open catalog: %w", err)
		}
		catalog = st
		return nil
	})
	if cfg.Progress.Backend == config.BackendRedis {
		g.Go(func() error {
			st, err := redisprogress.Open(gctx, redisprogress.Config{
				Addr:     cfg.Progress.RedisAddr,
				Password: cfg.Progress.RedisPassword,
				DB:       cfg.Progress.RedisDB,
			}, logger)
			if err != nil {
				return fmt.Errorf("open redis progress store: %w", err)
			}
			redisSt = st
			return nil
		})
	}
	waitErr := g.Wait()

	rt := &Runtime{Registry: registry, checks: map[string]func(context.Context) error{}}
	if catalog != nil {
		rt.checks["sqlite"] = catalog.Ping
	}
	if redisSt != nil {
		rt.closers = append(rt.closers, redisSt.Close)
		rt.checks["redis"] = redisSt.HealthCheck
	}
	fail := func(err error) (*Runtime, error) {
		if catalog != nil {
			_ = catalog.Close()
		}
		_ = rt.Close()
		return nil, err
	}
	if waitErr != nil {
		return fail(waitErr)
	}

	client, err := contenthost.NewFromConfig(cfg, logger)
	if err != nil {
		return fail(fmt.Errorf("content host client: %w", err))
	}

	stage, err := staging.NewStore(staging.Options{
		Root:       cfg.Paths.StagingDir,
		ChunkSize:  cfg.Staging.ChunkSizeKiB << 10,
		Logger:     logger,
		Registerer: registry,
	})
	if err != nil {
		return fail(err)
	}
	sweeper := staging.NewSweeper(stage, staging.SweeperOptions{
		Interval:     cfg.SweepInterval(),
		MaxAge:       cfg.OrphanMaxAge(),
		ErrorBackoff: cfg.SweepErrorBackoff(),
		Logger:       logger,
	})

	coord, err := uploads.New(uploads.Options{
		Registrar:   client,
		Catalog:     catalog,
		Stager:      stage,
		Logger:      logger,
		Registerer:  registry,
		MaxRetries:  cfg.Uploads.MaxRetries,
		BackoffBase: cfg.RetryBackoffBase(),
		BackoffMax:  cfg.RetryBackoffMax(),
		JoinTimeout: cfg.WorkerJoinTimeout(),
		StaleAfter:  cfg.WorkerStaleAfter(),
		LockPath:    cfg.WorkerLockPath(),
	})
	if err != nil {
		return fail(err)
	}

	var progressStore progress.Store = catalog
	if redisSt != nil {
		progressStore = redisSt
	}
	reconciler, err := progress.New(progress.Options{
		Store:         progressStore,
		Mirror:        catalog,
		Logger:        logger,
		RatePerSecond: cfg.Progress.ScanRatePerSecond,
	})
	if err != nil {
		_ = coord.Close()
		return fail(err)
	}

	d, err := daemon.New(daemon.Deps{
		Config:     cfg,
		Logger:     logger,
		Catalog:    catalog,
		Staging:    stage,
		Sweeper:    sweeper,
		Uploads:    coord,
		Reconciler: reconciler,
		Scheduler:  progress.NewScheduler(reconciler, cfg.ReconcileInterval(), logger),
		Gatherer:   registry,
	})
	if err != nil {
		_ = coord.Close()
		return fail(err)
	}
	rt.Daemon = d
	return rt, nil
}
