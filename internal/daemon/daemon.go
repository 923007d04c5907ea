package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"

	"scormsync/internal/config"
	"scormsync/internal/logging"
	"scormsync/internal/progress"
	"scormsync/internal/services"
	"scormsync/internal/staging"
	"scormsync/internal/store"
	"scormsync/internal/uploads"
)

var packageExtensions = map[string]struct{}{
	".zip": {},
}

// Deps are the collaborators a Daemon coordinates. Everything except
// Scheduler and Gatherer is required.
type Deps struct {
	Config     *config.Config
	Logger     *slog.Logger
	Catalog    *store.Store
	Staging    *staging.Store
	Sweeper    *staging.Sweeper
	Uploads    *uploads.Coordinator
	Reconciler *progress.Reconciler
	Scheduler  *progress.Scheduler
	Gatherer   prometheus.Gatherer
}

// Daemon coordinates the background services and enforces single-instance execution.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	catalog    *store.Store
	staging    *staging.Store
	sweeper    *staging.Sweeper
	uploads    *uploads.Coordinator
	reconciler *progress.Reconciler
	scheduler  *progress.Scheduler
	gatherer   prometheus.Gatherer

	lockPath string
	lock     *flock.Flock
	api      *apiServer

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Status represents daemon runtime information.
type Status struct {
	Running         bool                 `json:"running"`
	PID             int                  `json:"pid"`
	Uploads         uploads.Status       `json:"uploads"`
	Staging         StagingStatus        `json:"staging"`
	LastReconcile   *progress.ScanResult `json:"last_reconcile,omitempty"`
	ProgressBackend string               `json:"progress_backend"`
	DatabasePath    string               `json:"database_path"`
	LockFilePath    string               `json:"lock_file_path"`
}

// StagingStatus summarizes the staging area.
type StagingStatus struct {
	Root           string    `json:"root"`
	ActiveCount    int       `json:"active_count"`
	TotalBytes     int64     `json:"total_bytes"`
	FreeBytes      uint64    `json:"free_bytes"`
	LastSweep      time.Time `json:"last_sweep,omitzero"`
	LastSweepError string    `json:"last_sweep_error,omitempty"`
}

// CleanupResult reports an operator-triggered orphan sweep.
type CleanupResult struct {
	DryRun bool     `json:"dry_run"`
	Paths  []string `json:"paths"`
	Errors []string `json:"errors,omitempty"`
}

// New constructs a daemon with initialized dependencies.
func New(deps Deps) (*Daemon, error) {
	if deps.Config == nil || deps.Catalog == nil || deps.Staging == nil || deps.Uploads == nil || deps.Reconciler == nil {
		return nil, errors.New("daemon requires config, catalog, staging, uploads, and reconciler")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	sweeper := deps.Sweeper
	if sweeper == nil {
		sweeper = staging.NewSweeper(deps.Staging, staging.SweeperOptions{
			Interval:     deps.Config.SweepInterval(),
			MaxAge:       deps.Config.OrphanMaxAge(),
			ErrorBackoff: deps.Config.SweepErrorBackoff(),
			Logger:       logger,
		})
	}

	lockPath := filepath.Join(deps.Config.Paths.StateDir, "scormsyncd.lock")
	d := &Daemon{
		cfg:        deps.Config,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		catalog:    deps.Catalog,
		staging:    deps.Staging,
		sweeper:    sweeper,
		uploads:    deps.Uploads,
		reconciler: deps.Reconciler,
		scheduler:  deps.Scheduler,
		gatherer:   deps.Gatherer,
		lockPath:   lockPath,
		lock:       flock.New(lockPath),
	}
	d.api = newAPIServer(deps.Config, d, logger)
	return d, nil
}

// Start acquires the daemon lock and launches the sweeper, the upload worker,
// its health loop, the reconcile scheduler, and the HTTP API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another scormsync daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	fail := func(err error) error {
		cancel()
		d.stopServices()
		_ = d.lock.Unlock()
		return err
	}

	if err := d.sweeper.Start(runCtx); err != nil {
		return fail(fmt.Errorf("start staging sweeper: %w", err))
	}
	if _, err := d.uploads.EnsureRunning(); err != nil {
		if !errors.Is(err, uploads.ErrNotOwner) {
			return fail(fmt.Errorf("start upload worker: %w", err))
		}
		logging.WarnWithContext(d.logger, "upload worker owned by another process", "upload_worker_not_owner",
			logging.String("lock", d.cfg.WorkerLockPath()),
			logging.String(logging.FieldErrorHint, "stop the other scormsync process to take over registration"),
			logging.String(logging.FieldImpact, "uploads accepted here wait until this process owns the worker"),
		)
	}
	if d.scheduler != nil {
		if err := d.scheduler.Start(runCtx); err != nil {
			return fail(fmt.Errorf("start reconcile scheduler: %w", err))
		}
	}
	if err := d.api.start(runCtx); err != nil {
		return fail(err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.uploads.RunHealthLoop(runCtx, d.cfg.HealthCheckInterval())
	}()

	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("scormsync daemon started",
		logging.String("lock", d.lockPath),
		logging.String("staging_dir", d.staging.Root()),
	)
	return nil
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.wg.Wait()
	d.stopServices()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("scormsync daemon stopped")
}

func (d *Daemon) stopServices() {
	d.api.stop()
	if d.scheduler != nil {
		d.scheduler.Stop()
	}
	d.sweeper.Stop()
	d.uploads.Stop()
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	err := d.uploads.Close()
	if d.catalog != nil {
		err = errors.Join(err, d.catalog.Close())
	}
	return err
}

// Status returns the current daemon status.
func (d *Daemon) Status(context.Context) Status {
	stats := d.staging.Stats()
	st := Status{
		Running:         d.running.Load(),
		PID:             os.Getpid(),
		Uploads:         d.uploads.Status(),
		ProgressBackend: d.cfg.Progress.Backend,
		DatabasePath:    d.catalog.Path(),
		LockFilePath:    d.lockPath,
		Staging: StagingStatus{
			Root:        d.staging.Root(),
			ActiveCount: stats.ActiveCount,
			TotalBytes:  stats.TotalBytes,
		},
	}
	if free, err := d.staging.FreeBytes(); err == nil {
		st.Staging.FreeBytes = free
	}
	lastRun, lastErr := d.sweeper.LastRun()
	st.Staging.LastSweep = lastRun
	if lastErr != nil {
		st.Staging.LastSweepError = lastErr.Error()
	}
	if d.scheduler != nil {
		if last := d.scheduler.LastResult(); last.Count > 0 {
			st.LastReconcile = &last
		}
	}
	return st
}

// Intake stages an incoming package stream and hands it to the upload
// coordinator. size is a hint for the free-space preflight; zero skips it.
func (d *Daemon) Intake(ctx context.Context, filename string, size int64, body io.Reader, meta uploads.Metadata) (uploads.Submission, error) {
	if strings.TrimSpace(filename) == "" {
		return uploads.Submission{}, services.Wrap(services.ErrValidation, "daemon", "intake", "filename is required", nil)
	}
	if size > 0 {
		free, err := d.staging.FreeBytes()
		if err != nil {
			d.logger.Warn("staging free space unavailable", logging.Error(err))
		} else if uint64(size) > free {
			return uploads.Submission{}, services.Wrap(services.ErrResource, "daemon", "intake",
				fmt.Sprintf("insufficient staging space: need %s, have %s",
					logging.FormatBytes(size), logging.FormatBytes(int64(free))), nil)
		}
	}

	path, err := d.staging.Allocate(filename)
	if err != nil {
		return uploads.Submission{}, err
	}
	if pending, ok := d.staging.Lookup(path); ok {
		ctx = services.WithUploadID(ctx, pending.ID)
	}
	if err := d.staging.PersistStream(ctx, body, path); err != nil {
		return uploads.Submission{}, err
	}
	pending, ok := d.staging.Lookup(path)
	if !ok {
		return uploads.Submission{}, services.Wrap(services.ErrResource, "daemon", "intake", "staged upload vanished before enqueue", nil)
	}
	return d.uploads.Enqueue(pending, meta)
}

// AddFile stages a local package file through the same path as HTTP uploads.
func (d *Daemon) AddFile(ctx context.Context, sourcePath, title string) (uploads.Submission, error) {
	trimmed := strings.TrimSpace(sourcePath)
	if trimmed == "" {
		return uploads.Submission{}, services.Wrap(services.ErrValidation, "daemon", "add file", "source path is required", nil)
	}
	absPath, err := filepath.Abs(trimmed)
	if err != nil {
		return uploads.Submission{}, fmt.Errorf("resolve source path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return uploads.Submission{}, services.Wrap(services.ErrNotFound, "daemon", "add file", absPath, err)
		}
		return uploads.Submission{}, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return uploads.Submission{}, services.Wrap(services.ErrValidation, "daemon", "add file",
			fmt.Sprintf("source path %q is a directory", absPath), nil)
	}
	ext := strings.ToLower(filepath.Ext(info.Name()))
	if _, ok := packageExtensions[ext]; !ok {
		return uploads.Submission{}, services.Wrap(services.ErrValidation, "daemon", "add file",
			fmt.Sprintf("unsupported file extension %q", ext), nil)
	}

	f, err := os.Open(absPath)
	if err != nil {
		return uploads.Submission{}, fmt.Errorf("open source file: %w", err)
	}
	defer f.Close()

	sub, err := d.Intake(ctx, info.Name(), info.Size(), f, uploads.Metadata{Title: title, SubmittedBy: "cli"})
	if err != nil {
		return uploads.Submission{}, err
	}
	d.logger.Info("manual package queued",
		logging.String(logging.FieldUploadID, sub.ID),
		logging.String(logging.FieldCourseID, sub.CourseID),
		logging.String("source", absPath),
	)
	return sub, nil
}

// Submission returns one tracked submission.
func (d *Daemon) Submission(id string) (uploads.Submission, bool) {
	return d.uploads.Lookup(id)
}

// Submissions lists every tracked submission.
func (d *Daemon) Submissions() []uploads.Submission {
	return d.uploads.Submissions()
}

// Resubmit requeues a permanently failed submission.
func (d *Daemon) Resubmit(id string) (uploads.Submission, error) {
	return d.uploads.Resubmit(id)
}

// StartWorker ensures the upload worker is running.
func (d *Daemon) StartWorker() (bool, error) {
	return d.uploads.EnsureRunning()
}

// StopWorker asks the upload worker to exit and reports whether it joined.
func (d *Daemon) StopWorker() bool {
	return d.uploads.Stop()
}

// RestartWorker restarts the upload worker. A forced restart abandons a
// worker that does not exit within the join timeout.
func (d *Daemon) RestartWorker(force bool) (uploads.RestartResult, error) {
	if force {
		return d.uploads.ForceRestart()
	}
	joined := d.uploads.Stop()
	started, err := d.uploads.EnsureRunning()
	return uploads.RestartResult{Joined: joined, Started: started}, err
}

// Cleanup sweeps orphaned staging files older than maxAge, or only lists
// them when dryRun is set. A negative maxAge uses the configured threshold.
func (d *Daemon) Cleanup(dryRun bool, maxAge time.Duration) (CleanupResult, error) {
	if maxAge < 0 {
		maxAge = d.cfg.OrphanMaxAge()
	}
	if dryRun {
		paths, err := d.staging.Candidates(maxAge)
		if err != nil {
			return CleanupResult{}, err
		}
		return CleanupResult{DryRun: true, Paths: paths}, nil
	}
	result := d.staging.SweepOrphans(maxAge)
	out := CleanupResult{Paths: result.Removed}
	for _, ce := range result.Errors {
		out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", ce.Path, ce.Error))
	}
	d.logger.Info("operator cleanup finished",
		logging.Int("removed", len(out.Paths)),
		logging.Int("errors", len(out.Errors)),
		logging.Duration("max_age", maxAge),
	)
	return out, nil
}

// Diagnose runs a batch scan over stored progress records.
func (d *Daemon) Diagnose(ctx context.Context, filter progress.Filter) (progress.ScanResult, error) {
	return d.reconciler.BatchScan(ctx, filter)
}

// Packages lists registered content packages.
func (d *Daemon) Packages(ctx context.Context) ([]store.ContentPackage, error) {
	return d.catalog.ListPackages(ctx)
}

// LogPath returns the path to the daemon log file.
func (d *Daemon) LogPath() string {
	return d.cfg.LogPath()
}
