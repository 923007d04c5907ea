package staging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"scormsync/internal/logging"
)

const (
	DefaultSweepInterval     = 30 * time.Minute
	DefaultOrphanMaxAge      = 2 * time.Hour
	DefaultSweepErrorBackoff = 5 * time.Minute
)

// SweeperOptions configures the periodic orphan sweep.
type SweeperOptions struct {
	Interval     time.Duration
	MaxAge       time.Duration
	ErrorBackoff time.Duration
	Logger       *slog.Logger
}

// Sweeper periodically removes orphaned staging files. It must be started
// explicitly and stops when Stop is called or its context ends.
type Sweeper struct {
	store        *Store
	interval     time.Duration
	maxAge       time.Duration
	errorBackoff time.Duration
	logger       *slog.Logger

	// sweep is replaceable in tests.
	sweep func(time.Duration) SweepResult

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastRun time.Time
	lastErr error
}

// NewSweeper builds a sweeper for store.
func NewSweeper(store *Store, opts SweeperOptions) *Sweeper {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	backoff := opts.ErrorBackoff
	if backoff <= 0 {
		backoff = DefaultSweepErrorBackoff
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultOrphanMaxAge
	}
	sw := &Sweeper{
		store:        store,
		interval:     interval,
		maxAge:       maxAge,
		errorBackoff: backoff,
		logger:       logging.NewComponentLogger(opts.Logger, "staging-sweeper"),
	}
	sw.sweep = store.SweepOrphans
	return sw
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("sweeper already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.wg.Add(1)
	go s.loop(runCtx)
	s.logger.Info("staging sweeper started",
		logging.Duration("interval", s.interval),
		logging.Duration("max_age", s.maxAge),
	)
	return nil
}

// Stop cancels the loop and waits for the in-flight iteration.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

// Running reports whether the loop is active.
func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastRun returns when the last iteration finished and its error, if any.
func (s *Sweeper) LastRun() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastErr
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		wait := s.interval
		if err := s.runOnce(); err != nil {
			logging.WarnWithContext(s.logger, "staging sweep iteration failed", "staging_sweep_failed",
				logging.Error(err),
				logging.Duration("retry_in", s.errorBackoff),
				logging.String(logging.FieldErrorHint, "check staging_dir permissions"),
				logging.String(logging.FieldImpact, "orphaned uploads not reclaimed until next sweep"),
			)
			wait = s.errorBackoff
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// runOnce performs one sweep, converting panics into errors so one bad
// iteration cannot end the loop.
func (s *Sweeper) runOnce() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sweep panic: %v", r)
		}
		s.mu.Lock()
		s.lastRun = time.Now()
		s.lastErr = err
		s.mu.Unlock()
	}()

	result := s.sweep(s.maxAge)
	if len(result.Removed) > 0 {
		s.logger.Info("staging sweep removed orphans",
			logging.Int("removed", len(result.Removed)),
			logging.String(logging.FieldEventType, "staging_cleanup"),
		)
	}
	if len(result.Errors) > 0 {
		first := result.Errors[0]
		return fmt.Errorf("sweep %s: %w (%d errors)", first.Path, first.Error, len(result.Errors))
	}
	return nil
}
