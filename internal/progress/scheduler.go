package progress

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"scormsync/internal/logging"
)

// Scheduler runs a fixing BatchScan on an interval.
type Scheduler struct {
	reconciler *Reconciler
	interval   time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	last    ScanResult
}

// NewScheduler builds a scheduler. A non-positive interval yields a scheduler
// whose Start is a no-op.
func NewScheduler(r *Reconciler, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		reconciler: r,
		interval:   interval,
		logger:     logging.NewComponentLogger(logger, "reconcile-scheduler"),
	}
}

// Start launches the loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("reconcile scheduler already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.wg.Add(1)
	go s.loop(runCtx)
	return nil
}

// Stop ends the loop and waits for an in-flight scan to observe cancellation.
func (s *Scheduler) Stop() {
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

// LastResult returns the result of the most recent completed scan.
func (s *Scheduler) LastResult() ScanResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		result, err := s.reconciler.BatchScan(ctx, Filter{Fix: true})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logging.WarnWithContext(s.logger, "scheduled progress scan failed", "reconcile_scan_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check progress store connectivity"),
				logging.String(logging.FieldImpact, "drift will be repaired on the next interval"),
			)
		}
		s.mu.Lock()
		s.last = result
		s.mu.Unlock()
	}
}
