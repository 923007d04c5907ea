package uploads

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"scormsync/internal/logging"
	"scormsync/internal/services"
	"scormsync/internal/store"
)

func (c *Coordinator) run(ctx context.Context, w *worker) {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			logging.ErrorWithContext(c.logger, "upload worker crashed", "upload_worker_panic",
				logging.Int("worker", w.id),
				logging.String("panic", fmt.Sprint(r)),
				logging.String(logging.FieldErrorHint, "health check will start a replacement"),
			)
			c.mu.Lock()
			if c.current == w {
				c.running = false
				c.current = nil
			}
			c.mu.Unlock()
		}
	}()

	ticker := time.NewTicker(c.heartbeatInterval())
	defer ticker.Stop()
	for {
		id, ok := c.next(ctx, w, ticker.C)
		if !ok {
			return
		}
		c.process(ctx, w, id)
	}
}

// next blocks until a submission is ready or ctx ends, stamping the
// heartbeat while it waits.
func (c *Coordinator) next(ctx context.Context, w *worker, beat <-chan time.Time) (string, bool) {
	for {
		if ctx.Err() != nil {
			return "", false
		}
		now := c.now()
		w.stamp(now)
		c.queue.promote(now)
		id, ok := c.queue.pop()
		c.refreshDepth()
		if ok {
			return id, true
		}

		var (
			timer  *time.Timer
			timerC <-chan time.Time
		)
		if due, ok := c.queue.nextDue(); ok {
			timer = time.NewTimer(max(due.Sub(now), 0))
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
		case <-c.queue.signal:
		case <-timerC:
		case <-beat:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (c *Coordinator) process(ctx context.Context, w *worker, id string) {
	c.mu.Lock()
	t, ok := c.subs[id]
	if !ok || t.sub.State.Terminal() {
		c.mu.Unlock()
		return
	}
	t.sub.AttemptCount++
	t.sub.LastAttemptAt = c.now()
	t.sub.NextAttemptAt = time.Time{}
	c.transitionLocked(t, StateRegistering, "")
	c.inFlight = id
	sub := t.sub.clone()
	c.mu.Unlock()

	logger := c.logger.With(
		logging.String(logging.FieldUploadID, sub.ID),
		logging.String(logging.FieldCourseID, sub.CourseID),
		logging.Int(logging.FieldAttempt, sub.AttemptCount),
	)
	logger.Info("registering package", logging.String(logging.FieldEventType, "upload_registering"))

	beatCtx, stopBeat := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go c.beatWhileBusy(beatCtx, &wg, w)
	started := time.Now()
	pkg, err := c.attempt(ctx, sub)
	stopBeat()
	wg.Wait()
	w.stamp(c.now())

	c.mu.Lock()
	c.inFlight = ""
	if err == nil {
		t.sub.RemoteID = pkg.RemoteID
		t.sub.EntryURL = pkg.EntryPointURL
		t.sub.PackageID = pkg.LocalID
		t.sub.LastError = ""
		c.transitionLocked(t, StateRegistered, "")
		c.markTerminalLocked(id)
		c.mu.Unlock()

		c.stager.Release(sub.TempPath)
		c.metrics.attempts.WithLabelValues(outcomeRegistered).Inc()
		logger.Info("package registered",
			logging.String("remote_id", pkg.RemoteID),
			logging.Int64("package_id", pkg.LocalID),
			logging.Duration("elapsed", time.Since(started)),
			logging.String(logging.FieldEventType, "upload_registered"),
		)
		return
	}

	kind := services.Classify(err)
	switch {
	case ctx.Err() != nil:
		kind = services.KindCanceled
	case kind == services.KindCanceled:
		// A collaborator canceled on its own while the worker is live; that
		// attempt counts against the retry budget like any other failure.
		kind = services.KindRetryable
	}
	t.sub.LastError = err.Error()

	switch {
	case kind == services.KindCanceled:
		t.sub.AttemptCount--
		c.transitionLocked(t, StateQueued, "")
		c.mu.Unlock()
		c.queue.pushFront(id)
		c.refreshDepth()
		c.metrics.attempts.WithLabelValues(outcomeCanceled).Inc()
		logger.Info("registration interrupted by worker stop; requeued",
			logging.String(logging.FieldEventType, "upload_requeued"))

	case kind == services.KindPermanent || t.sub.AttemptCount >= t.sub.MaxRetries:
		c.transitionLocked(t, StatePermanentlyFailed, err.Error())
		c.markTerminalLocked(id)
		c.mu.Unlock()
		c.stager.MarkFailed(sub.TempPath)
		c.metrics.attempts.WithLabelValues(outcomeFailed).Inc()
		reason := "permanent error"
		if kind != services.KindPermanent {
			reason = "retries exhausted"
		}
		logging.ErrorWithContext(logger, "package registration failed", "upload_failed",
			logging.Error(err),
			logging.String("reason", reason),
			logging.String("temp_path", sub.TempPath),
			logging.String(logging.FieldErrorHint, "inspect the staged file and resubmit"),
		)

	default:
		delay := t.backoff.NextBackOff()
		if delay == backoff.Stop || delay <= 0 {
			delay = c.backoffMax
		}
		due := c.now().Add(delay)
		t.sub.NextAttemptAt = due
		c.transitionLocked(t, StateRetrying, err.Error())
		c.mu.Unlock()
		c.queue.delay(id, due)
		c.refreshDepth()
		c.metrics.attempts.WithLabelValues(outcomeRetry).Inc()
		logging.WarnWithContext(logger, "package registration failed; will retry", "upload_retry_scheduled",
			logging.Error(err),
			logging.Duration("retry_in", delay),
			logging.Int("max_retries", sub.MaxRetries),
			logging.String(logging.FieldErrorHint, "check content host availability"),
			logging.String(logging.FieldImpact, "upload stays in processing until retries succeed or exhaust"),
		)
	}
}

// attempt registers the package remotely and records it in the catalog.
// A panic in either call is reported as an error so the worker survives.
func (c *Coordinator) attempt(ctx context.Context, sub Submission) (pkg store.ContentPackage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("registration panic: %v", r)
		}
	}()
	course, err := c.registrar.Register(ctx, sub.TempPath, sub.CourseID, sub.Title)
	if err != nil {
		return store.ContentPackage{}, err
	}
	if course.RemoteID == "" {
		return store.ContentPackage{}, errors.New("registration returned no remote id")
	}
	pkg, err = c.catalog.CreatePackage(ctx, store.ContentPackage{
		RemoteID:      course.RemoteID,
		Title:         sub.Title,
		EntryPointURL: course.EntryURL,
		UploadID:      sub.ID,
	})
	if err != nil {
		return store.ContentPackage{}, fmt.Errorf("record content package: %w", err)
	}
	return pkg, nil
}

func (c *Coordinator) beatWhileBusy(ctx context.Context, wg *sync.WaitGroup, w *worker) {
	defer wg.Done()
	ticker := time.NewTicker(c.heartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.stamp(c.now())
		}
	}
}
