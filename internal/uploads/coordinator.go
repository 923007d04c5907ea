package uploads

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"scormsync/internal/logging"
	"scormsync/internal/services"
	"scormsync/internal/staging"
)

const (
	DefaultMaxRetries  = 3
	DefaultBackoffBase = 30 * time.Second
	DefaultBackoffMax  = 10 * time.Minute
	DefaultJoinTimeout = 10 * time.Second
	DefaultStaleAfter  = 2 * time.Minute

	maxTerminalRetained = 500
)

// Options configures a Coordinator.
type Options struct {
	Registrar  Registrar
	Catalog    Catalog
	Stager     Stager
	Logger     *slog.Logger
	Registerer prometheus.Registerer
	Now        func() time.Time

	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	JoinTimeout time.Duration
	StaleAfter  time.Duration
	// LockPath, when set, makes worker ownership exclusive across processes
	// on the host.
	LockPath string
}

type tracked struct {
	sub     Submission
	backoff *backoff.ExponentialBackOff
}

type worker struct {
	id     int
	cancel context.CancelFunc
	done   chan struct{}
	beat   atomic.Int64
}

func (w *worker) stamp(now time.Time) { w.beat.Store(now.UnixNano()) }

func (w *worker) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Coordinator owns the upload queue and its single background worker.
type Coordinator struct {
	registrar   Registrar
	catalog     Catalog
	stager      Stager
	logger      *slog.Logger
	metrics     *metrics
	now         func() time.Time
	maxRetries  int
	backoffBase time.Duration
	backoffMax  time.Duration
	joinTimeout time.Duration
	staleAfter  time.Duration
	queue       *workQueue
	lock        *flock.Flock

	mu         sync.Mutex
	subs       map[string]*tracked
	terminal   []string
	running    bool
	current    *worker
	generation int
	inFlight   string
	lockHeld   bool
}

// New builds a Coordinator. The worker is not started until EnsureRunning
// or the first Enqueue.
func New(opts Options) (*Coordinator, error) {
	if opts.Registrar == nil {
		return nil, services.Wrap(services.ErrConfiguration, "uploads", "init", "registrar is required", nil)
	}
	if opts.Catalog == nil {
		return nil, services.Wrap(services.ErrConfiguration, "uploads", "init", "catalog is required", nil)
	}
	c := &Coordinator{
		registrar:   opts.Registrar,
		catalog:     opts.Catalog,
		stager:      opts.Stager,
		logger:      logging.NewComponentLogger(opts.Logger, "upload-coordinator"),
		metrics:     newMetrics(opts.Registerer),
		now:         opts.Now,
		maxRetries:  opts.MaxRetries,
		backoffBase: opts.BackoffBase,
		backoffMax:  opts.BackoffMax,
		joinTimeout: opts.JoinTimeout,
		staleAfter:  opts.StaleAfter,
		queue:       newWorkQueue(),
		subs:        make(map[string]*tracked),
	}
	if c.stager == nil {
		c.stager = nopStager{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.maxRetries <= 0 {
		c.maxRetries = DefaultMaxRetries
	}
	if c.backoffBase <= 0 {
		c.backoffBase = DefaultBackoffBase
	}
	if c.backoffMax < c.backoffBase {
		c.backoffMax = max(DefaultBackoffMax, c.backoffBase)
	}
	if c.joinTimeout <= 0 {
		c.joinTimeout = DefaultJoinTimeout
	}
	if c.staleAfter <= 0 {
		c.staleAfter = DefaultStaleAfter
	}
	if path := strings.TrimSpace(opts.LockPath); path != "" {
		c.lock = flock.New(path)
	}
	return c, nil
}

func (c *Coordinator) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.backoffBase
	b.MaxInterval = c.backoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

func (c *Coordinator) heartbeatInterval() time.Duration {
	return min(max(c.staleAfter/4, 10*time.Millisecond), 30*time.Second)
}

// Enqueue accepts a persisted upload and returns as soon as it is queued.
// It never performs network I/O.
func (c *Coordinator) Enqueue(upload staging.PendingUpload, meta Metadata) (Submission, error) {
	path := strings.TrimSpace(upload.TempPath)
	if path == "" {
		return Submission{}, services.Wrap(services.ErrValidation, "uploads", "enqueue", "upload has no staged file", nil)
	}
	switch upload.Status {
	case staging.StatusReady, staging.StatusQueued:
	default:
		return Submission{}, services.Wrap(services.ErrValidation, "uploads", "enqueue",
			fmt.Sprintf("upload is not persisted (status %s)", upload.Status), nil)
	}

	title := strings.TrimSpace(meta.Title)
	if title == "" {
		title = TitleFromFilename(upload.OriginalFilename)
	}
	id := strings.TrimSpace(upload.ID)
	if id == "" {
		id = uuid.NewString()
	}

	c.mu.Lock()
	if existing, ok := c.subs[id]; ok && !existing.sub.State.Terminal() {
		snapshot := existing.sub.clone()
		c.mu.Unlock()
		return snapshot, nil
	}
	now := c.now()
	t := &tracked{
		sub: Submission{
			ID:               id,
			CourseID:         NewCourseID(title),
			Title:            title,
			OriginalFilename: upload.OriginalFilename,
			TempPath:         path,
			SizeBytes:        upload.SizeBytes,
			SubmittedBy:      strings.TrimSpace(meta.SubmittedBy),
			State:            StateQueued,
			MaxRetries:       c.maxRetries,
			EnqueuedAt:       now,
			History:          []Transition{{State: StateQueued, At: now}},
		},
		backoff: c.newBackoff(),
	}
	c.subs[id] = t
	snapshot := t.sub.clone()
	c.mu.Unlock()

	c.stager.MarkQueued(path)
	c.queue.push(id)
	c.refreshDepth()

	c.logger.Info("package queued for registration",
		logging.String(logging.FieldUploadID, id),
		logging.String(logging.FieldCourseID, snapshot.CourseID),
		logging.String("title", title),
		logging.String("size", logging.FormatBytes(upload.SizeBytes)),
		logging.String(logging.FieldEventType, "upload_queued"),
	)

	if _, err := c.EnsureRunning(); err != nil {
		logging.WarnWithContext(c.logger, "upload queued but worker not started", "upload_worker_unavailable",
			logging.String(logging.FieldUploadID, id),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "run uploads from the process that owns the worker lock"),
			logging.String(logging.FieldImpact, "submission waits until a worker starts in this process"),
		)
	}
	return snapshot, nil
}

// Resubmit requeues a permanently failed submission with a fresh retry
// budget. The course ID is kept so the remote side sees the same course.
func (c *Coordinator) Resubmit(id string) (Submission, error) {
	c.mu.Lock()
	t, ok := c.subs[id]
	if !ok {
		c.mu.Unlock()
		return Submission{}, services.Wrap(services.ErrNotFound, "uploads", "resubmit", "unknown submission "+id, nil)
	}
	if t.sub.State != StatePermanentlyFailed {
		state := t.sub.State
		c.mu.Unlock()
		return Submission{}, services.Wrap(services.ErrValidation, "uploads", "resubmit",
			fmt.Sprintf("submission %s is %s", id, state), nil)
	}
	t.sub.AttemptCount = 0
	t.sub.LastError = ""
	t.backoff = c.newBackoff()
	c.transitionLocked(t, StateQueued, "")
	c.dropTerminalLocked(id)
	snapshot := t.sub.clone()
	c.mu.Unlock()

	c.stager.MarkQueued(snapshot.TempPath)
	c.queue.push(id)
	c.refreshDepth()
	if _, err := c.EnsureRunning(); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

// EnsureRunning starts the worker unless one is already running. Concurrent
// callers never start two workers.
func (c *Coordinator) EnsureRunning() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return false, nil
	}
	if err := c.acquireLockLocked(); err != nil {
		return false, err
	}
	c.startLocked()
	return true, nil
}

func (c *Coordinator) acquireLockLocked() error {
	if c.lock == nil || c.lockHeld {
		return nil
	}
	ok, err := c.lock.TryLock()
	if err != nil {
		return services.Wrap(services.ErrResource, "uploads", "lock", c.lock.Path(), err)
	}
	if !ok {
		return ErrNotOwner
	}
	c.lockHeld = true
	return nil
}

func (c *Coordinator) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	c.generation++
	w := &worker{id: c.generation, cancel: cancel, done: make(chan struct{})}
	w.stamp(c.now())
	c.current = w
	c.running = true
	go c.run(ctx, w)
	c.logger.Info("upload worker started", logging.Int("worker", w.id))
}

// Stop asks the worker to exit and waits up to the join timeout. It reports
// whether the worker exited in time.
func (c *Coordinator) Stop() bool {
	c.mu.Lock()
	w := c.current
	c.running = false
	c.current = nil
	c.mu.Unlock()
	if w == nil {
		return true
	}
	return c.join(w)
}

func (c *Coordinator) join(w *worker) bool {
	w.cancel()
	timer := time.NewTimer(c.joinTimeout)
	defer timer.Stop()
	select {
	case <-w.done:
		c.logger.Info("upload worker stopped", logging.Int("worker", w.id))
		return true
	case <-timer.C:
		logging.WarnWithContext(c.logger, "upload worker did not stop in time", "upload_worker_join_timeout",
			logging.Int("worker", w.id),
			logging.Duration("timeout", c.joinTimeout),
			logging.String(logging.FieldErrorHint, "the remote registration call may be hung"),
			logging.String(logging.FieldImpact, "worker abandoned; it exits after its current call returns"),
		)
		return false
	}
}

// ForceRestart stops the current worker with a bounded join and starts a
// fresh one even when the old worker did not exit.
func (c *Coordinator) ForceRestart() (RestartResult, error) {
	joined := c.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return RestartResult{Joined: joined}, nil
	}
	if err := c.acquireLockLocked(); err != nil {
		return RestartResult{Joined: joined}, err
	}
	c.startLocked()
	return RestartResult{Joined: joined, Started: true}, nil
}

// HealthCheck restarts a missing or stale worker and reports whether it did.
func (c *Coordinator) HealthCheck() (bool, error) {
	c.mu.Lock()
	running := c.running
	w := c.current
	c.mu.Unlock()

	if running && c.alive(w) {
		return false, nil
	}
	if running {
		logging.WarnWithContext(c.logger, "upload worker heartbeat stale; restarting", "upload_worker_stale",
			logging.Duration("stale_after", c.staleAfter),
			logging.String(logging.FieldErrorHint, "check content host reachability"),
		)
		result, err := c.ForceRestart()
		return result.Started, err
	}
	return c.EnsureRunning()
}

// RunHealthLoop calls HealthCheck every interval until ctx ends.
func (c *Coordinator) RunHealthLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			restarted, err := c.HealthCheck()
			if err != nil {
				logging.WarnWithContext(c.logger, "upload worker health check failed", "upload_health_check_failed",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check worker lock ownership"),
				)
				continue
			}
			if restarted {
				c.logger.Info("upload worker restarted by health check",
					logging.String(logging.FieldEventType, "upload_worker_restarted"))
			}
		}
	}
}

func (c *Coordinator) alive(w *worker) bool {
	if w == nil || w.exited() {
		return false
	}
	last := time.Unix(0, w.beat.Load())
	return c.now().Sub(last) <= c.staleAfter
}

// Status returns an operational snapshot.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	st := Status{
		WorkerRunning: c.running,
		InFlight:      c.inFlight,
		LockHeld:      c.lockHeld,
	}
	w := c.current
	for _, t := range c.subs {
		switch t.sub.State {
		case StateRegistered:
			st.Registered++
		case StatePermanentlyFailed:
			st.Failed++
		}
	}
	c.mu.Unlock()

	st.QueueSize, st.RetryQueueSize = c.queue.depth()
	if w != nil {
		st.LastHeartbeat = time.Unix(0, w.beat.Load())
		st.WorkerAlive = st.WorkerRunning && c.alive(w)
	}
	return st
}

// Lookup returns a snapshot of one submission.
func (c *Coordinator) Lookup(id string) (Submission, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.subs[id]
	if !ok {
		return Submission{}, false
	}
	return t.sub.clone(), true
}

// Submissions returns snapshots of every known submission, oldest first.
func (c *Coordinator) Submissions() []Submission {
	c.mu.Lock()
	out := make([]Submission, 0, len(c.subs))
	for _, t := range c.subs {
		out = append(out, t.sub.clone())
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Close stops the worker and releases the worker lock.
func (c *Coordinator) Close() error {
	c.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lock != nil && c.lockHeld {
		c.lockHeld = false
		return c.lock.Unlock()
	}
	return nil
}

func (c *Coordinator) transitionLocked(t *tracked, state State, errText string) {
	t.sub.State = state
	t.sub.History = append(t.sub.History, Transition{
		State:   state,
		Attempt: t.sub.AttemptCount,
		At:      c.now(),
		Error:   errText,
	})
}

func (c *Coordinator) markTerminalLocked(id string) {
	c.terminal = append(c.terminal, id)
	for len(c.terminal) > maxTerminalRetained {
		delete(c.subs, c.terminal[0])
		c.terminal = c.terminal[1:]
	}
}

func (c *Coordinator) dropTerminalLocked(id string) {
	for i, existing := range c.terminal {
		if existing == id {
			c.terminal = append(c.terminal[:i], c.terminal[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) refreshDepth() {
	ready, waiting := c.queue.depth()
	c.metrics.queueDepth.Set(float64(ready))
	c.metrics.retryDepth.Set(float64(waiting))
}

type nopStager struct{}

func (nopStager) MarkQueued(string) {}
func (nopStager) MarkFailed(string) {}
func (nopStager) Release(string)    {}
